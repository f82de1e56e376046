package plugins

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/netmon-minion/internal/domain/plugin"
)

// TrapName is the registry name of the SNMP trap listener.
const TrapName = "SNMP_TRAP"

const defaultTrapAddress = "0.0.0.0:1162"

type trapConfig struct {
	Address   string `json:"address"`
	Community string `json:"community"`
}

// TrapListener receives SNMP v1 and v2c traps and informs on a UDP socket and
// emits each one as a google.protobuf.Struct.
type TrapListener struct {
	cfg trapConfig

	mu       sync.Mutex
	listener *gosnmp.TrapListener
	stopped  bool
}

// NewTrapListener creates an unstarted listener for cfg.
func NewTrapListener(raw *anypb.Any) (*TrapListener, error) {
	var cfg trapConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Address == "" {
		cfg.Address = defaultTrapAddress
	}
	if _, _, err := net.SplitHostPort(cfg.Address); err != nil {
		return nil, fmt.Errorf("snmp trap listener: invalid address %q: %w", cfg.Address, err)
	}
	return &TrapListener{cfg: cfg}, nil
}

// Start binds the socket and returns once it is receiving.
func (l *TrapListener) Start(ctx context.Context, cb plugin.ListenerCallbacks) error {
	tl := gosnmp.NewTrapListener()
	tl.Params = &gosnmp.GoSNMP{
		Port:      161,
		Community: l.cfg.Community,
		Version:   gosnmp.Version2c,
		Timeout:   2 * time.Second,
	}
	tl.OnNewTrap = func(pkt *gosnmp.SnmpPacket, addr *net.UDPAddr) {
		if l.cfg.Community != "" && pkt.Community != l.cfg.Community {
			return
		}
		payload, err := trapPayload(pkt, addr)
		if err != nil {
			return
		}
		cb.Emit(payload)
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return errors.New("snmp trap listener: stopped")
	}
	l.listener = tl
	l.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- tl.Listen(l.cfg.Address) }()

	select {
	case <-tl.Listening():
	case err := <-errCh:
		if err == nil {
			err = errors.New("listener exited before binding")
		}
		return fmt.Errorf("snmp trap listener %s: %w", l.cfg.Address, err)
	case <-ctx.Done():
		// Closing before the socket is bound would leave Listen blocked.
		go func() {
			select {
			case <-tl.Listening():
				tl.Close()
			case <-errCh:
			}
		}()
		return ctx.Err()
	}

	go func() {
		err := <-errCh
		if l.isStopped() {
			return
		}
		if err == nil {
			err = errors.New("trap listener exited")
		}
		if cb.OnDisconnect != nil {
			cb.OnDisconnect(err)
		}
	}()
	return nil
}

// Stop closes the socket. It is safe to call more than once.
func (l *TrapListener) Stop() {
	l.mu.Lock()
	l.stopped = true
	tl := l.listener
	l.mu.Unlock()

	if tl != nil {
		tl.Close()
	}
}

func (l *TrapListener) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func trapPayload(pkt *gosnmp.SnmpPacket, addr *net.UDPAddr) (*anypb.Any, error) {
	vars := make([]any, 0, len(pkt.Variables))
	for _, v := range pkt.Variables {
		vars = append(vars, map[string]any{
			"oid":   v.Name,
			"type":  v.Type.String(),
			"value": pduString(v),
		})
	}

	fields := map[string]any{
		"version":   pkt.Version.String(),
		"community": pkt.Community,
		"pdu_type":  pkt.PDUType.String(),
		"variables": vars,
	}
	if addr != nil {
		fields["source"] = addr.IP.String()
		fields["source_port"] = addr.Port
	}
	if pkt.Version == gosnmp.Version1 {
		fields["enterprise"] = pkt.Enterprise
		fields["agent_address"] = pkt.AgentAddress
		fields["generic_trap"] = pkt.GenericTrap
		fields["specific_trap"] = pkt.SpecificTrap
		fields["timestamp"] = pkt.Timestamp
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return anypb.New(s)
}
