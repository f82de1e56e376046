package plugins

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/netmon-minion/internal/domain/plugin"
)

// StreamName is the registry name of the line-oriented TCP connector.
const StreamName = "TCP_STREAM"

const maxStreamLine = 64 * 1024

type streamConfig struct {
	Host    string   `json:"host"`
	Port    int      `json:"port"`
	Timeout Duration `json:"timeout"`
}

// StreamConnector holds an outbound TCP connection and emits every line it
// reads as a string google.protobuf.Value.
type StreamConnector struct {
	cfg    streamConfig
	dialer net.Dialer

	mu      sync.Mutex
	conn    net.Conn
	stopped bool
	done    chan struct{}
}

// NewStreamConnector creates an unconnected connector for cfg.
func NewStreamConnector(raw *anypb.Any) (*StreamConnector, error) {
	var cfg streamConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Host == "" || cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, errors.New("tcp stream connector: host and port 1-65535 are required")
	}
	return &StreamConnector{cfg: cfg}, nil
}

// Start dials the peer and begins reading in the background.
func (c *StreamConnector) Start(ctx context.Context, cb plugin.ListenerCallbacks) error {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout.orDefault(defaultTCPTimeout))
	defer cancel()

	conn, err := c.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp stream connector %s: %w", addr, err)
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = conn.Close()
		return errors.New("tcp stream connector: stopped")
	}
	c.conn = conn
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop(conn, cb)
	return nil
}

func (c *StreamConnector) readLoop(conn net.Conn, cb plugin.ListenerCallbacks) {
	defer close(c.done)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxStreamLine)
	for scanner.Scan() {
		payload, err := anypb.New(structpb.NewStringValue(scanner.Text()))
		if err != nil {
			continue
		}
		cb.Emit(payload)
	}

	if c.isStopped() {
		return
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	if cb.OnDisconnect != nil {
		cb.OnDisconnect(err)
	}
}

// Stop closes the connection and waits for the reader to exit.
func (c *StreamConnector) Stop() {
	c.mu.Lock()
	c.stopped = true
	conn, done := c.conn, c.done
	c.mu.Unlock()

	if conn == nil {
		return
	}
	_ = conn.Close()
	<-done
}

func (c *StreamConnector) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
