package plugins

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/ahrav/netmon-minion/internal/domain/plugin"
)

// PortScanName is the registry name of the TCP port scanner.
const PortScanName = "TCP_PORT"

const (
	defaultScanTimeout     = time.Second
	defaultScanConcurrency = 32
)

type portScanConfig struct {
	Hosts       []string `json:"hosts"`
	Ports       []int    `json:"ports"`
	Timeout     Duration `json:"timeout"`
	Concurrency int      `json:"concurrency"`
}

// wellKnownServices names the services most commonly found on scanned ports.
var wellKnownServices = map[int]string{
	21:   "FTP",
	22:   "SSH",
	23:   "Telnet",
	25:   "SMTP",
	53:   "DNS",
	80:   "HTTP",
	161:  "SNMP",
	443:  "HTTPS",
	3306: "MySQL",
	5432: "PostgreSQL",
	8080: "HTTP-8080",
	9092: "Kafka",
}

// PortScanner probes every host and port pair with a TCP connect and reports
// the open ones.
type PortScanner struct {
	dialer net.Dialer
}

// Scan implements plugin.Scanner. Findings are ordered by host and port.
func (s *PortScanner) Scan(ctx context.Context, raw *anypb.Any) (plugin.ScanResults, error) {
	var cfg portScanConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return plugin.ScanResults{}, err
	}
	if len(cfg.Hosts) == 0 || len(cfg.Ports) == 0 {
		return plugin.ScanResults{}, errors.New("port scan: hosts and ports are required")
	}
	for _, p := range cfg.Ports {
		if p <= 0 || p > 65535 {
			return plugin.ScanResults{}, fmt.Errorf("port scan: invalid port %d", p)
		}
	}

	limit := cfg.Concurrency
	if limit <= 0 {
		limit = defaultScanConcurrency
	}
	timeout := cfg.Timeout.orDefault(defaultScanTimeout)

	var (
		mu       sync.Mutex
		findings []plugin.Finding
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, host := range cfg.Hosts {
		for _, port := range cfg.Ports {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				rt, err := dialTCP(gctx, &s.dialer, net.JoinHostPort(host, strconv.Itoa(port)), timeout)
				if err != nil {
					return nil
				}

				f := plugin.Finding{
					IPAddress:  host,
					Port:       port,
					Service:    wellKnownServices[port],
					Attributes: map[string]string{"connect_time": rt.String()},
				}
				mu.Lock()
				findings = append(findings, f)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return plugin.ScanResults{}, err
	}

	slices.SortFunc(findings, func(a, b plugin.Finding) int {
		if c := cmp.Compare(a.IPAddress, b.IPAddress); c != 0 {
			return c
		}
		return cmp.Compare(a.Port, b.Port)
	})
	return plugin.ScanResults{Findings: findings}, nil
}
