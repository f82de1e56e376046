package plugins

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/ahrav/netmon-minion/internal/domain/plugin"
)

// TCPName is the registry name of the TCP monitor.
const TCPName = "TCP"

const defaultTCPTimeout = 3 * time.Second

type tcpConfig struct {
	Host    string   `json:"host"`
	Port    int      `json:"port"`
	Timeout Duration `json:"timeout"`
}

// TCPMonitor reports a service as up when a TCP connection to it can be
// established.
type TCPMonitor struct {
	dialer net.Dialer
}

// Poll implements plugin.Monitor. A refused or timed-out connection is a DOWN
// verdict, not an error.
func (m *TCPMonitor) Poll(ctx context.Context, req plugin.MonitorRequest) (plugin.MonitorResponse, error) {
	var cfg tcpConfig
	if err := decodeConfig(req.Configuration, &cfg); err != nil {
		return plugin.MonitorResponse{}, err
	}
	host := targetHost(cfg.Host, req.IPAddress)
	if host == "" || cfg.Port <= 0 || cfg.Port > 65535 {
		return plugin.MonitorResponse{}, fmt.Errorf("tcp monitor: host and port 1-65535 are required")
	}

	rt, err := dialTCP(ctx, &m.dialer, net.JoinHostPort(host, strconv.Itoa(cfg.Port)), cfg.Timeout.orDefault(defaultTCPTimeout))
	if err != nil {
		if ctx.Err() != nil {
			return plugin.MonitorResponse{}, ctx.Err()
		}
		return plugin.MonitorResponse{
			Status:      plugin.StatusDown,
			Reason:      err.Error(),
			MonitorType: TCPName,
		}, nil
	}

	return plugin.MonitorResponse{
		Status:       plugin.StatusUp,
		ResponseTime: rt,
		MonitorType:  TCPName,
		Metrics:      map[string]float64{"response_time_ms": float64(rt) / float64(time.Millisecond)},
	}, nil
}

// dialTCP opens and immediately closes a connection, returning the time it
// took to connect.
func dialTCP(ctx context.Context, d *net.Dialer, addr string, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, err
	}
	rt := time.Since(start)
	_ = conn.Close()
	return rt, nil
}
