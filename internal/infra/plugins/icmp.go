package plugins

import (
	"context"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/ahrav/netmon-minion/internal/domain/plugin"
)

// ICMPName is the registry name of the ICMP monitor and detector.
const ICMPName = "ICMP"

const (
	defaultPingCount   = 3
	defaultPingTimeout = 3 * time.Second
)

type icmpConfig struct {
	Host       string   `json:"host"`
	Count      int      `json:"count"`
	Interval   Duration `json:"interval"`
	Timeout    Duration `json:"timeout"`
	Size       int      `json:"packet_size"`
	Privileged bool     `json:"privileged"`
}

// pingFunc sends echo requests to host and returns the round trip statistics.
type pingFunc func(ctx context.Context, host string, cfg icmpConfig) (*probing.Statistics, error)

// runPing pings host with pro-bing. Unprivileged mode uses datagram ICMP
// sockets and needs net.ipv4.ping_group_range to include the agent's group.
func runPing(ctx context.Context, host string, cfg icmpConfig) (*probing.Statistics, error) {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	pinger.SetPrivileged(cfg.Privileged)
	pinger.Count = cfg.Count
	if pinger.Count <= 0 {
		pinger.Count = defaultPingCount
	}
	pinger.Timeout = cfg.Timeout.orDefault(defaultPingTimeout)
	if cfg.Interval > 0 {
		pinger.Interval = cfg.Interval.Std()
	}
	if cfg.Size > 0 {
		pinger.Size = cfg.Size
	}

	if err := pinger.RunWithContext(ctx); err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ping %s: %w", host, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return pinger.Statistics(), nil
}

// ICMPMonitor reports a node as up when it answers echo requests.
type ICMPMonitor struct {
	ping pingFunc
}

// NewICMPMonitor creates a monitor backed by pro-bing.
func NewICMPMonitor() *ICMPMonitor { return &ICMPMonitor{ping: runPing} }

// Poll implements plugin.Monitor.
func (m *ICMPMonitor) Poll(ctx context.Context, req plugin.MonitorRequest) (plugin.MonitorResponse, error) {
	var cfg icmpConfig
	if err := decodeConfig(req.Configuration, &cfg); err != nil {
		return plugin.MonitorResponse{}, err
	}
	host := targetHost(cfg.Host, req.IPAddress)
	if host == "" {
		return plugin.MonitorResponse{}, fmt.Errorf("icmp monitor: no host")
	}

	stats, err := m.ping(ctx, host, cfg)
	if err != nil {
		return plugin.MonitorResponse{}, err
	}

	resp := plugin.MonitorResponse{
		MonitorType: ICMPName,
		Metrics: map[string]float64{
			"packets_sent":  float64(stats.PacketsSent),
			"packets_recv":  float64(stats.PacketsRecv),
			"packet_loss":   stats.PacketLoss,
			"rtt_avg_ms":    float64(stats.AvgRtt) / float64(time.Millisecond),
			"rtt_min_ms":    float64(stats.MinRtt) / float64(time.Millisecond),
			"rtt_max_ms":    float64(stats.MaxRtt) / float64(time.Millisecond),
			"rtt_stddev_ms": float64(stats.StdDevRtt) / float64(time.Millisecond),
		},
	}
	if stats.PacketsRecv == 0 {
		resp.Status = plugin.StatusDown
		resp.Reason = fmt.Sprintf("no echo replies from %s", host)
		return resp, nil
	}
	resp.Status = plugin.StatusUp
	resp.ResponseTime = stats.AvgRtt
	return resp, nil
}

// ICMPDetector detects whether a node answers echo requests.
type ICMPDetector struct {
	ping pingFunc
}

// NewICMPDetector creates a detector backed by pro-bing.
func NewICMPDetector() *ICMPDetector { return &ICMPDetector{ping: runPing} }

// Detect implements plugin.Detector.
func (d *ICMPDetector) Detect(ctx context.Context, req plugin.DetectRequest) (plugin.DetectResponse, error) {
	cfg := icmpConfig{Count: 1}
	if err := decodeConfig(req.Configuration, &cfg); err != nil {
		return plugin.DetectResponse{}, err
	}
	host := targetHost(cfg.Host, req.IPAddress)
	if host == "" {
		return plugin.DetectResponse{}, fmt.Errorf("icmp detector: no host")
	}

	stats, err := d.ping(ctx, host, cfg)
	if err != nil {
		return plugin.DetectResponse{}, err
	}
	if stats.PacketsRecv == 0 {
		return plugin.DetectResponse{MonitorType: ICMPName, Reason: "no echo replies"}, nil
	}
	return plugin.DetectResponse{
		Detected:    true,
		MonitorType: ICMPName,
		Attributes:  map[string]string{"rtt": stats.AvgRtt.String()},
	}, nil
}
