package plugins

import (
	"context"
	"time"

	"github.com/ahrav/netmon-minion/internal/domain/plugin"
)

// EchoName is the registry name of the echo monitor.
const EchoName = "ECHO"

type echoConfig struct {
	Delay   Duration `json:"delay"`
	Message string   `json:"message"`
}

// EchoMonitor always reports the service as up. It exercises the execution
// path end to end without touching the network. An optional delay simulates
// a slow poll.
type EchoMonitor struct{}

// Poll implements plugin.Monitor.
func (EchoMonitor) Poll(ctx context.Context, req plugin.MonitorRequest) (plugin.MonitorResponse, error) {
	var cfg echoConfig
	if err := decodeConfig(req.Configuration, &cfg); err != nil {
		return plugin.MonitorResponse{}, err
	}

	start := time.Now()
	if d := cfg.Delay.Std(); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return plugin.MonitorResponse{}, ctx.Err()
		}
	}

	return plugin.MonitorResponse{
		Status:       plugin.StatusUp,
		Reason:       cfg.Message,
		ResponseTime: time.Since(start),
		MonitorType:  EchoName,
	}, nil
}
