package plugins

import (
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/ahrav/netmon-minion/internal/domain/plugin"
)

// RegisterBuiltins installs every built-in plugin into regs. Existing entries
// with the same names are replaced.
func RegisterBuiltins(regs *plugin.Registries) {
	regs.Monitors.Register(EchoName, plugin.MonitorFactoryFunc(func() (plugin.Monitor, error) {
		return EchoMonitor{}, nil
	}))
	regs.Monitors.Register(TCPName, plugin.MonitorFactoryFunc(func() (plugin.Monitor, error) {
		return new(TCPMonitor), nil
	}))
	regs.Monitors.Register(ICMPName, plugin.MonitorFactoryFunc(func() (plugin.Monitor, error) {
		return NewICMPMonitor(), nil
	}))
	regs.Monitors.Register(SNMPName, plugin.MonitorFactoryFunc(func() (plugin.Monitor, error) {
		return NewSNMPMonitor(), nil
	}))

	regs.Collectors.Register(SNMPName, plugin.CollectorFactoryFunc(func() (plugin.Collector, error) {
		return NewSNMPCollector(), nil
	}))

	regs.Scanners.Register(PortScanName, plugin.ScannerFactoryFunc(func() (plugin.Scanner, error) {
		return new(PortScanner), nil
	}))

	regs.Detectors.Register(ICMPName, plugin.DetectorFactoryFunc(func() (plugin.Detector, error) {
		return NewICMPDetector(), nil
	}))
	regs.Detectors.Register(SNMPName, plugin.DetectorFactoryFunc(func() (plugin.Detector, error) {
		return NewSNMPDetector(), nil
	}))

	regs.Listeners.Register(TrapName, plugin.ListenerFactoryFunc(func(cfg *anypb.Any) (plugin.Listener, error) {
		return NewTrapListener(cfg)
	}))
	regs.Connectors.Register(StreamName, plugin.ListenerFactoryFunc(func(cfg *anypb.Any) (plugin.Listener, error) {
		return NewStreamConnector(cfg)
	}))
}
