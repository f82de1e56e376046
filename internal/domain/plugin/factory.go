package plugin

import "google.golang.org/protobuf/types/known/anypb"

// MonitorFactory creates a fresh Monitor for each iteration.
type MonitorFactory interface {
	Create() (Monitor, error)
}

// CollectorFactory creates a fresh Collector for each iteration.
type CollectorFactory interface {
	Create() (Collector, error)
}

// ScannerFactory creates a Scanner.
type ScannerFactory interface {
	Create() (Scanner, error)
}

// DetectorFactory creates a Detector.
type DetectorFactory interface {
	Create() (Detector, error)
}

// ListenerFactory creates a Listener bound to the given configuration. It
// serves both the LISTENER and CONNECTOR kinds.
type ListenerFactory interface {
	Create(cfg *anypb.Any) (Listener, error)
}

// MonitorFactoryFunc adapts a function to a MonitorFactory.
type MonitorFactoryFunc func() (Monitor, error)

// Create implements MonitorFactory.
func (f MonitorFactoryFunc) Create() (Monitor, error) { return f() }

// CollectorFactoryFunc adapts a function to a CollectorFactory.
type CollectorFactoryFunc func() (Collector, error)

// Create implements CollectorFactory.
func (f CollectorFactoryFunc) Create() (Collector, error) { return f() }

// ScannerFactoryFunc adapts a function to a ScannerFactory.
type ScannerFactoryFunc func() (Scanner, error)

// Create implements ScannerFactory.
func (f ScannerFactoryFunc) Create() (Scanner, error) { return f() }

// DetectorFactoryFunc adapts a function to a DetectorFactory.
type DetectorFactoryFunc func() (Detector, error)

// Create implements DetectorFactory.
func (f DetectorFactoryFunc) Create() (Detector, error) { return f() }

// ListenerFactoryFunc adapts a function to a ListenerFactory.
type ListenerFactoryFunc func(cfg *anypb.Any) (Listener, error)

// Create implements ListenerFactory.
func (f ListenerFactoryFunc) Create(cfg *anypb.Any) (Listener, error) { return f(cfg) }
