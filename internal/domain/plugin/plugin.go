// Package plugin defines the contracts between the task execution core and the
// plugins that do the actual network work. Each task kind has its own
// capability interface and factory; factories are looked up by name in a
// per-kind Registry every time a task fires.
package plugin

import (
	"context"
	"time"

	"google.golang.org/protobuf/types/known/anypb"
)

// ServiceStatus is the availability verdict of a monitor poll.
type ServiceStatus string

const (
	StatusUp      ServiceStatus = "UP"
	StatusDown    ServiceStatus = "DOWN"
	StatusUnknown ServiceStatus = "UNKNOWN"
)

// MonitorRequest carries everything a monitor needs for a single poll.
type MonitorRequest struct {
	NodeID            int64
	MonitoredEntityID string
	IPAddress         string
	Configuration     *anypb.Any
}

// MonitorResponse is the result of a single poll.
type MonitorResponse struct {
	Status       ServiceStatus
	Reason       string
	ResponseTime time.Duration
	MonitorType  string
	Metrics      map[string]float64
}

// Monitor polls a single service.
type Monitor interface {
	Poll(ctx context.Context, req MonitorRequest) (MonitorResponse, error)
}

// CollectionRequest identifies the target of a collection.
type CollectionRequest struct {
	NodeID            int64
	MonitoredEntityID string
	IPAddress         string
}

// Sample is a single collected value.
type Sample struct {
	Name   string
	Value  float64
	Labels map[string]string
}

// CollectionSet is everything gathered in one collection.
type CollectionSet struct {
	Status  ServiceStatus
	Reason  string
	Samples []Sample
}

// Collector gathers samples from a target.
type Collector interface {
	Collect(ctx context.Context, req CollectionRequest, cfg *anypb.Any) (CollectionSet, error)
}

// Finding is one thing a scanner discovered.
type Finding struct {
	IPAddress  string
	Port       int
	Service    string
	Attributes map[string]string
}

// ScanResults is the output of a single scan.
type ScanResults struct {
	Findings []Finding
}

// Scanner performs a one-shot discovery.
type Scanner interface {
	Scan(ctx context.Context, cfg *anypb.Any) (ScanResults, error)
}

// DetectRequest identifies the target of a detection.
type DetectRequest struct {
	NodeID        int64
	IPAddress     string
	Configuration *anypb.Any
}

// DetectResponse reports whether a service was detected.
type DetectResponse struct {
	Detected    bool
	MonitorType string
	Reason      string
	Attributes  map[string]string
}

// Detector decides whether a service is present on a target.
type Detector interface {
	Detect(ctx context.Context, req DetectRequest) (DetectResponse, error)
}

// ListenerCallbacks are handed to a started Listener. Emit delivers payloads
// received while connected. OnDisconnect must be called when an established
// connection is lost.
type ListenerCallbacks struct {
	Emit         func(payload *anypb.Any)
	OnDisconnect func(err error)
}

// Listener is a long-lived receiver or outbound connection. Start blocks only
// until the connection is established (or fails), never for its lifetime.
type Listener interface {
	Start(ctx context.Context, cb ListenerCallbacks) error
	Stop()
}
