package taskset

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/ahrav/netmon-minion/internal/domain/plugin"
	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
	"github.com/ahrav/netmon-minion/pkg/common/logger"
)

// recordingSender collects every envelope handed to it.
type recordingSender struct {
	mu   sync.Mutex
	envs []domain.ResultEnvelope
}

func (s *recordingSender) Send(env domain.ResultEnvelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	return true
}

func (s *recordingSender) Envelopes() []domain.ResultEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ResultEnvelope(nil), s.envs...)
}

func (s *recordingSender) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envs)
}

// mockResultSink implements ResultSink for testing.
type mockResultSink struct{ mock.Mock }

func (m *mockResultSink) Publish(ctx context.Context, batch []domain.ResultEnvelope) error {
	args := m.Called(ctx, batch)
	return args.Error(0)
}

// echoMonitor answers UP immediately.
type echoMonitor struct{}

func (echoMonitor) Poll(context.Context, plugin.MonitorRequest) (plugin.MonitorResponse, error) {
	return plugin.MonitorResponse{Status: plugin.StatusUp, MonitorType: "ECHO"}, nil
}

// funcMonitor adapts a function to plugin.Monitor.
type funcMonitor func(ctx context.Context, req plugin.MonitorRequest) (plugin.MonitorResponse, error)

func (f funcMonitor) Poll(ctx context.Context, req plugin.MonitorRequest) (plugin.MonitorResponse, error) {
	return f(ctx, req)
}

// funcCollector adapts a function to plugin.Collector.
type funcCollector func(ctx context.Context, req plugin.CollectionRequest, cfg *anypb.Any) (plugin.CollectionSet, error)

func (f funcCollector) Collect(ctx context.Context, req plugin.CollectionRequest, cfg *anypb.Any) (plugin.CollectionSet, error) {
	return f(ctx, req, cfg)
}

// funcScanner adapts a function to plugin.Scanner.
type funcScanner func(ctx context.Context, cfg *anypb.Any) (plugin.ScanResults, error)

func (f funcScanner) Scan(ctx context.Context, cfg *anypb.Any) (plugin.ScanResults, error) {
	return f(ctx, cfg)
}

// fakeConnection is a controllable Listener. Every Start is counted and the
// callbacks of the latest connection are kept so tests can emit payloads or
// simulate a drop.
type fakeConnection struct {
	attempts atomic.Int32
	stops    atomic.Int32
	failNext atomic.Int32

	mu sync.Mutex
	cb plugin.ListenerCallbacks
}

var errConnRefused = errors.New("connection refused")

func (c *fakeConnection) Start(_ context.Context, cb plugin.ListenerCallbacks) error {
	if c.failNext.Load() > 0 {
		c.failNext.Add(-1)
		c.attempts.Add(1)
		return errConnRefused
	}
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
	c.attempts.Add(1)
	return nil
}

func (c *fakeConnection) Stop() { c.stops.Add(1) }

func (c *fakeConnection) callbacks() plugin.ListenerCallbacks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cb
}

func (c *fakeConnection) factory() plugin.ListenerFactory {
	return plugin.ListenerFactoryFunc(func(*anypb.Any) (plugin.Listener, error) { return c, nil })
}

func echoFactory() plugin.MonitorFactory {
	return plugin.MonitorFactoryFunc(func() (plugin.Monitor, error) { return echoMonitor{}, nil })
}

func monitorFactory(fn funcMonitor) plugin.MonitorFactory {
	return plugin.MonitorFactoryFunc(func() (plugin.Monitor, error) { return fn, nil })
}

// testHarness bundles a scheduler, registries and a recording sender.
type testHarness struct {
	registries *plugin.Registries
	scheduler  *Scheduler
	sender     *recordingSender
	factory    *ExecutorFactory
}

func newTestHarness(t *testing.T, cfg ExecutorFactoryConfig) *testHarness {
	t.Helper()

	log := logger.Noop()
	tracer := noop.NewTracerProvider().Tracer("test")

	metrics, err := NewMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)

	h := &testHarness{
		registries: plugin.NewRegistries(),
		scheduler:  NewScheduler(log, WithMinPeriod(time.Millisecond)),
		sender:     new(recordingSender),
	}
	if cfg.SystemID == "" {
		cfg.SystemID = "minion-test"
	}
	h.factory = NewExecutorFactory(cfg, h.scheduler, h.registries, h.sender, metrics, tracer, log)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.scheduler.Stop(ctx)
	})
	return h
}

func (h *testHarness) manager() *LifecycleManager {
	return NewLifecycleManager(h.factory, noop.NewTracerProvider().Tracer("test"), logger.Noop())
}

func monitorDef(id, pluginName, schedule string) domain.TaskDefinition {
	return domain.TaskDefinition{
		ID:         id,
		Kind:       domain.KindMonitor,
		PluginName: pluginName,
		Schedule:   schedule,
		Target:     domain.TargetIdentity{NodeID: 1, IPAddress: "127.0.0.1"},
	}
}

func envelopesFor(envs []domain.ResultEnvelope, taskID string) []domain.ResultEnvelope {
	var out []domain.ResultEnvelope
	for _, e := range envs {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}
