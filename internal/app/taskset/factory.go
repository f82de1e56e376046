package taskset

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/ahrav/netmon-minion/internal/domain/plugin"
	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
	"github.com/ahrav/netmon-minion/pkg/common/logger"
)

// ExecutorFactoryConfig holds the tunables applied to every executor.
type ExecutorFactoryConfig struct {
	SystemID         string
	IterationTimeout time.Duration
	ErrorLogRate     float64
	ErrorLogBurst    int

	// RetryMaxRetries bounds the reconnect attempts of listeners and
	// connectors that follow the first one. Zero retries forever.
	RetryMaxRetries int
	// NewBackOff returns the reconnect policy for one executor. Defaults to
	// a FallbackBackOff over DefaultRetryDelays.
	NewBackOff func() backoff.BackOff
}

// ExecutorFactory builds the TaskExecutor matching a definition's kind.
type ExecutorFactory struct {
	deps       executorDeps
	newBackOff func() backoff.BackOff
	maxRetries int
}

// NewExecutorFactory wires the shared collaborators of every executor.
func NewExecutorFactory(
	cfg ExecutorFactoryConfig,
	scheduler TaskScheduler,
	registries *plugin.Registries,
	sender ResultSender,
	metrics ExecutorMetrics,
	tracer trace.Tracer,
	log *logger.Logger,
) *ExecutorFactory {
	newBackOff := cfg.NewBackOff
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff { return NewFallbackBackOff() }
	}

	return &ExecutorFactory{
		deps: executorDeps{
			scheduler:        scheduler,
			registries:       registries,
			processor:        NewResultProcessor(cfg.SystemID),
			sender:           sender,
			metrics:          metrics,
			iterationTimeout: cfg.IterationTimeout,
			logRate:          cfg.ErrorLogRate,
			logBurst:         cfg.ErrorLogBurst,
			tracer:           tracer,
			logger:           log.With("component", "task_executor"),
		},
		newBackOff: newBackOff,
		maxRetries: cfg.RetryMaxRetries,
	}
}

// Create returns an unstarted executor for def.
func (f *ExecutorFactory) Create(def domain.TaskDefinition) (TaskExecutor, error) {
	switch def.Kind {
	case domain.KindMonitor:
		return newMonitorExecutor(def, f.deps), nil
	case domain.KindCollector:
		return newCollectorExecutor(def, f.deps), nil
	case domain.KindScanner:
		return newScannerExecutor(def, f.deps), nil
	case domain.KindDetector:
		return newDetectorExecutor(def, f.deps), nil
	case domain.KindListener:
		return f.newListenerExecutor(def, f.deps.registries.Listeners), nil
	case domain.KindConnector:
		return f.newListenerExecutor(def, f.deps.registries.Connectors), nil
	default:
		return nil, fmt.Errorf("task %s: %w: %q", def.ID, domain.ErrUnknownKind, def.Kind)
	}
}

func (f *ExecutorFactory) newListenerExecutor(def domain.TaskDefinition, registry *plugin.Registry[plugin.ListenerFactory]) *RetryExecutor {
	return newRetryExecutor(def, f.deps, func(emit func(*anypb.Any)) RetryableExecutor {
		return newListenerRetryable(registry, def.PluginName, emit)
	}, f.newBackOff, f.maxRetries)
}
