package taskset

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/netmon-minion/internal/domain/plugin"
	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
	"github.com/ahrav/netmon-minion/pkg/common"
	"github.com/ahrav/netmon-minion/pkg/common/logger"
)

// ExecutorState is the lifecycle position of a deployed task.
type ExecutorState int32

const (
	// StateCreated is the state of an executor that has not been started.
	StateCreated ExecutorState = iota
	// StateScheduled means the task is waiting for its next fire.
	StateScheduled
	// StateIterating means an iteration (or connection attempt) is in flight.
	StateIterating
	// StateCancelled is terminal; no further fires will happen.
	StateCancelled
	// StateInert is terminal for executors that failed to start, gave up
	// retrying, or finished their single run.
	StateInert
)

func (s ExecutorState) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateScheduled:
		return "SCHEDULED"
	case StateIterating:
		return "ITERATING"
	case StateCancelled:
		return "CANCELLED"
	case StateInert:
		return "INERT"
	default:
		return fmt.Sprintf("ExecutorState(%d)", int32(s))
	}
}

// TaskExecutor turns one task definition into running work.
type TaskExecutor interface {
	// Start begins executing the task. It never blocks for the lifetime of
	// the task and never panics.
	Start(ctx context.Context) error
	// Cancel stops all future work. It returns immediately.
	Cancel()
	// Definition returns the definition the executor was created from.
	Definition() domain.TaskDefinition
	// State returns the current lifecycle state.
	State() ExecutorState
}

// ResultSender accepts result envelopes for delivery. Send must not block for
// longer than a few milliseconds.
type ResultSender interface {
	Send(env domain.ResultEnvelope) bool
}

// executionHandle is the per-task runtime state: the single-flight guard, the
// lifecycle state word, and the cancel function of the in-flight iteration.
type executionHandle struct {
	def    domain.TaskDefinition
	state  atomic.Int32
	active atomic.Bool

	mu         sync.Mutex
	cancelIter context.CancelFunc
}

func newExecutionHandle(def domain.TaskDefinition) *executionHandle {
	return &executionHandle{def: def}
}

func (h *executionHandle) State() ExecutorState { return ExecutorState(h.state.Load()) }

// transition moves from one state to another, failing if the current state
// is not from.
func (h *executionHandle) transition(from, to ExecutorState) bool {
	return h.state.CompareAndSwap(int32(from), int32(to))
}

// setUnlessTerminal moves to the given state unless the handle is already
// cancelled or inert.
func (h *executionHandle) setUnlessTerminal(to ExecutorState) bool {
	for {
		cur := h.State()
		if cur == StateCancelled || cur == StateInert {
			return false
		}
		if h.transition(cur, to) {
			return true
		}
	}
}

func (h *executionHandle) cancelled() bool { return h.State() == StateCancelled }

// tryAcquire flips the single-flight guard. It fails if an iteration is
// already in flight or the task has been cancelled.
func (h *executionHandle) tryAcquire() bool {
	if h.cancelled() {
		return false
	}
	if !h.active.CompareAndSwap(false, true) {
		return false
	}
	h.setUnlessTerminal(StateIterating)
	return true
}

// release clears the guard and returns the state to SCHEDULED.
func (h *executionHandle) release() {
	h.mu.Lock()
	h.cancelIter = nil
	h.mu.Unlock()

	h.setUnlessTerminal(StateScheduled)
	h.active.Store(false)
}

// iterationContext derives the context of a single iteration from base and
// remembers its cancel function so Cancel can interrupt it.
func (h *executionHandle) iterationContext(base context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(base, timeout)
	} else {
		ctx, cancel = context.WithCancel(base)
	}

	h.mu.Lock()
	h.cancelIter = cancel
	h.mu.Unlock()

	return ctx, cancel
}

// cancel marks the handle cancelled and interrupts any in-flight iteration.
// It reports whether this call performed the transition.
func (h *executionHandle) cancel() bool {
	if !h.setUnlessTerminal(StateCancelled) {
		return false
	}

	h.mu.Lock()
	cancel := h.cancelIter
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

// executorDeps are the collaborators shared by every executor the factory
// creates.
type executorDeps struct {
	scheduler        TaskScheduler
	registries       *plugin.Registries
	processor        *ResultProcessor
	sender           ResultSender
	metrics          ExecutorMetrics
	iterationTimeout time.Duration
	logRate          float64
	logBurst         int

	tracer trace.Tracer
	logger *logger.Logger
}

// baseExecutor holds what every executor kind needs: its definition, runtime
// handle, collaborators and a throttled logger.
type baseExecutor struct {
	*executionHandle
	executorDeps

	// baseCtx outlives the Start call; iterations derive from it.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	throttle *common.LogThrottle
	logger   *logger.Logger
}

func newBaseExecutor(def domain.TaskDefinition, deps executorDeps) *baseExecutor {
	rate, burst := deps.logRate, deps.logBurst
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 5
	}
	return &baseExecutor{
		executionHandle: newExecutionHandle(def),
		executorDeps:    deps,
		throttle:        common.NewLogThrottle(rate, burst),
		logger: deps.logger.With(
			"task_id", def.ID,
			"kind", def.Kind,
			"plugin", def.PluginName,
		),
	}
}

// Definition implements TaskExecutor.
func (b *baseExecutor) Definition() domain.TaskDefinition { return b.def }

// bind detaches the executor's lifetime from the caller's context while
// keeping its values (trace, logger fields).
func (b *baseExecutor) bind(ctx context.Context) {
	b.baseCtx, b.cancelBase = context.WithCancel(context.WithoutCancel(ctx))
}

func (b *baseExecutor) unbind() {
	if b.cancelBase != nil {
		b.cancelBase()
	}
}

// warn logs at warn level unless the executor is producing too many warnings,
// in which case the line is demoted to debug.
func (b *baseExecutor) warn(ctx context.Context, msg string, args ...any) {
	if b.throttle.Allow() {
		b.logger.Warn(ctx, msg, args...)
		return
	}
	b.logger.Debug(ctx, msg, args...)
}

// deliver hands envelopes to the sender unless the task was cancelled while
// the iteration was in flight.
func (b *baseExecutor) deliver(ctx context.Context, envs ...domain.ResultEnvelope) {
	if b.cancelled() {
		b.logger.Debug(ctx, "Suppressing result of cancelled task", "results", len(envs))
		return
	}
	for _, env := range envs {
		if !env.Succeeded {
			b.metrics.IncIterationsFailed(ctx, b.def.Kind)
		}
		b.sender.Send(env)
	}
}

// pluginMissing records and logs a fire that found no plugin.
func (b *baseExecutor) pluginMissing(ctx context.Context) {
	b.metrics.IncPluginMissing(ctx, b.def.Kind)
	b.warn(ctx, "Skipping execution; plugin not registered")
}

func (b *baseExecutor) pluginNotFound() error {
	return &domain.PluginNotFoundError{Kind: b.def.Kind, Name: b.def.PluginName}
}

// recoverOutcome converts a panic raised by plugin code into a failed Outcome.
func recoverOutcome(out *domain.Outcome) {
	if r := recover(); r != nil {
		*out = domain.FailureOutcome(fmt.Errorf("plugin panicked: %v", r), "")
	}
}
