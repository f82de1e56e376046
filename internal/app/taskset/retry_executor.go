package taskset

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/types/known/anypb"

	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
)

// FailureReason classifies a failed connection attempt.
type FailureReason int

const (
	// ReasonNone accompanies successful attempts.
	ReasonNone FailureReason = iota
	// ReasonPluginNotFound means no plugin is registered under the task's
	// plugin name.
	ReasonPluginNotFound
	// ReasonCreateFailed means the plugin factory returned an error.
	ReasonCreateFailed
	// ReasonStartFailed means the plugin could not establish its connection.
	ReasonStartFailed
)

func (r FailureReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonPluginNotFound:
		return "plugin_not_found"
	case ReasonCreateFailed:
		return "create_failed"
	case ReasonStartFailed:
		return "start_failed"
	default:
		return fmt.Sprintf("FailureReason(%d)", int(r))
	}
}

// AttemptResult is the outcome of a single connection attempt.
type AttemptResult struct {
	Connected bool
	Reason    FailureReason
	Err       error
}

// RetryableExecutor is a long-lived connection that can be attempted
// repeatedly. Init is called once before the first attempt; onDisconnect must
// be invoked whenever an established connection is lost.
type RetryableExecutor interface {
	Init(onDisconnect func(err error))
	Attempt(ctx context.Context, cfg *anypb.Any) AttemptResult
	Cancel()
}

// RetryExecutor owns a RetryableExecutor and keeps it connected: failed
// attempts and disconnects schedule another attempt after a backoff delay.
type RetryExecutor struct {
	*baseExecutor

	key       string
	retryable RetryableExecutor

	mu      sync.Mutex // serializes attempts and backoff state
	backoff backoff.BackOff
	live    bool

	maxRetries int
}

var _ TaskExecutor = (*RetryExecutor)(nil)

func newRetryExecutor(
	def domain.TaskDefinition,
	deps executorDeps,
	newRetryable func(emit func(*anypb.Any)) RetryableExecutor,
	newBackOff func() backoff.BackOff,
	maxRetries int,
) *RetryExecutor {
	e := &RetryExecutor{
		baseExecutor: newBaseExecutor(def, deps),
		key:          scheduleKey(def.ID),
		backoff:      retryPolicy(newBackOff, maxRetries),
		maxRetries:   maxRetries,
	}
	e.retryable = newRetryable(e.emit)
	return e
}

// Start initializes the retryable and makes the first attempt synchronously.
// A missing plugin fails the start; any other failure schedules a retry and
// the task counts as started.
func (e *RetryExecutor) Start(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "taskset.retry_executor.start",
		trace.WithAttributes(
			attribute.String("task_id", e.def.ID),
			attribute.String("kind", e.def.Kind.String()),
			attribute.String("plugin", e.def.PluginName),
		))
	defer span.End()

	if !e.transition(StateCreated, StateScheduled) {
		err := fmt.Errorf("task %s: executor already started (state %s)", e.def.ID, e.State())
		span.RecordError(err)
		return err
	}

	e.bind(ctx)
	e.retryable.Init(e.handleDisconnect)

	res := e.attempt()
	if res.Reason == ReasonPluginNotFound {
		e.state.Store(int32(StateInert))
		e.unbind()
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "plugin not found")
		return res.Err
	}

	e.mu.Lock()
	e.live = true
	e.mu.Unlock()
	e.metrics.AddActiveTasks(ctx, e.def.Kind, 1)

	if res.Connected {
		span.SetStatus(codes.Ok, "connected")
		return nil
	}
	span.AddEvent("retry_scheduled", trace.WithAttributes(attribute.String("reason", res.Reason.String())))
	e.scheduleRetry(res)

	return nil
}

// attempt makes one connection attempt under the single-flight guard.
func (e *RetryExecutor) attempt() AttemptResult {
	ctx := e.baseCtx
	if !e.tryAcquire() {
		return AttemptResult{Reason: ReasonStartFailed, Err: errors.New("attempt already in progress or task cancelled")}
	}
	defer e.release()

	res := e.safeAttempt(ctx)
	e.metrics.IncConnectAttempts(ctx, e.def.Kind, res.Connected)

	if res.Connected {
		e.mu.Lock()
		e.backoff.Reset()
		e.mu.Unlock()
		e.logger.Info(ctx, "Connected")
		return res
	}

	if res.Reason == ReasonPluginNotFound {
		e.pluginMissing(ctx)
	} else {
		e.warn(ctx, "Connection attempt failed", "reason", res.Reason.String(), "error", res.Err)
	}
	return res
}

func (e *RetryExecutor) safeAttempt(ctx context.Context) (res AttemptResult) {
	defer func() {
		if r := recover(); r != nil {
			res = AttemptResult{Reason: ReasonStartFailed, Err: fmt.Errorf("plugin panicked: %v", r)}
		}
	}()

	res = e.retryable.Attempt(ctx, e.def.Configuration)
	switch {
	case res.Reason == ReasonPluginNotFound:
		res.Err = e.pluginNotFound()
	case !res.Connected && res.Err == nil:
		res.Err = errors.New(res.Reason.String())
	}
	return res
}

// scheduleRetry arranges the next attempt, or gives up once the retry
// ceiling is reached.
func (e *RetryExecutor) scheduleRetry(last AttemptResult) {
	if e.cancelled() {
		return
	}

	e.mu.Lock()
	delay := e.backoff.NextBackOff()
	e.mu.Unlock()

	if delay == backoff.Stop {
		e.giveUp(last)
		return
	}

	if err := e.scheduler.ScheduleOnce(e.key, delay, e.retry); err != nil {
		e.logger.Error(e.baseCtx, "Failed to schedule retry", "error", err)
		return
	}
	e.logger.Debug(e.baseCtx, "Retry scheduled", "delay", delay)
}

func (e *RetryExecutor) retry() {
	if e.cancelled() {
		return
	}
	if res := e.attempt(); !res.Connected {
		e.scheduleRetry(res)
	}
}

// handleDisconnect is invoked by the retryable, at most once per established
// connection.
func (e *RetryExecutor) handleDisconnect(err error) {
	if e.cancelled() {
		return
	}
	ctx := e.baseCtx
	e.metrics.IncDisconnects(ctx, e.def.Kind)
	e.warn(ctx, "Connection lost; scheduling reconnect", "error", err)
	e.scheduleRetry(AttemptResult{Reason: ReasonStartFailed, Err: err})
}

// giveUp reports a terminal failure and parks the executor.
func (e *RetryExecutor) giveUp(last AttemptResult) {
	ctx := e.baseCtx
	// The first attempt is not a retry.
	attempts := e.maxRetries + 1
	reason := fmt.Sprintf("giving up after %d attempts: %v", attempts, last.Err)
	e.logger.Error(ctx, "Retry limit reached; task is inert", "attempts", attempts, "error", last.Err)

	e.deliver(ctx, e.processor.Envelope(e.def, domain.FailureOutcome(last.Err, reason)))
	e.state.Store(int32(StateInert))
	e.dropLive(ctx)
}

// emit dispatches a payload received on an established connection.
func (e *RetryExecutor) emit(payload *anypb.Any) {
	e.deliver(e.baseCtx, e.processor.Envelope(e.def, domain.SuccessOutcome(payload)))
}

// Cancel stops retrying and closes the connection.
func (e *RetryExecutor) Cancel() {
	if !e.cancel() {
		return
	}
	e.scheduler.Cancel(e.key)
	e.retryable.Cancel()
	e.unbind()
	e.dropLive(context.Background())
}

func (e *RetryExecutor) dropLive(ctx context.Context) {
	e.mu.Lock()
	wasLive := e.live
	e.live = false
	e.mu.Unlock()
	if wasLive {
		e.metrics.AddActiveTasks(ctx, e.def.Kind, -1)
	}
}
