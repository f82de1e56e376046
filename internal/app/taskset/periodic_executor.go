package taskset

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
)

// scheduleSeq makes scheduler keys unique per executor instance so that a
// replaced executor can never cancel the registration of its successor.
var scheduleSeq atomic.Uint64

func scheduleKey(taskID string) string {
	return fmt.Sprintf("%s#%d", taskID, scheduleSeq.Add(1))
}

// iterationFunc performs one iteration and returns the envelopes it produced.
type iterationFunc func(ctx context.Context) []domain.ResultEnvelope

// periodicExecutor drives scheduled kinds (monitors and collectors). The
// kind-specific parts are the plugin presence check and prepare, which
// resolves the plugin at fire time and returns the work for one iteration.
type periodicExecutor struct {
	*baseExecutor

	key  string
	live atomic.Bool

	installed func() bool
	prepare   func() (iterationFunc, error)
}

func newPeriodicExecutor(def domain.TaskDefinition, deps executorDeps) *periodicExecutor {
	return &periodicExecutor{
		baseExecutor: newBaseExecutor(def, deps),
		key:          scheduleKey(def.ID),
	}
}

// Start validates the schedule, checks that the plugin is installed and
// registers the task with the scheduler. On failure the executor becomes
// INERT and the error is returned.
func (e *periodicExecutor) Start(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "taskset.executor.start",
		trace.WithAttributes(
			attribute.String("task_id", e.def.ID),
			attribute.String("kind", e.def.Kind.String()),
			attribute.String("plugin", e.def.PluginName),
			attribute.String("schedule", e.def.Schedule),
		))
	defer span.End()

	fail := func(err error) error {
		e.transition(StateCreated, StateInert)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	sched, err := domain.ParseSchedule(e.def.Schedule)
	if err != nil {
		return fail(fmt.Errorf("task %s: %w", e.def.ID, err))
	}

	if !e.installed() {
		return fail(e.pluginNotFound())
	}

	if !e.transition(StateCreated, StateScheduled) {
		return fail(fmt.Errorf("task %s: executor already started (state %s)", e.def.ID, e.State()))
	}

	e.bind(ctx)
	if err := e.scheduler.Schedule(e.key, sched, e.fire); err != nil {
		e.unbind()
		e.state.Store(int32(StateInert))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("task %s: %w", e.def.ID, err)
	}

	e.live.Store(true)
	e.metrics.AddActiveTasks(ctx, e.def.Kind, 1)
	span.SetStatus(codes.Ok, "task scheduled")
	e.logger.Debug(ctx, "Task scheduled", "schedule", e.def.Schedule)

	return nil
}

// Cancel deregisters the task and interrupts the in-flight iteration, if any.
func (e *periodicExecutor) Cancel() {
	if !e.cancel() {
		return
	}
	e.scheduler.Cancel(e.key)
	e.unbind()

	if e.live.CompareAndSwap(true, false) {
		e.metrics.AddActiveTasks(context.Background(), e.def.Kind, -1)
	}
	e.logger.Debug(context.Background(), "Task cancelled")
}

// fire is the scheduler callback. At most one iteration is in flight; fires
// that arrive while one is running are skipped.
func (e *periodicExecutor) fire() {
	ctx := e.baseCtx

	if !e.tryAcquire() {
		if !e.cancelled() {
			e.metrics.IncIterationsSkipped(ctx, e.def.Kind)
			e.logger.Debug(ctx, "Skipping iteration; prior iteration is still active")
		}
		return
	}

	run, err := e.prepare()
	if err != nil {
		e.release()
		if errors.Is(err, domain.ErrPluginNotFound) {
			e.pluginMissing(ctx)
			return
		}
		e.warn(ctx, "Failed to prepare iteration", "error", err)
		e.deliver(ctx, e.processor.Envelope(e.def, domain.FailureOutcome(err, "")))
		return
	}

	iterCtx, cancel := e.iterationContext(ctx, e.iterationTimeout)
	e.metrics.IncIterationsStarted(ctx, e.def.Kind)

	go func() {
		defer cancel()

		iterCtx, span := e.tracer.Start(iterCtx, "taskset.executor.iteration",
			trace.WithAttributes(
				attribute.String("task_id", e.def.ID),
				attribute.String("kind", e.def.Kind.String()),
				attribute.String("plugin", e.def.PluginName),
			))
		start := time.Now()

		envs := run(iterCtx)

		e.metrics.ObserveIterationDuration(ctx, e.def.Kind, time.Since(start))
		span.SetAttributes(attribute.Int("results", len(envs)))
		for _, env := range envs {
			if !env.Succeeded {
				span.AddEvent("iteration_failed", trace.WithAttributes(attribute.String("reason", env.Reason)))
				e.warn(ctx, "Task iteration failed", "reason", env.Reason)
			}
		}
		span.End()

		e.release()
		e.deliver(ctx, envs...)
	}()
}
