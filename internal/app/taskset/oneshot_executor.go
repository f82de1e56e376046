package taskset

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/netmon-minion/internal/domain/plugin"
	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
)

// oneShotExecutor runs its plugin exactly once, asynchronously, when started.
// It serves scanners and detectors; run is the kind-specific invocation.
type oneShotExecutor struct {
	*baseExecutor

	// resolve looks up the plugin and returns the work to run, or an error
	// if the plugin is not installed.
	resolve func() (func(ctx context.Context) domain.Outcome, error)
}

// Start resolves the plugin and launches the single run. A missing plugin
// fails the start.
func (e *oneShotExecutor) Start(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "taskset.executor.start",
		trace.WithAttributes(
			attribute.String("task_id", e.def.ID),
			attribute.String("kind", e.def.Kind.String()),
			attribute.String("plugin", e.def.PluginName),
		))
	defer span.End()

	run, err := e.resolve()
	if err != nil {
		e.transition(StateCreated, StateInert)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if !e.transition(StateCreated, StateScheduled) {
		err := fmt.Errorf("task %s: executor already started (state %s)", e.def.ID, e.State())
		span.RecordError(err)
		return err
	}
	if !e.tryAcquire() {
		return fmt.Errorf("task %s: executor cancelled before start", e.def.ID)
	}

	e.bind(ctx)
	iterCtx, cancel := e.iterationContext(e.baseCtx, e.iterationTimeout)
	e.metrics.IncIterationsStarted(ctx, e.def.Kind)

	go func() {
		defer cancel()
		baseCtx := e.baseCtx

		iterCtx, span := e.tracer.Start(iterCtx, "taskset.executor.run_once",
			trace.WithAttributes(
				attribute.String("task_id", e.def.ID),
				attribute.String("kind", e.def.Kind.String()),
			))
		start := time.Now()

		out := e.safeRun(iterCtx, run)

		e.metrics.ObserveIterationDuration(baseCtx, e.def.Kind, time.Since(start))
		if !out.Succeeded() {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Reason)
			e.warn(baseCtx, "One-shot task failed", "reason", out.Reason)
		}
		span.End()

		e.active.Store(false)
		e.deliver(baseCtx, e.processor.Envelope(e.def, out))
		e.transition(StateIterating, StateInert)
		e.unbind()
	}()

	span.SetStatus(codes.Ok, "task started")
	return nil
}

func (e *oneShotExecutor) safeRun(ctx context.Context, run func(context.Context) domain.Outcome) (out domain.Outcome) {
	defer recoverOutcome(&out)
	return run(ctx)
}

// Cancel interrupts the run if it is still in flight; its result is
// suppressed.
func (e *oneShotExecutor) Cancel() {
	if !e.cancel() {
		return
	}
	e.unbind()
}

// ScannerExecutor runs a scanner plugin once.
type ScannerExecutor struct{ *oneShotExecutor }

var _ TaskExecutor = (*ScannerExecutor)(nil)

func newScannerExecutor(def domain.TaskDefinition, deps executorDeps) *ScannerExecutor {
	e := &ScannerExecutor{&oneShotExecutor{baseExecutor: newBaseExecutor(def, deps)}}
	e.resolve = func() (func(context.Context) domain.Outcome, error) {
		factory, ok := e.registries.Scanners.Lookup(e.def.PluginName)
		if !ok {
			return nil, e.pluginNotFound()
		}
		return func(ctx context.Context) domain.Outcome {
			scanner, err := factory.Create()
			if err != nil {
				return domain.FailureOutcome(fmt.Errorf("create scanner: %w", err), "")
			}
			res, err := scanner.Scan(ctx, e.def.Configuration)
			return e.processor.ScanOutcome(res, err)
		}, nil
	}
	return e
}

// DetectorExecutor runs a detector plugin once.
type DetectorExecutor struct{ *oneShotExecutor }

var _ TaskExecutor = (*DetectorExecutor)(nil)

func newDetectorExecutor(def domain.TaskDefinition, deps executorDeps) *DetectorExecutor {
	e := &DetectorExecutor{&oneShotExecutor{baseExecutor: newBaseExecutor(def, deps)}}
	e.resolve = func() (func(context.Context) domain.Outcome, error) {
		factory, ok := e.registries.Detectors.Lookup(e.def.PluginName)
		if !ok {
			return nil, e.pluginNotFound()
		}
		return func(ctx context.Context) domain.Outcome {
			detector, err := factory.Create()
			if err != nil {
				return domain.FailureOutcome(fmt.Errorf("create detector: %w", err), "")
			}
			resp, err := detector.Detect(ctx, plugin.DetectRequest{
				NodeID:        e.def.Target.NodeID,
				IPAddress:     e.def.Target.IPAddress,
				Configuration: e.def.Configuration,
			})
			return e.processor.DetectOutcome(e.def, resp, err)
		}, nil
	}
	return e
}
