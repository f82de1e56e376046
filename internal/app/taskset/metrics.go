package taskset

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
)

// ExecutorMetrics defines metrics operations needed by task executors.
type ExecutorMetrics interface {
	IncIterationsStarted(ctx context.Context, kind domain.TaskKind)
	IncIterationsSkipped(ctx context.Context, kind domain.TaskKind)
	IncIterationsFailed(ctx context.Context, kind domain.TaskKind)
	IncPluginMissing(ctx context.Context, kind domain.TaskKind)
	ObserveIterationDuration(ctx context.Context, kind domain.TaskKind, d time.Duration)

	IncConnectAttempts(ctx context.Context, kind domain.TaskKind, connected bool)
	IncDisconnects(ctx context.Context, kind domain.TaskKind)

	AddActiveTasks(ctx context.Context, kind domain.TaskKind, delta int64)
}

// DispatcherMetrics defines metrics operations needed by the result dispatcher.
type DispatcherMetrics interface {
	IncResultsEnqueued(ctx context.Context)
	IncResultsDropped(ctx context.Context, reason string)
	IncResultsPublished(ctx context.Context, n int)
	IncPublishErrors(ctx context.Context)
	ObservePublishDuration(ctx context.Context, d time.Duration)
}

// taskSetMetrics implements ExecutorMetrics and DispatcherMetrics.
type taskSetMetrics struct {
	// Executor metrics
	iterationsStarted metric.Int64Counter
	iterationsSkipped metric.Int64Counter
	iterationsFailed  metric.Int64Counter
	pluginMissing     metric.Int64Counter
	iterationDuration metric.Float64Histogram
	connectAttempts   metric.Int64Counter
	disconnects       metric.Int64Counter
	activeTasks       metric.Int64UpDownCounter

	// Dispatcher metrics
	resultsEnqueued  metric.Int64Counter
	resultsDropped   metric.Int64Counter
	resultsPublished metric.Int64Counter
	publishErrors    metric.Int64Counter
	publishDuration  metric.Float64Histogram
}

var (
	_ ExecutorMetrics   = (*taskSetMetrics)(nil)
	_ DispatcherMetrics = (*taskSetMetrics)(nil)
)

const namespace = "minion_taskset"

// NewMetrics creates the task-set metrics from the given meter provider.
func NewMetrics(mp metric.MeterProvider) (*taskSetMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(taskSetMetrics)
	var err error

	if m.iterationsStarted, err = meter.Int64Counter(
		"iterations_started_total",
		metric.WithDescription("Total number of task iterations started"),
	); err != nil {
		return nil, err
	}

	if m.iterationsSkipped, err = meter.Int64Counter(
		"iterations_skipped_total",
		metric.WithDescription("Total number of fires skipped because the prior iteration was still running"),
	); err != nil {
		return nil, err
	}

	if m.iterationsFailed, err = meter.Int64Counter(
		"iterations_failed_total",
		metric.WithDescription("Total number of iterations that produced a failed result"),
	); err != nil {
		return nil, err
	}

	if m.pluginMissing, err = meter.Int64Counter(
		"plugin_missing_total",
		metric.WithDescription("Total number of fires skipped because the plugin was not registered"),
	); err != nil {
		return nil, err
	}

	if m.iterationDuration, err = meter.Float64Histogram(
		"iteration_duration_seconds",
		metric.WithDescription("Time taken by a single task iteration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.connectAttempts, err = meter.Int64Counter(
		"connect_attempts_total",
		metric.WithDescription("Total number of listener and connector connection attempts"),
	); err != nil {
		return nil, err
	}

	if m.disconnects, err = meter.Int64Counter(
		"disconnects_total",
		metric.WithDescription("Total number of listener and connector disconnects"),
	); err != nil {
		return nil, err
	}

	if m.activeTasks, err = meter.Int64UpDownCounter(
		"active_tasks",
		metric.WithDescription("Number of deployed tasks"),
	); err != nil {
		return nil, err
	}

	if m.resultsEnqueued, err = meter.Int64Counter(
		"results_enqueued_total",
		metric.WithDescription("Total number of result envelopes accepted by the dispatcher"),
	); err != nil {
		return nil, err
	}

	if m.resultsDropped, err = meter.Int64Counter(
		"results_dropped_total",
		metric.WithDescription("Total number of result envelopes dropped"),
	); err != nil {
		return nil, err
	}

	if m.resultsPublished, err = meter.Int64Counter(
		"results_published_total",
		metric.WithDescription("Total number of result envelopes published to the sink"),
	); err != nil {
		return nil, err
	}

	if m.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of failed sink publishes"),
	); err != nil {
		return nil, err
	}

	if m.publishDuration, err = meter.Float64Histogram(
		"publish_duration_seconds",
		metric.WithDescription("Time taken to publish one batch to the sink"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func kindAttr(kind domain.TaskKind) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("kind", kind.String()))
}

func (m *taskSetMetrics) IncIterationsStarted(ctx context.Context, kind domain.TaskKind) {
	m.iterationsStarted.Add(ctx, 1, kindAttr(kind))
}

func (m *taskSetMetrics) IncIterationsSkipped(ctx context.Context, kind domain.TaskKind) {
	m.iterationsSkipped.Add(ctx, 1, kindAttr(kind))
}

func (m *taskSetMetrics) IncIterationsFailed(ctx context.Context, kind domain.TaskKind) {
	m.iterationsFailed.Add(ctx, 1, kindAttr(kind))
}

func (m *taskSetMetrics) IncPluginMissing(ctx context.Context, kind domain.TaskKind) {
	m.pluginMissing.Add(ctx, 1, kindAttr(kind))
}

func (m *taskSetMetrics) ObserveIterationDuration(ctx context.Context, kind domain.TaskKind, d time.Duration) {
	m.iterationDuration.Record(ctx, d.Seconds(), kindAttr(kind))
}

func (m *taskSetMetrics) IncConnectAttempts(ctx context.Context, kind domain.TaskKind, connected bool) {
	m.connectAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind.String()),
		attribute.Bool("connected", connected),
	))
}

func (m *taskSetMetrics) IncDisconnects(ctx context.Context, kind domain.TaskKind) {
	m.disconnects.Add(ctx, 1, kindAttr(kind))
}

func (m *taskSetMetrics) AddActiveTasks(ctx context.Context, kind domain.TaskKind, delta int64) {
	m.activeTasks.Add(ctx, delta, kindAttr(kind))
}

func (m *taskSetMetrics) IncResultsEnqueued(ctx context.Context) { m.resultsEnqueued.Add(ctx, 1) }

func (m *taskSetMetrics) IncResultsDropped(ctx context.Context, reason string) {
	m.resultsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *taskSetMetrics) IncResultsPublished(ctx context.Context, n int) {
	m.resultsPublished.Add(ctx, int64(n))
}

func (m *taskSetMetrics) IncPublishErrors(ctx context.Context) { m.publishErrors.Add(ctx, 1) }

func (m *taskSetMetrics) ObservePublishDuration(ctx context.Context, d time.Duration) {
	m.publishDuration.Record(ctx, d.Seconds())
}
