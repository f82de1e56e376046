package taskset

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
	"github.com/ahrav/netmon-minion/pkg/common"
	"github.com/ahrav/netmon-minion/pkg/common/logger"
)

// ResultSink delivers batches of result envelopes downstream.
type ResultSink interface {
	Publish(ctx context.Context, batch []domain.ResultEnvelope) error
}

// DispatcherConfig tunes the ResultDispatcher.
type DispatcherConfig struct {
	QueueSize          int
	BatchSize          int
	FlushInterval      time.Duration
	EnqueueTimeout     time.Duration
	SendTimeout        time.Duration
	MaxConcurrentSends int64
	// PublishRateLimit caps batches per second. Zero disables limiting.
	PublishRateLimit float64
	PublishBurst     int
}

// DefaultDispatcherConfig returns the defaults used when a field is zero.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:          10000,
		BatchSize:          100,
		FlushInterval:      time.Second,
		EnqueueTimeout:     5 * time.Millisecond,
		SendTimeout:        10 * time.Second,
		MaxConcurrentSends: 200,
	}
}

const (
	dropReasonQueueFull = "queue_full"
	dropReasonStopped   = "stopped"
)

// ResultDispatcher is the single path by which results leave the agent.
// Executors hand envelopes to Send, which never blocks for longer than the
// enqueue timeout; Run batches them and publishes each batch on a bounded
// pool of senders. Delivery is at-most-once.
type ResultDispatcher struct {
	cfg   DispatcherConfig
	queue chan domain.ResultEnvelope
	sink  ResultSink

	sem     *semaphore.Weighted
	limiter *common.RateLimiter
	sends   sync.WaitGroup

	// mu orders Send against Stop so nothing is enqueued after the final drain.
	mu      sync.RWMutex
	stopped bool
	stopCh  chan struct{}
	running atomic.Bool
	done    chan struct{}

	metrics DispatcherMetrics
	tracer  trace.Tracer
	logger  *logger.Logger
}

var _ ResultSender = (*ResultDispatcher)(nil)

// NewResultDispatcher creates a dispatcher publishing to sink. Zero config
// fields take their defaults.
func NewResultDispatcher(
	cfg DispatcherConfig,
	sink ResultSink,
	metrics DispatcherMetrics,
	tracer trace.Tracer,
	log *logger.Logger,
) *ResultDispatcher {
	def := DefaultDispatcherConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = def.EnqueueTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.MaxConcurrentSends <= 0 {
		cfg.MaxConcurrentSends = def.MaxConcurrentSends
	}

	d := &ResultDispatcher{
		cfg:     cfg,
		queue:   make(chan domain.ResultEnvelope, cfg.QueueSize),
		sink:    sink,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrentSends),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		metrics: metrics,
		tracer:  tracer,
		logger:  log.With("component", "result_dispatcher"),
	}
	if cfg.PublishRateLimit > 0 {
		burst := max(cfg.PublishBurst, 1)
		d.limiter = common.NewRateLimiter(cfg.PublishRateLimit, burst)
	}
	return d
}

// Send enqueues env. If the queue stays full for longer than the enqueue
// timeout, or the dispatcher is stopped, the envelope is dropped and Send
// returns false.
func (d *ResultDispatcher) Send(env domain.ResultEnvelope) bool {
	ctx := context.Background()

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		d.drop(ctx, env, dropReasonStopped)
		return false
	}

	select {
	case d.queue <- env:
		d.metrics.IncResultsEnqueued(ctx)
		return true
	default:
	}

	timer := time.NewTimer(d.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case d.queue <- env:
		d.metrics.IncResultsEnqueued(ctx)
		return true
	case <-timer.C:
		d.drop(ctx, env, dropReasonQueueFull)
		return false
	}
}

func (d *ResultDispatcher) drop(ctx context.Context, env domain.ResultEnvelope, reason string) {
	d.metrics.IncResultsDropped(ctx, reason)
	d.logger.Warn(ctx, "Dropping result envelope", "task_id", env.TaskID, "reason", reason)
}

// Run batches queued envelopes until ctx is cancelled or Stop is called, then
// flushes whatever is pending and waits for in-flight sends.
func (d *ResultDispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return nil
	}
	defer close(d.done)

	d.logger.Info(ctx, "Result dispatcher started",
		"batch_size", d.cfg.BatchSize,
		"flush_interval", d.cfg.FlushInterval,
		"max_concurrent_sends", d.cfg.MaxConcurrentSends,
	)

	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]domain.ResultEnvelope, 0, d.cfg.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		d.publish(ctx, batch)
		batch = make([]domain.ResultEnvelope, 0, d.cfg.BatchSize)
	}

	for {
		select {
		case env := <-d.queue:
			batch = append(batch, env)
			if len(batch) >= d.cfg.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			d.markStopped()
			d.drain(context.WithoutCancel(ctx), batch)
			return ctx.Err()
		case <-d.stopCh:
			d.drain(context.WithoutCancel(ctx), batch)
			return nil
		}
	}
}

// drain publishes pending and everything still queued, then waits for every
// send to finish.
func (d *ResultDispatcher) drain(ctx context.Context, pending []domain.ResultEnvelope) {
	for {
		select {
		case env := <-d.queue:
			pending = append(pending, env)
			if len(pending) >= d.cfg.BatchSize {
				d.publish(ctx, pending)
				pending = make([]domain.ResultEnvelope, 0, d.cfg.BatchSize)
			}
		default:
			if len(pending) > 0 {
				d.publish(ctx, pending)
			}
			d.sends.Wait()
			d.logger.Info(ctx, "Result dispatcher drained")
			return
		}
	}
}

// publish hands batch to a sender from the pool, blocking while the pool is
// saturated.
func (d *ResultDispatcher) publish(ctx context.Context, batch []domain.ResultEnvelope) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.metrics.IncResultsDropped(ctx, dropReasonStopped)
		d.logger.Error(ctx, "Failed to acquire sender; dropping batch", "size", len(batch), "error", err)
		return
	}

	d.sends.Add(1)
	go func() {
		defer d.sends.Done()
		defer d.sem.Release(1)

		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		defer cancel()

		sendCtx, span := d.tracer.Start(sendCtx, "result_dispatcher.publish",
			trace.WithAttributes(attribute.Int("batch_size", len(batch))))
		defer span.End()

		if d.limiter != nil {
			if err := d.limiter.Wait(sendCtx); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "rate limit wait failed")
				d.metrics.IncPublishErrors(sendCtx)
				d.logger.Error(sendCtx, "Rate limit wait failed; dropping batch", "size", len(batch), "error", err)
				return
			}
		}

		start := time.Now()
		err := d.sink.Publish(sendCtx, batch)
		d.metrics.ObservePublishDuration(sendCtx, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "publish failed")
			d.metrics.IncPublishErrors(sendCtx)
			d.logger.Error(sendCtx, "Failed to publish results; batch dropped", "size", len(batch), "error", err)
			return
		}

		d.metrics.IncResultsPublished(sendCtx, len(batch))
		span.SetStatus(codes.Ok, "published")
	}()
}

func (d *ResultDispatcher) markStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	d.stopped = true
	close(d.stopCh)
	return true
}

// Stop refuses further envelopes, flushes the queue and waits for in-flight
// sends or for ctx to expire.
func (d *ResultDispatcher) Stop(ctx context.Context) error {
	d.markStopped()
	if !d.running.Load() {
		return nil
	}

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
