// Package memory provides an in-process result sink. It keeps the most recent
// envelopes in a bounded buffer and is used when the agent runs without Kafka.
package memory

import (
	"context"
	"sync"

	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
	"github.com/ahrav/netmon-minion/pkg/common/logger"
)

// DefaultCapacity is the number of envelopes retained when none is given.
const DefaultCapacity = 1024

// ResultSink retains published envelopes in a ring buffer.
type ResultSink struct {
	mu       sync.RWMutex
	buf      []domain.ResultEnvelope
	next     int
	full     bool
	total    uint64
	logger   *logger.Logger
	verbose  bool
	capacity int
}

// Option configures a ResultSink.
type Option func(*ResultSink)

// WithCapacity bounds the number of retained envelopes.
func WithCapacity(n int) Option {
	return func(s *ResultSink) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithLogging logs every published envelope at debug level.
func WithLogging(log *logger.Logger) Option {
	return func(s *ResultSink) {
		s.logger = log.With("component", "memory_result_sink")
		s.verbose = true
	}
}

// NewResultSink creates an empty sink.
func NewResultSink(opts ...Option) *ResultSink {
	s := &ResultSink{capacity: DefaultCapacity, logger: logger.Noop()}
	for _, opt := range opts {
		opt(s)
	}
	s.buf = make([]domain.ResultEnvelope, s.capacity)
	return s
}

// Publish appends the batch, overwriting the oldest envelopes once full.
func (s *ResultSink) Publish(ctx context.Context, batch []domain.ResultEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	for _, env := range batch {
		s.buf[s.next] = env
		s.next = (s.next + 1) % s.capacity
		if s.next == 0 {
			s.full = true
		}
		s.total++
	}
	s.mu.Unlock()

	if s.verbose {
		for _, env := range batch {
			s.logger.Debug(ctx, "Result",
				"task_id", env.TaskID,
				"kind", env.Kind,
				"succeeded", env.Succeeded,
				"reason", env.Reason,
			)
		}
	}
	return nil
}

// Envelopes returns the retained envelopes, oldest first.
func (s *ResultSink) Envelopes() []domain.ResultEnvelope {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.full {
		return append([]domain.ResultEnvelope(nil), s.buf[:s.next]...)
	}
	out := make([]domain.ResultEnvelope, 0, s.capacity)
	out = append(out, s.buf[s.next:]...)
	return append(out, s.buf[:s.next]...)
}

// Total returns how many envelopes have been published overall.
func (s *ResultSink) Total() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}
