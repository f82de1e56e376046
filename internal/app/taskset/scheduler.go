package taskset

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
	"github.com/ahrav/netmon-minion/pkg/common/logger"
)

// ErrSchedulerStopped is returned when registering work on a stopped scheduler.
var ErrSchedulerStopped = errors.New("scheduler stopped")

// DefaultMinPeriod is the shortest fixed delay the scheduler honours. Smaller
// periods, including zero, are clamped to it.
const DefaultMinPeriod = 10 * time.Millisecond

// TaskScheduler is the subset of Scheduler that executors depend on.
type TaskScheduler interface {
	Schedule(taskID string, s domain.Schedule, fn func()) error
	ScheduleOnce(taskID string, delay time.Duration, fn func()) error
	Cancel(taskID string) bool
}

var _ TaskScheduler = (*Scheduler)(nil)

// job is one registration. cancelled is checked immediately before every
// fire so that no callback starts after Cancel returns.
type job struct {
	cancelled atomic.Bool
	stop      func()
}

func (j *job) cancel() {
	if j.cancelled.CompareAndSwap(false, true) {
		j.stop()
	}
}

// Scheduler runs callbacks keyed by task id on a fixed delay, on a cron
// calendar, or once after a delay. Registering an id that is already
// scheduled replaces the previous registration. Callbacks are shielded with
// recover so a misbehaving callback can never take down the agent.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*job
	stopped bool

	// inflight tracks running callbacks and periodic loops so Stop can wait.
	inflight sync.WaitGroup

	cron      *cron.Cron
	minPeriod time.Duration
	done      chan struct{}

	logger *logger.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithMinPeriod overrides DefaultMinPeriod.
func WithMinPeriod(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.minPeriod = d
		}
	}
}

// NewScheduler creates and starts a Scheduler.
func NewScheduler(log *logger.Logger, opts ...SchedulerOption) *Scheduler {
	log = log.With("component", "scheduler")
	s := &Scheduler{
		jobs:      make(map[string]*job),
		minPeriod: DefaultMinPeriod,
		done:      make(chan struct{}),
		logger:    log,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.cron = cron.New(cron.WithLogger(cronLogger{log: log}))
	s.cron.Start()

	return s
}

// Schedule registers fn according to a parsed schedule.
func (s *Scheduler) Schedule(taskID string, sched domain.Schedule, fn func()) error {
	switch sched.Kind {
	case domain.SchedulePeriodic:
		return s.SchedulePeriodic(taskID, sched.Period, fn)
	case domain.ScheduleCron:
		return s.scheduleCron(taskID, sched.Cron, fn)
	default:
		return fmt.Errorf("%w: task %s has no schedule", domain.ErrInvalidSchedule, taskID)
	}
}

// SchedulePeriodic runs fn immediately and then again period after each run
// returns (fixed delay, never fixed rate).
func (s *Scheduler) SchedulePeriodic(taskID string, period time.Duration, fn func()) error {
	if period < s.minPeriod {
		period = s.minPeriod
	}

	stopCh := make(chan struct{})
	j := &job{stop: func() { close(stopCh) }}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSchedulerStopped
	}
	s.replaceLocked(taskID, j)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		timer := time.NewTimer(0)
		defer timer.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-s.done:
				return
			case <-timer.C:
			}

			s.invoke(taskID, j, fn)
			timer.Reset(period)
		}
	}()

	return nil
}

// ScheduleCron runs fn on the calendar described by expr. Invalid expressions
// return an error wrapping domain.ErrInvalidSchedule and leave any existing
// registration for taskID untouched.
func (s *Scheduler) ScheduleCron(taskID, expr string, fn func()) error {
	sched, err := domain.ParseSchedule(expr)
	if err != nil {
		return err
	}
	if sched.Kind != domain.ScheduleCron {
		return fmt.Errorf("%w: %q is not a cron expression", domain.ErrInvalidSchedule, expr)
	}
	return s.scheduleCron(taskID, sched.Cron, fn)
}

func (s *Scheduler) scheduleCron(taskID string, sched cron.Schedule, fn func()) error {
	if sched == nil {
		return fmt.Errorf("%w: task %s has a nil cron schedule", domain.ErrInvalidSchedule, taskID)
	}

	j := new(job)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSchedulerStopped
	}

	id := s.cron.Schedule(sched, cron.FuncJob(func() { s.invoke(taskID, j, fn) }))
	j.stop = func() { s.cron.Remove(id) }
	s.replaceLocked(taskID, j)

	return nil
}

// ScheduleOnce runs fn a single time after delay.
func (s *Scheduler) ScheduleOnce(taskID string, delay time.Duration, fn func()) error {
	j := new(job)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSchedulerStopped
	}

	t := time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.jobs[taskID] == j {
			delete(s.jobs, taskID)
		}
		s.mu.Unlock()

		s.invoke(taskID, j, fn)
	})
	j.stop = func() { t.Stop() }
	s.replaceLocked(taskID, j)

	return nil
}

// Cancel removes all future fires for taskID. A callback already running is
// not interrupted. It reports whether anything was scheduled.
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	j, ok := s.jobs[taskID]
	delete(s.jobs, taskID)
	s.mu.Unlock()

	if ok {
		j.cancel()
	}
	return ok
}

// Scheduled reports whether taskID currently has a registration.
func (s *Scheduler) Scheduled(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[taskID]
	return ok
}

// Stop cancels every registration and waits for running callbacks to return
// or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	jobs := s.jobs
	s.jobs = make(map[string]*job)
	close(s.done)
	s.mu.Unlock()

	for _, j := range jobs {
		j.cancel()
	}
	cronDone := s.cron.Stop()

	waitCh := make(chan struct{})
	go func() {
		s.inflight.Wait()
		<-cronDone.Done()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// replaceLocked installs j under taskID, cancelling any previous job.
func (s *Scheduler) replaceLocked(taskID string, j *job) {
	if prev, ok := s.jobs[taskID]; ok {
		prev.cancel()
	}
	s.jobs[taskID] = j
}

// invoke runs fn unless the job was cancelled or the scheduler stopped.
func (s *Scheduler) invoke(taskID string, j *job, fn func()) {
	if j.cancelled.Load() {
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(context.Background(), "Scheduled callback panicked",
				"task_id", taskID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	fn()
}

// cronLogger adapts the agent logger to cron.Logger.
type cronLogger struct{ log *logger.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(context.Background(), msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(context.Background(), msg, append(keysAndValues, "error", err)...)
}
