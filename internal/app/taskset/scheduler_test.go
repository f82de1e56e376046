package taskset

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
	"github.com/ahrav/netmon-minion/pkg/common/logger"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := NewScheduler(logger.Noop(), WithMinPeriod(time.Millisecond))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestScheduler_PeriodicFiresImmediatelyThenRepeats(t *testing.T) {
	s := newTestScheduler(t)

	var fires atomic.Int32
	require.NoError(t, s.SchedulePeriodic("p", 5*time.Millisecond, func() { fires.Add(1) }))

	require.Eventually(t, func() bool { return fires.Load() >= 1 }, 50*time.Millisecond, time.Millisecond)
	require.Eventually(t, func() bool { return fires.Load() >= 3 }, time.Second, time.Millisecond)
	assert.True(t, s.Scheduled("p"))
}

func TestScheduler_PeriodicIsFixedDelay(t *testing.T) {
	s := newTestScheduler(t)

	var (
		running  atomic.Int32
		overlaps atomic.Int32
		fires    atomic.Int32
	)
	require.NoError(t, s.SchedulePeriodic("slow", time.Millisecond, func() {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		fires.Add(1)
	}))

	require.Eventually(t, func() bool { return fires.Load() >= 3 }, time.Second, time.Millisecond)
	assert.Zero(t, overlaps.Load())
}

func TestScheduler_ZeroPeriodIsClamped(t *testing.T) {
	s := NewScheduler(logger.Noop(), WithMinPeriod(20*time.Millisecond))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	var fires atomic.Int32
	require.NoError(t, s.SchedulePeriodic("z", 0, func() { fires.Add(1) }))

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, fires.Load(), int32(4))
	assert.GreaterOrEqual(t, fires.Load(), int32(1))
}

func TestScheduler_CancelStopsFutureFires(t *testing.T) {
	s := newTestScheduler(t)

	var fires atomic.Int32
	require.NoError(t, s.SchedulePeriodic("c", 2*time.Millisecond, func() { fires.Add(1) }))
	require.Eventually(t, func() bool { return fires.Load() >= 2 }, time.Second, time.Millisecond)

	assert.True(t, s.Cancel("c"))
	time.Sleep(5 * time.Millisecond)
	n := fires.Load()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, fires.Load())
	assert.False(t, s.Cancel("c"))
	assert.False(t, s.Scheduled("c"))
}

func TestScheduler_ReplaceExistingRegistration(t *testing.T) {
	s := newTestScheduler(t)

	var first, second atomic.Int32
	require.NoError(t, s.SchedulePeriodic("r", 2*time.Millisecond, func() { first.Add(1) }))
	require.Eventually(t, func() bool { return first.Load() >= 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.SchedulePeriodic("r", 2*time.Millisecond, func() { second.Add(1) }))
	time.Sleep(5 * time.Millisecond)
	n := first.Load()

	require.Eventually(t, func() bool { return second.Load() >= 3 }, time.Second, time.Millisecond)
	assert.Equal(t, n, first.Load(), "the replaced registration no longer fires")
}

func TestScheduler_CronAndInvalidExpression(t *testing.T) {
	s := newTestScheduler(t)

	var fires atomic.Int32
	require.NoError(t, s.ScheduleCron("cron", "* * * * * ?", func() { fires.Add(1) }))
	assert.True(t, s.Scheduled("cron"))

	err := s.ScheduleCron("cron", "not-a-cron!", func() {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidSchedule))
	assert.True(t, s.Scheduled("cron"), "a rejected expression leaves the existing registration alone")

	require.Error(t, s.ScheduleCron("other", "1000", func() {}), "digits are a period, not a cron expression")

	require.Eventually(t, func() bool { return fires.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestScheduler_ScheduleOnce(t *testing.T) {
	s := newTestScheduler(t)

	var fires atomic.Int32
	require.NoError(t, s.ScheduleOnce("once", 5*time.Millisecond, func() { fires.Add(1) }))
	require.Eventually(t, func() bool { return fires.Load() == 1 }, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), fires.Load())
	assert.False(t, s.Scheduled("once"))

	require.NoError(t, s.ScheduleOnce("cancelled", 20*time.Millisecond, func() { fires.Add(1) }))
	assert.True(t, s.Cancel("cancelled"))
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(1), fires.Load())
}

func TestScheduler_PanickingCallbackIsContained(t *testing.T) {
	s := newTestScheduler(t)

	var fires atomic.Int32
	require.NoError(t, s.SchedulePeriodic("panic", 2*time.Millisecond, func() {
		fires.Add(1)
		panic("plugin bug")
	}))

	require.Eventually(t, func() bool { return fires.Load() >= 3 }, time.Second, time.Millisecond)
}

func TestScheduler_StopRejectsNewWork(t *testing.T) {
	s := NewScheduler(logger.Noop())
	require.NoError(t, s.SchedulePeriodic("p", time.Hour, func() {}))
	require.NoError(t, s.Stop(context.Background()))

	assert.ErrorIs(t, s.SchedulePeriodic("p", time.Second, func() {}), ErrSchedulerStopped)
	assert.ErrorIs(t, s.ScheduleOnce("o", time.Second, func() {}), ErrSchedulerStopped)
	assert.False(t, s.Scheduled("p"))
	assert.NoError(t, s.Stop(context.Background()))
}

func TestScheduler_ScheduleDispatchesOnKind(t *testing.T) {
	s := newTestScheduler(t)

	periodic, err := domain.ParseSchedule("10")
	require.NoError(t, err)
	require.NoError(t, s.Schedule("p", periodic, func() {}))

	cronSched, err := domain.ParseSchedule("0 0 * * *")
	require.NoError(t, err)
	require.NoError(t, s.Schedule("c", cronSched, func() {}))

	assert.ErrorIs(t, s.Schedule("n", domain.Schedule{}, func() {}), domain.ErrInvalidSchedule)
}
