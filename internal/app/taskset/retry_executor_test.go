package taskset

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ahrav/netmon-minion/internal/domain/plugin"
	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
)

func constantBackOff() backoff.BackOff { return backoff.NewConstantBackOff(5 * time.Millisecond) }

func connectorDef(id, pluginName string) domain.TaskDefinition {
	return domain.TaskDefinition{ID: id, Kind: domain.KindConnector, PluginName: pluginName}
}

func TestRetryExecutor_ReconnectsOncePerDisconnect(t *testing.T) {
	h := newTestHarness(t, ExecutorFactoryConfig{NewBackOff: constantBackOff})
	conn := new(fakeConnection)
	h.registries.Connectors.Register("STREAM", conn.factory())

	m := h.manager()
	require.Equal(t, 1, m.Deploy(context.Background(), []domain.TaskDefinition{connectorDef("c1", "STREAM")}))
	require.Equal(t, int32(1), conn.attempts.Load())

	cb := conn.callbacks()
	lost := errors.New("peer reset")
	cb.OnDisconnect(lost)
	cb.OnDisconnect(lost)

	require.Eventually(t, func() bool { return conn.attempts.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(2), conn.attempts.Load(), "a repeated disconnect signal must not trigger another attempt")

	// The second connection has its own disconnect guard.
	conn.callbacks().OnDisconnect(lost)
	require.Eventually(t, func() bool { return conn.attempts.Load() == 3 }, time.Second, time.Millisecond)

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestRetryExecutor_FailedFirstAttemptStillDeploys(t *testing.T) {
	h := newTestHarness(t, ExecutorFactoryConfig{NewBackOff: constantBackOff})
	conn := new(fakeConnection)
	conn.failNext.Store(2)
	h.registries.Connectors.Register("STREAM", conn.factory())

	m := h.manager()
	require.Equal(t, 1, m.Deploy(context.Background(), []domain.TaskDefinition{connectorDef("c1", "STREAM")}))

	require.Eventually(t, func() bool { return conn.attempts.Load() == 3 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(3), conn.attempts.Load(), "retries stop once connected")
	assert.Zero(t, h.sender.Len(), "connection failures are not results")
}

func TestRetryExecutor_MissingPluginFailsStart(t *testing.T) {
	h := newTestHarness(t, ExecutorFactoryConfig{NewBackOff: constantBackOff})

	exec, err := h.factory.Create(domain.TaskDefinition{ID: "l1", Kind: domain.KindListener, PluginName: "TRAPD"})
	require.NoError(t, err)

	err = exec.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPluginNotFound))
	assert.Equal(t, StateInert, exec.State())
	assert.False(t, h.scheduler.Scheduled(exec.(*RetryExecutor).key), "no retry is scheduled for a missing plugin")
}

func TestRetryExecutor_GivesUpAfterMaxRetries(t *testing.T) {
	h := newTestHarness(t, ExecutorFactoryConfig{NewBackOff: constantBackOff, RetryMaxRetries: 2})
	conn := new(fakeConnection)
	conn.failNext.Store(100)
	h.registries.Connectors.Register("STREAM", conn.factory())

	exec, err := h.factory.Create(connectorDef("c1", "STREAM"))
	require.NoError(t, err)
	require.NoError(t, exec.Start(context.Background()))

	require.Eventually(t, func() bool { return exec.State() == StateInert }, time.Second, time.Millisecond)
	assert.Equal(t, int32(3), conn.attempts.Load())

	envs := h.sender.Envelopes()
	require.Len(t, envs, 1)
	assert.False(t, envs[0].Succeeded)
	assert.Contains(t, envs[0].Reason, "giving up after 3 attempts")
}

func TestRetryExecutor_EmitsPayloadsWhileConnected(t *testing.T) {
	h := newTestHarness(t, ExecutorFactoryConfig{NewBackOff: constantBackOff})
	conn := new(fakeConnection)
	h.registries.Listeners.Register("TRAPD", conn.factory())

	exec, err := h.factory.Create(domain.TaskDefinition{
		ID:           "l1",
		Kind:         domain.KindListener,
		PluginName:   "TRAPD",
		MetricLabels: map[string]string{"site": "lab"},
	})
	require.NoError(t, err)
	require.NoError(t, exec.Start(context.Background()))

	payload, err := anypb.New(wrapperspb.String("linkDown"))
	require.NoError(t, err)
	conn.callbacks().Emit(payload)

	envs := h.sender.Envelopes()
	require.Len(t, envs, 1)
	assert.True(t, envs[0].Succeeded)
	assert.Equal(t, "l1", envs[0].TaskID)
	assert.Equal(t, domain.KindListener, envs[0].Kind)
	assert.Equal(t, "lab", envs[0].MetricLabels["site"])

	got := new(wrapperspb.StringValue)
	require.NoError(t, envs[0].Payload.UnmarshalTo(got))
	assert.Equal(t, "linkDown", got.GetValue())
}

func TestRetryExecutor_CancelStopsConnectionAndRetries(t *testing.T) {
	h := newTestHarness(t, ExecutorFactoryConfig{NewBackOff: constantBackOff})
	conn := new(fakeConnection)
	h.registries.Connectors.Register("STREAM", conn.factory())

	exec, err := h.factory.Create(connectorDef("c1", "STREAM"))
	require.NoError(t, err)
	require.NoError(t, exec.Start(context.Background()))

	cb := conn.callbacks()
	exec.Cancel()
	assert.Equal(t, StateCancelled, exec.State())
	assert.Equal(t, int32(1), conn.stops.Load())

	cb.OnDisconnect(errors.New("closed"))
	cb.Emit(&anypb.Any{})
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, int32(1), conn.attempts.Load())
	assert.Zero(t, h.sender.Len())
}

func TestListenerRetryable_CreateFailure(t *testing.T) {
	reg := plugin.NewRegistry[plugin.ListenerFactory]()
	reg.Register("BROKEN", plugin.ListenerFactoryFunc(func(*anypb.Any) (plugin.Listener, error) {
		return nil, errors.New("bad config")
	}))

	r := newListenerRetryable(reg, "BROKEN", func(*anypb.Any) {})
	r.Init(func(error) {})

	res := r.Attempt(context.Background(), nil)
	assert.False(t, res.Connected)
	assert.Equal(t, ReasonCreateFailed, res.Reason)
	require.Error(t, res.Err)

	res = newListenerRetryable(reg, "ABSENT", func(*anypb.Any) {}).Attempt(context.Background(), nil)
	assert.Equal(t, ReasonPluginNotFound, res.Reason)
}

func TestFallbackBackOff(t *testing.T) {
	b := NewFallbackBackOff(10*time.Millisecond, 20*time.Millisecond, 30*time.Millisecond)

	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 20*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 30*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 30*time.Millisecond, b.NextBackOff(), "the last delay repeats")

	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())

	def := NewFallbackBackOff()
	assert.Equal(t, DefaultRetryDelays[0], def.NextBackOff())
}

func TestRetryPolicy_MaxRetries(t *testing.T) {
	b := retryPolicy(constantBackOff, 2)
	assert.NotEqual(t, backoff.Stop, b.NextBackOff())
	assert.NotEqual(t, backoff.Stop, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff())

	unbounded := retryPolicy(nil, 0)
	for range 10 {
		assert.NotEqual(t, backoff.Stop, unbounded.NextBackOff())
	}
}
