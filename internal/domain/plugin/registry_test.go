package plugin

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMonitor struct{}

func (stubMonitor) Poll(context.Context, MonitorRequest) (MonitorResponse, error) {
	return MonitorResponse{Status: StatusUp}, nil
}

func TestRegistryRegisterLookup(t *testing.T) {
	r := NewRegistry[MonitorFactory]()

	_, ok := r.Lookup("ECHO")
	assert.False(t, ok, "empty registry should not resolve names")

	r.Register("ECHO", MonitorFactoryFunc(func() (Monitor, error) { return stubMonitor{}, nil }))
	f, ok := r.Lookup("ECHO")
	require.True(t, ok)

	m, err := f.Create()
	require.NoError(t, err)
	resp, err := m.Poll(context.Background(), MonitorRequest{})
	require.NoError(t, err)
	assert.Equal(t, StatusUp, resp.Status)

	assert.Equal(t, []string{"ECHO"}, r.Names())
	assert.True(t, r.Unregister("ECHO"))
	assert.False(t, r.Unregister("ECHO"))
	assert.Zero(t, r.Len())
}

func TestRegistrySnapshotIsolation(t *testing.T) {
	r := NewRegistry[string]()
	r.Register("a", "1")

	snapshot := r.entries.Load()
	r.Register("b", "2")

	assert.Len(t, *snapshot, 1, "writers must not mutate a published snapshot")
	assert.Equal(t, []string{"a", "b"}, r.Names())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry[int]()
	var wg sync.WaitGroup

	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register(fmt.Sprintf("p%d", i), i)
		}()
		go func() {
			defer wg.Done()
			_, _ = r.Lookup(fmt.Sprintf("p%d", i))
			_ = r.Names()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, r.Len())
	v, ok := r.Lookup("p42")
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestNewRegistries(t *testing.T) {
	regs := NewRegistries()
	require.NotNil(t, regs.Monitors)
	require.NotNil(t, regs.Collectors)
	require.NotNil(t, regs.Scanners)
	require.NotNil(t, regs.Detectors)
	require.NotNil(t, regs.Listeners)
	require.NotNil(t, regs.Connectors)
	assert.NotSame(t, regs.Listeners, regs.Connectors)
}
