package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/netmon-minion/internal/domain/plugin"
	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
	"github.com/ahrav/netmon-minion/pkg/common/logger"
)

type staticTasks []domain.TaskDefinition

func (s staticTasks) DeployedTaskSet() []domain.TaskDefinition { return s }

func newTestServer(t *testing.T, tasks TaskSetView, reg *prometheus.Registry, opts ...Option) *Server {
	t.Helper()
	m, err := NewStatusMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)

	regs := plugin.NewRegistries()
	regs.Monitors.Register("ECHO", plugin.MonitorFactoryFunc(func() (plugin.Monitor, error) { return nil, nil }))

	var gatherer prometheus.Gatherer
	if reg != nil {
		gatherer = reg
	}
	s, err := NewServer(Config{Build: "test", SystemID: "minion-a"}, logger.Noop(),
		noop.NewTracerProvider().Tracer("test"), m, tasks, regs, gatherer, opts...)
	require.NoError(t, err)
	return s
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServer_Liveness(t *testing.T) {
	s := newTestServer(t, staticTasks(nil), nil)

	rec := get(t, s, "/v1/liveness")
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, healthResponse{Status: "ok", Build: "test", SystemID: "minion-a"}, body)
}

func TestServer_Readiness(t *testing.T) {
	tests := []struct {
		name       string
		checks     []Option
		wantStatus int
		wantBody   readyResponse
	}{
		{
			name:       "no checks",
			wantStatus: http.StatusOK,
			wantBody:   readyResponse{Status: "ready"},
		},
		{
			name: "all checks pass",
			checks: []Option{
				WithReadinessCheck("dispatcher", func(context.Context) error { return nil }),
			},
			wantStatus: http.StatusOK,
			wantBody:   readyResponse{Status: "ready", Checks: map[string]string{"dispatcher": "ok"}},
		},
		{
			name: "failing check",
			checks: []Option{
				WithReadinessCheck("dispatcher", func(context.Context) error { return nil }),
				WithReadinessCheck("kafka", func(context.Context) error { return errors.New("not connected") }),
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody: readyResponse{
				Status: "not ready",
				Checks: map[string]string{"dispatcher": "ok", "kafka": "not connected"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, staticTasks(nil), nil, tt.checks...)
			rec := get(t, s, "/v1/readiness")
			assert.Equal(t, tt.wantStatus, rec.Code)

			var body readyResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantBody, body)
		})
	}
}

func TestServer_Tasks(t *testing.T) {
	tasks := staticTasks{
		{ID: "echo-1", Kind: domain.KindMonitor, PluginName: "ECHO", Schedule: "1000",
			Target: domain.TargetIdentity{NodeID: 7, IPAddress: "192.0.2.1"}},
		{ID: "trap", Kind: domain.KindListener, PluginName: "SNMP_TRAP"},
	}
	s := newTestServer(t, tasks, nil)

	rec := get(t, s, "/v1/tasks")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Tasks []struct {
			ID     string `json:"id"`
			Kind   string `json:"kind"`
			Plugin string `json:"plugin"`
			Target struct {
				NodeID    int64  `json:"node_id"`
				IPAddress string `json:"ip_address"`
			} `json:"target"`
		} `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tasks, 2)
	assert.Equal(t, "echo-1", body.Tasks[0].ID)
	assert.Equal(t, "MONITOR", body.Tasks[0].Kind)
	assert.Equal(t, int64(7), body.Tasks[0].Target.NodeID)
	assert.Equal(t, "LISTENER", body.Tasks[1].Kind)
}

func TestServer_Plugins(t *testing.T) {
	s := newTestServer(t, staticTasks(nil), nil)

	rec := get(t, s, "/v1/plugins")
	require.Equal(t, http.StatusOK, rec.Code)

	var body pluginsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"ECHO"}, body.Monitors)
	assert.Empty(t, body.Listeners)
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "minion_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	s := newTestServer(t, staticTasks(nil), reg)
	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "minion_test_total 1"))

	s = newTestServer(t, staticTasks(nil), nil)
	assert.Equal(t, http.StatusNotFound, get(t, s, "/metrics").Code)
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	_, err := NewServer(Config{}, logger.Noop(), noop.NewTracerProvider().Tracer("test"), nil, nil, plugin.NewRegistries(), nil)
	assert.Error(t, err)
}
