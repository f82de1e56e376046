// Package metrics exposes the Prometheus metrics describing how faithfully an
// agent realised the task sets it was asked to run.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "minion"

// DriftRecorder records the outcome of a single deploy call.
type DriftRecorder interface {
	RecordDeploy(requested, started int)
}

// DeployMetrics tracks deploy drift (requested minus started task count) for
// one agent identity. It registers on an injected registry so that several
// agents in one process, or several tests, never collide.
type DeployMetrics struct {
	LastDrift  prometheus.Gauge
	DriftTotal prometheus.Counter
	Requested  prometheus.Counter
	Started    prometheus.Counter
}

// Ensure DeployMetrics implements DriftRecorder.
var _ DriftRecorder = (*DeployMetrics)(nil)

// NewDeployMetrics creates the deploy metrics for agentID and registers them
// on reg.
func NewDeployMetrics(reg prometheus.Registerer, agentID string) (*DeployMetrics, error) {
	labels := prometheus.Labels{"agent": agentID}

	m := &DeployMetrics{
		LastDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_deploy_drift",
			Help:        "Requested minus started task count of the most recent deploy",
			ConstLabels: labels,
		}),
		DriftTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "deploy_drift_total",
			Help:        "Cumulative number of requested tasks that failed to start",
			ConstLabels: labels,
		}),
		Requested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "deploy_requested_total",
			Help:        "Total number of task definitions received in deploy calls",
			ConstLabels: labels,
		}),
		Started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "deploy_started_total",
			Help:        "Total number of task definitions running after deploy calls",
			ConstLabels: labels,
		}),
	}

	for _, c := range []prometheus.Collector{m.LastDrift, m.DriftTotal, m.Requested, m.Started} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// RecordDeploy implements DriftRecorder.
func (m *DeployMetrics) RecordDeploy(requested, started int) {
	drift := requested - started
	m.LastDrift.Set(float64(drift))
	if drift > 0 {
		m.DriftTotal.Add(float64(drift))
	}
	m.Requested.Add(float64(requested))
	m.Started.Add(float64(started))
}
