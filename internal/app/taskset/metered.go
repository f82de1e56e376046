package taskset

import (
	"context"

	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
	"github.com/ahrav/netmon-minion/pkg/metrics"
)

// MeteredLifecycleManager decorates a TaskSetManager with deploy drift
// accounting: every Deploy and Reconcile records how many of the requested
// tasks failed to start.
type MeteredLifecycleManager struct {
	TaskSetManager
	drift metrics.DriftRecorder
}

var _ TaskSetManager = (*MeteredLifecycleManager)(nil)

// NewMeteredLifecycleManager wraps inner.
func NewMeteredLifecycleManager(inner TaskSetManager, drift metrics.DriftRecorder) *MeteredLifecycleManager {
	return &MeteredLifecycleManager{TaskSetManager: inner, drift: drift}
}

// Deploy implements TaskSetManager.
func (m *MeteredLifecycleManager) Deploy(ctx context.Context, defs []domain.TaskDefinition) int {
	started := m.TaskSetManager.Deploy(ctx, defs)
	m.drift.RecordDeploy(len(defs), started)
	return started
}

// Reconcile implements TaskSetManager.
func (m *MeteredLifecycleManager) Reconcile(ctx context.Context, defs []domain.TaskDefinition) int {
	started := m.TaskSetManager.Reconcile(ctx, defs)
	m.drift.RecordDeploy(len(defs), started)
	return started
}
