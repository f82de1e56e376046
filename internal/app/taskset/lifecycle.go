package taskset

import (
	"context"
	"slices"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
	"github.com/ahrav/netmon-minion/pkg/common/logger"
)

// TaskSetManager is the control-plane facing surface of the agent.
type TaskSetManager interface {
	// Deploy starts or updates every definition and returns how many of them
	// are running afterwards. Tasks not mentioned are left alone.
	Deploy(ctx context.Context, defs []domain.TaskDefinition) int
	// Reconcile makes defs the complete deployed set: running tasks absent
	// from defs are undeployed first. It returns the same count as Deploy.
	Reconcile(ctx context.Context, defs []domain.TaskDefinition) int
	// Undeploy cancels one task and reports whether it was deployed.
	Undeploy(ctx context.Context, taskID string) bool
	// DeployedTaskSet returns the deployed definitions ordered by id.
	DeployedTaskSet() []domain.TaskDefinition
	// Shutdown cancels every deployed task.
	Shutdown(ctx context.Context) error
}

// executorCreator is the part of ExecutorFactory the manager depends on.
type executorCreator interface {
	Create(def domain.TaskDefinition) (TaskExecutor, error)
}

// LifecycleManager keeps the set of running executors in line with the task
// definitions pushed by the control plane.
type LifecycleManager struct {
	// opMu serializes control-plane operations against each other. It is
	// never held by executors, so fires are unaffected.
	opMu sync.Mutex

	mu        sync.RWMutex
	executors map[string]TaskExecutor

	factory executorCreator

	tracer trace.Tracer
	logger *logger.Logger
}

var _ TaskSetManager = (*LifecycleManager)(nil)

// NewLifecycleManager creates an empty manager.
func NewLifecycleManager(factory executorCreator, tracer trace.Tracer, log *logger.Logger) *LifecycleManager {
	return &LifecycleManager{
		executors: make(map[string]TaskExecutor),
		factory:   factory,
		tracer:    tracer,
		logger:    log.With("component", "lifecycle_manager"),
	}
}

// Deploy implements TaskSetManager. Per-task failures are logged and leave
// the task out of the count; they never abort the batch.
func (m *LifecycleManager) Deploy(ctx context.Context, defs []domain.TaskDefinition) int {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	return m.deployLocked(ctx, defs)
}

// Reconcile implements TaskSetManager.
func (m *LifecycleManager) Reconcile(ctx context.Context, defs []domain.TaskDefinition) int {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	ctx, span := m.tracer.Start(ctx, "lifecycle_manager.reconcile",
		trace.WithAttributes(attribute.Int("requested", len(defs))))
	defer span.End()

	wanted := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		wanted[d.ID] = struct{}{}
	}

	m.mu.Lock()
	var stale []TaskExecutor
	for id, exec := range m.executors {
		if _, ok := wanted[id]; !ok {
			stale = append(stale, exec)
			delete(m.executors, id)
		}
	}
	m.mu.Unlock()

	for _, exec := range stale {
		exec.Cancel()
	}
	if len(stale) > 0 {
		span.AddEvent("stale_tasks_removed", trace.WithAttributes(attribute.Int("count", len(stale))))
		m.logger.Info(ctx, "Removed tasks absent from task set", "count", len(stale))
	}

	return m.deployLocked(ctx, defs)
}

func (m *LifecycleManager) deployLocked(ctx context.Context, defs []domain.TaskDefinition) int {
	ctx, span := m.tracer.Start(ctx, "lifecycle_manager.deploy",
		trace.WithAttributes(attribute.Int("requested", len(defs))))
	defer span.End()

	logCtx := logger.NewLoggerContext(m.logger.With("operation", "deploy"))

	started := 0
	for _, def := range m.dedupe(ctx, defs) {
		if m.deployOne(ctx, logCtx, def) {
			started++
		}
	}

	span.SetAttributes(attribute.Int("started", started))
	logCtx.Info(ctx, "Task set deployed", "requested", len(defs), "started", started)

	return started
}

// dedupe drops all but the last definition for each id, keeping the order in
// which the surviving definitions appeared.
func (m *LifecycleManager) dedupe(ctx context.Context, defs []domain.TaskDefinition) []domain.TaskDefinition {
	last := make(map[string]int, len(defs))
	for i, d := range defs {
		if _, dup := last[d.ID]; dup {
			m.logger.Warn(ctx, "Duplicate task id in deploy batch; last definition wins", "task_id", d.ID)
		}
		last[d.ID] = i
	}

	out := make([]domain.TaskDefinition, 0, len(last))
	for i, d := range defs {
		if last[d.ID] == i {
			out = append(out, d)
		}
	}
	return out
}

// deployOne brings a single definition to running and reports success.
func (m *LifecycleManager) deployOne(ctx context.Context, logCtx *logger.LoggerContext, def domain.TaskDefinition) bool {
	if err := def.Validate(); err != nil {
		logCtx.Warn(ctx, "Rejected task definition", "task_id", def.ID, "error", err)
		return false
	}

	m.mu.RLock()
	existing, ok := m.executors[def.ID]
	m.mu.RUnlock()

	if ok {
		if existing.Definition().Equal(def) && running(existing) {
			return true
		}
		m.mu.Lock()
		if m.executors[def.ID] == existing {
			delete(m.executors, def.ID)
		}
		m.mu.Unlock()
		existing.Cancel()
		logCtx.Debug(ctx, "Replacing task", "task_id", def.ID)
	}

	exec, err := m.factory.Create(def)
	if err != nil {
		logCtx.Warn(ctx, "Failed to create task executor", "task_id", def.ID, "error", err)
		return false
	}

	if err := exec.Start(ctx); err != nil {
		logCtx.Warn(ctx, "Failed to start task", "task_id", def.ID, "kind", def.Kind, "error", err)
		return false
	}

	m.mu.Lock()
	m.executors[def.ID] = exec
	m.mu.Unlock()

	return true
}

// running reports whether a retained executor still counts as deployed. A
// finished one-shot counts; a persistent task that gave up does not.
func running(exec TaskExecutor) bool {
	switch exec.State() {
	case StateCancelled:
		return false
	case StateInert:
		return exec.Definition().Kind.OneShot()
	default:
		return true
	}
}

// Undeploy implements TaskSetManager.
func (m *LifecycleManager) Undeploy(ctx context.Context, taskID string) bool {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	exec, ok := m.executors[taskID]
	delete(m.executors, taskID)
	m.mu.Unlock()

	if !ok {
		m.logger.Debug(ctx, "Undeploy of unknown task", "task_id", taskID)
		return false
	}

	exec.Cancel()
	m.logger.Info(ctx, "Task undeployed", "task_id", taskID)
	return true
}

// DeployedTaskSet implements TaskSetManager.
func (m *LifecycleManager) DeployedTaskSet() []domain.TaskDefinition {
	m.mu.RLock()
	defs := make([]domain.TaskDefinition, 0, len(m.executors))
	for _, exec := range m.executors {
		defs = append(defs, exec.Definition())
	}
	m.mu.RUnlock()

	slices.SortFunc(defs, func(a, b domain.TaskDefinition) int { return strings.Compare(a.ID, b.ID) })
	return defs
}

// Shutdown implements TaskSetManager.
func (m *LifecycleManager) Shutdown(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	executors := m.executors
	m.executors = make(map[string]TaskExecutor)
	m.mu.Unlock()

	for _, exec := range executors {
		exec.Cancel()
	}
	m.logger.Info(ctx, "All tasks cancelled", "count", len(executors))

	return ctx.Err()
}
