package taskset

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/netmon-minion/internal/domain/events"
	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
	"github.com/ahrav/netmon-minion/pkg/common/logger"
)

// mockTaskSetManager implements TaskSetManager for testing.
type mockTaskSetManager struct{ mock.Mock }

func (m *mockTaskSetManager) Deploy(ctx context.Context, defs []domain.TaskDefinition) int {
	return m.Called(ctx, defs).Int(0)
}

func (m *mockTaskSetManager) Reconcile(ctx context.Context, defs []domain.TaskDefinition) int {
	return m.Called(ctx, defs).Int(0)
}

func (m *mockTaskSetManager) Undeploy(ctx context.Context, taskID string) bool {
	return m.Called(ctx, taskID).Bool(0)
}

func (m *mockTaskSetManager) DeployedTaskSet() []domain.TaskDefinition {
	args := m.Called()
	if defs := args.Get(0); defs != nil {
		return defs.([]domain.TaskDefinition)
	}
	return nil
}

func (m *mockTaskSetManager) Shutdown(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestTaskSetHandler_HandleEvent(t *testing.T) {
	defs := []domain.TaskDefinition{monitorDef("a", "ECHO", "1000")}

	tests := []struct {
		name    string
		evt     events.EventEnvelope
		setup   func(m *mockTaskSetManager)
		wantErr bool
	}{
		{
			name: "task set updated reconciles",
			evt: events.EventEnvelope{
				Type:    domain.EventTypeTaskSetUpdated,
				Payload: domain.TaskSetUpdatedEvent{TaskSet: domain.TaskSet{Definitions: defs}},
			},
			setup: func(m *mockTaskSetManager) {
				m.On("Reconcile", mock.Anything, defs).Return(1).Once()
			},
		},
		{
			name: "task removed undeploys",
			evt: events.EventEnvelope{
				Type:    domain.EventTypeTaskRemoved,
				Payload: domain.TaskRemovedEvent{TaskID: "a"},
			},
			setup: func(m *mockTaskSetManager) {
				m.On("Undeploy", mock.Anything, "a").Return(true).Once()
			},
		},
		{
			name:    "wrong payload type",
			evt:     events.EventEnvelope{Type: domain.EventTypeTaskRemoved, Payload: "a"},
			setup:   func(*mockTaskSetManager) {},
			wantErr: true,
		},
		{
			name:    "unsupported type",
			evt:     events.EventEnvelope{Type: "scanner.heartbeat"},
			setup:   func(*mockTaskSetManager) {},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := new(mockTaskSetManager)
			tt.setup(m)
			h := NewTaskSetHandler("minion-test", m, noop.NewTracerProvider().Tracer("test"), logger.Noop())

			var acked bool
			err := h.HandleEvent(context.Background(), tt.evt, func(error) { acked = true })

			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.True(t, acked)
			}
			m.AssertExpectations(t)
		})
	}
}

func TestTaskSetHandler_SupportedEvents(t *testing.T) {
	h := NewTaskSetHandler("minion-test", new(mockTaskSetManager), noop.NewTracerProvider().Tracer("test"), logger.Noop())
	assert.ElementsMatch(t,
		[]events.EventType{domain.EventTypeTaskSetUpdated, domain.EventTypeTaskRemoved},
		h.SupportedEvents(),
	)
}
