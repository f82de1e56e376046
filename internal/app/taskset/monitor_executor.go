package taskset

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/protobuf/types/known/anypb"

	"github.com/ahrav/netmon-minion/internal/domain/plugin"
	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
)

// MonitorExecutor polls a monitor plugin on the task's schedule. A fresh
// monitor instance is created for every poll. When the configuration is a
// list, every element is polled concurrently and produces its own envelope.
type MonitorExecutor struct {
	*periodicExecutor
}

var _ TaskExecutor = (*MonitorExecutor)(nil)

func newMonitorExecutor(def domain.TaskDefinition, deps executorDeps) *MonitorExecutor {
	e := &MonitorExecutor{periodicExecutor: newPeriodicExecutor(def, deps)}
	e.installed = func() bool {
		_, ok := e.registries.Monitors.Lookup(e.def.PluginName)
		return ok
	}
	e.prepare = e.prepareIteration
	return e
}

func (e *MonitorExecutor) prepareIteration() (iterationFunc, error) {
	factory, ok := e.registries.Monitors.Lookup(e.def.PluginName)
	if !ok {
		return nil, e.pluginNotFound()
	}

	subs, _, err := splitConfiguration(e.def.Configuration)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context) []domain.ResultEnvelope {
		envs := make([]domain.ResultEnvelope, len(subs))
		if len(subs) == 1 {
			envs[0] = e.processor.Envelope(e.def, e.poll(ctx, factory, subs[0]))
			return envs
		}

		var wg sync.WaitGroup
		for i, cfg := range subs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				envs[i] = e.processor.Envelope(e.def, e.poll(ctx, factory, cfg))
			}()
		}
		wg.Wait()
		return envs
	}, nil
}

func (e *MonitorExecutor) poll(ctx context.Context, factory plugin.MonitorFactory, cfg *anypb.Any) (out domain.Outcome) {
	defer recoverOutcome(&out)

	monitor, err := factory.Create()
	if err != nil {
		return domain.FailureOutcome(fmt.Errorf("create monitor: %w", err), "")
	}

	resp, err := monitor.Poll(ctx, plugin.MonitorRequest{
		NodeID:            e.def.Target.NodeID,
		MonitoredEntityID: e.def.Target.MonitoredEntityID,
		IPAddress:         e.def.Target.IPAddress,
		Configuration:     cfg,
	})
	return e.processor.MonitorOutcome(e.def, resp, err)
}
