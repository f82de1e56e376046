package taskset

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/protobuf/types/known/anypb"

	"github.com/ahrav/netmon-minion/internal/domain/plugin"
	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
)

// CollectorExecutor runs a collector plugin on the task's schedule. When the
// configuration is a list, every element is collected concurrently and the
// results are reported as a single batch envelope.
type CollectorExecutor struct {
	*periodicExecutor
}

var _ TaskExecutor = (*CollectorExecutor)(nil)

func newCollectorExecutor(def domain.TaskDefinition, deps executorDeps) *CollectorExecutor {
	e := &CollectorExecutor{periodicExecutor: newPeriodicExecutor(def, deps)}
	e.installed = func() bool {
		_, ok := e.registries.Collectors.Lookup(e.def.PluginName)
		return ok
	}
	e.prepare = e.prepareIteration
	return e
}

func (e *CollectorExecutor) prepareIteration() (iterationFunc, error) {
	factory, ok := e.registries.Collectors.Lookup(e.def.PluginName)
	if !ok {
		return nil, e.pluginNotFound()
	}

	subs, fanned, err := splitConfiguration(e.def.Configuration)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context) []domain.ResultEnvelope {
		if !fanned {
			set, err := e.collect(ctx, factory, subs[0])
			return []domain.ResultEnvelope{e.processor.Envelope(e.def, e.processor.CollectionOutcome(set, err))}
		}

		sets := make([]plugin.CollectionSet, len(subs))
		errs := make([]error, len(subs))

		var wg sync.WaitGroup
		for i, cfg := range subs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				sets[i], errs[i] = e.collect(ctx, factory, cfg)
			}()
		}
		wg.Wait()

		return []domain.ResultEnvelope{e.processor.Envelope(e.def, e.processor.CollectionBatchOutcome(sets, errs))}
	}, nil
}

func (e *CollectorExecutor) collect(ctx context.Context, factory plugin.CollectorFactory, cfg *anypb.Any) (set plugin.CollectionSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin panicked: %v", r)
		}
	}()

	collector, err := factory.Create()
	if err != nil {
		return plugin.CollectionSet{}, fmt.Errorf("create collector: %w", err)
	}

	return collector.Collect(ctx, plugin.CollectionRequest{
		NodeID:            e.def.Target.NodeID,
		MonitoredEntityID: e.def.Target.MonitoredEntityID,
		IPAddress:         e.def.Target.IPAddress,
	}, cfg)
}
