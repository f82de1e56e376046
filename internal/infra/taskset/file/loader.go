// Package file loads a static task set from a YAML document. The agent uses
// it to bootstrap tasks before, or instead of, receiving them from the control
// plane.
//
// Example:
//
//	tasks:
//	  - id: node-1-icmp
//	    kind: MONITOR
//	    plugin: ICMP
//	    schedule: 30000
//	    target: {node_id: 1, ip_address: 10.0.0.1}
//	    configuration:
//	      count: 3
//	      timeout: 1s
package file

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
	"github.com/ahrav/netmon-minion/internal/infra/serialization"
)

type taskEntry struct {
	ID            string                `yaml:"id"`
	Kind          string                `yaml:"kind"`
	Plugin        string                `yaml:"plugin"`
	Schedule      string                `yaml:"schedule"`
	Configuration any                   `yaml:"configuration"`
	Target        domain.TargetIdentity `yaml:"target"`
	MetricLabels  map[string]string     `yaml:"metric_labels"`
}

type document struct {
	Tasks []taskEntry `yaml:"tasks"`
}

// Loader reads a task set from a file on disk.
type Loader struct {
	path string
}

// NewLoader creates a Loader for the file at path.
func NewLoader(path string) *Loader { return &Loader{path: path} }

// Load reads and parses the task set. Definitions are not validated here;
// the lifecycle manager rejects invalid ones individually.
func (l *Loader) Load(ctx context.Context) (domain.TaskSet, error) {
	if err := ctx.Err(); err != nil {
		return domain.TaskSet{}, err
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return domain.TaskSet{}, fmt.Errorf("failed to read task set file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML task set document.
func Parse(data []byte) (domain.TaskSet, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return domain.TaskSet{}, fmt.Errorf("failed to parse task set: %w", err)
	}

	defs := make([]domain.TaskDefinition, 0, len(doc.Tasks))
	for i, e := range doc.Tasks {
		cfg, err := serialization.ConfigurationFromValue(e.Configuration)
		if err != nil {
			return domain.TaskSet{}, fmt.Errorf("task %d (%s): %w", i, e.ID, err)
		}
		defs = append(defs, domain.TaskDefinition{
			ID:            e.ID,
			Kind:          domain.TaskKind(strings.ToUpper(strings.TrimSpace(e.Kind))),
			PluginName:    e.Plugin,
			Schedule:      e.Schedule,
			Configuration: cfg,
			Target:        e.Target,
			MetricLabels:  e.MetricLabels,
		})
	}
	return domain.TaskSet{Definitions: defs}, nil
}
