// Package composer turns an experiment descriptor into the task lists of
// its Run and PostRun stages, using the actions the facility defines for its UEs, test
// cases and scenarios.
package composer

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
	"github.com/hochfrequenz/testbed-orchestrator/internal/facility"
	"github.com/hochfrequenz/testbed-orchestrator/internal/task"
)

// ErrUnknownDefinition is returned when a descriptor names a test case, UE
// or scenario the facility does not define
var ErrUnknownDefinition = errors.New("unknown definition")

// ErrUnknownStage is returned for an action scheduled in a stage other than
// Run or PostRun
var ErrUnknownStage = errors.New("unknown action stage")

// Catalog resolves definitions by kind and name
type Catalog interface {
	Definition(kind facility.Kind, name string) (*facility.Definition, bool)
}

// Reference names one definition used by a descriptor
type Reference struct {
	Kind facility.Kind
	Name string
}

// Configuration is the composed, immutable plan of an execution.
// Parameters holds the definition defaults overlaid with the descriptor's.
type Configuration struct {
	RunTasks     []domain.TaskDefinition
	PostTasks    []domain.TaskDefinition
	Requirements []string
	Exclusive    bool
	Parameters   map[string]any
	References   []Reference
}

// References lists the definitions a descriptor uses, UEs first
func References(d *domain.ExperimentDescriptor) []Reference {
	var refs []Reference
	for _, name := range d.UEs {
		refs = append(refs, Reference{Kind: facility.KindUE, Name: name})
	}
	for _, name := range d.TestCases {
		refs = append(refs, Reference{Kind: facility.KindTestCase, Name: name})
	}
	for _, name := range d.Scenarios {
		refs = append(refs, Reference{Kind: facility.KindScenario, Name: name})
	}
	return refs
}

// Compose builds the configuration for d. Actions of all referenced
// definitions are split by Stage, merged and stable-sorted by Order, so
// actions sharing an Order keep the order in which their definitions were
// referenced. Every task name, children included, must be known to
// registry.
func Compose(d *domain.ExperimentDescriptor, catalog Catalog, registry *task.Registry) (*Configuration, error) {
	if d == nil {
		return nil, errors.New("no experiment descriptor")
	}

	cfg := &Configuration{
		Exclusive:  d.Exclusive,
		Parameters: make(map[string]any),
		References: References(d),
	}

	seen := make(map[string]bool)
	addRequirement := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			cfg.Requirements = append(cfg.Requirements, id)
		}
	}
	for _, id := range d.Resources {
		addRequirement(id)
	}

	var runActions, postActions []domain.ActionInformation
	for _, ref := range cfg.References {
		def, ok := catalog.Definition(ref.Kind, ref.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %s %q", ErrUnknownDefinition, ref.Kind, ref.Name)
		}
		for _, a := range def.Actions {
			switch a.Stage {
			case "", domain.ActionStageRun:
				runActions = append(runActions, a)
			case domain.ActionStagePostRun:
				postActions = append(postActions, a)
			default:
				return nil, fmt.Errorf("%w: %q in %s %q", ErrUnknownStage, a.Stage, ref.Kind, ref.Name)
			}
		}
		for _, id := range def.Requirements {
			addRequirement(id)
		}
		for k, v := range def.Parameters {
			cfg.Parameters[k] = v
		}
	}
	for k, v := range d.Parameters {
		cfg.Parameters[k] = v
	}

	cfg.RunTasks = definitions(runActions)
	cfg.PostTasks = definitions(postActions)
	if registry != nil {
		if err := registry.Validate(cfg.RunTasks); err != nil {
			return nil, err
		}
		if err := registry.Validate(cfg.PostTasks); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// definitions sorts actions by Order and converts them, children included.
// The input slice is not modified.
func definitions(actions []domain.ActionInformation) []domain.TaskDefinition {
	if len(actions) == 0 {
		return nil
	}
	sorted := append([]domain.ActionInformation(nil), actions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order < sorted[j].Order
	})

	out := make([]domain.TaskDefinition, 0, len(sorted))
	for _, a := range sorted {
		out = append(out, domain.TaskDefinition{
			Task:     a.Task,
			Label:    a.Label,
			Params:   copyParams(a.Config),
			Children: definitions(a.Children),
		})
	}
	return out
}

func copyParams(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
