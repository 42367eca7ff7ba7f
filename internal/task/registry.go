package task

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
)

// Factory describes how to build one kind of task
type Factory struct {
	Rules Rules
	Run   RunFunc
}

// Registry maps task names to factories
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Factory)}
}

// Register adds a task. Registering a name twice panics.
func (r *Registry) Register(name string, rules Rules, run RunFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tasks[name]; dup {
		panic("task: duplicate registration of " + name)
	}
	r.tasks[name] = Factory{Rules: rules, Run: run}
}

// Lookup returns the factory registered under name
func (r *Registry) Lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.tasks[name]
	return f, ok
}

// Names lists every registered task, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every definition, children included, names a
// registered task
func (r *Registry) Validate(defs []domain.TaskDefinition) error {
	for _, def := range defs {
		if _, ok := r.Lookup(def.Task); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownTask, def.Task)
		}
		if err := r.Validate(def.Children); err != nil {
			return err
		}
	}
	return nil
}

// New instantiates a task from its definition, expanding the parameter
// template against the host and flow state
func (r *Registry) New(def domain.TaskDefinition, host Host, flow map[string]any) (*Task, error) {
	f, ok := r.Lookup(def.Task)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, def.Task)
	}
	rules := make(Rules, len(f.Rules))
	for k, v := range f.Rules {
		rules[k] = v
	}
	return &Task{
		Name:     def.Task,
		Label:    def.Label,
		Params:   ExpandParams(def.Params, host, flow),
		Rules:    rules,
		Children: def.Children,
		Vault:    NewVault(),
		host:     host,
		registry: r,
		run:      f.Run,
		logger:   host.Logger(),
	}, nil
}

// RunSequence runs definitions one after another. After each task its
// vault is merged into the host's, its verdict folded into the result and
// its log kept as the previous task log. The first error stops the
// sequence; a cancelled context stops it before the next task.
func (r *Registry) RunSequence(ctx context.Context, host Host, defs []domain.TaskDefinition, onTask func(index int, t *Task)) (domain.Verdict, error) {
	verdict := domain.VerdictNotSet
	for i, def := range defs {
		if err := ctx.Err(); err != nil {
			return verdict, err
		}
		t, err := r.New(def, host, nil)
		if err != nil {
			return domain.MaxVerdict(verdict, domain.VerdictError), err
		}
		if onTask != nil {
			onTask(i, t)
		}

		err = t.Start(ctx)
		host.Vault().Merge(t.Vault)
		host.SetPreviousTaskLog(t.LogMessages())
		verdict = domain.MaxVerdict(verdict, t.Verdict)
		if err != nil {
			host.Logger().Log(ctx, slog.LevelError, "task failed", "task", t.Label, "error", err)
			return verdict, err
		}
	}
	return verdict, nil
}
