// Package task is the task engine: it instantiates tasks from their
// composed definitions, resolves their parameters and runs them alone,
// in sequence or in parallel branches.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
)

var (
	// ErrMissingParameter aborts a task whose mandatory parameter is unset
	ErrMissingParameter = errors.New("missing mandatory parameter")
	// ErrUnknownTask is returned for definitions naming no registered task
	ErrUnknownTask = errors.New("unknown task")
)

// ConditionParam names the optional parameter deciding whether a task runs
const ConditionParam = "When"

// RunFunc is the body of a task
type RunFunc func(ctx context.Context, t *Task) error

// Task is one instantiated step of a stage
type Task struct {
	Name     string
	Label    string
	Params   Params
	Rules    Rules
	Children []domain.TaskDefinition
	Verdict  domain.Verdict
	Vault    *Vault

	// Condition, when set, decides whether the task runs at all
	Condition func() bool

	host     Host
	registry *Registry
	run      RunFunc
	logger   *slog.Logger

	mu       sync.Mutex
	messages []string
}

// Host returns the stage the task runs in
func (t *Task) Host() Host { return t.host }

func (t *Task) identifier() string {
	if t.Label == "" || t.Label == t.Name {
		return t.Name
	}
	return fmt.Sprintf("%s(%s)", t.Label, t.Name)
}

// Start resolves the label and parameters and runs the task body. A missing
// mandatory parameter sets the Error verdict and returns
// ErrMissingParameter; errors from the body are returned unchanged.
func (t *Task) Start(ctx context.Context) error {
	if t.Label == "" {
		t.Label = t.Name
	}
	t.logger = t.logger.With("task", t.Label)
	id := t.identifier()

	if !t.shouldRun() {
		t.Log(slog.LevelInfo, "[Task '%s' not started (condition false)]", id)
		return nil
	}

	t.Log(slog.LevelInfo, "[Starting Task '%s']", id)
	t.Log(slog.LevelDebug, "Params: %v", t.Params)

	if err := t.sanitizeParams(); err != nil {
		t.Log(slog.LevelError, "[Task '%s' aborted due to incorrect parameters (%v)]", id, t.Params)
		t.Verdict = domain.VerdictError
		return err
	}

	if err := t.run(ctx, t); err != nil {
		return err
	}

	t.Log(slog.LevelInfo, "[Task '%s' finished (verdict: '%s')]", id, t.Verdict)
	return nil
}

func (t *Task) shouldRun() bool {
	if t.Condition != nil {
		return t.Condition()
	}
	if t.Params.Has(ConditionParam) {
		return t.Params.Bool(ConditionParam)
	}
	return true
}

func (t *Task) sanitizeParams() error {
	keys := make([]string, 0, len(t.Rules))
	for k := range t.Rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		rule := t.Rules[key]
		if t.Params.Has(key) {
			continue
		}
		if rule.Mandatory {
			t.Log(slog.LevelError, "Parameter '%s' is mandatory but was not configured for the task.", key)
			return fmt.Errorf("%w: %s (task %s)", ErrMissingParameter, key, t.Label)
		}
		t.Params[key] = rule.Default
		t.Log(slog.LevelDebug, "Parameter '%s' set to default (%v).", key, rule.Default)
	}
	return nil
}

// Log writes to the stage logger and keeps the line in the task's own log
func (t *Task) Log(level slog.Level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	t.logger.Log(context.Background(), level, msg)

	t.mu.Lock()
	t.messages = append(t.messages, msg)
	t.mu.Unlock()
}

// LogMessages returns every line the task logged
func (t *Task) LogMessages() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.messages...)
}

// Publish makes a value visible to later tasks
func (t *Task) Publish(key string, value any) {
	t.Log(slog.LevelDebug, "Published value \"%v\" under key \"%s\"", value, key)
	t.Vault.Publish(key, value)
}

// SetVerdictOnError sets the verdict configured for failures: the task's
// VerdictOnError parameter, else the process default.
func (t *Task) SetVerdictOnError() error {
	name := t.Params.String("VerdictOnError")
	if name == "" {
		if s := t.host.Services(); s != nil {
			name = s.VerdictOnError
		}
	}
	if name == "" {
		name = domain.VerdictError.String()
	}
	v, err := domain.ParseVerdict(name)
	if err != nil {
		return fmt.Errorf("unrecognized verdict %q", name)
	}
	t.Verdict = v
	return nil
}

// VerdictFromName parses a verdict name. An unknown name applies the
// error verdict and reports false.
func (t *Task) VerdictFromName(name string) (domain.Verdict, bool) {
	v, err := domain.ParseVerdict(name)
	if err != nil {
		t.fail("Unrecognized Verdict '%s'", name)
		return domain.VerdictNotSet, false
	}
	return v, true
}

// fail applies the error verdict and logs the reason. Used by task bodies
// for failures that should not abort the stage.
func (t *Task) fail(format string, args ...any) {
	if err := t.SetVerdictOnError(); err != nil {
		t.Verdict = domain.VerdictError
		t.Log(slog.LevelError, "%v", err)
	}
	t.Log(slog.LevelError, format, args...)
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
