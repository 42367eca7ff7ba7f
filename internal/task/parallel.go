package task

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
)

// FlowBranch is the flow-state key holding the 1-based branch index
const FlowBranch = "Branch"

type branch struct {
	index   int
	label   string
	task    *Task
	started bool
}

// runParallel starts every child in its own goroutine and joins them in
// declaration order. A branch that fails or panics ends with the Error
// verdict without affecting the others. Branches not yet started when the
// context is cancelled are skipped.
func runParallel(ctx context.Context, t *Task) error {
	if len(t.Children) == 0 {
		t.Log(slog.LevelWarn, "Skipping parallel execution: no children defined.")
		return nil
	}

	t.Log(slog.LevelInfo, "Starting parallel execution (%d children)", len(t.Children))

	var g errgroup.Group
	branches := make([]*branch, 0, len(t.Children))

	for i, child := range t.Children {
		b := &branch{index: i + 1, label: child.Label}
		if b.label == "" {
			b.label = fmt.Sprintf("Br%d", b.index)
		}
		branches = append(branches, b)

		def := child
		def.Label = b.label
		inst, err := t.registry.New(def, t.host, map[string]any{FlowBranch: b.index})
		if err != nil {
			t.Log(slog.LevelError, "Branch %d (%s) could not be created: %v", b.index, b.label, err)
			t.Verdict = domain.MaxVerdict(t.Verdict, domain.VerdictError)
			continue
		}
		b.task = inst

		if ctx.Err() != nil {
			t.Log(slog.LevelInfo, "Stop requested, branch %d (%s) not started", b.index, b.label)
			continue
		}
		b.started = true
		g.Go(func() error {
			t.runBranch(ctx, b)
			return nil
		})
		t.Log(slog.LevelDebug, "Started branch %d: %s", b.index, b.label)
	}

	g.Wait()

	for _, b := range branches {
		if !b.started {
			continue
		}
		t.Vault.Merge(b.task.Vault)
		t.Verdict = domain.MaxVerdict(t.Verdict, b.task.Verdict)
		t.Log(slog.LevelDebug, "Branch %d (%s) joined", b.index, b.label)
	}

	t.Log(slog.LevelInfo, "Finished execution of all child tasks")
	return nil
}

func (t *Task) runBranch(ctx context.Context, b *branch) {
	defer func() {
		if r := recover(); r != nil {
			b.task.Verdict = domain.VerdictError
			t.Log(slog.LevelError, "Branch %d (%s) panicked: %v", b.index, b.label, r)
		}
	}()
	if err := b.task.Start(ctx); err != nil {
		b.task.Verdict = domain.VerdictError
		t.Log(slog.LevelError, "%v", err)
	}
}
