package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
	"github.com/hochfrequenz/testbed-orchestrator/internal/task"
)

const defaultAvailabilityRetry = 10 * time.Second

// runOne instantiates and starts a single built-in task on the stage
func (s *Stage) runOne(ctx context.Context, name string, params map[string]any) (*task.Task, error) {
	t, err := s.opts.Tasks.New(domain.TaskDefinition{Task: name, Params: params}, s, nil)
	if err != nil {
		return nil, err
	}
	err = t.Start(ctx)
	s.Vault().Merge(t.Vault)
	s.mergeVerdict(t.Verdict)
	return t, err
}

func (s *Stage) resourceParams() map[string]any {
	ids := make([]any, 0, len(s.opts.Requirements))
	for _, id := range s.opts.Requirements {
		ids = append(ids, id)
	}
	return map[string]any{
		task.ParamResources: ids,
		task.ParamExclusive: s.opts.Exclusive,
	}
}

// preRun coordinates with the remote peer, then polls the resource registry
// until every requirement is granted. Requirements naming unknown resources
// fail the stage instead of waiting forever.
func preRun(ctx context.Context, s *Stage) error {
	if _, err := s.runOne(ctx, task.PreRunCoordinate, nil); err != nil {
		return fmt.Errorf("coordination: %w", err)
	}
	s.AddMessage("Configuration completed", 30)

	retry := s.opts.AvailabilityRetry
	if retry <= 0 {
		retry = defaultAvailabilityRetry
	}
	for {
		t, err := s.runOne(ctx, task.PreRunCheckAvailable, s.resourceParams())
		if err != nil {
			if task.IsInfeasible(err) {
				return fmt.Errorf("requested resources can never be granted: %w", err)
			}
			return err
		}
		if available, _ := t.Vault.Get(task.ParamAvailable); available == true {
			break
		}
		s.AddMessage("Not available", -1)
		s.setStatus(domain.StageWaiting)
		if err := task.Sleep(ctx, retry); err != nil {
			return err
		}
	}

	s.setStatus(domain.StageRunning)
	s.AddMessage("Resources granted", 80)
	return nil
}

// execute runs the composed task list. The stage verdict is the most severe
// verdict of its tasks.
func execute(ctx context.Context, s *Stage) error {
	total := len(s.opts.RunTasks)
	verdict, err := s.opts.Tasks.RunSequence(ctx, s, s.opts.RunTasks, func(i int, t *task.Task) {
		label := t.Label
		if label == "" {
			label = t.Name
		}
		s.AddMessage(fmt.Sprintf("Running task %s (%d/%d)", label, i+1, total), i*100/total)
	})
	s.mergeVerdict(verdict)
	return err
}

// postRun releases the resources requested in PreRun and runs the cleanup
// tasks. Cleanup failures are logged; they do not change the verdict.
func postRun(ctx context.Context, s *Stage) error {
	if _, err := s.runOne(ctx, task.PostRunReleaseResources, s.resourceParams()); err != nil {
		s.LogAndMessage(slog.LevelError, fmt.Sprintf("Could not release resources: %v", err), -1)
	}
	s.AddMessage("Resources released", 50)

	if len(s.opts.PostTasks) == 0 {
		return nil
	}
	_, err := s.opts.Tasks.RunSequence(ctx, s, s.opts.PostTasks, nil)
	return err
}
