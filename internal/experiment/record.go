package experiment

import (
	"fmt"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
	"github.com/hochfrequenz/testbed-orchestrator/internal/executor"
)

// Record returns the persistable view of the run
func (r *Run) Record() *domain.ExecutionRecord {
	descriptor, err := r.descriptor.JSON()
	if err != nil {
		r.logger.Warn("could not serialize descriptor", "error", err)
	}
	rec := &domain.ExecutionRecord{
		ID:           r.id,
		Created:      r.created,
		CoarseStatus: r.CoarseStatus().String(),
		Cancelled:    r.Cancelled(),
		Descriptor:   descriptor,
		Milestones:   r.Milestones(),
		Verdict:      r.Verdict().String(),
		DashboardURL: r.DashboardURL(),
	}
	if id, ok := r.RemoteID(); ok {
		rec.RemoteID = &id
	}
	return rec
}

// Save persists the three stages and the execution record
func (r *Run) Save(store Store) error {
	for _, s := range []*executor.Stage{r.PreRunner, r.Executor, r.PostRunner} {
		if err := s.Save(store); err != nil {
			return fmt.Errorf("save %s: %w", s.Tag, err)
		}
	}
	if err := store.SaveExecution(r.Record()); err != nil {
		return fmt.Errorf("save execution %d: %w", r.id, err)
	}
	return nil
}

// Tombstone is a finished execution loaded back from the store. Its stages
// are read-only.
type Tombstone struct {
	*domain.ExecutionRecord
	PreRunner  *executor.Stage
	Executor   *executor.Stage
	PostRunner *executor.Stage
}

// LoadRecord loads an execution and its stages. A stage that was never
// saved is left nil.
func LoadRecord(store Store, id domain.ExecutionID) (*Tombstone, error) {
	rec, err := store.LoadExecution(id)
	if err != nil {
		return nil, err
	}
	t := &Tombstone{ExecutionRecord: rec}
	for tag, dst := range map[string]**executor.Stage{
		executor.TagPreRunner:  &t.PreRunner,
		executor.TagExecutor:   &t.Executor,
		executor.TagPostRunner: &t.PostRunner,
	} {
		stage, err := executor.Load(store, tag, id)
		if err != nil {
			continue
		}
		*dst = stage
	}
	return t, nil
}
