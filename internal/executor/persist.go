package executor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
)

// Store persists stage snapshots keyed by tag and execution id
type Store interface {
	SaveStage(tag string, id domain.ExecutionID, data []byte) error
	LoadStage(tag string, id domain.ExecutionID) ([]byte, error)
}

// Snapshot is the serialized form of a stage
type Snapshot struct {
	ExecutionID    domain.ExecutionID `json:"execution_id"`
	Name           string             `json:"name"`
	Tag            string             `json:"tag"`
	Created        time.Time          `json:"created"`
	Started        *time.Time         `json:"started,omitempty"`
	Finished       *time.Time         `json:"finished,omitempty"`
	HasStarted     bool               `json:"has_started"`
	HasFinished    bool               `json:"has_finished"`
	HasFailed      bool               `json:"has_failed"`
	GeneratedFiles []string           `json:"generated_files"`
	Status         string             `json:"status"`
	Messages       []string           `json:"messages"`
	PerCent        int                `json:"per_cent"`
	Verdict        string             `json:"verdict"`
}

// Snapshot captures the current state of the stage
func (s *Stage) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ExecutionID:    s.id,
		Name:           s.Name,
		Tag:            s.Tag,
		Created:        s.created,
		Started:        s.started,
		Finished:       s.finished,
		HasStarted:     s.hasStarted,
		HasFinished:    s.hasFinished,
		HasFailed:      s.hasFailed,
		GeneratedFiles: append([]string{}, s.files...),
		Status:         s.status.String(),
		Messages:       append([]string{}, s.messages...),
		PerCent:        s.percent,
		Verdict:        s.verdict.String(),
	}
}

// Serialize encodes the stage state
func (s *Stage) Serialize() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// Save writes the stage state under its tag and execution id
func (s *Stage) Save(store Store) error {
	data, err := s.Serialize()
	if err != nil {
		return fmt.Errorf("serialize %s: %w", s.Tag, err)
	}
	return store.SaveStage(s.Tag, s.id, data)
}

// Load restores a stage saved under tag. The result is read-only: it
// reports the saved state but cannot be started.
func Load(store Store, tag string, id domain.ExecutionID) (*Stage, error) {
	switch tag {
	case TagPreRunner, TagExecutor, TagPostRunner:
	default:
		return nil, fmt.Errorf("unknown stage tag %q", tag)
	}
	data, err := store.LoadStage(tag, id)
	if err != nil {
		return nil, err
	}
	return Restore(data)
}

// Restore rebuilds a read-only stage from serialized data
func Restore(data []byte) (*Stage, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode stage: %w", err)
	}
	status, err := domain.ParseStageStatus(snap.Status)
	if err != nil {
		return nil, err
	}
	verdict := domain.VerdictNotSet
	if snap.Verdict != "" {
		if verdict, err = domain.ParseVerdict(snap.Verdict); err != nil {
			return nil, err
		}
	}

	done := make(chan struct{})
	close(done)
	return &Stage{
		Tag:         snap.Tag,
		Name:        snap.Name,
		id:          snap.ExecutionID,
		created:     snap.Created,
		started:     snap.Started,
		finished:    snap.Finished,
		status:      status,
		verdict:     verdict,
		percent:     snap.PerCent,
		messages:    snap.Messages,
		files:       snap.GeneratedFiles,
		hasStarted:  snap.HasStarted,
		hasFinished: snap.HasFinished,
		hasFailed:   snap.HasFailed,
		logger:      slog.Default().With("execution", int64(snap.ExecutionID), "stage", snap.Tag),
		done:        done,
	}, nil
}
