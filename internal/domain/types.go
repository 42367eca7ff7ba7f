package domain

import "fmt"

// ExecutionID identifies one experiment execution. IDs are allocated in
// strictly increasing order, so a smaller ID always means an older run.
type ExecutionID int64

// StageStatus is the fine-grained state of a single stage. The ordinal
// order matters: a higher value wins when statuses are merged.
type StageStatus int

const (
	StageInit StageStatus = iota
	StageWaiting
	StageRunning
	StageCancelled
	StageErrored
	StageFinished
)

var stageStatusNames = [...]string{"Init", "Waiting", "Running", "Cancelled", "Errored", "Finished"}

func (s StageStatus) String() string {
	if s < 0 || int(s) >= len(stageStatusNames) {
		return fmt.Sprintf("StageStatus(%d)", int(s))
	}
	return stageStatusNames[s]
}

// ParseStageStatus converts a status name back into a StageStatus
func ParseStageStatus(name string) (StageStatus, error) {
	for i, n := range stageStatusNames {
		if n == name {
			return StageStatus(i), nil
		}
	}
	return StageInit, fmt.Errorf("unknown stage status %q", name)
}

// CoarseStatus is the top-level phase of an experiment execution
type CoarseStatus int

const (
	CoarseInit CoarseStatus = iota
	CoarsePreRun
	CoarseRun
	CoarsePostRun
	CoarseFinished
	CoarseCancelled
	CoarseErrored
)

var coarseStatusNames = [...]string{"Init", "PreRun", "Run", "PostRun", "Finished", "Cancelled", "Errored"}

func (s CoarseStatus) String() string {
	if s < 0 || int(s) >= len(coarseStatusNames) {
		return fmt.Sprintf("CoarseStatus(%d)", int(s))
	}
	return coarseStatusNames[s]
}

// Terminal reports whether the execution has left the live phases
func (s CoarseStatus) Terminal() bool {
	return s >= CoarseFinished
}

// ParseCoarseStatus converts a status name back into a CoarseStatus
func ParseCoarseStatus(name string) (CoarseStatus, error) {
	for i, n := range coarseStatusNames {
		if n == name {
			return CoarseStatus(i), nil
		}
	}
	return CoarseInit, fmt.Errorf("unknown coarse status %q", name)
}
