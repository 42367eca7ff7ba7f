package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/hochfrequenz/testbed-orchestrator/internal/config"
	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
	"github.com/hochfrequenz/testbed-orchestrator/internal/facility"
	"github.com/hochfrequenz/testbed-orchestrator/internal/notify"
	"github.com/hochfrequenz/testbed-orchestrator/internal/telemetry"
)

// Host is the stage a task runs in. Implementations must be safe for use
// from parallel branches.
type Host interface {
	Scope
	Logger() *slog.Logger
	// AddMessage appends to the stage message log; a negative percent
	// keeps the current value
	AddMessage(msg string, percent int)
	AddGeneratedFile(path string)
	AddMilestone(name string)
	ReadMilestone(name string) bool
	PreviousTaskLog() []string
	SetPreviousTaskLog(lines []string)
	RemoteID() (domain.ExecutionID, bool)
	SetRemote(api RemoteAPI, id domain.ExecutionID)
	Services() *Services
}

// RemoteAPI is the peer facility of a distributed experiment
type RemoteAPI interface {
	Run(ctx context.Context, descriptor *domain.ExperimentDescriptor) (domain.ExecutionID, error)
	GetResults(ctx context.Context, id domain.ExecutionID) ([]*domain.Payload, error)
	GetFiles(ctx context.Context, id domain.ExecutionID, dir string) (string, error)
	SendPeerDetails(ctx context.Context, remoteID, localID domain.ExecutionID) error
}

// Dialer creates a client for a peer facility
type Dialer func(host string, port int) RemoteAPI

// Services are the process-wide collaborators tasks may use. Any of them
// may be nil when the feature is disabled.
type Services struct {
	Resources      *facility.Registry
	Telemetry      telemetry.Store
	Notifier       notify.Notifier
	EastWest       config.EastWestConfig
	Dial           Dialer
	VerdictOnError string
	MilestonePoll  time.Duration
}

func (s *Services) milestonePoll() time.Duration {
	if s == nil || s.MilestonePoll <= 0 {
		return time.Second
	}
	return s.MilestonePoll
}
