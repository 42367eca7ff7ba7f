// Package experiment drives one execution through PreRun, Run and PostRun
// and finalizes it when it ends.
package experiment

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/hochfrequenz/testbed-orchestrator/internal/composer"
	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
	"github.com/hochfrequenz/testbed-orchestrator/internal/executor"
	"github.com/hochfrequenz/testbed-orchestrator/internal/task"
)

// DeviceIDParam names the descriptor parameter identifying the device
// under test; cancelling such an execution evicts its applications
const DeviceIDParam = "DeviceId"

// Store persists stages and execution records
type Store interface {
	executor.Store
	SaveExecution(rec *domain.ExecutionRecord) error
	LoadExecution(id domain.ExecutionID) (*domain.ExecutionRecord, error)
}

// Uploader copies a result archive to external storage
type Uploader interface {
	Upload(ctx context.Context, id domain.ExecutionID, path string) (string, error)
}

// Evictor stops the applications of a device when its execution is cancelled
type Evictor interface {
	Evict(ctx context.Context, deviceID string) error
}

// EventKind classifies run events
type EventKind string

const (
	EventStatus  EventKind = "status"
	EventMessage EventKind = "message"
)

// Event reports a coarse status change or a new stage message
type Event struct {
	Kind         EventKind          `json:"kind"`
	ExecutionID  domain.ExecutionID `json:"execution_id"`
	CoarseStatus string             `json:"coarse_status"`
	Stage        string             `json:"stage,omitempty"`
	Message      string             `json:"message,omitempty"`
	Time         time.Time          `json:"time"`
}

// Dependencies are the process-wide collaborators of every run. Uploader,
// Evictor and OnEvent are optional.
type Dependencies struct {
	Tasks    *task.Registry
	Services *task.Services
	Logger   *slog.Logger

	Uploader Uploader
	Evictor  Evictor
	OnEvent  func(Event)

	ResultsDir        string
	TempRoot          string
	AvailabilityRetry time.Duration
}

// Run is the controller of one execution
type Run struct {
	id         domain.ExecutionID
	created    time.Time
	descriptor *domain.ExperimentDescriptor
	config     *composer.Configuration
	deps       Dependencies
	logger     *slog.Logger
	tempDir    string
	vault      *task.Vault
	ctx        context.Context

	PreRunner  *executor.Stage
	Executor   *executor.Stage
	PostRunner *executor.Stage

	mu           sync.RWMutex
	coarse       domain.CoarseStatus
	milestones   []string
	cancelled    bool
	remote       task.RemoteAPI
	remoteID     *domain.ExecutionID
	dashboardURL string

	endOnce   sync.Once
	finalized chan struct{}
}

// New creates a run for a composed descriptor. ctx bounds the stage
// goroutines and finalization; it should outlive the request that created
// the run.
func New(ctx context.Context, id domain.ExecutionID, d *domain.ExperimentDescriptor, cfg *composer.Configuration, deps Dependencies) (*Run, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tasks == nil {
		deps.Tasks = task.DefaultRegistry()
	}

	tempDir, err := os.MkdirTemp(deps.TempRoot, fmt.Sprintf("execution%d-", id))
	if err != nil {
		return nil, fmt.Errorf("create temp folder: %w", err)
	}

	descriptor := *d
	descriptor.Parameters = cfg.Parameters

	r := &Run{
		id:         id,
		created:    time.Now().UTC(),
		descriptor: &descriptor,
		config:     cfg,
		deps:       deps,
		logger:     deps.Logger.With("execution", int64(id)),
		tempDir:    tempDir,
		vault:      task.NewVault(),
		ctx:        ctx,
		finalized:  make(chan struct{}),
	}

	opts := executor.Options{
		Tasks:             deps.Tasks,
		Services:          deps.Services,
		Logger:            deps.Logger,
		RunTasks:          cfg.RunTasks,
		PostTasks:         cfg.PostTasks,
		Requirements:      cfg.Requirements,
		Exclusive:         cfg.Exclusive,
		AvailabilityRetry: deps.AvailabilityRetry,
	}
	r.PreRunner = executor.NewPreRunner(r, opts)
	r.Executor = executor.NewExecutor(r, opts)
	r.PostRunner = executor.NewPostRunner(r, opts)
	for _, s := range []*executor.Stage{r.PreRunner, r.Executor, r.PostRunner} {
		s.SetObserver(r.stageMessage)
	}
	return r, nil
}

func (r *Run) String() string {
	return fmt.Sprintf("[ID: %d (%s)]", r.id, r.descriptor.Identifier())
}

func (r *Run) emit(e Event) {
	if r.deps.OnEvent == nil {
		return
	}
	e.ExecutionID = r.id
	e.Time = time.Now().UTC()
	if e.CoarseStatus == "" {
		e.CoarseStatus = r.CoarseStatus().String()
	}
	r.deps.OnEvent(e)
}

func (r *Run) stageMessage(s *executor.Stage, msg string) {
	r.emit(Event{Kind: EventMessage, Stage: s.Tag, Message: msg})
}

// CoarseStatus returns the execution phase
func (r *Run) CoarseStatus() domain.CoarseStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.coarse
}

// setCoarseStatus changes the phase and records it as a milestone. A
// terminal phase is never left; false is returned when nothing changed.
func (r *Run) setCoarseStatus(status domain.CoarseStatus) bool {
	r.mu.Lock()
	if status == r.coarse || r.coarse.Terminal() {
		r.mu.Unlock()
		return false
	}
	r.coarse = status
	if !slices.Contains(r.milestones, status.String()) {
		r.milestones = append(r.milestones, status.String())
	}
	r.mu.Unlock()

	r.logger.Info("coarse status changed", "status", status.String())
	r.emit(Event{Kind: EventStatus, CoarseStatus: status.String()})
	return true
}

// Active reports whether the run has not yet reached a terminal phase
func (r *Run) Active() bool {
	return !r.CoarseStatus().Terminal()
}

// CurrentStage returns the stage of the current phase, or nil outside of
// PreRun, Run and PostRun
func (r *Run) CurrentStage() *executor.Stage {
	switch r.CoarseStatus() {
	case domain.CoarsePreRun:
		return r.PreRunner
	case domain.CoarseRun:
		return r.Executor
	case domain.CoarsePostRun:
		return r.PostRunner
	default:
		return nil
	}
}

// Advance moves the run forward according to the state of its current
// stage. It never blocks: stages run in their own goroutines and
// finalization starts in the background.
func (r *Run) Advance() {
	switch r.CoarseStatus() {
	case domain.CoarseInit:
		r.startPhase(domain.CoarsePreRun, r.PreRunner)
	case domain.CoarsePreRun:
		switch {
		case r.PreRunner.HasFailed():
			r.logger.Info("execution has failed on PreRun")
			r.end(domain.CoarseErrored)
		case r.PreRunner.Finished():
			r.startPhase(domain.CoarseRun, r.Executor)
		}
	case domain.CoarseRun:
		switch {
		case r.Executor.HasFailed():
			r.logger.Info("execution has failed on Run")
			r.end(domain.CoarseErrored)
		case r.Executor.Finished():
			r.startPhase(domain.CoarsePostRun, r.PostRunner)
		}
	case domain.CoarsePostRun:
		switch {
		case r.PostRunner.HasFailed():
			r.logger.Info("execution has failed on PostRun")
			r.end(domain.CoarseErrored)
		case r.PostRunner.Finished():
			r.end(domain.CoarseFinished)
		}
	case domain.CoarseCancelled:
		if r.settled() {
			r.finalize()
		}
	}
}

// settled reports whether every stage that started has returned, so no
// task can still lock resources behind finalization's back
func (r *Run) settled() bool {
	for _, s := range []*executor.Stage{r.PreRunner, r.Executor, r.PostRunner} {
		if s.HasStarted() && !s.Finished() {
			return false
		}
	}
	return true
}

func (r *Run) startPhase(status domain.CoarseStatus, stage *executor.Stage) {
	if !r.setCoarseStatus(status) {
		return
	}
	if err := stage.Start(r.ctx); err != nil {
		r.logger.Error("could not start stage", "stage", stage.Tag, "error", err)
		r.end(domain.CoarseErrored)
	}
}

func (r *Run) end(status domain.CoarseStatus) {
	if r.setCoarseStatus(status) {
		r.finalize()
	}
}

func (r *Run) finalize() {
	r.endOnce.Do(func() {
		go func() {
			defer close(r.finalized)
			r.handleExecutionEnd(r.ctx)
		}()
	})
}

// Finalized reports whether the end-of-run handling has completed
func (r *Run) Finalized() bool {
	select {
	case <-r.finalized:
		return true
	default:
		return false
	}
}

// WaitFinalized blocks until the end-of-run handling has completed
func (r *Run) WaitFinalized(ctx context.Context) error {
	select {
	case <-r.finalized:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops the current stage and marks the run Cancelled. The
// PostRunner is started if it has not run yet, so cleanup still happens.
func (r *Run) Cancel() {
	if !r.Active() {
		r.logger.Warn("cancel ignored, execution already ended", "status", r.CoarseStatus().String())
		return
	}
	if current := r.CurrentStage(); current != nil {
		current.RequestStop()
	}

	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	r.setCoarseStatus(domain.CoarseCancelled)

	if device, ok := r.descriptor.Parameters[DeviceIDParam]; ok && r.deps.Evictor != nil {
		if err := r.deps.Evictor.Evict(r.ctx, fmt.Sprint(device)); err != nil {
			r.logger.Error("device eviction failed", "device", device, "error", err)
		}
	}

	if !r.PostRunner.HasStarted() {
		if err := r.PostRunner.Start(r.ctx); err != nil {
			r.logger.Error("could not start cleanup", "error", err)
		}
	}
}

// Cancelled reports whether Cancel was called
func (r *Run) Cancelled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cancelled
}

// executor.Run

func (r *Run) ExecutionID() domain.ExecutionID { return r.id }

func (r *Run) TempDir() string { return r.tempDir }

func (r *Run) Descriptor() *domain.ExperimentDescriptor { return r.descriptor }

func (r *Run) Vault() *task.Vault { return r.vault }

// AddMilestone records a marker once; later additions are ignored
func (r *Run) AddMilestone(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.milestones, name) {
		r.milestones = append(r.milestones, name)
	}
}

// ReadMilestone reports whether a marker has been recorded
func (r *Run) ReadMilestone(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.milestones, name)
}

// Milestones returns the markers in the order they were recorded
func (r *Run) Milestones() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.milestones...)
}

func (r *Run) RemoteID() (domain.ExecutionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.remoteID == nil {
		return 0, false
	}
	return *r.remoteID, true
}

func (r *Run) SetRemote(api task.RemoteAPI, id domain.ExecutionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remote = api
	r.remoteID = &id
}

// Views

// ID returns the execution id
func (r *Run) ID() domain.ExecutionID { return r.id }

// Created returns when the run was created
func (r *Run) Created() time.Time { return r.created }

// Configuration returns the composed plan
func (r *Run) Configuration() *composer.Configuration { return r.config }

// Status describes the phase and, while a stage runs, its status, e.g.
// "PreRun: Running"
func (r *Run) Status() string {
	status := r.CoarseStatus()
	if current := r.CurrentStage(); current != nil {
		return fmt.Sprintf("%s: %s", status, current.Status())
	}
	return status.String()
}

// PerCent returns the progress of the current stage
func (r *Run) PerCent() int {
	if current := r.CurrentStage(); current != nil {
		return current.PerCent()
	}
	return 0
}

// Messages returns the message log of the current stage
func (r *Run) Messages() []string {
	if current := r.CurrentStage(); current != nil {
		return current.Messages()
	}
	return []string{}
}

// LastMessage returns the newest message of the current stage
func (r *Run) LastMessage() string {
	if current := r.CurrentStage(); current != nil {
		return current.LastMessage()
	}
	return "No active child"
}

// Verdict is the verdict of the Run stage; PreRun and PostRun never
// change it
func (r *Run) Verdict() domain.Verdict {
	return r.Executor.Verdict()
}

// GeneratedFiles returns the files produced by all three stages
func (r *Run) GeneratedFiles() []string {
	var files []string
	for _, s := range []*executor.Stage{r.PreRunner, r.Executor, r.PostRunner} {
		files = append(files, s.GeneratedFiles()...)
	}
	return files
}

// DashboardURL returns the results view generated at the end of the run
func (r *Run) DashboardURL() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dashboardURL
}
