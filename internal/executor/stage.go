// Package executor runs the three stages of an execution: the PreRunner
// acquires what the experiment needs, the Executor runs the composed task
// list and the PostRunner cleans up.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
	"github.com/hochfrequenz/testbed-orchestrator/internal/task"
)

// Stage tags, also used as persistence keys
const (
	TagPreRunner  = "PreRunner"
	TagExecutor   = "Executor"
	TagPostRunner = "PostRunner"
)

// ErrNotRunnable is returned when starting a stage restored from storage or
// one that has already been started
var ErrNotRunnable = errors.New("stage cannot be started")

// Run is the execution a stage belongs to. Milestones, the vault and the
// remote peer are shared by all stages of one execution.
type Run interface {
	ExecutionID() domain.ExecutionID
	TempDir() string
	Descriptor() *domain.ExperimentDescriptor
	Vault() *task.Vault
	AddMilestone(name string)
	ReadMilestone(name string) bool
	RemoteID() (domain.ExecutionID, bool)
	SetRemote(api task.RemoteAPI, id domain.ExecutionID)
}

// Observer is notified after a stage message is added
type Observer func(s *Stage, message string)

// Options configure the stages of one execution
type Options struct {
	Tasks    *task.Registry
	Services *task.Services
	Logger   *slog.Logger

	RunTasks     []domain.TaskDefinition
	PostTasks    []domain.TaskDefinition
	Requirements []string
	Exclusive    bool

	// AvailabilityRetry is the pause between resource admission attempts
	AvailabilityRetry time.Duration
}

type body func(ctx context.Context, s *Stage) error

// Stage is one of PreRunner, Executor or PostRunner. It implements
// task.Host for the tasks it runs.
type Stage struct {
	Tag  string
	Name string

	id      domain.ExecutionID
	run     Run
	opts    Options
	body    body
	logger  *slog.Logger
	created time.Time

	mu            sync.RWMutex
	started       *time.Time
	finished      *time.Time
	status        domain.StageStatus
	verdict       domain.Verdict
	percent       int
	messages      []string
	files         []string
	previous      []string
	hasStarted    bool
	hasFinished   bool
	hasFailed     bool
	stopRequested bool
	cancel        context.CancelFunc
	done          chan struct{}
	observer      Observer
}

func newStage(tag string, run Run, opts Options, b body) *Stage {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Tasks == nil {
		opts.Tasks = task.DefaultRegistry()
	}
	s := &Stage{
		Tag:     tag,
		Name:    fmt.Sprintf("%s-%s", tag, uuid.NewString()[:8]),
		id:      run.ExecutionID(),
		run:     run,
		opts:    opts,
		body:    b,
		logger:  logger.With("execution", int64(run.ExecutionID()), "stage", tag),
		created: time.Now().UTC(),
		done:    make(chan struct{}),
	}
	s.AddMessage("Init", -1)
	return s
}

// NewPreRunner creates the stage that coordinates with a remote peer and
// waits until the requested resources are granted
func NewPreRunner(run Run, opts Options) *Stage {
	return newStage(TagPreRunner, run, opts, preRun)
}

// NewExecutor creates the stage running the composed task list
func NewExecutor(run Run, opts Options) *Stage {
	return newStage(TagExecutor, run, opts, execute)
}

// NewPostRunner creates the stage releasing resources and running the
// cleanup tasks
func NewPostRunner(run Run, opts Options) *Stage {
	return newStage(TagPostRunner, run, opts, postRun)
}

// SetObserver registers a callback for new messages
func (s *Stage) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// Start runs the stage body in its own goroutine. A panic or error in the
// body marks the stage as failed.
func (s *Stage) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.body == nil || s.hasStarted {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRunnable, s.Name)
	}
	s.hasStarted = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	stop := s.stopRequested
	s.mu.Unlock()

	if stop {
		cancel()
	}
	go s.execute(ctx)
	return nil
}

func (s *Stage) execute(ctx context.Context) {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			s.fail(fmt.Errorf("panic: %v", r))
		}
		s.mu.Lock()
		s.hasFinished = true
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
	}()

	s.SetStarted()
	err := s.body(ctx, s)
	switch {
	case err == nil:
		s.SetFinished(domain.StageFinished, 100)
	case ctx.Err() != nil:
		s.mergeVerdict(domain.VerdictCancel)
		s.SetFinished(domain.StageCancelled, -1)
	default:
		s.fail(err)
	}
}

func (s *Stage) fail(err error) {
	s.mu.Lock()
	s.hasFailed = true
	s.mu.Unlock()
	s.mergeVerdict(domain.VerdictError)
	s.LogAndMessage(slog.LevelError, fmt.Sprintf("Exception: %v", err), -1)
	s.SetFinished(domain.StageErrored, -1)
}

// Wait blocks until the stage body has returned or ctx is done
func (s *Stage) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestStop asks the running task tree to unwind. A stage that is
// running is marked Cancelled immediately.
func (s *Stage) RequestStop() {
	s.mu.Lock()
	s.stopRequested = true
	cancel := s.cancel
	if s.hasStarted && !s.hasFinished && s.status < domain.StageCancelled {
		s.status = domain.StageCancelled
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.logger.Info("stop requested")
}

// SetStarted marks the stage as running
func (s *Stage) SetStarted() {
	now := time.Now().UTC()
	s.mu.Lock()
	s.started = &now
	if s.status < domain.StageCancelled {
		s.status = domain.StageRunning
	}
	s.mu.Unlock()
	s.LogAndMessage(slog.LevelInfo, "Started", -1)
}

// SetFinished records the end of the stage. The status is only replaced
// while it is below Cancelled, so a cancellation or error is never turned
// back into Finished.
func (s *Stage) SetFinished(status domain.StageStatus, percent int) {
	now := time.Now().UTC()
	s.mu.Lock()
	s.finished = &now
	if s.status < domain.StageCancelled {
		s.status = status
	}
	msg := fmt.Sprintf("Finished (status: %s, verdict: %s)", s.status, s.verdict)
	s.mu.Unlock()
	s.LogAndMessage(slog.LevelInfo, msg, percent)
}

func (s *Stage) setStatus(status domain.StageStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status < domain.StageCancelled {
		s.status = status
	}
}

func (s *Stage) mergeVerdict(v domain.Verdict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdict = domain.MaxVerdict(s.verdict, v)
}

// Status returns the current stage status
func (s *Stage) Status() domain.StageStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Verdict returns the stage verdict
func (s *Stage) Verdict() domain.Verdict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verdict
}

// HasStarted reports whether Start was called
func (s *Stage) HasStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasStarted
}

// HasFailed reports whether the body raised an error or panicked
func (s *Stage) HasFailed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasFailed
}

// Finished reports whether the body has returned
func (s *Stage) Finished() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasFinished
}

// Created returns the creation time
func (s *Stage) Created() time.Time { return s.created }

// Started returns when the stage started, if it did
func (s *Stage) Started() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// FinishedAt returns when the stage finished, if it did
func (s *Stage) FinishedAt() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finished
}

// Duration returns how long the stage has been running
func (s *Stage) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.started == nil {
		return 0
	}
	if s.finished != nil {
		return s.finished.Sub(*s.started)
	}
	return time.Since(*s.started)
}

// PerCent returns the progress of the stage
func (s *Stage) PerCent() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.percent
}

// Messages returns a copy of the message log
func (s *Stage) Messages() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.messages...)
}

// LastMessage returns the newest message
func (s *Stage) LastMessage() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return ""
	}
	return s.messages[len(s.messages)-1]
}

// GeneratedFiles returns the files produced by the stage's tasks
func (s *Stage) GeneratedFiles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.files...)
}

// AddMessage appends "[<percent>%] msg" to the message log. A negative
// percent keeps the current value.
func (s *Stage) AddMessage(msg string, percent int) {
	s.mu.Lock()
	if percent >= 0 {
		s.percent = percent
	}
	line := fmt.Sprintf("[%d%%] %s", s.percent, msg)
	s.messages = append(s.messages, line)
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		observer(s, line)
	}
}

// LogAndMessage logs msg and adds it to the message log
func (s *Stage) LogAndMessage(level slog.Level, msg string, percent int) {
	s.logger.Log(context.Background(), level, msg)
	s.AddMessage(msg, percent)
}

// task.Host

func (s *Stage) ExecutionID() domain.ExecutionID { return s.id }

func (s *Stage) TempDir() string {
	if s.run == nil {
		return ""
	}
	return s.run.TempDir()
}

func (s *Stage) Descriptor() *domain.ExperimentDescriptor {
	if s.run == nil {
		return nil
	}
	return s.run.Descriptor()
}

func (s *Stage) Vault() *task.Vault { return s.run.Vault() }

func (s *Stage) Logger() *slog.Logger { return s.logger }

func (s *Stage) Services() *task.Services { return s.opts.Services }

func (s *Stage) AddGeneratedFile(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, path)
}

func (s *Stage) AddMilestone(name string) { s.run.AddMilestone(name) }

func (s *Stage) ReadMilestone(name string) bool { return s.run.ReadMilestone(name) }

func (s *Stage) PreviousTaskLog() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.previous
}

func (s *Stage) SetPreviousTaskLog(lines []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previous = lines
}

func (s *Stage) RemoteID() (domain.ExecutionID, bool) { return s.run.RemoteID() }

func (s *Stage) SetRemote(api task.RemoteAPI, id domain.ExecutionID) { s.run.SetRemote(api, id) }
