// Package schedule submits experiment descriptors on cron schedules.
package schedule

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
)

// Submitter admits a descriptor to the execution queue. Active reports
// whether a previously submitted execution is still live.
type Submitter interface {
	Submit(d *domain.ExperimentDescriptor) (domain.ExecutionID, error)
	Active(id domain.ExecutionID) bool
}

// LoadFunc reads a descriptor file
type LoadFunc func(path string) (*domain.ExperimentDescriptor, error)

// Scheduler manages scheduled experiment submissions
type Scheduler struct {
	entries map[string]Entry
	parser  cron.Parser
	cron    *cron.Cron
	load    LoadFunc
	submit  Submitter
	logger  *slog.Logger

	mu      sync.RWMutex
	lastRun map[string]time.Time
	lastID  map[string]domain.ExecutionID
}

// NewScheduler creates a scheduler for the given entries
func NewScheduler(entries []Entry, submit Submitter, load LoadFunc, logger *slog.Logger) (*Scheduler, error) {
	if load == nil {
		load = domain.LoadDescriptor
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		entries: make(map[string]Entry),
		parser:  newParser(),
		load:    load,
		submit:  submit,
		logger:  logger.With("component", "schedule"),
		lastRun: make(map[string]time.Time),
		lastID:  make(map[string]domain.ExecutionID),
	}
	s.cron = cron.New(cron.WithParser(s.parser), cron.WithChain(cron.Recover(cronLogger{s.logger})))

	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		s.entries[e.Name] = e
		sched, err := s.parser.Parse(e.Cron)
		if err != nil {
			return nil, err
		}
		name := e.Name
		s.cron.Schedule(sched, cron.FuncJob(func() { s.Trigger(name) }))
	}

	return s, nil
}

func newParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// ParseCron parses a cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	return newParser().Parse(expr)
}

// NextRun returns the next scheduled submission time of an entry
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[name]
	if !ok {
		return time.Time{}
	}
	sched, err := s.parser.Parse(e.Cron)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(time.Now())
}

// LastRun returns when an entry last submitted an execution and its id
func (s *Scheduler) LastRun(name string) (time.Time, domain.ExecutionID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.lastRun[name]
	return at, s.lastID[name], ok
}

// Names returns all entry names, sorted
func (s *Scheduler) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Trigger loads the entry's descriptor and submits it. An entry with
// SkipIfRunning set is skipped while its previous execution is still live.
func (s *Scheduler) Trigger(name string) {
	s.mu.RLock()
	e, ok := s.entries[name]
	prev, ran := s.lastID[name]
	s.mu.RUnlock()
	if !ok {
		return
	}
	logger := s.logger.With("schedule", name)

	if e.SkipIfRunning && ran && s.submit.Active(prev) {
		logger.Info("previous execution still running, skipping", "execution", int64(prev))
		return
	}

	d, err := s.load(e.Descriptor)
	if err != nil {
		logger.Error("could not load descriptor", "path", e.Descriptor, "error", err)
		return
	}
	id, err := s.submit.Submit(d)
	if err != nil {
		logger.Error("scheduled submission failed", "error", err)
		return
	}
	logger.Info("scheduled execution submitted", "execution", int64(id))

	s.mu.Lock()
	s.lastRun[name] = time.Now()
	s.lastID[name] = id
	s.mu.Unlock()
}

// Start runs the cron loop in its own goroutine
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running submissions
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
