// Package queue holds the live experiment runs and advances them on a
// timer, oldest first.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/testbed-orchestrator/internal/composer"
	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
	"github.com/hochfrequenz/testbed-orchestrator/internal/experiment"
)

var (
	// ErrNotFound is returned for ids that are not in the live queue
	ErrNotFound = errors.New("execution not found")
	// ErrActive is returned when deleting a run that has not ended
	ErrActive = errors.New("execution still active")
)

const defaultPollInterval = time.Second

// Store allocates execution ids and persists runs
type Store interface {
	experiment.Store
	NextID() (domain.ExecutionID, error)
}

// Observer receives queue events (metrics)
type Observer interface {
	QueueSize(live int)
	ExecutionEnded(status domain.CoarseStatus, verdict domain.Verdict)
	UpdateDuration(d time.Duration)
}

// Options configure a Queue. Observer is optional.
type Options struct {
	Catalog       composer.Catalog
	Store         Store
	Deps          experiment.Dependencies
	ExecutionsDir string
	PollInterval  time.Duration
	Observer      Observer
}

// Queue is the collection of live runs. Create, Delete and UpdateAll may be
// called from different goroutines.
type Queue struct {
	opts   Options
	logger *slog.Logger
	ctx    context.Context

	mu         sync.RWMutex
	runs       []*experiment.Run // newest first
	lastStatus map[domain.ExecutionID]string
}

// New creates an empty queue. ctx bounds every run it creates.
func New(ctx context.Context, opts Options) *Queue {
	if opts.Deps.Logger == nil {
		opts.Deps.Logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Queue{
		opts:       opts,
		logger:     opts.Deps.Logger.With("component", "queue"),
		ctx:        ctx,
		lastStatus: make(map[domain.ExecutionID]string),
	}
}

// Create composes a descriptor, snapshots the definitions it references and
// admits the new run to the queue
func (q *Queue) Create(d *domain.ExperimentDescriptor) (*experiment.Run, error) {
	cfg, err := composer.Compose(d, q.opts.Catalog, q.opts.Deps.Tasks)
	if err != nil {
		return nil, fmt.Errorf("compose %s: %w", d.Identifier(), err)
	}

	id, err := q.opts.Store.NextID()
	if err != nil {
		return nil, fmt.Errorf("allocate execution id: %w", err)
	}

	if err := q.snapshot(id, cfg.References); err != nil {
		q.logger.Warn("could not write definition snapshot", "execution", int64(id), "error", err)
	}

	run, err := experiment.New(q.ctx, id, d, cfg, q.opts.Deps)
	if err != nil {
		return nil, err
	}
	if err := run.Save(q.opts.Store); err != nil {
		q.logger.Warn("could not save new execution", "execution", int64(id), "error", err)
	}

	q.mu.Lock()
	q.runs = slices.Insert(q.runs, 0, run)
	live := len(q.runs)
	q.mu.Unlock()

	q.logger.Info("execution created", "execution", int64(id), "name", d.Identifier(),
		"requirements", cfg.Requirements, "exclusive", cfg.Exclusive)
	q.observeSize(live)
	return run, nil
}

// snapshot copies the raw definitions used by an execution so later edits
// of the facility do not change what the execution ran
func (q *Queue) snapshot(id domain.ExecutionID, refs []composer.Reference) error {
	if q.opts.ExecutionsDir == "" || len(refs) == 0 {
		return nil
	}
	if err := os.MkdirAll(q.opts.ExecutionsDir, 0o755); err != nil {
		return err
	}
	for _, ref := range refs {
		def, ok := q.opts.Catalog.Definition(ref.Kind, ref.Name)
		if !ok {
			continue
		}
		name := fmt.Sprintf("%d_%s_%s.yml", id, ref.Kind, SafeName(ref.Name))
		if err := os.WriteFile(filepath.Join(q.opts.ExecutionsDir, name), def.Raw, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// SafeName replaces path separators in definition names used as file names
func SafeName(name string) string {
	out := []rune(name)
	for i, r := range out {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			out[i] = '_'
		}
	}
	return string(out)
}

// Find returns the live run with the given id
func (q *Queue) Find(id domain.ExecutionID) (*experiment.Run, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, r := range q.runs {
		if r.ID() == id {
			return r, true
		}
	}
	return nil, false
}

// Cancel cancels a live run
func (q *Queue) Cancel(id domain.ExecutionID) error {
	r, ok := q.Find(id)
	if !ok {
		return fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	r.Cancel()
	return nil
}

// Delete saves an ended run and removes it from the queue
func (q *Queue) Delete(id domain.ExecutionID) error {
	r, ok := q.Find(id)
	if !ok {
		return fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	if r.Active() {
		return fmt.Errorf("execution %d: %w", id, ErrActive)
	}
	if err := r.Save(q.opts.Store); err != nil {
		return err
	}
	q.remove(id)
	return nil
}

func (q *Queue) remove(id domain.ExecutionID) {
	q.mu.Lock()
	q.runs = slices.DeleteFunc(q.runs, func(r *experiment.Run) bool { return r.ID() == id })
	delete(q.lastStatus, id)
	live := len(q.runs)
	q.mu.Unlock()
	q.observeSize(live)
}

// Retrieve returns the live runs, newest first. With statuses given only
// runs in one of them are returned.
func (q *Queue) Retrieve(statuses ...domain.CoarseStatus) []*experiment.Run {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*experiment.Run, 0, len(q.runs))
	for _, r := range q.runs {
		if len(statuses) == 0 || slices.Contains(statuses, r.CoarseStatus()) {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of live runs
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.runs)
}

// UpdateAll advances every run, oldest first, since resource admission also
// favors older requesters. Runs that have ended and finished their end-of-run
// handling are saved and evicted. A panic in one run is logged and does not
// stop the others.
func (q *Queue) UpdateAll() {
	start := time.Now()
	runs := q.Retrieve()
	for i := len(runs) - 1; i >= 0; i-- {
		q.update(runs[i])
	}
	if q.opts.Observer != nil {
		q.opts.Observer.UpdateDuration(time.Since(start))
	}
}

func (q *Queue) update(r *experiment.Run) {
	defer func() {
		if p := recover(); p != nil {
			q.logger.Error("exception while updating execution", "execution", int64(r.ID()), "panic", p)
		}
	}()

	r.Advance()

	status := r.Status()
	q.mu.Lock()
	changed := q.lastStatus[r.ID()] != status
	q.lastStatus[r.ID()] = status
	q.mu.Unlock()

	if r.Active() || !r.Finalized() {
		if changed {
			if err := r.Save(q.opts.Store); err != nil {
				q.logger.Warn("could not save execution", "execution", int64(r.ID()), "error", err)
			}
		}
		return
	}

	if err := r.Save(q.opts.Store); err != nil {
		q.logger.Error("could not save ended execution", "execution", int64(r.ID()), "error", err)
	}
	q.remove(r.ID())
	q.logger.Info("execution left the queue", "execution", int64(r.ID()),
		"status", r.CoarseStatus().String(), "verdict", r.Verdict().String())
	if q.opts.Observer != nil {
		q.opts.Observer.ExecutionEnded(r.CoarseStatus(), r.Verdict())
	}
}

// Run calls UpdateAll every poll interval until ctx is done
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	q.logger.Info("queue started", "poll_interval", q.opts.PollInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			q.UpdateAll()
		}
	}
}

// Shutdown cancels every active run and keeps advancing the runs until all
// of them are finalized and saved, or ctx expires
func (q *Queue) Shutdown(ctx context.Context) error {
	runs := q.Retrieve()
	q.logger.Info("shutting down queue", "live", len(runs))

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runs {
		if r.Active() {
			r.Cancel()
		}
		g.Go(func() error {
			ticker := time.NewTicker(max(q.opts.PollInterval/10, time.Millisecond))
			defer ticker.Stop()
			for {
				q.update(r)
				if _, live := q.Find(r.ID()); !live {
					return nil
				}
				select {
				case <-gctx.Done():
					return fmt.Errorf("execution %d: %w", r.ID(), gctx.Err())
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

func (q *Queue) observeSize(live int) {
	if q.opts.Observer != nil {
		q.opts.Observer.QueueSize(live)
	}
}
