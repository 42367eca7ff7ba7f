package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/testbed-orchestrator/internal/composer"
	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
	"github.com/hochfrequenz/testbed-orchestrator/internal/experiment"
	"github.com/hochfrequenz/testbed-orchestrator/internal/facility"
	"github.com/hochfrequenz/testbed-orchestrator/internal/runstore"
	"github.com/hochfrequenz/testbed-orchestrator/internal/task"
)

type mapCatalog map[facility.Kind]map[string]*facility.Definition

func (c mapCatalog) Definition(kind facility.Kind, name string) (*facility.Definition, bool) {
	def, ok := c[kind][name]
	return def, ok
}

const holdYAML = `Name: hold
Requirements: [gnb1]
Actions:
  - Task: Run.Message
    Config: {Message: holding, Verdict: Pass}
`

const waitYAML = `Name: wait
Actions:
  - Task: Run.WaitForMilestone
    Config: {Milestone: never}
`

func definition(t *testing.T, kind facility.Kind, src string) *facility.Definition {
	t.Helper()
	var def facility.Definition
	if err := yaml.Unmarshal([]byte(src), &def); err != nil {
		t.Fatal(err)
	}
	def.Kind = kind
	def.Raw = []byte(src)
	return &def
}

type recordingObserver struct {
	mu     sync.Mutex
	ended  []string
	sizes  []int
	panics bool
}

func (o *recordingObserver) QueueSize(live int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sizes = append(o.sizes, live)
}

func (o *recordingObserver) ExecutionEnded(status domain.CoarseStatus, verdict domain.Verdict) {
	o.mu.Lock()
	o.ended = append(o.ended, status.String()+"/"+verdict.String())
	o.mu.Unlock()
	if o.panics {
		panic("observer failure")
	}
}

func (o *recordingObserver) UpdateDuration(time.Duration) {}

type harness struct {
	queue    *Queue
	store    *runstore.Store
	registry *facility.Registry
	observer *recordingObserver
	dir      string

	mu     sync.Mutex
	events []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	store, err := runstore.New(filepath.Join(dir, "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	registry := facility.NewRegistry(logger)
	if err := registry.Replace([]*facility.Resource{{ID: "gnb1", Name: "gNodeB"}}); err != nil {
		t.Fatal(err)
	}

	h := &harness{store: store, registry: registry, observer: &recordingObserver{}, dir: dir}
	catalog := mapCatalog{facility.KindTestCase: {
		"hold": definition(t, facility.KindTestCase, holdYAML),
		"wait": definition(t, facility.KindTestCase, waitYAML),
	}}
	h.queue = New(context.Background(), Options{
		Catalog: catalog,
		Store:   store,
		Deps: experiment.Dependencies{
			Tasks: task.DefaultRegistry(),
			Services: &task.Services{
				Resources:      registry,
				VerdictOnError: "Error",
				MilestonePoll:  5 * time.Millisecond,
			},
			Logger:            logger,
			OnEvent:           h.record,
			ResultsDir:        filepath.Join(dir, "results"),
			TempRoot:          t.TempDir(),
			AvailabilityRetry: 5 * time.Millisecond,
		},
		ExecutionsDir: filepath.Join(dir, "executions"),
		PollInterval:  10 * time.Millisecond,
		Observer:      h.observer,
	})
	return h
}

func (h *harness) record(e experiment.Event) {
	if e.Kind != experiment.EventStatus {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, fmt.Sprintf("%s#%d", e.CoarseStatus, e.ExecutionID))
}

func (h *harness) create(t *testing.T, testCase string) *experiment.Run {
	t.Helper()
	r, err := h.queue.Create(&domain.ExperimentDescriptor{Name: testCase, TestCases: []string{testCase}})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func (h *harness) updateUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		h.queue.UpdateAll()
		time.Sleep(2 * time.Millisecond)
	}
}

func TestCreate(t *testing.T) {
	h := newHarness(t)
	first := h.create(t, "hold")
	second := h.create(t, "wait")

	if first.ID() != 1 || second.ID() != 2 {
		t.Fatalf("ids = %d, %d, want 1, 2", first.ID(), second.ID())
	}
	var ids []domain.ExecutionID
	for _, r := range h.queue.Retrieve() {
		ids = append(ids, r.ID())
	}
	if diff := cmp.Diff([]domain.ExecutionID{2, 1}, ids); diff != "" {
		t.Errorf("Retrieve() order mismatch (-want +got):\n%s", diff)
	}
	if got, ok := h.queue.Find(1); !ok || got != first {
		t.Error("Find(1) did not return the first run")
	}

	data, err := os.ReadFile(filepath.Join(h.dir, "executions", "1_testcase_hold.yml"))
	if err != nil {
		t.Fatalf("definition snapshot: %v", err)
	}
	if string(data) != holdYAML {
		t.Errorf("snapshot = %q", data)
	}

	if _, err := h.queue.Create(&domain.ExperimentDescriptor{TestCases: []string{"missing"}}); !errors.Is(err, composer.ErrUnknownDefinition) {
		t.Errorf("Create(missing) error = %v, want ErrUnknownDefinition", err)
	}
	if h.queue.Len() != 2 {
		t.Errorf("Len() = %d, want 2", h.queue.Len())
	}
	if got := len(h.queue.Retrieve(domain.CoarseInit)); got != 2 {
		t.Errorf("Retrieve(Init) = %d runs, want 2", got)
	}
}

func TestUpdateAll_OldestFirst(t *testing.T) {
	h := newHarness(t)
	h.create(t, "wait")
	h.create(t, "wait")
	h.create(t, "wait")

	h.queue.UpdateAll()

	h.mu.Lock()
	defer h.mu.Unlock()
	want := []string{"PreRun#1", "PreRun#2", "PreRun#3"}
	if diff := cmp.Diff(want, h.events); diff != "" {
		t.Errorf("advance order mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateAll_EvictsEndedRuns(t *testing.T) {
	h := newHarness(t)
	h.create(t, "hold")
	h.create(t, "hold")

	h.updateUntil(t, func() bool { return h.queue.Len() == 0 })

	for _, id := range []domain.ExecutionID{1, 2} {
		rec, err := experiment.LoadRecord(h.store, id)
		if err != nil {
			t.Fatalf("LoadRecord(%d): %v", id, err)
		}
		if rec.CoarseStatus != "Finished" || rec.Verdict != "Pass" {
			t.Errorf("execution %d: status %s verdict %s", id, rec.CoarseStatus, rec.Verdict)
		}
	}
	h.observer.mu.Lock()
	defer h.observer.mu.Unlock()
	if diff := cmp.Diff([]string{"Finished/Pass", "Finished/Pass"}, h.observer.ended); diff != "" {
		t.Errorf("ended mismatch (-want +got):\n%s", diff)
	}
	if len(h.registry.Busy()) != 0 {
		t.Errorf("Busy() = %v", h.registry.Busy())
	}
}

func TestUpdateAll_PanicDoesNotStallOthers(t *testing.T) {
	h := newHarness(t)
	h.observer.panics = true
	h.create(t, "hold")
	h.create(t, "hold")

	h.updateUntil(t, func() bool { return h.queue.Len() == 0 })
}

func TestCancelAndDelete(t *testing.T) {
	h := newHarness(t)
	if err := h.queue.Cancel(42); !errors.Is(err, ErrNotFound) {
		t.Errorf("Cancel(42) error = %v, want ErrNotFound", err)
	}
	if err := h.queue.Delete(42); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(42) error = %v, want ErrNotFound", err)
	}

	r := h.create(t, "wait")
	h.updateUntil(t, func() bool { return r.CoarseStatus() == domain.CoarseRun })

	if err := h.queue.Delete(r.ID()); !errors.Is(err, ErrActive) {
		t.Errorf("Delete(active) error = %v, want ErrActive", err)
	}
	if err := h.queue.Cancel(r.ID()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !r.Finalized() {
		if time.Now().After(deadline) {
			t.Fatal("cancelled run was not finalized")
		}
		r.Advance()
		time.Sleep(2 * time.Millisecond)
	}
	if err := h.queue.Delete(r.ID()); err != nil {
		t.Fatalf("Delete(ended) error = %v", err)
	}
	if h.queue.Len() != 0 {
		t.Errorf("Len() = %d, want 0", h.queue.Len())
	}

	rec, err := h.store.LoadExecution(r.ID())
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Cancelled || rec.CoarseStatus != "Cancelled" {
		t.Errorf("record = %+v", rec)
	}
}

func TestShutdown(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, "wait")
	h.create(t, "wait")
	h.updateUntil(t, func() bool { return r.CoarseStatus() == domain.CoarseRun })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.queue.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if h.queue.Len() != 0 {
		t.Errorf("Len() = %d after Shutdown", h.queue.Len())
	}
	for _, id := range []domain.ExecutionID{1, 2} {
		rec, err := h.store.LoadExecution(id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.CoarseStatus != "Cancelled" {
			t.Errorf("execution %d status = %s, want Cancelled", id, rec.CoarseStatus)
		}
	}
}

func TestRun_StopsWithContext(t *testing.T) {
	h := newHarness(t)
	h.create(t, "hold")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.queue.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for h.queue.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v", err)
	}
	if h.queue.Len() != 0 {
		t.Errorf("Len() = %d, want 0", h.queue.Len())
	}
}

func TestSafeName(t *testing.T) {
	if got := SafeName("lab/ping"); got != "lab_ping" {
		t.Errorf("SafeName() = %q", got)
	}
}
