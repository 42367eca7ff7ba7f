package task

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
)

type testHost struct {
	id         domain.ExecutionID
	tempDir    string
	descriptor *domain.ExperimentDescriptor
	vault      *Vault
	services   *Services
	logger     *slog.Logger

	mu         sync.Mutex
	messages   []string
	files      []string
	milestones []string
	previous   []string
	remote     RemoteAPI
	remoteID   *domain.ExecutionID
}

func newTestHost() *testHost {
	return &testHost{
		id:         7,
		tempDir:    "/tmp/exec7",
		descriptor: &domain.ExperimentDescriptor{Name: "test"},
		vault:      NewVault(),
		services:   &Services{VerdictOnError: "Error", MilestonePoll: 5 * time.Millisecond},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (h *testHost) ExecutionID() domain.ExecutionID { return h.id }
func (h *testHost) TempDir() string { return h.tempDir }
func (h *testHost) Descriptor() *domain.ExperimentDescriptor { return h.descriptor }
func (h *testHost) Vault() *Vault { return h.vault }
func (h *testHost) Logger() *slog.Logger { return h.logger }
func (h *testHost) Services() *Services { return h.services }

func (h *testHost) AddMessage(msg string, percent int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *testHost) AddGeneratedFile(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files = append(h.files, path)
}

func (h *testHost) AddMilestone(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.milestones = append(h.milestones, name)
}

func (h *testHost) ReadMilestone(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Contains(h.milestones, name)
}

func (h *testHost) PreviousTaskLog() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.previous
}

func (h *testHost) SetPreviousTaskLog(lines []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.previous = lines
}

func (h *testHost) RemoteID() (domain.ExecutionID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.remoteID == nil {
		return 0, false
	}
	return *h.remoteID, true
}

func (h *testHost) SetRemote(api RemoteAPI, id domain.ExecutionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remote = api
	h.remoteID = &id
}

// testRegistry returns the built-ins plus helper tasks used by the tests
func testRegistry() *Registry {
	r := DefaultRegistry()
	r.Register("Test.Verdict", Rules{"Verdict": Required()}, func(_ context.Context, t *Task) error {
		v, _ := t.VerdictFromName(t.Params.String("Verdict"))
		t.Verdict = v
		if key := t.Params.String("Publish"); key != "" {
			t.Publish(key, t.Params["Value"])
		}
		return nil
	})
	r.Register("Test.Panic", nil, func(context.Context, *Task) error {
		panic("boom")
	})
	r.Register("Test.Fail", nil, func(context.Context, *Task) error {
		return io.ErrUnexpectedEOF
	})
	return r
}
