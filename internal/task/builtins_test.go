package task

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/testbed-orchestrator/internal/archive"
	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
	"github.com/hochfrequenz/testbed-orchestrator/internal/notify"
)

func TestPublish(t *testing.T) {
	host := newTestHost()
	tk, err := runTask(t, host, RunPublish, map[string]any{"Url": "http://@[Missing:svc]", "Port": 80, ConditionParam: true})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]any{"Url": "http://svc", "Port": 80}, tk.Vault.Snapshot()); diff != "" {
		t.Errorf("published mismatch (-want +got):\n%s", diff)
	}
}

func TestPublishFromPreviousTaskLog(t *testing.T) {
	tests := []struct {
		name        string
		lines       []string
		wantVerdict domain.Verdict
		wantVault   map[string]any
	}{
		{
			name:        "match",
			lines:       []string{"starting", "rtt: 12 ms loss: 0", "done"},
			wantVerdict: domain.VerdictPass,
			wantVault:   map[string]any{"Rtt": "12", "Loss": "0"},
		},
		{
			name:        "anchored at line start",
			lines:       []string{"avg rtt: 12 ms loss: 0"},
			wantVerdict: domain.VerdictFail,
			wantVault:   map[string]any{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := newTestHost()
			host.previous = tt.lines
			tk, err := runTask(t, host, RunPublishFromPreviousTaskLog, map[string]any{
				"Pattern":          `rtt: (\d+) ms loss: (\d+)`,
				"Keys":             []any{[]any{1, "Rtt"}, []any{2, "Loss"}},
				"VerdictOnMatch":   "Pass",
				"VerdictOnNoMatch": "Fail",
			})
			if err != nil {
				t.Fatal(err)
			}
			if tk.Verdict != tt.wantVerdict {
				t.Errorf("Verdict = %v, want %v", tk.Verdict, tt.wantVerdict)
			}
			if diff := cmp.Diff(tt.wantVault, tk.Vault.Snapshot()); diff != "" {
				t.Errorf("vault mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPublishFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iperf.log")
	if err := os.WriteFile(path, []byte("header\nbandwidth=940\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	host := newTestHost()
	tk, err := runTask(t, host, RunPublishFromFile, map[string]any{
		"Path":    path,
		"Pattern": `bandwidth=(\d+)`,
		"Keys":    []any{[]any{1, "Bandwidth"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := tk.Vault.Get("Bandwidth"); v != "940" {
		t.Errorf("Bandwidth = %v, want 940", v)
	}

	tk, err = runTask(t, host, RunPublishFromFile, map[string]any{"Path": path + ".missing", "Pattern": "x"})
	if err == nil {
		t.Error("missing file: Start() error = nil")
	}
	if tk.Verdict != domain.VerdictError {
		t.Errorf("missing file: Verdict = %v, want Error", tk.Verdict)
	}

	tk, err = runTask(t, host, RunPublishFromFile, map[string]any{"Path": path, "Pattern": "(", "Keys": []any{}})
	if err == nil || tk.Verdict != domain.VerdictError {
		t.Errorf("bad pattern: err = %v, Verdict = %v", err, tk.Verdict)
	}
}

func TestStopTask(t *testing.T) {
	host := newTestHost()
	if _, err := runTask(t, host, RunStopTask, map[string]any{"Name": "capture"}); err != nil {
		t.Fatal(err)
	}
	if !host.ReadMilestone(StopMilestone("capture")) {
		t.Error("stop milestone not recorded")
	}
}

func TestWaitForMilestone_Timeout(t *testing.T) {
	host := newTestHost()
	tk, err := runTask(t, host, RunWaitForMilestone, map[string]any{"Milestone": "never", "Timeout": 0.02, "Interval": 0.005})
	if err != nil {
		t.Fatalf("Start() error = %v, want timeout to be non-fatal", err)
	}
	if tk.Verdict != domain.VerdictError {
		t.Errorf("Verdict = %v, want Error", tk.Verdict)
	}
}

func TestCompressFiles(t *testing.T) {
	dir := t.TempDir()
	logs := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logs, 0o755); err != nil {
		t.Fatal(err)
	}
	for path, content := range map[string]string{
		filepath.Join(dir, "report.txt"): "ok",
		filepath.Join(logs, "ue.log"):    "attach",
	} {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	output := filepath.Join(dir, "out.zip")

	host := newTestHost()
	tk, err := runTask(t, host, RunCompressFiles, map[string]any{
		"Files":   []any{filepath.Join(dir, "report.txt"), filepath.Join(dir, "absent.txt")},
		"Folders": []any{logs},
		"Output":  output,
		"Flat":    true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if tk.Verdict != domain.VerdictNotSet {
		t.Errorf("Verdict = %v, want NotSet", tk.Verdict)
	}
	names, err := archive.List(output)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"report.txt", "ue.log"}, names); diff != "" {
		t.Errorf("archive entries mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{output}, host.files); diff != "" {
		t.Errorf("generated files mismatch (-want +got):\n%s", diff)
	}
}

func TestCliExecute(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	host := newTestHost()
	tk, err := runTask(t, host, RunCliExecute, map[string]any{"Parameters": "echo throughput 42"})
	if err != nil {
		t.Fatal(err)
	}
	if tk.Verdict != domain.VerdictNotSet {
		t.Errorf("Verdict = %v, want NotSet", tk.Verdict)
	}
	if !strings.Contains(strings.Join(tk.LogMessages(), "\n"), "throughput 42") {
		t.Errorf("command output not logged: %v", tk.LogMessages())
	}

	tk, err = runTask(t, host, RunCliExecute, map[string]any{"Parameters": "sh -c exit-with-error-please"})
	if err != nil {
		t.Fatal(err)
	}
	if tk.Verdict != domain.VerdictError {
		t.Errorf("failing command: Verdict = %v, want Error", tk.Verdict)
	}
}

func TestSendNotification(t *testing.T) {
	host := newTestHost()
	rec := &recordingNotifier{}
	host.services.Notifier = rec

	if _, err := runTask(t, host, RunNotify, map[string]any{"Message": "all good", "Type": "success"}); err != nil {
		t.Fatal(err)
	}
	want := []notify.Notification{{Title: "Execution 7", Message: "all good", Type: notify.NotifySuccess, ExecutionID: 7}}
	if diff := cmp.Diff(want, rec.sent); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}
}

type recordingNotifier struct {
	sent []notify.Notification
}

func (r *recordingNotifier) Send(n notify.Notification) error {
	r.sent = append(r.sent, n)
	return nil
}

type memoryStore struct {
	mu       sync.Mutex
	payloads []*domain.Payload
	last     []time.Time
	onSend   func()
}

func (m *memoryStore) Send(_ context.Context, p *domain.Payload) error {
	m.mu.Lock()
	m.payloads = append(m.payloads, p)
	onSend := m.onSend
	m.mu.Unlock()
	if onSend != nil {
		onSend()
	}
	return nil
}

func (m *memoryStore) Measurements(context.Context, domain.ExecutionID) ([]string, error) {
	return nil, nil
}

func (m *memoryStore) Values(context.Context, domain.ExecutionID, string) (*domain.Payload, error) {
	return nil, nil
}

func (m *memoryStore) Results(context.Context, domain.ExecutionID) ([]*domain.Payload, error) {
	return nil, nil
}

// LastSample replays the configured times, then reports no samples
func (m *memoryStore) LastSample(context.Context, domain.ExecutionID, string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.last) == 0 {
		return time.Time{}, false, nil
	}
	ts := m.last[0]
	m.last = m.last[1:]
	return ts, true, nil
}

func (m *memoryStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payloads)
}

func websocketServer(t *testing.T, samples []string, closeAfter bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, s := range samples {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(s)); err != nil {
				return
			}
		}
		if closeAfter {
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketToStore_SourceCloses(t *testing.T) {
	srv := websocketServer(t, []string{
		`{"ts": 1700000000, "rsrp": -90, "cell": {"id": "12"}}`,
		`not json`,
		`{"ts": 1700000001, "rsrp": -91}`,
	}, true)

	host := newTestHost()
	store := &memoryStore{}
	host.services.Telemetry = store

	tk, err := runTask(t, host, RunWebSocketToStore, map[string]any{
		"URL":          wsURL(srv),
		"Measurement":  "ue radio",
		"TimestampKey": "ts",
	})
	if err != nil {
		t.Fatal(err)
	}
	if tk.Verdict != domain.VerdictNotSet {
		t.Errorf("Verdict = %v, want NotSet", tk.Verdict)
	}
	if store.count() != 2 {
		t.Fatalf("stored %d samples, want 2", store.count())
	}
	first := store.payloads[0]
	if first.Measurement != "ue_radio" {
		t.Errorf("Measurement = %q, want ue_radio", first.Measurement)
	}
	if first.Tags["ExecutionId"] != "7" {
		t.Errorf("tags = %v", first.Tags)
	}
	want := map[string]any{"rsrp": float64(-90), "cell.id": float64(12)}
	if diff := cmp.Diff(want, first.Points[0].Fields); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}
	if !first.Points[0].Time.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("time = %v", first.Points[0].Time)
	}
}

func TestWebSocketToStore_StopMilestone(t *testing.T) {
	srv := websocketServer(t, []string{`{"v": 1}`}, false)

	host := newTestHost()
	store := &memoryStore{}
	store.onSend = func() { host.AddMilestone(StopMilestone("capture")) }
	host.services.Telemetry = store

	done := make(chan error, 1)
	go func() {
		_, err := runTask(t, host, RunWebSocketToStore, map[string]any{
			"URL":         wsURL(srv),
			"Measurement": "m",
			"StopName":    "capture",
		})
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not stop")
	}
	if store.count() != 1 {
		t.Errorf("stored %d samples, want 1", store.count())
	}
}

func TestCloseSource_LogsWriteError(t *testing.T) {
	srv := websocketServer(t, nil, false)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()

	tk, err := testRegistry().New(domain.TaskDefinition{Task: RunWebSocketToStore, Params: map[string]any{"URL": wsURL(srv), "Measurement": "m"}}, newTestHost(), nil)
	if err != nil {
		t.Fatal(err)
	}
	closeSource(tk, conn)

	logged := tk.LogMessages()
	if len(logged) != 1 || !strings.HasPrefix(logged[0], "Could not send close frame") {
		t.Errorf("LogMessages() = %q, want the close failure", logged)
	}
}

func TestWebSocketToStore_Unreachable(t *testing.T) {
	host := newTestHost()
	host.services.Telemetry = &memoryStore{}
	tk, err := runTask(t, host, RunWebSocketToStore, map[string]any{"URL": "ws://127.0.0.1:1/none", "Measurement": "m"})
	if err != nil {
		t.Fatal(err)
	}
	if tk.Verdict != domain.VerdictError {
		t.Errorf("Verdict = %v, want Error", tk.Verdict)
	}
}

func TestWaitForTelemetry(t *testing.T) {
	host := newTestHost()
	now := time.Now()
	store := &memoryStore{last: []time.Time{now, now, now.Add(-time.Hour)}}
	host.services.Telemetry = store

	tk, err := runTask(t, host, RunWaitForTelemetry, map[string]any{
		"Measurement":   "m",
		"CheckInterval": 0.005,
		"TimeWindow":    60,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(store.last) != 0 {
		t.Errorf("stopped early, %d samples left", len(store.last))
	}
	if got := fmt.Sprint(tk.Verdict); got != domain.VerdictNotSet.String() {
		t.Errorf("Verdict = %s", got)
	}
}
