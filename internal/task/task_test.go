package task

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
)

func TestTaskStart_Defaults(t *testing.T) {
	host := newTestHost()
	r := testRegistry()

	tk, err := r.New(domain.TaskDefinition{Task: RunDelay, Params: map[string]any{"Time": 0}}, host, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := tk.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if tk.Label != RunDelay {
		t.Errorf("Label = %q, want task name", tk.Label)
	}

	tk, _ = r.New(domain.TaskDefinition{Task: RunMessage, Params: map[string]any{"Message": "hi"}}, host, nil)
	if err := tk.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tk.Params["Severity"] != "INFO" {
		t.Errorf("Severity = %v, want default INFO", tk.Params["Severity"])
	}
	logs := tk.LogMessages()
	if logs[0] != "[Starting Task 'Run.Message']" {
		t.Errorf("first log line = %q", logs[0])
	}
	if last := logs[len(logs)-1]; last != "[Task 'Run.Message' finished (verdict: 'NotSet')]" {
		t.Errorf("last log line = %q", last)
	}
}

func TestTaskStart_MissingMandatory(t *testing.T) {
	host := newTestHost()
	tk, err := testRegistry().New(domain.TaskDefinition{Task: RunMessage, Label: "greet"}, host, nil)
	if err != nil {
		t.Fatal(err)
	}

	err = tk.Start(context.Background())
	if !errors.Is(err, ErrMissingParameter) {
		t.Fatalf("Start() error = %v, want ErrMissingParameter", err)
	}
	if tk.Verdict != domain.VerdictError {
		t.Errorf("Verdict = %v, want Error", tk.Verdict)
	}
	found := false
	for _, line := range tk.LogMessages() {
		if strings.Contains(line, "aborted due to incorrect parameters") && strings.Contains(line, "greet(Run.Message)") {
			found = true
		}
	}
	if !found {
		t.Errorf("abort line missing from %v", tk.LogMessages())
	}
}

func TestTaskStart_Condition(t *testing.T) {
	host := newTestHost()
	r := testRegistry()

	tk, _ := r.New(domain.TaskDefinition{Task: "Test.Fail", Params: map[string]any{ConditionParam: "false"}}, host, nil)
	if err := tk.Start(context.Background()); err != nil {
		t.Errorf("Start() with false condition error = %v", err)
	}

	tk, _ = r.New(domain.TaskDefinition{Task: "Test.Fail"}, host, nil)
	tk.Condition = func() bool { return false }
	if err := tk.Start(context.Background()); err != nil {
		t.Errorf("Start() with Condition func false error = %v", err)
	}

	host.vault.Publish("ready", "true")
	tk, _ = r.New(domain.TaskDefinition{Task: "Test.Fail", Params: map[string]any{ConditionParam: "@[ready]"}}, host, nil)
	if err := tk.Start(context.Background()); err == nil {
		t.Error("Start() with true condition should run the body")
	}
}

func TestSetVerdictOnError(t *testing.T) {
	tests := []struct {
		name     string
		param    any
		fallback string
		want     domain.Verdict
		wantErr  bool
	}{
		{"service default", nil, "Fail", domain.VerdictFail, false},
		{"task override", "Inconclusive", "Fail", domain.VerdictInconclusive, false},
		{"no configuration", nil, "", domain.VerdictError, false},
		{"unknown name", "Meh", "Fail", domain.VerdictNotSet, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := newTestHost()
			host.services.VerdictOnError = tt.fallback
			params := map[string]any{"Message": "x"}
			if tt.param != nil {
				params["VerdictOnError"] = tt.param
			}
			tk, _ := testRegistry().New(domain.TaskDefinition{Task: RunMessage, Params: params}, host, nil)

			err := tk.SetVerdictOnError()
			if (err != nil) != tt.wantErr {
				t.Fatalf("SetVerdictOnError() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tk.Verdict != tt.want {
				t.Errorf("Verdict = %v, want %v", tk.Verdict, tt.want)
			}
		})
	}
}

func TestRegistry_Validate(t *testing.T) {
	r := testRegistry()
	ok := []domain.TaskDefinition{{Task: FlowParallel, Children: []domain.TaskDefinition{{Task: RunDelay}}}}
	if err := r.Validate(ok); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	bad := []domain.TaskDefinition{{Task: FlowParallel, Children: []domain.TaskDefinition{{Task: "Run.Nope"}}}}
	if err := r.Validate(bad); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("Validate() error = %v, want ErrUnknownTask", err)
	}
	if _, err := r.New(domain.TaskDefinition{Task: "Run.Nope"}, newTestHost(), nil); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("New() error = %v, want ErrUnknownTask", err)
	}
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("duplicate Register did not panic")
		}
	}()
	r := DefaultRegistry()
	r.Register(RunDelay, nil, delay)
}

func TestRunSequence(t *testing.T) {
	host := newTestHost()
	r := testRegistry()
	defs := []domain.TaskDefinition{
		{Task: "Test.Verdict", Params: map[string]any{"Verdict": "Pass", "Publish": "a", "Value": 1}},
		{Task: "Test.Verdict", Params: map[string]any{"Verdict": "Inconclusive", "Publish": "b", "Value": "@[a]"}},
		{Task: RunMessage, Params: map[string]any{"Message": "done"}},
	}

	var seen []string
	verdict, err := r.RunSequence(context.Background(), host, defs, func(i int, tk *Task) {
		seen = append(seen, tk.Name)
	})
	if err != nil {
		t.Fatalf("RunSequence() error = %v", err)
	}
	if verdict != domain.VerdictInconclusive {
		t.Errorf("verdict = %v, want Inconclusive", verdict)
	}
	if diff := cmp.Diff([]string{"a", "b"}, host.vault.Keys()); diff != "" {
		t.Errorf("vault keys mismatch (-want +got):\n%s", diff)
	}
	if v, _ := host.vault.Get("b"); v != "1" {
		t.Errorf("b = %v, want value published by previous task", v)
	}
	if len(seen) != 3 {
		t.Errorf("onTask calls = %d, want 3", len(seen))
	}
	prev := host.PreviousTaskLog()
	if len(prev) == 0 || !strings.Contains(strings.Join(prev, "\n"), "done") {
		t.Errorf("previous task log = %v, want log of last task", prev)
	}
}

func TestRunSequence_StopsOnError(t *testing.T) {
	host := newTestHost()
	defs := []domain.TaskDefinition{
		{Task: "Test.Verdict", Params: map[string]any{"Verdict": "Pass"}},
		{Task: "Test.Fail"},
		{Task: "Test.Verdict", Params: map[string]any{"Verdict": "Pass", "Publish": "late", "Value": 1}},
	}
	_, err := testRegistry().RunSequence(context.Background(), host, defs, nil)
	if err == nil {
		t.Fatal("RunSequence() error = nil")
	}
	if _, ok := host.vault.Get("late"); ok {
		t.Error("task after failure should not run")
	}
}

func TestRunSequence_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := testRegistry().RunSequence(ctx, newTestHost(), []domain.TaskDefinition{{Task: RunDelay}}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("RunSequence() error = %v, want context.Canceled", err)
	}
}

func TestMessage_Severity(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"WARNING", slog.LevelWarn},
		{"critical", slog.LevelError},
	} {
		got, err := parseSeverity(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("parseSeverity(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := parseSeverity("loud"); err == nil {
		t.Error("parseSeverity(loud) error = nil")
	}
}

func TestMessage_UnknownVerdict(t *testing.T) {
	host := newTestHost()
	tk, _ := testRegistry().New(domain.TaskDefinition{Task: RunMessage, Params: map[string]any{"Message": "x", "Verdict": "Great"}}, host, nil)
	if err := tk.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tk.Verdict != domain.VerdictError {
		t.Errorf("Verdict = %v, want Error for unknown verdict name", tk.Verdict)
	}
}

func TestParams(t *testing.T) {
	p := Params{
		"int": 3, "float": 2.5, "str": "4", "bool": "yes", "list": []any{"a", 1},
		"single": "x", "secs": 1.5,
	}
	if p.Int("int") != 3 || p.Int("str") != 4 || p.Int("float") != 2 {
		t.Errorf("Int() mismatch: %d %d %d", p.Int("int"), p.Int("str"), p.Int("float"))
	}
	if !p.Bool("bool") || p.Bool("missing") {
		t.Error("Bool() mismatch")
	}
	if diff := cmp.Diff([]string{"a", "1"}, p.Strings("list")); diff != "" {
		t.Errorf("Strings(list) mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"x"}, p.Strings("single")); diff != "" {
		t.Errorf("Strings(single) mismatch (-want +got):\n%s", diff)
	}
	if p.Seconds("secs").Milliseconds() != 1500 {
		t.Errorf("Seconds() = %v", p.Seconds("secs"))
	}
	if p.String("missing") != "" || p.String("int") != "3" {
		t.Error("String() mismatch")
	}
}

func TestVault(t *testing.T) {
	a := NewVault()
	a.Publish("x", 1)
	a.Publish("y", 2)
	a.Publish("x", 3)

	b := NewVault()
	b.Publish("z", 4)
	b.Publish("x", 5)
	a.Merge(b)
	a.Merge(a)
	a.Merge(nil)

	if diff := cmp.Diff([]string{"x", "y", "z"}, a.Keys()); diff != "" {
		t.Errorf("Keys() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]any{"x": 5, "y": 2, "z": 4}, a.Snapshot()); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
	if a.Strings()["z"] != "4" {
		t.Errorf("Strings() = %v", a.Strings())
	}
}
