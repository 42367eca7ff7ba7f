package task

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
)

func TestExpandString(t *testing.T) {
	host := newTestHost()
	host.descriptor = &domain.ExperimentDescriptor{
		Application: "video",
		Duration:    2,
		Parameters:  map[string]any{"Rate": 10},
	}
	host.vault.Publish("Host", "10.0.0.1")
	host.vault.Publish(sliceIDKey, "slice-3")
	flow := map[string]any{FlowBranch: 2}

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"@{ExecutionId}", "7"},
		{"@{TempFolder}/out.zip", "/tmp/exec7/out.zip"},
		{"@{SliceId} @{DeployedSliceId}", "slice-3 slice-3"},
		{"@{Application}", "video"},
		{"@{JSONParameters}", `{"Rate":10}`},
		{"@{ReservationTime}m = @{ReservationTimeSeconds}s", "2m = 120s"},
		{"branch @{Branch}", "branch 2"},
		{"@{Unknown}", "@{Unknown}"},
		{"ping @[Host]", "ping 10.0.0.1"},
		{"@[Missing]", "<<UNDEFINED>>"},
		{"@[Missing:fallback]", "fallback"},
		{"@[Publish.Host]", "10.0.0.1"},
		{"@[Params.Rate]/@[Params.Burst:5]", "10/5"},
		{"@[Other.Key]", "<<UNKNOWN GROUP Other>>"},
		{"@[Host]:@[Host]", "10.0.0.1:10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ExpandString(tt.in, host, flow); got != tt.want {
				t.Errorf("ExpandString(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestExpandString_NoSlice(t *testing.T) {
	host := newTestHost()
	if got := ExpandString("@{SliceId}", host, nil); got != "None" {
		t.Errorf("ExpandString(@{SliceId}) = %q, want None", got)
	}
}

func TestExpandParams(t *testing.T) {
	host := newTestHost()
	host.vault.Publish("Port", 8080)

	template := map[string]any{
		"Target":  "http://host:@[Port]",
		"Count":   3,
		"Files":   []any{"@{TempFolder}/a", 1},
		"Names":   []string{"@{ExecutionId}"},
		"Nested":  map[string]any{"Dir": "@{TempFolder}"},
		"Enabled": true,
	}
	got := ExpandParams(template, host, nil)
	want := Params{
		"Target":  "http://host:8080",
		"Count":   3,
		"Files":   []any{"/tmp/exec7/a", 1},
		"Names":   []string{"7"},
		"Nested":  map[string]any{"Dir": "/tmp/exec7"},
		"Enabled": true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ExpandParams() mismatch (-want +got):\n%s", diff)
	}
	if template["Target"] != "http://host:@[Port]" {
		t.Error("ExpandParams() modified the template")
	}
}
