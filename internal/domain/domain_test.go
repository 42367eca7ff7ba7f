package domain

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestMaxVerdict(t *testing.T) {
	tests := []struct {
		a, b Verdict
		want Verdict
	}{
		{VerdictNotSet, VerdictPass, VerdictPass},
		{VerdictPass, VerdictNotSet, VerdictPass},
		{VerdictFail, VerdictInconclusive, VerdictFail},
		{VerdictError, VerdictCancel, VerdictError},
		{VerdictPass, VerdictPass, VerdictPass},
	}
	for _, tt := range tests {
		if got := MaxVerdict(tt.a, tt.b); got != tt.want {
			t.Errorf("MaxVerdict(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestMaxVerdict_JoinOrderIndependent(t *testing.T) {
	orders := [][]Verdict{
		{VerdictPass, VerdictError, VerdictPass},
		{VerdictError, VerdictPass, VerdictPass},
		{VerdictPass, VerdictPass, VerdictError},
	}
	for _, order := range orders {
		combined := VerdictNotSet
		for _, v := range order {
			combined = MaxVerdict(combined, v)
		}
		if combined != VerdictError {
			t.Errorf("fold(%v) = %v, want Error", order, combined)
		}
	}
}

func TestParseVerdict(t *testing.T) {
	for _, name := range []string{"NotSet", "Pass", "Inconclusive", "Fail", "Cancel", "Error"} {
		v, err := ParseVerdict(name)
		if err != nil {
			t.Fatalf("ParseVerdict(%q) error = %v", name, err)
		}
		if v.String() != name {
			t.Errorf("round trip %q -> %q", name, v.String())
		}
	}
	if _, err := ParseVerdict("Maybe"); err == nil {
		t.Error("ParseVerdict should reject unknown names")
	}
}

func TestStatusOrdering(t *testing.T) {
	if !(StageCancelled < StageErrored && StageErrored < StageFinished) {
		t.Error("stage status ordinals out of order")
	}
	if CoarsePostRun.Terminal() {
		t.Error("PostRun should not be terminal")
	}
	for _, s := range []CoarseStatus{CoarseFinished, CoarseCancelled, CoarseErrored} {
		if !s.Terminal() {
			t.Errorf("%v should be terminal", s)
		}
	}
	got, err := ParseCoarseStatus("PostRun")
	if err != nil || got != CoarsePostRun {
		t.Errorf("ParseCoarseStatus(PostRun) = %v, %v", got, err)
	}
}

func TestSanitizeMeasurement(t *testing.T) {
	if got := SanitizeMeasurement("ping rtt (ms)"); got != "ping_rtt_ms_" {
		t.Errorf("SanitizeMeasurement = %q", got)
	}
}

func TestLoadDescriptor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exp.yml")
	content := `
Name: throughput
TestCases: [iperf]
UEs: [ue1]
Exclusive: true
Duration: 5
RemoteDescriptor:
  Name: peer-side
  TestCases: [iperf-server]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	d, err := LoadDescriptor(path)
	if err != nil {
		t.Fatal(err)
	}
	if d.Type != ExperimentStandard {
		t.Errorf("Type = %q, want Standard", d.Type)
	}
	if !d.Exclusive || d.Duration != 5 {
		t.Errorf("Exclusive/Duration = %v/%d", d.Exclusive, d.Duration)
	}
	if !d.IsRemoteMaster() {
		t.Error("descriptor with RemoteDescriptor should be remote master")
	}
	if d.Identifier() != "throughput" {
		t.Errorf("Identifier = %q", d.Identifier())
	}
}

func TestActionInformation_DefaultOrder(t *testing.T) {
	var actions []ActionInformation
	data := "- Task: Run.Message\n- Task: Run.Delay\n  Order: 3\n"
	if err := yaml.Unmarshal([]byte(data), &actions); err != nil {
		t.Fatal(err)
	}
	if actions[0].Order != DefaultOrder {
		t.Errorf("Order without field = %d, want DefaultOrder", actions[0].Order)
	}
	if actions[1].Order != 3 {
		t.Errorf("Order = %d, want 3", actions[1].Order)
	}
}
