package telemetry

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestFlatten(t *testing.T) {
	in := map[string]any{
		"rtt": 1.5,
		"radio": map[string]any{
			"rsrp": -90,
			"cell": map[string]any{"id": "a"},
		},
		"list": []any{1, map[string]any{"x": 2}},
	}
	want := map[string]any{
		"rtt":           1.5,
		"radio.rsrp":    -90,
		"radio.cell.id": "a",
		"list.0":        1,
		"list.1.x":      2,
	}
	if diff := cmp.Diff(want, Flatten(in)); diff != "" {
		t.Errorf("Flatten() mismatch (-want +got):\n%s", diff)
	}
}

func TestConvert(t *testing.T) {
	tests := []struct {
		in   any
		want any
	}{
		{3, 3.0},
		{int64(4), 4.0},
		{float32(0.5), 0.5},
		{"12.5", 12.5},
		{" 7 ", 7.0},
		{"up", "up"},
		{true, true},
		{nil, nil},
		{[]int{1}, "[1]"},
	}
	for _, tt := range tests {
		if got := Convert(tt.in); got != tt.want {
			t.Errorf("Convert(%#v) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestPointFromJSON(t *testing.T) {
	p, err := PointFromJSON([]byte(`{"ts": 1700000000, "cpu": {"load": 0.25}, "state": "ok"}`), "ts")
	if err != nil {
		t.Fatalf("PointFromJSON() error = %v", err)
	}
	if !p.Time.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("Time = %v, want 1700000000", p.Time)
	}
	want := map[string]any{"cpu.load": 0.25, "state": "ok"}
	if diff := cmp.Diff(want, p.Fields); diff != "" {
		t.Errorf("Fields mismatch (-want +got):\n%s", diff)
	}

	p, err = PointFromJSON([]byte(`{"ts": "2024-05-01T10:00:00Z", "v": 1}`), "ts")
	if err != nil {
		t.Fatalf("PointFromJSON() error = %v", err)
	}
	if p.Time.Year() != 2024 {
		t.Errorf("Time = %v, want 2024", p.Time)
	}

	if _, err := PointFromJSON([]byte(`not json`), ""); err == nil {
		t.Error("PointFromJSON(invalid) error = nil")
	}
}

func TestTag(t *testing.T) {
	if got := Tag(42); got != "42" {
		t.Errorf("Tag(42) = %q, want 42", got)
	}
}
