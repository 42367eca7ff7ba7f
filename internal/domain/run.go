package domain

import (
	"encoding/json"
	"regexp"
	"time"
)

// ExecutionRecord is the persisted read-only view of an execution that has
// left the live queue.
type ExecutionRecord struct {
	ID           ExecutionID     `json:"id"`
	Created      time.Time       `json:"created"`
	CoarseStatus string          `json:"coarse_status"`
	Cancelled    bool            `json:"cancelled"`
	Descriptor   json.RawMessage `json:"descriptor,omitempty"`
	Milestones   []string        `json:"milestones"`
	RemoteID     *ExecutionID    `json:"remote_id,omitempty"`
	Verdict      string          `json:"verdict"`
	DashboardURL string          `json:"dashboard_url,omitempty"`
}

var measurementSanitizer = regexp.MustCompile(`\W+`)

// Point is one timestamped set of fields of a measurement
type Point struct {
	Time   time.Time      `json:"time"`
	Fields map[string]any `json:"fields"`
}

// Payload is a batch of telemetry points sharing a measurement and tags
type Payload struct {
	Measurement string            `json:"measurement"`
	Tags        map[string]string `json:"tags"`
	Points      []Point           `json:"points"`
}

// NewPayload creates a payload with a sanitized measurement name
func NewPayload(measurement string) *Payload {
	return &Payload{
		Measurement: SanitizeMeasurement(measurement),
		Tags:        map[string]string{},
	}
}

// SanitizeMeasurement replaces spaces and non-word characters with '_'
func SanitizeMeasurement(name string) string {
	return measurementSanitizer.ReplaceAllString(name, "_")
}
