package remote

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
)

// MessageDatabaseUnavailable is reported by peers without a telemetry store
const MessageDatabaseUnavailable = "Database not available"

// Envelope is the common part of every east/west response
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// RunResponse answers a remote run request
type RunResponse struct {
	Envelope
	ExecutionID *domain.ExecutionID `json:"ExecutionId,omitempty"`
}

// StatusResponse reports the coarse status of a peer execution
type StatusResponse struct {
	Envelope
	Status     string   `json:"status,omitempty"`
	Milestones []string `json:"milestones,omitempty"`
}

// ValuesResponse carries published values of a peer execution
type ValuesResponse struct {
	Envelope
	Values map[string]string `json:"values,omitempty"`
	Value  *string           `json:"value,omitempty"`
}

// PeerDetails tells a peer which execution drives it
type PeerDetails struct {
	ExecutionID domain.ExecutionID `json:"execution_id"`
}

// Series is one payload in columnar form: a header naming the fields and
// one [timestamp, values] pair per point.
type Series struct {
	Tags   map[string]string `json:"tags"`
	Header []string          `json:"header"`
	Points []SeriesPoint     `json:"points"`
}

// SeriesPoint encodes as [unix seconds, [values...]]
type SeriesPoint struct {
	Time   time.Time
	Values []any
}

func (p SeriesPoint) MarshalJSON() ([]byte, error) {
	ts := float64(p.Time.UnixNano()) / 1e9
	return json.Marshal([]any{ts, p.Values})
}

func (p *SeriesPoint) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("series point: want 2 elements, got %d", len(raw))
	}
	var ts float64
	if err := json.Unmarshal(raw[0], &ts); err != nil {
		return fmt.Errorf("series point timestamp: %w", err)
	}
	if err := json.Unmarshal(raw[1], &p.Values); err != nil {
		return fmt.Errorf("series point values: %w", err)
	}
	sec := int64(ts)
	p.Time = time.Unix(sec, int64((ts-float64(sec))*1e9)).UTC()
	return nil
}

// ResultsResponse carries every measurement of a peer execution
type ResultsResponse struct {
	Envelope
	Measurements []string            `json:"measurements,omitempty"`
	Data         map[string][]Series `json:"data,omitempty"`
}

// EncodeResults converts stored payloads into the east/west result format
func EncodeResults(payloads []*domain.Payload) ResultsResponse {
	resp := ResultsResponse{
		Envelope: Envelope{Success: true},
		Data:     make(map[string][]Series),
	}
	for _, p := range payloads {
		if len(p.Points) == 0 {
			continue
		}
		if _, seen := resp.Data[p.Measurement]; !seen {
			resp.Measurements = append(resp.Measurements, p.Measurement)
		}
		header := sortedFields(p.Points[0].Fields)
		series := Series{Tags: p.Tags, Header: header}
		for _, point := range p.Points {
			values := make([]any, len(header))
			for i, key := range header {
				values[i] = point.Fields[key]
			}
			series.Points = append(series.Points, SeriesPoint{Time: point.Time, Values: values})
		}
		resp.Data[p.Measurement] = append(resp.Data[p.Measurement], series)
	}
	return resp
}

// Payloads converts a results response back into payloads
func (r ResultsResponse) Payloads() []*domain.Payload {
	var out []*domain.Payload
	for _, measurement := range r.Measurements {
		for _, series := range r.Data[measurement] {
			p := &domain.Payload{Measurement: measurement, Tags: map[string]string{}}
			for k, v := range series.Tags {
				p.Tags[k] = v
			}
			for _, sp := range series.Points {
				fields := make(map[string]any, len(series.Header))
				for i, key := range series.Header {
					if i < len(sp.Values) {
						fields[key] = sp.Values[i]
					}
				}
				p.Points = append(p.Points, domain.Point{Time: sp.Time, Fields: fields})
			}
			out = append(out, p)
		}
	}
	return out
}

func sortedFields(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
