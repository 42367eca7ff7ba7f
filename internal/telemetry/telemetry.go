// Package telemetry holds the contract between collector tasks and the
// time-series store, plus helpers to turn loosely typed samples into points.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
)

// ExecutionIDTag is the tag every sample carries to tie it to an execution
const ExecutionIDTag = "ExecutionId"

// Store persists and retrieves telemetry samples
type Store interface {
	Send(ctx context.Context, p *domain.Payload) error
	Measurements(ctx context.Context, id domain.ExecutionID) ([]string, error)
	Values(ctx context.Context, id domain.ExecutionID, measurement string) (*domain.Payload, error)
	Results(ctx context.Context, id domain.ExecutionID) ([]*domain.Payload, error)
	LastSample(ctx context.Context, id domain.ExecutionID, measurement string) (time.Time, bool, error)
}

// Tag returns the string form of an execution id used in sample tags
func Tag(id domain.ExecutionID) string {
	return strconv.FormatInt(int64(id), 10)
}

// Flatten turns nested maps into a single level using dotted keys
func Flatten(in map[string]any) map[string]any {
	out := make(map[string]any)
	flatten("", in, out)
	return out
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flatten(key, val, out)
		case []any:
			for i, item := range val {
				ik := key + "." + strconv.Itoa(i)
				if m, ok := item.(map[string]any); ok {
					flatten(ik, m, out)
				} else {
					out[ik] = item
				}
			}
		default:
			out[key] = v
		}
	}
}

// Convert coerces a value into a type the store accepts: numbers become
// float64, numeric strings are parsed, everything else becomes a string.
func Convert(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case bool:
		return val
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	case float64:
		return val
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return f
		}
		return val
	default:
		return fmt.Sprint(val)
	}
}

// PointFromJSON builds a point from a JSON object. timeKey names the field
// holding the timestamp (RFC 3339 or unix seconds); when empty or missing
// the current time is used.
func PointFromJSON(data []byte, timeKey string) (domain.Point, error) {
	var raw map[string]any
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return domain.Point{}, fmt.Errorf("decode sample: %w", err)
	}

	ts := time.Now().UTC()
	if timeKey != "" {
		if v, ok := raw[timeKey]; ok {
			parsed, err := parseTime(v)
			if err != nil {
				return domain.Point{}, err
			}
			ts = parsed
			delete(raw, timeKey)
		}
	}

	fields := make(map[string]any)
	for k, v := range Flatten(raw) {
		fields[k] = Convert(v)
	}
	return domain.Point{Time: ts, Fields: fields}, nil
}

func parseTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return time.Time{}, err
		}
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC(), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, val)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: %w", val, err)
		}
		return t.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp %v", v)
	}
}

// SortedKeys returns the keys of a field map in order
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
