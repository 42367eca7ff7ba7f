package task

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Param is the rule for one task parameter
type Param struct {
	Default   any
	Mandatory bool
}

// Rules maps parameter names to their rules
type Rules map[string]Param

// Required marks a parameter as mandatory
func Required() Param { return Param{Mandatory: true} }

// Optional declares a parameter with a default
func Optional(def any) Param { return Param{Default: def} }

// Params is the resolved configuration of one task. It is filled before the
// task body runs and only read afterwards; values a task wants to hand on
// go to its Vault instead.
type Params map[string]any

// Has reports whether key is set
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// String returns the value as a string ("" when unset or nil)
func (p Params) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns the value as an int, parsing strings and truncating floats
func (p Params) Int(key string) int {
	return int(p.Float(key))
}

// Float returns the value as a float64 (0 when not numeric)
func (p Params) Float(key string) float64 {
	switch v := p[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	case float64:
		return v
	case float32:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f
	default:
		return 0
	}
}

// Bool returns the value as a bool; strings like "true", "yes" and "1" count
func (p Params) Bool(key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1", "on":
			return true
		}
		return false
	case nil:
		return false
	default:
		return p.Float(key) != 0
	}
}

// Seconds interprets the value as a number of seconds
func (p Params) Seconds(key string) time.Duration {
	return time.Duration(p.Float(key) * float64(time.Second))
}

// Strings returns the value as a list of strings. A single string becomes a
// one-element list.
func (p Params) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

// Clone returns a shallow copy
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
