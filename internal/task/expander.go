package task

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
)

const (
	undefinedValue = "<<UNDEFINED>>"
	sliceIDKey     = "DeployedSliceId"
)

var lookupPattern = regexp.MustCompile(`@\[(.*?)]`)

// Scope is what parameter expansion can see of an execution
type Scope interface {
	ExecutionID() domain.ExecutionID
	TempDir() string
	Descriptor() *domain.ExperimentDescriptor
	Vault() *Vault
}

// Expand substitutes execution values into every string inside v. Maps and
// lists are walked recursively and copied; other values are returned as is.
//
// Supported forms: @{ExecutionId}, @{TempFolder}, @{SliceId},
// @{DeployedSliceId}, @{Application}, @{JSONParameters}, @{ReservationTime},
// @{ReservationTimeSeconds}, @{<flow key>} and the lookups @[key],
// @[key:default], @[Params.key] and @[Publish.key].
func Expand(v any, scope Scope, flow map[string]any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Expand(item, scope, flow)
		}
		return out
	case Params:
		out := make(Params, len(val))
		for k, item := range val {
			out[k] = Expand(item, scope, flow)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Expand(item, scope, flow)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = ExpandString(item, scope, flow)
		}
		return out
	case string:
		return ExpandString(val, scope, flow)
	default:
		return v
	}
}

// ExpandParams expands a parameter template into a fresh Params
func ExpandParams(template map[string]any, scope Scope, flow map[string]any) Params {
	out := make(Params, len(template))
	for k, v := range template {
		out[k] = Expand(v, scope, flow)
	}
	return out
}

// ExpandString expands a single string
func ExpandString(item string, scope Scope, flow map[string]any) string {
	if !strings.Contains(item, "@") {
		return item
	}

	descriptor := scope.Descriptor()
	if descriptor == nil {
		descriptor = &domain.ExperimentDescriptor{}
	}
	vault := scope.Vault()

	sliceID := "None"
	if v, ok := vault.Get(sliceIDKey); ok {
		sliceID = fmt.Sprint(v)
	}
	jsonParams, err := json.Marshal(descriptor.Parameters)
	if err != nil {
		jsonParams = []byte("{}")
	}

	replacements := []string{
		"@{TempFolder}", scope.TempDir(),
		"@{ExecutionId}", fmt.Sprint(int64(scope.ExecutionID())),
		"@{SliceId}", sliceID,
		"@{DeployedSliceId}", sliceID,
		"@{Application}", descriptor.Application,
		"@{JSONParameters}", string(jsonParams),
		"@{ReservationTime}", fmt.Sprint(descriptor.Duration),
		"@{ReservationTimeSeconds}", fmt.Sprint(descriptor.Duration * 60),
	}
	for k, v := range flow {
		replacements = append(replacements, "@{"+k+"}", fmt.Sprint(v))
	}
	expanded := strings.NewReplacer(replacements...).Replace(item)

	// lookups are matched against the original text
	for _, match := range lookupPattern.FindAllStringSubmatch(item, -1) {
		whole, capture := match[0], match[1]

		key, def := capture, undefinedValue
		if k, d, ok := strings.Cut(capture, ":"); ok {
			key, def = k, d
		}

		var value string
		if group, k, ok := strings.Cut(key, "."); ok {
			switch group {
			case "Params":
				value = lookupMap(descriptor.Parameters, k, def)
			case "Publish":
				value = lookupVault(vault, k, def)
			default:
				value = fmt.Sprintf("<<UNKNOWN GROUP %s>>", group)
			}
		} else {
			value = lookupVault(vault, key, def)
		}
		expanded = strings.ReplaceAll(expanded, whole, value)
	}
	return expanded
}

func lookupMap(m map[string]any, key, def string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprint(v)
	}
	return def
}

func lookupVault(v *Vault, key, def string) string {
	if val, ok := v.Get(key); ok {
		return fmt.Sprint(val)
	}
	return def
}
