package task

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
)

type lineSource func(t *Task) ([]string, error)

func fileLines(t *Task) ([]string, error) {
	path := t.Params.String("Path")
	if path == "" {
		return nil, fmt.Errorf("'Path' not defined, please review the Task configuration")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func previousTaskLines(t *Task) ([]string, error) {
	return t.host.PreviousTaskLog(), nil
}

type groupKey struct {
	index int
	key   string
}

func parseKeys(raw any) ([]groupKey, error) {
	list, ok := raw.([]any)
	if !ok {
		if raw == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("expected a list of [index, key] pairs, got %T", raw)
	}
	out := make([]groupKey, 0, len(list))
	for _, item := range list {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("expected [index, key], got %v", item)
		}
		p := Params{"i": pair[0]}
		key, ok := pair[1].(string)
		if !ok {
			return nil, fmt.Errorf("key must be a string, got %v", pair[1])
		}
		out = append(out, groupKey{index: p.Int("i"), key: key})
	}
	return out, nil
}

// publishFromSource returns a task body matching every line of src against
// Pattern (anchored at the line start) and publishing the selected groups.
func publishFromSource(src lineSource) RunFunc {
	return func(_ context.Context, t *Task) error {
		pattern := t.Params.String("Pattern")
		onMatch, ok := t.VerdictFromName(t.Params.String("VerdictOnMatch"))
		if !ok {
			return nil
		}
		onNoMatch, ok := t.VerdictFromName(t.Params.String("VerdictOnNoMatch"))
		if !ok {
			return nil
		}

		keys, err := parseKeys(t.Params["Keys"])
		if err != nil {
			t.SetVerdictOnError()
			return fmt.Errorf("invalid 'Keys' definition: %w", err)
		}
		t.Log(slog.LevelDebug, "Looking for pattern: '%s'; Assigning groups as:", pattern)
		for _, k := range keys {
			t.Log(slog.LevelDebug, "  %d: %s", k.index, k.key)
		}

		re, err := regexp.Compile(`^(?:` + pattern + `)`)
		if err != nil {
			t.SetVerdictOnError()
			return fmt.Errorf("invalid 'Pattern': %w", err)
		}

		lines, err := src(t)
		if err != nil {
			t.SetVerdictOnError()
			return err
		}

		found := false
		for _, line := range lines {
			match := re.FindStringSubmatch(line)
			if match == nil {
				continue
			}
			t.Log(slog.LevelInfo, "Match found: %s", line)
			found = true
			for _, k := range keys {
				if k.index < 0 || k.index >= len(match) {
					t.Log(slog.LevelWarn, "Group %d not present in pattern", k.index)
					continue
				}
				t.Publish(k.key, match[k.index])
			}
		}

		if found {
			t.Verdict = onMatch
		} else {
			t.Verdict = onNoMatch
		}
		return nil
	}
}
