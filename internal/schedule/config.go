package schedule

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Entry is one recurring experiment submission
type Entry struct {
	Name          string `toml:"name"`
	Cron          string `toml:"cron"`
	Descriptor    string `toml:"descriptor"`
	SkipIfRunning bool   `toml:"skip_if_running"`
}

// File holds all schedule entries
type File struct {
	Entries []Entry `toml:"schedule"`
}

// Validate checks if the entry is valid
func (e *Entry) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if e.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(e.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if e.Descriptor == "" {
		return fmt.Errorf("descriptor path is required")
	}
	return nil
}

// LoadFile loads schedule entries from a TOML file. A missing file yields
// no entries. Relative descriptor paths are resolved against the file's
// directory.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, err
	}

	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for i := range f.Entries {
		e := &f.Entries[i]
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("schedule %d: %w", i, err)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("schedule %d: duplicate name %q", i, e.Name)
		}
		seen[e.Name] = true
		if !filepath.IsAbs(e.Descriptor) {
			e.Descriptor = filepath.Join(filepath.Dir(path), e.Descriptor)
		}
	}

	return &f, nil
}
