package facility

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
)

// Kind classifies a definition file
type Kind string

const (
	KindTestCase Kind = "testcase"
	KindUE       Kind = "ue"
	KindScenario Kind = "scenario"
)

// Facility directory layout
const (
	ResourcesDir = "Resources"
	TestCasesDir = "TestCases"
	UEsDir       = "UEs"
	ScenariosDir = "Scenarios"
)

var kindDirs = map[Kind]string{
	KindTestCase: TestCasesDir,
	KindUE:       UEsDir,
	KindScenario: ScenariosDir,
}

// Definition is a named list of actions plus the resources it needs
type Definition struct {
	Name         string                     `yaml:"Name"`
	Description  string                     `yaml:"Description,omitempty"`
	Requirements []string                   `yaml:"Requirements,omitempty"`
	Parameters   map[string]any             `yaml:"Parameters,omitempty"`
	Actions      []domain.ActionInformation `yaml:"Actions"`

	Kind Kind   `yaml:"-"`
	Path string `yaml:"-"`
	// Raw holds the file as read, for audit snapshots
	Raw []byte `yaml:"-"`
}

// Validation is a finding from the last reload
type Validation struct {
	Level   slog.Level `json:"level"`
	Path    string     `json:"path,omitempty"`
	Message string     `json:"message"`
}

func (v Validation) String() string {
	if v.Path == "" {
		return fmt.Sprintf("%s: %s", v.Level, v.Message)
	}
	return fmt.Sprintf("%s: %s: %s", v.Level, v.Path, v.Message)
}

// Facility loads resource and action definitions from a directory tree and
// owns the Registry built from them.
type Facility struct {
	dir      string
	registry *Registry
	logger   *slog.Logger

	mu          sync.RWMutex
	definitions map[Kind]map[string]*Definition
	validation  []Validation
}

// New creates a facility rooted at dir. Call Reload to read it.
func New(dir string, registry *Registry, logger *slog.Logger) *Facility {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facility{
		dir:         dir,
		registry:    registry,
		logger:      logger.With("component", "facility"),
		definitions: make(map[Kind]map[string]*Definition),
	}
}

// Dir returns the facility root
func (f *Facility) Dir() string { return f.dir }

// Registry returns the resource registry
func (f *Facility) Registry() *Registry { return f.registry }

// Reload re-reads every definition. Resources are only replaced when none is
// locked; definitions are always refreshed. Findings are kept for Validation.
func (f *Facility) Reload() error {
	var findings []Validation
	report := func(level slog.Level, path, format string, args ...any) {
		findings = append(findings, Validation{Level: level, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	resources := f.loadResources(report)

	defs := make(map[Kind]map[string]*Definition, len(kindDirs))
	for kind, sub := range kindDirs {
		defs[kind] = f.loadDefinitions(kind, filepath.Join(f.dir, sub), report)
	}

	known := make(map[string]bool, len(resources))
	for _, r := range resources {
		known[r.ID] = true
	}
	for _, byName := range defs {
		for _, def := range byName {
			for _, req := range def.Requirements {
				if !known[req] {
					report(slog.LevelWarn, def.Path, "requirement %q is not a known resource", req)
				}
			}
			if len(def.Actions) == 0 {
				report(slog.LevelWarn, def.Path, "no actions defined")
			}
		}
	}

	var err error
	if rerr := f.registry.Replace(resources); rerr != nil {
		report(slog.LevelError, "", "resources not reloaded: %v", rerr)
		err = rerr
	}

	f.mu.Lock()
	f.definitions = defs
	f.validation = findings
	f.mu.Unlock()

	for _, v := range findings {
		f.logger.Log(context.Background(), v.Level, v.Message, "path", v.Path)
	}
	f.logger.Info("facility loaded",
		"resources", len(resources),
		"testcases", len(defs[KindTestCase]),
		"ues", len(defs[KindUE]),
		"scenarios", len(defs[KindScenario]))
	return err
}

func (f *Facility) loadResources(report func(slog.Level, string, string, ...any)) []*Resource {
	var resources []*Resource
	seen := make(map[string]string)
	for _, path := range yamlFiles(filepath.Join(f.dir, ResourcesDir)) {
		data, err := os.ReadFile(path)
		if err != nil {
			report(slog.LevelError, path, "read: %v", err)
			continue
		}
		var res Resource
		if err := yaml.Unmarshal(data, &res); err != nil {
			report(slog.LevelError, path, "parse: %v", err)
			continue
		}
		if res.ID == "" {
			report(slog.LevelError, path, "resource without Id")
			continue
		}
		if prev, dup := seen[res.ID]; dup {
			report(slog.LevelError, path, "duplicate resource id %q (first defined in %s)", res.ID, prev)
			continue
		}
		if res.Name == "" {
			res.Name = res.ID
		}
		seen[res.ID] = path
		resources = append(resources, &res)
	}
	return resources
}

func (f *Facility) loadDefinitions(kind Kind, dir string, report func(slog.Level, string, string, ...any)) map[string]*Definition {
	out := make(map[string]*Definition)
	for _, path := range yamlFiles(dir) {
		def, err := LoadDefinition(path)
		if err != nil {
			report(slog.LevelError, path, "%v", err)
			continue
		}
		def.Kind = kind
		if prev, dup := out[def.Name]; dup {
			report(slog.LevelError, path, "duplicate %s %q (first defined in %s)", kind, def.Name, prev.Path)
			continue
		}
		out[def.Name] = def
	}
	return out
}

// LoadDefinition reads one definition file. The name defaults to the file
// name without extension.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	def.Path = path
	def.Raw = data
	return &def, nil
}

// Definition looks up a definition by kind and name
func (f *Facility) Definition(kind Kind, name string) (*Definition, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	def, ok := f.definitions[kind][name]
	return def, ok
}

// Names lists the definitions of one kind, sorted
func (f *Facility) Names(kind Kind) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.definitions[kind]))
	for name := range f.definitions[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validation returns the findings of the last reload
func (f *Facility) Validation() []Validation {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Validation(nil), f.validation...)
}

func yamlFiles(dir string) []string {
	var files []string
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yml", ".yaml":
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files
}
