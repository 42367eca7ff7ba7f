package domain

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ExperimentType distinguishes local from distributed experiments
type ExperimentType string

const (
	ExperimentStandard    ExperimentType = "Standard"
	ExperimentDistributed ExperimentType = "Distributed"
)

// ExperimentDescriptor is the user-facing description of an experiment.
// It is produced outside the core (portal, CLI) and composed into tasks.
type ExperimentDescriptor struct {
	Name        string         `yaml:"Name" json:"name"`
	Type        ExperimentType `yaml:"Type" json:"type"`
	UserID      string         `yaml:"UserId" json:"user_id,omitempty"`
	TestCases   []string       `yaml:"TestCases" json:"test_cases"`
	UEs         []string       `yaml:"UEs" json:"ues,omitempty"`
	Scenarios   []string       `yaml:"Scenarios" json:"scenarios,omitempty"`
	Resources   []string       `yaml:"Resources" json:"resources,omitempty"`
	Exclusive   bool           `yaml:"Exclusive" json:"exclusive"`
	Application string         `yaml:"Application" json:"application,omitempty"`
	Duration    int            `yaml:"Duration" json:"duration,omitempty"`
	Parameters  map[string]any `yaml:"Parameters" json:"parameters,omitempty"`
	Extra       map[string]any `yaml:"Extra" json:"extra,omitempty"`

	// Remote names the peer facility for distributed experiments. When
	// RemoteDescriptor is set this side is the coordination master.
	Remote           string                `yaml:"Remote" json:"remote,omitempty"`
	RemoteDescriptor *ExperimentDescriptor `yaml:"RemoteDescriptor" json:"remote_descriptor,omitempty"`
}

// Identifier returns a short human-readable label for logs
func (d *ExperimentDescriptor) Identifier() string {
	if d == nil {
		return ""
	}
	if d.Name != "" {
		return d.Name
	}
	return fmt.Sprintf("%v", d.TestCases)
}

// Distributed reports whether the experiment spans two facilities
func (d *ExperimentDescriptor) Distributed() bool {
	return d != nil && d.Type == ExperimentDistributed
}

// IsRemoteMaster reports whether this side drives the remote peer
func (d *ExperimentDescriptor) IsRemoteMaster() bool {
	return d != nil && d.RemoteDescriptor != nil
}

// JSON returns the descriptor encoded as JSON
func (d *ExperimentDescriptor) JSON() (json.RawMessage, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

// LoadDescriptor reads a YAML (or JSON) descriptor file
func LoadDescriptor(path string) (*ExperimentDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d ExperimentDescriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing descriptor %s: %w", path, err)
	}
	if d.Type == "" {
		d.Type = ExperimentStandard
	}
	return &d, nil
}
