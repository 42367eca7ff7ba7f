package domain

import (
	"math"

	"gopkg.in/yaml.v3"
)

// DefaultOrder places actions without an explicit Order after all others
const DefaultOrder = math.MaxInt32

// Stages an action can be scheduled in. An empty Stage means ActionStageRun.
const (
	ActionStageRun     = "Run"
	ActionStagePostRun = "PostRun"
)

// ActionInformation is one entry of a facility-defined action list (test
// case, UE or scenario). It is the raw material the composer turns into
// TaskDefinitions.
type ActionInformation struct {
	Order    int                 `yaml:"Order" json:"order"`
	Task     string              `yaml:"Task" json:"task"`
	Label    string              `yaml:"Label,omitempty" json:"label,omitempty"`
	Stage    string              `yaml:"Stage,omitempty" json:"stage,omitempty"`
	Config   map[string]any      `yaml:"Config" json:"config"`
	Children []ActionInformation `yaml:"Children,omitempty" json:"children,omitempty"`
}

// UnmarshalYAML gives actions without an Order field DefaultOrder
func (a *ActionInformation) UnmarshalYAML(value *yaml.Node) error {
	type plain ActionInformation
	p := plain{Order: DefaultOrder}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*a = ActionInformation(p)
	return nil
}

// MessageAction builds an action that only reports a message
func MessageAction(severity, message string) ActionInformation {
	return ActionInformation{
		Order: DefaultOrder,
		Task:  "Run.Message",
		Config: map[string]any{
			"Severity": severity,
			"Message":  message,
		},
	}
}

// TaskDefinition is the static, composed description of a task. It is
// immutable once the composer has produced it.
type TaskDefinition struct {
	Task     string           `json:"task"`
	Label    string           `json:"label,omitempty"`
	Params   map[string]any   `json:"params,omitempty"`
	Children []TaskDefinition `json:"children,omitempty"`
}
