package composer

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
	"github.com/hochfrequenz/testbed-orchestrator/internal/facility"
	"github.com/hochfrequenz/testbed-orchestrator/internal/task"
)

type mapCatalog map[facility.Kind]map[string]*facility.Definition

func (c mapCatalog) Definition(kind facility.Kind, name string) (*facility.Definition, bool) {
	def, ok := c[kind][name]
	return def, ok
}

func mustDefinition(t *testing.T, src string) *facility.Definition {
	t.Helper()
	var def facility.Definition
	if err := yaml.Unmarshal([]byte(src), &def); err != nil {
		t.Fatal(err)
	}
	return &def
}

func testCatalog(t *testing.T) mapCatalog {
	return mapCatalog{
		facility.KindUE: {
			"phone": mustDefinition(t, `
Name: phone
Requirements: [ue1]
Parameters: {Apn: internet, Rate: 1}
Actions:
  - Order: 1
    Task: Run.Message
    Config: {Message: attach}
  - Task: Run.Message
    Config: {Message: detach}
`),
		},
		facility.KindTestCase: {
			"ping": mustDefinition(t, `
Name: ping
Requirements: [gnb1, ue1]
Actions:
  - Order: 1
    Task: Run.Message
    Config: {Message: ping}
  - Order: 0
    Task: Flow.Parallel
    Label: collect
    Children:
      - Order: 2
        Task: Run.Delay
        Config: {Time: 1}
      - Order: 1
        Task: Run.AddMilestone
        Config: {Milestone: go}
`),
		},
	}
}

func TestCompose(t *testing.T) {
	d := &domain.ExperimentDescriptor{
		Name:       "exp",
		UEs:        []string{"phone"},
		TestCases:  []string{"ping"},
		Resources:  []string{"core", "gnb1"},
		Exclusive:  true,
		Parameters: map[string]any{"Rate": 5},
	}

	cfg, err := Compose(d, testCatalog(t), task.DefaultRegistry())
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}

	want := []domain.TaskDefinition{
		{
			Task:   "Flow.Parallel",
			Label:  "collect",
			Params: map[string]any{},
			Children: []domain.TaskDefinition{
				{Task: "Run.AddMilestone", Params: map[string]any{"Milestone": "go"}},
				{Task: "Run.Delay", Params: map[string]any{"Time": 1}},
			},
		},
		{Task: "Run.Message", Params: map[string]any{"Message": "attach"}},
		{Task: "Run.Message", Params: map[string]any{"Message": "ping"}},
		{Task: "Run.Message", Params: map[string]any{"Message": "detach"}},
	}
	if diff := cmp.Diff(want, cfg.RunTasks); diff != "" {
		t.Errorf("RunTasks mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"core", "gnb1", "ue1"}, cfg.Requirements); diff != "" {
		t.Errorf("Requirements mismatch (-want +got):\n%s", diff)
	}
	if !cfg.Exclusive {
		t.Error("Exclusive = false, want true")
	}
	if diff := cmp.Diff(map[string]any{"Apn": "internet", "Rate": 5}, cfg.Parameters); diff != "" {
		t.Errorf("Parameters mismatch (-want +got):\n%s", diff)
	}
	wantRefs := []Reference{{Kind: facility.KindUE, Name: "phone"}, {Kind: facility.KindTestCase, Name: "ping"}}
	if diff := cmp.Diff(wantRefs, cfg.References); diff != "" {
		t.Errorf("References mismatch (-want +got):\n%s", diff)
	}
}

func TestCompose_DoesNotShareParams(t *testing.T) {
	catalog := testCatalog(t)
	d := &domain.ExperimentDescriptor{TestCases: []string{"ping"}}

	cfg, err := Compose(d, catalog, nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg.RunTasks[1].Params["Message"] = "changed"
	if catalog[facility.KindTestCase]["ping"].Actions[0].Config["Message"] != "ping" {
		t.Error("composed params alias the facility definition")
	}
}

func TestCompose_PostRunActions(t *testing.T) {
	catalog := mapCatalog{
		facility.KindTestCase: {
			"capture": mustDefinition(t, `
Name: capture
Actions:
  - Order: 1
    Task: Run.Message
    Config: {Message: start}
  - Order: 2
    Stage: PostRun
    Task: Run.CompressFiles
    Config: {Files: [/tmp/trace.pcap]}
  - Order: 1
    Stage: PostRun
    Task: Run.Message
    Config: {Message: collect}
  - Order: 2
    Stage: Run
    Task: Run.Message
    Config: {Message: stop}
`),
		},
	}

	cfg, err := Compose(&domain.ExperimentDescriptor{TestCases: []string{"capture"}}, catalog, task.DefaultRegistry())
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}

	wantRun := []domain.TaskDefinition{
		{Task: "Run.Message", Params: map[string]any{"Message": "start"}},
		{Task: "Run.Message", Params: map[string]any{"Message": "stop"}},
	}
	if diff := cmp.Diff(wantRun, cfg.RunTasks); diff != "" {
		t.Errorf("RunTasks mismatch (-want +got):\n%s", diff)
	}
	wantPost := []domain.TaskDefinition{
		{Task: "Run.Message", Params: map[string]any{"Message": "collect"}},
		{Task: "Run.CompressFiles", Params: map[string]any{"Files": []any{"/tmp/trace.pcap"}}},
	}
	if diff := cmp.Diff(wantPost, cfg.PostTasks); diff != "" {
		t.Errorf("PostTasks mismatch (-want +got):\n%s", diff)
	}
}

func TestCompose_Errors(t *testing.T) {
	tests := []struct {
		name    string
		d       *domain.ExperimentDescriptor
		catalog mapCatalog
		wantErr error
	}{
		{
			name:    "unknown test case",
			d:       &domain.ExperimentDescriptor{TestCases: []string{"missing"}},
			catalog: mapCatalog{},
			wantErr: ErrUnknownDefinition,
		},
		{
			name: "unknown task",
			d:    &domain.ExperimentDescriptor{TestCases: []string{"bad"}},
			catalog: mapCatalog{facility.KindTestCase: {"bad": {
				Actions: []domain.ActionInformation{{Task: "Run.Teleport"}},
			}}},
			wantErr: task.ErrUnknownTask,
		},
		{
			name: "unknown child task",
			d:    &domain.ExperimentDescriptor{TestCases: []string{"bad"}},
			catalog: mapCatalog{facility.KindTestCase: {"bad": {
				Actions: []domain.ActionInformation{{Task: "Flow.Parallel", Children: []domain.ActionInformation{{Task: "Run.Nope"}}}},
			}}},
			wantErr: task.ErrUnknownTask,
		},
		{
			name: "unknown post-run task",
			d:    &domain.ExperimentDescriptor{TestCases: []string{"bad"}},
			catalog: mapCatalog{facility.KindTestCase: {"bad": {
				Actions: []domain.ActionInformation{{Task: "Run.Sweep", Stage: domain.ActionStagePostRun}},
			}}},
			wantErr: task.ErrUnknownTask,
		},
		{
			name: "unknown stage",
			d:    &domain.ExperimentDescriptor{TestCases: []string{"bad"}},
			catalog: mapCatalog{facility.KindTestCase: {"bad": {
				Actions: []domain.ActionInformation{{Task: "Run.Message", Stage: "PreRun"}},
			}}},
			wantErr: ErrUnknownStage,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compose(tt.d, tt.catalog, task.DefaultRegistry())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Compose() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCompose_Empty(t *testing.T) {
	cfg, err := Compose(&domain.ExperimentDescriptor{Name: "idle"}, mapCatalog{}, task.DefaultRegistry())
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.RunTasks) != 0 || len(cfg.Requirements) != 0 {
		t.Errorf("cfg = %+v, want empty", cfg)
	}
}
