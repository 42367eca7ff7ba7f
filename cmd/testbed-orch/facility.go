package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/testbed-orchestrator/internal/composer"
	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
	"github.com/hochfrequenz/testbed-orchestrator/internal/facility"
	"github.com/hochfrequenz/testbed-orchestrator/internal/task"
)

func init() {
	facilityCmd := &cobra.Command{
		Use:   "facility",
		Short: "Inspect the facility definitions",
	}
	validateCmd := &cobra.Command{
		Use:   "validate [DIR]",
		Short: "Load the facility and check every definition composes",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runFacilityValidate,
	}
	facilityCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(facilityCmd)
}

func runFacilityValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := cfg.General.FacilityDir
	if len(args) == 1 {
		dir = args[0]
	}
	logger := cfg.Log.NewLogger(os.Stderr)

	fac := facility.New(dir, facility.NewRegistry(logger), logger)
	if err := fac.Reload(); err != nil {
		return err
	}

	problems := validateFacility(fac, task.DefaultRegistry())
	if len(problems) == 0 {
		fmt.Printf("Facility %s is valid\n", dir)
		return nil
	}
	for _, p := range problems {
		fmt.Println(p)
	}
	return fmt.Errorf("%d problem(s) found", len(problems))
}

// validateFacility returns the reload findings of warning level or above
// plus every definition that does not compose on its own
func validateFacility(fac *facility.Facility, tasks *task.Registry) []string {
	var problems []string
	for _, v := range fac.Validation() {
		if v.Level >= slog.LevelWarn {
			problems = append(problems, v.String())
		}
	}
	for _, kind := range []facility.Kind{facility.KindTestCase, facility.KindUE, facility.KindScenario} {
		for _, name := range fac.Names(kind) {
			d := &domain.ExperimentDescriptor{Name: name}
			switch kind {
			case facility.KindTestCase:
				d.TestCases = []string{name}
			case facility.KindUE:
				d.UEs = []string{name}
			case facility.KindScenario:
				d.Scenarios = []string{name}
			}
			if _, err := composer.Compose(d, fac, tasks); err != nil {
				problems = append(problems, fmt.Sprintf("%s %s: %v", kind, name, err))
			}
		}
	}
	return problems
}
