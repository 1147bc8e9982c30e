// Package flags provides helpers for binding standardized execution flags to Cobra commands.
package flags

import (
	"github.com/spf13/cobra"
)

const (
	// WorkersFlagName exposes the shared worker pool size flag name.
	WorkersFlagName = "workers"
	// WorkersFlagShorthand provides the shorthand for the worker pool size flag.
	WorkersFlagShorthand = "j"
	// WorkersFlagUsage describes the shared worker pool size flag purpose.
	WorkersFlagUsage = "Maximum number of job instances running at once"
	// DryRunFlagName exposes the shared dry-run flag name.
	DryRunFlagName = "dry-run"
	// DryRunFlagUsage describes the shared dry-run flag purpose.
	DryRunFlagUsage = "Print the execution plan without running any step"
)

// ExecutionDefaults describes default flag values shared across commands.
type ExecutionDefaults struct {
	Workers int
	DryRun  bool
}

// ExecutionFlagDefinition captures a single flag's configuration.
type ExecutionFlagDefinition struct {
	Name      string
	Usage     string
	Shorthand string
	Enabled   bool
}

// ExecutionFlagDefinitions groups execution flag definitions.
type ExecutionFlagDefinitions struct {
	Workers ExecutionFlagDefinition
	DryRun  ExecutionFlagDefinition
}

// DefaultExecutionFlagDefinitions enables both execution flags under their shared names.
func DefaultExecutionFlagDefinitions() ExecutionFlagDefinitions {
	return ExecutionFlagDefinitions{
		Workers: ExecutionFlagDefinition{Name: WorkersFlagName, Usage: WorkersFlagUsage, Shorthand: WorkersFlagShorthand, Enabled: true},
		DryRun:  ExecutionFlagDefinition{Name: DryRunFlagName, Usage: DryRunFlagUsage, Enabled: true},
	}
}

// BindExecutionFlags attaches standardized execution flags to the provided command using persistent scope.
func BindExecutionFlags(command *cobra.Command, defaults ExecutionDefaults, definitions ExecutionFlagDefinitions) {
	if command == nil {
		return
	}

	persistentFlagSet := command.PersistentFlags()
	if definitions.Workers.Enabled && len(definitions.Workers.Name) > 0 && persistentFlagSet.Lookup(definitions.Workers.Name) == nil {
		persistentFlagSet.IntP(definitions.Workers.Name, definitions.Workers.Shorthand, defaults.Workers, definitions.Workers.Usage)
	}
	if definitions.DryRun.Enabled && len(definitions.DryRun.Name) > 0 && persistentFlagSet.Lookup(definitions.DryRun.Name) == nil {
		persistentFlagSet.BoolP(definitions.DryRun.Name, definitions.DryRun.Shorthand, defaults.DryRun, definitions.DryRun.Usage)
	}
}
