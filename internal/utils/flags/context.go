package flags

import "github.com/spf13/cobra"

const (
	// WorkflowFlagName exposes the shared workflow file flag name.
	WorkflowFlagName = "workflow"
	// WorkflowFlagShorthand provides the shorthand for the workflow file flag.
	WorkflowFlagShorthand = "f"
	// WorkflowFlagUsage describes the shared workflow file flag purpose.
	WorkflowFlagUsage = "Workflow file to load (repeatable; defaults to the configured workflow files)"
	// WorkspaceFlagName exposes the shared workspace flag name.
	WorkspaceFlagName = "workspace"
	// WorkspaceFlagUsage describes the shared workspace flag purpose.
	WorkspaceFlagUsage = "Directory the steps run in"
)

// WorkspaceFlagDefinition captures configuration for workspace flags.
type WorkspaceFlagDefinition struct {
	Enabled            bool
	Persistent         bool
	WorkflowFlagUsage  string
	WorkspaceFlagUsage string
}

// WorkspaceFlagValues stores workspace flag values.
type WorkspaceFlagValues struct {
	WorkflowFiles []string
	Workspace     string
}

// BindWorkspaceFlags attaches the workflow file and workspace flags to the provided command.
func BindWorkspaceFlags(command *cobra.Command, defaults WorkspaceFlagValues, definition WorkspaceFlagDefinition) *WorkspaceFlagValues {
	values := WorkspaceFlagValues{WorkflowFiles: append([]string{}, defaults.WorkflowFiles...), Workspace: defaults.Workspace}
	if command == nil || !definition.Enabled {
		return &values
	}

	workflowUsage := definition.WorkflowFlagUsage
	if len(workflowUsage) == 0 {
		workflowUsage = WorkflowFlagUsage
	}
	workspaceUsage := definition.WorkspaceFlagUsage
	if len(workspaceUsage) == 0 {
		workspaceUsage = WorkspaceFlagUsage
	}

	targetSet := command.PersistentFlags()
	if !definition.Persistent {
		targetSet = command.Flags()
	}

	if targetSet.Lookup(WorkflowFlagName) == nil {
		targetSet.StringSliceVarP(&values.WorkflowFiles, WorkflowFlagName, WorkflowFlagShorthand, values.WorkflowFiles, workflowUsage)
	}
	if targetSet.Lookup(WorkspaceFlagName) == nil {
		targetSet.StringVar(&values.Workspace, WorkspaceFlagName, values.Workspace, workspaceUsage)
	}

	if definition.Persistent {
		for _, flagName := range []string{WorkflowFlagName, WorkspaceFlagName} {
			if command.Flags().Lookup(flagName) != nil {
				continue
			}
			if persistentFlag := targetSet.Lookup(flagName); persistentFlag != nil {
				command.Flags().AddFlag(persistentFlag)
			}
		}
	}
	return &values
}
