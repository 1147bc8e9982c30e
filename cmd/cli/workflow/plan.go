package workflow

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shibzuko/ciflow/internal/execshell"
	"github.com/shibzuko/ciflow/internal/utils"
	flagutils "github.com/shibzuko/ciflow/internal/utils/flags"
	"github.com/shibzuko/ciflow/pkg/taskrunner"
)

const (
	planCommandUseConstant              = "plan [workflow-file...]"
	planCommandShortDescriptionConstant = "Validate workflows and print their execution plan"
	planCommandLongDescriptionConstant  = "plan parses and validates workflow files, expands job matrices, and prints the stages and job instances each workflow would run, without running any step."
	planCommandExampleConstant          = "ciflow plan\n  ciflow plan .github/workflows/ci.yml .github/workflows/nightly.yml"
	planTriggersTemplateConstant        = "  on: %s"
	planNoTriggersConstant              = "(none)"
)

// PlanCommandBuilder assembles the plan command.
type PlanCommandBuilder struct {
	LoggerProvider               LoggerProvider
	HumanReadableLoggingProvider func() bool
	ConfigurationProvider        func() CommandConfiguration
	CommandRunner                execshell.CommandRunner
}

// Build constructs the plan command.
func (builder *PlanCommandBuilder) Build() (*cobra.Command, error) {
	var workspaceValues *flagutils.WorkspaceFlagValues
	command := &cobra.Command{
		Use:     planCommandUseConstant,
		Short:   planCommandShortDescriptionConstant,
		Long:    planCommandLongDescriptionConstant,
		Example: planCommandExampleConstant,
		RunE: func(command *cobra.Command, arguments []string) error {
			return builder.run(command, arguments, workspaceValues)
		},
	}
	workspaceValues = flagutils.BindWorkspaceFlags(command, flagutils.WorkspaceFlagValues{}, flagutils.WorkspaceFlagDefinition{Enabled: true})
	return command, nil
}

func (builder *PlanCommandBuilder) run(command *cobra.Command, arguments []string, workspaceValues *flagutils.WorkspaceFlagValues) error {
	runBuilder := CommandBuilder{ConfigurationProvider: builder.ConfigurationProvider}
	configuration, _ := runBuilder.resolveConfiguration(command, workspaceValues)

	workflows, loadError := LoadWorkflows(ResolveWorkflowFiles(arguments, workspaceValues.WorkflowFiles, configuration))
	if loadError != nil {
		return loadError
	}

	dependencies, dependencyError := BuildRunDependencies(RunDependencyRequest{
		Configuration:                configuration,
		LoggerProvider:               builder.LoggerProvider,
		HumanReadableLoggingProvider: builder.HumanReadableLoggingProvider,
		CommandRunner:                builder.CommandRunner,
		Options: taskrunner.DependenciesOptions{
			Command:      command,
			Output:       utils.NewFlushingWriter(command.OutOrStdout()),
			Errors:       utils.NewFlushingWriter(command.ErrOrStderr()),
			DisableCache: true,
		},
	})
	if dependencyError != nil {
		return dependencyError
	}
	defer dependencies.Close()

	for _, workflow := range workflows {
		plan, planError := dependencies.Scheduler.Plan(workflow)
		if planError != nil {
			return planError
		}
		lines := taskrunner.RenderPlan(plan)
		fmt.Fprintln(dependencies.Output, lines[0])
		triggers := strings.Join(workflow.Triggers.EventNames(), ", ")
		if len(triggers) == 0 {
			triggers = planNoTriggersConstant
		}
		fmt.Fprintf(dependencies.Output, planTriggersTemplateConstant+"\n", triggers)
		for _, line := range lines[1:] {
			fmt.Fprintln(dependencies.Output, line)
		}
	}
	return nil
}
