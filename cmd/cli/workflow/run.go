package workflow

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shibzuko/ciflow/internal/execshell"
	"github.com/shibzuko/ciflow/internal/pipeline"
	"github.com/shibzuko/ciflow/internal/runner"
	"github.com/shibzuko/ciflow/internal/trigger"
	"github.com/shibzuko/ciflow/internal/utils"
	flagutils "github.com/shibzuko/ciflow/internal/utils/flags"
	"github.com/shibzuko/ciflow/pkg/taskrunner"
)

const (
	runCommandUseConstant               = "run [workflow-file...]"
	runCommandShortDescriptionConstant  = "Run workflows locally for a simulated trigger event"
	runCommandLongDescriptionConstant   = "run loads workflow files, builds the trigger event (push by default, with the ref and revision read from git), and runs every workflow the event starts. Job instances run in parallel up to --workers; the command exits with the run's exit code."
	runCommandExampleConstant           = "ciflow run\n  ciflow run .github/workflows/ci.yml --event pull_request --base-ref master\n  ciflow run -f ci.yml --dry-run"
	eventFlagNameConstant               = "event"
	eventFlagUsageConstant              = "Trigger event to simulate (push, pull_request, schedule, workflow_dispatch)"
	refFlagNameConstant                 = "ref"
	refFlagUsageConstant                = "Git ref of the event (defaults to the workspace HEAD)"
	baseRefFlagNameConstant             = "base-ref"
	baseRefFlagUsageConstant            = "Target branch of a pull_request event"
	shaFlagNameConstant                 = "sha"
	shaFlagUsageConstant                = "Commit revision of the event (defaults to the workspace HEAD)"
	scheduleFlagNameConstant            = "schedule"
	scheduleFlagUsageConstant           = "Cron expression of a schedule event"
	changedFlagNameConstant             = "changed"
	changedFlagUsageConstant            = "Changed file used by path filters (repeatable)"
	ignoreTriggersFlagNameConstant      = "ignore-triggers"
	ignoreTriggersFlagUsageConstant     = "Run every loaded workflow whether or not the event triggers it"
	noCacheFlagNameConstant             = "no-cache"
	noCacheFlagUsageConstant            = "Disable the dependency cache for this run"
	quietFlagNameConstant               = "quiet"
	quietFlagShorthandConstant          = "q"
	quietFlagUsageConstant              = "Suppress the per-instance report and summary line"
	workflowSkippedTemplateConstant     = "skipping workflow %q: not triggered by %s"
	noWorkflowTriggeredTemplateConstant = "no workflow is triggered by event %q; use --ignore-triggers to run anyway"
	runErrorTemplateConstant            = "workflow %q: %w"
	runFailedTemplateConstant           = "workflow %q %s with exit code %d"
	runFailedMultipleTemplateConstant   = "%d workflows failed; first: %s"
	runSkippedMessageConstant           = "workflow not triggered by event"
	logFieldWorkflowConstant            = "workflow"
	logFieldEventConstant               = "event"
	logFieldRefConstant                 = "ref"
)

// RunFailedError reports a run that finished with a non-zero exit code.
type RunFailedError struct {
	Workflow string
	Status   runner.Status
	Code     int
	Failures int
}

// Error describes the failed run.
func (failure RunFailedError) Error() string {
	message := fmt.Sprintf(runFailedTemplateConstant, failure.Workflow, failure.Status, failure.Code)
	if failure.Failures > 1 {
		return fmt.Sprintf(runFailedMultipleTemplateConstant, failure.Failures, message)
	}
	return message
}

// ExitCode reports the process exit code for the failure.
func (failure RunFailedError) ExitCode() int {
	return failure.Code
}

// CommandBuilder assembles the run command.
type CommandBuilder struct {
	LoggerProvider               LoggerProvider
	HumanReadableLoggingProvider func() bool
	ConfigurationProvider        func() CommandConfiguration
	CommandRunner                execshell.CommandRunner
	HistoryOpener                HistoryOpener
	TaskRunnerFactory            TaskRunnerFactory
}

type runFlagValues struct {
	event          EventOptions
	ignoreTriggers bool
	noCache        bool
	quiet          bool
}

// Build constructs the run command.
func (builder *CommandBuilder) Build() (*cobra.Command, error) {
	values := &runFlagValues{}
	var workspaceValues *flagutils.WorkspaceFlagValues

	command := &cobra.Command{
		Use:     runCommandUseConstant,
		Short:   runCommandShortDescriptionConstant,
		Long:    runCommandLongDescriptionConstant,
		Example: runCommandExampleConstant,
		RunE: func(command *cobra.Command, arguments []string) error {
			return builder.run(command, arguments, workspaceValues, values)
		},
	}

	workspaceValues = flagutils.BindWorkspaceFlags(command, flagutils.WorkspaceFlagValues{}, flagutils.WorkspaceFlagDefinition{Enabled: true})
	command.Flags().StringVar(&values.event.Name, eventFlagNameConstant, pipeline.EventPush, eventFlagUsageConstant)
	command.Flags().StringVar(&values.event.Ref, refFlagNameConstant, "", refFlagUsageConstant)
	command.Flags().StringVar(&values.event.BaseRef, baseRefFlagNameConstant, "", baseRefFlagUsageConstant)
	command.Flags().StringVar(&values.event.SHA, shaFlagNameConstant, "", shaFlagUsageConstant)
	command.Flags().StringVar(&values.event.Schedule, scheduleFlagNameConstant, "", scheduleFlagUsageConstant)
	command.Flags().StringArrayVar(&values.event.ChangedFiles, changedFlagNameConstant, nil, changedFlagUsageConstant)
	command.Flags().BoolVar(&values.ignoreTriggers, ignoreTriggersFlagNameConstant, false, ignoreTriggersFlagUsageConstant)
	command.Flags().BoolVar(&values.noCache, noCacheFlagNameConstant, false, noCacheFlagUsageConstant)
	command.Flags().BoolVarP(&values.quiet, quietFlagNameConstant, quietFlagShorthandConstant, false, quietFlagUsageConstant)

	return command, nil
}

func (builder *CommandBuilder) run(command *cobra.Command, arguments []string, workspaceValues *flagutils.WorkspaceFlagValues, values *runFlagValues) error {
	logger := resolveLogger(builder.LoggerProvider)
	configuration, dryRun := builder.resolveConfiguration(command, workspaceValues)

	workflows, loadError := LoadWorkflows(ResolveWorkflowFiles(arguments, workspaceValues.WorkflowFiles, configuration))
	if loadError != nil {
		if helpError := displayCommandHelp(command); helpError != nil {
			return helpError
		}
		return loadError
	}

	dependencies, dependencyError := BuildRunDependencies(RunDependencyRequest{
		Configuration:                configuration,
		LoggerProvider:               builder.LoggerProvider,
		HumanReadableLoggingProvider: builder.HumanReadableLoggingProvider,
		CommandRunner:                builder.CommandRunner,
		HistoryOpener:                builder.HistoryOpener,
		RecordHistory:                !dryRun,
		Options: taskrunner.DependenciesOptions{
			Command:      command,
			Output:       utils.NewFlushingWriter(command.OutOrStdout()),
			Errors:       utils.NewFlushingWriter(command.ErrOrStderr()),
			DisableCache: values.noCache || dryRun,
			Quiet:        values.quiet,
		},
	})
	if dependencyError != nil {
		return dependencyError
	}
	defer dependencies.Close()

	executionContext, stop := NotifyContext(command.Context())
	defer stop()

	event := BuildEvent(executionContext, values.event, dependencies.ShellExecutor, configuration.Workspace, logger)
	triggered := selectTriggered(workflows, event, values.ignoreTriggers, dependencies.Errors, logger)
	if len(triggered) == 0 {
		return fmt.Errorf(noWorkflowTriggeredTemplateConstant, event.Name)
	}

	if dryRun {
		return printPlans(dependencies.Scheduler, triggered, dependencies.Output)
	}

	executor := taskrunner.Resolve(builder.TaskRunnerFactory, dependencies.DependenciesResult)
	var firstFailure *RunFailedError
	failures := 0
	for _, workflow := range triggered {
		result, runError := executor.Run(executionContext, runner.RunRequest{Workflow: workflow, Event: event, Workspace: configuration.Workspace})
		if runError != nil {
			return fmt.Errorf(runErrorTemplateConstant, workflow.Name, runError)
		}
		if result.ExitCode == 0 {
			continue
		}
		failures++
		if firstFailure == nil {
			firstFailure = &RunFailedError{Workflow: workflow.Name, Status: result.Status, Code: result.ExitCode}
		}
		if executionContext.Err() != nil {
			break
		}
	}
	if firstFailure != nil {
		firstFailure.Failures = failures
		return *firstFailure
	}
	return nil
}

func (builder *CommandBuilder) resolveConfiguration(command *cobra.Command, workspaceValues *flagutils.WorkspaceFlagValues) (CommandConfiguration, bool) {
	configuration := DefaultCommandConfiguration()
	if builder.ConfigurationProvider != nil {
		configuration = builder.ConfigurationProvider()
	}
	if workspaceValues != nil && len(strings.TrimSpace(workspaceValues.Workspace)) > 0 {
		configuration.Workspace = workspaceValues.Workspace
	}

	dryRun := false
	if executionFlags, available := flagutils.ResolveExecutionFlags(command); available {
		if executionFlags.WorkersSet {
			configuration.Workers = executionFlags.Workers
		}
		dryRun = executionFlags.DryRunSet && executionFlags.DryRun
	}
	return configuration.Sanitize(), dryRun
}

func selectTriggered(workflows []pipeline.Workflow, event trigger.Event, ignoreTriggers bool, writer io.Writer, logger *zap.Logger) []pipeline.Workflow {
	if ignoreTriggers {
		return workflows
	}
	triggered := make([]pipeline.Workflow, 0, len(workflows))
	for _, workflow := range workflows {
		if trigger.Matches(workflow.Triggers, event) {
			triggered = append(triggered, workflow)
			continue
		}
		logger.Info(runSkippedMessageConstant, zap.String(logFieldWorkflowConstant, workflow.Name), zap.String(logFieldEventConstant, event.Name), zap.String(logFieldRefConstant, event.Ref))
		if writer != nil {
			fmt.Fprintf(writer, workflowSkippedTemplateConstant+"\n", workflow.Name, describeEvent(event))
		}
	}
	return triggered
}

func describeEvent(event trigger.Event) string {
	if len(event.Ref) == 0 {
		return event.Name
	}
	return event.Name + " " + event.Ref
}

func printPlans(scheduler *runner.Scheduler, workflows []pipeline.Workflow, writer io.Writer) error {
	for _, workflow := range workflows {
		plan, planError := scheduler.Plan(workflow)
		if planError != nil {
			return planError
		}
		for _, line := range taskrunner.RenderPlan(plan) {
			fmt.Fprintln(writer, line)
		}
	}
	return nil
}
