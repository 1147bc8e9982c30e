// Package serve provides the long-running trigger listener command.
package serve

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	workflowcmd "github.com/shibzuko/ciflow/cmd/cli/workflow"
	"github.com/shibzuko/ciflow/internal/execshell"
	"github.com/shibzuko/ciflow/internal/runner"
	"github.com/shibzuko/ciflow/internal/trigger"
	"github.com/shibzuko/ciflow/internal/utils"
	flagutils "github.com/shibzuko/ciflow/internal/utils/flags"
	"github.com/shibzuko/ciflow/pkg/taskrunner"
)

const (
	commandUseConstant              = "serve"
	commandShortDescriptionConstant = "Listen for webhook deliveries and cron schedules and run matching workflows"
	commandLongDescriptionConstant  = "serve loads the configured workflows, registers their schedule triggers, and starts an HTTP listener for GitHub-style webhook deliveries (push, pull_request, workflow_dispatch). Matching events are queued and run in the background; recorded runs are served under /runs."
	commandExampleConstant          = "ciflow serve --address :8080\n  CIFLOW_SERVER_SECRET=s3cret ciflow serve -f .github/workflows/ci.yml"
	addressFlagNameConstant         = "address"
	addressFlagUsageConstant        = "Listen address (defaults to server.address)"
	defaultAddressConstant          = ":8080"
	defaultQueueSizeConstant        = 16
	defaultWorkersConstant          = 1
	defaultMaxPayloadBytesConstant  = 5 << 20
	registerSchedulesTemplate       = "unable to register schedules: %w"
	serverStartingMessageConstant   = "ciflow server starting"
	logFieldWorkflowsConstant       = "workflows"
	logFieldSchedulesConstant       = "schedules"
	logFieldAddressConstant         = "address"
)

// CommandConfiguration captures the server section.
type CommandConfiguration struct {
	Address         string `mapstructure:"address"`
	Secret          string `mapstructure:"secret"`
	QueueSize       int    `mapstructure:"queue_size"`
	Workers         int    `mapstructure:"workers"`
	MaxPayloadBytes int64  `mapstructure:"max_payload_bytes"`
}

// DefaultCommandConfiguration provides the server defaults.
func DefaultCommandConfiguration() CommandConfiguration {
	return CommandConfiguration{
		Address:         defaultAddressConstant,
		QueueSize:       defaultQueueSizeConstant,
		Workers:         defaultWorkersConstant,
		MaxPayloadBytes: defaultMaxPayloadBytesConstant,
	}
}

// CommandBuilder assembles the serve command.
type CommandBuilder struct {
	LoggerProvider               workflowcmd.LoggerProvider
	HumanReadableLoggingProvider func() bool
	ConfigurationProvider        func() CommandConfiguration
	RunnerConfigurationProvider  func() workflowcmd.CommandConfiguration
	CommandRunner                execshell.CommandRunner
	HistoryOpener                workflowcmd.HistoryOpener
	// ContextDecorator wraps the signal-aware context, for example to bound how long the server runs.
	ContextDecorator func(context.Context) (context.Context, context.CancelFunc)
}

// Build constructs the serve command.
func (builder *CommandBuilder) Build() (*cobra.Command, error) {
	var address string
	var workspaceValues *flagutils.WorkspaceFlagValues
	command := &cobra.Command{
		Use:     commandUseConstant,
		Short:   commandShortDescriptionConstant,
		Long:    commandLongDescriptionConstant,
		Example: commandExampleConstant,
		Args:    cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			return builder.run(command, address, workspaceValues)
		},
	}
	workspaceValues = flagutils.BindWorkspaceFlags(command, flagutils.WorkspaceFlagValues{}, flagutils.WorkspaceFlagDefinition{Enabled: true})
	command.Flags().StringVar(&address, addressFlagNameConstant, "", addressFlagUsageConstant)
	return command, nil
}

func (builder *CommandBuilder) run(command *cobra.Command, address string, workspaceValues *flagutils.WorkspaceFlagValues) error {
	logger := zap.NewNop()
	if builder.LoggerProvider != nil && builder.LoggerProvider() != nil {
		logger = builder.LoggerProvider()
	}

	serverConfiguration := builder.resolveConfiguration()
	if trimmed := strings.TrimSpace(address); len(trimmed) > 0 {
		serverConfiguration.Address = trimmed
	}

	runnerConfiguration := workflowcmd.DefaultCommandConfiguration()
	if builder.RunnerConfigurationProvider != nil {
		runnerConfiguration = builder.RunnerConfigurationProvider()
	}
	if workspaceValues != nil && len(strings.TrimSpace(workspaceValues.Workspace)) > 0 {
		runnerConfiguration.Workspace = workspaceValues.Workspace
	}
	if executionFlags, available := flagutils.ResolveExecutionFlags(command); available && executionFlags.WorkersSet {
		runnerConfiguration.Workers = executionFlags.Workers
	}
	runnerConfiguration = runnerConfiguration.Sanitize()

	var flaggedFiles []string
	if workspaceValues != nil {
		flaggedFiles = workspaceValues.WorkflowFiles
	}
	workflows, loadError := workflowcmd.LoadWorkflows(workflowcmd.ResolveWorkflowFiles(nil, flaggedFiles, runnerConfiguration))
	if loadError != nil {
		return loadError
	}

	dependencies, dependencyError := workflowcmd.BuildRunDependencies(workflowcmd.RunDependencyRequest{
		Configuration:                runnerConfiguration,
		LoggerProvider:               func() *zap.Logger { return logger },
		HumanReadableLoggingProvider: builder.HumanReadableLoggingProvider,
		CommandRunner:                builder.CommandRunner,
		HistoryOpener:                builder.HistoryOpener,
		RecordHistory:                true,
		Options: taskrunner.DependenciesOptions{
			Command: command,
			Output:  utils.NewFlushingWriter(command.OutOrStdout()),
			Errors:  utils.NewFlushingWriter(command.ErrOrStderr()),
			Quiet:   true,
		},
	})
	if dependencyError != nil {
		return dependencyError
	}
	defer dependencies.Close()

	for _, workflow := range workflows {
		if _, planError := dependencies.Scheduler.Plan(workflow); planError != nil {
			return planError
		}
	}

	dispatcher := runner.NewWorkflowDispatcher(dependencies.Scheduler, workflows, runnerConfiguration.Workspace, logger)
	cronScheduler := trigger.NewCronScheduler(dispatcher, logger)
	if registerError := cronScheduler.Register(workflows); registerError != nil {
		return fmt.Errorf(registerSchedulesTemplate, registerError)
	}

	var catalog trigger.RunCatalog
	if dependencies.History != nil {
		catalog = dependencies.History
	}
	listener := trigger.NewListener(trigger.ListenerConfig{
		Address:         serverConfiguration.Address,
		Secret:          serverConfiguration.Secret,
		QueueSize:       serverConfiguration.QueueSize,
		Workers:         serverConfiguration.Workers,
		MaxPayloadBytes: serverConfiguration.MaxPayloadBytes,
	}, dispatcher, catalog, logger)

	executionContext, stop := workflowcmd.NotifyContext(command.Context())
	defer stop()
	if builder.ContextDecorator != nil {
		decorated, cancel := builder.ContextDecorator(executionContext)
		defer cancel()
		executionContext = decorated
	}

	logger.Info(
		serverStartingMessageConstant,
		zap.String(logFieldAddressConstant, serverConfiguration.Address),
		zap.Int(logFieldWorkflowsConstant, len(workflows)),
		zap.Strings(logFieldSchedulesConstant, cronScheduler.Schedules()),
	)
	cronScheduler.Start(executionContext)
	defer cronScheduler.Stop()
	return listener.Serve(executionContext)
}

func (builder *CommandBuilder) resolveConfiguration() CommandConfiguration {
	defaults := DefaultCommandConfiguration()
	if builder.ConfigurationProvider == nil {
		return defaults
	}
	configuration := builder.ConfigurationProvider()
	configuration.Address = strings.TrimSpace(configuration.Address)
	if len(configuration.Address) == 0 {
		configuration.Address = defaults.Address
	}
	if configuration.QueueSize <= 0 {
		configuration.QueueSize = defaults.QueueSize
	}
	if configuration.Workers <= 0 {
		configuration.Workers = defaults.Workers
	}
	if configuration.MaxPayloadBytes <= 0 {
		configuration.MaxPayloadBytes = defaults.MaxPayloadBytes
	}
	return configuration
}
