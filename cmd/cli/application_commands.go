package cli

import (
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	cachecmd "github.com/shibzuko/ciflow/cmd/cli/cache"
	historycmd "github.com/shibzuko/ciflow/cmd/cli/history"
	servecmd "github.com/shibzuko/ciflow/cmd/cli/serve"
	workflowcmd "github.com/shibzuko/ciflow/cmd/cli/workflow"
)

const (
	versionCommandUseNameConstant          = "version"
	versionCommandShortDescriptionConstant = "Print the ciflow version"
	versionCommandLongDescriptionConstant  = "version prints the ciflow release identifier together with the VCS revision and Go toolchain recorded in the binary."
	runCommandAliasConstant                = "r"
	historyCommandAliasConstant            = "h"
)

func (application *Application) registerCommands(cobraCommand *cobra.Command) {
	loggerProvider := func() *zap.Logger {
		return application.logger
	}

	runBuilder := workflowcmd.CommandBuilder{
		LoggerProvider:               loggerProvider,
		HumanReadableLoggingProvider: application.humanReadableLoggingEnabled,
		ConfigurationProvider:        application.workflowCommandConfiguration,
		CommandRunner:                application.commandRunner,
	}
	if runCommand, runBuildError := runBuilder.Build(); runBuildError == nil {
		runCommand.Aliases = appendUnique(runCommand.Aliases, runCommandAliasConstant)
		cobraCommand.AddCommand(runCommand)
	}

	planBuilder := workflowcmd.PlanCommandBuilder{
		LoggerProvider:               loggerProvider,
		HumanReadableLoggingProvider: application.humanReadableLoggingEnabled,
		ConfigurationProvider:        application.workflowCommandConfiguration,
		CommandRunner:                application.commandRunner,
	}
	if planCommand, planBuildError := planBuilder.Build(); planBuildError == nil {
		cobraCommand.AddCommand(planCommand)
	}

	cacheBuilder := cachecmd.CommandBuilder{
		LoggerProvider:        loggerProvider,
		ConfigurationProvider: application.cacheCommandConfiguration,
		WorkspaceProvider:     application.workspaceDirectory,
	}
	if cacheCommand, cacheBuildError := cacheBuilder.Build(); cacheBuildError == nil {
		cobraCommand.AddCommand(cacheCommand)
	}

	serveBuilder := servecmd.CommandBuilder{
		LoggerProvider:               loggerProvider,
		HumanReadableLoggingProvider: application.humanReadableLoggingEnabled,
		ConfigurationProvider:        application.serverCommandConfiguration,
		RunnerConfigurationProvider:  application.workflowCommandConfiguration,
		CommandRunner:                application.commandRunner,
	}
	if serveCommand, serveBuildError := serveBuilder.Build(); serveBuildError == nil {
		cobraCommand.AddCommand(serveCommand)
	}

	historyBuilder := historycmd.CommandBuilder{
		LoggerProvider:        loggerProvider,
		ConfigurationProvider: application.historyCommandConfiguration,
	}
	if historyCommand, historyBuildError := historyBuilder.Build(); historyBuildError == nil {
		historyCommand.Aliases = appendUnique(historyCommand.Aliases, historyCommandAliasConstant)
		cobraCommand.AddCommand(historyCommand)
	}

	versionCommand := &cobra.Command{
		Use:           versionCommandUseNameConstant,
		Short:         versionCommandShortDescriptionConstant,
		Long:          versionCommandLongDescriptionConstant,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			application.printVersion(command)
			return nil
		},
	}
	cobraCommand.AddCommand(versionCommand)
}

func appendUnique(values []string, candidates ...string) []string {
	result := values
	for _, candidate := range candidates {
		trimmedCandidate := strings.TrimSpace(candidate)
		if len(trimmedCandidate) == 0 {
			continue
		}
		duplicate := false
		for _, existing := range result {
			if existing == trimmedCandidate {
				duplicate = true
				break
			}
		}
		if !duplicate {
			result = append(result, trimmedCandidate)
		}
	}
	return result
}
