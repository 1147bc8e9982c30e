package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shibzuko/ciflow/internal/execshell"
	"github.com/shibzuko/ciflow/internal/utils"
	flagutils "github.com/shibzuko/ciflow/internal/utils/flags"
	"github.com/shibzuko/ciflow/internal/version"
)

const (
	applicationNameConstant             = "ciflow"
	applicationShortDescriptionConstant = "Run GitHub Actions style workflows on the local host"
	applicationLongDescriptionConstant  = "ciflow parses GitHub Actions style workflow files, expands job matrices, provisions runtimes and services on the host, and runs the resulting jobs with dependency caching. Use run for a one-off pipeline, plan to preview it, and serve to react to webhooks and schedules."
	configFileFlagNameConstant          = "config"
	configFileFlagUsageConstant         = "Optional path to a configuration file (YAML or JSON)."
	logLevelFlagNameConstant            = "log-level"
	logLevelFlagUsageConstant           = "Override the configured log level."
	logFormatFlagNameConstant           = "log-format"
	logFormatFlagUsageConstant          = "Override the configured log format (structured or console)."
	versionFlagNameConstant             = "version"
	versionFlagUsageConstant            = "Print the application version and exit"
	commonLogLevelConfigKeyConstant     = "common.log_level"
	commonLogFormatConfigKeyConstant    = "common.log_format"
	environmentPrefixConstant           = "CIFLOW"
	configurationNameConstant           = "config"
	configurationTypeConstant           = "yaml"
	configurationFileNameConstant       = configurationNameConstant + "." + configurationTypeConstant
	configurationLoadedMessageConstant  = "configuration loaded"
	configurationLoadedConsoleTemplate  = "%s | log level=%s | log format=%s | config file=%s"
	logFieldLogLevelConstant            = "log_level"
	logFieldLogFormatConstant           = "log_format"
	logFieldConfigFileConstant          = "config_file"
	configurationLoadErrorTemplate      = "unable to load configuration: %w"
	loggerCreationErrorTemplate         = "unable to create logger: %w"
	loggerSyncErrorTemplate             = "unable to flush logger: %w"
	versionOutputTemplateConstant       = "ciflow version: %s\n"
	versionRevisionTemplateConstant     = "revision: %s\n"
	versionModifiedSuffixConstant       = " (modified)"
	versionGoTemplateConstant           = "go: %s\n"
	genericFailureExitCodeConstant      = 1
)

// Sync on a terminal or pipe reports these without losing log output.
var ignorableSyncErrors = []error{syscall.ENOTSUP, syscall.EINVAL, syscall.EBADF, syscall.ENOTTY}

type loggerOutputsFactory interface {
	CreateLoggerOutputs(utils.LogLevel, utils.LogFormat, ...utils.LoggerOption) (utils.LoggerOutputs, error)
}

type exitCoder interface {
	ExitCode() int
}

// ExitCode maps an execution error to the process exit status. Failed workflow runs carry
// their own status; every other error exits with 1.
func ExitCode(executionError error) int {
	if executionError == nil {
		return 0
	}
	var coder exitCoder
	if errors.As(executionError, &coder) {
		if code := coder.ExitCode(); code > 0 {
			return code
		}
	}
	return genericFailureExitCodeConstant
}

type rootFlagValues struct {
	configurationFile   string
	logLevel            string
	logFormat           string
	initializationScope string
	initializationForce bool
	printVersion        bool
}

// Application wires the Cobra root command, configuration loader, and structured logger.
type Application struct {
	rootCommand            *cobra.Command
	configurationLoader    *utils.ConfigurationLoader
	loggerFactory          loggerOutputsFactory
	logger                 *zap.Logger
	consoleLogger          *zap.Logger
	configuration          ApplicationConfiguration
	configurationMetadata  utils.LoadedConfiguration
	flags                  rootFlagValues
	commandContextAccessor utils.CommandContextAccessor
	commandRunner          execshell.CommandRunner
	versionResolver        func(context.Context) version.Info
	exitFunction           func(int)
}

// NewApplication assembles a fully wired CLI application instance.
func NewApplication() *Application {
	application := &Application{
		loggerFactory:          utils.NewLoggerFactory(),
		logger:                 zap.NewNop(),
		consoleLogger:          zap.NewNop(),
		commandContextAccessor: utils.NewCommandContextAccessor(),
		exitFunction:           os.Exit,
	}
	application.versionResolver = application.resolveVersion

	application.configurationLoader = utils.NewConfigurationLoader(
		configurationNameConstant,
		configurationTypeConstant,
		environmentPrefixConstant,
		resolveConfigurationSearchPaths(),
	)
	application.configurationLoader.SetEmbeddedConfiguration(EmbeddedDefaultConfiguration())

	rootCommand := &cobra.Command{
		Use:               applicationNameConstant,
		Short:             applicationShortDescriptionConstant,
		Long:              applicationLongDescriptionConstant,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: application.prepareCommand,
		RunE:              application.runRootCommand,
	}
	rootCommand.SetContext(context.Background())

	persistentFlags := rootCommand.PersistentFlags()
	persistentFlags.StringVar(&application.flags.configurationFile, configFileFlagNameConstant, "", configFileFlagUsageConstant)
	persistentFlags.StringVar(&application.flags.logLevel, logLevelFlagNameConstant, "", logLevelFlagUsageConstant)
	persistentFlags.StringVar(&application.flags.logFormat, logFormatFlagNameConstant, "", logFormatFlagUsageConstant)
	persistentFlags.StringVar(&application.flags.initializationScope, initializationFlagNameConstant, initializationScopeLocalConstant, initializationFlagUsageConstant)
	persistentFlags.BoolVar(&application.flags.initializationForce, initializationForceFlagNameConstant, false, initializationForceFlagUsageConstant)
	persistentFlags.BoolVar(&application.flags.printVersion, versionFlagNameConstant, false, versionFlagUsageConstant)
	flagutils.BindExecutionFlags(rootCommand, flagutils.ExecutionDefaults{}, flagutils.DefaultExecutionFlagDefinitions())

	application.registerCommands(rootCommand)
	application.rootCommand = rootCommand

	return application
}

// Execute runs the configured Cobra command hierarchy and ensures logger flushing.
func (application *Application) Execute() error {
	application.rootCommand.SetArgs(normalizeInitializationScopeArguments(os.Args[1:]))

	executionError := application.rootCommand.Execute()
	if syncError := application.flushLoggers(); syncError != nil && executionError == nil {
		return fmt.Errorf(loggerSyncErrorTemplate, syncError)
	}
	return executionError
}

// Execute builds a fresh application instance and executes the root command hierarchy.
func Execute() error {
	return NewApplication().Execute()
}

// InitializeForCommand prepares application state for the provided command name without executing command logic.
func (application *Application) InitializeForCommand(commandUse string) error {
	return application.initializeConfiguration(&cobra.Command{Use: commandUse})
}

// ConfigFileUsed returns the configuration file path used during initialization.
func (application *Application) ConfigFileUsed() string {
	return application.configurationMetadata.ConfigFileUsed
}

func (application *Application) prepareCommand(command *cobra.Command, arguments []string) error {
	if initializationError := application.initializeConfiguration(command); initializationError != nil {
		return initializationError
	}
	if value, changed, flagError := flagutils.BoolFlag(command, versionFlagNameConstant); flagError == nil && changed {
		application.flags.printVersion = value
	}
	if application.flags.printVersion {
		application.printVersion(command)
		application.exitFunction(0)
	}
	return nil
}

func (application *Application) initializeConfiguration(command *cobra.Command) error {
	defaultValues := map[string]any{
		commonLogLevelConfigKeyConstant:  string(utils.LogLevelError),
		commonLogFormatConfigKeyConstant: string(utils.LogFormatStructured),
	}
	loadedConfiguration, loadError := application.configurationLoader.LoadConfiguration(application.flags.configurationFile, defaultValues, &application.configuration)
	if loadError != nil {
		return fmt.Errorf(configurationLoadErrorTemplate, loadError)
	}
	application.configurationMetadata = loadedConfiguration

	common := &application.configuration.Common
	if persistentFlagChanged(command, logLevelFlagNameConstant) {
		common.LogLevel = application.flags.logLevel
	}
	if persistentFlagChanged(command, logFormatFlagNameConstant) {
		common.LogFormat = application.flags.logFormat
	}

	loggerOutputs, loggerCreationError := application.loggerFactory.CreateLoggerOutputs(
		utils.LogLevel(common.LogLevel),
		utils.LogFormat(common.LogFormat),
		utils.WithRotatingFile(common.LogFile),
	)
	if loggerCreationError != nil {
		return fmt.Errorf(loggerCreationErrorTemplate, loggerCreationError)
	}
	application.logger = nopIfNil(loggerOutputs.DiagnosticLogger)
	application.consoleLogger = nopIfNil(loggerOutputs.ConsoleLogger)
	application.logConfigurationLoaded()

	executionContext := command.Context()
	if executionContext == nil {
		executionContext = context.Background()
	}
	executionContext = application.commandContextAccessor.WithConfigurationFilePath(executionContext, loadedConfiguration.ConfigFileUsed)
	executionContext = application.commandContextAccessor.WithExecutionFlags(executionContext, flagutils.CollectExecutionFlags(command))
	executionContext = application.commandContextAccessor.WithLogLevel(executionContext, common.LogLevel)
	command.SetContext(executionContext)
	if rootCommand := command.Root(); rootCommand != command {
		rootCommand.SetContext(executionContext)
	}
	return nil
}

func (application *Application) humanReadableLoggingEnabled() bool {
	return strings.EqualFold(strings.TrimSpace(application.configuration.Common.LogFormat), string(utils.LogFormatConsole))
}

func (application *Application) logConfigurationLoaded() {
	common := application.configuration.Common
	if !strings.EqualFold(strings.TrimSpace(common.LogLevel), string(utils.LogLevelDebug)) {
		return
	}
	configFile := application.configurationMetadata.ConfigFileUsed
	if application.humanReadableLoggingEnabled() {
		application.consoleLogger.Debug(fmt.Sprintf(configurationLoadedConsoleTemplate, configurationLoadedMessageConstant, common.LogLevel, common.LogFormat, configFile))
		return
	}
	application.logger.Debug(
		configurationLoadedMessageConstant,
		zap.String(logFieldLogLevelConstant, common.LogLevel),
		zap.String(logFieldLogFormatConstant, common.LogFormat),
		zap.String(logFieldConfigFileConstant, configFile),
	)
}

func (application *Application) resolveVersion(executionContext context.Context) version.Info {
	dependencies := version.Dependencies{}
	commandRunner := application.commandRunner
	if commandRunner == nil {
		commandRunner = execshell.NewOSCommandRunner()
	}
	if shellExecutor, executorError := execshell.NewShellExecutor(application.logger, commandRunner, application.humanReadableLoggingEnabled()); executorError == nil {
		dependencies.GitExecutor = shellExecutor
	}
	info := version.Detect(executionContext, dependencies)
	info.Version = strings.TrimSpace(info.Version)
	return info
}

func (application *Application) printVersion(command *cobra.Command) {
	info := application.versionResolver(command.Context())
	writer := command.OutOrStdout()
	fmt.Fprintf(writer, versionOutputTemplateConstant, info.Version)
	if len(info.Revision) > 0 {
		revision := info.Revision
		if info.Modified {
			revision += versionModifiedSuffixConstant
		}
		fmt.Fprintf(writer, versionRevisionTemplateConstant, revision)
	}
	if len(info.GoVersion) > 0 {
		fmt.Fprintf(writer, versionGoTemplateConstant, info.GoVersion)
	}
}

func (application *Application) runRootCommand(command *cobra.Command, arguments []string) error {
	if !persistentFlagChanged(command, initializationFlagNameConstant) {
		return command.Help()
	}
	return application.initializeConfigurationFile(command)
}

func (application *Application) flushLoggers() error {
	for _, logger := range []*zap.Logger{application.logger, application.consoleLogger} {
		if syncError := syncLogger(logger); syncError != nil {
			return syncError
		}
	}
	return nil
}

func syncLogger(logger *zap.Logger) error {
	if logger == nil {
		return nil
	}
	syncError := logger.Sync()
	for _, ignorable := range ignorableSyncErrors {
		if errors.Is(syncError, ignorable) {
			return nil
		}
	}
	return syncError
}

func nopIfNil(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

func persistentFlagChanged(command *cobra.Command, flagName string) bool {
	if command == nil {
		return false
	}
	if command.PersistentFlags().Changed(flagName) || command.InheritedFlags().Changed(flagName) {
		return true
	}
	return command.Root().PersistentFlags().Changed(flagName)
}
