package taskrunner

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shibzuko/ciflow/internal/actions"
	"github.com/shibzuko/ciflow/internal/cache"
	"github.com/shibzuko/ciflow/internal/execshell"
	"github.com/shibzuko/ciflow/internal/provision"
	"github.com/shibzuko/ciflow/internal/runner"
)

var errExecutorMissing = errors.New("taskrunner.executor_missing")

// DependenciesConfig captures providers required to build the run collaborators.
type DependenciesConfig struct {
	LoggerProvider               func() *zap.Logger
	HumanReadableLoggingProvider func() bool
	CommandRunner                execshell.CommandRunner
	Provisioning                 provision.Configuration
	CacheDirectory               string
	CheckoutBaseURL              string
	DefaultShell                 string
	TemporaryRoot                string
	Workers                      int
	History                      runner.HistoryStore
}

// DependenciesOptions allows per-command overrides when resolving run dependencies.
type DependenciesOptions struct {
	Command      *cobra.Command
	Output       io.Writer
	Errors       io.Writer
	DisableCache bool
	Quiet        bool
}

// DependenciesResult exposes the resolved collaborators.
type DependenciesResult struct {
	Logger        *zap.Logger
	ShellExecutor *execshell.ShellExecutor
	Provisioner   *provision.Provisioner
	Cache         *cache.Store
	Actions       *actions.Registry
	Executor      *runner.InstanceExecutor
	Scheduler     *runner.Scheduler
	Output        io.Writer
	Errors        io.Writer
	Quiet         bool
}

// BuildDependencies resolves the shell, provisioner, cache, actions and scheduler for a run.
func BuildDependencies(config DependenciesConfig, options DependenciesOptions) (DependenciesResult, error) {
	logger := resolveLogger(config.LoggerProvider)
	humanReadable := false
	if config.HumanReadableLoggingProvider != nil {
		humanReadable = config.HumanReadableLoggingProvider()
	}

	outputWriter := resolveWriter(options.Output, options.Command, true)
	errorWriter := resolveWriter(options.Errors, options.Command, false)

	commandRunner := config.CommandRunner
	if commandRunner == nil {
		commandRunner = execshell.NewOSCommandRunner()
	}
	shellExecutor, executorError := execshell.NewShellExecutor(logger, commandRunner, humanReadable)
	if executorError != nil {
		return DependenciesResult{}, fmt.Errorf("taskrunner.dependencies.shell_executor: %w", executorError)
	}

	provisioner, provisionerError := provision.NewProvisioner(config.Provisioning, shellExecutor, logger)
	if provisionerError != nil {
		return DependenciesResult{}, fmt.Errorf("taskrunner.dependencies.provisioner: %w", provisionerError)
	}

	actionDependencies := actions.Dependencies{
		GitExecutor:     shellExecutor,
		Provisioner:     provisioner,
		Logger:          logger,
		CheckoutBaseURL: config.CheckoutBaseURL,
	}
	var cacheStore *cache.Store
	if !options.DisableCache {
		store, storeError := cache.NewStore(config.CacheDirectory, logger)
		if storeError != nil {
			return DependenciesResult{}, fmt.Errorf("taskrunner.dependencies.cache: %w", storeError)
		}
		cacheStore = store
		actionDependencies.Cache = cacheStore
	}
	registry := actions.NewRegistry(actionDependencies)

	instanceExecutor := runner.NewInstanceExecutor(
		shellExecutor,
		registry,
		logger,
		runner.WithProvisioner(provisioner),
		runner.WithHashFiles(cache.HashFiles),
		runner.WithOutput(outputWriter),
		runner.WithDefaultShell(config.DefaultShell),
	)

	schedulerOptions := []runner.SchedulerOption{
		runner.WithWorkers(config.Workers),
		runner.WithTemporaryRoot(config.TemporaryRoot),
	}
	if config.History != nil {
		schedulerOptions = append(schedulerOptions, runner.WithRecorder(runner.NewHistoryRecorder(config.History)))
	}
	scheduler := runner.NewScheduler(instanceExecutor, logger, schedulerOptions...)

	return DependenciesResult{
		Logger:        logger,
		ShellExecutor: shellExecutor,
		Provisioner:   provisioner,
		Cache:         cacheStore,
		Actions:       registry,
		Executor:      instanceExecutor,
		Scheduler:     scheduler,
		Output:        outputWriter,
		Errors:        errorWriter,
		Quiet:         options.Quiet,
	}, nil
}

func resolveLogger(provider func() *zap.Logger) *zap.Logger {
	if provider == nil {
		return zap.NewNop()
	}
	logger := provider()
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

func resolveWriter(provided io.Writer, command *cobra.Command, useStdout bool) io.Writer {
	if provided != nil {
		return provided
	}
	if command != nil {
		if useStdout {
			if writer := command.OutOrStdout(); writer != nil && writer != io.Discard {
				return writer
			}
		} else {
			if writer := command.ErrOrStderr(); writer != nil && writer != io.Discard {
				return writer
			}
		}
	}
	if useStdout {
		return os.Stdout
	}
	return os.Stderr
}
