package workflow

import (
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/shibzuko/ciflow/internal/execshell"
	"github.com/shibzuko/ciflow/internal/history"
	"github.com/shibzuko/ciflow/internal/pipeline"
	"github.com/shibzuko/ciflow/internal/provision"
	"github.com/shibzuko/ciflow/pkg/taskrunner"
)

const (
	workflowFilesMissingMessageConstant = "no workflow file given; pass a path, use --workflow or set runner.workflows"
	loadWorkflowErrorTemplateConstant   = "unable to load workflow %s: %w"
	openHistoryErrorTemplateConstant    = "unable to open run history: %w"
	closeHistoryFailedMessageConstant   = "unable to close run history"
)

// ErrWorkflowFilesMissing reports that no workflow file could be resolved.
var ErrWorkflowFilesMissing = errors.New(workflowFilesMissingMessageConstant)

// ResolveWorkflowFiles picks the workflow files to load. Positional arguments win over
// --workflow values, which win over the configured files; configured relative paths are
// anchored at the workspace.
func ResolveWorkflowFiles(arguments []string, flagged []string, configuration CommandConfiguration) []string {
	if explicit := trimNonEmpty(arguments); len(explicit) > 0 {
		return explicit
	}
	if explicit := trimNonEmpty(flagged); len(explicit) > 0 {
		return explicit
	}

	configured := trimNonEmpty(configuration.Workflows)
	resolved := make([]string, 0, len(configured))
	for _, workflowPath := range configured {
		if !filepath.IsAbs(workflowPath) && len(configuration.Workspace) > 0 {
			workflowPath = filepath.Join(configuration.Workspace, workflowPath)
		}
		resolved = append(resolved, workflowPath)
	}
	return resolved
}

// LoadWorkflows parses every workflow file in order.
func LoadWorkflows(paths []string) ([]pipeline.Workflow, error) {
	if len(paths) == 0 {
		return nil, ErrWorkflowFilesMissing
	}
	workflows := make([]pipeline.Workflow, 0, len(paths))
	for _, workflowPath := range paths {
		loaded, loadError := pipeline.LoadWorkflow(workflowPath)
		if loadError != nil {
			return nil, fmt.Errorf(loadWorkflowErrorTemplateConstant, workflowPath, loadError)
		}
		workflows = append(workflows, loaded)
	}
	return workflows, nil
}

// RunDependencies bundles what a command needs to run pipelines, plus the cleanup to call
// once it is done.
type RunDependencies struct {
	taskrunner.DependenciesResult
	History *history.Store
	Close   func()
}

// RunDependencyRequest describes the collaborators to build for a command.
type RunDependencyRequest struct {
	Configuration                CommandConfiguration
	LoggerProvider               LoggerProvider
	HumanReadableLoggingProvider func() bool
	CommandRunner                execshell.CommandRunner
	HistoryOpener                HistoryOpener
	Options                      taskrunner.DependenciesOptions
	RecordHistory                bool
}

// BuildRunDependencies opens the history store when requested and wires the run collaborators.
func BuildRunDependencies(request RunDependencyRequest) (RunDependencies, error) {
	logger := resolveLogger(request.LoggerProvider)
	dependencies := RunDependencies{Close: func() {}}

	config := taskrunner.DependenciesConfig{
		LoggerProvider:               func() *zap.Logger { return logger },
		HumanReadableLoggingProvider: request.HumanReadableLoggingProvider,
		CommandRunner:                request.CommandRunner,
		Provisioning:                 provisioningConfiguration(request.Configuration),
		CacheDirectory:               request.Configuration.CacheDirectory,
		CheckoutBaseURL:              request.Configuration.CheckoutBaseURL,
		DefaultShell:                 request.Configuration.Shell,
		TemporaryRoot:                request.Configuration.TemporaryRoot,
		Workers:                      request.Configuration.Workers,
	}

	if request.RecordHistory && len(request.Configuration.HistoryPath) > 0 {
		store, openError := resolveHistoryOpener(request.HistoryOpener)(request.Configuration.HistoryPath, logger)
		if openError != nil {
			return RunDependencies{}, fmt.Errorf(openHistoryErrorTemplateConstant, openError)
		}
		dependencies.History = store
		config.History = store
		dependencies.Close = func() {
			if closeError := store.Close(); closeError != nil {
				logger.Warn(closeHistoryFailedMessageConstant, zap.Error(closeError))
			}
		}
	}

	options := request.Options
	if len(request.Configuration.CacheDirectory) == 0 {
		options.DisableCache = true
	}
	result, buildError := taskrunner.BuildDependencies(config, options)
	if buildError != nil {
		dependencies.Close()
		return RunDependencies{}, buildError
	}
	dependencies.DependenciesResult = result
	return dependencies, nil
}

func provisioningConfiguration(configuration CommandConfiguration) provision.Configuration {
	provisioning := configuration.Provisioning
	if len(provisioning.Shell) == 0 {
		provisioning.Shell = configuration.Shell
	}
	return provisioning
}
