package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shibzuko/ciflow/internal/actions"
	"github.com/shibzuko/ciflow/internal/execshell"
	"github.com/shibzuko/ciflow/internal/matrix"
	"github.com/shibzuko/ciflow/internal/pipeline"
	"github.com/shibzuko/ciflow/internal/provision"
	"github.com/shibzuko/ciflow/internal/trigger"
)

const (
	setupStepName                = "Set up job"
	instanceTemporaryPattern     = "job-*"
	defaultShellName             = "bash"
	instanceStartedMessage       = "job instance started"
	instanceFinishedMessage      = "job instance finished"
	stepStartedMessage           = "step started"
	stepSucceededMessage         = "step succeeded"
	stepFailedMessage            = "step failed"
	stepCancelledMessage         = "step cancelled"
	postStepFailedMessage        = "post step failed"
	postStepStartedMessage       = "post step started"
	serviceSkippedWarningMessage = "service not started, steps depending on it may fail"
	cleanupFailedMessage         = "failed to remove job temporary directory"
	logFieldRunID                = "run_id"
	logFieldInstance             = "instance"
	logFieldStep                 = "step"
	logFieldStepIndex            = "step_index"
	logFieldExitCode             = "exit_code"
	logFieldStatus               = "status"
	logFieldService              = "service"
	logFieldDuration             = "duration"
	interpolateFieldTemplate     = "step %q %s: %w"
	jobInterpolateTemplate       = "job %q %s: %w"
	minutesToDuration            = float64(time.Minute)
)

// ScriptExecutor runs inline scripts through a shell.
type ScriptExecutor interface {
	ExecuteScript(executionContext context.Context, shell execshell.CommandName, script string, details execshell.CommandDetails) (execshell.ExecutionResult, error)
}

// ActionExecutor runs `uses` steps.
type ActionExecutor interface {
	Validate(uses string) error
	Execute(executionContext context.Context, uses string, invocation actions.Invocation) (actions.Result, error)
}

// HostProvisioner prepares the host for a job instance.
type HostProvisioner interface {
	PreinstallPackages() []string
	InstallPackages(executionContext context.Context, manager string, packages []string, details execshell.CommandDetails) error
	StartService(executionContext context.Context, name string, image string, details execshell.CommandDetails) (provision.ServiceStart, error)
}

// JobInstance is one matrix combination of a job.
type JobInstance struct {
	Job         pipeline.Job
	Combination matrix.Combination
	DisplayName string
	RunsOn      string
}

// runScope carries the values every instance of a run shares.
type runScope struct {
	runID       string
	workflow    pipeline.Workflow
	event       trigger.Event
	workspace   string
	temporary   string
	environment map[string]string
}

// InstanceExecutor runs the steps of one job instance sequentially.
type InstanceExecutor struct {
	scripts     ScriptExecutor
	actions     ActionExecutor
	provisioner HostProvisioner
	hashFiles   func(workspace string, patterns ...string) (string, error)
	logger      *zap.Logger
	output      io.Writer
	shell       string
	environ     func() []string
}

// InstanceExecutorOption customizes an InstanceExecutor.
type InstanceExecutorOption func(*InstanceExecutor)

// WithProvisioner installs preinstall packages and starts services before the first step.
func WithProvisioner(provisioner HostProvisioner) InstanceExecutorOption {
	return func(executor *InstanceExecutor) {
		executor.provisioner = provisioner
	}
}

// WithHashFiles binds the hashFiles expression function.
func WithHashFiles(hashFiles func(workspace string, patterns ...string) (string, error)) InstanceExecutorOption {
	return func(executor *InstanceExecutor) {
		executor.hashFiles = hashFiles
	}
}

// WithOutput streams step output to writer.
func WithOutput(writer io.Writer) InstanceExecutorOption {
	return func(executor *InstanceExecutor) {
		executor.output = writer
	}
}

// WithDefaultShell sets the shell used by run steps that name none.
func WithDefaultShell(shell string) InstanceExecutorOption {
	return func(executor *InstanceExecutor) {
		if trimmed := strings.TrimSpace(shell); trimmed != "" {
			executor.shell = trimmed
		}
	}
}

// WithHostEnvironment replaces the source of the host environment layer.
func WithHostEnvironment(environ func() []string) InstanceExecutorOption {
	return func(executor *InstanceExecutor) {
		if environ != nil {
			executor.environ = environ
		}
	}
}

// NewInstanceExecutor builds an executor for run and action steps.
func NewInstanceExecutor(scripts ScriptExecutor, actionExecutor ActionExecutor, logger *zap.Logger, options ...InstanceExecutorOption) *InstanceExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	executor := &InstanceExecutor{
		scripts: scripts,
		actions: actionExecutor,
		logger:  logger,
		shell:   defaultShellName,
		environ: os.Environ,
	}
	for _, option := range options {
		option(executor)
	}
	return executor
}

// instanceState is the mutable state threaded through the steps of one instance.
type instanceState struct {
	scope       runScope
	instance    JobInstance
	directory   string
	base        map[string]string
	exported    map[string]string
	pathEntries []string
	steps       map[string]pipeline.StepState
	postSteps   []actions.PostStep
	logger      *zap.Logger
}

func (state *instanceState) expressionContext(environment map[string]string, hashFiles func(patterns ...string) (string, error)) pipeline.ExpressionContext {
	return pipeline.ExpressionContext{
		Matrix:      state.instance.Combination,
		Environment: environment,
		Runner:      state.runnerContext(),
		GitHub:      state.githubContext(),
		Steps:       state.steps,
		HashFiles:   hashFiles,
	}
}

func (state *instanceState) runnerContext() map[string]string {
	return map[string]string{
		"os":        runnerOperatingSystem(),
		"arch":      runnerArchitecture(),
		"temp":      state.directory,
		"workspace": state.scope.workspace,
		"name":      state.instance.RunsOn,
	}
}

func (state *instanceState) githubContext() map[string]string {
	return map[string]string{
		"workspace":  state.scope.workspace,
		"event_name": state.scope.event.Name,
		"ref":        state.scope.event.Ref,
		"ref_name":   state.scope.event.RefName(),
		"base_ref":   state.scope.event.BaseRef,
		"sha":        state.scope.event.SHA,
		"repository": state.scope.event.Repository,
		"actor":      state.scope.event.Actor,
		"run_id":     state.scope.runID,
		"job":        state.instance.Job.ID,
		"workflow":   state.scope.workflow.Name,
	}
}

func (state *instanceState) runnerDefaults() map[string]string {
	return map[string]string{
		"CI":                "true",
		"GITHUB_ACTIONS":    "true",
		"GITHUB_WORKSPACE":  state.scope.workspace,
		"GITHUB_RUN_ID":     state.scope.runID,
		"GITHUB_JOB":        state.instance.Job.ID,
		"GITHUB_WORKFLOW":   state.scope.workflow.Name,
		"GITHUB_EVENT_NAME": state.scope.event.Name,
		"GITHUB_REF":        state.scope.event.Ref,
		"GITHUB_REF_NAME":   state.scope.event.RefName(),
		"GITHUB_BASE_REF":   state.scope.event.BaseRef,
		"GITHUB_SHA":        state.scope.event.SHA,
		"GITHUB_REPOSITORY": state.scope.event.Repository,
		"RUNNER_OS":         runnerOperatingSystem(),
		"RUNNER_ARCH":       runnerArchitecture(),
		"RUNNER_TEMP":       state.directory,
	}
}

// Run executes instance and reports its result. The first failing step ends the instance;
// post steps run only when every main step succeeded.
func (executor *InstanceExecutor) Run(executionContext context.Context, scope runScope, instance JobInstance) InstanceResult {
	result := InstanceResult{
		JobID:       instance.Job.ID,
		DisplayName: instance.DisplayName,
		RunsOn:      instance.RunsOn,
		Combination: instance.Combination,
		Status:      StatusRunning,
		StartTime:   time.Now(),
	}
	logger := executor.logger.With(zap.String(logFieldRunID, scope.runID), zap.String(logFieldInstance, instance.DisplayName))
	logger.Info(instanceStartedMessage)

	finish := func(status Status, exitCode int, failure error) InstanceResult {
		result.Status = status
		result.ExitCode = exitCode
		result.Error = failure
		result.EndTime = time.Now()
		logger.Info(instanceFinishedMessage, zap.String(logFieldStatus, string(status)), zap.Int(logFieldExitCode, exitCode), zap.Duration(logFieldDuration, result.EndTime.Sub(result.StartTime)))
		return result
	}

	if contextError := executionContext.Err(); contextError != nil {
		return finish(StatusCancelled, 0, contextError)
	}

	directory, directoryError := os.MkdirTemp(scope.temporary, instanceTemporaryPattern)
	if directoryError != nil {
		return finish(StatusFailed, ExitCodeGenericFailure, directoryError)
	}
	defer func() {
		if removeError := os.RemoveAll(directory); removeError != nil {
			logger.Warn(cleanupFailedMessage, zap.Error(removeError))
		}
	}()

	instanceContext := executionContext
	if instance.Job.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		instanceContext, cancel = context.WithTimeout(executionContext, minutesDuration(instance.Job.TimeoutMinutes))
		defer cancel()
	}

	state := &instanceState{
		scope:     scope,
		instance:  instance,
		directory: directory,
		exported:  map[string]string{},
		steps:     map[string]pipeline.StepState{},
		logger:    logger,
	}

	baseError := executor.prepareBase(state)
	if baseError != nil {
		result.Steps = append(result.Steps, StepResult{Name: setupStepName, Status: StatusFailed, ExitCode: ExitCodeGenericFailure, Error: baseError})
		return finish(StatusFailed, ExitCodeGenericFailure, StepFailedError{Instance: instance.DisplayName, Step: setupStepName, ExitCode: ExitCodeGenericFailure, Cause: baseError})
	}

	if setupError := executor.setUpHost(instanceContext, state); setupError != nil {
		exitCode, status := classifyFailure(executionContext, instanceContext, setupError)
		result.Steps = append(result.Steps, StepResult{Name: setupStepName, Status: status, ExitCode: exitCode, Error: setupError})
		if status == StatusCancelled {
			return finish(StatusCancelled, 0, setupError)
		}
		return finish(StatusFailed, exitCode, StepFailedError{Instance: instance.DisplayName, Step: setupStepName, ExitCode: exitCode, Cause: setupError})
	}

	for stepIndex, step := range instance.Job.Steps {
		if contextError := instanceContext.Err(); contextError != nil {
			exitCode, status := classifyFailure(executionContext, instanceContext, contextError)
			if status == StatusCancelled {
				return finish(StatusCancelled, 0, contextError)
			}
			return finish(StatusFailed, exitCode, StepFailedError{Instance: instance.DisplayName, Step: step.Label(), ExitCode: exitCode, Cause: contextError})
		}

		stepResult := executor.runStep(executionContext, instanceContext, state, stepIndex, step)
		result.Steps = append(result.Steps, stepResult)
		if step.ID != "" {
			state.steps[step.ID] = pipeline.StepState{Outputs: stepResult.Outputs, Outcome: stepOutcome(stepResult.Status)}
		}
		switch stepResult.Status {
		case StatusSucceeded:
			continue
		case StatusCancelled:
			return finish(StatusCancelled, 0, stepResult.Error)
		default:
			return finish(StatusFailed, stepResult.ExitCode, StepFailedError{Instance: instance.DisplayName, Step: stepResult.Name, ExitCode: stepResult.ExitCode, Cause: stepResult.Error})
		}
	}

	executor.runPostSteps(instanceContext, state)
	return finish(StatusSucceeded, 0, nil)
}

// prepareBase layers host, runner default, workflow and job environments.
func (executor *InstanceExecutor) prepareBase(state *instanceState) error {
	base := mergeEnvironment(execshell.EnvironmentMap(executor.environ()), state.runnerDefaults())

	workflowEnvironment, workflowError := state.expressionContext(base, nil).InterpolateMap(state.scope.environment)
	if workflowError != nil {
		return fmt.Errorf(jobInterpolateTemplate, state.instance.Job.ID, "workflow env", workflowError)
	}
	base = mergeEnvironment(base, workflowEnvironment)

	jobEnvironment, jobError := state.expressionContext(base, nil).InterpolateMap(state.instance.Job.Environment)
	if jobError != nil {
		return fmt.Errorf(jobInterpolateTemplate, state.instance.Job.ID, "env", jobError)
	}
	state.base = mergeEnvironment(base, jobEnvironment)
	return nil
}

// setUpHost installs preinstall packages and starts the job services.
func (executor *InstanceExecutor) setUpHost(executionContext context.Context, state *instanceState) error {
	if executor.provisioner == nil {
		return nil
	}
	details := execshell.CommandDetails{
		WorkingDirectory:     state.scope.workspace,
		EnvironmentVariables: state.base,
		ReplaceEnvironment:   true,
		OutputWriter:         executor.output,
	}
	if packages := executor.provisioner.PreinstallPackages(); len(packages) > 0 {
		if installError := executor.provisioner.InstallPackages(executionContext, "", packages, details); installError != nil {
			return installError
		}
	}
	for _, serviceName := range sortedKeys(state.instance.Job.Services) {
		service := state.instance.Job.Services[serviceName]
		serviceDetails := details
		serviceDetails.EnvironmentVariables = mergeEnvironment(state.base, service.Environment)
		start, startError := executor.provisioner.StartService(executionContext, serviceName, service.Image, serviceDetails)
		if startError != nil {
			return startError
		}
		if start.Skipped {
			state.logger.Warn(serviceSkippedWarningMessage, zap.String(logFieldService, serviceName))
		}
	}
	return nil
}

// resolvedStep is a step after expression evaluation.
type resolvedStep struct {
	name             string
	run              string
	inputs           map[string]string
	environment      map[string]string
	workingDirectory string
	shell            string
}

func (executor *InstanceExecutor) resolveStep(state *instanceState, step pipeline.Step) (resolvedStep, error) {
	hashFiles := executor.boundHashFiles(state.scope.workspace)
	scopeEnvironment := mergeEnvironment(state.base, state.exported)

	stepEnvironment, environmentError := state.expressionContext(scopeEnvironment, hashFiles).InterpolateMap(step.Environment)
	if environmentError != nil {
		return resolvedStep{}, fmt.Errorf(interpolateFieldTemplate, step.Label(), "env", environmentError)
	}
	environment := mergeEnvironment(scopeEnvironment, stepEnvironment)
	expressionContext := state.expressionContext(environment, hashFiles)

	resolved := resolvedStep{environment: environment}
	var interpolateError error
	if resolved.name, interpolateError = expressionContext.Interpolate(step.Label()); interpolateError != nil {
		return resolvedStep{}, fmt.Errorf(interpolateFieldTemplate, step.Label(), "name", interpolateError)
	}
	if resolved.run, interpolateError = expressionContext.Interpolate(step.Run); interpolateError != nil {
		return resolvedStep{}, fmt.Errorf(interpolateFieldTemplate, step.Label(), "run", interpolateError)
	}
	if resolved.inputs, interpolateError = expressionContext.InterpolateMap(step.With); interpolateError != nil {
		return resolvedStep{}, fmt.Errorf(interpolateFieldTemplate, step.Label(), "with", interpolateError)
	}
	if resolved.workingDirectory, interpolateError = expressionContext.Interpolate(step.WorkingDirectory); interpolateError != nil {
		return resolvedStep{}, fmt.Errorf(interpolateFieldTemplate, step.Label(), "working-directory", interpolateError)
	}
	if resolved.shell, interpolateError = expressionContext.Interpolate(step.Shell); interpolateError != nil {
		return resolvedStep{}, fmt.Errorf(interpolateFieldTemplate, step.Label(), "shell", interpolateError)
	}
	if strings.TrimSpace(resolved.shell) == "" {
		resolved.shell = executor.shell
	}
	resolved.workingDirectory = anchorDirectory(state.scope.workspace, resolved.workingDirectory)
	return resolved, nil
}

func (executor *InstanceExecutor) boundHashFiles(workspace string) func(patterns ...string) (string, error) {
	if executor.hashFiles == nil {
		return nil
	}
	return func(patterns ...string) (string, error) {
		return executor.hashFiles(workspace, patterns...)
	}
}

func (executor *InstanceExecutor) runStep(runContext context.Context, instanceContext context.Context, state *instanceState, stepIndex int, step pipeline.Step) StepResult {
	startTime := time.Now()
	stepResult := StepResult{Index: stepIndex, ID: step.ID, Name: step.Label()}
	stepLogger := state.logger.With(zap.String(logFieldStep, step.Label()), zap.Int(logFieldStepIndex, stepIndex))

	fail := func(stepError error) StepResult {
		exitCode, status := classifyFailure(runContext, instanceContext, stepError)
		stepResult.Status = status
		stepResult.ExitCode = exitCode
		stepResult.Error = stepError
		stepResult.Duration = time.Since(startTime)
		if status == StatusCancelled {
			stepLogger.Warn(stepCancelledMessage, zap.Error(stepError))
		} else {
			stepLogger.Error(stepFailedMessage, zap.Int(logFieldExitCode, exitCode), zap.Error(stepError))
		}
		return stepResult
	}

	resolved, resolveError := executor.resolveStep(state, step)
	if resolveError != nil {
		return fail(resolveError)
	}
	stepResult.Name = resolved.name
	stepLogger.Info(stepStartedMessage)

	commands, commandsError := createFileCommands(state.directory, stepIndex)
	if commandsError != nil {
		return fail(commandsError)
	}
	environment := mergeEnvironment(resolved.environment, commands.variables())
	prependPathEntries(environment, state.pathEntries)

	stepContext := instanceContext
	if step.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		stepContext, cancel = context.WithTimeout(instanceContext, minutesDuration(step.TimeoutMinutes))
		defer cancel()
	}

	var actionResult actions.Result
	var executionError error
	if step.IsAction() {
		if executor.actions == nil {
			return fail(actions.ErrUnknownAction)
		}
		actionResult, executionError = executor.actions.Execute(stepContext, step.Uses, actions.Invocation{
			Inputs:      resolved.inputs,
			Workspace:   state.scope.workspace,
			Environment: environment,
			Output:      executor.output,
			Event: actions.EventSource{
				Repository: state.scope.event.Repository,
				Ref:        state.scope.event.Ref,
				SHA:        state.scope.event.SHA,
			},
		})
	} else {
		_, executionError = executor.scripts.ExecuteScript(stepContext, execshell.CommandName(resolved.shell), resolved.run, execshell.CommandDetails{
			WorkingDirectory:     resolved.workingDirectory,
			EnvironmentVariables: environment,
			ReplaceEnvironment:   true,
			OutputWriter:         executor.output,
		})
	}
	if executionError != nil {
		if stepContext.Err() != nil && instanceContext.Err() == nil {
			executionError = fmt.Errorf("%w: %v", context.DeadlineExceeded, executionError)
		}
		return fail(executionError)
	}

	exports, collectError := commands.collect()
	if collectError != nil {
		return fail(collectError)
	}
	state.exported = mergeEnvironment(state.exported, exports.environment, actionResult.Environment)
	state.pathEntries = addPathEntries(state.pathEntries, append(exports.pathEntries, actionResult.PathEntries...))
	state.postSteps = append(state.postSteps, actionResult.PostSteps...)

	stepResult.Outputs = mergeEnvironment(exports.outputs, actionResult.Outputs)
	stepResult.Status = StatusSucceeded
	stepResult.Duration = time.Since(startTime)
	stepLogger.Info(stepSucceededMessage, zap.Duration(logFieldDuration, stepResult.Duration))
	return stepResult
}

// runPostSteps runs registered post steps in reverse registration order. Failures are logged only.
func (executor *InstanceExecutor) runPostSteps(executionContext context.Context, state *instanceState) {
	for index := len(state.postSteps) - 1; index >= 0; index-- {
		postStep := state.postSteps[index]
		state.logger.Info(postStepStartedMessage, zap.String(logFieldStep, postStep.Name))
		if postStep.Run == nil {
			continue
		}
		if postError := postStep.Run(executionContext); postError != nil {
			state.logger.Warn(postStepFailedMessage, zap.String(logFieldStep, postStep.Name), zap.Error(postError))
		}
	}
}

// classifyFailure maps an error to an exit code and a status. Errors after the job context was
// cancelled are cancellations and deadline expiries exit with 124.
func classifyFailure(runContext context.Context, instanceContext context.Context, failure error) (int, Status) {
	if errors.Is(runContext.Err(), context.Canceled) {
		return 0, StatusCancelled
	}
	if errors.Is(failure, context.DeadlineExceeded) || errors.Is(instanceContext.Err(), context.DeadlineExceeded) {
		return ExitCodeTimeout, StatusFailed
	}
	if exitCode, known := execshell.ExitCodeOf(failure); known && exitCode > 0 {
		return exitCode, StatusFailed
	}
	return ExitCodeGenericFailure, StatusFailed
}

func stepOutcome(status Status) string {
	switch status {
	case StatusSucceeded:
		return stepOutcomeSuccess
	case StatusCancelled:
		return stepOutcomeCancelled
	default:
		return stepOutcomeFailure
	}
}

func minutesDuration(minutes float64) time.Duration {
	return time.Duration(minutes * minutesToDuration)
}

func anchorDirectory(workspace string, directory string) string {
	trimmed := strings.TrimSpace(directory)
	if trimmed == "" {
		return workspace
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Join(workspace, trimmed)
}
