package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shibzuko/ciflow/internal/matrix"
	"github.com/shibzuko/ciflow/internal/pipeline"
	"github.com/shibzuko/ciflow/internal/trigger"
)

const (
	defaultWorkerCount         = 4
	expressionOpenToken        = "${{"
	runTemporaryPrefix         = "ciflow-"
	runStartedMessage          = "pipeline run started"
	runFinishedMessage         = "pipeline run finished"
	stageStartedMessage        = "stage started"
	jobSkippedMessage          = "job skipped because a needed job did not succeed"
	failFastMessage            = "fail-fast cancelling remaining instances"
	jobWithoutInstancesMessage = "job matrix expanded to no instances"
	historyRecordFailed        = "failed to record run history"
	logFieldWorkflow           = "workflow"
	logFieldEvent              = "event"
	logFieldStage              = "stage"
	logFieldJobs               = "jobs"
	logFieldJob                = "job"
	logFieldNeeds              = "needs"
	planValidationTemplate     = "workflow %q is invalid: %w"
	planMatrixTemplate         = "job %q matrix: %w"
	planActionTemplate         = "job %q step %q: %w"
	planInterpolationTemplate  = "job %q %s: %w"
	workspaceMissingTemplate   = "workspace %s is not accessible: %w"
)

// RunRecorder persists finished runs.
type RunRecorder interface {
	RecordRun(executionContext context.Context, result RunResult) error
}

// PlannedStage lists the job instances that may run concurrently.
type PlannedStage struct {
	Jobs      []string
	Instances []JobInstance
}

// Plan is the fully expanded execution order of a workflow.
type Plan struct {
	Workflow pipeline.Workflow
	Stages   []PlannedStage
}

// InstanceCount reports the number of planned instances.
func (plan Plan) InstanceCount() int {
	count := 0
	for _, stage := range plan.Stages {
		count += len(stage.Instances)
	}
	return count
}

// RunRequest describes one pipeline run.
type RunRequest struct {
	Workflow  pipeline.Workflow
	Event     trigger.Event
	Workspace string
}

// Scheduler plans workflows and runs their job instances on a bounded pool.
type Scheduler struct {
	executor      *InstanceExecutor
	actions       ActionExecutor
	recorder      RunRecorder
	logger        *zap.Logger
	workers       int
	temporaryRoot string
	newRunID      func() string
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithWorkers bounds the number of concurrently running job instances.
func WithWorkers(workers int) SchedulerOption {
	return func(scheduler *Scheduler) {
		if workers > 0 {
			scheduler.workers = workers
		}
	}
}

// WithRecorder stores every finished run.
func WithRecorder(recorder RunRecorder) SchedulerOption {
	return func(scheduler *Scheduler) {
		scheduler.recorder = recorder
	}
}

// WithTemporaryRoot sets the directory under which per-run temporary directories are created.
func WithTemporaryRoot(directory string) SchedulerOption {
	return func(scheduler *Scheduler) {
		scheduler.temporaryRoot = strings.TrimSpace(directory)
	}
}

// WithRunIDGenerator overrides run id generation.
func WithRunIDGenerator(generator func() string) SchedulerOption {
	return func(scheduler *Scheduler) {
		if generator != nil {
			scheduler.newRunID = generator
		}
	}
}

// NewScheduler builds a scheduler around executor.
func NewScheduler(executor *InstanceExecutor, logger *zap.Logger, options ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	scheduler := &Scheduler{
		executor: executor,
		actions:  executor.actions,
		logger:   logger,
		workers:  defaultWorkerCount,
		newRunID: uuid.NewString,
	}
	for _, option := range options {
		option(scheduler)
	}
	return scheduler
}

// Plan validates workflow, orders its jobs by `needs` and expands every matrix.
func (scheduler *Scheduler) Plan(workflow pipeline.Workflow) (Plan, error) {
	if validationError := pipeline.Validate(workflow); validationError != nil {
		return Plan{}, fmt.Errorf(planValidationTemplate, workflow.Name, validationError)
	}
	if scheduler.actions != nil {
		var actionErrors []error
		for _, job := range workflow.Jobs {
			for _, step := range job.Steps {
				if !step.IsAction() {
					continue
				}
				if actionError := scheduler.actions.Validate(step.Uses); actionError != nil {
					actionErrors = append(actionErrors, fmt.Errorf(planActionTemplate, job.ID, step.Label(), actionError))
				}
			}
		}
		if len(actionErrors) > 0 {
			return Plan{}, fmt.Errorf(planValidationTemplate, workflow.Name, errors.Join(actionErrors...))
		}
	}

	jobStages, planError := pipeline.PlanJobStages(workflow.Jobs)
	if planError != nil {
		return Plan{}, fmt.Errorf(planValidationTemplate, workflow.Name, planError)
	}

	plan := Plan{Workflow: workflow, Stages: make([]PlannedStage, 0, len(jobStages))}
	for _, jobStage := range jobStages {
		stage := PlannedStage{}
		for _, job := range jobStage.Jobs {
			instances, expandError := expandJob(job)
			if expandError != nil {
				return Plan{}, expandError
			}
			stage.Jobs = append(stage.Jobs, job.ID)
			stage.Instances = append(stage.Instances, instances...)
		}
		plan.Stages = append(plan.Stages, stage)
	}
	return plan, nil
}

// expandJob turns a job into its matrix instances with resolved names and runs-on labels.
func expandJob(job pipeline.Job) ([]JobInstance, error) {
	combinations, expandError := matrix.Expand(job.Strategy.Matrix)
	if expandError != nil {
		return nil, fmt.Errorf(planMatrixTemplate, job.ID, expandError)
	}
	instances := make([]JobInstance, 0, len(combinations))
	for _, combination := range combinations {
		expressionContext := pipeline.ExpressionContext{Matrix: combination}
		runsOn, runsOnError := expressionContext.Interpolate(job.RunsOn)
		if runsOnError != nil {
			return nil, fmt.Errorf(planInterpolationTemplate, job.ID, "runs-on", runsOnError)
		}
		displayName := matrix.DisplayName(job.DisplayName(), job.Strategy.Matrix, combination)
		if strings.Contains(job.Name, expressionOpenToken) {
			rendered, nameError := expressionContext.Interpolate(job.Name)
			if nameError != nil {
				return nil, fmt.Errorf(planInterpolationTemplate, job.ID, "name", nameError)
			}
			displayName = rendered
		}
		instances = append(instances, JobInstance{Job: job, Combination: combination, DisplayName: displayName, RunsOn: runsOn})
	}
	return instances, nil
}

// Run plans and executes request. Stages run in order; the instances of one stage share the
// worker pool, each job additionally bounded by its max-parallel.
func (scheduler *Scheduler) Run(executionContext context.Context, request RunRequest) (RunResult, error) {
	plan, planError := scheduler.Plan(request.Workflow)
	if planError != nil {
		return RunResult{}, planError
	}
	workspace, workspaceError := filepath.Abs(request.Workspace)
	if workspaceError != nil {
		return RunResult{}, fmt.Errorf(workspaceMissingTemplate, request.Workspace, workspaceError)
	}
	if _, statError := os.Stat(workspace); statError != nil {
		return RunResult{}, fmt.Errorf(workspaceMissingTemplate, workspace, statError)
	}

	runID := scheduler.newRunID()
	temporaryDirectory, temporaryError := os.MkdirTemp(scheduler.temporaryRoot, runTemporaryPrefix+runID+"-")
	if temporaryError != nil {
		return RunResult{}, temporaryError
	}
	defer os.RemoveAll(temporaryDirectory)

	scope := runScope{
		runID:       runID,
		workflow:    request.Workflow,
		event:       request.Event,
		workspace:   workspace,
		temporary:   temporaryDirectory,
		environment: request.Workflow.Environment,
	}
	result := RunResult{
		ID:           runID,
		WorkflowName: request.Workflow.Name,
		Event:        request.Event.Name,
		Ref:          request.Event.Ref,
		Status:       StatusRunning,
		StartTime:    time.Now(),
	}
	logger := scheduler.logger.With(zap.String(logFieldRunID, runID), zap.String(logFieldWorkflow, request.Workflow.Name))
	logger.Info(runStartedMessage, zap.String(logFieldEvent, request.Event.Name), zap.Int(logFieldJobs, len(request.Workflow.Jobs)))

	jobStatuses := make(map[string]Status, len(request.Workflow.Jobs))
	for stageIndex, stage := range plan.Stages {
		logger.Info(stageStartedMessage, zap.Int(logFieldStage, stageIndex+1), zap.Strings(logFieldJobs, stage.Jobs))
		stageResults := scheduler.runStage(executionContext, scope, stage, jobStatuses, logger)
		for _, instanceResult := range stageResults {
			jobStatuses[instanceResult.JobID] = combineJobStatus(jobStatuses[instanceResult.JobID], instanceResult.Status)
		}
		for _, jobID := range stage.Jobs {
			if _, resolved := jobStatuses[jobID]; resolved {
				continue
			}
			job, _ := request.Workflow.Job(jobID)
			jobStatuses[jobID] = emptyJobStatus(job, jobStatuses)
			logger.Info(jobWithoutInstancesMessage, zap.String(logFieldJob, jobID), zap.String(logFieldStatus, string(jobStatuses[jobID])))
		}
		result.Instances = append(result.Instances, stageResults...)
	}

	result.EndTime = time.Now()
	result.Status, result.ExitCode = summarizeRun(executionContext, result.Instances)
	logger.Info(runFinishedMessage, zap.String(logFieldStatus, string(result.Status)), zap.Int(logFieldExitCode, result.ExitCode), zap.Duration(logFieldDuration, result.Duration()))

	if scheduler.recorder != nil {
		if recordError := scheduler.recorder.RecordRun(context.WithoutCancel(executionContext), result); recordError != nil {
			logger.Warn(historyRecordFailed, zap.Error(recordError))
		}
	}
	return result, nil
}

// runStage executes every instance of stage and returns their results in plan order.
func (scheduler *Scheduler) runStage(executionContext context.Context, scope runScope, stage PlannedStage, jobStatuses map[string]Status, logger *zap.Logger) []InstanceResult {
	results := make([]InstanceResult, len(stage.Instances))

	type jobControl struct {
		context   context.Context
		cancel    context.CancelFunc
		semaphore chan struct{}
		skipped   bool
	}
	controls := make(map[string]*jobControl)
	for _, instance := range stage.Instances {
		if _, exists := controls[instance.Job.ID]; exists {
			continue
		}
		jobContext, cancel := context.WithCancel(executionContext)
		control := &jobControl{context: jobContext, cancel: cancel}
		if maxParallel := instance.Job.Strategy.MaxParallel; maxParallel > 0 {
			control.semaphore = make(chan struct{}, maxParallel)
		}
		for _, need := range instance.Job.Needs {
			if jobStatuses[need] != StatusSucceeded {
				control.skipped = true
				logger.Info(jobSkippedMessage, zap.String(logFieldJob, instance.Job.ID), zap.Strings(logFieldNeeds, instance.Job.Needs))
				break
			}
		}
		controls[instance.Job.ID] = control
	}
	defer func() {
		for _, control := range controls {
			control.cancel()
		}
	}()

	// An instance takes its job's max-parallel slot before a worker slot, so instances waiting
	// on their job never hold workers other jobs could use.
	workerSlots := make(chan struct{}, scheduler.workers)
	acquire := func(slots chan struct{}, done <-chan struct{}) bool {
		if slots == nil {
			return true
		}
		select {
		case slots <- struct{}{}:
			return true
		case <-done:
			return false
		}
	}

	var failFastOnce sync.Map
	group := new(errgroup.Group)
	for index, instance := range stage.Instances {
		control := controls[instance.Job.ID]
		if control.skipped {
			results[index] = skippedResult(instance)
			continue
		}
		group.Go(func() error {
			if !acquire(control.semaphore, control.context.Done()) {
				results[index] = cancelledResult(instance, control.context.Err())
				return nil
			}
			if control.semaphore != nil {
				defer func() { <-control.semaphore }()
			}
			if !acquire(workerSlots, control.context.Done()) {
				results[index] = cancelledResult(instance, control.context.Err())
				return nil
			}
			defer func() { <-workerSlots }()

			instanceResult := scheduler.executor.Run(control.context, scope, instance)
			results[index] = instanceResult
			if instanceResult.Status == StatusFailed && instance.Job.Strategy.FailFast {
				if _, already := failFastOnce.LoadOrStore(instance.Job.ID, struct{}{}); !already {
					logger.Warn(failFastMessage, zap.String(logFieldJob, instance.Job.ID), zap.String(logFieldInstance, instance.DisplayName))
				}
				control.cancel()
			}
			return nil
		})
	}
	_ = group.Wait()
	return results
}

func skippedResult(instance JobInstance) InstanceResult {
	now := time.Now()
	return InstanceResult{
		JobID:       instance.Job.ID,
		DisplayName: instance.DisplayName,
		RunsOn:      instance.RunsOn,
		Combination: instance.Combination,
		Status:      StatusSkipped,
		StartTime:   now,
		EndTime:     now,
	}
}

func cancelledResult(instance JobInstance, cause error) InstanceResult {
	result := skippedResult(instance)
	result.Status = StatusCancelled
	result.Error = cause
	return result
}

// combineJobStatus folds an instance status into its job status; any unsuccessful instance
// makes the job unsuccessful.
// emptyJobStatus resolves a job without instances: skipped when a needed job did not succeed,
// succeeded otherwise.
func emptyJobStatus(job pipeline.Job, jobStatuses map[string]Status) Status {
	for _, need := range job.Needs {
		if jobStatuses[need] != StatusSucceeded {
			return StatusSkipped
		}
	}
	return StatusSucceeded
}

func combineJobStatus(current Status, instance Status) Status {
	if current == "" {
		return instance
	}
	if current == StatusSucceeded {
		return instance
	}
	return current
}

// summarizeRun reports succeeded only when every instance succeeded. The exit code is the
// first failing instance's exit code in plan order.
func summarizeRun(executionContext context.Context, instances []InstanceResult) (Status, int) {
	for _, instance := range instances {
		if instance.Status == StatusFailed {
			return StatusFailed, instance.ExitCode
		}
	}
	for _, instance := range instances {
		if instance.Status != StatusSucceeded {
			if executionContext.Err() != nil {
				return StatusCancelled, ExitCodeCancelled
			}
			return StatusFailed, ExitCodeGenericFailure
		}
	}
	return StatusSucceeded, 0
}
