package runner

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shibzuko/ciflow/internal/pipeline"
	"github.com/shibzuko/ciflow/internal/trigger"
)

const (
	dispatchNoMatchMessage     = "event matches no workflow"
	dispatchRunFailedMessage   = "dispatched run failed"
	dispatchRunFinishedMessage = "dispatched run finished"
	dispatchRunTemplate        = "workflow %q: %w"
	dispatchOutcomeTemplate    = "run %s %s with exit code %d"
	logFieldRef                = "ref"
)

// WorkflowDispatcher runs every configured workflow whose triggers match an event. Dispatches
// share one workspace, so at most one runs at a time.
type WorkflowDispatcher struct {
	scheduler     *Scheduler
	workflows     []pipeline.Workflow
	workspace     string
	workspaceSlot chan struct{}
	logger        *zap.Logger
}

// NewWorkflowDispatcher builds a dispatcher running workflows in workspace.
func NewWorkflowDispatcher(scheduler *Scheduler, workflows []pipeline.Workflow, workspace string, logger *zap.Logger) *WorkflowDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowDispatcher{
		scheduler:     scheduler,
		workflows:     workflows,
		workspace:     workspace,
		workspaceSlot: make(chan struct{}, 1),
		logger:        logger,
	}
}

// Workflows lists the configured workflows.
func (dispatcher *WorkflowDispatcher) Workflows() []pipeline.Workflow {
	return dispatcher.workflows
}

// Match names the workflows event starts, in configuration order.
func (dispatcher *WorkflowDispatcher) Match(event trigger.Event) []string {
	var names []string
	for _, workflow := range dispatcher.workflows {
		if trigger.Matches(workflow.Triggers, event) {
			names = append(names, workflow.Name)
		}
	}
	return names
}

// Dispatch runs the matching workflows one after another, waiting for any dispatch already
// using the workspace. Failed runs are reported in the returned error; the remaining workflows
// still run.
func (dispatcher *WorkflowDispatcher) Dispatch(executionContext context.Context, event trigger.Event) error {
	if len(dispatcher.Match(event)) == 0 {
		dispatcher.logger.Debug(dispatchNoMatchMessage, zap.String(logFieldEvent, event.Name), zap.String(logFieldRef, event.Ref))
		return nil
	}
	select {
	case dispatcher.workspaceSlot <- struct{}{}:
		defer func() { <-dispatcher.workspaceSlot }()
	case <-executionContext.Done():
		return executionContext.Err()
	}

	var (
		runErrors  []error
		eventField = zap.String(logFieldEvent, event.Name)
	)
	for _, workflow := range dispatcher.workflows {
		if !trigger.Matches(workflow.Triggers, event) {
			continue
		}
		if executionContext.Err() != nil {
			runErrors = append(runErrors, fmt.Errorf(dispatchRunTemplate, workflow.Name, executionContext.Err()))
			continue
		}
		result, runError := dispatcher.scheduler.Run(executionContext, RunRequest{Workflow: workflow, Event: event, Workspace: dispatcher.workspace})
		if runError != nil {
			dispatcher.logger.Error(dispatchRunFailedMessage, zap.String(logFieldWorkflow, workflow.Name), eventField, zap.Error(runError))
			runErrors = append(runErrors, fmt.Errorf(dispatchRunTemplate, workflow.Name, runError))
			continue
		}
		dispatcher.logger.Info(
			dispatchRunFinishedMessage,
			zap.String(logFieldWorkflow, workflow.Name),
			zap.String(logFieldRunID, result.ID),
			zap.String(logFieldStatus, string(result.Status)),
			zap.Int(logFieldExitCode, result.ExitCode),
		)
		if result.Status != StatusSucceeded {
			runErrors = append(runErrors, fmt.Errorf(dispatchRunTemplate, workflow.Name, fmt.Errorf(dispatchOutcomeTemplate, result.ID, result.Status, result.ExitCode)))
		}
	}
	return errors.Join(runErrors...)
}
