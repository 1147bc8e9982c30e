package workflow

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/shibzuko/ciflow/internal/execshell"
	"github.com/shibzuko/ciflow/internal/pipeline"
	"github.com/shibzuko/ciflow/internal/trigger"
)

const (
	gitRevParseSubcommandConstant   = "rev-parse"
	gitSymbolicFullNameFlagConstant = "--symbolic-full-name"
	gitHeadReferenceConstant        = "HEAD"
	gitDetectionFailedMessage       = "unable to read repository revision"
	logFieldWorkspaceConstant       = "workspace"
)

// GitExecutor runs git commands in the workspace.
type GitExecutor interface {
	ExecuteGit(executionContext context.Context, details execshell.CommandDetails) (execshell.ExecutionResult, error)
}

// EventOptions describes the trigger event a local run simulates.
type EventOptions struct {
	Name         string
	Ref          string
	BaseRef      string
	SHA          string
	Schedule     string
	ChangedFiles []string
}

// BuildEvent turns the options into an event, reading the ref and revision from git in
// workspace when they are not given.
func BuildEvent(executionContext context.Context, options EventOptions, gitExecutor GitExecutor, workspace string, logger *zap.Logger) trigger.Event {
	event := trigger.Event{
		Name:         strings.TrimSpace(options.Name),
		Ref:          strings.TrimSpace(options.Ref),
		BaseRef:      strings.TrimSpace(options.BaseRef),
		SHA:          strings.TrimSpace(options.SHA),
		Schedule:     strings.TrimSpace(options.Schedule),
		ChangedFiles: trimNonEmpty(options.ChangedFiles),
	}
	if len(event.Name) == 0 {
		event.Name = pipeline.EventPush
	}
	if event.Name == pipeline.EventSchedule || gitExecutor == nil {
		return event
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if len(event.Ref) == 0 {
		event.Ref = readGit(executionContext, gitExecutor, workspace, logger, gitRevParseSubcommandConstant, gitSymbolicFullNameFlagConstant, gitHeadReferenceConstant)
	}
	if len(event.SHA) == 0 {
		event.SHA = readGit(executionContext, gitExecutor, workspace, logger, gitRevParseSubcommandConstant, gitHeadReferenceConstant)
	}
	return event
}

func readGit(executionContext context.Context, gitExecutor GitExecutor, workspace string, logger *zap.Logger, arguments ...string) string {
	result, executionError := gitExecutor.ExecuteGit(executionContext, execshell.CommandDetails{Arguments: arguments, WorkingDirectory: workspace})
	if executionError != nil {
		logger.Debug(gitDetectionFailedMessage, zap.String(logFieldWorkspaceConstant, workspace), zap.Error(executionError))
		return ""
	}
	return strings.TrimSpace(result.StandardOutput)
}
