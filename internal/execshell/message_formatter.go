package execshell

import (
	"fmt"
	"strings"
)

const (
	startedMessageTemplateConstant          = "Running %s"
	completedMessageTemplateConstant        = "Completed %s"
	failedMessageTemplateConstant           = "%s failed with exit code %d"
	failedWithDetailMessageTemplateConstant = "%s failed with exit code %d: %s"
	executionFailureMessageTemplateConstant = "%s failed: %v"
	workingDirectorySuffixTemplateConstant  = "%s (in %s)"
	inlineScriptPlaceholderConstant         = "<script>"
	maximumDescribedArgumentLengthConstant  = 80
)

// CommandMessageFormatter renders human-readable lifecycle messages for shell commands.
type CommandMessageFormatter struct{}

// BuildStartedMessage describes a command that is about to run.
func (formatter CommandMessageFormatter) BuildStartedMessage(command ShellCommand) string {
	return fmt.Sprintf(startedMessageTemplateConstant, formatter.describe(command))
}

// BuildSuccessMessage describes a command that exited with status zero.
func (formatter CommandMessageFormatter) BuildSuccessMessage(command ShellCommand) string {
	return fmt.Sprintf(completedMessageTemplateConstant, formatter.describe(command))
}

// BuildFailureMessage describes a command that exited with a non-zero status.
func (formatter CommandMessageFormatter) BuildFailureMessage(command ShellCommand, result ExecutionResult) string {
	detail := firstLine(result.StandardError)
	if detail == "" {
		return fmt.Sprintf(failedMessageTemplateConstant, formatter.describe(command), result.ExitCode)
	}
	return fmt.Sprintf(failedWithDetailMessageTemplateConstant, formatter.describe(command), result.ExitCode, detail)
}

// BuildExecutionFailureMessage describes a command the runner could not execute.
func (formatter CommandMessageFormatter) BuildExecutionFailureMessage(command ShellCommand, cause error) string {
	return fmt.Sprintf(executionFailureMessageTemplateConstant, formatter.describe(command), cause)
}

func (formatter CommandMessageFormatter) describe(command ShellCommand) string {
	parts := []string{string(command.Name)}
	for _, argument := range command.Details.Arguments {
		if strings.Contains(argument, "\n") || len(argument) > maximumDescribedArgumentLengthConstant {
			parts = append(parts, inlineScriptPlaceholderConstant)
			continue
		}
		parts = append(parts, argument)
	}
	description := strings.Join(parts, " ")
	workingDirectory := strings.TrimSpace(command.Details.WorkingDirectory)
	if workingDirectory == "" {
		return description
	}
	return fmt.Sprintf(workingDirectorySuffixTemplateConstant, description, workingDirectory)
}

func firstLine(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	if newlineIndex := strings.Index(trimmed, "\n"); newlineIndex >= 0 {
		return strings.TrimSpace(trimmed[:newlineIndex])
	}
	return trimmed
}
