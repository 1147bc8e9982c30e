package execshell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
)

const (
	gitCommandNameStringConstant              = "git"
	bashCommandNameStringConstant             = "bash"
	posixShellCommandNameStringConstant       = "sh"
	loggerNotConfiguredMessageConstant        = "shell executor logger not configured"
	commandRunnerNotConfiguredMessageConstant = "shell executor command runner not configured"
	commandNameMissingMessageConstant         = "shell command name not provided"
	commandStartMessageConstant               = "command execution starting"
	commandSuccessMessageConstant             = "command execution completed"
	commandFailureMessageConstant             = "command returned non-zero status"
	commandRunnerErrorMessageConstant         = "command execution error"
	commandNameFieldNameConstant              = "command"
	commandArgumentsFieldNameConstant         = "arguments"
	workingDirectoryFieldNameConstant         = "working_directory"
	exitCodeFieldNameConstant                 = "exit_code"
	standardErrorFieldNameConstant            = "stderr"
	failureDetailMaximumLinesConstant         = 3
)

// CommandName identifies an executable name.
type CommandName string

// Frequently used command names.
const (
	CommandGit        CommandName = CommandName(gitCommandNameStringConstant)
	CommandBash       CommandName = CommandName(bashCommandNameStringConstant)
	CommandPosixShell CommandName = CommandName(posixShellCommandNameStringConstant)
)

// CommandDetails describes command invocation properties.
type CommandDetails struct {
	Arguments            []string
	WorkingDirectory     string
	EnvironmentVariables map[string]string
	// ReplaceEnvironment runs the command with EnvironmentVariables only instead of overlaying them on the host environment.
	ReplaceEnvironment bool
	StandardInput      []byte
	// OutputWriter receives standard output and standard error as they are produced.
	OutputWriter io.Writer
}

// ShellCommand represents a fully qualified command invocation.
type ShellCommand struct {
	Name    CommandName
	Details CommandDetails
}

// ExecutionResult captures observable command results.
type ExecutionResult struct {
	StandardOutput string
	StandardError  string
	ExitCode       int
}

// CommandRunner executes shell commands.
type CommandRunner interface {
	Run(executionContext context.Context, command ShellCommand) (ExecutionResult, error)
}

// ShellExecutor orchestrates running shell commands with logging.
type ShellExecutor struct {
	commandRunner        CommandRunner
	logger               *zap.Logger
	humanReadableLogging bool
	messageFormatter     CommandMessageFormatter
}

var (
	// ErrLoggerNotConfigured indicates the logger dependency was missing.
	ErrLoggerNotConfigured = errors.New(loggerNotConfiguredMessageConstant)
	// ErrCommandRunnerNotConfigured indicates the command runner dependency was missing.
	ErrCommandRunnerNotConfigured = errors.New(commandRunnerNotConfiguredMessageConstant)
	// ErrCommandNameMissing indicates the command name was not provided.
	ErrCommandNameMissing = errors.New(commandNameMissingMessageConstant)
)

// CommandFailedError provides details about commands exiting with a non-zero code.
type CommandFailedError struct {
	Command ShellCommand
	Result  ExecutionResult
}

const commandFailureErrorMessageTemplateConstant = "%s command exited with code %d"

// Error describes the failure, appending the last few lines of stderr (or stdout) as context.
func (commandError CommandFailedError) Error() string {
	baseMessage := fmt.Sprintf(commandFailureErrorMessageTemplateConstant, commandError.Command.Name, commandError.Result.ExitCode)
	detail := commandError.Result.StandardError
	if len(strings.TrimSpace(detail)) == 0 {
		detail = commandError.Result.StandardOutput
	}
	if tail := tailLines(detail, failureDetailMaximumLinesConstant); len(tail) > 0 {
		return baseMessage + ": " + strings.Join(tail, " | ")
	}
	return baseMessage
}

// tailLines returns up to limit trailing non-blank lines of text, trimmed.
func tailLines(text string, limit int) []string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	tail := make([]string, 0, len(lines))
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); len(trimmed) > 0 {
			tail = append(tail, trimmed)
		}
	}
	return tail
}

// ExitCode reports the exit status of the failed command.
func (commandError CommandFailedError) ExitCode() int {
	return commandError.Result.ExitCode
}

// CommandExecutionError wraps unexpected execution failures from the runner.
type CommandExecutionError struct {
	Command ShellCommand
	Cause   error
}

const commandExecutionErrorMessageTemplateConstant = "%s command execution failed: %v"

// Error describes the underlying runner failure.
func (executionError CommandExecutionError) Error() string {
	return fmt.Sprintf(commandExecutionErrorMessageTemplateConstant, executionError.Command.Name, executionError.Cause)
}

// Unwrap exposes the underlying error.
func (executionError CommandExecutionError) Unwrap() error {
	return executionError.Cause
}

// NewShellExecutor builds an executor for the provided runner and logger.
func NewShellExecutor(logger *zap.Logger, commandRunner CommandRunner, humanReadableLogging bool) (*ShellExecutor, error) {
	if logger == nil {
		return nil, ErrLoggerNotConfigured
	}
	if commandRunner == nil {
		return nil, ErrCommandRunnerNotConfigured
	}
	return &ShellExecutor{
		commandRunner:        commandRunner,
		logger:               logger,
		humanReadableLogging: humanReadableLogging,
		messageFormatter:     CommandMessageFormatter{},
	}, nil
}

// Execute runs the provided shell command and logs lifecycle events.
func (executor *ShellExecutor) Execute(executionContext context.Context, command ShellCommand) (ExecutionResult, error) {
	if len(strings.TrimSpace(string(command.Name))) == 0 {
		return ExecutionResult{}, ErrCommandNameMissing
	}

	executor.report(phaseStarted, command, ExecutionResult{}, nil)
	executionResult, runnerError := executor.commandRunner.Run(executionContext, command)
	switch {
	case runnerError != nil:
		executor.report(phaseRunnerFailed, command, executionResult, runnerError)
		return executionResult, CommandExecutionError{Command: command, Cause: runnerError}
	case executionResult.ExitCode != 0:
		executor.report(phaseExitedNonZero, command, executionResult, nil)
		return executionResult, CommandFailedError{Command: command, Result: executionResult}
	default:
		executor.report(phaseSucceeded, command, executionResult, nil)
		return executionResult, nil
	}
}

type executionPhase int

const (
	phaseStarted executionPhase = iota
	phaseRunnerFailed
	phaseExitedNonZero
	phaseSucceeded
)

// report emits one lifecycle entry, as a sentence for console output or as fields otherwise.
func (executor *ShellExecutor) report(phase executionPhase, command ShellCommand, result ExecutionResult, runnerError error) {
	commandField := zap.String(commandNameFieldNameConstant, string(command.Name))
	formatter := executor.messageFormatter
	human := executor.humanReadableLogging
	switch phase {
	case phaseStarted:
		if human {
			executor.logger.Info(formatter.BuildStartedMessage(command))
			return
		}
		executor.logger.Info(commandStartMessageConstant, commandField,
			zap.Strings(commandArgumentsFieldNameConstant, command.Details.Arguments),
			zap.String(workingDirectoryFieldNameConstant, command.Details.WorkingDirectory))
	case phaseRunnerFailed:
		if human {
			executor.logger.Error(formatter.BuildExecutionFailureMessage(command, runnerError))
			return
		}
		executor.logger.Error(commandRunnerErrorMessageConstant, commandField, zap.Error(runnerError))
	case phaseExitedNonZero:
		if human {
			executor.logger.Warn(formatter.BuildFailureMessage(command, result))
			return
		}
		executor.logger.Warn(commandFailureMessageConstant, commandField,
			zap.Int(exitCodeFieldNameConstant, result.ExitCode),
			zap.String(standardErrorFieldNameConstant, result.StandardError))
	case phaseSucceeded:
		if human {
			executor.logger.Info(formatter.BuildSuccessMessage(command))
			return
		}
		executor.logger.Info(commandSuccessMessageConstant, commandField, zap.Int(exitCodeFieldNameConstant, result.ExitCode))
	}
}

// ExecuteGit runs the git executable with the provided details.
func (executor *ShellExecutor) ExecuteGit(executionContext context.Context, details CommandDetails) (ExecutionResult, error) {
	return executor.Execute(executionContext, ShellCommand{Name: CommandGit, Details: details})
}

// ExecuteScript runs script through the named shell using the shell's non-interactive, fail-on-error mode.
func (executor *ShellExecutor) ExecuteScript(executionContext context.Context, shell CommandName, script string, details CommandDetails) (ExecutionResult, error) {
	if len(strings.TrimSpace(string(shell))) == 0 {
		shell = CommandBash
	}
	details.Arguments = append(ScriptArguments(shell), script)
	return executor.Execute(executionContext, ShellCommand{Name: shell, Details: details})
}

// ScriptArguments returns the flags passed ahead of an inline script for the given shell.
func ScriptArguments(shell CommandName) []string {
	switch shell {
	case CommandBash:
		return []string{"--noprofile", "--norc", "-eo", "pipefail", "-c"}
	case CommandPosixShell:
		return []string{"-e", "-c"}
	default:
		return []string{"-c"}
	}
}

// ExitCodeOf extracts the exit code carried by err, reporting false when err does not describe a finished command.
func ExitCodeOf(err error) (int, bool) {
	var failedError CommandFailedError
	if errors.As(err, &failedError) {
		return failedError.Result.ExitCode, true
	}
	return 0, false
}
