package execshell_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/shibzuko/ciflow/internal/execshell"
)

const (
	testStepScriptConstant            = "make test"
	testStepWorkspaceConstant         = "/work"
	testStepDescriptionConstant       = "sh -e -c make test (in /work)"
	testRunnerFailureConstant         = "fork/exec: resource temporarily unavailable"
	testStructuredStartedConstant     = "command execution starting"
	testStructuredSucceededConstant   = "command execution completed"
	testStructuredNonZeroConstant     = "command returned non-zero status"
	testStructuredRunnerErrorConstant = "command execution error"
)

type recordingCommandRunner struct {
	executionResult  execshell.ExecutionResult
	executionError   error
	recordedCommands []execshell.ShellCommand
}

func (runner *recordingCommandRunner) Run(executionContext context.Context, command execshell.ShellCommand) (execshell.ExecutionResult, error) {
	runner.recordedCommands = append(runner.recordedCommands, command)
	return runner.executionResult, runner.executionError
}

func TestNewShellExecutorRequiresDependencies(testInstance *testing.T) {
	_, loggerError := execshell.NewShellExecutor(nil, &recordingCommandRunner{}, false)
	require.ErrorIs(testInstance, loggerError, execshell.ErrLoggerNotConfigured)

	_, runnerError := execshell.NewShellExecutor(zap.NewNop(), nil, false)
	require.ErrorIs(testInstance, runnerError, execshell.ErrCommandRunnerNotConfigured)

	executor, creationError := execshell.NewShellExecutor(zap.NewNop(), &recordingCommandRunner{}, true)
	require.NoError(testInstance, creationError)

	_, missingNameError := executor.Execute(context.Background(), execshell.ShellCommand{Name: "  "})
	require.ErrorIs(testInstance, missingNameError, execshell.ErrCommandNameMissing)
}

func TestShellExecutorReportsStepLifecycle(testInstance *testing.T) {
	testCases := []struct {
		name             string
		humanReadable    bool
		runnerResult     execshell.ExecutionResult
		runnerError      error
		assertError      func(require.TestingT, error)
		expectedMessages []string
		expectedLevels   []zapcore.Level
	}{
		{
			name:             "structured_success",
			runnerResult:     execshell.ExecutionResult{StandardOutput: "PASS", ExitCode: 0},
			assertError:      func(t require.TestingT, err error) { require.NoError(t, err) },
			expectedMessages: []string{testStructuredStartedConstant, testStructuredSucceededConstant},
			expectedLevels:   []zapcore.Level{zap.InfoLevel, zap.InfoLevel},
		},
		{
			name:         "structured_non_zero_exit",
			runnerResult: execshell.ExecutionResult{StandardError: "FAIL ./internal/cache", ExitCode: 2},
			assertError: func(t require.TestingT, err error) {
				var failed execshell.CommandFailedError
				require.ErrorAs(t, err, &failed)
				require.Equal(t, 2, failed.ExitCode())
			},
			expectedMessages: []string{testStructuredStartedConstant, testStructuredNonZeroConstant},
			expectedLevels:   []zapcore.Level{zap.InfoLevel, zap.WarnLevel},
		},
		{
			name:        "structured_runner_error",
			runnerError: errors.New(testRunnerFailureConstant),
			assertError: func(t require.TestingT, err error) {
				var executionError execshell.CommandExecutionError
				require.ErrorAs(t, err, &executionError)
				require.EqualError(t, errors.Unwrap(err), testRunnerFailureConstant)
			},
			expectedMessages: []string{testStructuredStartedConstant, testStructuredRunnerErrorConstant},
			expectedLevels:   []zapcore.Level{zap.InfoLevel, zap.ErrorLevel},
		},
		{
			name:             "console_success",
			humanReadable:    true,
			runnerResult:     execshell.ExecutionResult{ExitCode: 0},
			assertError:      func(t require.TestingT, err error) { require.NoError(t, err) },
			expectedMessages: []string{"Running " + testStepDescriptionConstant, "Completed " + testStepDescriptionConstant},
			expectedLevels:   []zapcore.Level{zap.InfoLevel, zap.InfoLevel},
		},
		{
			name:          "console_non_zero_exit",
			humanReadable: true,
			runnerResult:  execshell.ExecutionResult{StandardError: "FAIL ./internal/cache\nexit status 1", ExitCode: 2},
			assertError:   func(t require.TestingT, err error) { require.Error(t, err) },
			expectedMessages: []string{
				"Running " + testStepDescriptionConstant,
				testStepDescriptionConstant + " failed with exit code 2: FAIL ./internal/cache",
			},
			expectedLevels: []zapcore.Level{zap.InfoLevel, zap.WarnLevel},
		},
		{
			name:          "console_runner_error",
			humanReadable: true,
			runnerError:   errors.New(testRunnerFailureConstant),
			assertError:   func(t require.TestingT, err error) { require.Error(t, err) },
			expectedMessages: []string{
				"Running " + testStepDescriptionConstant,
				testStepDescriptionConstant + " failed: " + testRunnerFailureConstant,
			},
			expectedLevels: []zapcore.Level{zap.InfoLevel, zap.ErrorLevel},
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			observerCore, observedLogs := observer.New(zap.DebugLevel)
			recordingRunner := &recordingCommandRunner{executionResult: testCase.runnerResult, executionError: testCase.runnerError}
			shellExecutor, creationError := execshell.NewShellExecutor(zap.New(observerCore), recordingRunner, testCase.humanReadable)
			require.NoError(testInstance, creationError)

			result, executionError := shellExecutor.ExecuteScript(
				context.Background(),
				execshell.CommandPosixShell,
				testStepScriptConstant,
				execshell.CommandDetails{WorkingDirectory: testStepWorkspaceConstant},
			)
			testCase.assertError(testInstance, executionError)
			require.Equal(testInstance, testCase.runnerResult.StandardOutput, result.StandardOutput)

			capturedLogs := observedLogs.All()
			require.Len(testInstance, capturedLogs, len(testCase.expectedMessages))
			for logIndex, entry := range capturedLogs {
				require.Equal(testInstance, testCase.expectedMessages[logIndex], entry.Message)
				require.Equal(testInstance, testCase.expectedLevels[logIndex], entry.Level)
			}
		})
	}
}

func TestCommandFailedErrorKeepsTrailingOutput(testInstance *testing.T) {
	failure := execshell.CommandFailedError{
		Command: execshell.ShellCommand{Name: execshell.CommandBash},
		Result:  execshell.ExecutionResult{StandardOutput: "one\ntwo\n\nthree\nfour\n", ExitCode: 1},
	}
	require.EqualError(testInstance, failure, "bash command exited with code 1: three | four")

	bare := execshell.CommandFailedError{Command: execshell.ShellCommand{Name: execshell.CommandGit}, Result: execshell.ExecutionResult{ExitCode: 128}}
	require.EqualError(testInstance, bare, "git command exited with code 128")
}

func TestShellExecutorExecuteScriptUsesStrictShellFlags(testInstance *testing.T) {
	recordingRunner := &recordingCommandRunner{}
	shellExecutor, creationError := execshell.NewShellExecutor(zap.NewNop(), recordingRunner, false)
	require.NoError(testInstance, creationError)

	_, executionError := shellExecutor.ExecuteScript(context.Background(), "", "echo hello", execshell.CommandDetails{WorkingDirectory: "/work"})
	require.NoError(testInstance, executionError)

	require.Len(testInstance, recordingRunner.recordedCommands, 1)
	recorded := recordingRunner.recordedCommands[0]
	require.Equal(testInstance, execshell.CommandBash, recorded.Name)
	require.Equal(testInstance, []string{"--noprofile", "--norc", "-eo", "pipefail", "-c", "echo hello"}, recorded.Details.Arguments)
	require.Equal(testInstance, "/work", recorded.Details.WorkingDirectory)
}

func TestExitCodeOfUnwrapsCommandFailures(testInstance *testing.T) {
	failure := execshell.CommandFailedError{
		Command: execshell.ShellCommand{Name: execshell.CommandBash},
		Result:  execshell.ExecutionResult{ExitCode: 3},
	}

	exitCode, found := execshell.ExitCodeOf(fmt.Errorf("step failed: %w", failure))
	require.True(testInstance, found)
	require.Equal(testInstance, 3, exitCode)

	_, found = execshell.ExitCodeOf(errors.New("other"))
	require.False(testInstance, found)
}

func TestOSCommandRunnerReportsExitCodesAndStreamsOutput(testInstance *testing.T) {
	runner := execshell.NewOSCommandRunner()
	var streamed bytes.Buffer

	successResult, successError := runner.Run(context.Background(), execshell.ShellCommand{
		Name: execshell.CommandPosixShell,
		Details: execshell.CommandDetails{
			Arguments:            []string{"-c", "echo $GREETING"},
			EnvironmentVariables: map[string]string{"GREETING": "hello"},
			OutputWriter:         &streamed,
		},
	})
	require.NoError(testInstance, successError)
	require.Equal(testInstance, 0, successResult.ExitCode)
	require.Equal(testInstance, "hello\n", successResult.StandardOutput)
	require.Equal(testInstance, "hello\n", streamed.String())

	failureResult, failureError := runner.Run(context.Background(), execshell.ShellCommand{
		Name:    execshell.CommandPosixShell,
		Details: execshell.CommandDetails{Arguments: []string{"-c", "echo broken >&2; exit 7"}},
	})
	require.NoError(testInstance, failureError)
	require.Equal(testInstance, 7, failureResult.ExitCode)
	require.Equal(testInstance, "broken\n", failureResult.StandardError)
}

func TestOSCommandRunnerReplaceEnvironment(testInstance *testing.T) {
	testInstance.Setenv("CIFLOW_HOST_ONLY", "present")
	runner := execshell.NewOSCommandRunner()

	result, runError := runner.Run(context.Background(), execshell.ShellCommand{
		Name: "/bin/sh",
		Details: execshell.CommandDetails{
			Arguments:            []string{"-c", "echo \"[$CIFLOW_HOST_ONLY]\""},
			EnvironmentVariables: map[string]string{"PATH": "/usr/bin:/bin"},
			ReplaceEnvironment:   true,
		},
	})
	require.NoError(testInstance, runError)
	require.Equal(testInstance, "[]\n", result.StandardOutput)
}

func TestEnvironmentMapIgnoresMalformedAssignments(testInstance *testing.T) {
	environment := execshell.EnvironmentMap([]string{"A=1", "B=x=y", "=bad", "novalue"})
	require.Equal(testInstance, map[string]string{"A": "1", "B": "x=y"}, environment)
}
