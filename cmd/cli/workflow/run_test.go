package workflow_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	workflowcmd "github.com/shibzuko/ciflow/cmd/cli/workflow"
	"github.com/shibzuko/ciflow/internal/execshell"
	"github.com/shibzuko/ciflow/internal/history"
	flagutils "github.com/shibzuko/ciflow/internal/utils/flags"
)

const (
	testFailScriptPrefix = "fail-"
	testHeadReference    = "refs/heads/master"
	testHeadRevision     = "0123456789abcdef"
	testPushWorkflow     = `name: build
on:
  push:
    branches: [master]
jobs:
  build:
    runs-on: ubuntu-24.04
    steps:
      - run: echo build
      - run: echo test
`
	testFailingWorkflow = `name: broken
on: [push]
jobs:
  check:
    steps:
      - run: fail-3
      - run: echo unreachable
`
	testMatrixWorkflow = `name: assets
on:
  pull_request:
jobs:
  assets:
    runs-on: ${{ matrix.os }}
    strategy:
      matrix:
        os: [ubuntu-24.04]
        app: [lms, cms]
    steps:
      - run: build ${{ matrix.app }}
`
)

type fakeCommandRunner struct {
	mutex    sync.Mutex
	scripts  []string
	gitCalls [][]string
}

func (commandRunner *fakeCommandRunner) Run(_ context.Context, command execshell.ShellCommand) (execshell.ExecutionResult, error) {
	commandRunner.mutex.Lock()
	defer commandRunner.mutex.Unlock()

	arguments := command.Details.Arguments
	if command.Name == execshell.CommandGit {
		commandRunner.gitCalls = append(commandRunner.gitCalls, append([]string{}, arguments...))
		if len(arguments) == 3 {
			return execshell.ExecutionResult{StandardOutput: testHeadReference + "\n"}, nil
		}
		return execshell.ExecutionResult{StandardOutput: testHeadRevision + "\n"}, nil
	}
	if len(arguments) == 0 {
		return execshell.ExecutionResult{}, nil
	}
	script := arguments[len(arguments)-1]
	commandRunner.scripts = append(commandRunner.scripts, script)
	if strings.HasPrefix(script, testFailScriptPrefix) {
		exitCode, _ := strconv.Atoi(strings.TrimPrefix(script, testFailScriptPrefix))
		return execshell.ExecutionResult{ExitCode: exitCode}, nil
	}
	return execshell.ExecutionResult{}, nil
}

func (commandRunner *fakeCommandRunner) executed() []string {
	commandRunner.mutex.Lock()
	defer commandRunner.mutex.Unlock()
	return append([]string{}, commandRunner.scripts...)
}

type commandOutput struct {
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func writeWorkflowFile(testInstance *testing.T, directory string, name string, content string) string {
	testInstance.Helper()
	workflowPath := filepath.Join(directory, name)
	require.NoError(testInstance, os.WriteFile(workflowPath, []byte(content), 0o600))
	return workflowPath
}

func prepareCommand(testInstance *testing.T, command *cobra.Command, output *commandOutput, arguments ...string) {
	testInstance.Helper()
	flagutils.BindExecutionFlags(command, flagutils.ExecutionDefaults{}, flagutils.DefaultExecutionFlagDefinitions())
	command.SilenceUsage = true
	command.SilenceErrors = true
	command.SetContext(context.Background())
	command.SetOut(&output.stdout)
	command.SetErr(&output.stderr)
	command.SetArgs(arguments)
}

func newRunCommand(testInstance *testing.T, commandRunner *fakeCommandRunner, configuration workflowcmd.CommandConfiguration) *cobra.Command {
	testInstance.Helper()
	builder := workflowcmd.CommandBuilder{
		ConfigurationProvider: func() workflowcmd.CommandConfiguration { return configuration },
		CommandRunner:         commandRunner,
	}
	command, buildError := builder.Build()
	require.NoError(testInstance, buildError)
	return command
}

func TestRunCommandRunsTriggeredWorkflow(testInstance *testing.T) {
	workspace := testInstance.TempDir()
	workflowPath := writeWorkflowFile(testInstance, workspace, "ci.yml", testPushWorkflow)
	commandRunner := &fakeCommandRunner{}
	configuration := workflowcmd.CommandConfiguration{
		TemporaryRoot: testInstance.TempDir(),
		HistoryPath:   filepath.Join(testInstance.TempDir(), "history.db"),
	}

	output := &commandOutput{}
	command := newRunCommand(testInstance, commandRunner, configuration)
	prepareCommand(testInstance, command, output, "--workspace", workspace, "-f", workflowPath)

	require.NoError(testInstance, command.Execute())
	require.Equal(testInstance, []string{"echo build", "echo test"}, commandRunner.executed())
	require.Contains(testInstance, output.stderr.String(), "status=succeeded")
	require.Contains(testInstance, output.stderr.String(), "workflow=build")

	store, openError := history.Open(configuration.HistoryPath, nil)
	require.NoError(testInstance, openError)
	defer store.Close()
	runs, listError := store.ListRuns(context.Background(), 10)
	require.NoError(testInstance, listError)
	require.Len(testInstance, runs, 1)
	require.Equal(testInstance, "build", runs[0].Workflow)
	require.Equal(testInstance, testHeadReference, runs[0].Ref)
}

func TestRunCommandReturnsRunExitCode(testInstance *testing.T) {
	workspace := testInstance.TempDir()
	workflowPath := writeWorkflowFile(testInstance, workspace, "broken.yml", testFailingWorkflow)
	commandRunner := &fakeCommandRunner{}

	output := &commandOutput{}
	command := newRunCommand(testInstance, commandRunner, workflowcmd.CommandConfiguration{TemporaryRoot: testInstance.TempDir()})
	prepareCommand(testInstance, command, output, "--workspace", workspace, "--quiet", workflowPath)

	runError := command.Execute()
	var failure workflowcmd.RunFailedError
	require.True(testInstance, errors.As(runError, &failure))
	require.Equal(testInstance, 3, failure.ExitCode())
	require.Equal(testInstance, "broken", failure.Workflow)
	require.Equal(testInstance, []string{"fail-3"}, commandRunner.executed())
	require.NotContains(testInstance, output.stderr.String(), "Summary:")
}

func TestRunCommandSkipsUntriggeredWorkflows(testInstance *testing.T) {
	workspace := testInstance.TempDir()
	workflowPath := writeWorkflowFile(testInstance, workspace, "ci.yml", testPushWorkflow)
	commandRunner := &fakeCommandRunner{}

	output := &commandOutput{}
	command := newRunCommand(testInstance, commandRunner, workflowcmd.CommandConfiguration{TemporaryRoot: testInstance.TempDir()})
	prepareCommand(testInstance, command, output, "--workspace", workspace, "--ref", "refs/heads/feature", workflowPath)

	runError := command.Execute()
	require.Error(testInstance, runError)
	require.Contains(testInstance, runError.Error(), "no workflow is triggered")
	require.Contains(testInstance, output.stderr.String(), `skipping workflow "build"`)
	require.Empty(testInstance, commandRunner.executed())
}

func TestRunCommandIgnoreTriggers(testInstance *testing.T) {
	workspace := testInstance.TempDir()
	workflowPath := writeWorkflowFile(testInstance, workspace, "ci.yml", testPushWorkflow)
	commandRunner := &fakeCommandRunner{}

	output := &commandOutput{}
	command := newRunCommand(testInstance, commandRunner, workflowcmd.CommandConfiguration{TemporaryRoot: testInstance.TempDir()})
	prepareCommand(testInstance, command, output, "--workspace", workspace, "--event", "workflow_dispatch", "--ignore-triggers", workflowPath)

	require.NoError(testInstance, command.Execute())
	require.Equal(testInstance, []string{"echo build", "echo test"}, commandRunner.executed())
}

func TestRunCommandDryRunPrintsPlan(testInstance *testing.T) {
	workspace := testInstance.TempDir()
	workflowPath := writeWorkflowFile(testInstance, workspace, "assets.yml", testMatrixWorkflow)
	commandRunner := &fakeCommandRunner{}

	output := &commandOutput{}
	command := newRunCommand(testInstance, commandRunner, workflowcmd.CommandConfiguration{TemporaryRoot: testInstance.TempDir()})
	prepareCommand(testInstance, command, output, "--workspace", workspace, "--event", "pull_request", "--dry-run", workflowPath)

	require.NoError(testInstance, command.Execute())
	require.Empty(testInstance, commandRunner.executed())
	require.Contains(testInstance, output.stdout.String(), "workflow assets: 2 job instance(s) in 1 stage(s)")
	require.Contains(testInstance, output.stdout.String(), "stage 1: assets")
}

func TestRunCommandReportsMissingWorkflowFile(testInstance *testing.T) {
	workspace := testInstance.TempDir()
	output := &commandOutput{}
	command := newRunCommand(testInstance, &fakeCommandRunner{}, workflowcmd.CommandConfiguration{Workspace: workspace})
	prepareCommand(testInstance, command, output)

	runError := command.Execute()
	require.Error(testInstance, runError)
	require.Contains(testInstance, runError.Error(), filepath.Join(workspace, ".github/workflows/ci.yml"))
}
