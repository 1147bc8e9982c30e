package workflow_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	workflowcmd "github.com/shibzuko/ciflow/cmd/cli/workflow"
	"github.com/shibzuko/ciflow/internal/execshell"
	"github.com/shibzuko/ciflow/internal/trigger"
)

type stubGitExecutor struct {
	outputs map[string]string
	calls   int
}

func (executor *stubGitExecutor) ExecuteGit(_ context.Context, details execshell.CommandDetails) (execshell.ExecutionResult, error) {
	executor.calls++
	output, found := executor.outputs[details.Arguments[len(details.Arguments)-2]]
	if !found {
		return execshell.ExecutionResult{}, errors.New("not a repository")
	}
	return execshell.ExecutionResult{StandardOutput: output}, nil
}

func TestResolveWorkflowFiles(testInstance *testing.T) {
	configuration := workflowcmd.CommandConfiguration{Workspace: "/src", Workflows: []string{".github/workflows/ci.yml", "/etc/ciflow/nightly.yml", " "}}
	testCases := []struct {
		name      string
		arguments []string
		flagged   []string
		expected  []string
	}{
		{name: "positional", arguments: []string{"a.yml"}, flagged: []string{"b.yml"}, expected: []string{"a.yml"}},
		{name: "flagged", flagged: []string{"b.yml", ""}, expected: []string{"b.yml"}},
		{name: "configured", expected: []string{filepath.Join("/src", ".github/workflows/ci.yml"), "/etc/ciflow/nightly.yml"}},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			require.Equal(testInstance, testCase.expected, workflowcmd.ResolveWorkflowFiles(testCase.arguments, testCase.flagged, configuration))
		})
	}
}

func TestLoadWorkflowsRequiresFiles(testInstance *testing.T) {
	_, loadError := workflowcmd.LoadWorkflows(nil)
	require.ErrorIs(testInstance, loadError, workflowcmd.ErrWorkflowFilesMissing)
}

func TestBuildEvent(testInstance *testing.T) {
	testCases := []struct {
		name          string
		options       workflowcmd.EventOptions
		outputs       map[string]string
		expected      trigger.Event
		expectedCalls int
	}{
		{
			name:          "reads ref and revision from git",
			options:       workflowcmd.EventOptions{},
			outputs:       map[string]string{"--symbolic-full-name": "refs/heads/master\n", "rev-parse": "abc123\n"},
			expected:      trigger.Event{Name: "push", Ref: "refs/heads/master", SHA: "abc123"},
			expectedCalls: 2,
		},
		{
			name:          "explicit values win",
			options:       workflowcmd.EventOptions{Name: "pull_request", Ref: "refs/pull/7/merge", BaseRef: "master", SHA: "fff", ChangedFiles: []string{"a.py", " "}},
			expected:      trigger.Event{Name: "pull_request", Ref: "refs/pull/7/merge", BaseRef: "master", SHA: "fff", ChangedFiles: []string{"a.py"}},
			expectedCalls: 0,
		},
		{
			name:          "git failures leave values empty",
			options:       workflowcmd.EventOptions{Name: "workflow_dispatch"},
			expected:      trigger.Event{Name: "workflow_dispatch", ChangedFiles: []string{}},
			expectedCalls: 2,
		},
		{
			name:          "schedule skips git",
			options:       workflowcmd.EventOptions{Name: "schedule", Schedule: "0 3 * * *"},
			expected:      trigger.Event{Name: "schedule", Schedule: "0 3 * * *", ChangedFiles: []string{}},
			expectedCalls: 0,
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			executor := &stubGitExecutor{outputs: testCase.outputs}
			event := workflowcmd.BuildEvent(context.Background(), testCase.options, executor, "/src", nil)
			if testCase.expected.ChangedFiles == nil {
				testCase.expected.ChangedFiles = []string{}
			}
			require.Equal(testInstance, testCase.expected, event)
			require.Equal(testInstance, testCase.expectedCalls, executor.calls)
		})
	}
}

func TestPlanCommandPrintsStagesAndTriggers(testInstance *testing.T) {
	workspace := testInstance.TempDir()
	workflowPath := writeWorkflowFile(testInstance, workspace, "assets.yml", testMatrixWorkflow)

	builder := workflowcmd.PlanCommandBuilder{CommandRunner: &fakeCommandRunner{}}
	command, buildError := builder.Build()
	require.NoError(testInstance, buildError)

	output := &commandOutput{}
	prepareCommand(testInstance, command, output, workflowPath)
	require.NoError(testInstance, command.Execute())

	printed := output.stdout.String()
	require.Contains(testInstance, printed, "workflow assets: 2 job instance(s) in 1 stage(s)\n  on: pull_request\nstage 1: assets\n")
	require.Contains(testInstance, printed, "(runs-on: ubuntu-24.04, steps: 1)")
}

func TestPlanCommandRejectsInvalidWorkflow(testInstance *testing.T) {
	workspace := testInstance.TempDir()
	workflowPath := writeWorkflowFile(testInstance, workspace, "cycle.yml", "name: cycle\non: [push]\njobs:\n  a:\n    needs: [b]\n    steps:\n      - run: echo a\n  b:\n    needs: [a]\n    steps:\n      - run: echo b\n")

	builder := workflowcmd.PlanCommandBuilder{CommandRunner: &fakeCommandRunner{}}
	command, buildError := builder.Build()
	require.NoError(testInstance, buildError)

	output := &commandOutput{}
	prepareCommand(testInstance, command, output, workflowPath)
	require.Error(testInstance, command.Execute())
}
