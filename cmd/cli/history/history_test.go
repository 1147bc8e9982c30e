package history_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	historycmd "github.com/shibzuko/ciflow/cmd/cli/history"
	runhistory "github.com/shibzuko/ciflow/internal/history"
)

var historyTestNow = time.Date(2026, time.October, 1, 12, 0, 0, 0, time.UTC)

func seedHistory(testInstance *testing.T, path string, runs ...runhistory.Run) {
	testInstance.Helper()
	store, openError := runhistory.Open(path, nil)
	require.NoError(testInstance, openError)
	defer func() {
		require.NoError(testInstance, store.Close())
	}()
	for _, run := range runs {
		require.NoError(testInstance, store.RecordRun(context.Background(), run))
	}
}

func executeHistory(testInstance *testing.T, configuration historycmd.CommandConfiguration, arguments ...string) (string, error) {
	testInstance.Helper()
	builder := historycmd.CommandBuilder{
		ConfigurationProvider: func() historycmd.CommandConfiguration { return configuration },
		Clock:                 func() time.Time { return historyTestNow },
	}
	command, buildError := builder.Build()
	require.NoError(testInstance, buildError)

	root := &cobra.Command{Use: "ciflow", SilenceUsage: true, SilenceErrors: true}
	root.AddCommand(command)
	output := &bytes.Buffer{}
	root.SetOut(output)
	root.SetErr(output)
	root.SetArgs(append([]string{"history"}, arguments...))
	root.SetContext(context.Background())
	executionError := root.Execute()
	return output.String(), executionError
}

func TestHistoryListAndShow(testInstance *testing.T) {
	path := filepath.Join(testInstance.TempDir(), "history.db")
	started := historyTestNow.Add(-2 * time.Hour)
	seedHistory(testInstance, path,
		runhistory.Run{
			ID: "run-old", Workflow: "Quality", Event: "push", Ref: "refs/heads/master", Status: "succeeded",
			StartedAt: started, FinishedAt: started.Add(45 * time.Second),
		},
		runhistory.Run{
			ID: "run-new", Workflow: "Quality", Event: "pull_request", Status: "failed", ExitCode: 2,
			StartedAt: historyTestNow.Add(-time.Hour), FinishedAt: historyTestNow.Add(-time.Hour + 90*time.Second),
			Instances: []runhistory.Instance{
				{
					JobID: "build", DisplayName: "build (3.8)", RunsOn: "ubuntu-24.04",
					Combination: map[string]string{"python-version": "3.8", "os": "ubuntu-24.04"},
					Status: "failed", ExitCode: 2, FailedStep: "Build assets", Error: "exit status 2",
					StartedAt: historyTestNow.Add(-time.Hour), FinishedAt: historyTestNow.Add(-time.Hour + time.Minute),
				},
			},
		},
	)
	configuration := historycmd.CommandConfiguration{Enabled: true, Path: path}

	listed, listError := executeHistory(testInstance, configuration, "list")
	require.NoError(testInstance, listError)
	require.Regexp(testInstance, `(?s)^ID\s+WORKFLOW\s+EVENT\s+REF\s+STATUS\s+EXIT\s+STARTED\s+DURATION\nrun-new\s+Quality\s+pull_request\s+-\s+failed\s+2\s+1 hour ago\s+1m30s\nrun-old\s+Quality\s+push\s+refs/heads/master\s+succeeded\s+0\s+2 hours ago\s+45s\n$`, listed)

	limited, limitError := executeHistory(testInstance, configuration, "list", "--limit", "1")
	require.NoError(testInstance, limitError)
	require.NotContains(testInstance, limited, "run-old")

	shown, showError := executeHistory(testInstance, configuration, "show", "run-new")
	require.NoError(testInstance, showError)
	require.Contains(testInstance, shown, "run run-new\n  workflow: Quality\n  event:    pull_request\n  ref:      -\n  status:   failed (exit 2)\n")
	require.Regexp(testInstance, `build \(3\.8\)\s+ubuntu-24\.04\s+failed\s+2\s+1m0s\s+Build assets`, shown)
	require.Contains(testInstance, shown, "build (3.8) matrix: os=ubuntu-24.04, python-version=3.8\n")
	require.Contains(testInstance, shown, "build (3.8) error: exit status 2\n")
}

func TestHistoryShowUnknownRun(testInstance *testing.T) {
	path := filepath.Join(testInstance.TempDir(), "history.db")
	seedHistory(testInstance, path)

	_, showError := executeHistory(testInstance, historycmd.CommandConfiguration{Enabled: true, Path: path}, "show", "missing")
	require.ErrorIs(testInstance, showError, runhistory.ErrRunNotFound)
	require.ErrorContains(testInstance, showError, `no recorded run with id "missing"`)
}

func TestHistoryRequiresEnabledStore(testInstance *testing.T) {
	testCases := []struct {
		name          string
		configuration historycmd.CommandConfiguration
	}{
		{name: "disabled", configuration: historycmd.CommandConfiguration{Enabled: false, Path: "/tmp/history.db"}},
		{name: "no path", configuration: historycmd.CommandConfiguration{Enabled: true}},
	}
	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			_, listError := executeHistory(testInstance, testCase.configuration, "list")
			require.ErrorIs(testInstance, listError, historycmd.ErrHistoryDisabled)
		})
	}
}

func TestHistoryListEmpty(testInstance *testing.T) {
	path := filepath.Join(testInstance.TempDir(), "history.db")
	printed, listError := executeHistory(testInstance, historycmd.CommandConfiguration{Enabled: true, Path: path}, "list")
	require.NoError(testInstance, listError)
	require.Equal(testInstance, "no recorded runs\n", printed)
}
