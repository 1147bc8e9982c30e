package taskrunner

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shibzuko/ciflow/internal/pipeline"
	"github.com/shibzuko/ciflow/internal/runner"
)

type fakeExecutor struct {
	result runner.RunResult
	err    error
}

func (executor fakeExecutor) Run(_ context.Context, _ runner.RunRequest) (runner.RunResult, error) {
	return executor.result, executor.err
}

func sampleRunResult() runner.RunResult {
	started := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	return runner.RunResult{
		ID:           "run-1",
		WorkflowName: "ci",
		Status:       runner.StatusFailed,
		ExitCode:     2,
		StartTime:    started,
		EndTime:      started.Add(1500 * time.Millisecond),
		Instances: []runner.InstanceResult{
			{DisplayName: "lint", Status: runner.StatusSucceeded, StartTime: started, EndTime: started.Add(time.Second)},
			{
				DisplayName: "test (3.11)",
				Status:      runner.StatusFailed,
				ExitCode:    2,
				StartTime:   started,
				EndTime:     started.Add(1500 * time.Millisecond),
				Error:       errors.New("exit status 2"),
				Steps:       []runner.StepResult{{Name: "checkout", Status: runner.StatusSucceeded}, {Name: "pytest", Status: runner.StatusFailed}},
			},
			{DisplayName: "deploy", Status: runner.StatusSkipped},
		},
	}
}

func TestRenderSummaryLineSkipsEmptyRuns(t *testing.T) {
	require.Equal(t, "", RenderSummaryLine(runner.RunResult{ID: "empty"}))
}

func TestRenderSummaryLineFormatsCounts(t *testing.T) {
	summary := RenderSummaryLine(sampleRunResult())
	require.Contains(t, summary, "Summary: run=run-1 workflow=ci status=failed exit_code=2 total.instances=3")
	require.Contains(t, summary, "succeeded=1 failed=1 cancelled=0 skipped=1")
	require.Contains(t, summary, "duration_human=1.5s")
	require.Contains(t, summary, "duration_ms=1500")
}

func TestRenderInstanceReportNamesFailedStep(t *testing.T) {
	lines := RenderInstanceReport(sampleRunResult())
	require.Len(t, lines, 3)
	require.Equal(t, "[succeeded] lint exit_code=0 duration=1s", lines[0])
	require.Equal(t, `[failed] test (3.11) exit_code=2 duration=1.5s failed_step="pytest" error="exit status 2"`, lines[1])
	require.Equal(t, "[skipped] deploy exit_code=0 duration=0s", lines[2])
}

func TestRenderPlanListsStages(t *testing.T) {
	plan := runner.Plan{
		Workflow: pipeline.Workflow{Name: "ci"},
		Stages: []runner.PlannedStage{
			{Jobs: []string{"lint"}, Instances: []runner.JobInstance{{DisplayName: "lint", Job: pipeline.Job{Steps: []pipeline.Step{{Run: "make lint"}}}}}},
			{Jobs: []string{"test"}, Instances: []runner.JobInstance{{DisplayName: "test (3.11)", RunsOn: "ubuntu-latest"}}},
		},
	}
	require.Equal(t, []string{
		"workflow ci: 2 job instance(s) in 2 stage(s)",
		"stage 1: lint",
		"  - lint (runs-on: local, steps: 1)",
		"stage 2: test",
		"  - test (3.11) (runs-on: ubuntu-latest, steps: 0)",
	}, RenderPlan(plan))
}

func TestSummaryExecutorPrintsReportAndSummary(t *testing.T) {
	buffer := &bytes.Buffer{}
	executor := Resolve(func(DependenciesResult) Executor {
		return fakeExecutor{result: sampleRunResult()}
	}, DependenciesResult{Errors: buffer})

	result, err := executor.Run(context.Background(), runner.RunRequest{})
	require.NoError(t, err)
	require.Equal(t, 2, result.ExitCode)
	require.Contains(t, buffer.String(), "[failed] test (3.11)")
	require.Contains(t, buffer.String(), "Summary: run=run-1")
}

func TestSummaryExecutorQuietAndErrors(t *testing.T) {
	buffer := &bytes.Buffer{}
	quiet := Resolve(func(DependenciesResult) Executor {
		return fakeExecutor{result: sampleRunResult()}
	}, DependenciesResult{Errors: buffer, Quiet: true})
	_, err := quiet.Run(context.Background(), runner.RunRequest{})
	require.NoError(t, err)
	require.Empty(t, buffer.String())

	failing := Resolve(func(DependenciesResult) Executor {
		return fakeExecutor{err: errors.New("invalid workflow")}
	}, DependenciesResult{Errors: buffer})
	_, err = failing.Run(context.Background(), runner.RunRequest{})
	require.EqualError(t, err, "invalid workflow")
	require.Empty(t, buffer.String())

	_, err = Resolve(nil, DependenciesResult{}).Run(context.Background(), runner.RunRequest{})
	require.ErrorIs(t, err, errExecutorMissing)
}
