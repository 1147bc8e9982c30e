package runner

import (
	"context"

	"github.com/shibzuko/ciflow/internal/history"
)

// HistoryStore stores run records.
type HistoryStore interface {
	RecordRun(executionContext context.Context, run history.Run) error
}

// HistoryRecorder adapts a HistoryStore to RunRecorder.
type HistoryRecorder struct {
	store HistoryStore
}

// NewHistoryRecorder wraps store.
func NewHistoryRecorder(store HistoryStore) HistoryRecorder {
	return HistoryRecorder{store: store}
}

// RecordRun converts result into a history record and stores it.
func (recorder HistoryRecorder) RecordRun(executionContext context.Context, result RunResult) error {
	return recorder.store.RecordRun(executionContext, HistoryRun(result))
}

// HistoryRun converts a run result into its history record.
func HistoryRun(result RunResult) history.Run {
	run := history.Run{
		ID:         result.ID,
		Workflow:   result.WorkflowName,
		Event:      result.Event,
		Ref:        result.Ref,
		Status:     string(result.Status),
		ExitCode:   result.ExitCode,
		StartedAt:  result.StartTime,
		FinishedAt: result.EndTime,
		Instances:  make([]history.Instance, 0, len(result.Instances)),
	}
	for _, instance := range result.Instances {
		record := history.Instance{
			JobID:       instance.JobID,
			DisplayName: instance.DisplayName,
			RunsOn:      instance.RunsOn,
			Combination: instance.Combination,
			Status:      string(instance.Status),
			ExitCode:    instance.ExitCode,
			StartedAt:   instance.StartTime,
			FinishedAt:  instance.EndTime,
		}
		if instance.Error != nil {
			record.Error = instance.Error.Error()
		}
		for _, step := range instance.Steps {
			if step.Status == StatusFailed {
				record.FailedStep = step.Name
				break
			}
		}
		run.Instances = append(run.Instances, record)
	}
	return run
}
