package runner

import (
	"fmt"
	"time"

	"github.com/shibzuko/ciflow/internal/matrix"
)

// Status is the lifecycle state of a step, job instance or run.
type Status string

// Lifecycle states.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// Exit codes reported for failures that carry no process exit status.
const (
	ExitCodeGenericFailure = 1
	ExitCodeTimeout        = 124
	ExitCodeCancelled      = 130
)

// Step outcomes visible to expressions through steps.<id>.outcome.
const (
	stepOutcomeSuccess   = "success"
	stepOutcomeFailure   = "failure"
	stepOutcomeCancelled = "cancelled"
)

// StepResult reports the execution of one step.
type StepResult struct {
	Index    int
	ID       string
	Name     string
	Status   Status
	ExitCode int
	Outputs  map[string]string
	Duration time.Duration
	Error    error
}

// InstanceResult reports the execution of one job instance.
type InstanceResult struct {
	JobID       string
	DisplayName string
	RunsOn      string
	Combination matrix.Combination
	Status      Status
	ExitCode    int
	Steps       []StepResult
	StartTime   time.Time
	EndTime     time.Time
	Error       error
}

// RunResult reports a whole pipeline run.
type RunResult struct {
	ID           string
	WorkflowName string
	Event        string
	Ref          string
	Status       Status
	ExitCode     int
	Instances    []InstanceResult
	StartTime    time.Time
	EndTime      time.Time
}

// Duration reports the wall-clock duration of the run.
func (result RunResult) Duration() time.Duration {
	if result.EndTime.IsZero() {
		return 0
	}
	return result.EndTime.Sub(result.StartTime)
}

// CountByStatus tallies instances per status.
func (result RunResult) CountByStatus() map[Status]int {
	counts := make(map[Status]int)
	for _, instance := range result.Instances {
		counts[instance.Status]++
	}
	return counts
}

// StepFailedError identifies the step that failed a job instance.
type StepFailedError struct {
	Instance string
	Step     string
	ExitCode int
	Cause    error
}

// Error describes the failure.
func (failure StepFailedError) Error() string {
	return fmt.Sprintf("%s: step %q failed with exit code %d: %v", failure.Instance, failure.Step, failure.ExitCode, failure.Cause)
}

// Unwrap exposes the cause.
func (failure StepFailedError) Unwrap() error {
	return failure.Cause
}
