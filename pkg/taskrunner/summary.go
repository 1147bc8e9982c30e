package taskrunner

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shibzuko/ciflow/internal/runner"
)

const (
	summaryPrefixTemplate     = "Summary: run=%s workflow=%s status=%s exit_code=%d total.instances=%d"
	instanceLineTemplate      = "[%s] %s exit_code=%d duration=%s"
	instanceFailedStepSuffix  = " failed_step=%q"
	instanceErrorSuffix       = " error=%q"
	planStageTemplate         = "stage %d: %s"
	planInstanceTemplate      = "  - %s (runs-on: %s, steps: %d)"
	planHeaderTemplate        = "workflow %s: %d job instance(s) in %d stage(s)"
	defaultRunsOnPlaceholder  = "local"
	durationRoundingPrecision = time.Millisecond
)

var statusRenderOrder = []runner.Status{
	runner.StatusSucceeded,
	runner.StatusFailed,
	runner.StatusCancelled,
	runner.StatusSkipped,
}

// RenderSummaryLine returns the summary line printed after a run. Runs without instances
// produce no summary.
func RenderSummaryLine(result runner.RunResult) string {
	if len(result.Instances) == 0 {
		return ""
	}

	parts := []string{fmt.Sprintf(summaryPrefixTemplate, result.ID, result.WorkflowName, result.Status, result.ExitCode, len(result.Instances))}

	counts := result.CountByStatus()
	for _, status := range statusRenderOrder {
		parts = append(parts, fmt.Sprintf("%s=%d", status, counts[status]))
	}

	var extra []string
	for status, count := range counts {
		if !knownStatus(status) {
			extra = append(extra, fmt.Sprintf("%s=%d", status, count))
		}
	}
	sort.Strings(extra)
	parts = append(parts, extra...)

	duration := result.Duration()
	parts = append(parts, fmt.Sprintf("duration_human=%s", duration.Round(durationRoundingPrecision)))
	parts = append(parts, fmt.Sprintf("duration_ms=%d", duration.Milliseconds()))

	return strings.Join(parts, " ")
}

// RenderInstanceReport returns one line per job instance in execution order.
func RenderInstanceReport(result runner.RunResult) []string {
	lines := make([]string, 0, len(result.Instances))
	for _, instance := range result.Instances {
		var duration time.Duration
		if !instance.EndTime.IsZero() {
			duration = instance.EndTime.Sub(instance.StartTime)
		}
		line := fmt.Sprintf(instanceLineTemplate, instance.Status, instance.DisplayName, instance.ExitCode, duration.Round(durationRoundingPrecision))
		for _, step := range instance.Steps {
			if step.Status == runner.StatusFailed {
				line += fmt.Sprintf(instanceFailedStepSuffix, step.Name)
				break
			}
		}
		if instance.Error != nil && instance.Status != runner.StatusSucceeded {
			line += fmt.Sprintf(instanceErrorSuffix, instance.Error.Error())
		}
		lines = append(lines, line)
	}
	return lines
}

// RenderPlan describes the stages and job instances of a plan.
func RenderPlan(plan runner.Plan) []string {
	lines := []string{fmt.Sprintf(planHeaderTemplate, plan.Workflow.Name, plan.InstanceCount(), len(plan.Stages))}
	for stageIndex, stage := range plan.Stages {
		lines = append(lines, fmt.Sprintf(planStageTemplate, stageIndex+1, strings.Join(stage.Jobs, ", ")))
		for _, instance := range stage.Instances {
			runsOn := instance.RunsOn
			if strings.TrimSpace(runsOn) == "" {
				runsOn = defaultRunsOnPlaceholder
			}
			lines = append(lines, fmt.Sprintf(planInstanceTemplate, instance.DisplayName, runsOn, len(instance.Job.Steps)))
		}
	}
	return lines
}

func knownStatus(status runner.Status) bool {
	for _, candidate := range statusRenderOrder {
		if candidate == status {
			return true
		}
	}
	return false
}
