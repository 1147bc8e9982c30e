package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

const (
	validationFailureTemplateConstant = "workflow validation failed: %w"
	jobStepsRequiredTemplate          = "job %q must declare at least one step"
	stepKindTemplate                  = "job %q step %d must declare exactly one of uses or run"
	stepIdentifierDuplicateTemplate   = "job %q declares step id %q more than once"
	negativeTimeoutTemplate           = "job %q timeout-minutes must not be negative"
	negativeStepTimeoutTemplate       = "job %q step %d timeout-minutes must not be negative"
	negativeMaxParallelTemplate       = "job %q max-parallel must not be negative"
	noJobsMessageConstant             = "workflow must declare at least one job"
	noTriggersMessageConstant         = "workflow must declare at least one trigger"
	jobIdentifierCharactersTemplate   = "job identifier %q may only contain letters, digits, '-' and '_'"
)

var (
	// ErrNoJobs indicates a workflow without jobs.
	ErrNoJobs = errors.New(noJobsMessageConstant)
	// ErrNoTriggers indicates a workflow without an `on` section.
	ErrNoTriggers = errors.New(noTriggersMessageConstant)
)

// Validate checks structural rules that parsing alone does not enforce.
func Validate(workflow Workflow) error {
	var validationErrors []error

	if workflow.Triggers.IsEmpty() {
		validationErrors = append(validationErrors, ErrNoTriggers)
	}
	if len(workflow.Jobs) == 0 {
		validationErrors = append(validationErrors, ErrNoJobs)
	}

	for _, job := range workflow.Jobs {
		validationErrors = append(validationErrors, validateJob(job)...)
	}

	if len(validationErrors) == 0 {
		if _, planError := PlanJobStages(workflow.Jobs); planError != nil {
			validationErrors = append(validationErrors, planError)
		}
	}

	if len(validationErrors) == 0 {
		return nil
	}
	return fmt.Errorf(validationFailureTemplateConstant, errors.Join(validationErrors...))
}

func validateJob(job Job) []error {
	var jobErrors []error

	if !isValidIdentifier(job.ID) {
		jobErrors = append(jobErrors, fmt.Errorf(jobIdentifierCharactersTemplate, job.ID))
	}
	if len(job.Steps) == 0 {
		jobErrors = append(jobErrors, fmt.Errorf(jobStepsRequiredTemplate, job.ID))
	}
	if job.TimeoutMinutes < 0 {
		jobErrors = append(jobErrors, fmt.Errorf(negativeTimeoutTemplate, job.ID))
	}
	if job.Strategy.MaxParallel < 0 {
		jobErrors = append(jobErrors, fmt.Errorf(negativeMaxParallelTemplate, job.ID))
	}

	seenStepIdentifiers := make(map[string]struct{}, len(job.Steps))
	for stepIndex, step := range job.Steps {
		hasUses := strings.TrimSpace(step.Uses) != ""
		hasRun := strings.TrimSpace(step.Run) != ""
		if hasUses == hasRun {
			jobErrors = append(jobErrors, fmt.Errorf(stepKindTemplate, job.ID, stepIndex+1))
		}
		if step.TimeoutMinutes < 0 {
			jobErrors = append(jobErrors, fmt.Errorf(negativeStepTimeoutTemplate, job.ID, stepIndex+1))
		}
		identifier := strings.TrimSpace(step.ID)
		if identifier == "" {
			continue
		}
		if _, duplicate := seenStepIdentifiers[identifier]; duplicate {
			jobErrors = append(jobErrors, fmt.Errorf(stepIdentifierDuplicateTemplate, job.ID, identifier))
		}
		seenStepIdentifiers[identifier] = struct{}{}
	}
	return jobErrors
}

func isValidIdentifier(identifier string) bool {
	if identifier == "" {
		return false
	}
	for _, character := range identifier {
		switch {
		case character >= 'a' && character <= 'z':
		case character >= 'A' && character <= 'Z':
		case character >= '0' && character <= '9':
		case character == '-' || character == '_':
		default:
			return false
		}
	}
	return true
}
