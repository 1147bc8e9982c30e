package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// ErrJobCycleDetected indicates the `needs` graph is not acyclic.
var ErrJobCycleDetected = errors.New("workflow jobs contain a needs cycle")

// JobStage groups jobs whose dependencies are satisfied by earlier stages.
type JobStage struct {
	Jobs []Job
}

// PlanJobStages layers jobs topologically by their `needs`, keeping declaration order within each stage.
func PlanJobStages(jobs []Job) ([]JobStage, error) {
	if len(jobs) == 0 {
		return nil, nil
	}

	identifierToJob := make(map[string]Job, len(jobs))
	inDegree := make(map[string]int, len(jobs))
	adjacency := make(map[string][]string, len(jobs))
	dependencies := make(map[string][]string, len(jobs))

	for _, job := range jobs {
		identifier := strings.TrimSpace(job.ID)
		if len(identifier) == 0 {
			return nil, errors.New("workflow job missing identifier")
		}
		if _, exists := identifierToJob[identifier]; exists {
			return nil, fmt.Errorf("workflow job %q defined multiple times", identifier)
		}
		identifierToJob[identifier] = job
		inDegree[identifier] = 0

		sanitizedDependencies := make([]string, 0, len(job.Needs))
		seenDependencies := make(map[string]struct{}, len(job.Needs))
		for _, dependency := range job.Needs {
			dependencyIdentifier := strings.TrimSpace(dependency)
			if len(dependencyIdentifier) == 0 {
				continue
			}
			if dependencyIdentifier == identifier {
				return nil, fmt.Errorf("workflow job %q cannot need itself", identifier)
			}
			if _, alreadyIncluded := seenDependencies[dependencyIdentifier]; alreadyIncluded {
				continue
			}
			seenDependencies[dependencyIdentifier] = struct{}{}
			sanitizedDependencies = append(sanitizedDependencies, dependencyIdentifier)
		}
		dependencies[identifier] = sanitizedDependencies
		job.Needs = sanitizedDependencies
		identifierToJob[identifier] = job
	}

	for _, job := range jobs {
		for _, dependencyIdentifier := range dependencies[job.ID] {
			if _, exists := identifierToJob[dependencyIdentifier]; !exists {
				return nil, fmt.Errorf("workflow job %q needs unknown job %q", job.ID, dependencyIdentifier)
			}
			inDegree[job.ID]++
			adjacency[dependencyIdentifier] = append(adjacency[dependencyIdentifier], job.ID)
		}
	}

	ready := make([]string, 0)
	for _, job := range jobs {
		if inDegree[job.ID] == 0 {
			ready = append(ready, job.ID)
		}
	}

	stages := make([]JobStage, 0)
	processed := 0

	for len(ready) > 0 {
		stageIdentifiers := ready
		ready = nil

		stage := JobStage{Jobs: make([]Job, 0, len(stageIdentifiers))}
		for _, identifier := range stageIdentifiers {
			stage.Jobs = append(stage.Jobs, identifierToJob[identifier])
			processed++
		}
		stages = append(stages, stage)

		nextReadySet := make(map[string]struct{})
		for _, identifier := range stageIdentifiers {
			for _, dependent := range adjacency[identifier] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					nextReadySet[dependent] = struct{}{}
				}
			}
		}

		for _, job := range jobs {
			if _, available := nextReadySet[job.ID]; available {
				ready = append(ready, job.ID)
			}
		}
	}

	if processed != len(jobs) {
		return nil, ErrJobCycleDetected
	}

	return stages, nil
}
