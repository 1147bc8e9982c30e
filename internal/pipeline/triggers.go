package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Event names recognized in the workflow `on` section.
const (
	EventPush             = "push"
	EventPullRequest      = "pull_request"
	EventSchedule         = "schedule"
	EventWorkflowDispatch = "workflow_dispatch"
)

const (
	triggersShapeErrorTemplateConstant = "workflow triggers must be an event name, a list of event names, or a mapping, found %s"
	triggerUnknownEventTemplate        = "workflow trigger %q is not supported"
	scheduleEntryShapeTemplate         = "schedule entries must be mappings with a cron expression"
)

// ErrScheduleEntryInvalid indicates a schedule entry without a cron expression.
var ErrScheduleEntryInvalid = errors.New(scheduleEntryShapeTemplate)

// Triggers lists the events that start a workflow run.
type Triggers struct {
	Push             *BranchFilter
	PullRequest      *BranchFilter
	Schedules        []string
	WorkflowDispatch bool
}

// BranchFilter restricts an event to branch and tag patterns.
type BranchFilter struct {
	Branches       []string `yaml:"branches"`
	BranchesIgnore []string `yaml:"branches-ignore"`
	Tags           []string `yaml:"tags"`
	Paths          []string `yaml:"paths"`
}

// IsEmpty reports whether no event is declared.
func (triggers Triggers) IsEmpty() bool {
	return triggers.Push == nil && triggers.PullRequest == nil && len(triggers.Schedules) == 0 && !triggers.WorkflowDispatch
}

// EventNames lists the declared events in a stable order.
func (triggers Triggers) EventNames() []string {
	names := make([]string, 0, 4)
	if triggers.Push != nil {
		names = append(names, EventPush)
	}
	if triggers.PullRequest != nil {
		names = append(names, EventPullRequest)
	}
	if len(triggers.Schedules) > 0 {
		names = append(names, EventSchedule)
	}
	if triggers.WorkflowDispatch {
		names = append(names, EventWorkflowDispatch)
	}
	return names
}

// UnmarshalYAML accepts the scalar, sequence and mapping forms of `on`.
func (triggers *Triggers) UnmarshalYAML(node *yaml.Node) error {
	decoded := Triggers{}
	switch node.Kind {
	case yaml.ScalarNode:
		if applyError := decoded.enable(strings.TrimSpace(node.Value), nil); applyError != nil {
			return applyError
		}
	case yaml.SequenceNode:
		for _, entry := range node.Content {
			if entry.Kind != yaml.ScalarNode {
				return fmt.Errorf(triggersShapeErrorTemplateConstant, describeNodeKind(entry.Kind))
			}
			if applyError := decoded.enable(strings.TrimSpace(entry.Value), nil); applyError != nil {
				return applyError
			}
		}
	case yaml.MappingNode:
		for index := 0; index+1 < len(node.Content); index += 2 {
			if applyError := decoded.enable(strings.TrimSpace(node.Content[index].Value), node.Content[index+1]); applyError != nil {
				return applyError
			}
		}
	default:
		return fmt.Errorf(triggersShapeErrorTemplateConstant, describeNodeKind(node.Kind))
	}
	*triggers = decoded
	return nil
}

func (triggers *Triggers) enable(eventName string, configuration *yaml.Node) error {
	switch eventName {
	case EventPush:
		filter, filterError := decodeBranchFilter(configuration)
		if filterError != nil {
			return fmt.Errorf("%s: %w", eventName, filterError)
		}
		triggers.Push = filter
	case EventPullRequest:
		filter, filterError := decodeBranchFilter(configuration)
		if filterError != nil {
			return fmt.Errorf("%s: %w", eventName, filterError)
		}
		triggers.PullRequest = filter
	case EventSchedule:
		schedules, scheduleError := decodeSchedules(configuration)
		if scheduleError != nil {
			return scheduleError
		}
		triggers.Schedules = schedules
	case EventWorkflowDispatch:
		triggers.WorkflowDispatch = true
	default:
		return fmt.Errorf(triggerUnknownEventTemplate, eventName)
	}
	return nil
}

func decodeBranchFilter(configuration *yaml.Node) (*BranchFilter, error) {
	filter := &BranchFilter{}
	if configuration == nil || configuration.Tag == "!!null" {
		return filter, nil
	}
	var document struct {
		Branches       StringList `yaml:"branches"`
		BranchesIgnore StringList `yaml:"branches-ignore"`
		Tags           StringList `yaml:"tags"`
		Paths          StringList `yaml:"paths"`
	}
	if decodeError := configuration.Decode(&document); decodeError != nil {
		return nil, decodeError
	}
	filter.Branches = document.Branches
	filter.BranchesIgnore = document.BranchesIgnore
	filter.Tags = document.Tags
	filter.Paths = document.Paths
	return filter, nil
}

func decodeSchedules(configuration *yaml.Node) ([]string, error) {
	if configuration == nil || configuration.Kind != yaml.SequenceNode {
		return nil, ErrScheduleEntryInvalid
	}
	schedules := make([]string, 0, len(configuration.Content))
	for _, entry := range configuration.Content {
		var document struct {
			Cron string `yaml:"cron"`
		}
		if entry.Kind != yaml.MappingNode {
			return nil, ErrScheduleEntryInvalid
		}
		if decodeError := entry.Decode(&document); decodeError != nil {
			return nil, decodeError
		}
		expression := strings.TrimSpace(document.Cron)
		if expression == "" {
			return nil, ErrScheduleEntryInvalid
		}
		schedules = append(schedules, expression)
	}
	return schedules, nil
}
