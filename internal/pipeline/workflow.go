// Package pipeline models declarative workflow files: triggers, jobs,
// strategy matrices and the ordered steps of each job.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shibzuko/ciflow/internal/matrix"
)

const (
	workflowLoadErrorTemplateConstant    = "failed to load workflow %s: %w"
	workflowParseErrorTemplateConstant   = "failed to parse workflow: %w"
	workflowPathRequiredMessageConstant  = "workflow path must be provided"
	workflowJobsMappingMessageConstant   = "workflow jobs must be a mapping of job identifiers"
	workflowJobDecodeErrorTemplate       = "job %q: %w"
	stringListShapeErrorTemplateConstant = "expected a string or a list of strings, found %s"
	defaultFailFastConstant              = true
)

// ErrWorkflowPathMissing indicates an empty workflow path.
var ErrWorkflowPathMissing = errors.New(workflowPathRequiredMessageConstant)

// Workflow is a parsed workflow definition.
type Workflow struct {
	Name        string
	Triggers    Triggers
	Environment map[string]string
	Jobs        []Job
}

// Job is one entry of the workflow jobs mapping.
type Job struct {
	ID             string
	Name           string
	RunsOn         string
	Needs          []string
	Strategy       Strategy
	Environment    map[string]string
	Services       map[string]Service
	TimeoutMinutes float64
	Steps          []Step
}

// DisplayName returns the job name, falling back to its identifier.
func (job Job) DisplayName() string {
	if trimmed := strings.TrimSpace(job.Name); trimmed != "" {
		return trimmed
	}
	return job.ID
}

// Strategy configures how a job's matrix fans out.
type Strategy struct {
	Matrix      matrix.Definition
	FailFast    bool
	MaxParallel int
}

// Service is a long-running dependency a job expects, such as a database.
type Service struct {
	Image       string            `yaml:"image"`
	Ports       []string          `yaml:"ports"`
	Environment map[string]string `yaml:"env"`
}

// Step is either an action invocation (Uses) or a shell command (Run).
type Step struct {
	ID               string            `yaml:"id"`
	Name             string            `yaml:"name"`
	Uses             string            `yaml:"uses"`
	With             map[string]string `yaml:"with"`
	Run              string            `yaml:"run"`
	Environment      map[string]string `yaml:"env"`
	Shell            string            `yaml:"shell"`
	WorkingDirectory string            `yaml:"working-directory"`
	TimeoutMinutes   float64           `yaml:"timeout-minutes"`
}

// IsAction reports whether the step invokes an action rather than a shell command.
func (step Step) IsAction() bool {
	return strings.TrimSpace(step.Uses) != ""
}

// Label returns a human-readable step label.
func (step Step) Label() string {
	if trimmed := strings.TrimSpace(step.Name); trimmed != "" {
		return trimmed
	}
	if step.IsAction() {
		return "Run " + strings.TrimSpace(step.Uses)
	}
	firstLine := strings.TrimSpace(step.Run)
	if newlineIndex := strings.Index(firstLine, "\n"); newlineIndex >= 0 {
		firstLine = strings.TrimSpace(firstLine[:newlineIndex])
	}
	return "Run " + firstLine
}

// StringList decodes either a scalar or a sequence of scalars.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (list *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*list = nil
			return nil
		}
		*list = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		values := make(StringList, 0, len(node.Content))
		for _, entry := range node.Content {
			if entry.Kind != yaml.ScalarNode {
				return fmt.Errorf(stringListShapeErrorTemplateConstant, describeNodeKind(entry.Kind))
			}
			values = append(values, entry.Value)
		}
		*list = values
		return nil
	default:
		return fmt.Errorf(stringListShapeErrorTemplateConstant, describeNodeKind(node.Kind))
	}
}

type workflowDocument struct {
	Name        string            `yaml:"name"`
	On          Triggers          `yaml:"on"`
	Environment map[string]string `yaml:"env"`
	Jobs        yaml.Node         `yaml:"jobs"`
}

type jobDocument struct {
	Name           string             `yaml:"name"`
	RunsOn         StringList         `yaml:"runs-on"`
	Needs          StringList         `yaml:"needs"`
	Strategy       strategyDocument   `yaml:"strategy"`
	Environment    map[string]string  `yaml:"env"`
	Services       map[string]Service `yaml:"services"`
	TimeoutMinutes float64            `yaml:"timeout-minutes"`
	Steps          []Step             `yaml:"steps"`
}

type strategyDocument struct {
	Matrix      matrix.Definition `yaml:"matrix"`
	FailFast    *bool             `yaml:"fail-fast"`
	MaxParallel int               `yaml:"max-parallel"`
}

// LoadWorkflow reads, parses and validates the workflow at filePath.
func LoadWorkflow(filePath string) (Workflow, error) {
	trimmedPath := strings.TrimSpace(filePath)
	if trimmedPath == "" {
		return Workflow{}, ErrWorkflowPathMissing
	}

	contentBytes, readError := os.ReadFile(trimmedPath)
	if readError != nil {
		return Workflow{}, fmt.Errorf(workflowLoadErrorTemplateConstant, trimmedPath, readError)
	}

	workflow, parseError := ParseWorkflow(contentBytes)
	if parseError != nil {
		return Workflow{}, fmt.Errorf(workflowLoadErrorTemplateConstant, trimmedPath, parseError)
	}
	return workflow, nil
}

// ParseWorkflow decodes and validates workflow YAML content.
func ParseWorkflow(content []byte) (Workflow, error) {
	var document workflowDocument
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	if decodeError := decoder.Decode(&document); decodeError != nil {
		return Workflow{}, fmt.Errorf(workflowParseErrorTemplateConstant, decodeError)
	}

	jobs, jobsError := decodeJobs(&document.Jobs)
	if jobsError != nil {
		return Workflow{}, fmt.Errorf(workflowParseErrorTemplateConstant, jobsError)
	}

	workflow := Workflow{
		Name:        strings.TrimSpace(document.Name),
		Triggers:    document.On,
		Environment: document.Environment,
		Jobs:        jobs,
	}

	if validationError := Validate(workflow); validationError != nil {
		return Workflow{}, validationError
	}
	return workflow, nil
}

func decodeJobs(node *yaml.Node) ([]Job, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, errors.New(workflowJobsMappingMessageConstant)
	}

	jobs := make([]Job, 0, len(node.Content)/2)
	for index := 0; index+1 < len(node.Content); index += 2 {
		jobIdentifier := strings.TrimSpace(node.Content[index].Value)
		var document jobDocument
		if decodeError := node.Content[index+1].Decode(&document); decodeError != nil {
			return nil, fmt.Errorf(workflowJobDecodeErrorTemplate, jobIdentifier, decodeError)
		}

		failFast := defaultFailFastConstant
		if document.Strategy.FailFast != nil {
			failFast = *document.Strategy.FailFast
		}

		jobs = append(jobs, Job{
			ID:          jobIdentifier,
			Name:        strings.TrimSpace(document.Name),
			RunsOn:      strings.Join(document.RunsOn, ","),
			Needs:       []string(document.Needs),
			Environment: document.Environment,
			Services:    document.Services,
			Strategy: Strategy{
				Matrix:      document.Strategy.Matrix,
				FailFast:    failFast,
				MaxParallel: document.Strategy.MaxParallel,
			},
			TimeoutMinutes: document.TimeoutMinutes,
			Steps:          document.Steps,
		})
	}
	return jobs, nil
}

// Job returns the job with the provided identifier.
func (workflow Workflow) Job(identifier string) (Job, bool) {
	for _, job := range workflow.Jobs {
		if job.ID == identifier {
			return job, true
		}
	}
	return Job{}, false
}

func describeNodeKind(kind yaml.Kind) string {
	switch kind {
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.AliasNode:
		return "alias"
	case yaml.DocumentNode:
		return "document"
	default:
		return "scalar"
	}
}
