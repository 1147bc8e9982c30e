package workflow

import (
	"strings"

	"github.com/shibzuko/ciflow/internal/provision"
)

const (
	defaultWorkspaceConstant    = "."
	defaultWorkflowFileConstant = ".github/workflows/ci.yml"
	defaultWorkersConstant      = 4
)

// CommandConfiguration captures the runner settings shared by the run, plan and serve commands.
type CommandConfiguration struct {
	Workflows       []string `mapstructure:"workflows"`
	Workspace       string   `mapstructure:"workspace"`
	Workers         int      `mapstructure:"workers"`
	Shell           string   `mapstructure:"shell"`
	TemporaryRoot   string   `mapstructure:"temporary_root"`
	CheckoutBaseURL string   `mapstructure:"checkout_base_url"`

	Provisioning   provision.Configuration `mapstructure:"-"`
	CacheDirectory string                  `mapstructure:"-"`
	HistoryPath    string                  `mapstructure:"-"`
}

// DefaultCommandConfiguration provides the runner defaults.
func DefaultCommandConfiguration() CommandConfiguration {
	return CommandConfiguration{
		Workflows: []string{defaultWorkflowFileConstant},
		Workspace: defaultWorkspaceConstant,
		Workers:   defaultWorkersConstant,
	}
}

// Sanitize trims values and fills in defaults for empty settings.
func (configuration CommandConfiguration) Sanitize() CommandConfiguration {
	sanitized := configuration
	sanitized.Workflows = trimNonEmpty(configuration.Workflows)
	if len(sanitized.Workflows) == 0 {
		sanitized.Workflows = []string{defaultWorkflowFileConstant}
	}
	sanitized.Workspace = strings.TrimSpace(configuration.Workspace)
	if len(sanitized.Workspace) == 0 {
		sanitized.Workspace = defaultWorkspaceConstant
	}
	if sanitized.Workers <= 0 {
		sanitized.Workers = defaultWorkersConstant
	}
	sanitized.Shell = strings.TrimSpace(configuration.Shell)
	sanitized.TemporaryRoot = strings.TrimSpace(configuration.TemporaryRoot)
	sanitized.CheckoutBaseURL = strings.TrimSpace(configuration.CheckoutBaseURL)
	sanitized.CacheDirectory = strings.TrimSpace(configuration.CacheDirectory)
	sanitized.HistoryPath = strings.TrimSpace(configuration.HistoryPath)
	if len(sanitized.Provisioning.Shell) == 0 {
		sanitized.Provisioning.Shell = sanitized.Shell
	}
	return sanitized
}

func trimNonEmpty(values []string) []string {
	trimmed := make([]string, 0, len(values))
	for _, value := range values {
		candidate := strings.TrimSpace(value)
		if len(candidate) == 0 {
			continue
		}
		trimmed = append(trimmed, candidate)
	}
	return trimmed
}
