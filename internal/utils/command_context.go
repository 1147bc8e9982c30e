package utils

import (
	"context"
	"strings"
)

type commandContextKey string

const (
	configurationFilePathContextKey = commandContextKey("configurationFilePath")
	executionFlagsContextKey        = commandContextKey("executionFlags")
	logLevelContextKey              = commandContextKey("logLevel")
)

// ExecutionFlags captures standardized execution modifiers derived from CLI flags.
type ExecutionFlags struct {
	Workers    int
	WorkersSet bool
	DryRun     bool
	DryRunSet  bool
}

// CommandContextAccessor manages values stored in command execution contexts.
type CommandContextAccessor struct{}

// NewCommandContextAccessor constructs a CommandContextAccessor instance.
func NewCommandContextAccessor() CommandContextAccessor {
	return CommandContextAccessor{}
}

// WithConfigurationFilePath records the configuration file the command was loaded from.
func (accessor CommandContextAccessor) WithConfigurationFilePath(parentContext context.Context, configurationFilePath string) context.Context {
	return context.WithValue(orBackground(parentContext), configurationFilePathContextKey, configurationFilePath)
}

// WithExecutionFlags attaches the resolved --workers and --dry-run values.
func (accessor CommandContextAccessor) WithExecutionFlags(parentContext context.Context, flags ExecutionFlags) context.Context {
	return context.WithValue(orBackground(parentContext), executionFlagsContextKey, flags)
}

// WithLogLevel attaches the effective log level; a blank level leaves the context unchanged.
func (accessor CommandContextAccessor) WithLogLevel(parentContext context.Context, logLevel string) context.Context {
	parentContext = orBackground(parentContext)
	trimmedLogLevel := strings.TrimSpace(logLevel)
	if len(trimmedLogLevel) == 0 {
		return parentContext
	}
	return context.WithValue(parentContext, logLevelContextKey, trimmedLogLevel)
}

// ConfigurationFilePath extracts the configuration file path from the provided context.
func (accessor CommandContextAccessor) ConfigurationFilePath(executionContext context.Context) (string, bool) {
	return contextValue[string](executionContext, configurationFilePathContextKey)
}

// ExecutionFlags extracts execution flag values from the provided context.
func (accessor CommandContextAccessor) ExecutionFlags(executionContext context.Context) (ExecutionFlags, bool) {
	return contextValue[ExecutionFlags](executionContext, executionFlagsContextKey)
}

// LogLevel extracts the effective log level from the provided context.
func (accessor CommandContextAccessor) LogLevel(executionContext context.Context) (string, bool) {
	return contextValue[string](executionContext, logLevelContextKey)
}

func contextValue[Value any](executionContext context.Context, key commandContextKey) (Value, bool) {
	var zero Value
	if executionContext == nil {
		return zero, false
	}
	value, available := executionContext.Value(key).(Value)
	if !available {
		return zero, false
	}
	return value, true
}

func orBackground(parentContext context.Context) context.Context {
	if parentContext == nil {
		return context.Background()
	}
	return parentContext
}
