// Package actions implements the built-in step actions referenced through `uses`.
package actions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/shibzuko/ciflow/internal/cache"
	"github.com/shibzuko/ciflow/internal/execshell"
	"github.com/shibzuko/ciflow/internal/provision"
)

const (
	referenceVersionSeparator = "@"
	localReferencePrefix      = "./"
	dockerReferencePrefix     = "docker://"
	unknownActionTemplate     = "action %q is not supported"
	referenceMissingMessage   = "action reference is empty"
	localReferenceTemplate    = "local action %q is not supported"
	dockerReferenceTemplate   = "container action %q is not supported"
	dependencyMissingTemplate = "%s action requires %s"
	gitExecutorDependencyName = "a git executor"
	provisionerDependencyName = "a provisioner"
	cacheStoreDependencyName  = "a cache store"
	actionExecutingMessage    = "executing action"
	logFieldAction            = "action"
	logFieldVersion           = "version"
	logFieldInput             = "input"
	unusedInputWarningMessage = "action input is not recognized, ignoring"
	outputTrueValue           = "true"
	outputFalseValue          = "false"
	defaultCheckoutBaseURL    = "https://github.com"
)

var (
	// ErrUnknownAction indicates a `uses` reference with no built-in implementation.
	ErrUnknownAction = errors.New("unknown action")
	// ErrDependencyMissing indicates an action invoked without the collaborator it needs.
	ErrDependencyMissing = errors.New("action dependency missing")
)

// GitExecutor runs git commands.
type GitExecutor interface {
	ExecuteGit(executionContext context.Context, details execshell.CommandDetails) (execshell.ExecutionResult, error)
}

// RuntimeProvisioner installs runtimes and system packages.
type RuntimeProvisioner interface {
	InstallRuntime(executionContext context.Context, runtime string, version string, details execshell.CommandDetails) (provision.RuntimeInstallation, error)
	InstallPackages(executionContext context.Context, manager string, packages []string, details execshell.CommandDetails) error
}

// CacheStore restores and saves cache entries.
type CacheStore interface {
	Restore(executionContext context.Context, key string, restoreKeys []string, targetPath string) (cache.RestoreResult, error)
	Save(executionContext context.Context, key string, sourcePath string) (cache.Entry, error)
}

// Reference identifies an action by name and pinned version.
type Reference struct {
	Name    string
	Version string
}

// ParseReference splits a `uses` value such as actions/checkout@v4.
func ParseReference(uses string) (Reference, error) {
	trimmed := strings.TrimSpace(uses)
	switch {
	case trimmed == "":
		return Reference{}, errors.New(referenceMissingMessage)
	case strings.HasPrefix(trimmed, localReferencePrefix):
		return Reference{}, fmt.Errorf("%w: "+localReferenceTemplate, ErrUnknownAction, trimmed)
	case strings.HasPrefix(trimmed, dockerReferencePrefix):
		return Reference{}, fmt.Errorf("%w: "+dockerReferenceTemplate, ErrUnknownAction, trimmed)
	}
	name, version, _ := strings.Cut(trimmed, referenceVersionSeparator)
	return Reference{Name: strings.ToLower(strings.TrimSpace(name)), Version: strings.TrimSpace(version)}, nil
}

// Invocation carries everything an action needs to run one step.
type Invocation struct {
	Reference   Reference
	Inputs      map[string]string
	Workspace   string
	Environment map[string]string
	Output      io.Writer
	Event       EventSource
}

// EventSource identifies the commit the triggering event points at.
type EventSource struct {
	Repository string
	Ref        string
	SHA        string
}

func (invocation Invocation) commandDetails(workingDirectory string) execshell.CommandDetails {
	if workingDirectory == "" {
		workingDirectory = invocation.Workspace
	}
	return execshell.CommandDetails{
		WorkingDirectory:     workingDirectory,
		EnvironmentVariables: invocation.Environment,
		OutputWriter:         invocation.Output,
	}
}

// PostStep runs after every main step of the job instance succeeded.
type PostStep struct {
	Name string
	Run  func(executionContext context.Context) error
}

// Result reports the side effects of an action for later steps.
type Result struct {
	Outputs     map[string]string
	Environment map[string]string
	PathEntries []string
	PostSteps   []PostStep
}

// Action is a built-in step implementation.
type Action interface {
	Name() string
	Execute(executionContext context.Context, invocation Invocation) (Result, error)
}

// Dependencies are the collaborators available to built-in actions.
type Dependencies struct {
	GitExecutor     GitExecutor
	Provisioner     RuntimeProvisioner
	Cache           CacheStore
	Logger          *zap.Logger
	CheckoutBaseURL string
}

// Registry resolves `uses` references to actions.
type Registry struct {
	actions map[string]Action
	logger  *zap.Logger
}

// NewRegistry registers the built-in actions wired to dependencies.
func NewRegistry(dependencies Dependencies) *Registry {
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := strings.TrimRight(strings.TrimSpace(dependencies.CheckoutBaseURL), "/")
	if baseURL == "" {
		baseURL = defaultCheckoutBaseURL
	}

	registry := &Registry{actions: map[string]Action{}, logger: logger}
	registry.Register(checkoutAction{gitExecutor: dependencies.GitExecutor, baseURL: baseURL, logger: logger})
	registry.Register(setupRuntimeAction{name: "actions/setup-python", runtime: "python", versionInput: "python-version", provisioner: dependencies.Provisioner, logger: logger})
	registry.Register(setupRuntimeAction{name: "actions/setup-node", runtime: "node", versionInput: "node-version", provisioner: dependencies.Provisioner, logger: logger})
	registry.Register(packagesAction{provisioner: dependencies.Provisioner, logger: logger})
	registry.Register(cacheAction{store: dependencies.Cache, logger: logger})
	return registry
}

// Register adds or replaces an action under its name.
func (registry *Registry) Register(action Action) {
	registry.actions[strings.ToLower(action.Name())] = action
}

// Names lists the registered action names in lexical order.
func (registry *Registry) Names() []string {
	names := make([]string, 0, len(registry.actions))
	for name := range registry.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the action for uses.
func (registry *Registry) Resolve(uses string) (Action, Reference, error) {
	reference, parseError := ParseReference(uses)
	if parseError != nil {
		return nil, Reference{}, parseError
	}
	action, known := registry.actions[reference.Name]
	if !known {
		return nil, Reference{}, fmt.Errorf("%w: "+unknownActionTemplate, ErrUnknownAction, strings.TrimSpace(uses))
	}
	return action, reference, nil
}

// Validate reports whether uses names a registered action.
func (registry *Registry) Validate(uses string) error {
	_, _, resolveError := registry.Resolve(uses)
	return resolveError
}

// Execute resolves uses and runs the action.
func (registry *Registry) Execute(executionContext context.Context, uses string, invocation Invocation) (Result, error) {
	action, reference, resolveError := registry.Resolve(uses)
	if resolveError != nil {
		return Result{}, resolveError
	}
	invocation.Reference = reference
	registry.logger.Debug(actionExecutingMessage, zap.String(logFieldAction, reference.Name), zap.String(logFieldVersion, reference.Version))
	return action.Execute(executionContext, invocation)
}

func boolOutput(value bool) string {
	if value {
		return outputTrueValue
	}
	return outputFalseValue
}

func missingDependency(action string, dependency string) error {
	return fmt.Errorf("%w: "+dependencyMissingTemplate, ErrDependencyMissing, action, dependency)
}
