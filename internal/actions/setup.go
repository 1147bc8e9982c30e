package actions

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

const (
	packagesActionName      = "ciflow/packages"
	packagesInputName       = "packages"
	runtimeInstalledMessage = "runtime ready for later steps"
	logFieldPathEntries     = "path_entries"
)

type runtimeInputs struct {
	Version string `mapstructure:"version"`
}

// setupRuntimeAction installs a language runtime and exports its PATH entries.
type setupRuntimeAction struct {
	name         string
	runtime      string
	versionInput string
	provisioner  RuntimeProvisioner
	logger       *zap.Logger
}

func (action setupRuntimeAction) Name() string {
	return action.name
}

func (action setupRuntimeAction) Execute(executionContext context.Context, invocation Invocation) (Result, error) {
	if action.provisioner == nil {
		return Result{}, missingDependency(action.name, provisionerDependencyName)
	}

	renamed := make(map[string]string, len(invocation.Inputs))
	for key, value := range invocation.Inputs {
		if strings.TrimSpace(key) == action.versionInput {
			key = "version"
		}
		renamed[key] = value
	}
	var inputs runtimeInputs
	if decodeError := decodeInputs(action.name, renamed, &inputs, action.logger); decodeError != nil {
		return Result{}, decodeError
	}
	if requiredError := requireInput(action.name, action.versionInput, inputs.Version); requiredError != nil {
		return Result{}, requiredError
	}

	installation, installError := action.provisioner.InstallRuntime(executionContext, action.runtime, inputs.Version, invocation.commandDetails(""))
	if installError != nil {
		return Result{}, installError
	}
	action.logger.Info(runtimeInstalledMessage,
		zap.String(logFieldAction, action.name),
		zap.String(logFieldVersion, installation.Version),
		zap.Strings(logFieldPathEntries, installation.PathEntries),
	)
	return Result{
		Outputs:     map[string]string{action.versionInput: installation.Version},
		PathEntries: installation.PathEntries,
	}, nil
}

type packagesInputs struct {
	Packages string `mapstructure:"packages"`
	Manager  string `mapstructure:"manager"`
}

// packagesAction installs system packages through the configured package manager.
type packagesAction struct {
	provisioner RuntimeProvisioner
	logger      *zap.Logger
}

func (action packagesAction) Name() string {
	return packagesActionName
}

func (action packagesAction) Execute(executionContext context.Context, invocation Invocation) (Result, error) {
	if action.provisioner == nil {
		return Result{}, missingDependency(packagesActionName, provisionerDependencyName)
	}
	var inputs packagesInputs
	if decodeError := decodeInputs(packagesActionName, invocation.Inputs, &inputs, action.logger); decodeError != nil {
		return Result{}, decodeError
	}
	if requiredError := requireInput(packagesActionName, packagesInputName, inputs.Packages); requiredError != nil {
		return Result{}, requiredError
	}
	packages := strings.Fields(inputs.Packages)
	if installError := action.provisioner.InstallPackages(executionContext, inputs.Manager, packages, invocation.commandDetails("")); installError != nil {
		return Result{}, installError
	}
	return Result{}, nil
}
