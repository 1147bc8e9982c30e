// Package provision prepares the host for a job instance: language runtimes,
// system packages and the services a job declares.
package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shibzuko/ciflow/internal/execshell"
)

const (
	versionPlaceholder            = "{version}"
	majorMinorPlaceholder         = "{major_minor}"
	majorPlaceholder              = "{major}"
	homePlaceholder               = "{home}"
	runtimePlaceholder            = "{runtime}"
	packagesPlaceholder           = "{packages}"
	packageManagerApt             = "apt"
	packageManagerBrew            = "brew"
	packageManagerCustom          = "custom"
	sudoCommandPrefix             = "sudo "
	aptUpdateCommand              = "apt-get update"
	aptInstallCommandTemplate     = "apt-get install -y %s"
	brewInstallCommandTemplate    = "brew install %s"
	wildcardVersionSuffix         = ".x"
	defaultReadyTimeout           = 60 * time.Second
	defaultReadyInterval          = time.Second
	executorMissingMessage        = "provisioner requires a script executor"
	unknownRuntimeTemplate        = "runtime %q is not configured"
	runtimeVersionMissingTemplate = "runtime %q requires a version"
	runtimeInstallMissingTemplate = "runtime %q has no install command"
	unknownManagerTemplate        = "package manager %q is not supported"
	customManagerMissingMessage   = "custom package manager requires an install command"
	invalidPackageNameTemplate    = "package name %q contains unsupported characters"
	serviceReadyTimeoutTemplate   = "service %q did not become ready within %s"
	runtimeInstallingMessage      = "installing runtime"
	runtimeInstalledMessage       = "runtime installed"
	packagesInstallingMessage     = "installing system packages"
	serviceStartingMessage        = "starting service"
	serviceReadyMessage           = "service ready"
	serviceSkippedMessage         = "service has no configured starter, skipping"
	logFieldRuntime               = "runtime"
	logFieldVersion               = "version"
	logFieldManager               = "manager"
	logFieldPackages              = "packages"
	logFieldService               = "service"
	logFieldImage                 = "image"
)

// Failure classes distinguish provisioning failures from service failures.
const (
	FailureClassProvisioning = "provisioning"
	FailureClassService      = "service"
)

var (
	// ErrExecutorNotConfigured indicates a missing script executor.
	ErrExecutorNotConfigured = errors.New(executorMissingMessage)
	// ErrUnknownRuntime indicates a runtime without configuration.
	ErrUnknownRuntime = errors.New("unknown runtime")

	packageNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+:=@/-]*$`)
)

// ScriptExecutor runs shell scripts.
type ScriptExecutor interface {
	ExecuteScript(executionContext context.Context, shell execshell.CommandName, script string, details execshell.CommandDetails) (execshell.ExecutionResult, error)
}

// RuntimeDefinition configures how a runtime is installed and verified.
type RuntimeDefinition struct {
	InstallCommand string   `mapstructure:"install"`
	VerifyCommand  string   `mapstructure:"verify"`
	PathEntries    []string `mapstructure:"path"`
}

// PackageConfiguration configures system package installs.
type PackageConfiguration struct {
	Manager        string   `mapstructure:"manager"`
	UseSudo        bool     `mapstructure:"sudo"`
	InstallCommand string   `mapstructure:"install"`
	Preinstall     []string `mapstructure:"preinstall"`
}

// ServiceDefinition configures how a job service is started on the host.
type ServiceDefinition struct {
	StartCommand string        `mapstructure:"start"`
	ReadyCommand string        `mapstructure:"ready"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
}

// Configuration aggregates provisioning settings.
type Configuration struct {
	Shell    string                       `mapstructure:"shell"`
	Runtimes map[string]RuntimeDefinition `mapstructure:"runtimes"`
	Packages PackageConfiguration         `mapstructure:"packages"`
	Services map[string]ServiceDefinition `mapstructure:"services"`
}

// Failure describes a provisioning or service failure.
type Failure struct {
	Class   string
	Subject string
	Cause   error
}

// Error describes the failure.
func (failure Failure) Error() string {
	return fmt.Sprintf("%s failure for %s: %v", failure.Class, failure.Subject, failure.Cause)
}

// Unwrap exposes the cause.
func (failure Failure) Unwrap() error {
	return failure.Cause
}

// RuntimeInstallation reports an installed runtime.
type RuntimeInstallation struct {
	Runtime      string
	Version      string
	PathEntries  []string
	VerifyOutput string
}

// ServiceStart reports the outcome of StartService.
type ServiceStart struct {
	Name    string
	Skipped bool
}

// Provisioner installs runtimes and packages and starts services.
type Provisioner struct {
	configuration Configuration
	executor      ScriptExecutor
	logger        *zap.Logger
	readyInterval time.Duration
}

// Option customizes a Provisioner.
type Option func(*Provisioner)

// WithReadyInterval sets the delay between service ready checks.
func WithReadyInterval(interval time.Duration) Option {
	return func(provisioner *Provisioner) {
		if interval > 0 {
			provisioner.readyInterval = interval
		}
	}
}

// NewProvisioner builds a provisioner.
func NewProvisioner(configuration Configuration, executor ScriptExecutor, logger *zap.Logger, options ...Option) (*Provisioner, error) {
	if executor == nil {
		return nil, ErrExecutorNotConfigured
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	provisioner := &Provisioner{
		configuration: configuration,
		executor:      executor,
		logger:        logger,
		readyInterval: defaultReadyInterval,
	}
	for _, option := range options {
		option(provisioner)
	}
	return provisioner, nil
}

// PreinstallPackages lists packages installed before every job instance.
func (provisioner *Provisioner) PreinstallPackages() []string {
	return provisioner.configuration.Packages.Preinstall
}

// InstallRuntime installs and verifies runtime at version, returning the PATH entries it contributes.
func (provisioner *Provisioner) InstallRuntime(executionContext context.Context, runtime string, version string, details execshell.CommandDetails) (RuntimeInstallation, error) {
	runtimeName := strings.ToLower(strings.TrimSpace(runtime))
	definition, known := provisioner.configuration.Runtimes[runtimeName]
	if !known {
		return RuntimeInstallation{}, provisioningFailure(runtimeName, fmt.Errorf("%w: "+unknownRuntimeTemplate, ErrUnknownRuntime, runtimeName))
	}
	trimmedVersion := strings.TrimSpace(version)
	if trimmedVersion == "" {
		return RuntimeInstallation{}, provisioningFailure(runtimeName, fmt.Errorf(runtimeVersionMissingTemplate, runtimeName))
	}
	if strings.TrimSpace(definition.InstallCommand) == "" {
		return RuntimeInstallation{}, provisioningFailure(runtimeName, fmt.Errorf(runtimeInstallMissingTemplate, runtimeName))
	}

	replacer := versionReplacer(runtimeName, trimmedVersion)
	provisioner.logger.Info(runtimeInstallingMessage, zap.String(logFieldRuntime, runtimeName), zap.String(logFieldVersion, trimmedVersion))

	if _, installError := provisioner.run(executionContext, replacer.Replace(definition.InstallCommand), details); installError != nil {
		return RuntimeInstallation{}, provisioningFailure(runtimeName, installError)
	}

	pathEntries := make([]string, 0, len(definition.PathEntries))
	for _, entry := range definition.PathEntries {
		if rendered := strings.TrimSpace(replacer.Replace(entry)); rendered != "" {
			pathEntries = append(pathEntries, rendered)
		}
	}

	installation := RuntimeInstallation{Runtime: runtimeName, Version: trimmedVersion, PathEntries: pathEntries}
	if verifyCommand := strings.TrimSpace(definition.VerifyCommand); verifyCommand != "" {
		verifyDetails := details
		verifyDetails.EnvironmentVariables = prependPath(details.EnvironmentVariables, pathEntries)
		result, verifyError := provisioner.run(executionContext, replacer.Replace(verifyCommand), verifyDetails)
		if verifyError != nil {
			return RuntimeInstallation{}, provisioningFailure(runtimeName, verifyError)
		}
		installation.VerifyOutput = strings.TrimSpace(result.StandardOutput + result.StandardError)
	}

	provisioner.logger.Info(runtimeInstalledMessage, zap.String(logFieldRuntime, runtimeName), zap.String(logFieldVersion, trimmedVersion))
	return installation, nil
}

// InstallPackages installs system packages with manager, or the configured manager when empty.
func (provisioner *Provisioner) InstallPackages(executionContext context.Context, manager string, packages []string, details execshell.CommandDetails) error {
	if len(packages) == 0 {
		return nil
	}
	for _, packageName := range packages {
		if !packageNamePattern.MatchString(packageName) {
			return provisioningFailure(packageName, fmt.Errorf(invalidPackageNameTemplate, packageName))
		}
	}

	selectedManager := strings.ToLower(strings.TrimSpace(manager))
	if selectedManager == "" {
		selectedManager = strings.ToLower(strings.TrimSpace(provisioner.configuration.Packages.Manager))
	}
	if selectedManager == "" {
		selectedManager = packageManagerApt
	}

	joinedPackages := strings.Join(packages, " ")
	sudoPrefix := ""
	if provisioner.configuration.Packages.UseSudo {
		sudoPrefix = sudoCommandPrefix
	}

	var script string
	switch selectedManager {
	case packageManagerApt:
		script = sudoPrefix + aptUpdateCommand + " && " + sudoPrefix + fmt.Sprintf(aptInstallCommandTemplate, joinedPackages)
	case packageManagerBrew:
		script = fmt.Sprintf(brewInstallCommandTemplate, joinedPackages)
	case packageManagerCustom:
		installCommand := strings.TrimSpace(provisioner.configuration.Packages.InstallCommand)
		if installCommand == "" {
			return provisioningFailure(selectedManager, errors.New(customManagerMissingMessage))
		}
		script = strings.ReplaceAll(installCommand, packagesPlaceholder, joinedPackages)
	default:
		return provisioningFailure(selectedManager, fmt.Errorf(unknownManagerTemplate, selectedManager))
	}

	provisioner.logger.Info(packagesInstallingMessage, zap.String(logFieldManager, selectedManager), zap.Strings(logFieldPackages, packages))
	if _, installError := provisioner.run(executionContext, script, details); installError != nil {
		return provisioningFailure(selectedManager, installError)
	}
	return nil
}

// StartService runs the configured starter for a job service and waits for its ready check.
// A service without a configured starter is logged and reported as skipped.
func (provisioner *Provisioner) StartService(executionContext context.Context, name string, image string, details execshell.CommandDetails) (ServiceStart, error) {
	serviceName := strings.TrimSpace(name)
	definition, known := provisioner.configuration.Services[serviceName]
	if !known || strings.TrimSpace(definition.StartCommand) == "" {
		provisioner.logger.Warn(serviceSkippedMessage, zap.String(logFieldService, serviceName), zap.String(logFieldImage, image))
		return ServiceStart{Name: serviceName, Skipped: true}, nil
	}

	provisioner.logger.Info(serviceStartingMessage, zap.String(logFieldService, serviceName), zap.String(logFieldImage, image))
	if _, startError := provisioner.run(executionContext, definition.StartCommand, details); startError != nil {
		return ServiceStart{Name: serviceName}, serviceFailure(serviceName, startError)
	}

	if readyCommand := strings.TrimSpace(definition.ReadyCommand); readyCommand != "" {
		if readyError := provisioner.waitForReady(executionContext, serviceName, readyCommand, definition.ReadyTimeout, details); readyError != nil {
			return ServiceStart{Name: serviceName}, serviceFailure(serviceName, readyError)
		}
	}
	provisioner.logger.Info(serviceReadyMessage, zap.String(logFieldService, serviceName))
	return ServiceStart{Name: serviceName}, nil
}

func (provisioner *Provisioner) waitForReady(executionContext context.Context, serviceName string, readyCommand string, timeout time.Duration, details execshell.CommandDetails) error {
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	readyContext, cancel := context.WithTimeout(executionContext, timeout)
	defer cancel()

	ticker := time.NewTicker(provisioner.readyInterval)
	defer ticker.Stop()
	for {
		if _, checkError := provisioner.run(readyContext, readyCommand, details); checkError == nil {
			return nil
		}
		select {
		case <-readyContext.Done():
			if executionContext.Err() != nil {
				return executionContext.Err()
			}
			return fmt.Errorf(serviceReadyTimeoutTemplate, serviceName, timeout)
		case <-ticker.C:
		}
	}
}

func (provisioner *Provisioner) run(executionContext context.Context, script string, details execshell.CommandDetails) (execshell.ExecutionResult, error) {
	return provisioner.executor.ExecuteScript(executionContext, execshell.CommandName(provisioner.configuration.Shell), script, details)
}

func provisioningFailure(subject string, cause error) error {
	return Failure{Class: FailureClassProvisioning, Subject: subject, Cause: cause}
}

func serviceFailure(subject string, cause error) error {
	return Failure{Class: FailureClassService, Subject: subject, Cause: cause}
}

// versionReplacer substitutes the template placeholders for a runtime version.
func versionReplacer(runtimeName string, version string) *strings.Replacer {
	normalized := strings.TrimSuffix(version, wildcardVersionSuffix)
	segments := strings.Split(normalized, ".")
	major := segments[0]
	majorMinor := major
	if len(segments) > 1 {
		majorMinor = segments[0] + "." + segments[1]
	}
	homeDirectory, _ := os.UserHomeDir()
	return strings.NewReplacer(
		versionPlaceholder, version,
		majorMinorPlaceholder, majorMinor,
		majorPlaceholder, major,
		homePlaceholder, homeDirectory,
		runtimePlaceholder, runtimeName,
	)
}

// prependPath returns a copy of environment whose PATH starts with entries.
func prependPath(environment map[string]string, entries []string) map[string]string {
	merged := make(map[string]string, len(environment)+1)
	for key, value := range environment {
		merged[key] = value
	}
	if len(entries) == 0 {
		return merged
	}
	currentPath, present := merged["PATH"]
	if !present {
		currentPath = os.Getenv("PATH")
	}
	combined := strings.Join(entries, string(os.PathListSeparator))
	if currentPath != "" {
		combined += string(os.PathListSeparator) + currentPath
	}
	merged["PATH"] = combined
	return merged
}
