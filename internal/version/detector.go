// Package version reports the ciflow build version.
package version

import (
	"context"
	"os"
	"runtime/debug"
	"strings"

	"go.uber.org/zap"

	"github.com/shibzuko/ciflow/internal/execshell"
)

const (
	unknownVersionFallbackConstant            = "unknown"
	buildInfoDevelVersionValue                = "(devel)"
	buildInfoLegacyDevelVersionValue          = "devel"
	buildSettingRevisionKeyConstant           = "vcs.revision"
	buildSettingModifiedKeyConstant           = "vcs.modified"
	buildSettingModifiedTrueConstant          = "true"
	shortRevisionLengthConstant               = 12
	gitRevParseSubcommandConstant             = "rev-parse"
	gitShowTopLevelFlagConstant               = "--show-toplevel"
	gitHeadReferenceConstant                  = "HEAD"
	gitDescribeSubcommandConstant             = "describe"
	gitTagsFlagConstant                       = "--tags"
	gitExactMatchFlagConstant                 = "--exact-match"
	gitLongFlagConstant                       = "--long"
	gitDirtyFlagConstant                      = "--dirty"
	gitTerminalPromptEnvironmentNameConstant  = "GIT_TERMINAL_PROMPT"
	gitTerminalPromptEnvironmentValueConstant = "0"
)

// injectedVersion is set at link time with -ldflags "-X github.com/shibzuko/ciflow/internal/version.injectedVersion=v1.2.3".
var injectedVersion string

// BuildInfoProvider exposes runtime build metadata.
type BuildInfoProvider interface {
	Read() (*debug.BuildInfo, bool)
}

// GitExecutor runs git commands.
type GitExecutor interface {
	ExecuteGit(executionContext context.Context, details execshell.CommandDetails) (execshell.ExecutionResult, error)
}

// Info describes the running binary.
type Info struct {
	Version   string
	Revision  string
	Modified  bool
	GoVersion string
}

// Detector resolves application version strings.
type Detector struct {
	buildInfoProvider BuildInfoProvider
	gitExecutor       GitExecutor
	workingDirectory  string
	injected          string
}

// Dependencies describes the collaborators required for version detection.
type Dependencies struct {
	BuildInfoProvider BuildInfoProvider
	GitExecutor       GitExecutor
	WorkingDirectory  string
	InjectedVersion   string
}

// NewDetector constructs a Detector with the supplied dependencies or sensible defaults.
func NewDetector(dependencies Dependencies) (*Detector, error) {
	provider := dependencies.BuildInfoProvider
	if provider == nil {
		provider = runtimeBuildInfoProvider{}
	}

	executor := dependencies.GitExecutor
	if executor == nil {
		shellExecutor, creationError := execshell.NewShellExecutor(zap.NewNop(), execshell.NewOSCommandRunner(), false)
		if creationError != nil {
			return nil, creationError
		}
		executor = shellExecutor
	}

	workingDirectory := strings.TrimSpace(dependencies.WorkingDirectory)
	if len(workingDirectory) == 0 {
		currentDirectory, workingDirectoryError := os.Getwd()
		if workingDirectoryError == nil {
			workingDirectory = currentDirectory
		}
	}

	injected := strings.TrimSpace(dependencies.InjectedVersion)
	if len(injected) == 0 {
		injected = strings.TrimSpace(injectedVersion)
	}

	return &Detector{
		buildInfoProvider: provider,
		gitExecutor:       executor,
		workingDirectory:  workingDirectory,
		injected:          injected,
	}, nil
}

// Detect resolves the application build details using the supplied dependencies.
func Detect(executionContext context.Context, dependencies Dependencies) Info {
	detector, detectorError := NewDetector(dependencies)
	if detectorError != nil {
		return Info{Version: unknownVersionFallbackConstant}
	}
	return detector.Info(executionContext)
}

// Info resolves the version plus the revision details recorded by the Go toolchain.
func (detector *Detector) Info(executionContext context.Context) Info {
	info := Info{Version: detector.Version(executionContext)}
	if detector == nil || detector.buildInfoProvider == nil {
		return info
	}
	buildInfo, available := detector.buildInfoProvider.Read()
	if !available || buildInfo == nil {
		return info
	}
	info.GoVersion = buildInfo.GoVersion
	for _, setting := range buildInfo.Settings {
		switch setting.Key {
		case buildSettingRevisionKeyConstant:
			info.Revision = shortRevision(setting.Value)
		case buildSettingModifiedKeyConstant:
			info.Modified = setting.Value == buildSettingModifiedTrueConstant
		}
	}
	return info
}

// gitVersionQueries are tried in order against the repository root; the first non-empty answer wins.
var gitVersionQueries = [][]string{
	{gitDescribeSubcommandConstant, gitTagsFlagConstant, gitExactMatchFlagConstant},
	{gitDescribeSubcommandConstant, gitTagsFlagConstant, gitLongFlagConstant, gitDirtyFlagConstant},
	{gitRevParseSubcommandConstant, gitHeadReferenceConstant},
}

// Version returns the detected application version string. A link-time version wins, then
// the module version, then git tags of the working directory.
func (detector *Detector) Version(executionContext context.Context) string {
	if detector == nil {
		return unknownVersionFallbackConstant
	}
	if len(detector.injected) > 0 {
		return detector.injected
	}
	if moduleVersion := detector.moduleVersion(); len(moduleVersion) > 0 {
		return moduleVersion
	}
	if len(detector.workingDirectory) == 0 {
		return unknownVersionFallbackConstant
	}

	repositoryRoot := detector.workingDirectory
	if topLevel := detector.gitOutput(executionContext, detector.workingDirectory, gitRevParseSubcommandConstant, gitShowTopLevelFlagConstant); len(topLevel) > 0 {
		repositoryRoot = topLevel
	}
	for queryIndex, query := range gitVersionQueries {
		answer := detector.gitOutput(executionContext, repositoryRoot, query...)
		if len(answer) == 0 {
			continue
		}
		if queryIndex == len(gitVersionQueries)-1 {
			return shortRevision(answer)
		}
		return answer
	}
	return unknownVersionFallbackConstant
}

// moduleVersion reports the main module version unless the binary was built from a checkout.
func (detector *Detector) moduleVersion() string {
	if detector.buildInfoProvider == nil {
		return ""
	}
	buildInfo, available := detector.buildInfoProvider.Read()
	if !available || buildInfo == nil {
		return ""
	}
	mainVersion := strings.TrimSpace(buildInfo.Main.Version)
	if strings.EqualFold(mainVersion, buildInfoDevelVersionValue) || strings.EqualFold(mainVersion, buildInfoLegacyDevelVersionValue) {
		return ""
	}
	return mainVersion
}

// gitOutput runs git non-interactively and returns its trimmed stdout, or empty on any failure.
func (detector *Detector) gitOutput(executionContext context.Context, directory string, arguments ...string) string {
	if detector.gitExecutor == nil {
		return ""
	}
	result, executionError := detector.gitExecutor.ExecuteGit(executionContext, execshell.CommandDetails{
		Arguments:            arguments,
		WorkingDirectory:     directory,
		EnvironmentVariables: map[string]string{gitTerminalPromptEnvironmentNameConstant: gitTerminalPromptEnvironmentValueConstant},
	})
	if executionError != nil {
		return ""
	}
	return strings.TrimSpace(result.StandardOutput)
}

func shortRevision(revision string) string {
	trimmed := strings.TrimSpace(revision)
	if len(trimmed) > shortRevisionLengthConstant {
		return trimmed[:shortRevisionLengthConstant]
	}
	return trimmed
}

type runtimeBuildInfoProvider struct{}

func (runtimeBuildInfoProvider) Read() (*debug.BuildInfo, bool) {
	return debug.ReadBuildInfo()
}
