package cli

import (
	_ "embed"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	cachecmd "github.com/shibzuko/ciflow/cmd/cli/cache"
	historycmd "github.com/shibzuko/ciflow/cmd/cli/history"
	servecmd "github.com/shibzuko/ciflow/cmd/cli/serve"
	workflowcmd "github.com/shibzuko/ciflow/cmd/cli/workflow"
	"github.com/shibzuko/ciflow/internal/provision"
	"github.com/shibzuko/ciflow/internal/utils"
)

const (
	stateDirectoryNameConstant               = "ciflow"
	cacheDirectoryNameConstant               = "cache"
	historyFileNameConstant                  = "history.db"
	homePrefixConstant                       = "~/"
	stateDirectoryUnavailableMessageConstant = "user cache directory is unavailable; cache and history stay disabled unless configured"
)

//go:embed default_config.yaml
var embeddedDefaultConfiguration []byte

// EmbeddedDefaultConfiguration returns the configuration compiled into the binary and its format.
func EmbeddedDefaultConfiguration() ([]byte, string) {
	return append([]byte(nil), embeddedDefaultConfiguration...), configurationTypeConstant
}

// ApplicationConfiguration describes the persisted configuration for the CLI entrypoint.
type ApplicationConfiguration struct {
	Common   ApplicationCommonConfiguration         `mapstructure:"common"`
	Runner   workflowcmd.CommandConfiguration       `mapstructure:"runner"`
	Cache    cachecmd.CommandConfiguration          `mapstructure:"cache"`
	Runtimes map[string]provision.RuntimeDefinition `mapstructure:"runtimes"`
	Packages provision.PackageConfiguration         `mapstructure:"packages"`
	Services map[string]provision.ServiceDefinition `mapstructure:"services"`
	Server   servecmd.CommandConfiguration          `mapstructure:"server"`
	History  historycmd.CommandConfiguration        `mapstructure:"history"`
}

// ApplicationCommonConfiguration stores logging defaults shared across commands.
type ApplicationCommonConfiguration struct {
	LogLevel  string                          `mapstructure:"log_level"`
	LogFormat string                          `mapstructure:"log_format"`
	LogFile   utils.RotatingFileConfiguration `mapstructure:"log_file"`
}

func (application *Application) provisioningConfiguration() provision.Configuration {
	return provision.Configuration{
		Shell:    strings.TrimSpace(application.configuration.Runner.Shell),
		Runtimes: application.configuration.Runtimes,
		Packages: application.configuration.Packages,
		Services: application.configuration.Services,
	}
}

func (application *Application) workflowCommandConfiguration() workflowcmd.CommandConfiguration {
	configuration := application.configuration.Runner
	configuration.Workspace = expandHomePath(configuration.Workspace)
	configuration.TemporaryRoot = expandHomePath(configuration.TemporaryRoot)
	configuration.Provisioning = application.provisioningConfiguration()
	configuration.CacheDirectory = application.cacheCommandConfiguration().Directory
	if history := application.historyCommandConfiguration(); history.Enabled {
		configuration.HistoryPath = history.Path
	}
	return configuration.Sanitize()
}

func (application *Application) cacheCommandConfiguration() cachecmd.CommandConfiguration {
	configuration := application.configuration.Cache
	configuration.Directory = expandHomePath(configuration.Directory)
	if len(configuration.Directory) == 0 {
		configuration.Directory = application.stateFilePath(cacheDirectoryNameConstant)
	}
	if configuration.MaxAge <= 0 {
		configuration.MaxAge = cachecmd.DefaultCommandConfiguration().MaxAge
	}
	return configuration
}

func (application *Application) historyCommandConfiguration() historycmd.CommandConfiguration {
	configuration := application.configuration.History
	configuration.Path = expandHomePath(configuration.Path)
	if configuration.Enabled && len(configuration.Path) == 0 {
		configuration.Path = application.stateFilePath(historyFileNameConstant)
	}
	return configuration
}

func (application *Application) serverCommandConfiguration() servecmd.CommandConfiguration {
	return application.configuration.Server
}

func (application *Application) workspaceDirectory() string {
	return application.workflowCommandConfiguration().Workspace
}

// stateFilePath places name under the per-user cache directory. An empty result disables the caller.
func (application *Application) stateFilePath(name string) string {
	cacheRoot, cacheRootError := os.UserCacheDir()
	if cacheRootError != nil || len(strings.TrimSpace(cacheRoot)) == 0 {
		application.logger.Warn(stateDirectoryUnavailableMessageConstant, zap.Error(cacheRootError))
		return ""
	}
	return filepath.Join(cacheRoot, stateDirectoryNameConstant, name)
}

func expandHomePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed != "~" && !strings.HasPrefix(trimmed, homePrefixConstant) {
		return trimmed
	}
	homeDirectory, homeError := os.UserHomeDir()
	if homeError != nil {
		return trimmed
	}
	return filepath.Join(homeDirectory, strings.TrimPrefix(trimmed, "~"))
}
