package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	initializationFlagNameConstant                     = "init"
	initializationFlagUsageConstant                    = "Write the embedded default configuration to local (./config.yaml) or user (~/.ciflow/config.yaml)."
	initializationForceFlagNameConstant                = "force"
	initializationForceFlagUsageConstant               = "Overwrite an existing configuration file when initializing."
	initializationScopeLocalConstant                   = "local"
	initializationScopeUserConstant                    = "user"
	initializationUnsupportedScopeTemplate             = "unsupported initialization scope %q"
	initializationLocationErrorTemplate                = "unable to resolve %s configuration directory: %w"
	initializationDirectoryErrorTemplate               = "unable to ensure configuration directory %s: %w"
	initializationExistingFileTemplate                 = "configuration file already exists at %s (use --force to overwrite)"
	initializationWriteErrorTemplate                   = "unable to write configuration file %s: %w"
	initializationCreatedMessageConstant               = "configuration file created"
	configurationDirectoryPermissionConstant           = 0o755
	configurationFilePermissionConstant                = 0o600
	defaultConfigurationSearchPathConstant             = "."
	userConfigurationDirectoryNameConstant             = ".ciflow"
	xdgConfigHomeEnvironmentVariableConstant           = "XDG_CONFIG_HOME"
	configurationSearchPathEnvironmentVariableConstant = "CIFLOW_CONFIG_SEARCH_PATH"
)

var errEmptyDirectory = errors.New("directory is empty")

// normalizeInitializationScopeArguments turns a bare --init, or --init followed by another
// flag, into --init=local so the optional scope value can be omitted.
func normalizeInitializationScopeArguments(arguments []string) []string {
	if len(arguments) == 0 {
		return nil
	}
	flagName := "--" + initializationFlagNameConstant
	localAssignment := flagName + "=" + initializationScopeLocalConstant

	normalized := make([]string, 0, len(arguments))
	for index, argument := range arguments {
		switch {
		case argument == flagName+"=":
			normalized = append(normalized, localAssignment)
		case argument == flagName && (index+1 == len(arguments) || strings.HasPrefix(arguments[index+1], "-")):
			normalized = append(normalized, localAssignment)
		default:
			normalized = append(normalized, argument)
		}
	}
	return normalized
}

// resolveConfigurationSearchPaths lists the directories searched for config.yaml. The
// CIFLOW_CONFIG_SEARCH_PATH list replaces the defaults entirely.
func resolveConfigurationSearchPaths() []string {
	if override := strings.TrimSpace(os.Getenv(configurationSearchPathEnvironmentVariableConstant)); len(override) > 0 {
		paths := uniqueNonEmpty(filepath.SplitList(override))
		if len(paths) > 0 {
			return paths
		}
		return []string{defaultConfigurationSearchPathConstant}
	}

	candidates := []string{defaultConfigurationSearchPathConstant}
	userBases := []string{os.Getenv(xdgConfigHomeEnvironmentVariableConstant)}
	if configDirectory, configDirectoryError := os.UserConfigDir(); configDirectoryError == nil {
		userBases = append(userBases, configDirectory)
	}
	if homeDirectory, homeError := os.UserHomeDir(); homeError == nil {
		userBases = append(userBases, homeDirectory)
	}
	for _, base := range userBases {
		if trimmed := strings.TrimSpace(base); len(trimmed) > 0 {
			candidates = append(candidates, filepath.Join(trimmed, userConfigurationDirectoryNameConstant))
		}
	}
	return uniqueNonEmpty(candidates)
}

func uniqueNonEmpty(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if len(trimmed) == 0 {
			continue
		}
		if _, duplicate := seen[trimmed]; duplicate {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}

// initializeConfigurationFile writes the embedded defaults for the scope chosen by --init and
// prints the written path.
func (application *Application) initializeConfigurationFile(command *cobra.Command) error {
	scope := strings.ToLower(strings.TrimSpace(application.flags.initializationScope))
	if len(scope) == 0 {
		scope = initializationScopeLocalConstant
	}
	directory, directoryError := initializationDirectory(scope)
	if directoryError != nil {
		return directoryError
	}
	if mkdirError := os.MkdirAll(directory, configurationDirectoryPermissionConstant); mkdirError != nil {
		return fmt.Errorf(initializationDirectoryErrorTemplate, directory, mkdirError)
	}

	filePath := filepath.Join(directory, configurationFileNameConstant)
	openFlags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !application.flags.initializationForce {
		openFlags |= os.O_EXCL
	}
	file, openError := os.OpenFile(filePath, openFlags, configurationFilePermissionConstant)
	if errors.Is(openError, fs.ErrExist) {
		return fmt.Errorf(initializationExistingFileTemplate, filePath)
	}
	if openError != nil {
		return fmt.Errorf(initializationWriteErrorTemplate, filePath, openError)
	}
	content, _ := EmbeddedDefaultConfiguration()
	_, writeError := file.Write(content)
	if closeError := file.Close(); writeError == nil {
		writeError = closeError
	}
	if writeError != nil {
		return fmt.Errorf(initializationWriteErrorTemplate, filePath, writeError)
	}

	application.logger.Info(initializationCreatedMessageConstant, zap.String(logFieldConfigFileConstant, filePath))
	fmt.Fprintln(command.OutOrStdout(), filePath)
	return nil
}

func initializationDirectory(scope string) (string, error) {
	var base string
	var baseError error
	switch scope {
	case initializationScopeLocalConstant:
		base, baseError = os.Getwd()
	case initializationScopeUserConstant:
		base, baseError = os.UserHomeDir()
		if baseError == nil && len(strings.TrimSpace(base)) > 0 {
			base = filepath.Join(base, userConfigurationDirectoryNameConstant)
		}
	default:
		return "", fmt.Errorf(initializationUnsupportedScopeTemplate, scope)
	}
	if baseError == nil && len(strings.TrimSpace(base)) == 0 {
		baseError = errEmptyDirectory
	}
	if baseError != nil {
		return "", fmt.Errorf(initializationLocationErrorTemplate, scope, baseError)
	}
	return base, nil
}
