package utils_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shibzuko/ciflow/internal/utils"
)

const (
	testEnvironmentPrefixConstant = "TESTCIFLOW"
	testConfigurationNameConstant = "config"
	testConfigurationTypeConstant = "yaml"
	testConfigFileNameConstant    = "config.yaml"
	testLogLevelKeyConstant       = "common.log_level"
	testDefaultLogLevelConstant   = "info"
)

type configurationFixture struct {
	Common struct {
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"common"`
}

func writeConfigurationFile(testInstance *testing.T, directory string, content string) string {
	testInstance.Helper()
	require.NoError(testInstance, os.MkdirAll(directory, 0o755))
	path := filepath.Join(directory, testConfigFileNameConstant)
	require.NoError(testInstance, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestLoader(searchPaths ...string) *utils.ConfigurationLoader {
	return utils.NewConfigurationLoader(testConfigurationNameConstant, testConfigurationTypeConstant, testEnvironmentPrefixConstant, searchPaths)
}

func TestConfigurationLoaderLayersSources(testInstance *testing.T) {
	testCases := []struct {
		name             string
		embedded         string
		file             string
		environment      string
		expectedLogLevel string
	}{
		{name: "defaults only", expectedLogLevel: testDefaultLogLevelConstant},
		{name: "embedded over defaults", embedded: "common:\n  log_level: debug\n", expectedLogLevel: "debug"},
		{name: "file over embedded", embedded: "common:\n  log_level: debug\n", file: "common:\n  log_level: warn\n", expectedLogLevel: "warn"},
		{name: "environment over file", file: "common:\n  log_level: warn\n", environment: "error", expectedLogLevel: "error"},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			searchDirectory := testInstance.TempDir()
			explicitPath := ""
			if len(testCase.file) > 0 {
				explicitPath = writeConfigurationFile(testInstance, searchDirectory, testCase.file)
			}
			if len(testCase.environment) > 0 {
				testInstance.Setenv(testEnvironmentPrefixConstant+"_COMMON_LOG_LEVEL", testCase.environment)
			}

			loader := newTestLoader(searchDirectory)
			if len(testCase.embedded) > 0 {
				loader.SetEmbeddedConfiguration([]byte(testCase.embedded), testConfigurationTypeConstant)
			}

			loaded := configurationFixture{}
			metadata, loadError := loader.LoadConfiguration(explicitPath, map[string]any{testLogLevelKeyConstant: testDefaultLogLevelConstant}, &loaded)
			require.NoError(testInstance, loadError)
			require.Equal(testInstance, testCase.expectedLogLevel, loaded.Common.LogLevel)
			require.Equal(testInstance, explicitPath, metadata.ConfigFileUsed)
		})
	}
}

func TestConfigurationLoaderSearchOrder(testInstance *testing.T) {
	testCases := []struct {
		name          string
		populated     []int
		expectedIndex int
	}{
		{name: "working directory only", populated: []int{0}, expectedIndex: 0},
		{name: "xdg directory only", populated: []int{1}, expectedIndex: 1},
		{name: "home directory only", populated: []int{2}, expectedIndex: 2},
		{name: "working directory wins", populated: []int{0, 1, 2}, expectedIndex: 0},
		{name: "xdg before home", populated: []int{1, 2}, expectedIndex: 1},
	}
	logLevels := []string{"debug", "warn", "error"}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			homeDirectory := testInstance.TempDir()
			directories := []string{
				testInstance.TempDir(),
				filepath.Join(homeDirectory, "config", ".ciflow"),
				filepath.Join(homeDirectory, ".ciflow"),
			}
			for _, index := range testCase.populated {
				writeConfigurationFile(testInstance, directories[index], "common:\n  log_level: "+logLevels[index]+"\n")
			}

			loaded := configurationFixture{}
			metadata, loadError := newTestLoader(directories...).LoadConfiguration("", map[string]any{testLogLevelKeyConstant: testDefaultLogLevelConstant}, &loaded)
			require.NoError(testInstance, loadError)
			require.Equal(testInstance, logLevels[testCase.expectedIndex], loaded.Common.LogLevel)
			require.Equal(testInstance, filepath.Join(directories[testCase.expectedIndex], testConfigFileNameConstant), metadata.ConfigFileUsed)
		})
	}
}

func TestConfigurationLoaderExplicitFileOverridesSearchPaths(testInstance *testing.T) {
	searchDirectory := filepath.Join(testInstance.TempDir(), "search")
	writeConfigurationFile(testInstance, searchDirectory, "common:\n  log_level: debug\n")
	explicitPath := writeConfigurationFile(testInstance, filepath.Join(testInstance.TempDir(), "explicit"), "common:\n  log_level: error\n")

	loaded := configurationFixture{}
	metadata, loadError := newTestLoader(searchDirectory).LoadConfiguration(explicitPath, nil, &loaded)
	require.NoError(testInstance, loadError)
	require.Equal(testInstance, "error", loaded.Common.LogLevel)
	require.Equal(testInstance, explicitPath, metadata.ConfigFileUsed)
}

type runnerConfigurationFixture struct {
	Runner struct {
		Workers     int           `mapstructure:"workers"`
		StepTimeout time.Duration `mapstructure:"step_timeout"`
		Shells      []string      `mapstructure:"shells"`
	} `mapstructure:"runner"`
	Services map[string]struct {
		Start string `mapstructure:"start"`
	} `mapstructure:"services"`
}

func TestConfigurationLoaderDecodesDurationsSlicesAndMaps(testInstance *testing.T) {
	configurationDirectory := testInstance.TempDir()
	configurationPath := filepath.Join(configurationDirectory, testConfigFileNameConstant)
	content := "runner:\n  workers: 3\n  step_timeout: 90s\nservices:\n  mongodb:\n    start: mongod --fork\n"
	require.NoError(testInstance, os.WriteFile(configurationPath, []byte(content), 0o600))
	testInstance.Setenv(testEnvironmentPrefixConstant+"_RUNNER_SHELLS", "bash,sh")

	loader := newTestLoader()
	loaded := runnerConfigurationFixture{}
	_, loadError := loader.LoadConfiguration(configurationPath, map[string]any{"runner.shells": []string{}}, &loaded)
	require.NoError(testInstance, loadError)
	require.Equal(testInstance, 3, loaded.Runner.Workers)
	require.Equal(testInstance, 90*time.Second, loaded.Runner.StepTimeout)
	require.Equal(testInstance, []string{"bash", "sh"}, loaded.Runner.Shells)
	require.Equal(testInstance, "mongod --fork", loaded.Services["mongodb"].Start)
}

func TestConfigurationLoaderReportsMissingExplicitFile(testInstance *testing.T) {
	loader := newTestLoader()
	loaded := configurationFixture{}
	_, loadError := loader.LoadConfiguration(filepath.Join(testInstance.TempDir(), "absent.yaml"), nil, &loaded)
	require.Error(testInstance, loadError)

	_, nilTargetError := loader.LoadConfiguration("", nil, nil)
	require.Error(testInstance, nilTargetError)
}
