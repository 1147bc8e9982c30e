package utils

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	environmentKeySeparatorConstant        = "."
	environmentKeyReplacementConstant      = "_"
	sliceSeparatorConstant                 = ","
	embeddedConfigurationReadErrorTemplate = "unable to read embedded configuration: %w"
	configurationReadErrorTemplate         = "unable to read configuration %s: %w"
	configurationSearchErrorTemplate       = "unable to locate configuration: %w"
	configurationDecodeErrorTemplate       = "unable to decode configuration: %w"
	configurationTargetMissingMessage      = "configuration target must not be nil"
)

// LoadedConfiguration describes where the effective configuration came from.
type LoadedConfiguration struct {
	ConfigFileUsed string
}

// ConfigurationLoader layers defaults, embedded configuration, a config file and environment
// variables, in increasing priority.
type ConfigurationLoader struct {
	configurationName         string
	configurationType         string
	environmentPrefix         string
	searchPaths               []string
	embeddedConfiguration     []byte
	embeddedConfigurationType string
}

// NewConfigurationLoader builds a loader searching searchPaths, in order, for name.type.
func NewConfigurationLoader(configurationName string, configurationType string, environmentPrefix string, searchPaths []string) *ConfigurationLoader {
	return &ConfigurationLoader{
		configurationName: configurationName,
		configurationType: configurationType,
		environmentPrefix: environmentPrefix,
		searchPaths:       append([]string(nil), searchPaths...),
	}
}

// SetEmbeddedConfiguration registers configuration compiled into the binary.
func (loader *ConfigurationLoader) SetEmbeddedConfiguration(data []byte, configurationType string) {
	loader.embeddedConfiguration = append([]byte(nil), data...)
	loader.embeddedConfigurationType = configurationType
}

// LoadConfiguration decodes the layered configuration into target. An explicit file path
// replaces the search paths.
func (loader *ConfigurationLoader) LoadConfiguration(configurationFilePath string, defaultValues map[string]any, target any) (LoadedConfiguration, error) {
	if target == nil {
		return LoadedConfiguration{}, errors.New(configurationTargetMissingMessage)
	}

	viperInstance := viper.New()
	for key, value := range defaultValues {
		viperInstance.SetDefault(key, value)
	}

	if len(loader.embeddedConfiguration) > 0 {
		viperInstance.SetConfigType(loader.embeddedConfigurationType)
		if readError := viperInstance.ReadConfig(bytes.NewReader(loader.embeddedConfiguration)); readError != nil {
			return LoadedConfiguration{}, fmt.Errorf(embeddedConfigurationReadErrorTemplate, readError)
		}
	}

	trimmedPath := strings.TrimSpace(configurationFilePath)
	if len(trimmedPath) > 0 {
		viperInstance.SetConfigFile(trimmedPath)
		if mergeError := viperInstance.MergeInConfig(); mergeError != nil {
			return LoadedConfiguration{}, fmt.Errorf(configurationReadErrorTemplate, trimmedPath, mergeError)
		}
	} else if len(loader.searchPaths) > 0 {
		viperInstance.SetConfigName(loader.configurationName)
		viperInstance.SetConfigType(loader.configurationType)
		for _, searchPath := range loader.searchPaths {
			if len(strings.TrimSpace(searchPath)) > 0 {
				viperInstance.AddConfigPath(searchPath)
			}
		}
		if mergeError := viperInstance.MergeInConfig(); mergeError != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(mergeError, &notFound) {
				return LoadedConfiguration{}, fmt.Errorf(configurationSearchErrorTemplate, mergeError)
			}
		}
	}

	if len(loader.environmentPrefix) > 0 {
		viperInstance.SetEnvPrefix(loader.environmentPrefix)
	}
	viperInstance.SetEnvKeyReplacer(strings.NewReplacer(environmentKeySeparatorConstant, environmentKeyReplacementConstant))
	viperInstance.AutomaticEnv()

	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(sliceSeparatorConstant),
	))
	if decodeError := viperInstance.Unmarshal(target, decodeHook); decodeError != nil {
		return LoadedConfiguration{}, fmt.Errorf(configurationDecodeErrorTemplate, decodeError)
	}

	return LoadedConfiguration{ConfigFileUsed: viperInstance.ConfigFileUsed()}, nil
}
