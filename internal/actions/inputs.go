package actions

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"
)

const (
	inputDecodeErrorTemplate   = "%s inputs are invalid: %w"
	inputRequiredErrorTemplate = "%s requires input %q"
	homeDirectoryPrefix        = "~"
	homeEnvironmentVariable    = "HOME"
)

// decodeInputs maps string inputs onto target using its mapstructure tags. Strings convert
// to numbers and booleans; inputs the action does not declare are logged and ignored.
func decodeInputs(actionName string, inputs map[string]string, target any, logger *zap.Logger) error {
	raw := make(map[string]any, len(inputs))
	for key, value := range inputs {
		raw[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	var metadata mapstructure.Metadata
	decoder, decoderError := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Metadata:         &metadata,
		Result:           target,
	})
	if decoderError != nil {
		return fmt.Errorf(inputDecodeErrorTemplate, actionName, decoderError)
	}
	if decodeError := decoder.Decode(raw); decodeError != nil {
		return fmt.Errorf(inputDecodeErrorTemplate, actionName, decodeError)
	}
	for _, unused := range metadata.Unused {
		logger.Warn(unusedInputWarningMessage, zap.String(logFieldAction, actionName), zap.String(logFieldInput, unused))
	}
	return nil
}

func requireInput(actionName string, inputName string, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf(inputRequiredErrorTemplate, actionName, inputName)
	}
	return nil
}

// splitList splits a multi-line input into its non-empty trimmed lines.
func splitList(value string) []string {
	lines := strings.Split(value, "\n")
	entries := make([]string, 0, len(lines))
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			entries = append(entries, trimmed)
		}
	}
	return entries
}

// resolvePath expands a leading ~ and anchors relative paths at the workspace.
func resolvePath(invocation Invocation, value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == homeDirectoryPrefix || strings.HasPrefix(trimmed, homeDirectoryPrefix+"/") {
		homeDirectory := invocation.Environment[homeEnvironmentVariable]
		if homeDirectory == "" {
			homeDirectory, _ = os.UserHomeDir()
		}
		return filepath.Join(homeDirectory, strings.TrimPrefix(trimmed, homeDirectoryPrefix))
	}
	if trimmed == "" {
		return invocation.Workspace
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Join(invocation.Workspace, trimmed)
}
