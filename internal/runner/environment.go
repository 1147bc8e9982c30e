package runner

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

const (
	environmentFileVariable     = "GITHUB_ENV"
	pathFileVariable            = "GITHUB_PATH"
	outputFileVariable          = "GITHUB_OUTPUT"
	pathVariable                = "PATH"
	heredocMarker               = "<<"
	fileCommandDirectoryName    = "_file_commands"
	fileCommandPermissions      = 0o644
	fileCommandInvalidTemplate  = "%s line %d is not KEY=value or KEY<<DELIMITER: %q"
	fileCommandHeredocTemplate  = "%s heredoc for %q is missing its closing delimiter %q"
	fileCommandEmptyKeyTemplate = "%s line %d has an empty name"
)

// fileCommands are the per-step files a step appends to in order to export state.
type fileCommands struct {
	environmentPath string
	pathPath        string
	outputPath      string
}

func createFileCommands(directory string, stepIndex int) (fileCommands, error) {
	commandDirectory := filepath.Join(directory, fileCommandDirectoryName)
	if mkdirError := os.MkdirAll(commandDirectory, 0o755); mkdirError != nil {
		return fileCommands{}, mkdirError
	}
	commands := fileCommands{
		environmentPath: filepath.Join(commandDirectory, fmt.Sprintf("env_%d", stepIndex)),
		pathPath:        filepath.Join(commandDirectory, fmt.Sprintf("path_%d", stepIndex)),
		outputPath:      filepath.Join(commandDirectory, fmt.Sprintf("output_%d", stepIndex)),
	}
	for _, filePath := range []string{commands.environmentPath, commands.pathPath, commands.outputPath} {
		if writeError := os.WriteFile(filePath, nil, fileCommandPermissions); writeError != nil {
			return fileCommands{}, writeError
		}
	}
	return commands, nil
}

func (commands fileCommands) variables() map[string]string {
	return map[string]string{
		environmentFileVariable: commands.environmentPath,
		pathFileVariable:        commands.pathPath,
		outputFileVariable:      commands.outputPath,
	}
}

// collected holds what a step exported through its file commands.
type collected struct {
	environment map[string]string
	pathEntries []string
	outputs     map[string]string
}

func (commands fileCommands) collect() (collected, error) {
	environment, environmentError := readKeyValueFile(environmentFileVariable, commands.environmentPath)
	if environmentError != nil {
		return collected{}, environmentError
	}
	outputs, outputError := readKeyValueFile(outputFileVariable, commands.outputPath)
	if outputError != nil {
		return collected{}, outputError
	}
	pathEntries, pathError := readPathFile(commands.pathPath)
	if pathError != nil {
		return collected{}, pathError
	}
	return collected{environment: environment, pathEntries: pathEntries, outputs: outputs}, nil
}

// readKeyValueFile parses KEY=value lines and KEY<<DELIMITER heredoc blocks. A missing file reads as empty.
func readKeyValueFile(label string, filePath string) (map[string]string, error) {
	content, readError := os.ReadFile(filePath)
	if errors.Is(readError, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if readError != nil {
		return nil, readError
	}
	return parseKeyValues(label, content)
}

func parseKeyValues(label string, content []byte) (map[string]string, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		equalsIndex := strings.Index(line, "=")
		heredocIndex := strings.Index(line, heredocMarker)
		if heredocIndex >= 0 && (equalsIndex < 0 || heredocIndex < equalsIndex) {
			name := strings.TrimSpace(line[:heredocIndex])
			delimiter := strings.TrimSpace(line[heredocIndex+len(heredocMarker):])
			if name == "" {
				return nil, fmt.Errorf(fileCommandEmptyKeyTemplate, label, lineNumber)
			}
			valueLines := make([]string, 0)
			closed := false
			for scanner.Scan() {
				lineNumber++
				bodyLine := strings.TrimSuffix(scanner.Text(), "\r")
				if bodyLine == delimiter {
					closed = true
					break
				}
				valueLines = append(valueLines, bodyLine)
			}
			if !closed {
				return nil, fmt.Errorf(fileCommandHeredocTemplate, label, name, delimiter)
			}
			values[name] = strings.Join(valueLines, "\n")
			continue
		}

		if equalsIndex < 0 {
			return nil, fmt.Errorf(fileCommandInvalidTemplate, label, lineNumber, line)
		}
		name := strings.TrimSpace(line[:equalsIndex])
		if name == "" {
			return nil, fmt.Errorf(fileCommandEmptyKeyTemplate, label, lineNumber)
		}
		values[name] = line[equalsIndex+1:]
	}
	if scanError := scanner.Err(); scanError != nil {
		return nil, scanError
	}
	return values, nil
}

func readPathFile(filePath string) ([]string, error) {
	content, readError := os.ReadFile(filePath)
	if errors.Is(readError, fs.ErrNotExist) {
		return nil, nil
	}
	if readError != nil {
		return nil, readError
	}
	entries := make([]string, 0)
	for _, line := range strings.Split(string(content), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			entries = append(entries, trimmed)
		}
	}
	return entries, nil
}

// mergeEnvironment overlays layers from lowest to highest precedence.
func mergeEnvironment(layers ...map[string]string) map[string]string {
	size := 0
	for _, layer := range layers {
		size += len(layer)
	}
	merged := make(map[string]string, size)
	for _, layer := range layers {
		for key, value := range layer {
			merged[key] = value
		}
	}
	return merged
}

// prependPathEntries puts entries ahead of the PATH in environment. The most recently exported entry comes first.
func prependPathEntries(environment map[string]string, entries []string) {
	if len(entries) == 0 {
		return
	}
	combined := strings.Join(entries, string(os.PathListSeparator))
	if current := environment[pathVariable]; current != "" {
		combined += string(os.PathListSeparator) + current
	}
	environment[pathVariable] = combined
}

// addPathEntries records newly exported entries so later ones take precedence.
func addPathEntries(existing []string, added []string) []string {
	updated := make([]string, 0, len(existing)+len(added))
	for index := len(added) - 1; index >= 0; index-- {
		updated = append(updated, added[index])
	}
	return append(updated, existing...)
}

// runnerOperatingSystem maps GOOS to the RUNNER_OS naming.
func runnerOperatingSystem() string {
	switch runtime.GOOS {
	case "linux":
		return "Linux"
	case "darwin":
		return "macOS"
	case "windows":
		return "Windows"
	default:
		return runtime.GOOS
	}
}

func runnerArchitecture() string {
	switch runtime.GOARCH {
	case "amd64":
		return "X64"
	case "arm64":
		return "ARM64"
	case "386":
		return "X86"
	case "arm":
		return "ARM"
	default:
		return strings.ToUpper(runtime.GOARCH)
	}
}

func sortedKeys[Value any](values map[string]Value) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
