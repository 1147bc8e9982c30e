package execshell

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sort"
)

// OSCommandRunner executes commands as host processes.
type OSCommandRunner struct{}

// NewOSCommandRunner constructs a runner backed by os/exec.
func NewOSCommandRunner() OSCommandRunner {
	return OSCommandRunner{}
}

// Run starts the process, waits for it, and reports its exit status.
// A non-zero exit is reported through ExecutionResult.ExitCode, not as an error.
func (runner OSCommandRunner) Run(executionContext context.Context, command ShellCommand) (ExecutionResult, error) {
	process := exec.CommandContext(executionContext, string(command.Name), command.Details.Arguments...)
	process.Dir = command.Details.WorkingDirectory
	process.Env = buildProcessEnvironment(command.Details)

	var standardOutput bytes.Buffer
	var standardError bytes.Buffer
	if command.Details.OutputWriter != nil {
		process.Stdout = io.MultiWriter(&standardOutput, command.Details.OutputWriter)
		process.Stderr = io.MultiWriter(&standardError, command.Details.OutputWriter)
	} else {
		process.Stdout = &standardOutput
		process.Stderr = &standardError
	}
	if len(command.Details.StandardInput) > 0 {
		process.Stdin = bytes.NewReader(command.Details.StandardInput)
	}

	runError := process.Run()
	result := ExecutionResult{
		StandardOutput: standardOutput.String(),
		StandardError:  standardError.String(),
	}

	if contextError := executionContext.Err(); contextError != nil {
		result.ExitCode = -1
		return result, contextError
	}

	if runError != nil {
		var exitError *exec.ExitError
		if errors.As(runError, &exitError) {
			result.ExitCode = exitError.ExitCode()
			return result, nil
		}
		return result, runError
	}

	return result, nil
}

func buildProcessEnvironment(details CommandDetails) []string {
	merged := make(map[string]string)
	if !details.ReplaceEnvironment {
		for key, value := range EnvironmentMap(os.Environ()) {
			merged[key] = value
		}
	}
	for key, value := range details.EnvironmentVariables {
		merged[key] = value
	}

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	assignments := make([]string, 0, len(keys))
	for _, key := range keys {
		assignments = append(assignments, key+"="+merged[key])
	}
	return assignments
}

// EnvironmentMap converts KEY=value assignments into a map, ignoring malformed entries.
func EnvironmentMap(assignments []string) map[string]string {
	environment := make(map[string]string, len(assignments))
	for _, assignment := range assignments {
		for index := 1; index < len(assignment); index++ {
			if assignment[index] == '=' {
				environment[assignment[:index]] = assignment[index+1:]
				break
			}
		}
	}
	return environment
}
