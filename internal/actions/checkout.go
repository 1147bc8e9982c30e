package actions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/shibzuko/ciflow/internal/execshell"
)

const (
	checkoutActionName           = "actions/checkout"
	checkoutDefaultDepth         = 1
	gitMetadataName              = ".git"
	checkoutNoSourceMessage      = "workspace is not a git worktree and no repository input was provided"
	checkoutTargetEscapeTemplate = "checkout path %q escapes the workspace"
	checkoutClonedMessage        = "repository cloned"
	checkoutRefMessage           = "checked out ref"
	checkoutExistingMessage      = "workspace already holds a git worktree"
	checkoutEventCommitMessage   = "checked out event commit"
	checkoutFetchedMessage       = "fetched missing event commit"
	checkoutRefOutput            = "ref"
	checkoutCommitOutput         = "commit"
	logFieldRepository           = "repository"
	logFieldRef                  = "ref"
	logFieldPath                 = "path"
	logFieldDepth                = "depth"
	logFieldSHA                  = "sha"
)

type checkoutInputs struct {
	Repository string `mapstructure:"repository"`
	Ref        string `mapstructure:"ref"`
	Depth      *int   `mapstructure:"fetch-depth"`
	Path       string `mapstructure:"path"`
}

// checkoutAction ensures the workspace holds the repository at the requested ref.
type checkoutAction struct {
	gitExecutor GitExecutor
	baseURL     string
	logger      *zap.Logger
}

func (action checkoutAction) Name() string {
	return checkoutActionName
}

func (action checkoutAction) Execute(executionContext context.Context, invocation Invocation) (Result, error) {
	if action.gitExecutor == nil {
		return Result{}, missingDependency(checkoutActionName, gitExecutorDependencyName)
	}
	var inputs checkoutInputs
	if decodeError := decodeInputs(checkoutActionName, invocation.Inputs, &inputs, action.logger); decodeError != nil {
		return Result{}, decodeError
	}
	depth := checkoutDefaultDepth
	if inputs.Depth != nil {
		depth = *inputs.Depth
	}

	targetPath, targetError := checkoutTarget(invocation.Workspace, inputs.Path)
	if targetError != nil {
		return Result{}, targetError
	}

	repository := strings.TrimSpace(inputs.Repository)
	ref := strings.TrimSpace(inputs.Ref)
	eventSHA := ""
	if ref == "" && sameRepository(repository, invocation.Event.Repository) {
		eventSHA = strings.TrimSpace(invocation.Event.SHA)
	}

	if isWorktree(targetPath) {
		switch {
		case ref != "":
			if _, checkoutError := action.gitExecutor.ExecuteGit(executionContext, withArguments(invocation.commandDetails(targetPath), "checkout", ref)); checkoutError != nil {
				return Result{}, checkoutError
			}
			action.logger.Info(checkoutRefMessage, zap.String(logFieldRef, ref), zap.String(logFieldPath, targetPath))
		case eventSHA != "":
			if checkoutError := action.checkoutEventCommit(executionContext, invocation, targetPath, eventSHA, depth); checkoutError != nil {
				return Result{}, checkoutError
			}
		default:
			action.logger.Info(checkoutExistingMessage, zap.String(logFieldPath, targetPath))
		}
		return action.describe(executionContext, invocation, targetPath)
	}

	if repository == "" {
		return Result{}, errors.New(checkoutNoSourceMessage)
	}
	if mkdirError := os.MkdirAll(filepath.Dir(targetPath), 0o755); mkdirError != nil {
		return Result{}, mkdirError
	}

	cloneArguments := []string{"clone"}
	if depth > 0 {
		cloneArguments = append(cloneArguments, "--depth", strconv.Itoa(depth))
	}
	cloneArguments = append(cloneArguments, action.repositoryURL(repository), targetPath)
	if _, cloneError := action.gitExecutor.ExecuteGit(executionContext, withArguments(invocation.commandDetails(invocation.Workspace), cloneArguments...)); cloneError != nil {
		return Result{}, cloneError
	}
	action.logger.Info(checkoutClonedMessage, zap.String(logFieldRepository, repository), zap.String(logFieldPath, targetPath), zap.Int(logFieldDepth, depth))

	if ref == "" {
		ref = eventSHA
	}
	if ref != "" {
		fetchArguments := []string{"fetch", "origin", ref}
		if depth > 0 {
			fetchArguments = []string{"fetch", "--depth", strconv.Itoa(depth), "origin", ref}
		}
		if _, fetchError := action.gitExecutor.ExecuteGit(executionContext, withArguments(invocation.commandDetails(targetPath), fetchArguments...)); fetchError != nil {
			return Result{}, fetchError
		}
		if _, checkoutError := action.gitExecutor.ExecuteGit(executionContext, withArguments(invocation.commandDetails(targetPath), "checkout", "--detach", "FETCH_HEAD")); checkoutError != nil {
			return Result{}, checkoutError
		}
		action.logger.Info(checkoutRefMessage, zap.String(logFieldRef, ref), zap.String(logFieldPath, targetPath))
	}
	return action.describe(executionContext, invocation, targetPath)
}

// checkoutEventCommit detaches the worktree at sha, fetching it from origin when the local
// object store lacks it. A worktree already at sha is left untouched.
func (action checkoutAction) checkoutEventCommit(executionContext context.Context, invocation Invocation, targetPath string, sha string, depth int) error {
	details := invocation.commandDetails(targetPath)
	if head, headError := action.gitExecutor.ExecuteGit(executionContext, withArguments(details, "rev-parse", "HEAD")); headError == nil {
		if current := strings.TrimSpace(head.StandardOutput); current != "" && strings.HasPrefix(current, sha) {
			action.logger.Info(checkoutExistingMessage, zap.String(logFieldPath, targetPath), zap.String(logFieldSHA, sha))
			return nil
		}
	}
	if _, missingError := action.gitExecutor.ExecuteGit(executionContext, withArguments(details, "cat-file", "-e", sha+"^{commit}")); missingError != nil {
		fetchArguments := []string{"fetch", "origin", sha}
		if depth > 0 {
			fetchArguments = []string{"fetch", "--depth", strconv.Itoa(depth), "origin", sha}
		}
		if _, fetchError := action.gitExecutor.ExecuteGit(executionContext, withArguments(details, fetchArguments...)); fetchError != nil {
			return fetchError
		}
		action.logger.Info(checkoutFetchedMessage, zap.String(logFieldSHA, sha), zap.Int(logFieldDepth, depth))
	}
	if _, checkoutError := action.gitExecutor.ExecuteGit(executionContext, withArguments(details, "checkout", "--detach", sha)); checkoutError != nil {
		return checkoutError
	}
	action.logger.Info(checkoutEventCommitMessage, zap.String(logFieldSHA, sha), zap.String(logFieldPath, targetPath))
	return nil
}

// sameRepository reports whether the repository input names the triggering repository. An
// empty input always does.
func sameRepository(input string, eventRepository string) bool {
	if input == "" {
		return true
	}
	normalize := func(value string) string {
		trimmed := strings.TrimSuffix(strings.TrimSpace(value), ".git")
		return strings.ToLower(trimmed)
	}
	eventName := normalize(eventRepository)
	return eventName != "" && (normalize(input) == eventName || strings.HasSuffix(normalize(input), "/"+eventName))
}

func (action checkoutAction) describe(executionContext context.Context, invocation Invocation, targetPath string) (Result, error) {
	outputs := map[string]string{}
	if result, revParseError := action.gitExecutor.ExecuteGit(executionContext, withArguments(invocation.commandDetails(targetPath), "rev-parse", "HEAD")); revParseError == nil {
		outputs[checkoutCommitOutput] = strings.TrimSpace(result.StandardOutput)
	}
	if result, refError := action.gitExecutor.ExecuteGit(executionContext, withArguments(invocation.commandDetails(targetPath), "rev-parse", "--abbrev-ref", "HEAD")); refError == nil {
		outputs[checkoutRefOutput] = strings.TrimSpace(result.StandardOutput)
	}
	return Result{Outputs: outputs}, nil
}

// repositoryURL expands owner/name shorthand against the base URL and keeps explicit URLs and paths.
func (action checkoutAction) repositoryURL(repository string) string {
	if strings.Contains(repository, "://") || strings.HasPrefix(repository, "git@") || filepath.IsAbs(repository) || strings.HasPrefix(repository, ".") {
		return repository
	}
	return fmt.Sprintf("%s/%s.git", action.baseURL, strings.TrimSuffix(repository, ".git"))
}

func checkoutTarget(workspace string, relativePath string) (string, error) {
	trimmed := strings.TrimSpace(relativePath)
	if trimmed == "" {
		return workspace, nil
	}
	cleaned := filepath.Clean(trimmed)
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf(checkoutTargetEscapeTemplate, relativePath)
	}
	return filepath.Join(workspace, cleaned), nil
}

func isWorktree(path string) bool {
	_, statError := os.Stat(filepath.Join(path, gitMetadataName))
	return statError == nil
}

func withArguments(details execshell.CommandDetails, arguments ...string) execshell.CommandDetails {
	details.Arguments = arguments
	return details
}
