package actions

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shibzuko/ciflow/internal/cache"
)

const (
	cacheActionName            = "actions/cache"
	cacheHitOutput             = "cache-hit"
	cacheMatchedKeyOutput      = "cache-matched-key"
	cachePathInputName         = "path"
	cacheKeyInputName          = "key"
	cacheMultiplePathsTemplate = "%s supports a single path, got %d"
	cacheRestoreFailedMessage  = "cache restore failed, continuing without cache"
	cacheSaveSkippedMessage    = "cache save skipped"
	cacheSavePathMissing       = "cache path does not exist, nothing to save"
	cacheSaveStepTemplate      = "Post %s"
	logFieldKey                = "key"
	logFieldReason             = "reason"
	exactHitReason             = "exact key restored"
)

type cacheInputs struct {
	Path        string `mapstructure:"path"`
	Key         string `mapstructure:"key"`
	RestoreKeys string `mapstructure:"restore-keys"`
}

// cacheAction restores a cache entry now and saves the path after the job succeeds.
type cacheAction struct {
	store  CacheStore
	logger *zap.Logger
}

func (action cacheAction) Name() string {
	return cacheActionName
}

func (action cacheAction) Execute(executionContext context.Context, invocation Invocation) (Result, error) {
	if action.store == nil {
		return Result{}, missingDependency(cacheActionName, cacheStoreDependencyName)
	}
	var inputs cacheInputs
	if decodeError := decodeInputs(cacheActionName, invocation.Inputs, &inputs, action.logger); decodeError != nil {
		return Result{}, decodeError
	}
	if requiredError := requireInput(cacheActionName, cachePathInputName, inputs.Path); requiredError != nil {
		return Result{}, requiredError
	}
	if requiredError := requireInput(cacheActionName, cacheKeyInputName, inputs.Key); requiredError != nil {
		return Result{}, requiredError
	}
	paths := splitList(inputs.Path)
	if len(paths) != 1 {
		return Result{}, fmt.Errorf(cacheMultiplePathsTemplate, cacheActionName, len(paths))
	}
	if keyError := cache.ValidateKey(inputs.Key); keyError != nil {
		return Result{}, keyError
	}

	key := inputs.Key
	targetPath := resolvePath(invocation, paths[0])
	restoreResult, restoreError := action.store.Restore(executionContext, key, splitList(inputs.RestoreKeys), targetPath)
	if restoreError != nil {
		if contextError := executionContext.Err(); contextError != nil {
			return Result{}, contextError
		}
		action.logger.Warn(cacheRestoreFailedMessage, zap.String(logFieldKey, key), zap.Error(restoreError))
		restoreResult = cache.RestoreResult{}
	}

	saveStep := PostStep{
		Name: fmt.Sprintf(cacheSaveStepTemplate, cacheActionName),
		Run: func(postContext context.Context) error {
			if restoreResult.Exact {
				action.logger.Info(cacheSaveSkippedMessage, zap.String(logFieldKey, key), zap.String(logFieldReason, exactHitReason))
				return nil
			}
			_, saveError := action.store.Save(postContext, key, targetPath)
			if errors.Is(saveError, cache.ErrPathNotFound) {
				action.logger.Warn(cacheSavePathMissing, zap.String(logFieldKey, key), zap.String(logFieldPath, targetPath))
				return nil
			}
			return saveError
		},
	}

	return Result{
		Outputs: map[string]string{
			cacheHitOutput:        boolOutput(restoreResult.Exact),
			cacheMatchedKeyOutput: restoreResult.MatchedKey,
		},
		PostSteps: []PostStep{saveStep},
	}, nil
}
