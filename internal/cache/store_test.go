package cache_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/shibzuko/ciflow/internal/cache"
)

type fakeClock struct {
	current time.Time
}

func (clock *fakeClock) Now() time.Time {
	return clock.current
}

func (clock *fakeClock) Advance(duration time.Duration) {
	clock.current = clock.current.Add(duration)
}

func newTestStore(testInstance *testing.T, logger *zap.Logger) (*cache.Store, *fakeClock) {
	testInstance.Helper()
	clock := &fakeClock{current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store, storeError := cache.NewStore(filepath.Join(testInstance.TempDir(), "store"), logger, cache.WithClock(clock.Now))
	require.NoError(testInstance, storeError)
	return store, clock
}

func writeTree(testInstance *testing.T, root string, files map[string]string) {
	testInstance.Helper()
	for relativePath, contents := range files {
		fullPath := filepath.Join(root, filepath.FromSlash(relativePath))
		require.NoError(testInstance, os.MkdirAll(filepath.Dir(fullPath), 0o755))
		require.NoError(testInstance, os.WriteFile(fullPath, []byte(contents), 0o644))
	}
}

func readTree(testInstance *testing.T, root string) map[string]string {
	testInstance.Helper()
	files := make(map[string]string)
	require.NoError(testInstance, filepath.Walk(root, func(currentPath string, info os.FileInfo, walkError error) error {
		if walkError != nil {
			return walkError
		}
		if info.IsDir() {
			return nil
		}
		relativePath, relativeError := filepath.Rel(root, currentPath)
		if relativeError != nil {
			return relativeError
		}
		contents, readError := os.ReadFile(currentPath)
		if readError != nil {
			return readError
		}
		files[filepath.ToSlash(relativePath)] = string(contents)
		return nil
	}))
	return files
}

func TestStoreSaveThenRestoreExactKey(testInstance *testing.T) {
	store, _ := newTestStore(testInstance, zap.NewNop())
	sourceDirectory := filepath.Join(testInstance.TempDir(), "pip")
	files := map[string]string{
		"http/a/b/wheel.whl": "wheel-bytes",
		"selfcheck.json":     "{}",
	}
	writeTree(testInstance, sourceDirectory, files)

	entry, saveError := store.Save(context.Background(), "Linux-pip-abc", sourceDirectory)
	require.NoError(testInstance, saveError)
	require.Equal(testInstance, "Linux-pip-abc", entry.Key)
	require.NotEmpty(testInstance, entry.Digest)
	require.Positive(testInstance, entry.Size)

	targetDirectory := filepath.Join(testInstance.TempDir(), "restored")
	result, restoreError := store.Restore(context.Background(), "Linux-pip-abc", []string{"Linux-pip-"}, targetDirectory)
	require.NoError(testInstance, restoreError)
	require.Equal(testInstance, cache.RestoreResult{Hit: true, Exact: true, MatchedKey: "Linux-pip-abc"}, result)
	require.Equal(testInstance, files, readTree(testInstance, targetDirectory))
}

func TestStoreRestorePrefersLongestRestoreKeyThenNewestEntry(testInstance *testing.T) {
	store, clock := newTestStore(testInstance, zap.NewNop())
	for _, key := range []string{"Linux-pip-old", "Linux-pip-new", "Linux-npm-newest"} {
		sourceDirectory := filepath.Join(testInstance.TempDir(), key)
		writeTree(testInstance, sourceDirectory, map[string]string{"marker.txt": key})
		_, saveError := store.Save(context.Background(), key, sourceDirectory)
		require.NoError(testInstance, saveError)
		clock.Advance(time.Minute)
	}

	testCases := []struct {
		name        string
		restoreKeys []string
		expectedKey string
	}{
		{name: "longest_prefix_wins", restoreKeys: []string{"Linux-", "Linux-pip-"}, expectedKey: "Linux-pip-new"},
		{name: "short_prefix_newest", restoreKeys: []string{"Linux-"}, expectedKey: "Linux-npm-newest"},
		{name: "longest_prefix_without_match_falls_back", restoreKeys: []string{"Linux-pip-none-", "Linux-npm-"}, expectedKey: "Linux-npm-newest"},
		{name: "equal_length_declared_order", restoreKeys: []string{"Linux-npm-", "Linux-pip-"}, expectedKey: "Linux-npm-newest"},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			targetDirectory := filepath.Join(testInstance.TempDir(), "restored")
			result, restoreError := store.Restore(context.Background(), "Linux-pip-missing", testCase.restoreKeys, targetDirectory)
			require.NoError(testInstance, restoreError)
			require.True(testInstance, result.Hit)
			require.False(testInstance, result.Exact)
			require.Equal(testInstance, testCase.expectedKey, result.MatchedKey)
			require.Equal(testInstance, map[string]string{"marker.txt": testCase.expectedKey}, readTree(testInstance, targetDirectory))
		})
	}
}

func TestStoreRestoreMissCreatesEmptyDirectory(testInstance *testing.T) {
	observerCore, observedLogs := observer.New(zap.InfoLevel)
	store, _ := newTestStore(testInstance, zap.New(observerCore))

	targetDirectory := filepath.Join(testInstance.TempDir(), "pip")
	result, restoreError := store.Restore(context.Background(), "Linux-pip-abc", []string{"Linux-pip-"}, targetDirectory)
	require.NoError(testInstance, restoreError)
	require.False(testInstance, result.Hit)

	info, statError := os.Stat(targetDirectory)
	require.NoError(testInstance, statError)
	require.True(testInstance, info.IsDir())
	require.Equal(testInstance, 1, observedLogs.FilterMessage("cache miss").Len())
}

func TestStoreRestoreTreatsCorruptArchiveAsMiss(testInstance *testing.T) {
	observerCore, observedLogs := observer.New(zap.InfoLevel)
	store, _ := newTestStore(testInstance, zap.New(observerCore))

	sourceDirectory := filepath.Join(testInstance.TempDir(), "source")
	writeTree(testInstance, sourceDirectory, map[string]string{"file.txt": "content"})
	entry, saveError := store.Save(context.Background(), "Linux-pip-abc", sourceDirectory)
	require.NoError(testInstance, saveError)

	blobPath := filepath.Join(store.Root(), "blobs", entry.Digest+".tar.zst")
	require.NoError(testInstance, os.WriteFile(blobPath, []byte("tampered"), 0o644))

	result, restoreError := store.Restore(context.Background(), "Linux-pip-abc", nil, filepath.Join(testInstance.TempDir(), "target"))
	require.NoError(testInstance, restoreError)
	require.False(testInstance, result.Hit)
	require.Equal(testInstance, 1, observedLogs.FilterMessage("cache entry unusable, treating as miss").Len())
}

func TestStoreSaveIsLastWriterWins(testInstance *testing.T) {
	store, clock := newTestStore(testInstance, zap.NewNop())
	for _, contents := range []string{"first", "second"} {
		sourceDirectory := filepath.Join(testInstance.TempDir(), contents)
		writeTree(testInstance, sourceDirectory, map[string]string{"value.txt": contents})
		_, saveError := store.Save(context.Background(), "Linux-pip-abc", sourceDirectory)
		require.NoError(testInstance, saveError)
		clock.Advance(time.Second)
	}

	entries, listError := store.List()
	require.NoError(testInstance, listError)
	require.Len(testInstance, entries, 1)

	targetDirectory := filepath.Join(testInstance.TempDir(), "restored")
	_, restoreError := store.Restore(context.Background(), "Linux-pip-abc", nil, targetDirectory)
	require.NoError(testInstance, restoreError)
	require.Equal(testInstance, map[string]string{"value.txt": "second"}, readTree(testInstance, targetDirectory))
}

func TestStoreSaveMissingPath(testInstance *testing.T) {
	store, _ := newTestStore(testInstance, zap.NewNop())
	_, saveError := store.Save(context.Background(), "key", filepath.Join(testInstance.TempDir(), "absent"))
	require.ErrorIs(testInstance, saveError, cache.ErrPathNotFound)
}

func TestStoreSaveRespectsCanceledContext(testInstance *testing.T) {
	store, _ := newTestStore(testInstance, zap.NewNop())
	canceledContext, cancel := context.WithCancel(context.Background())
	cancel()
	_, saveError := store.Save(canceledContext, "key", testInstance.TempDir())
	require.ErrorIs(testInstance, saveError, context.Canceled)
}

func TestStorePruneAndRemove(testInstance *testing.T) {
	store, clock := newTestStore(testInstance, zap.NewNop())
	for _, key := range []string{"old", "fresh"} {
		sourceDirectory := filepath.Join(testInstance.TempDir(), key)
		writeTree(testInstance, sourceDirectory, map[string]string{"k": key})
		_, saveError := store.Save(context.Background(), key, sourceDirectory)
		require.NoError(testInstance, saveError)
		clock.Advance(48 * time.Hour)
	}

	removed, pruneError := store.Prune(72 * time.Hour)
	require.NoError(testInstance, pruneError)
	require.Len(testInstance, removed, 1)
	require.Equal(testInstance, "old", removed[0].Key)

	entries, listError := store.List()
	require.NoError(testInstance, listError)
	require.Len(testInstance, entries, 1)
	require.Equal(testInstance, "fresh", entries[0].Key)

	require.NoError(testInstance, store.Remove("fresh"))
	require.ErrorIs(testInstance, store.Remove("fresh"), cache.ErrEntryNotFound)

	_, lookupError := store.Lookup("fresh")
	require.ErrorIs(testInstance, lookupError, cache.ErrEntryNotFound)
}

func TestValidateKey(testInstance *testing.T) {
	testCases := []struct {
		name        string
		key         string
		expectValid bool
	}{
		{name: "valid", key: "Linux-pip-0123abcd", expectValid: true},
		{name: "empty", key: "   "},
		{name: "comma", key: "a,b"},
		{name: "too_long", key: strings.Repeat("k", 513)},
		{name: "max_length", key: strings.Repeat("k", 512), expectValid: true},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			validationError := cache.ValidateKey(testCase.key)
			if testCase.expectValid {
				require.NoError(testInstance, validationError)
				return
			}
			require.ErrorIs(testInstance, validationError, cache.ErrInvalidKey)
		})
	}
}

func TestNewStoreRequiresRoot(testInstance *testing.T) {
	_, storeError := cache.NewStore(" ", nil)
	require.Error(testInstance, storeError)
}
