package cache_test

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shibzuko/ciflow/internal/cache"
)

func expectedAggregateHash(contents ...string) string {
	aggregate := sha256.New()
	for _, content := range contents {
		fileDigest := sha256.Sum256([]byte(content))
		aggregate.Write(fileDigest[:])
	}
	return hex.EncodeToString(aggregate.Sum(nil))
}

func TestHashFilesMatchesManifestHash(testInstance *testing.T) {
	workspace := testInstance.TempDir()
	writeTree(testInstance, workspace, map[string]string{
		"requirements/edx/base.txt":    "Django==4.2\n",
		"requirements/edx/testing.txt": "pytest\n",
	})

	hash, hashError := cache.HashFiles(workspace, "requirements/edx/base.txt")
	require.NoError(testInstance, hashError)
	require.Equal(testInstance, expectedAggregateHash("Django==4.2\n"), hash)
}

func TestHashFilesIsContentAddressed(testInstance *testing.T) {
	firstWorkspace := testInstance.TempDir()
	secondWorkspace := testInstance.TempDir()
	writeTree(testInstance, firstWorkspace, map[string]string{"requirements/base.txt": "same"})
	writeTree(testInstance, secondWorkspace, map[string]string{"requirements/base.txt": "same"})

	firstHash, firstError := cache.HashFiles(firstWorkspace, "requirements/base.txt")
	require.NoError(testInstance, firstError)
	secondHash, secondError := cache.HashFiles(secondWorkspace, "requirements/base.txt")
	require.NoError(testInstance, secondError)
	require.Equal(testInstance, firstHash, secondHash)

	writeTree(testInstance, secondWorkspace, map[string]string{"requirements/base.txt": "changed"})
	changedHash, changedError := cache.HashFiles(secondWorkspace, "requirements/base.txt")
	require.NoError(testInstance, changedError)
	require.NotEqual(testInstance, firstHash, changedHash)
}

func TestHashFilesGlobPatterns(testInstance *testing.T) {
	workspace := testInstance.TempDir()
	writeTree(testInstance, workspace, map[string]string{
		"package-lock.json":                "root",
		"lms/static/package-lock.json":     "lms",
		"cms/static/package-lock.json":     "cms",
		"node_modules/x/package-lock.json": "vendored",
		".git/package-lock.json":           "ignored",
	})

	testCases := []struct {
		name     string
		patterns []string
		expected string
	}{
		{name: "double_star", patterns: []string{"**/package-lock.json", "!node_modules/**"}, expected: expectedAggregateHash("cms", "lms", "root")},
		{name: "single_star_directory", patterns: []string{"*/static/package-lock.json"}, expected: expectedAggregateHash("cms", "lms")},
		{name: "brace_alternatives", patterns: []string{"{lms,cms}/static/package-lock.json"}, expected: expectedAggregateHash("cms", "lms")},
		{name: "duplicates_collapse", patterns: []string{"package-lock.json", "./package-lock.json"}, expected: expectedAggregateHash("root")},
		{name: "no_match", patterns: []string{"missing/**/*.txt"}, expected: ""},
		{name: "no_patterns", patterns: nil, expected: ""},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			hash, hashError := cache.HashFiles(workspace, testCase.patterns...)
			require.NoError(testInstance, hashError)
			require.Equal(testInstance, testCase.expected, hash)
		})
	}
}

func TestHashFilesRejectsMalformedPattern(testInstance *testing.T) {
	_, hashError := cache.HashFiles(filepath.Join(testInstance.TempDir()), "[unclosed")
	require.Error(testInstance, hashError)
}
