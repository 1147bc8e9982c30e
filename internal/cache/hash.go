package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	hashFilesWalkErrorTemplate    = "failed to enumerate files for %q: %w"
	hashFilesReadErrorTemplate    = "failed to hash %s: %w"
	hashFilesPatternErrorTemplate = "invalid hashFiles pattern %q: %w"
	excludePatternPrefix          = "!"
	gitDirectoryName              = ".git"
)

// HashFiles hashes every regular file under workspace matched by patterns.
// Each matching file is hashed with SHA-256 in lexical path order and the
// concatenated digests are hashed again. Patterns prefixed with "!" exclude
// matches. The result is empty when no file matches.
func HashFiles(workspace string, patterns ...string) (string, error) {
	includes, excludes := splitPatterns(patterns)
	if len(includes) == 0 {
		return "", nil
	}
	for _, pattern := range append(append([]string{}, includes...), excludes...) {
		if !doublestar.ValidatePattern(pattern) {
			return "", fmt.Errorf(hashFilesPatternErrorTemplate, pattern, doublestar.ErrBadPattern)
		}
	}

	matched := make(map[string]struct{})
	for _, pattern := range includes {
		if collectError := collectMatches(workspace, pattern, excludes, matched); collectError != nil {
			return "", collectError
		}
	}
	if len(matched) == 0 {
		return "", nil
	}

	relativePaths := make([]string, 0, len(matched))
	for relativePath := range matched {
		relativePaths = append(relativePaths, relativePath)
	}
	sort.Strings(relativePaths)

	aggregate := sha256.New()
	for _, relativePath := range relativePaths {
		fileDigest, digestError := hashFile(filepath.Join(workspace, filepath.FromSlash(relativePath)))
		if digestError != nil {
			return "", fmt.Errorf(hashFilesReadErrorTemplate, relativePath, digestError)
		}
		aggregate.Write(fileDigest)
	}
	return hex.EncodeToString(aggregate.Sum(nil)), nil
}

func splitPatterns(patterns []string) ([]string, []string) {
	includes := make([]string, 0, len(patterns))
	excludes := make([]string, 0)
	for _, pattern := range patterns {
		trimmed := strings.TrimSpace(pattern)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, excludePatternPrefix) {
			excludes = append(excludes, normalizePattern(strings.TrimPrefix(trimmed, excludePatternPrefix)))
			continue
		}
		includes = append(includes, normalizePattern(trimmed))
	}
	return includes, excludes
}

func normalizePattern(pattern string) string {
	normalized := path.Clean(filepath.ToSlash(strings.TrimSpace(pattern)))
	return strings.TrimPrefix(normalized, "./")
}

func collectMatches(workspace string, pattern string, excludes []string, matched map[string]struct{}) error {
	walkError := doublestar.GlobWalk(os.DirFS(workspace), pattern, func(matchedPath string, entry fs.DirEntry) error {
		if !entry.Type().IsRegular() || insideGitDirectory(matchedPath) {
			return nil
		}
		for _, exclude := range excludes {
			if excluded, _ := doublestar.Match(exclude, matchedPath); excluded {
				return nil
			}
		}
		matched[matchedPath] = struct{}{}
		return nil
	}, doublestar.WithFilesOnly())
	if walkError != nil {
		return fmt.Errorf(hashFilesWalkErrorTemplate, pattern, walkError)
	}
	return nil
}

func insideGitDirectory(slashPath string) bool {
	for _, segment := range strings.Split(slashPath, "/") {
		if segment == gitDirectoryName {
			return true
		}
	}
	return false
}

func hashFile(filePath string) ([]byte, error) {
	file, openError := os.Open(filePath)
	if openError != nil {
		return nil, openError
	}
	defer file.Close()

	hasher := sha256.New()
	if _, copyError := io.Copy(hasher, file); copyError != nil {
		return nil, copyError
	}
	return hasher.Sum(nil), nil
}
