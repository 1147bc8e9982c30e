// Package cache stores directory snapshots as compressed archives addressed by
// cache keys. Restore resolves an exact key first and falls back to the longest
// matching restore-key prefix; Save replaces the key's entry with an atomic rename,
// so concurrent writers resolve to the last completed save.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	keysDirectoryName                = "keys"
	blobsDirectoryName               = "blobs"
	temporaryDirectoryName           = "tmp"
	entryFileExtension               = ".yaml"
	blobFileExtension                = ".tar.zst"
	storeDirectoryPermissions        = 0o755
	storeFilePermissions             = 0o644
	maximumKeyLength                 = 512
	orphanBlobGracePeriod            = time.Hour
	storeRootRequiredMessage         = "cache store root directory must be provided"
	keyEmptyMessage                  = "cache key must not be empty"
	keyTooLongTemplate               = "cache key exceeds %d characters"
	keyCommaMessage                  = "cache key must not contain commas"
	storeInitializationErrorTemplate = "failed to initialize cache store at %s: %w"
	saveErrorTemplate                = "failed to save cache entry %q: %w"
	removeErrorTemplate              = "failed to remove cache entry %q: %w"
	listErrorTemplate                = "failed to list cache entries: %w"
	digestMismatchTemplate           = "archive digest %s does not match recorded digest %s"
	restoreHitMessage                = "cache restored"
	restoreMissMessage               = "cache miss"
	restoreCorruptEntryMessage       = "cache entry unusable, treating as miss"
	saveCompletedMessage             = "cache saved"
	pruneRemovedMessage              = "cache entry pruned"
	entryUnreadableMessage           = "cache entry metadata unreadable"
	logFieldKey                      = "key"
	logFieldMatchedKey               = "matched_key"
	logFieldPath                     = "path"
	logFieldSize                     = "size_bytes"
	logFieldExact                    = "exact"
	logFieldDigest                   = "digest"
	temporaryArchivePatternConstant  = "archive-*"
	temporaryMetadataPatternConstant = "entry-*"
	restoreCanceledTemplate          = "cache restore canceled: %w"
)

var (
	// ErrInvalidKey indicates a cache key that violates the key rules.
	ErrInvalidKey = errors.New("invalid cache key")
	// ErrEntryNotFound indicates no entry exists for the requested key.
	ErrEntryNotFound = errors.New("cache entry not found")
	// ErrPathNotFound indicates the path to save does not exist.
	ErrPathNotFound = errors.New("cache path does not exist")
	// ErrDigestMismatch indicates an archive whose content no longer matches its recorded digest.
	ErrDigestMismatch = errors.New("cache archive digest mismatch")
)

// Entry describes a saved cache snapshot.
type Entry struct {
	Key       string    `yaml:"key"`
	Digest    string    `yaml:"digest"`
	Size      int64     `yaml:"size"`
	CreatedAt time.Time `yaml:"created_at"`
	Path      string    `yaml:"path"`
}

// RestoreResult reports how a restore request was satisfied.
type RestoreResult struct {
	Hit        bool
	Exact      bool
	MatchedKey string
}

// Store is a directory-backed cache store.
type Store struct {
	rootDirectory string
	logger        *zap.Logger
	now           func() time.Time
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithClock overrides the time source used for entry timestamps and pruning.
func WithClock(clock func() time.Time) StoreOption {
	return func(store *Store) {
		if clock != nil {
			store.now = clock
		}
	}
}

// NewStore prepares the store layout under rootDirectory.
func NewStore(rootDirectory string, logger *zap.Logger, options ...StoreOption) (*Store, error) {
	trimmedRoot := strings.TrimSpace(rootDirectory)
	if trimmedRoot == "" {
		return nil, errors.New(storeRootRequiredMessage)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	store := &Store{rootDirectory: trimmedRoot, logger: logger, now: time.Now}
	for _, option := range options {
		option(store)
	}

	for _, directory := range []string{keysDirectoryName, blobsDirectoryName, temporaryDirectoryName} {
		if mkdirError := os.MkdirAll(filepath.Join(trimmedRoot, directory), storeDirectoryPermissions); mkdirError != nil {
			return nil, fmt.Errorf(storeInitializationErrorTemplate, trimmedRoot, mkdirError)
		}
	}
	return store, nil
}

// Root returns the store root directory.
func (store *Store) Root() string {
	return store.rootDirectory
}

// ValidateKey enforces the cache key rules.
func ValidateKey(key string) error {
	trimmed := strings.TrimSpace(key)
	switch {
	case trimmed == "":
		return fmt.Errorf("%w: %s", ErrInvalidKey, keyEmptyMessage)
	case len(trimmed) > maximumKeyLength:
		return fmt.Errorf("%w: "+keyTooLongTemplate, ErrInvalidKey, maximumKeyLength)
	case strings.Contains(trimmed, ","):
		return fmt.Errorf("%w: %s", ErrInvalidKey, keyCommaMessage)
	default:
		return nil
	}
}

// Restore extracts the best matching entry into targetPath. A miss creates targetPath empty
// and reports Hit=false. Corrupt entries are logged and treated as misses.
func (store *Store) Restore(executionContext context.Context, key string, restoreKeys []string, targetPath string) (RestoreResult, error) {
	if validationError := ValidateKey(key); validationError != nil {
		return RestoreResult{}, validationError
	}
	trimmedKey := strings.TrimSpace(key)

	exactEntry, loadError := store.loadEntry(trimmedKey)
	if loadError == nil {
		restoreError := store.restoreEntry(executionContext, exactEntry, targetPath)
		if restoreError == nil {
			store.logRestoreHit(exactEntry, targetPath, true)
			return RestoreResult{Hit: true, Exact: true, MatchedKey: exactEntry.Key}, nil
		}
		if contextError := executionContext.Err(); contextError != nil {
			return RestoreResult{}, fmt.Errorf(restoreCanceledTemplate, contextError)
		}
		store.logCorruptEntry(exactEntry, restoreError)
	}

	entries, listError := store.List()
	if listError != nil {
		return RestoreResult{}, listError
	}

	for _, candidate := range rankPrefixCandidates(entries, restoreKeys) {
		if candidate.Key == trimmedKey {
			continue
		}
		restoreError := store.restoreEntry(executionContext, candidate, targetPath)
		if restoreError == nil {
			store.logRestoreHit(candidate, targetPath, false)
			return RestoreResult{Hit: true, Exact: false, MatchedKey: candidate.Key}, nil
		}
		if contextError := executionContext.Err(); contextError != nil {
			return RestoreResult{}, fmt.Errorf(restoreCanceledTemplate, contextError)
		}
		store.logCorruptEntry(candidate, restoreError)
	}

	if mkdirError := os.MkdirAll(targetPath, storeDirectoryPermissions); mkdirError != nil {
		return RestoreResult{}, mkdirError
	}
	store.logger.Info(restoreMissMessage, zap.String(logFieldKey, trimmedKey), zap.String(logFieldPath, targetPath))
	return RestoreResult{}, nil
}

// rankPrefixCandidates orders entries for prefix restore: restore keys by descending length
// (declaration order breaks ties), and entries within a prefix newest first.
func rankPrefixCandidates(entries []Entry, restoreKeys []string) []Entry {
	prefixes := make([]string, 0, len(restoreKeys))
	for _, restoreKey := range restoreKeys {
		if trimmed := strings.TrimSpace(restoreKey); trimmed != "" {
			prefixes = append(prefixes, trimmed)
		}
	}
	sort.SliceStable(prefixes, func(left, right int) bool {
		return len(prefixes[left]) > len(prefixes[right])
	})

	seen := make(map[string]struct{}, len(entries))
	ranked := make([]Entry, 0, len(entries))
	for _, prefix := range prefixes {
		matching := make([]Entry, 0)
		for _, entry := range entries {
			if strings.HasPrefix(entry.Key, prefix) {
				matching = append(matching, entry)
			}
		}
		sort.SliceStable(matching, func(left, right int) bool {
			return matching[left].CreatedAt.After(matching[right].CreatedAt)
		})
		for _, entry := range matching {
			if _, duplicate := seen[entry.Key]; duplicate {
				continue
			}
			seen[entry.Key] = struct{}{}
			ranked = append(ranked, entry)
		}
	}
	return ranked
}

// Save archives sourcePath under key. The entry becomes visible through a single rename,
// replacing any previous entry for the key.
func (store *Store) Save(executionContext context.Context, key string, sourcePath string) (Entry, error) {
	if validationError := ValidateKey(key); validationError != nil {
		return Entry{}, validationError
	}
	trimmedKey := strings.TrimSpace(key)
	if contextError := executionContext.Err(); contextError != nil {
		return Entry{}, fmt.Errorf(saveErrorTemplate, trimmedKey, contextError)
	}

	if _, statError := os.Stat(sourcePath); statError != nil {
		if errors.Is(statError, fs.ErrNotExist) {
			return Entry{}, fmt.Errorf(saveErrorTemplate, trimmedKey, ErrPathNotFound)
		}
		return Entry{}, fmt.Errorf(saveErrorTemplate, trimmedKey, statError)
	}

	temporaryArchive, createError := os.CreateTemp(store.temporaryDirectory(), temporaryArchivePatternConstant)
	if createError != nil {
		return Entry{}, fmt.Errorf(saveErrorTemplate, trimmedKey, createError)
	}
	temporaryArchivePath := temporaryArchive.Name()
	defer os.Remove(temporaryArchivePath)

	hasher := blake3.New()
	counter := &countingWriter{}
	writeError := writeArchive(io.MultiWriter(temporaryArchive, hasher, counter), sourcePath)
	closeError := temporaryArchive.Close()
	if writeError != nil {
		return Entry{}, fmt.Errorf(saveErrorTemplate, trimmedKey, writeError)
	}
	if closeError != nil {
		return Entry{}, fmt.Errorf(saveErrorTemplate, trimmedKey, closeError)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if renameError := os.Rename(temporaryArchivePath, store.blobPath(digest)); renameError != nil {
		return Entry{}, fmt.Errorf(saveErrorTemplate, trimmedKey, renameError)
	}

	entry := Entry{
		Key:       trimmedKey,
		Digest:    digest,
		Size:      counter.written,
		CreatedAt: store.now().UTC(),
		Path:      sourcePath,
	}
	if metadataError := store.writeEntry(entry); metadataError != nil {
		return Entry{}, fmt.Errorf(saveErrorTemplate, trimmedKey, metadataError)
	}

	store.logger.Info(saveCompletedMessage,
		zap.String(logFieldKey, entry.Key),
		zap.String(logFieldPath, sourcePath),
		zap.Int64(logFieldSize, entry.Size),
		zap.String(logFieldDigest, entry.Digest),
	)
	return entry, nil
}

// Lookup returns the entry recorded for key.
func (store *Store) Lookup(key string) (Entry, error) {
	if validationError := ValidateKey(key); validationError != nil {
		return Entry{}, validationError
	}
	return store.loadEntry(strings.TrimSpace(key))
}

// List returns every readable entry, newest first.
func (store *Store) List() ([]Entry, error) {
	directoryEntries, readError := os.ReadDir(store.keysDirectory())
	if readError != nil {
		return nil, fmt.Errorf(listErrorTemplate, readError)
	}

	entries := make([]Entry, 0, len(directoryEntries))
	for _, directoryEntry := range directoryEntries {
		if directoryEntry.IsDir() || !strings.HasSuffix(directoryEntry.Name(), entryFileExtension) {
			continue
		}
		entry, parseError := readEntryFile(filepath.Join(store.keysDirectory(), directoryEntry.Name()))
		if parseError != nil {
			store.logger.Warn(entryUnreadableMessage, zap.String(logFieldPath, directoryEntry.Name()), zap.Error(parseError))
			continue
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(left, right int) bool {
		if entries[left].CreatedAt.Equal(entries[right].CreatedAt) {
			return entries[left].Key < entries[right].Key
		}
		return entries[left].CreatedAt.After(entries[right].CreatedAt)
	})
	return entries, nil
}

// Remove deletes the entry for key.
func (store *Store) Remove(key string) error {
	if validationError := ValidateKey(key); validationError != nil {
		return validationError
	}
	trimmedKey := strings.TrimSpace(key)
	removeError := os.Remove(store.entryPath(trimmedKey))
	if errors.Is(removeError, fs.ErrNotExist) {
		return fmt.Errorf(removeErrorTemplate, trimmedKey, ErrEntryNotFound)
	}
	if removeError != nil {
		return fmt.Errorf(removeErrorTemplate, trimmedKey, removeError)
	}
	return store.collectGarbage()
}

// Prune removes entries older than maxAge and returns them.
func (store *Store) Prune(maxAge time.Duration) ([]Entry, error) {
	entries, listError := store.List()
	if listError != nil {
		return nil, listError
	}
	cutoff := store.now().Add(-maxAge)
	removed := make([]Entry, 0)
	for _, entry := range entries {
		if !entry.CreatedAt.Before(cutoff) {
			continue
		}
		if removeError := os.Remove(store.entryPath(entry.Key)); removeError != nil && !errors.Is(removeError, fs.ErrNotExist) {
			return removed, fmt.Errorf(removeErrorTemplate, entry.Key, removeError)
		}
		store.logger.Info(pruneRemovedMessage, zap.String(logFieldKey, entry.Key))
		removed = append(removed, entry)
	}
	return removed, store.collectGarbage()
}

// collectGarbage deletes archives no entry references once they are older than the grace period.
func (store *Store) collectGarbage() error {
	entries, listError := store.List()
	if listError != nil {
		return listError
	}
	referenced := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		referenced[entry.Digest+blobFileExtension] = struct{}{}
	}

	blobEntries, readError := os.ReadDir(store.blobsDirectory())
	if readError != nil {
		return readError
	}
	cutoff := store.now().Add(-orphanBlobGracePeriod)
	for _, blobEntry := range blobEntries {
		if _, inUse := referenced[blobEntry.Name()]; inUse {
			continue
		}
		info, infoError := blobEntry.Info()
		if infoError != nil || info.ModTime().After(cutoff) {
			continue
		}
		if removeError := os.Remove(filepath.Join(store.blobsDirectory(), blobEntry.Name())); removeError != nil && !errors.Is(removeError, fs.ErrNotExist) {
			return removeError
		}
	}
	return nil
}

func (store *Store) restoreEntry(executionContext context.Context, entry Entry, targetPath string) error {
	if contextError := executionContext.Err(); contextError != nil {
		return contextError
	}
	blobPath := store.blobPath(entry.Digest)
	if verifyError := verifyDigest(blobPath, entry.Digest); verifyError != nil {
		return verifyError
	}
	archive, openError := os.Open(blobPath)
	if openError != nil {
		return openError
	}
	defer archive.Close()
	return extractArchive(archive, targetPath)
}

func verifyDigest(blobPath string, expectedDigest string) error {
	archive, openError := os.Open(blobPath)
	if openError != nil {
		return openError
	}
	defer archive.Close()

	hasher := blake3.New()
	if _, copyError := io.Copy(hasher, archive); copyError != nil {
		return copyError
	}
	actualDigest := hex.EncodeToString(hasher.Sum(nil))
	if actualDigest != expectedDigest {
		return fmt.Errorf("%w: "+digestMismatchTemplate, ErrDigestMismatch, actualDigest, expectedDigest)
	}
	return nil
}

func (store *Store) loadEntry(key string) (Entry, error) {
	entry, readError := readEntryFile(store.entryPath(key))
	if errors.Is(readError, fs.ErrNotExist) {
		return Entry{}, ErrEntryNotFound
	}
	if readError != nil {
		return Entry{}, readError
	}
	return entry, nil
}

func readEntryFile(entryPath string) (Entry, error) {
	contents, readError := os.ReadFile(entryPath)
	if readError != nil {
		return Entry{}, readError
	}
	var entry Entry
	if decodeError := yaml.Unmarshal(contents, &entry); decodeError != nil {
		return Entry{}, decodeError
	}
	if entry.Key == "" || entry.Digest == "" {
		return Entry{}, fmt.Errorf("%w: incomplete metadata in %s", ErrEntryNotFound, entryPath)
	}
	return entry, nil
}

func (store *Store) writeEntry(entry Entry) error {
	contents, encodeError := yaml.Marshal(entry)
	if encodeError != nil {
		return encodeError
	}
	temporaryMetadata, createError := os.CreateTemp(store.temporaryDirectory(), temporaryMetadataPatternConstant)
	if createError != nil {
		return createError
	}
	temporaryMetadataPath := temporaryMetadata.Name()
	defer os.Remove(temporaryMetadataPath)

	_, writeError := temporaryMetadata.Write(contents)
	closeError := temporaryMetadata.Close()
	if writeError != nil {
		return writeError
	}
	if closeError != nil {
		return closeError
	}
	if chmodError := os.Chmod(temporaryMetadataPath, storeFilePermissions); chmodError != nil {
		return chmodError
	}
	return os.Rename(temporaryMetadataPath, store.entryPath(entry.Key))
}

func (store *Store) logRestoreHit(entry Entry, targetPath string, exact bool) {
	store.logger.Info(restoreHitMessage,
		zap.String(logFieldMatchedKey, entry.Key),
		zap.String(logFieldPath, targetPath),
		zap.Bool(logFieldExact, exact),
		zap.Int64(logFieldSize, entry.Size),
	)
}

func (store *Store) logCorruptEntry(entry Entry, cause error) {
	store.logger.Warn(restoreCorruptEntryMessage, zap.String(logFieldKey, entry.Key), zap.Error(cause))
}

func (store *Store) keysDirectory() string {
	return filepath.Join(store.rootDirectory, keysDirectoryName)
}

func (store *Store) blobsDirectory() string {
	return filepath.Join(store.rootDirectory, blobsDirectoryName)
}

func (store *Store) temporaryDirectory() string {
	return filepath.Join(store.rootDirectory, temporaryDirectoryName)
}

func (store *Store) entryPath(key string) string {
	keyDigest := sha256.Sum256([]byte(key))
	return filepath.Join(store.keysDirectory(), hex.EncodeToString(keyDigest[:])+entryFileExtension)
}

func (store *Store) blobPath(digest string) string {
	return filepath.Join(store.blobsDirectory(), digest+blobFileExtension)
}

type countingWriter struct {
	written int64
}

func (writer *countingWriter) Write(data []byte) (int, error) {
	writer.written += int64(len(data))
	return len(data), nil
}
