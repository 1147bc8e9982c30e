package cache

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	archiveWalkErrorTemplate            = "failed to archive %s: %w"
	archiveUnsafeEntryTemplate          = "archive entry %q escapes the restore directory"
	archiveUnsupportedEntryTypeTemplate = "archive entry %q has unsupported type %c"
	archiveSourceNotDirectoryTemplate   = "cache path %s is not a directory"
	archiveDirectoryPermissionsConstant = 0o755
	archiveExtractionErrorTemplate      = "failed to extract archive entry %q: %w"
	archiveEncoderInitErrorTemplate     = "failed to initialize zstd encoder: %w"
	archiveDecoderInitErrorTemplate     = "failed to initialize zstd decoder: %w"
)

// ErrUnsafeArchiveEntry indicates an archive entry resolving outside the restore directory.
var ErrUnsafeArchiveEntry = errors.New("unsafe archive entry")

// writeArchive streams the contents of sourceDirectory as a zstd-compressed tar into destination.
func writeArchive(destination io.Writer, sourceDirectory string) error {
	sourceInfo, statError := os.Stat(sourceDirectory)
	if statError != nil {
		return statError
	}
	if !sourceInfo.IsDir() {
		return fmt.Errorf(archiveSourceNotDirectoryTemplate, sourceDirectory)
	}

	encoder, encoderError := zstd.NewWriter(destination, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if encoderError != nil {
		return fmt.Errorf(archiveEncoderInitErrorTemplate, encoderError)
	}
	tarWriter := tar.NewWriter(encoder)

	walkError := filepath.WalkDir(sourceDirectory, func(currentPath string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		relativePath, relativeError := filepath.Rel(sourceDirectory, currentPath)
		if relativeError != nil {
			return relativeError
		}
		if relativePath == "." {
			return nil
		}

		info, infoError := entry.Info()
		if infoError != nil {
			return infoError
		}

		linkTarget := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			target, readLinkError := os.Readlink(currentPath)
			if readLinkError != nil {
				return readLinkError
			}
			linkTarget = target
		}

		header, headerError := tar.FileInfoHeader(info, linkTarget)
		if headerError != nil {
			return headerError
		}
		header.Name = filepath.ToSlash(relativePath)
		if info.IsDir() {
			header.Name += "/"
		}
		header.Uname = ""
		header.Gname = ""

		if writeHeaderError := tarWriter.WriteHeader(header); writeHeaderError != nil {
			return writeHeaderError
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		file, openError := os.Open(currentPath)
		if openError != nil {
			return openError
		}
		_, copyError := io.Copy(tarWriter, file)
		closeError := file.Close()
		if copyError != nil {
			return copyError
		}
		return closeError
	})
	if walkError != nil {
		_ = tarWriter.Close()
		_ = encoder.Close()
		return fmt.Errorf(archiveWalkErrorTemplate, sourceDirectory, walkError)
	}

	if closeError := tarWriter.Close(); closeError != nil {
		_ = encoder.Close()
		return closeError
	}
	return encoder.Close()
}

// extractArchive unpacks a zstd-compressed tar from source into targetDirectory.
func extractArchive(source io.Reader, targetDirectory string) error {
	decoder, decoderError := zstd.NewReader(source)
	if decoderError != nil {
		return fmt.Errorf(archiveDecoderInitErrorTemplate, decoderError)
	}
	defer decoder.Close()

	if mkdirError := os.MkdirAll(targetDirectory, archiveDirectoryPermissionsConstant); mkdirError != nil {
		return mkdirError
	}
	absoluteTarget, absoluteError := filepath.Abs(targetDirectory)
	if absoluteError != nil {
		return absoluteError
	}
	resolvedTarget, resolvedError := filepath.EvalSymlinks(absoluteTarget)
	if resolvedError != nil {
		return resolvedError
	}

	tarReader := tar.NewReader(decoder)
	for {
		header, nextError := tarReader.Next()
		if errors.Is(nextError, io.EOF) {
			return nil
		}
		if errors.Is(nextError, tar.ErrInsecurePath) {
			return fmt.Errorf("%w: %v", ErrUnsafeArchiveEntry, nextError)
		}
		if nextError != nil {
			return nextError
		}

		destinationPath, resolveError := resolveArchivePath(absoluteTarget, header.Name)
		if resolveError != nil {
			return resolveError
		}
		if containmentError := ensureParentWithinRoot(resolvedTarget, destinationPath); containmentError != nil {
			return fmt.Errorf("%w: "+archiveUnsafeEntryTemplate, ErrUnsafeArchiveEntry, header.Name)
		}

		if extractError := extractEntry(tarReader, header, destinationPath); extractError != nil {
			return fmt.Errorf(archiveExtractionErrorTemplate, header.Name, extractError)
		}
	}
}

func resolveArchivePath(absoluteTarget string, entryName string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(entryName))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: "+archiveUnsafeEntryTemplate, ErrUnsafeArchiveEntry, entryName)
	}
	return filepath.Join(absoluteTarget, cleaned), nil
}

// ensureParentWithinRoot resolves the deepest existing ancestor of destinationPath and requires
// it to stay inside resolvedRoot, so earlier symlink entries cannot redirect later writes.
func ensureParentWithinRoot(resolvedRoot string, destinationPath string) error {
	ancestor := filepath.Dir(destinationPath)
	for {
		if _, statError := os.Lstat(ancestor); statError == nil {
			break
		} else if !errors.Is(statError, fs.ErrNotExist) {
			return statError
		}
		parent := filepath.Dir(ancestor)
		if parent == ancestor {
			return fs.ErrNotExist
		}
		ancestor = parent
	}
	resolvedAncestor, resolveError := filepath.EvalSymlinks(ancestor)
	if resolveError != nil {
		return resolveError
	}
	relative, relativeError := filepath.Rel(resolvedRoot, resolvedAncestor)
	if relativeError != nil || relative == ".." || strings.HasPrefix(relative, ".."+string(filepath.Separator)) {
		return ErrUnsafeArchiveEntry
	}
	return nil
}

func extractEntry(tarReader *tar.Reader, header *tar.Header, destinationPath string) error {
	mode := header.FileInfo().Mode()
	switch header.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(destinationPath, mode.Perm()|0o700)
	case tar.TypeReg:
		if mkdirError := os.MkdirAll(filepath.Dir(destinationPath), archiveDirectoryPermissionsConstant); mkdirError != nil {
			return mkdirError
		}
		_ = os.Remove(destinationPath)
		file, createError := os.OpenFile(destinationPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
		if createError != nil {
			return createError
		}
		_, copyError := io.Copy(file, tarReader)
		closeError := file.Close()
		if copyError != nil {
			return copyError
		}
		if closeError != nil {
			return closeError
		}
		return os.Chtimes(destinationPath, header.ModTime, header.ModTime)
	case tar.TypeSymlink:
		if mkdirError := os.MkdirAll(filepath.Dir(destinationPath), archiveDirectoryPermissionsConstant); mkdirError != nil {
			return mkdirError
		}
		_ = os.Remove(destinationPath)
		return os.Symlink(header.Linkname, destinationPath)
	default:
		return fmt.Errorf(archiveUnsupportedEntryTypeTemplate, header.Name, header.Typeflag)
	}
}
