package cache

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func buildArchive(testInstance *testing.T, entryName string, contents string) []byte {
	testInstance.Helper()
	var buffer bytes.Buffer
	encoder, encoderError := zstd.NewWriter(&buffer)
	require.NoError(testInstance, encoderError)
	tarWriter := tar.NewWriter(encoder)
	require.NoError(testInstance, tarWriter.WriteHeader(&tar.Header{
		Name:     entryName,
		Mode:     0o644,
		Size:     int64(len(contents)),
		Typeflag: tar.TypeReg,
	}))
	_, writeError := tarWriter.Write([]byte(contents))
	require.NoError(testInstance, writeError)
	require.NoError(testInstance, tarWriter.Close())
	require.NoError(testInstance, encoder.Close())
	return buffer.Bytes()
}

func TestExtractArchiveRejectsEscapingEntries(testInstance *testing.T) {
	for _, entryName := range []string{"../evil.txt", "nested/../../evil.txt"} {
		testInstance.Run(entryName, func(testInstance *testing.T) {
			targetDirectory := filepath.Join(testInstance.TempDir(), "target")
			extractError := extractArchive(bytes.NewReader(buildArchive(testInstance, entryName, "x")), targetDirectory)
			require.ErrorIs(testInstance, extractError, ErrUnsafeArchiveEntry)
			_, statError := os.Stat(filepath.Join(filepath.Dir(targetDirectory), "evil.txt"))
			require.True(testInstance, os.IsNotExist(statError))
		})
	}
}

func TestExtractArchiveRejectsWritesThroughSymlinks(testInstance *testing.T) {
	outsideDirectory := testInstance.TempDir()
	var buffer bytes.Buffer
	encoder, encoderError := zstd.NewWriter(&buffer)
	require.NoError(testInstance, encoderError)
	tarWriter := tar.NewWriter(encoder)
	require.NoError(testInstance, tarWriter.WriteHeader(&tar.Header{Name: "link", Linkname: outsideDirectory, Mode: 0o777, Typeflag: tar.TypeSymlink}))
	require.NoError(testInstance, tarWriter.WriteHeader(&tar.Header{Name: "link/escaped.txt", Mode: 0o644, Size: 1, Typeflag: tar.TypeReg}))
	_, writeError := tarWriter.Write([]byte("x"))
	require.NoError(testInstance, writeError)
	require.NoError(testInstance, tarWriter.Close())
	require.NoError(testInstance, encoder.Close())

	targetDirectory := filepath.Join(testInstance.TempDir(), "target")
	extractError := extractArchive(&buffer, targetDirectory)
	require.ErrorIs(testInstance, extractError, ErrUnsafeArchiveEntry)
	_, statError := os.Stat(filepath.Join(outsideDirectory, "escaped.txt"))
	require.True(testInstance, os.IsNotExist(statError))
}

func TestArchiveRoundTripKeepsSymlinksAndModes(testInstance *testing.T) {
	sourceDirectory := testInstance.TempDir()
	require.NoError(testInstance, os.MkdirAll(filepath.Join(sourceDirectory, "bin"), 0o755))
	require.NoError(testInstance, os.WriteFile(filepath.Join(sourceDirectory, "bin", "tool"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(testInstance, os.Symlink("bin/tool", filepath.Join(sourceDirectory, "tool-link")))

	var buffer bytes.Buffer
	require.NoError(testInstance, writeArchive(&buffer, sourceDirectory))

	targetDirectory := filepath.Join(testInstance.TempDir(), "restored")
	require.NoError(testInstance, extractArchive(&buffer, targetDirectory))

	info, statError := os.Stat(filepath.Join(targetDirectory, "bin", "tool"))
	require.NoError(testInstance, statError)
	require.Equal(testInstance, os.FileMode(0o755), info.Mode().Perm())

	linkTarget, linkError := os.Readlink(filepath.Join(targetDirectory, "tool-link"))
	require.NoError(testInstance, linkError)
	require.Equal(testInstance, "bin/tool", linkTarget)
}

func TestWriteArchiveRequiresDirectory(testInstance *testing.T) {
	filePath := filepath.Join(testInstance.TempDir(), "file.txt")
	require.NoError(testInstance, os.WriteFile(filePath, []byte("x"), 0o644))
	require.Error(testInstance, writeArchive(&bytes.Buffer{}, filePath))
}
