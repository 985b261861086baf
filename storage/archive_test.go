package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, name string, content []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	file, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = file.Close() })
	return file
}

func TestDetectArchiveFormatByExtension(t *testing.T) {
	file := writeTempFile(t, "bundle.bin", []byte("whatever"))

	format, err := detectArchiveFormat(file, "docs.zip")
	require.NoError(t, err)
	assert.Equal(t, archiveFormatZip, format)

	format, err = detectArchiveFormat(file, "docs.RAR")
	require.NoError(t, err)
	assert.Equal(t, archiveFormatRar, format)
}

func TestDetectArchiveFormatByMagicBytes(t *testing.T) {
	zipFile := writeTempFile(t, "nameless", []byte{0x50, 0x4b, 0x03, 0x04, 0x00, 0x00})
	format, err := detectArchiveFormat(zipFile, "nameless")
	require.NoError(t, err)
	assert.Equal(t, archiveFormatZip, format)

	rarFile := writeTempFile(t, "nameless5", []byte{0x52, 0x61, 0x72, 0x21, 0x1a, 0x07, 0x01, 0x00})
	format, err = detectArchiveFormat(rarFile, "nameless5")
	require.NoError(t, err)
	assert.Equal(t, archiveFormatRar, format)
}

func TestDetectArchiveFormatPlainDocument(t *testing.T) {
	file := writeTempFile(t, "guide.pdf", []byte("%PDF-1.7 fake"))
	_, err := detectArchiveFormat(file, "guide.pdf")
	assert.True(t, errors.Is(err, errNotAnArchive))
}

func TestSanitizeArchiveEntry(t *testing.T) {
	clean, err := sanitizeArchiveEntry("docs/intro.md")
	require.NoError(t, err)
	assert.Equal(t, "docs/intro.md", clean)

	clean, err = sanitizeArchiveEntry("docs\\windows\\intro.md")
	require.NoError(t, err)
	assert.Equal(t, "docs/windows/intro.md", clean)

	_, err = sanitizeArchiveEntry("../../etc/passwd")
	assert.Error(t, err)

	clean, err = sanitizeArchiveEntry("__MACOSX/._intro.md")
	require.NoError(t, err)
	assert.Empty(t, clean)

	clean, err = sanitizeArchiveEntry("   ")
	require.NoError(t, err)
	assert.Empty(t, clean)
}

func TestIsDocumentPath(t *testing.T) {
	assert.True(t, isDocumentPath("guide.pdf"))
	assert.True(t, isDocumentPath("notes.MD"))
	assert.True(t, isDocumentPath("export.csv"))
	assert.False(t, isDocumentPath("binary.exe"))
	assert.False(t, isDocumentPath("archive.zip"))
	assert.False(t, isDocumentPath("noextension"))
}

func TestContentTypeForPath(t *testing.T) {
	assert.Equal(t, "application/pdf", contentTypeForPath("a.pdf"))
	assert.Equal(t, "text/markdown", contentTypeForPath("a.markdown"))
	assert.Equal(t, "application/octet-stream", contentTypeForPath("a.bin"))
}
