package storage

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	rardecode "github.com/nwaples/rardecode/v2"
)

const (
	archiveFormatZip = "zip"
	archiveFormatRar = "rar"
)

var errNotAnArchive = errors.New("storage: not a recognised archive")

// saveArchive unpacks a zip/rar bundle of documents and uploads each
// document entry under the given folder. Non-document entries are skipped.
func (s *DocumentStorage) saveArchive(ctx context.Context, tmpFile *os.File, size int64, format string, folder string) ([]string, error) {
	switch format {
	case archiveFormatZip:
		return s.extractZip(ctx, tmpFile, size, folder)
	case archiveFormatRar:
		return s.extractRar(ctx, tmpFile.Name(), folder)
	default:
		return nil, fmt.Errorf("storage: unsupported archive format %q", format)
	}
}

func (s *DocumentStorage) extractZip(ctx context.Context, tmpFile *os.File, size int64, folder string) ([]string, error) {
	reader, err := zip.NewReader(tmpFile, size)
	if err != nil {
		return nil, fmt.Errorf("storage: parse zip archive: %w", err)
	}

	var keys []string
	for _, file := range reader.File {
		sanitized, err := sanitizeArchiveEntry(file.Name)
		if err != nil {
			return keys, err
		}
		if sanitized == "" || file.FileInfo().IsDir() || !isDocumentPath(sanitized) {
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return keys, fmt.Errorf("storage: open zip entry %s: %w", sanitized, err)
		}

		var buffer bytes.Buffer
		written, err := io.Copy(&buffer, io.LimitReader(rc, maxDocumentBytes+1))
		rc.Close()
		if err != nil {
			return keys, fmt.Errorf("storage: read zip entry %s: %w", sanitized, err)
		}
		if written > maxDocumentBytes {
			return keys, fmt.Errorf("storage: zip entry %s exceeds %d bytes", sanitized, maxDocumentBytes)
		}

		key := path.Join(folder, sanitized)
		if err := s.putObject(ctx, key, bytes.NewReader(buffer.Bytes()), written); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}

	if len(keys) == 0 {
		return nil, errors.New("storage: archive contains no supported documents")
	}
	return keys, nil
}

func (s *DocumentStorage) extractRar(ctx context.Context, tmpPath string, folder string) ([]string, error) {
	f, err := os.Open(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("storage: reopen temp archive: %w", err)
	}
	defer f.Close()

	rr, err := rardecode.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("storage: parse rar archive: %w", err)
	}

	var keys []string
	for {
		header, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return keys, fmt.Errorf("storage: read rar entry: %w", err)
		}

		sanitized, err := sanitizeArchiveEntry(header.Name)
		if err != nil {
			return keys, err
		}
		if sanitized == "" || header.IsDir || !isDocumentPath(sanitized) {
			if !header.IsDir {
				if _, err := io.Copy(io.Discard, rr); err != nil {
					return keys, fmt.Errorf("storage: discard rar entry: %w", err)
				}
			}
			continue
		}

		var buffer bytes.Buffer
		written, err := io.Copy(&buffer, io.LimitReader(rr, maxDocumentBytes+1))
		if err != nil {
			return keys, fmt.Errorf("storage: read rar entry %s: %w", sanitized, err)
		}
		if written > maxDocumentBytes {
			return keys, fmt.Errorf("storage: rar entry %s exceeds %d bytes", sanitized, maxDocumentBytes)
		}

		key := path.Join(folder, sanitized)
		if err := s.putObject(ctx, key, bytes.NewReader(buffer.Bytes()), written); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}

	if len(keys) == 0 {
		return nil, errors.New("storage: archive contains no supported documents")
	}
	return keys, nil
}

// detectArchiveFormat sniffs the upload by extension first, then by magic
// bytes. It returns errNotAnArchive for plain documents.
func detectArchiveFormat(file *os.File, originalName string) (string, error) {
	ext := strings.ToLower(strings.TrimSpace(filepath.Ext(originalName)))
	switch ext {
	case ".zip":
		return archiveFormatZip, nil
	case ".rar":
		return archiveFormatRar, nil
	}

	var header [8]byte
	n, err := file.ReadAt(header[:], 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("storage: read archive header: %w", err)
	}
	headerSlice := header[:n]

	if len(headerSlice) >= 4 && bytes.Equal(headerSlice[:4], []byte{0x50, 0x4b, 0x03, 0x04}) {
		return archiveFormatZip, nil
	}
	if len(headerSlice) >= 7 && bytes.Equal(headerSlice[:7], []byte{0x52, 0x61, 0x72, 0x21, 0x1a, 0x07, 0x01}) {
		return archiveFormatRar, nil
	}
	if len(headerSlice) >= 6 && bytes.Equal(headerSlice[:6], []byte{0x52, 0x61, 0x72, 0x21, 0x1a, 0x07}) {
		return archiveFormatRar, nil
	}

	return "", errNotAnArchive
}

func sanitizeArchiveEntry(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", nil
	}

	normalized := strings.ReplaceAll(trimmed, "\\", "/")
	normalized = path.Clean(normalized)
	normalized = strings.TrimPrefix(normalized, "./")
	if normalized == "." || normalized == "" {
		return "", nil
	}
	if strings.HasPrefix(normalized, "../") {
		return "", fmt.Errorf("storage: archive entry %q uses parent traversal", name)
	}
	if strings.HasPrefix(strings.ToLower(normalized), "__macosx/") {
		return "", nil
	}
	return normalized, nil
}
