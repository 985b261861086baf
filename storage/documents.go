package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const maxDocumentBytes int64 = 100 * 1024 * 1024

// DocumentStorage keeps uploaded source documents in MinIO/S3 so the
// ingestion workers can fetch them by object key.
type DocumentStorage struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewDocumentStorageFromEnv initialises DocumentStorage using MINIO_*
// environment variables. It returns (nil, nil) when the integration is not
// configured, in which case file source kinds are rejected up front.
func NewDocumentStorageFromEnv() (*DocumentStorage, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}

	publicURL := strings.TrimSpace(os.Getenv("MINIO_PUBLIC_URL"))
	if publicURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	return &DocumentStorage{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}, nil
}

// SaveUpload stores one uploaded file for a source. Plain documents become a
// single object; zip/rar archives are unpacked and every document entry is
// stored individually. It returns the object keys written.
func (s *DocumentStorage) SaveUpload(ctx context.Context, fileHeader *multipart.FileHeader, teamID, botID uint64) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("storage: document storage is not configured")
	}
	if fileHeader == nil {
		return nil, errors.New("storage: file not provided")
	}
	if fileHeader.Size > 0 && fileHeader.Size > maxDocumentBytes {
		return nil, fmt.Errorf("storage: file size exceeds %d bytes", maxDocumentBytes)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("storage: open upload: %w", err)
	}
	defer src.Close()

	tmpFile, err := os.CreateTemp("", "docsbot-upload-*")
	if err != nil {
		return nil, fmt.Errorf("storage: create temp file: %w", err)
	}
	defer func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}()

	written, err := io.Copy(tmpFile, io.LimitReader(src, maxDocumentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("storage: copy upload: %w", err)
	}
	if written > maxDocumentBytes {
		return nil, fmt.Errorf("storage: file size exceeds %d bytes", maxDocumentBytes)
	}

	folder := path.Join("sources", fmt.Sprintf("%d", teamID), fmt.Sprintf("%d", botID), uuid.NewString())

	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("storage: rewind temp file: %w", err)
	}
	format, err := detectArchiveFormat(tmpFile, fileHeader.Filename)
	if err != nil && !errors.Is(err, errNotAnArchive) {
		return nil, err
	}
	if err == nil {
		keys, extractErr := s.saveArchive(ctx, tmpFile, written, format, folder)
		if extractErr != nil {
			s.removeAll(ctx, keys)
			return nil, extractErr
		}
		return keys, nil
	}

	if !isDocumentPath(fileHeader.Filename) {
		return nil, fmt.Errorf("storage: unsupported document type %q", filepath.Ext(fileHeader.Filename))
	}

	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("storage: rewind temp file: %w", err)
	}
	key := path.Join(folder, path.Base(filepath.ToSlash(fileHeader.Filename)))
	if err := s.putObject(ctx, key, tmpFile, written); err != nil {
		return nil, err
	}
	return []string{key}, nil
}

// Remove deletes the given object keys. Missing objects are ignored.
func (s *DocumentStorage) Remove(ctx context.Context, keys []string) error {
	if s == nil || s.client == nil {
		return nil
	}

	var firstErr error
	for _, key := range keys {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" {
			continue
		}
		removeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.client.RemoveObject(removeCtx, s.bucket, trimmed, minio.RemoveObjectOptions{})
		cancel()
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("storage: remove object %s: %w", trimmed, err)
		}
	}
	return firstErr
}

// ObjectURL returns the public URL for a stored object key.
func (s *DocumentStorage) ObjectURL(key string) string {
	if s == nil {
		return ""
	}
	trimmed := strings.TrimPrefix(strings.TrimSpace(key), "/")
	if trimmed == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s/%s", s.publicURL, s.bucket, trimmed)
}

func (s *DocumentStorage) putObject(ctx context.Context, key string, reader io.Reader, size int64) error {
	uploadCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	_, err := s.client.PutObject(uploadCtx, s.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentTypeForPath(key),
	})
	if err != nil {
		return fmt.Errorf("storage: upload object %s: %w", key, err)
	}
	return nil
}

// removeAll rolls back partially uploaded archive entries, best effort.
func (s *DocumentStorage) removeAll(ctx context.Context, keys []string) {
	_ = s.Remove(ctx, keys)
}

func isDocumentPath(name string) bool {
	switch strings.ToLower(strings.TrimSpace(filepath.Ext(name))) {
	case ".pdf", ".txt", ".md", ".markdown", ".html", ".htm", ".doc", ".docx", ".csv":
		return true
	default:
		return false
	}
}

func contentTypeForPath(name string) string {
	switch strings.ToLower(strings.TrimSpace(filepath.Ext(name))) {
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	case ".md", ".markdown":
		return "text/markdown"
	case ".html", ".htm":
		return "text/html"
	case ".csv":
		return "text/csv"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	default:
		return "application/octet-stream"
	}
}
