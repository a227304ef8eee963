// Package uploads stores chat attachments (images, videos, plain files):
// bytes on disk under an opaque uuid name, metadata in sqlite.
package uploads

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"huddle/server/internal/store"
)

const defaultContentType = "application/octet-stream"

// Kinds accepted by Put.
const (
	KindImage = "image"
	KindVideo = "video"
	KindFile  = "file"
)

// Store coordinates attachment bytes on disk with metadata in sqlite.
type Store struct {
	rootDir string
	meta    *store.Store
}

// PutInput contains the data required to write one attachment.
type PutInput struct {
	Kind         string
	OriginalName string
	ContentType  string
	UploaderName string
	Reader       io.Reader
}

// OpenResult is an upload metadata + opened file stream tuple.
type OpenResult struct {
	Metadata store.UploadMetadata
	File     *os.File
}

// NewStore creates an upload store rooted at rootDir.
func NewStore(rootDir string, meta *store.Store) (*Store, error) {
	rootDir = strings.TrimSpace(rootDir)
	if rootDir == "" {
		return nil, fmt.Errorf("upload root directory is required")
	}
	if meta == nil {
		return nil, fmt.Errorf("sqlite metadata store is required")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	slog.Debug("upload store initialized", "dir", rootDir)
	return &Store{rootDir: rootDir, meta: meta}, nil
}

// Put writes bytes to disk as an opaque uuid-named file and stores metadata
// in sqlite.
func (s *Store) Put(ctx context.Context, input PutInput) (store.UploadMetadata, error) {
	if input.Reader == nil {
		return store.UploadMetadata{}, fmt.Errorf("upload reader is required")
	}
	kind := strings.TrimSpace(input.Kind)
	switch kind {
	case "":
		kind = KindFile
	case KindImage, KindVideo, KindFile:
	default:
		return store.UploadMetadata{}, fmt.Errorf("unsupported upload kind %q", kind)
	}
	originalName := strings.TrimSpace(input.OriginalName)
	if originalName == "" {
		return store.UploadMetadata{}, fmt.Errorf("upload original name is required")
	}
	contentType := strings.TrimSpace(input.ContentType)
	if contentType == "" {
		contentType = defaultContentType
	}

	uid, err := uuid.NewV4()
	if err != nil {
		return store.UploadMetadata{}, fmt.Errorf("generate upload id: %w", err)
	}
	id := uid.String()

	tempFile, err := os.CreateTemp(s.rootDir, ".upload-write-*")
	if err != nil {
		return store.UploadMetadata{}, fmt.Errorf("create temp upload file: %w", err)
	}
	tempPath := tempFile.Name()

	size, copyErr := io.Copy(tempFile, input.Reader)
	closeErr := tempFile.Close()
	if copyErr != nil {
		_ = os.Remove(tempPath)
		return store.UploadMetadata{}, fmt.Errorf("write upload bytes: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tempPath)
		return store.UploadMetadata{}, fmt.Errorf("close upload file: %w", closeErr)
	}

	finalPath := filepath.Join(s.rootDir, id)
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return store.UploadMetadata{}, fmt.Errorf("move upload into place: %w", err)
	}

	meta := store.UploadMetadata{
		ID:           id,
		Kind:         kind,
		OriginalName: originalName,
		ContentType:  contentType,
		UploaderName: strings.TrimSpace(input.UploaderName),
		DiskName:     id,
		SizeBytes:    size,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.meta.CreateUpload(ctx, meta); err != nil {
		_ = os.Remove(finalPath)
		return store.UploadMetadata{}, fmt.Errorf("persist upload metadata: %w", err)
	}

	slog.Info("upload stored", "upload_id", id, "name", originalName, "kind", kind, "size", size)
	return meta, nil
}

// Open resolves upload metadata in sqlite and opens its on-disk file.
func (s *Store) Open(ctx context.Context, id string) (OpenResult, error) {
	meta, err := s.meta.UploadByID(ctx, id)
	if err != nil {
		return OpenResult{}, err
	}

	path := filepath.Join(s.rootDir, meta.DiskName)
	f, err := os.Open(path)
	if err != nil {
		slog.Error("upload file open failed", "upload_id", id, "path", path, "err", err)
		return OpenResult{}, fmt.Errorf("open upload file: %w", err)
	}

	return OpenResult{Metadata: meta, File: f}, nil
}
