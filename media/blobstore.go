package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/OMAR3lwafi/video-api-sub001/core"
)

// BlobStoreConfig locates the local artifact store.
type BlobStoreConfig struct {
	// OutputDir is the directory artifacts are copied into.
	OutputDir string
	// Bucket is the logical bucket name reported on uploads.
	Bucket string
	// BaseURL prefixes the public URL of each artifact.
	BaseURL string

	Logger core.Logger
}

// LocalBlobStore stores artifacts on the local filesystem behind the
// same interface an object store would present.
type LocalBlobStore struct {
	config BlobStoreConfig
	logger core.Logger
}

// NewLocalBlobStore creates the store and its output directory.
func NewLocalBlobStore(config BlobStoreConfig) (*LocalBlobStore, error) {
	if config.OutputDir == "" {
		return nil, fmt.Errorf("%w: blob store needs an output directory", core.ErrValidation)
	}
	if config.Bucket == "" {
		config.Bucket = "videoapi-artifacts"
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	logger := config.Logger
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("media")
	}
	if err := os.MkdirAll(config.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &LocalBlobStore{config: config, logger: logger}, nil
}

// UploadVideo copies a rendered file into the store under a fresh key.
func (s *LocalBlobStore) UploadVideo(ctx context.Context, path string) (*core.UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer src.Close()

	key := uuid.NewString() + filepath.Ext(path)
	destPath := filepath.Join(s.config.OutputDir, key)
	dest, err := os.Create(destPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact: %w", err)
	}

	size, err := io.Copy(dest, src)
	if cerr := dest.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(destPath)
		return nil, fmt.Errorf("failed to store artifact: %w", err)
	}

	result := &core.UploadResult{
		Bucket:    s.config.Bucket,
		Key:       key,
		URL:       strings.TrimSuffix(s.config.BaseURL, "/") + "/" + key,
		SizeBytes: size,
	}
	s.logger.Info("Artifact stored", map[string]interface{}{
		"operation":  "upload",
		"bucket":     result.Bucket,
		"key":        result.Key,
		"size_bytes": result.SizeBytes,
	})
	return result, nil
}

// HealthCheck verifies the output directory is writable.
func (s *LocalBlobStore) HealthCheck(ctx context.Context) error {
	probe, err := os.CreateTemp(s.config.OutputDir, ".probe-*")
	if err != nil {
		return fmt.Errorf("%w: output directory not writable: %v", core.ErrServiceUnavailable, err)
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}
