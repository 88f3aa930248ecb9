package policystore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/tee-admission-node/interfaces"
)

// FileBackend persists the record to a single local file. Saves go
// through a temp file in the same directory followed by a rename, so a
// crash leaves either the old record or the new one, never a torn write.
type FileBackend struct {
	path        string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a file storage backend at the given path,
// creating parent directories as needed.
func NewFileBackend(path string, log *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	return &FileBackend{
		path:        path,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", path),
	}, nil
}

// Load reads the record file. Returns ErrStoreMissing if it does not
// exist.
func (b *FileBackend) Load(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil, interfaces.ErrStoreMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}

	b.log.Debug("Read policy store record", slog.String("path", b.path), slog.Int("size", len(data)))
	return data, nil
}

// Save writes the record atomically via temp file and rename.
func (b *FileBackend) Save(ctx context.Context, data []byte) error {
	dir := filepath.Dir(b.path)

	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp record: %w", err)
	}
	tmpPath := tmp.Name()

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set record permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write record: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync record: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close record: %w", err)
	}

	if err := os.Rename(tmpPath, b.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace record: %w", err)
	}

	b.log.Debug("Wrote policy store record", slog.String("path", b.path), slog.Int("size", len(data)))
	return nil
}

// Exists reports whether the record file is present.
func (b *FileBackend) Exists(ctx context.Context) (bool, error) {
	_, err := os.Stat(b.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Name returns a unique identifier for this backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.path))
}

// LocationURI returns the URI that identifies this backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}
