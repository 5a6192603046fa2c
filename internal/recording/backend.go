package recording

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Backend stores finished recording blobs. Path is a forward-slash relative
// key (YYYY/MM/DD/id.ext); backends map it to their own layout. Delete
// tolerates already-missing blobs.
type Backend interface {
	Store(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
	Name() string
}

// StorageConfig selects and parameterizes the blob store.
type StorageConfig struct {
	Kind    string // local | s3 | gcs | azure | ftp
	Dir     string // local backend root
	Bucket  string // s3/gcs bucket or azure container
	FTPAddr string
	FTPUser string
	FTPPass string
}

// NewBackend builds the Backend named by cfg.Kind.
func NewBackend(ctx context.Context, cfg StorageConfig) (Backend, error) {
	switch cfg.Kind {
	case "", "local":
		return NewLocalBackend(cfg.Dir)
	case "s3":
		return NewS3Backend(ctx, cfg.Bucket)
	case "gcs":
		return NewGCSBackend(ctx, cfg.Bucket)
	case "azure":
		return NewAzureBackend(cfg.Bucket)
	case "ftp":
		return NewFTPBackend(cfg.FTPAddr, cfg.FTPUser, cfg.FTPPass)
	default:
		return nil, fmt.Errorf("unknown recording backend %q", cfg.Kind)
	}
}

// localBackend writes blobs under a root directory. Files land via a
// temp-file rename so readers never observe partial writes.
type localBackend struct {
	root string
}

// NewLocalBackend returns a Backend rooted at dir, creating it if needed.
func NewLocalBackend(dir string) (Backend, error) {
	if dir == "" {
		return nil, errors.New("recording dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating recording dir: %w", err)
	}
	return &localBackend{root: dir}, nil
}

func (b *localBackend) Name() string { return "local" }

func (b *localBackend) Store(_ context.Context, path string, data []byte) error {
	full := filepath.Join(b.root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("creating recording subdir: %w", err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing recording: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("placing recording: %w", err)
	}
	return nil
}

func (b *localBackend) Delete(_ context.Context, path string) error {
	full := filepath.Join(b.root, filepath.FromSlash(path))
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing recording: %w", err)
	}
	return nil
}
