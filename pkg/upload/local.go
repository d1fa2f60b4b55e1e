package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// FileUploader writes the archive below a local directory instead of a
// remote server. It backs --output-file dry runs.
type FileUploader struct {
	log  logrus.FieldLogger
	root string
	opts StreamOptions
}

// Compile-time interface check.
var _ Uploader = (*FileUploader)(nil)

// NewFileUploader resolves upload directories relative to root.
func NewFileUploader(log logrus.FieldLogger, root string, opts StreamOptions) *FileUploader {
	return &FileUploader{
		log:  log.WithField("component", "file-uploader"),
		root: root,
		opts: opts,
	}
}

// Preflight checks that root is a writable directory, creating it if needed.
func (u *FileUploader) Preflight(_ context.Context) error {
	if err := os.MkdirAll(u.root, 0o755); err != nil {
		return fmt.Errorf("%w: creating %s: %w", ErrDirectoryCreation, u.root, err)
	}

	return nil
}

// Upload streams produce into root/dir/name.
func (u *FileUploader) Upload(ctx context.Context, dir, name string, produce ProduceFunc) (int64, error) {
	target := filepath.Join(u.root, filepath.FromSlash(dir))

	if err := os.MkdirAll(target, 0o755); err != nil {
		return 0, fmt.Errorf("%w: creating %s: %w", ErrDirectoryCreation, target, err)
	}

	sink, err := NewFileSink(filepath.Join(target, name))
	if err != nil {
		return 0, err
	}

	n, err := Stream(ctx, produce, sink, u.opts)
	if err != nil {
		return n, err
	}

	u.log.WithFields(logrus.Fields{
		"path":  filepath.Join(target, name),
		"bytes": n,
	}).Info("Archive written")

	return n, nil
}

// Close is a no-op.
func (u *FileUploader) Close() error {
	return nil
}
