package upload

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
)

// sftpFS adapts *sftp.Client to RemoteFS.
type sftpFS struct {
	client *sftp.Client
}

// Compile-time interface check.
var _ RemoteFS = (*sftpFS)(nil)

// NewSFTPFS wraps an established SFTP client.
func NewSFTPFS(client *sftp.Client) RemoteFS {
	return &sftpFS{client: client}
}

func (s *sftpFS) Stat(p string) (os.FileInfo, error) {
	return s.client.Stat(p)
}

func (s *sftpFS) Mkdir(p string) error {
	return s.client.Mkdir(p)
}

func (s *sftpFS) Create(p string) (io.WriteCloser, error) {
	return s.client.Create(p)
}

// Rename prefers the posix-rename extension, which overwrites atomically.
// Servers without it get a plain rename, after removing the target if needed.
func (s *sftpFS) Rename(oldpath, newpath string) error {
	if err := s.client.PosixRename(oldpath, newpath); err == nil {
		return nil
	}

	err := s.client.Rename(oldpath, newpath)
	if err == nil {
		return nil
	}

	if rmErr := s.client.Remove(newpath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		return err
	}

	return s.client.Rename(oldpath, newpath)
}

func (s *sftpFS) Remove(p string) error {
	return s.client.Remove(p)
}

func (s *sftpFS) Close() error {
	return s.client.Close()
}

// remoteSink writes to a hidden temporary file in the target directory and
// renames it over the target on Commit.
type remoteSink struct {
	rfs    RemoteFS
	f      io.WriteCloser
	tmp    string
	target string
	done   bool
}

// Compile-time interface check.
var _ ByteSink = (*remoteSink)(nil)

func newRemoteSink(rfs RemoteFS, dir, name string) (*remoteSink, error) {
	tmp := path.Join(dir, fmt.Sprintf(".%s.%s.partial", name, uuid.NewString()))

	f, err := rfs.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("%w: creating %s: %w", ErrTransport, tmp, err)
	}

	return &remoteSink{
		rfs:    rfs,
		f:      f,
		tmp:    tmp,
		target: path.Join(dir, name),
	}, nil
}

func (r *remoteSink) Write(p []byte) (int, error) {
	return r.f.Write(p)
}

// Commit closes the remote file, which waits for the server to acknowledge
// every write, then moves it into place.
func (r *remoteSink) Commit() error {
	if r.done {
		return nil
	}

	r.done = true

	if err := r.f.Close(); err != nil {
		_ = r.rfs.Remove(r.tmp)

		return fmt.Errorf("%w: closing %s: %w", ErrTransport, r.tmp, err)
	}

	if err := r.rfs.Rename(r.tmp, r.target); err != nil {
		_ = r.rfs.Remove(r.tmp)

		return fmt.Errorf("%w: renaming %s to %s: %w", ErrTransport, r.tmp, r.target, err)
	}

	return nil
}

// Abort closes and removes the temporary file. Errors are ignored when the
// connection is already gone.
func (r *remoteSink) Abort() error {
	if r.done {
		return nil
	}

	r.done = true

	_ = r.f.Close()

	if err := r.rfs.Remove(r.tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", r.tmp, err)
	}

	return nil
}
