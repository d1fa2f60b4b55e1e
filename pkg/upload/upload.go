// Package upload moves a single streamed archive to its destination. The
// production destination is an SFTP server reached over SSH; a local file
// destination exists for dry runs and tests.
package upload

import (
	"context"
	"errors"
	"io"
	"os"
)

var (
	// ErrTransport covers connection, timeout and protocol failures.
	ErrTransport = errors.New("transport error")
	// ErrAuthentication is returned when the server rejects the credentials.
	ErrAuthentication = errors.New("authentication failed")
	// ErrSubsystem is returned when the SFTP subsystem cannot be opened.
	ErrSubsystem = errors.New("sftp subsystem error")
	// ErrDirectoryCreation is returned when a remote directory cannot be created.
	ErrDirectoryCreation = errors.New("remote directory creation failed")
	// ErrInvalidTransition is returned when a session method is called out of order.
	ErrInvalidTransition = errors.New("invalid session transition")
)

// ProduceFunc writes the archive to w. It must return once every byte has
// been written.
type ProduceFunc func(ctx context.Context, w io.Writer) error

// Uploader transfers one archive to a destination.
type Uploader interface {
	// Preflight connects to the destination and verifies it can accept
	// files. No directories are created.
	Preflight(ctx context.Context) error

	// Upload ensures dir exists, then streams the output of produce to
	// dir/name. It returns the number of bytes written to the destination.
	Upload(ctx context.Context, dir, name string, produce ProduceFunc) (int64, error)

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// RemoteFS is the subset of an SFTP client the upload needs.
type RemoteFS interface {
	Stat(path string) (os.FileInfo, error)
	Mkdir(path string) error
	Create(path string) (io.WriteCloser, error)
	// Rename replaces newpath with oldpath, overwriting newpath if it exists.
	Rename(oldpath, newpath string) error
	Remove(path string) error
	Close() error
}
