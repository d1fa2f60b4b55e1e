package upload

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBufferSize bounds how far the producer may run ahead of the sink.
	DefaultBufferSize = 1 << 20

	copyChunkSize = 32 << 10
)

// ByteSink receives one streamed archive.
type ByteSink interface {
	io.Writer
	// Commit makes the written bytes visible at the final destination.
	Commit() error
	// Abort discards everything written so far.
	Abort() error
}

// StreamOptions tunes the producer/consumer pipe.
type StreamOptions struct {
	// BufferSize is the producer side buffer. Zero means DefaultBufferSize.
	BufferSize int
	// RateLimit caps the consumer in bytes per second. Zero disables it.
	RateLimit int64
}

// Pipe runs produce and copies its output into w as it is produced. The
// producer blocks whenever the buffer is full, so a slow w slows production
// down instead of growing memory. It returns the number of bytes written to w.
func Pipe(ctx context.Context, produce ProduceFunc, w io.Writer, opts StreamOptions) (int64, error) {
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}

	if opts.RateLimit > 0 {
		w = NewThrottledWriter(ctx, w, opts.RateLimit)
	}

	pr, pw := io.Pipe()
	g, gCtx := errgroup.WithContext(ctx)

	stop := context.AfterFunc(gCtx, func() {
		_ = pr.CloseWithError(gCtx.Err())
		_ = pw.CloseWithError(gCtx.Err())
	})
	defer stop()

	var (
		written  int64
		writeErr error
	)

	g.Go(func() error {
		bw := bufio.NewWriterSize(pw, bufSize)

		err := produce(gCtx, bw)
		if err == nil {
			err = bw.Flush()
		}

		if err != nil {
			_ = pw.CloseWithError(err)

			return err
		}

		return pw.Close()
	})

	g.Go(func() error {
		buf := make([]byte, copyChunkSize)

		for {
			n, rerr := pr.Read(buf)
			if n > 0 {
				m, err := w.Write(buf[:n])
				written += int64(m)

				if err == nil && m != n {
					err = io.ErrShortWrite
				}

				if err != nil {
					writeErr = fmt.Errorf("%w: writing to destination: %w", ErrTransport, err)
					_ = pr.CloseWithError(writeErr)

					return writeErr
				}
			}

			if errors.Is(rerr, io.EOF) {
				return nil
			}

			if rerr != nil {
				return rerr
			}
		}
	})

	err := g.Wait()

	switch {
	case writeErr != nil:
		return written, writeErr
	case err != nil && ctx.Err() != nil:
		return written, fmt.Errorf("upload interrupted: %w", ctx.Err())
	default:
		return written, err
	}
}

// Stream pipes produce into sink and commits it on success. On any failure
// the sink is aborted so no partial archive is left behind.
func Stream(ctx context.Context, produce ProduceFunc, sink ByteSink, opts StreamOptions) (int64, error) {
	n, err := Pipe(ctx, produce, sink, opts)
	if err != nil {
		_ = sink.Abort()

		return n, err
	}

	if err := sink.Commit(); err != nil {
		_ = sink.Abort()

		return n, err
	}

	return n, nil
}

// FileSink writes to a temporary file next to its target and renames it
// into place on Commit.
type FileSink struct {
	f      *os.File
	target string
	done   bool
}

// Compile-time interface check.
var _ ByteSink = (*FileSink)(nil)

// NewFileSink creates the temporary file for target.
func NewFileSink(target string) (*FileSink, error) {
	f, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*.partial")
	if err != nil {
		return nil, fmt.Errorf("creating temporary file for %s: %w", target, err)
	}

	return &FileSink{f: f, target: target}, nil
}

func (s *FileSink) Write(p []byte) (int, error) {
	return s.f.Write(p)
}

// Commit flushes the temporary file and renames it to the target.
func (s *FileSink) Commit() error {
	if s.done {
		return nil
	}

	s.done = true

	if err := s.f.Sync(); err != nil {
		_ = s.f.Close()
		_ = os.Remove(s.f.Name())

		return fmt.Errorf("syncing %s: %w", s.f.Name(), err)
	}

	if err := s.f.Close(); err != nil {
		_ = os.Remove(s.f.Name())

		return fmt.Errorf("closing %s: %w", s.f.Name(), err)
	}

	if err := os.Rename(s.f.Name(), s.target); err != nil {
		_ = os.Remove(s.f.Name())

		return fmt.Errorf("renaming into %s: %w", s.target, err)
	}

	return nil
}

// Abort removes the temporary file.
func (s *FileSink) Abort() error {
	if s.done {
		return nil
	}

	s.done = true

	_ = s.f.Close()

	if err := os.Remove(s.f.Name()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", s.f.Name(), err)
	}

	return nil
}
