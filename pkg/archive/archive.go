// Package archive streams files into a zip container without ever seeking
// the underlying writer, so the output can be piped straight to a socket.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"
)

const (
	// MinCompressionLevel stores members without compression.
	MinCompressionLevel = 0
	// MaxCompressionLevel is the best (slowest) deflate level.
	MaxCompressionLevel = 9
	// DefaultCompressionLevel balances speed and size.
	DefaultCompressionLevel = 6
)

var (
	// ErrArchive wraps every failure while reading sources or compressing.
	ErrArchive = errors.New("archive error")
	// ErrInvalidLevel is returned for compression levels outside [0,9].
	ErrInvalidLevel = errors.New("invalid compression level")
	// ErrFinalized is returned when the archive is used after Finalize.
	ErrFinalized = errors.New("archive already finalized")
)

// Stats summarises what has been written so far.
type Stats struct {
	Files            int
	UncompressedSize int64
	CompressedSize   int64
}

// Builder appends entries to a streaming zip archive.
type Builder struct {
	log       logrus.FieldLogger
	out       *countingWriter
	zw        *zip.Writer
	method    uint16
	names     map[string]string
	files     int
	read      int64
	finalized bool
}

// NewBuilder creates a Builder writing to w at the given compression level.
func NewBuilder(log logrus.FieldLogger, w io.Writer, level int) (*Builder, error) {
	if level < MinCompressionLevel || level > MaxCompressionLevel {
		return nil, fmt.Errorf("%w: %d is outside [%d,%d]",
			ErrInvalidLevel, level, MinCompressionLevel, MaxCompressionLevel)
	}

	out := &countingWriter{w: w}
	zw := zip.NewWriter(out)

	method := zip.Store

	if level > 0 {
		method = zip.Deflate

		zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(w, level)
		})
	}

	return &Builder{
		log: log.WithFields(logrus.Fields{
			"component": "archive",
			"level":     level,
		}),
		out:    out,
		zw:     zw,
		method: method,
		names:  make(map[string]string),
	}, nil
}

// Add streams a single file into the archive.
func (b *Builder) Add(ctx context.Context, entry Entry) error {
	if b.finalized {
		return ErrFinalized
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := ValidateMemberName(entry.MemberName); err != nil {
		return fmt.Errorf("%w: %w", ErrArchive, err)
	}

	if first, ok := b.names[entry.MemberName]; ok {
		b.log.WithFields(logrus.Fields{
			"member":      entry.MemberName,
			"path":        entry.SourcePath,
			"first_added": first,
		}).Warn("Archive already has a member with this name, extraction keeps only one")
	} else {
		b.names[entry.MemberName] = entry.SourcePath
	}

	f, err := os.Open(entry.SourcePath)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %w", ErrArchive, entry.SourcePath, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", ErrArchive, entry.SourcePath, err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("%w: building header for %s: %w", ErrArchive, entry.SourcePath, err)
	}

	header.Name = entry.MemberName
	header.Method = b.method
	header.Modified = info.ModTime().UTC().Truncate(time.Second)

	w, err := b.zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("%w: creating member %s: %w", ErrArchive, entry.MemberName, err)
	}

	n, err := io.Copy(w, f)
	if err != nil {
		return fmt.Errorf("%w: writing member %s: %w", ErrArchive, entry.MemberName, err)
	}

	if n != info.Size() {
		b.log.WithFields(logrus.Fields{
			"path":     entry.SourcePath,
			"expected": info.Size(),
			"read":     n,
		}).Warn("File size changed while it was being archived")
	}

	b.files++
	b.read += n

	b.log.WithFields(logrus.Fields{
		"member": entry.MemberName,
		"size":   units.HumanSize(float64(n)),
	}).Debug("Added file to archive")

	return nil
}

// AddAll adds every entry in order, stopping at the first error.
func (b *Builder) AddAll(ctx context.Context, entries []Entry) error {
	for _, entry := range entries {
		if err := b.Add(ctx, entry); err != nil {
			return err
		}
	}

	return nil
}

// Finalize writes the central directory. It must be called exactly once.
// Returning means every byte was handed to the writer, not that the writer
// flushed it.
func (b *Builder) Finalize() error {
	if b.finalized {
		return ErrFinalized
	}

	b.finalized = true

	if err := b.zw.Close(); err != nil {
		return fmt.Errorf("%w: writing central directory: %w", ErrArchive, err)
	}

	b.log.WithFields(logrus.Fields{
		"files":        b.files,
		"uncompressed": units.HumanSize(float64(b.read)),
		"compressed":   units.HumanSize(float64(b.out.n)),
	}).Debug("Archive finalized")

	return nil
}

// Stats returns the running totals.
func (b *Builder) Stats() Stats {
	return Stats{
		Files:            b.files,
		UncompressedSize: b.read,
		CompressedSize:   b.out.n,
	}
}

// countingWriter counts bytes passed to the underlying writer.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)

	return n, err
}
