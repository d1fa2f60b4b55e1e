// Package runner drives one upload from configuration to a committed remote
// archive.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/artifactoor/pkg/archive"
	"github.com/ethpandaops/artifactoor/pkg/config"
	"github.com/ethpandaops/artifactoor/pkg/search"
	"github.com/ethpandaops/artifactoor/pkg/upload"
	"github.com/sirupsen/logrus"
)

// ErrNoFilesFound is returned when nothing matched and the policy is error.
var ErrNoFilesFound = errors.New("no files found")

// Status is the outcome reported to the CI system.
type Status string

const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Result describes a finished run, successful or not.
type Result struct {
	Status       Status
	ArtifactName string
	Server       string
	// RemotePath is the directory holding the artifact.
	RemotePath string
	RootDir    string
	Members    []string
	Archive    archive.Stats
	// BytesUploaded counts bytes acknowledged by the destination.
	BytesUploaded int64
	Duration      time.Duration
	DryRun        bool
}

// RemoteFile is the full remote path of the artifact.
func (r *Result) RemoteFile() string {
	return path.Join(r.RemotePath, r.ArtifactName)
}

// UploaderFactory opens the destination described by req.
type UploaderFactory func(req *config.UploadRequest) (upload.Uploader, error)

// Runner executes upload requests.
type Runner interface {
	// Run discovers, archives and uploads. The returned Result is never nil,
	// even when an error is returned.
	Run(ctx context.Context, req *config.UploadRequest) (*Result, error)
}

// NewRunner creates a new runner instance.
func NewRunner(log logrus.FieldLogger, newUploader UploaderFactory) Runner {
	return &runner{
		log:         log.WithField("component", "runner"),
		newUploader: newUploader,
	}
}

type runner struct {
	log         logrus.FieldLogger
	newUploader UploaderFactory
}

// Ensure interface compliance.
var _ Runner = (*runner)(nil)

func (r *runner) Run(ctx context.Context, req *config.UploadRequest) (*Result, error) {
	start := time.Now()

	result := &Result{
		Status:       StatusFailed,
		ArtifactName: req.ArtifactName,
		Server:       req.Destination.Server,
		RemotePath:   req.Destination.RemotePath,
		DryRun:       req.DryRun(),
	}

	defer func() {
		result.Duration = time.Since(start)
	}()

	if err := req.Validate(); err != nil {
		return result, err
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	log := r.log.WithField("artifact", req.ArtifactName)

	found, err := search.Discover(log, req.SearchPath, search.Options{
		IncludeHiddenFiles: req.IncludeHiddenFiles,
		WorkingDirectory:   req.WorkingDirectory,
	})
	if err != nil {
		return result, fmt.Errorf("discovering files: %w", err)
	}

	result.RootDir = found.RootDir

	if len(found.Files) == 0 {
		return result, r.handleNoFiles(log, req, result)
	}

	log.WithFields(logrus.Fields{
		"files":    len(found.Files),
		"root_dir": found.RootDir,
	}).Info("Found files to upload")

	entries, err := archive.Entries(found.Files, found.RootDir)
	if err != nil {
		return result, fmt.Errorf("naming archive members: %w", err)
	}

	result.Members = make([]string, 0, len(entries))
	for _, e := range entries {
		result.Members = append(result.Members, e.MemberName)
	}

	uploader, err := r.newUploader(req)
	if err != nil {
		return result, fmt.Errorf("creating uploader: %w", err)
	}

	defer func() {
		if cerr := uploader.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close uploader")
		}
	}()

	if err := uploader.Preflight(ctx); err != nil {
		return result, fmt.Errorf("preparing destination: %w", err)
	}

	var stats archive.Stats

	produce := func(ctx context.Context, w io.Writer) error {
		b, err := archive.NewBuilder(log, w, req.CompressionLevel)
		if err != nil {
			return err
		}

		if err := b.AddAll(ctx, entries); err != nil {
			return err
		}

		if err := b.Finalize(); err != nil {
			return err
		}

		stats = b.Stats()

		return nil
	}

	n, err := uploader.Upload(ctx, req.Destination.RemotePath, req.ArtifactName, produce)
	result.BytesUploaded = n

	if err != nil {
		return result, fmt.Errorf("uploading %s: %w", result.RemoteFile(), err)
	}

	result.Archive = stats
	result.Status = StatusSuccess

	log.WithFields(logrus.Fields{
		"remote_path": result.RemoteFile(),
		"files":       stats.Files,
		"size":        units.HumanSize(float64(n)),
		"duration":    time.Since(start).Round(time.Millisecond).String(),
	}).Info("Artifact uploaded")

	return result, nil
}

func (r *runner) handleNoFiles(log logrus.FieldLogger, req *config.UploadRequest, result *Result) error {
	msg := fmt.Sprintf("No files were found with the provided path: %s. No artifacts will be uploaded.",
		req.SearchPath)

	switch req.IfNoFilesFound {
	case config.NoFilesError:
		return fmt.Errorf("%w: %s", ErrNoFilesFound, msg)
	case config.NoFilesIgnore:
		log.Debug(msg)
	default:
		log.Warn(msg)
	}

	result.Status = StatusSkipped

	return nil
}
