package summary

import (
	"fmt"
	"time"

	"github.com/ethpandaops/artifactoor/pkg/fsutil"
	"github.com/ethpandaops/artifactoor/pkg/runner"
	"gopkg.in/yaml.v3"
)

// Manifest lists what went into an artifact.
type Manifest struct {
	Artifact         string    `yaml:"artifact"`
	Status           string    `yaml:"status"`
	Server           string    `yaml:"server,omitempty"`
	RemotePath       string    `yaml:"remote_path"`
	RootDir          string    `yaml:"root_dir"`
	Files            int       `yaml:"files"`
	UncompressedSize int64     `yaml:"uncompressed_size"`
	ArchiveSize      int64     `yaml:"archive_size"`
	Members          []string  `yaml:"members"`
	GeneratedAt      time.Time `yaml:"generated_at"`
}

// NewManifest builds the manifest of a run.
func NewManifest(res *runner.Result, now time.Time) *Manifest {
	m := &Manifest{
		Artifact:         res.ArtifactName,
		Status:           string(res.Status),
		RemotePath:       res.RemoteFile(),
		RootDir:          res.RootDir,
		Files:            len(res.Members),
		UncompressedSize: res.Archive.UncompressedSize,
		ArchiveSize:      res.BytesUploaded,
		Members:          res.Members,
		GeneratedAt:      now.UTC(),
	}

	if !res.DryRun {
		m.Server = res.Server
	}

	if m.Members == nil {
		m.Members = []string{}
	}

	return m
}

// WriteManifest writes the YAML manifest of a run to path.
func WriteManifest(path string, res *runner.Result) error {
	data, err := yaml.Marshal(NewManifest(res, time.Now()))
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}

	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}

	return nil
}
