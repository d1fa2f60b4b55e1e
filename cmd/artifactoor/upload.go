package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/artifactoor/pkg/config"
	"github.com/ethpandaops/artifactoor/pkg/runner"
	"github.com/ethpandaops/artifactoor/pkg/summary"
	"github.com/ethpandaops/artifactoor/pkg/upload"
	"github.com/spf13/cobra"
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Archive matching files and upload them",
	Long: `Archive every file matched by --path into a zip named --name and upload it to
--remote-path on the SFTP server. Settings may also come from ARTIFACTOOR_*
or GitHub Actions INPUT_* environment variables and from --config.`,
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	f := uploadCmd.Flags()
	f.String("name", "", "artifact file name on the server")
	f.String("path", "", "newline separated glob patterns, prefix a line with ! to exclude")
	f.String("if-no-files-found", string(config.NoFilesWarn), "behaviour when nothing matches (warn, error, ignore)")
	f.Int("compression-level", config.DefaultCompressionLevel, "zip compression level, 0 stores without compression")
	f.Bool("include-hidden-files", false, "include files and directories starting with a dot")
	f.String("working-directory", "", "base directory for relative patterns (default: current directory)")
	f.Duration("timeout", 0, "abort the whole upload after this long (0 disables)")
	f.Duration("dial-timeout", upload.DefaultDialTimeout, "timeout for connecting and the SSH handshake")
	f.String("rate-limit", "", "bandwidth cap per second, e.g. 10MB")
	f.String("buffer-size", config.DefaultBufferSize, "buffer between compression and network")
	f.String("output-dir", "", "write the archive below this local directory instead of uploading")
	f.String("manifest-file", "", "write a YAML manifest of the archive members to this file")

	f.String("server", "", "SFTP server host, optionally host:port")
	f.Int("port", config.DefaultPort, "SFTP server port")
	f.String("user", "", "SFTP user")
	f.String("password", "", "SFTP password")
	f.String("private-key-file", "", "path to a PEM encoded private key")
	f.String("known-hosts-file", "", "verify the server host key against this known_hosts file")
	f.String("remote-path", "", "remote directory (default: derived from the CI run)")
	f.String("server-root", "", "prefix for the derived remote directory")
}

func runUpload(cmd *cobra.Command, _ []string) error {
	req, err := config.Load(config.LoadOptions{
		ConfigFile: cfgFile,
		EnvFile:    envFile,
		Flags:      cmd.Flags(),
	})
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	r := runner.NewRunner(log, runner.NewUploaderFactory(log))

	result, runErr := r.Run(ctx, req)

	if err := report(req, result, runErr); err != nil {
		log.WithError(err).Error("Failed to report results")

		if runErr == nil {
			return err
		}
	}

	if runErr != nil {
		return runErr
	}

	if result.Status == runner.StatusSkipped {
		log.WithField("artifact", req.ArtifactName).Info("Upload skipped")
	}

	return nil
}

// report publishes the run outcome to the CI system and the optional
// manifest file.
func report(req *config.UploadRequest, result *runner.Result, runErr error) error {
	var errs []error

	if path := os.Getenv("GITHUB_OUTPUT"); path != "" {
		if err := summary.WriteOutputs(path, result); err != nil {
			errs = append(errs, fmt.Errorf("writing step outputs: %w", err))
		}
	}

	if path := os.Getenv("GITHUB_STEP_SUMMARY"); path != "" {
		if err := summary.AppendStepSummary(path, result, runErr); err != nil {
			errs = append(errs, fmt.Errorf("writing step summary: %w", err))
		}
	}

	if req.ManifestFile != "" && result.Status == runner.StatusSuccess {
		if err := summary.WriteManifest(req.ManifestFile, result); err != nil {
			errs = append(errs, err)
		} else {
			log.WithField("path", req.ManifestFile).Info("Manifest written")
		}
	}

	return errors.Join(errs...)
}
