package upload

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/sirupsen/logrus"
)

// DirectoryPrefixes splits remotePath on "/" and returns every cumulative
// prefix, shallowest first. Absolute paths keep their leading "/".
func DirectoryPrefixes(remotePath string) []string {
	segments := strings.Split(remotePath, "/")
	prefixes := make([]string, 0, len(segments))

	current := ""
	if strings.HasPrefix(remotePath, "/") {
		current = "/"
	}

	for _, segment := range segments {
		if segment == "" || segment == "." {
			continue
		}

		if current == "" || current == "/" {
			current += segment
		} else {
			current += "/" + segment
		}

		prefixes = append(prefixes, current)
	}

	return prefixes
}

// EnsureDirectory creates every missing directory of remotePath in order.
// Existing directories are left alone, so it is safe to call repeatedly.
func EnsureDirectory(log logrus.FieldLogger, rfs RemoteFS, remotePath string) error {
	log = log.WithField("component", "provisioner")

	for _, dir := range DirectoryPrefixes(remotePath) {
		info, err := rfs.Stat(dir)
		if err == nil {
			if !info.IsDir() {
				return fmt.Errorf("%w: %s exists and is not a directory", ErrDirectoryCreation, dir)
			}

			log.WithField("dir", dir).Debug("Remote directory exists")

			continue
		}

		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: checking %s: %w", ErrDirectoryCreation, dir, err)
		}

		if mkErr := rfs.Mkdir(dir); mkErr != nil {
			// Another writer may have created it in the meantime.
			if info, err := rfs.Stat(dir); err == nil && info.IsDir() {
				continue
			}

			return fmt.Errorf("%w: creating %s: %w", ErrDirectoryCreation, dir, mkErr)
		}

		log.WithField("dir", dir).Info("Created remote directory")
	}

	return nil
}
