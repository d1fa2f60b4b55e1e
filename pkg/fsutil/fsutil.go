package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Canonicalize returns the absolute, cleaned path with symbolic links
// resolved.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving absolute path of %s: %w", path, err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolving symlinks of %s: %w", path, err)
	}

	return filepath.Clean(resolved), nil
}

// StripRoot removes root from path as a literal prefix. It reports false when
// path is not strictly below root.
func StripRoot(path, root string) (string, bool) {
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}

	if !strings.HasPrefix(path, prefix) || len(path) == len(prefix) {
		return "", false
	}

	return path[len(prefix):], true
}

// WriteFileAtomic writes data to a temporary file next to path and renames it
// into place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}

	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)

		return err
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)

		return err
	}

	if err := os.Chmod(tmp, perm); err != nil {
		_ = os.Remove(tmp)

		return err
	}

	return os.Rename(tmp, path)
}
