// Package search expands glob search paths into the list of files that make
// up an artifact, along with the root directory their archive names are
// relative to.
package search

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sirupsen/logrus"
)

// Options configures Discover.
type Options struct {
	// IncludeHiddenFiles keeps files and directories starting with ".".
	IncludeHiddenFiles bool
	// WorkingDirectory resolves relative patterns. Defaults to the process cwd.
	WorkingDirectory string
}

// Result is the outcome of a discovery pass.
type Result struct {
	// Files are absolute paths of regular files, in discovery order.
	Files []string
	// RootDir is stripped from every file when naming archive members.
	RootDir string
}

// Discover expands searchPath into files. Zero matches is not an error; the
// caller decides what an empty result means. Dangling symlinks are skipped.
// Files whose paths differ only in case are all kept, with one notice logged
// per colliding pair.
func Discover(log logrus.FieldLogger, searchPath string, opts Options) (*Result, error) {
	log = log.WithField("component", "search")

	workDir := opts.WorkingDirectory
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}

		workDir = wd
	}

	patterns, err := parsePatterns(searchPath, workDir)
	if err != nil {
		return nil, fmt.Errorf("parsing search path: %w", err)
	}

	var excludes []pattern

	for _, p := range patterns {
		if p.exclude {
			excludes = append(excludes, p)
		}
	}

	raw := make([]string, 0, 64)
	seen := make(map[string]struct{}, 64)

	for _, p := range patterns {
		if p.exclude {
			continue
		}

		matches, err := expand(p, opts.IncludeHiddenFiles)
		if err != nil {
			return nil, err
		}

		for _, match := range matches {
			if _, ok := seen[match]; ok {
				continue
			}

			if isExcluded(match, excludes) {
				log.WithField("path", match).Debug("Excluded by pattern")

				continue
			}

			seen[match] = struct{}{}
			raw = append(raw, match)
		}
	}

	result := &Result{Files: make([]string, 0, len(raw))}
	lowered := make(map[string][]string, len(raw))

	for _, path := range raw {
		info, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			log.WithField("path", path).Debug("Skipping dangling symlink")

			continue
		}

		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}

		if info.IsDir() {
			log.WithField("path", path).Debug("Removing directory from search results")

			continue
		}

		log.WithField("path", path).Debug("File was found using the provided search path")

		result.Files = append(result.Files, path)

		key := strings.ToLower(path)

		for _, other := range lowered[key] {
			log.WithFields(logrus.Fields{
				"path":          path,
				"collides_with": other,
			}).Info("Uploads are case insensitive: file will be overwritten by another file with the same path")
		}

		lowered[key] = append(lowered[key], path)
	}

	roots := searchPaths(patterns)

	switch {
	case len(roots) > 1:
		ancestor, err := ComputeAncestor(roots)
		if err != nil {
			return nil, err
		}

		result.RootDir = ancestor
	case len(roots) == 1 && len(raw) == 1 && raw[0] == roots[0]:
		result.RootDir = filepath.Dir(roots[0])
	case len(roots) == 1:
		result.RootDir = roots[0]
	}

	log.WithFields(logrus.Fields{
		"files":    len(result.Files),
		"root_dir": result.RootDir,
	}).Debug("Search completed")

	return result, nil
}

// expand returns the paths matched by an include pattern. Matched directories
// contribute all of their descendants.
func expand(p pattern, includeHidden bool) ([]string, error) {
	var matches []string

	if p.literal {
		if _, err := os.Stat(p.path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}

			return nil, fmt.Errorf("stat %s: %w", p.path, err)
		}

		matches = []string{p.path}
	} else {
		globbed, err := doublestar.FilepathGlob(p.path)
		if err != nil {
			return nil, fmt.Errorf("expanding pattern %q: %w", p.path, err)
		}

		matches = globbed
	}

	out := make([]string, 0, len(matches))

	for _, match := range matches {
		match = filepath.Clean(match)

		if !includeHidden && isHidden(p.searchPath, match) {
			continue
		}

		out = append(out, match)

		info, err := os.Stat(match)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", match, err)
		}

		if !info.IsDir() {
			continue
		}

		err = filepath.WalkDir(match, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}

			if path == match {
				return nil
			}

			if !includeHidden && strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}

				return nil
			}

			out = append(out, path)

			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", match, err)
		}
	}

	return out, nil
}

// isHidden reports whether any segment of path below root starts with ".".
func isHidden(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}

	for _, segment := range strings.Split(rel, string(filepath.Separator)) {
		if len(segment) > 1 && strings.HasPrefix(segment, ".") && segment != ".." {
			return true
		}
	}

	return false
}

// isExcluded reports whether path, or one of its ancestors, matches an
// exclude pattern.
func isExcluded(path string, excludes []pattern) bool {
	for _, ex := range excludes {
		current := path

		for {
			if ok, _ := doublestar.PathMatch(ex.path, current); ok {
				return true
			}

			parent := filepath.Dir(current)
			if parent == current {
				break
			}

			current = parent
		}
	}

	return false
}
