package search

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// globMeta holds the characters that turn a path segment into a pattern.
const globMeta = "*?[{"

// pattern is a single parsed line of a search path.
type pattern struct {
	// path is the absolute, cleaned pattern.
	path string
	// exclude marks a "!" prefixed line.
	exclude bool
	// searchPath is the literal directory (or file) the pattern is rooted at.
	searchPath string
	// literal is true when the pattern contains no glob characters.
	literal bool
}

// parsePatterns splits a newline separated search path into patterns. Blank
// lines and "#" comments are skipped, relative patterns are resolved against
// workDir.
func parsePatterns(searchPath, workDir string) ([]pattern, error) {
	var patterns []pattern

	for _, line := range strings.Split(searchPath, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		exclude := false

		for strings.HasPrefix(line, "!") {
			exclude = !exclude
			line = strings.TrimSpace(line[1:])
		}

		if line == "" {
			return nil, fmt.Errorf("empty pattern after negation")
		}

		abs, err := absPattern(line, workDir)
		if err != nil {
			return nil, err
		}

		searchPath, literal := literalPrefix(abs)

		patterns = append(patterns, pattern{
			path:       abs,
			exclude:    exclude,
			searchPath: searchPath,
			literal:    literal,
		})
	}

	return patterns, nil
}

// absPattern expands "~" and makes the pattern absolute.
func absPattern(p, workDir string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expanding ~ in %q: %w", p, err)
		}

		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}

	if !filepath.IsAbs(p) {
		p = filepath.Join(workDir, p)
	}

	return filepath.Clean(p), nil
}

// literalPrefix returns the leading segments of p that contain no glob
// characters, and whether p is entirely literal.
func literalPrefix(p string) (string, bool) {
	if !strings.ContainsAny(p, globMeta) {
		return p, true
	}

	segments := strings.Split(p, string(filepath.Separator))
	literal := make([]string, 0, len(segments))

	for _, segment := range segments {
		if strings.ContainsAny(segment, globMeta) {
			break
		}

		literal = append(literal, segment)
	}

	prefix := strings.Join(literal, string(filepath.Separator))
	if prefix == "" {
		prefix = string(filepath.Separator)
	}

	return filepath.Clean(prefix), false
}

// searchPaths returns the distinct search paths of the include patterns in
// order, skipping any search path that has another search path as ancestor.
func searchPaths(patterns []pattern) []string {
	candidates := make(map[string]struct{}, len(patterns))

	for _, p := range patterns {
		if !p.exclude {
			candidates[p.searchPath] = struct{}{}
		}
	}

	included := make(map[string]struct{}, len(patterns))
	result := make([]string, 0, len(patterns))

	for _, p := range patterns {
		if p.exclude {
			continue
		}

		if _, ok := included[p.searchPath]; ok {
			continue
		}

		if hasAncestor(p.searchPath, candidates) {
			continue
		}

		included[p.searchPath] = struct{}{}
		result = append(result, p.searchPath)
	}

	return result
}

func hasAncestor(p string, candidates map[string]struct{}) bool {
	current := p
	parent := filepath.Dir(current)

	for parent != current {
		if _, ok := candidates[parent]; ok {
			return true
		}

		current = parent
		parent = filepath.Dir(current)
	}

	return false
}
