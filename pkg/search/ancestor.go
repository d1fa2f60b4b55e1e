package search

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrInvalidArgument is returned when ComputeAncestor is given fewer than two roots.
var ErrInvalidArgument = errors.New("invalid argument")

// ComputeAncestor returns the deepest directory that is common to all of the
// given roots. At least two roots are required; callers with a single root
// should use it directly.
func ComputeAncestor(roots []string) (string, error) {
	if len(roots) < 2 {
		return "", fmt.Errorf("%w: at least two roots are required, got %d", ErrInvalidArgument, len(roots))
	}

	split := make([][]string, 0, len(roots))
	shortest := -1

	for _, root := range roots {
		segments := splitSegments(filepath.Clean(root))
		split = append(split, segments)

		if shortest == -1 || len(segments) < shortest {
			shortest = len(segments)
		}
	}

	common := make([]string, 0, shortest)

	for i := 0; i < shortest; i++ {
		segment := split[0][i]

		agree := true

		for _, segments := range split[1:] {
			if segments[i] != segment {
				agree = false

				break
			}
		}

		if !agree {
			break
		}

		common = append(common, segment)
	}

	ancestor := strings.Join(common, string(filepath.Separator))

	// Keep the result rooted when the input was, even with nothing in common.
	if filepath.IsAbs(filepath.Clean(roots[0])) {
		ancestor = string(filepath.Separator) + ancestor
	}

	return filepath.Clean(ancestor), nil
}

// splitSegments splits a cleaned path into its non-empty segments.
func splitSegments(path string) []string {
	parts := strings.Split(path, string(filepath.Separator))
	segments := make([]string, 0, len(parts))

	for _, part := range parts {
		if part != "" {
			segments = append(segments, part)
		}
	}

	return segments
}
