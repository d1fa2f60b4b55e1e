package archive

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/ethpandaops/artifactoor/pkg/fsutil"
)

var (
	// ErrMemberOutsideRoot is returned when a file is not below the root directory.
	ErrMemberOutsideRoot = errors.New("file is not below the root directory")
	// ErrInvalidMemberName is returned for member names the destination cannot store.
	ErrInvalidMemberName = errors.New("invalid archive member name")
)

// invalidMemberChars are rejected in member names.
var invalidMemberChars = map[rune]string{
	'"':  `Double quote "`,
	':':  `Colon :`,
	'<':  `Less than <`,
	'>':  `Greater than >`,
	'|':  `Vertical bar |`,
	'*':  `Asterisk *`,
	'?':  `Question mark ?`,
	'\r': `Carriage return \r`,
	'\n': `Line feed \n`,
}

// Entry is a single file to be stored in the archive.
type Entry struct {
	SourcePath string
	MemberName string
}

// Entries maps discovered files to archive entries relative to rootDir.
func Entries(files []string, rootDir string) ([]Entry, error) {
	canonicalRoot, err := fsutil.Canonicalize(rootDir)
	if err != nil {
		canonicalRoot = ""
	}

	entries := make([]Entry, 0, len(files))

	for _, file := range files {
		name, err := memberName(file, rootDir, canonicalRoot)
		if err != nil {
			return nil, err
		}

		entries = append(entries, Entry{SourcePath: file, MemberName: name})
	}

	return entries, nil
}

// MemberName returns the archive name of file relative to rootDir.
func MemberName(file, rootDir string) (string, error) {
	canonicalRoot, err := fsutil.Canonicalize(rootDir)
	if err != nil {
		canonicalRoot = ""
	}

	return memberName(file, rootDir, canonicalRoot)
}

func memberName(file, rootDir, canonicalRoot string) (string, error) {
	var (
		rel string
		ok  bool
	)

	if canonicalRoot != "" {
		if canonicalFile, err := fsutil.Canonicalize(file); err == nil {
			rel, ok = fsutil.StripRoot(canonicalFile, canonicalRoot)
		}
	}

	// A symlink pointing out of the tree keeps its name inside the tree.
	if !ok {
		absFile, err := filepath.Abs(file)
		if err != nil {
			return "", fmt.Errorf("resolving %s: %w", file, err)
		}

		absRoot, err := filepath.Abs(rootDir)
		if err != nil {
			return "", fmt.Errorf("resolving %s: %w", rootDir, err)
		}

		rel, ok = fsutil.StripRoot(absFile, absRoot)
	}

	if !ok {
		return "", fmt.Errorf("%w: %s (root %s)", ErrMemberOutsideRoot, file, rootDir)
	}

	name := filepath.ToSlash(rel)

	if err := ValidateMemberName(name); err != nil {
		return "", err
	}

	return name, nil
}

// ValidateMemberName checks that name is a clean relative path without
// characters that are unsafe on common filesystems.
func ValidateMemberName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidMemberName)
	}

	if strings.HasPrefix(name, "/") || path.Clean(name) != name {
		return fmt.Errorf("%w: %q is not a clean relative path", ErrInvalidMemberName, name)
	}

	for _, segment := range strings.Split(name, "/") {
		if segment == ".." {
			return fmt.Errorf("%w: %q escapes the archive root", ErrInvalidMemberName, name)
		}
	}

	for _, r := range name {
		if desc, ok := invalidMemberChars[r]; ok {
			return fmt.Errorf("%w: %q contains %s", ErrInvalidMemberName, name, desc)
		}
	}

	return nil
}
