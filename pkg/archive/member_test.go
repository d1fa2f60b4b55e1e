package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntries_StripRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "out", "sub"), 0o755))

	files := []string{
		filepath.Join(root, "out", "a.txt"),
		filepath.Join(root, "out", "sub", "b.txt"),
	}

	for _, f := range files {
		require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))
	}

	entries, err := Entries(files, filepath.Join(root, "out"))
	require.NoError(t, err)

	assert.Equal(t, []Entry{
		{SourcePath: files[0], MemberName: "a.txt"},
		{SourcePath: files[1], MemberName: "sub/b.txt"},
	}, entries)
}

func TestEntries_SymlinkedRoot(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "real", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "real", "sub", "f.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(base, "real"), filepath.Join(base, "link")))

	entries, err := Entries(
		[]string{filepath.Join(base, "link", "sub", "..", "sub", "f.txt")},
		filepath.Join(base, "link"),
	)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sub/f.txt", entries[0].MemberName)
}

func TestEntries_SymlinkOutOfTreeKeepsName(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "tree"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "elsewhere.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(base, "elsewhere.txt"), filepath.Join(base, "tree", "link.txt")))

	name, err := MemberName(filepath.Join(base, "tree", "link.txt"), filepath.Join(base, "tree"))
	require.NoError(t, err)
	assert.Equal(t, "link.txt", name)
}

func TestEntries_InTreeSymlinkUsesTargetName(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "out"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "out", "real.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(root, "out", "real.txt"), filepath.Join(root, "out", "link.txt")))

	files := []string{
		filepath.Join(root, "out", "link.txt"),
		filepath.Join(root, "out", "real.txt"),
	}

	entries, err := Entries(files, filepath.Join(root, "out"))
	require.NoError(t, err)

	// Both resolve to the same file inside the tree, so both take its name.
	assert.Equal(t, []Entry{
		{SourcePath: files[0], MemberName: "real.txt"},
		{SourcePath: files[1], MemberName: "real.txt"},
	}, entries)
}

func TestEntries_OutsideRoot(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "a.txt"), []byte("x"), 0o644))

	_, err := Entries([]string{filepath.Join(base, "a.txt")}, filepath.Join(base, "other"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMemberOutsideRoot)
}

func TestValidateMemberName(t *testing.T) {
	tests := []struct {
		name    string
		member  string
		wantErr bool
	}{
		{"plain", "a.txt", false},
		{"nested", "sub/dir/b.txt", false},
		{"dotfile", ".env", false},
		{"empty", "", true},
		{"absolute", "/etc/passwd", true},
		{"parent escape", "../a.txt", true},
		{"unclean", "a//b.txt", true},
		{"colon", "c:/x.txt", true},
		{"asterisk", "a*.txt", true},
		{"newline", "a\nb", true},
		{"quote", `a"b`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMemberName(tt.member)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidMemberName)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
