package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs", "deep"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "alpha.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Beta.bin"), []byte("beta!"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "notes.md"), []byte("# notes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "deep", "x.dat"), []byte("x"), 0o644))
	return root
}

func TestIDForDeterministic(t *testing.T) {
	assert.Equal(t, RootID, IDFor(""))
	assert.Equal(t, RootID, IDFor("/"))
	assert.Equal(t, IDFor("docs/notes.md"), IDFor("/docs/notes.md"))
	assert.NotEqual(t, IDFor("a"), IDFor("b"))
	assert.Len(t, IDFor("docs/notes.md"), 26)
	// ULID-shaped: Crockford alphabet only.
	for _, r := range IDFor("docs/notes.md") {
		assert.Contains(t, "0123456789ABCDEFGHJKMNPQRSTVWXYZ", string(r))
	}
}

func TestResolveRoundTrip(t *testing.T) {
	c := New(newTestRoot(t))

	id := IDFor("docs/notes.md")
	e, err := c.Resolve(id)
	require.NoError(t, err)
	assert.Equal(t, "docs/notes.md", e.Rel)
	assert.Equal(t, "notes.md", e.Name)
	assert.False(t, e.IsDir)
	assert.EqualValues(t, 7, e.Size)

	e, err = c.Resolve(IDFor("docs"))
	require.NoError(t, err)
	assert.True(t, e.IsDir)

	_, err = c.Resolve("0000000000000000000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveRootSentinel(t *testing.T) {
	c := New(newTestRoot(t))
	for _, id := range []string{"root", "ROOT", "Root"} {
		e, err := c.Resolve(id)
		require.NoError(t, err)
		assert.Equal(t, "", e.Rel)
		assert.True(t, e.IsDir)
		assert.Equal(t, RootID, e.ID)
	}
}

func TestListOrdering(t *testing.T) {
	c := New(newTestRoot(t))
	entries, err := c.List("")
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	// Directory first, then files case-insensitively.
	assert.Equal(t, []string{"docs", "alpha.txt", "Beta.bin"}, names)
}

func TestListHidden(t *testing.T) {
	c := New(newTestRoot(t))
	c.Hide = func(name string) bool { return name == "docs" }

	entries, err := c.List("")
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, "docs", e.Name)
	}

	_, err = c.Resolve(IDFor("docs/notes.md"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatMissing(t *testing.T) {
	c := New(newTestRoot(t))
	_, err := c.Stat("nope.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}
