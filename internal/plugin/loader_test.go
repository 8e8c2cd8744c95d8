package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePlugin(t *testing.T, base, id, source string) string {
	t.Helper()
	dir := filepath.Join(base, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	manifest := `{
		"id": "` + id + `",
		"name": "` + id + `",
		"version": "1.0.0",
		"entrypoint": "init.lua",
		"permissions": {"hooks": ["eprint.*"]}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "init.lua"), []byte(source), 0o644))
	return dir
}

func TestLoaderResolveDirectory(t *testing.T) {
	base := t.TempDir()
	dir := writePlugin(t, base, "indexer", `x = 1`)

	l := NewLoader(WithSearchPaths(base))
	m, entry, err := l.Resolve(dir)
	require.NoError(t, err)
	assert.Equal(t, "indexer", m.ID)
	assert.Equal(t, `x = 1`, entry)
}

func TestLoaderResolveManifestFile(t *testing.T) {
	base := t.TempDir()
	dir := writePlugin(t, base, "indexer", `x = 1`)

	l := NewLoader(WithSearchPaths(base))
	m, _, err := l.Resolve(filepath.Join(dir, "plugin.json"))
	require.NoError(t, err)
	assert.Equal(t, "indexer", m.ID)
}

func TestLoaderResolveMissing(t *testing.T) {
	l := NewLoader(WithSearchPaths(t.TempDir()))
	_, _, err := l.Resolve("/no/such/plugin")
	assert.ErrorIs(t, err, ErrPluginNotFound)
}

func TestLoaderResolveInvalidManifestBeforeCode(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "broken")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"),
		[]byte(`{"id":"broken","name":"Broken"}`), 0o644))
	// No init.lua on disk: if validation failed after reading code this
	// would surface as a file error instead of a manifest error.

	l := NewLoader(WithSearchPaths(base))
	_, _, err := l.Resolve(dir)
	assert.ErrorIs(t, err, ErrManifestInvalid)
}

func TestLoaderResolveMissingEntrypoint(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "no-entry")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"),
		[]byte(`{"id":"no-entry","name":"X","version":"1.0.0"}`), 0o644))

	l := NewLoader(WithSearchPaths(base))
	_, _, err := l.Resolve(dir)
	assert.ErrorIs(t, err, ErrManifestInvalid)
}

func TestLoaderDiscover(t *testing.T) {
	base := t.TempDir()
	writePlugin(t, base, "zeta", `x = 1`)
	writePlugin(t, base, "alpha", `x = 1`)

	// An invalid plugin is skipped, not fatal.
	badDir := filepath.Join(base, "bad")
	require.NoError(t, os.MkdirAll(badDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(badDir, "plugin.json"), []byte(`{`), 0o644))

	// A directory without a manifest is ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(base, "notes"), 0o755))

	l := NewLoader(WithSearchPaths(base))
	found := l.Discover()
	require.Len(t, found, 2)
	assert.Equal(t, "alpha", found[0].ID)
	assert.Equal(t, "zeta", found[1].ID)
}

func TestLoaderDiscoverFirstPathWins(t *testing.T) {
	primary := t.TempDir()
	secondary := t.TempDir()
	writePlugin(t, primary, "dup", `x = 1`)
	writePlugin(t, secondary, "dup", `x = 2`)

	l := NewLoader(WithSearchPaths(primary, secondary))
	found := l.Discover()
	require.Len(t, found, 1)
	assert.Equal(t, filepath.Join(primary, "dup"), found[0].Path())
}
