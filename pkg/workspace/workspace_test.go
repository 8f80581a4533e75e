package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/quatton/rvcsync/pkg/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPaths = Paths{
	Models:      "data/models/{user}/{model}",
	Input:       "data/input/{user}/{model}",
	Output:      "data/output/{user}/{model}",
	Logs:        "data/logs/{user}/{model}",
	InputAlias:  "input",
	OutputAlias: "output",
}

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := New(t.TempDir(), testPaths, identity.WorkerIdentity{User: "alice", Model: "tenor"})
	require.NoError(t, err)
	return ws
}

func TestNewDerivesScopedPaths(t *testing.T) {
	ws := newTestWorkspace(t)

	assert.Equal(t, filepath.Join(ws.Root, "data", "models", "alice", "tenor"), ws.ModelsDir)
	assert.Equal(t, filepath.Join(ws.Root, "data", "output", "alice", "tenor"), ws.OutputDir)
	assert.Equal(t, filepath.Join(ws.Root, "input"), ws.InputAlias)
	assert.Equal(t, filepath.Join(ws.LogDir, "run.log"), ws.LogPath("run.log"))

	_, err := os.Stat(ws.ModelsDir)
	assert.True(t, os.IsNotExist(err), "New must not touch the filesystem")
}

func TestEnsureIsIdempotentAndPreservesContents(t *testing.T) {
	ws := newTestWorkspace(t)
	require.NoError(t, ws.Ensure())

	keep := filepath.Join(ws.OutputDir, "previous_RVC.wav")
	require.NoError(t, os.WriteFile(keep, []byte("x"), 0o644))

	require.NoError(t, ws.Ensure())

	_, err := os.Stat(keep)
	assert.NoError(t, err, "re-provisioning must not erase output")

	target, err := os.Readlink(ws.OutputAlias)
	require.NoError(t, err)
	assert.Equal(t, ws.OutputDir, target)

	data, err := os.ReadFile(filepath.Join(ws.OutputAlias, "previous_RVC.wav"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestEnsureAliasReplacesDirectory(t *testing.T) {
	ws := newTestWorkspace(t)
	require.NoError(t, os.MkdirAll(filepath.Join(ws.InputAlias, "stale"), 0o755))

	require.NoError(t, ws.Ensure())

	fi, err := os.Lstat(ws.InputAlias)
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeSymlink)
}

func TestEnsureAliasRepointsLink(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	alias := filepath.Join(dir, "alias")
	require.NoError(t, os.Mkdir(a, 0o755))
	require.NoError(t, os.Mkdir(b, 0o755))

	require.NoError(t, EnsureAlias(alias, a))
	require.NoError(t, EnsureAlias(alias, b))

	target, err := os.Readlink(alias)
	require.NoError(t, err)
	assert.Equal(t, b, target)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "no temporary links left behind")
}

func TestClearDir(t *testing.T) {
	ws := newTestWorkspace(t)
	require.NoError(t, ws.Ensure())
	require.NoError(t, os.WriteFile(filepath.Join(ws.InputDir, "old.wav"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(ws.InputDir, "nested"), 0o755))

	require.NoError(t, ClearDir(ws.InputDir))

	entries, err := os.ReadDir(ws.InputDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "model.index"), nil, 0o644))

	assert.Equal(t, []string{"sub/", filepath.Join("sub", "model.index")}, Listing(dir))
	assert.Empty(t, Listing(filepath.Join(dir, "missing")))
}
