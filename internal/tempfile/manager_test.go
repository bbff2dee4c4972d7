package tempfile

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*Manager, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	return New(fs, zap.NewNop(), "/tmp", "ark-", "scratch.tar"), fs
}

func TestManager_LazyDirectory(t *testing.T) {
	m, fs := newTestManager(t)

	assert.False(t, m.Exists())
	entries, err := afero.ReadDir(fs, "/tmp")
	if err == nil {
		assert.Empty(t, entries)
	}

	path, err := m.Path()
	require.NoError(t, err)
	assert.Equal(t, "scratch.tar", filepath.Base(path))

	dirExists, err := afero.DirExists(fs, filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, dirExists)
	assert.False(t, m.Exists())
}

func TestManager_CreateAndReset(t *testing.T) {
	m, fs := newTestManager(t)

	f, err := m.Create()
	require.NoError(t, err)
	_, err = f.Write([]byte("contents"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.True(t, m.Exists())
	size, err := m.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(8), size)

	// Create truncates the previous contents.
	f, err = m.Create()
	require.NoError(t, err)
	require.NoError(t, f.Close())
	size, err = m.Size()
	require.NoError(t, err)
	assert.Zero(t, size)

	require.NoError(t, m.Reset())
	assert.False(t, m.Exists())

	// Resetting twice is fine.
	require.NoError(t, m.Reset())

	path, err := m.Path()
	require.NoError(t, err)
	exists, err := afero.Exists(fs, path)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestManager_CreateEmpty(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.CreateEmpty())
	assert.True(t, m.Exists())

	f, err := m.Open()
	require.NoError(t, err)
	info, err := f.Stat()
	require.NoError(t, err)
	assert.Zero(t, info.Size())
	require.NoError(t, f.Close())
}

func TestManager_CloseRemovesEverything(t *testing.T) {
	m, fs := newTestManager(t)

	require.NoError(t, m.CreateEmpty())
	staging, err := m.StagingDir("extract-")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, filepath.Join(staging, "file"), []byte("x"), 0o644))

	dir, err := m.Dir()
	require.NoError(t, err)

	require.NoError(t, m.Close())

	exists, err := afero.Exists(fs, dir)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.False(t, m.Exists())

	// Close is idempotent.
	require.NoError(t, m.Close())
}

func TestManager_DistinctDirectories(t *testing.T) {
	fs := afero.NewMemMapFs()
	a := New(fs, zap.NewNop(), "/tmp", "ark-", "scratch.tar")
	b := New(fs, zap.NewNop(), "/tmp", "ark-", "scratch.tar")

	pathA, err := a.Path()
	require.NoError(t, err)
	pathB, err := b.Path()
	require.NoError(t, err)

	assert.NotEqual(t, pathA, pathB)
}
