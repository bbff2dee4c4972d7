package iso

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/infracollect/ark/internal/engine"
	"github.com/infracollect/ark/internal/process"
)

// fakeArchiver stands in for bsdtar: it prints a fixed listing and extracts a fixed tree.
const fakeArchiver = `#!/bin/sh
case "$1" in
-tvf)
	cat <<'EOF'
drwxr-xr-x  2 0      0           0 May  1  2024 docs/
-rw-r--r--  1 0      0           5 May  1  2024 docs/a.txt
-rw-r--r--  1 0      0           3 May  1  2024 top.txt
EOF
	;;
-x*)
	dir="$4"
	mkdir -p "$dir/docs"
	printf alpha > "$dir/docs/a.txt"
	printf top > "$dir/top.txt"
	;;
*)
	echo "unexpected arguments: $*" >&2
	exit 2
	;;
esac
`

func setup(t *testing.T) (*Backend, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake archiver is a shell script")
	}
	dir := t.TempDir()
	program := filepath.Join(dir, "bsdtar")
	require.NoError(t, os.WriteFile(program, []byte(fakeArchiver), 0o755))
	image := filepath.Join(dir, "image.iso")
	require.NoError(t, os.WriteFile(image, nil, 0o644))

	b, err := New(zap.NewNop(), Config{
		Program: program,
		TempDir: filepath.Join(dir, "tmp"),
		Fs:      afero.NewOsFs(),
		Now:     func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.Local) },
	}, engine.Source{Path: image, MimeType: "application/x-cd-image"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, dir
}

func TestList(t *testing.T) {
	b, _ := setup(t)
	assert.Equal(t, engine.CapabilitiesReadOnly, b.Capabilities())

	var entries []engine.Entry
	require.NoError(t, b.List(t.Context(), engine.ObserverFuncs{Entry: func(e engine.Entry) { entries = append(entries, e) }}))

	require.Len(t, entries, 3)
	assert.Equal(t, "docs", entries[0].Name)
	assert.True(t, entries[0].IsDir())
	assert.Equal(t, "docs/a.txt", entries[1].Name)
	assert.Equal(t, int64(5), entries[1].Size)
	assert.Equal(t, "-rw-r--r--", entries[1].Permissions())
}

func TestList_Failures(t *testing.T) {
	t.Run("missing image", func(t *testing.T) {
		b, err := New(zap.NewNop(), Config{}, engine.Source{Path: filepath.Join(t.TempDir(), "nope.iso")})
		require.NoError(t, err)
		assert.ErrorIs(t, b.Open(t.Context(), nil), engine.ErrOpenFailed)
	})

	t.Run("archiver fails", func(t *testing.T) {
		b, _ := setup(t)
		b.cfg.Program = "false"
		err := b.List(t.Context(), nil)
		assert.ErrorIs(t, err, engine.ErrOpenFailed)

		var exitErr *process.ExitError
		assert.True(t, errors.As(err, &exitErr))
	})
}

func TestExtract(t *testing.T) {
	t.Run("preserve paths", func(t *testing.T) {
		b, dir := setup(t)
		dest := filepath.Join(dir, "out")

		var done, total int64
		require.NoError(t, b.Extract(t.Context(), nil, dest, engine.ExtractOptions{PreservePaths: true},
			engine.ObserverFuncs{Progress: func(d, tot int64) { done, total = d, tot }}))

		assertFile(t, filepath.Join(dest, "docs", "a.txt"), "alpha")
		assertFile(t, filepath.Join(dest, "top.txt"), "top")
		assert.Equal(t, int64(8), done)
		assert.Equal(t, int64(8), total)
	})

	t.Run("flatten", func(t *testing.T) {
		b, dir := setup(t)
		dest := filepath.Join(dir, "flat")

		require.NoError(t, b.Extract(t.Context(), nil, dest, engine.ExtractOptions{}, nil))

		assertFile(t, filepath.Join(dest, "a.txt"), "alpha")
		assertFile(t, filepath.Join(dest, "top.txt"), "top")
		assert.NoDirExists(t, filepath.Join(dest, "docs"))
	})

	t.Run("unknown member", func(t *testing.T) {
		b, dir := setup(t)
		err := b.Extract(t.Context(), []string{"missing"}, filepath.Join(dir, "out"), engine.ExtractOptions{}, nil)
		assert.ErrorIs(t, err, engine.ErrMemberNotFound)
	})

	t.Run("empty destination", func(t *testing.T) {
		b, _ := setup(t)
		assert.ErrorIs(t, b.Extract(t.Context(), nil, "", engine.ExtractOptions{}, nil), engine.ErrEmptyDestination)
	})
}

func assertFile(t *testing.T, path, want string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, string(data))
}
