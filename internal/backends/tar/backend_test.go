package tar

import (
	"archive/tar"
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/infracollect/ark/internal/compression"
	"github.com/infracollect/ark/internal/engine"
	"github.com/infracollect/ark/internal/process"
)

var baseTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type member struct {
	name    string
	body    string
	mode    int64
	typ     byte
	link    string
	modTime time.Time
}

func buildTar(t *testing.T, members ...member) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, m := range members {
		typ := m.typ
		if typ == 0 {
			typ = tar.TypeReg
		}
		modTime := m.modTime
		if modTime.IsZero() {
			modTime = baseTime
		}
		hdr := &tar.Header{
			Name:     m.name,
			Typeflag: typ,
			Mode:     m.mode,
			Size:     int64(len(m.body)),
			Linkname: m.link,
			ModTime:  modTime,
			Uname:    "alice",
			Gname:    "staff",
			Format:   tar.FormatGNU,
		}
		if typ != tar.TypeReg {
			hdr.Size = 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if typ == tar.TypeReg {
			_, err := tw.Write([]byte(m.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func compress(t *testing.T, mimeType string, data []byte) []byte {
	t.Helper()
	f, ok := compression.NewSelector().Filter(mimeType)
	require.True(t, ok)
	var buf bytes.Buffer
	_, err := compression.Encode(f.Codec, &buf, bytes.NewReader(data))
	require.NoError(t, err)
	return buf.Bytes()
}

func embeddedConfig(t *testing.T) Config {
	return Config{
		Selector: compression.NewSelector(compression.WithPreferEmbedded(true)),
		Fs:       afero.NewOsFs(),
		TempDir:  t.TempDir(),
	}
}

func newBackend(t *testing.T, cfg Config, path, mimeType string) *Backend {
	t.Helper()
	b, err := New(zap.NewNop(), cfg, engine.Source{Path: path, MimeType: mimeType})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func list(t *testing.T, b *Backend) map[string]engine.Entry {
	t.Helper()
	entries := make(map[string]engine.Entry)
	var names []string
	obs := engine.ObserverFuncs{Entry: func(e engine.Entry) {
		entries[e.Name] = e
		names = append(names, e.Name)
	}}
	require.NoError(t, b.List(t.Context(), obs))
	require.Len(t, names, len(entries), "listing must not report a member twice")
	return entries
}

// requireGNUTar skips tests that drive the archiver; --delete is GNU-only.
func requireGNUTar(t *testing.T) {
	t.Helper()
	out, err := exec.Command("tar", "--version").Output()
	if err != nil || !bytes.Contains(out, []byte("GNU tar")) {
		t.Skip("GNU tar is required")
	}
}

func writeLocal(t *testing.T, path, body string, modTime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}

func TestOpen_Entries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "perms.tar")
	require.NoError(t, os.WriteFile(path, buildTar(t,
		member{name: "./bin/", typ: tar.TypeDir, mode: 0o1777},
		member{name: "./bin/tool", body: "#!/bin/sh", mode: 0o4755},
		member{name: "./bin/shared", body: "x", mode: 0o2640},
		member{name: "./bin/link", typ: tar.TypeSymlink, link: "tool", mode: 0o777},
	), 0o644))

	b := newBackend(t, embeddedConfig(t), path, compression.MimeTar)
	var entries []engine.Entry
	require.NoError(t, b.Open(t.Context(), engine.ObserverFuncs{Entry: func(e engine.Entry) {
		entries = append(entries, e)
	}}))

	require.Len(t, entries, 4)
	assert.True(t, b.dotSlash)

	want := map[string]string{
		"bin":        "drwxrwxrwt",
		"bin/tool":   "-rwsr-xr-x",
		"bin/shared": "-rw-r-S---",
		"bin/link":   "lrwxrwxrwx",
	}
	for _, e := range entries {
		perms := e.Permissions()
		assert.Equal(t, want[e.Name], perms, e.Name)

		switch e.Type {
		case engine.EntryDir:
			assert.Equal(t, byte('d'), perms[0])
		case engine.EntrySymlink:
			assert.Equal(t, byte('l'), perms[0])
			assert.Equal(t, "tool", e.Link)
		default:
			assert.Equal(t, byte('-'), perms[0])
		}
		assert.Equal(t, "alice", e.Owner)
		assert.Equal(t, "staff", e.Group)
	}
	assert.True(t, entries[1].ModTime.Equal(baseTime))
	assert.Equal(t, baseTime.Local().Format(engine.TimestampLayout), entries[1].Value(engine.ColumnTimestamp))
}

func TestOpen_LastHeaderWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dup.tar")
	require.NoError(t, os.WriteFile(path, buildTar(t,
		member{name: "a.txt", body: "first", mode: 0o644},
		member{name: "a.txt", body: "second!", mode: 0o644},
	), 0o644))

	b := newBackend(t, embeddedConfig(t), path, compression.MimeTar)
	entries := list(t, b)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(7), entries["a.txt"].Size)
}

func TestOpen_MisdeclaredCompression(t *testing.T) {
	plain := buildTar(t, member{name: "hello.txt", body: "hello", mode: 0o644})

	tests := []struct {
		name     string
		actual   string
		declared string
	}{
		{"bzip2 declared as gzip", compression.MimeBzip2Tar, compression.MimeGzipTar},
		{"gzip declared as bzip2", compression.MimeGzipTar, compression.MimeBzip2Tar},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "archive.tar.x")
			require.NoError(t, os.WriteFile(path, compress(t, tt.actual, plain), 0o644))

			b := newBackend(t, embeddedConfig(t), path, tt.declared)
			entries := list(t, b)
			assert.Contains(t, entries, "hello.txt")
			assert.Equal(t, tt.actual, b.EffectiveMimeType())
		})
	}

	t.Run("corrupt input fails after one retry", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.tar.gz")
		require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("not an archive ", 64)), 0o644))

		b := newBackend(t, embeddedConfig(t), path, compression.MimeGzipTar)
		err := b.Open(t.Context(), nil)
		require.ErrorIs(t, err, engine.ErrOpenFailed)

		var stageErr *engine.StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, stagePrepareAlternate, stageErr.Stage)
	})

	t.Run("plain tar that does not parse", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.tar")
		require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xff}, 1024), 0o644))

		b := newBackend(t, embeddedConfig(t), path, compression.MimeTar)
		assert.ErrorIs(t, b.Open(t.Context(), nil), engine.ErrOpenFailed)
	})
}

func TestOpen_MissingSourceIsEmpty(t *testing.T) {
	for _, mimeType := range []string{compression.MimeTar, compression.MimeGzipTar, compression.MimeLzopTar} {
		t.Run(mimeType, func(t *testing.T) {
			dir := t.TempDir()
			missing := newBackend(t, embeddedConfig(t), filepath.Join(dir, "new.tar"), mimeType)
			assert.Empty(t, list(t, missing))

			empty := filepath.Join(dir, "empty.tar")
			require.NoError(t, os.WriteFile(empty, nil, 0o644))
			b := newBackend(t, embeddedConfig(t), empty, mimeType)
			assert.Empty(t, list(t, b))
		})
	}
}

func TestAdd_CreatesCompressedArchive(t *testing.T) {
	requireGNUTar(t)

	src := t.TempDir()
	writeLocal(t, filepath.Join(src, "docs", "a.txt"), "alpha", baseTime)
	writeLocal(t, filepath.Join(src, "docs", "sub", "b.txt"), "bravo!", baseTime)

	path := filepath.Join(t.TempDir(), "new.tar.gz")
	b := newBackend(t, embeddedConfig(t), path, compression.MimeGzipTar)
	require.NoError(t, b.Create(t.Context()))
	require.NoError(t, b.Add(t.Context(), []string{filepath.Join(src, "docs")}, engine.AddOptions{}, nil))

	reopened := newBackend(t, embeddedConfig(t), path, compression.MimeGzipTar)
	entries := list(t, reopened)
	assert.ElementsMatch(t, []string{"docs", "docs/a.txt", "docs/sub", "docs/sub/b.txt"}, keys(entries))
	assert.Equal(t, int64(6), entries["docs/sub/b.txt"].Size)
	assert.Equal(t, compression.MimeGzipTar, reopened.EffectiveMimeType())
}

func TestAdd_ReplaceOnlyWithNewerIsIdempotent(t *testing.T) {
	requireGNUTar(t)

	src := t.TempDir()
	file := filepath.Join(src, "a.txt")
	writeLocal(t, file, "alpha", baseTime)

	path := filepath.Join(t.TempDir(), "archive.tar")
	b := newBackend(t, embeddedConfig(t), path, compression.MimeTar)
	opts := engine.AddOptions{ReplaceOnlyWithNewer: true}
	require.NoError(t, b.Add(t.Context(), []string{file}, opts, nil))

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, b.Add(t.Context(), []string{file}, opts, nil))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "an unchanged file must not rewrite the archive")

	entries := list(t, b)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(5), entries["a.txt"].Size)
}

func TestAdd_NewerFileReplacesMember(t *testing.T) {
	requireGNUTar(t)

	src := t.TempDir()
	file := filepath.Join(src, "a.txt")
	path := filepath.Join(t.TempDir(), "archive.tar")
	require.NoError(t, os.WriteFile(path, buildTar(t,
		member{name: "a.txt", body: "old", mode: 0o644, modTime: baseTime},
		member{name: "keep.txt", body: "keep", mode: 0o644, modTime: baseTime},
	), 0o644))

	writeLocal(t, file, "brand new content", baseTime.Add(time.Hour))

	b := newBackend(t, embeddedConfig(t), path, compression.MimeTar)
	require.NoError(t, b.Add(t.Context(), []string{file}, engine.AddOptions{ReplaceOnlyWithNewer: true}, nil))

	entries := list(t, b)
	assert.ElementsMatch(t, []string{"a.txt", "keep.txt"}, keys(entries))
	assert.Equal(t, int64(len("brand new content")), entries["a.txt"].Size)

	raw := rawNames(t, path)
	assert.Equal(t, 1, count(raw, "a.txt"), "the old member must be deleted, not shadowed")
}

func TestAdd_OlderFileIsSkipped(t *testing.T) {
	requireGNUTar(t)

	src := t.TempDir()
	file := filepath.Join(src, "a.txt")
	path := filepath.Join(t.TempDir(), "archive.tar")
	require.NoError(t, os.WriteFile(path, buildTar(t,
		member{name: "a.txt", body: "archived", mode: 0o644, modTime: baseTime},
	), 0o644))
	writeLocal(t, file, "stale", baseTime.Add(-time.Hour))

	b := newBackend(t, embeddedConfig(t), path, compression.MimeTar)
	require.NoError(t, b.Add(t.Context(), []string{file}, engine.AddOptions{ReplaceOnlyWithNewer: true}, nil))
	assert.Equal(t, int64(len("archived")), list(t, b)["a.txt"].Size)

	require.NoError(t, b.Add(t.Context(), []string{file}, engine.AddOptions{}, nil))
	assert.Equal(t, int64(len("stale")), list(t, b)["a.txt"].Size, "without the policy the file always replaces")
	assert.Equal(t, 1, count(rawNames(t, path), "a.txt"))
}

func TestAdd_KeepsDotSlashNaming(t *testing.T) {
	requireGNUTar(t)

	src := t.TempDir()
	writeLocal(t, filepath.Join(src, "b.txt"), "bravo", baseTime)

	path := filepath.Join(t.TempDir(), "archive.tar")
	require.NoError(t, os.WriteFile(path, buildTar(t,
		member{name: "./a.txt", body: "alpha", mode: 0o644},
	), 0o644))

	b := newBackend(t, embeddedConfig(t), path, compression.MimeTar)
	require.NoError(t, b.Add(t.Context(), []string{"b.txt"}, engine.AddOptions{WorkDir: src}, nil))

	assert.ElementsMatch(t, []string{"./a.txt", "./b.txt"}, rawNames(t, path))
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		raw, name, prefix string
	}{
		{"a.txt", "a.txt", ""},
		{"./a.txt", "a.txt", "./"},
		{"././a.txt", "a.txt", "././"},
		{"./docs/", "docs", "./"},
		{"./", "", "./"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			name, prefix := normalizeName(tt.raw)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.prefix, prefix)
		})
	}
}

func mixedPrefixArchive(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mixed.tar")
	require.NoError(t, os.WriteFile(path, buildTar(t,
		member{name: "./a.txt", body: "alpha", mode: 0o644},
		member{name: "b.txt", body: "bravo", mode: 0o644},
		member{name: "./docs/c.txt", body: "charlie", mode: 0o644},
		member{name: "docs/d.txt", body: "delta", mode: 0o644},
	), 0o644))
	return path
}

func TestArchiverNames_FollowStoredPrefix(t *testing.T) {
	b := newBackend(t, embeddedConfig(t), mixedPrefixArchive(t), compression.MimeTar)
	require.NoError(t, b.Open(t.Context(), nil))

	assert.Equal(t, []string{"./a.txt"}, b.archiverNames("a.txt"))
	assert.Equal(t, []string{"b.txt"}, b.archiverNames("b.txt"))
	assert.ElementsMatch(t, []string{"./docs", "docs"}, b.archiverNames("docs"))
	assert.Equal(t, "b.txt", b.member("b.txt"))
	assert.Equal(t, "./new.txt", b.member("new.txt"), "new members follow the archive convention")
}

func TestMixedPrefixMembers(t *testing.T) {
	requireGNUTar(t)

	t.Run("delete unprefixed member", func(t *testing.T) {
		path := mixedPrefixArchive(t)
		b := newBackend(t, embeddedConfig(t), path, compression.MimeTar)
		require.NoError(t, b.Delete(t.Context(), []string{"b.txt"}, nil))
		assert.ElementsMatch(t, []string{"./a.txt", "./docs/c.txt", "docs/d.txt"}, rawNames(t, path))
	})

	t.Run("delete directory stored both ways", func(t *testing.T) {
		path := mixedPrefixArchive(t)
		b := newBackend(t, embeddedConfig(t), path, compression.MimeTar)
		require.NoError(t, b.Delete(t.Context(), []string{"docs"}, nil))
		assert.ElementsMatch(t, []string{"./a.txt", "b.txt"}, rawNames(t, path))
	})

	t.Run("extract both forms", func(t *testing.T) {
		dest := t.TempDir()
		b := newBackend(t, embeddedConfig(t), mixedPrefixArchive(t), compression.MimeTar)
		require.NoError(t, b.Extract(t.Context(), []string{"a.txt", "b.txt", "docs"}, dest, engine.ExtractOptions{PreservePaths: true}, nil))

		assertFile(t, filepath.Join(dest, "a.txt"), "alpha")
		assertFile(t, filepath.Join(dest, "b.txt"), "bravo")
		assertFile(t, filepath.Join(dest, "docs", "c.txt"), "charlie")
		assertFile(t, filepath.Join(dest, "docs", "d.txt"), "delta")
	})

	t.Run("replacing keeps the stored name", func(t *testing.T) {
		src := t.TempDir()
		writeLocal(t, filepath.Join(src, "b.txt"), "bravo two", baseTime.Add(time.Hour))

		path := mixedPrefixArchive(t)
		b := newBackend(t, embeddedConfig(t), path, compression.MimeTar)
		require.NoError(t, b.Add(t.Context(), []string{"b.txt"}, engine.AddOptions{WorkDir: src}, nil))

		names := rawNames(t, path)
		assert.Equal(t, 1, count(names, "b.txt"))
		assert.Zero(t, count(names, "./b.txt"))
		assert.Equal(t, int64(len("bravo two")), list(t, b)["b.txt"].Size)
	})
}

func TestAdd_RejectsFilesOutsideWorkDir(t *testing.T) {
	requireGNUTar(t)

	root := t.TempDir()
	writeLocal(t, filepath.Join(root, "outside.txt"), "x", baseTime)
	workDir := filepath.Join(root, "work")
	require.NoError(t, os.MkdirAll(workDir, 0o755))

	path := filepath.Join(t.TempDir(), "archive.tar")
	b := newBackend(t, embeddedConfig(t), path, compression.MimeTar)
	err := b.Add(t.Context(), []string{filepath.Join(root, "outside.txt")}, engine.AddOptions{WorkDir: workDir}, nil)
	assert.ErrorContains(t, err, "outside the working directory")

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDelete(t *testing.T) {
	requireGNUTar(t)

	newArchive := func(t *testing.T) string {
		path := filepath.Join(t.TempDir(), "archive.tar.bz2")
		require.NoError(t, os.WriteFile(path, compress(t, compression.MimeBzip2Tar, buildTar(t,
			member{name: "docs/", typ: tar.TypeDir, mode: 0o755},
			member{name: "docs/a.txt", body: "alpha", mode: 0o644},
			member{name: "docs/b.txt", body: "bravo", mode: 0o644},
			member{name: "top.txt", body: "top", mode: 0o644},
		)), 0o644))
		return path
	}

	t.Run("nonexistent member is a no-op", func(t *testing.T) {
		path := newArchive(t)
		before, err := os.ReadFile(path)
		require.NoError(t, err)

		b := newBackend(t, embeddedConfig(t), path, compression.MimeBzip2Tar)
		var removed []string
		require.NoError(t, b.Delete(t.Context(), []string{"missing.txt"}, engine.ObserverFuncs{
			EntryRemoved: func(name string) { removed = append(removed, name) },
		}))
		assert.Empty(t, removed)

		after, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, before, after)
		assert.Len(t, list(t, b), 4)
	})

	t.Run("directory removes its contents", func(t *testing.T) {
		path := newArchive(t)
		b := newBackend(t, embeddedConfig(t), path, compression.MimeBzip2Tar)

		var removed []string
		require.NoError(t, b.Delete(t.Context(), []string{"docs", "missing.txt"}, engine.ObserverFuncs{
			EntryRemoved: func(name string) { removed = append(removed, name) },
		}))
		assert.ElementsMatch(t, []string{"docs", "docs/a.txt", "docs/b.txt"}, removed)

		reopened := newBackend(t, embeddedConfig(t), path, compression.MimeBzip2Tar)
		assert.Equal(t, []string{"top.txt"}, keys(list(t, reopened)))
		assert.Equal(t, compression.MimeBzip2Tar, reopened.EffectiveMimeType())
	})
}

func TestExtract(t *testing.T) {
	requireGNUTar(t)

	path := filepath.Join(t.TempDir(), "archive.tar")
	require.NoError(t, os.WriteFile(path, buildTar(t,
		member{name: "./docs/", typ: tar.TypeDir, mode: 0o755},
		member{name: "./docs/a.txt", body: "alpha", mode: 0o644},
		member{name: "./docs/deep/", typ: tar.TypeDir, mode: 0o755},
		member{name: "./docs/deep/b.txt", body: "bravo", mode: 0o600},
		member{name: "./top.txt", body: "top", mode: 0o644},
	), 0o644))

	t.Run("everything with paths", func(t *testing.T) {
		dest := t.TempDir()
		b := newBackend(t, embeddedConfig(t), path, compression.MimeTar)
		var done int64
		require.NoError(t, b.Extract(t.Context(), nil, dest, engine.ExtractOptions{PreservePaths: true, PreservePermissions: true},
			engine.ObserverFuncs{Progress: func(d, _ int64) { done = d }}))

		assertFile(t, filepath.Join(dest, "docs", "a.txt"), "alpha")
		assertFile(t, filepath.Join(dest, "docs", "deep", "b.txt"), "bravo")
		assertFile(t, filepath.Join(dest, "top.txt"), "top")
		assert.Equal(t, int64(13), done)

		info, err := os.Stat(filepath.Join(dest, "docs", "deep", "b.txt"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})

	t.Run("everything flattened", func(t *testing.T) {
		dest := t.TempDir()
		b := newBackend(t, embeddedConfig(t), path, compression.MimeTar)
		require.NoError(t, b.Extract(t.Context(), nil, dest, engine.ExtractOptions{}, nil))

		names := dirNames(t, dest)
		assert.ElementsMatch(t, []string{"a.txt", "b.txt", "top.txt"}, names)
		assertFile(t, filepath.Join(dest, "b.txt"), "bravo")
	})

	t.Run("selected members", func(t *testing.T) {
		dest := t.TempDir()
		b := newBackend(t, embeddedConfig(t), path, compression.MimeTar)
		require.NoError(t, b.Extract(t.Context(), []string{"docs/deep"}, dest, engine.ExtractOptions{PreservePaths: true}, nil))

		assertFile(t, filepath.Join(dest, "docs", "deep", "b.txt"), "bravo")
		_, err := os.Stat(filepath.Join(dest, "top.txt"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("unknown member", func(t *testing.T) {
		b := newBackend(t, embeddedConfig(t), path, compression.MimeTar)
		err := b.Extract(t.Context(), []string{"nope.txt"}, t.TempDir(), engine.ExtractOptions{PreservePaths: true}, nil)
		assert.ErrorIs(t, err, engine.ErrMemberNotFound)
	})

	t.Run("existing file without overwrite", func(t *testing.T) {
		dest := t.TempDir()
		writeLocal(t, filepath.Join(dest, "top.txt"), "mine", baseTime)

		b := newBackend(t, embeddedConfig(t), path, compression.MimeTar)
		err := b.Extract(t.Context(), []string{"top.txt"}, dest, engine.ExtractOptions{PreservePaths: true}, nil)
		assert.Error(t, err)
		assertFile(t, filepath.Join(dest, "top.txt"), "mine")

		require.NoError(t, b.Extract(t.Context(), []string{"top.txt"}, dest, engine.ExtractOptions{PreservePaths: true, Overwrite: true}, nil))
		assertFile(t, filepath.Join(dest, "top.txt"), "top")
	})

	t.Run("empty destination", func(t *testing.T) {
		b := newBackend(t, embeddedConfig(t), path, compression.MimeTar)
		assert.ErrorIs(t, b.Extract(t.Context(), nil, "", engine.ExtractOptions{}, nil), engine.ErrEmptyDestination)
	})
}

func TestExtractThenReAddRoundTrip(t *testing.T) {
	requireGNUTar(t)

	path := filepath.Join(t.TempDir(), "archive.tar.gz")
	require.NoError(t, os.WriteFile(path, compress(t, compression.MimeGzipTar, buildTar(t,
		member{name: "proj/", typ: tar.TypeDir, mode: 0o755},
		member{name: "proj/main.go", body: "package main", mode: 0o644},
		member{name: "proj/lib/", typ: tar.TypeDir, mode: 0o755},
		member{name: "proj/lib/util.go", body: "package lib // util", mode: 0o644},
	)), 0o644))

	original := newBackend(t, embeddedConfig(t), path, compression.MimeGzipTar)
	want := list(t, original)

	dest := t.TempDir()
	require.NoError(t, original.Extract(t.Context(), nil, dest, engine.ExtractOptions{PreservePaths: true}, nil))

	copyPath := filepath.Join(t.TempDir(), "copy.tar.gz")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(copyPath, data, 0o644))

	cp := newBackend(t, embeddedConfig(t), copyPath, compression.MimeGzipTar)
	require.NoError(t, cp.Add(t.Context(), []string{"proj"}, engine.AddOptions{WorkDir: dest}, nil))

	got := list(t, cp)
	require.ElementsMatch(t, keys(want), keys(got))
	for name, entry := range want {
		assert.Equal(t, entry.Size, got[name].Size, name)
	}
	for _, name := range []string{"proj/main.go", "proj/lib/util.go"} {
		assert.Equal(t, 1, count(rawNames(t, copyPath), name))
	}
}

// shortWriteFs hands out staging files that store only half of every write.
type shortWriteFs struct {
	afero.Fs
}

func (s shortWriteFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f, err := s.Fs.OpenFile(name, flag, perm)
	if err != nil || !strings.Contains(filepath.Base(name), ".ark-") {
		return f, err
	}
	return shortWriteFile{File: f}, nil
}

type shortWriteFile struct {
	afero.File
}

func (f shortWriteFile) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	n, err := f.File.Write(b[:len(b)/2])
	return n, err
}

func TestCommit_ShortWriteLeavesOriginalUntouched(t *testing.T) {
	requireGNUTar(t)

	src := t.TempDir()
	writeLocal(t, filepath.Join(src, "new.txt"), strings.Repeat("payload ", 1024), baseTime)

	tests := []struct {
		name     string
		mimeType string
		encode   func(t *testing.T, data []byte) []byte
	}{
		{"plain", compression.MimeTar, func(_ *testing.T, data []byte) []byte { return data }},
		{"embedded gzip", compression.MimeGzipTar, func(t *testing.T, data []byte) []byte {
			return compress(t, compression.MimeGzipTar, data)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "archive")
			original := tt.encode(t, buildTar(t, member{name: "a.txt", body: "alpha", mode: 0o644}))
			require.NoError(t, os.WriteFile(path, original, 0o644))

			cfg := embeddedConfig(t)
			cfg.Fs = shortWriteFs{Fs: afero.NewOsFs()}
			b := newBackend(t, cfg, path, tt.mimeType)

			err := b.Add(t.Context(), []string{filepath.Join(src, "new.txt")}, engine.AddOptions{}, nil)
			require.ErrorIs(t, err, process.ErrShortWrite)
			assert.ErrorContains(t, err, "trouble writing to the archive")

			var stageErr *engine.StageError
			require.ErrorAs(t, err, &stageErr)
			assert.Equal(t, stageCommit, stageErr.Stage)

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, original, data)
			assert.Equal(t, []string{"archive"}, dirNames(t, dir), "the staging file must be removed")
		})
	}

	t.Run("external compressor", func(t *testing.T) {
		if _, err := exec.LookPath("gzip"); err != nil {
			t.Skip("gzip is required")
		}
		dir := t.TempDir()
		path := filepath.Join(dir, "archive.tar.gz")
		original := compress(t, compression.MimeGzipTar, buildTar(t, member{name: "a.txt", body: "alpha", mode: 0o644}))
		require.NoError(t, os.WriteFile(path, original, 0o644))

		cfg := embeddedConfig(t)
		cfg.Selector = compression.NewSelector()
		cfg.Fs = shortWriteFs{Fs: afero.NewOsFs()}
		b := newBackend(t, cfg, path, compression.MimeGzipTar)

		err := b.Add(t.Context(), []string{filepath.Join(src, "new.txt")}, engine.AddOptions{}, nil)
		require.ErrorIs(t, err, process.ErrShortWrite)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, original, data)
	})
}

func TestFactory(t *testing.T) {
	registry := engine.NewRegistry(zap.NewNop())
	registry.RegisterBackend(compression.MimeTar, Factory(embeddedConfig(t)))

	backend, err := registry.CreateBackend(t.Context(), engine.Source{
		Path:     filepath.Join(t.TempDir(), "x.tar"),
		MimeType: compression.MimeTar,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	assert.Equal(t, Kind, backend.Kind())
	assert.Equal(t, engine.CapabilitiesAll, backend.Capabilities())
	_, ok := backend.(engine.Writer)
	assert.True(t, ok)
}

func keys(entries map[string]engine.Entry) []string {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// rawNames lists the header names of an archive on disk, decoding it by extension.
func rawNames(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	if mimeType, ok := compression.MimeFromName(path); ok && compression.IsCompressed(mimeType) {
		f, _ := compression.NewSelector().Filter(mimeType)
		var plain bytes.Buffer
		_, err := compression.Decode(f.Codec, &plain, bytes.NewReader(data))
		require.NoError(t, err)
		data = plain.Bytes()
	}

	var names []string
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		names = append(names, strings.TrimSuffix(hdr.Name, "/"))
	}
	return names
}

func count(names []string, name string) int {
	n := 0
	for _, candidate := range names {
		if candidate == name {
			n++
		}
	}
	return n
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func assertFile(t *testing.T, path, want string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, string(data))
}
