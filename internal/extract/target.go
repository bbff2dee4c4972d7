// Package extract writes archive members into a destination directory.
package extract

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/infracollect/ark/internal/engine"
)

// ErrExists is returned when a file would be overwritten without permission.
var ErrExists = errors.New("file already exists")

// Target is a destination directory. Every write is confined to it.
type Target struct {
	logger  *zap.Logger
	root    string
	fs      afero.Fs
	opts    engine.ExtractOptions
	written int64
	total   int64
	obs     engine.Observer
}

// NewTarget creates dest if needed and returns a Target rooted at it.
func NewTarget(fsys afero.Fs, logger *zap.Logger, dest string, opts engine.ExtractOptions, obs engine.Observer) (*Target, error) {
	if dest == "" {
		return nil, engine.ErrEmptyDestination
	}
	root, err := filepath.Abs(dest)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve destination %s: %w", dest, err)
	}
	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create destination %s: %w", root, err)
	}
	if obs == nil {
		obs = engine.NopObserver
	}

	return &Target{
		logger: logger,
		root:   root,
		fs:     afero.NewBasePathFs(fsys, root),
		opts:   opts,
		obs:    obs,
	}, nil
}

// Root returns the absolute destination directory.
func (t *Target) Root() string {
	return t.root
}

// SetTotal sets the byte count reported as the progress total.
func (t *Target) SetTotal(total int64) {
	t.total = total
}

// Resolve maps a member name to its path inside the destination. Names that
// escape the destination are rejected. Without preserved paths only the base name is kept.
func (t *Target) Resolve(name string) (string, error) {
	clean := strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(name)), "/")
	if clean == "" || clean == "." {
		return "", fmt.Errorf("invalid member name %q", name)
	}
	if !t.opts.PreservePaths {
		clean = path.Base(clean)
	}
	local := filepath.FromSlash(clean)
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("member %q escapes the destination", name)
	}
	return local, nil
}

// WriteFile stores r as the member name.
func (t *Target) WriteFile(name string, r io.Reader, mode fs.FileMode, modTime time.Time) error {
	rel, err := t.Resolve(name)
	if err != nil {
		return err
	}
	if err := t.mkdirParent(rel); err != nil {
		return err
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !t.opts.Overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	perm := fs.FileMode(0o644)
	if t.opts.PreservePermissions && mode.Perm() != 0 {
		perm = mode.Perm()
	}

	f, err := t.fs.OpenFile(rel, flags, perm)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s", ErrExists, filepath.Join(t.root, rel))
	}
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", rel, err)
	}

	n, err := io.Copy(f, r)
	t.written += n
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", rel, err)
	}

	if t.opts.PreservePermissions {
		if err := t.fs.Chmod(rel, perm); err != nil {
			return fmt.Errorf("failed to set permissions of %s: %w", rel, err)
		}
	}
	if !modTime.IsZero() {
		if err := t.fs.Chtimes(rel, modTime, modTime); err != nil {
			t.logger.Debug("failed to set modification time", zap.String("file", rel), zap.Error(err))
		}
	}

	t.obs.OnProgress(t.written, t.total)
	return nil
}

// Mkdir creates the member directory. It is a no-op without preserved paths.
func (t *Target) Mkdir(name string, mode fs.FileMode) error {
	if !t.opts.PreservePaths {
		return nil
	}
	rel, err := t.Resolve(name)
	if err != nil {
		return err
	}
	perm := fs.FileMode(0o755)
	if t.opts.PreservePermissions && mode.Perm() != 0 {
		perm = mode.Perm() | 0o700
	}
	if err := t.fs.MkdirAll(rel, perm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", rel, err)
	}
	return nil
}

// Symlink creates the member as a symbolic link when the filesystem supports it.
func (t *Target) Symlink(name, target string) error {
	rel, err := t.Resolve(name)
	if err != nil {
		return err
	}
	linker, ok := t.fs.(afero.Linker)
	if !ok {
		t.logger.Warn("filesystem does not support symlinks, skipping", zap.String("member", name))
		return nil
	}
	if err := t.mkdirParent(rel); err != nil {
		return err
	}
	if _, err := t.fs.Stat(rel); err == nil {
		if !t.opts.Overwrite {
			return fmt.Errorf("%w: %s", ErrExists, filepath.Join(t.root, rel))
		}
		if err := t.fs.Remove(rel); err != nil {
			return fmt.Errorf("failed to replace %s: %w", rel, err)
		}
	}
	if err := linker.SymlinkIfPossible(target, rel); err != nil {
		return fmt.Errorf("failed to create symlink %s: %w", rel, err)
	}
	return nil
}

func (t *Target) mkdirParent(rel string) error {
	dir := filepath.Dir(rel)
	if dir == "." {
		return nil
	}
	if err := t.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// Selector reports whether a member is part of the requested names. An empty
// list selects everything; a directory name selects everything beneath it.
func Selector(names []string) func(name string) bool {
	if len(names) == 0 {
		return func(string) bool { return true }
	}
	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[normalize(n)] = struct{}{}
	}
	return func(name string) bool {
		name = normalize(name)
		for candidate := name; candidate != "." && candidate != ""; candidate = path.Dir(candidate) {
			if _, ok := wanted[candidate]; ok {
				return true
			}
			if !strings.Contains(candidate, "/") {
				break
			}
		}
		return false
	}
}

func normalize(name string) string {
	return strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(name)), "/")
}
