package tempfile

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Replace writes a new version of path through fill into a staging file in the
// same directory and renames it over path. The staging file keeps the mode of
// the file it replaces. On any failure the staging file is removed and path is untouched.
func Replace(fsys afero.Fs, logger *zap.Logger, path string, fill func(f afero.File) error) error {
	staging, err := afero.TempFile(fsys, filepath.Dir(path), "."+filepath.Base(path)+".ark-*")
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}
	stagingPath := staging.Name()
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = staging.Close()
		if err := fsys.Remove(stagingPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("failed to remove staging file", zap.String("path", stagingPath), zap.Error(err))
		}
	}()

	if err := fill(staging); err != nil {
		return err
	}
	if err := staging.Close(); err != nil {
		return fmt.Errorf("failed to close staging file: %w", err)
	}

	mode := fs.FileMode(0o644)
	if info, err := fsys.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := fsys.Chmod(stagingPath, mode); err != nil {
		return fmt.Errorf("failed to set permissions of staging file: %w", err)
	}
	if err := fsys.Rename(stagingPath, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	committed = true

	logger.Debug("replaced file", zap.String("path", path))
	return nil
}
