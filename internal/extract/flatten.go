package extract

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// Flatten moves every regular file and symlink below staging directly into
// dest, dropping their directories. Existing files are only replaced with overwrite.
func Flatten(fsys afero.Fs, staging, dest string, overwrite bool) error {
	return afero.Walk(fsys, staging, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		if info.IsDir() {
			return nil
		}

		target := filepath.Join(dest, filepath.Base(path))
		if _, err := lstat(fsys, target); err == nil {
			if !overwrite {
				return fmt.Errorf("%w: %s", ErrExists, target)
			}
			if err := fsys.Remove(target); err != nil {
				return fmt.Errorf("failed to replace %s: %w", target, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to stat %s: %w", target, err)
		}

		if err := fsys.Rename(path, target); err != nil {
			return fmt.Errorf("failed to move %s into %s: %w", filepath.Base(path), dest, err)
		}
		return nil
	})
}

func lstat(fsys afero.Fs, name string) (os.FileInfo, error) {
	if l, ok := fsys.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(name)
		return info, err
	}
	return fsys.Stat(name)
}
