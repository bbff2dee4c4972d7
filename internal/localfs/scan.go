// Package localfs resolves the local files handed to an add operation.
package localfs

import (
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

// File is one local path and the member name it is stored under.
type File struct {
	// Path is the absolute local path.
	Path string
	// Dir is the absolute directory Name is relative to.
	Dir     string
	Name    string
	Mode    fs.FileMode
	ModTime time.Time
}

func (f File) IsDir() bool {
	return f.Mode.IsDir()
}

// Scan resolves files into member names. Without workDir each file is named
// by its base name; with workDir names are relative to it and files outside it
// are rejected. Directories are walked and every path below them is returned,
// parents before children.
func Scan(fsys afero.Fs, files []string, workDir string) ([]File, error) {
	if workDir != "" {
		abs, err := filepath.Abs(workDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory %s: %w", workDir, err)
		}
		workDir = abs
	}

	var found []File
	for _, file := range files {
		if workDir != "" && !filepath.IsAbs(file) {
			file = filepath.Join(workDir, file)
		}
		abs, err := filepath.Abs(file)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", file, err)
		}

		dir, name := filepath.Dir(abs), filepath.Base(abs)
		if workDir != "" {
			rel, err := filepath.Rel(workDir, abs)
			if err != nil || !filepath.IsLocal(rel) {
				return nil, fmt.Errorf("%s is outside the working directory %s", abs, workDir)
			}
			dir, name = workDir, filepath.ToSlash(rel)
		}

		err = afero.Walk(fsys, abs, func(p string, info fs.FileInfo, err error) error {
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", p, err)
			}
			rel, err := filepath.Rel(abs, p)
			if err != nil {
				return err
			}
			member := name
			if rel != "." {
				member = path.Join(name, filepath.ToSlash(rel))
			}
			found = append(found, File{
				Path:    p,
				Dir:     dir,
				Name:    member,
				Mode:    info.Mode(),
				ModTime: info.ModTime(),
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return found, nil
}

// NewerThan reports whether f is strictly newer than archived at one second precision.
func (f File) NewerThan(archived time.Time) bool {
	return f.ModTime.Truncate(time.Second).After(archived.Truncate(time.Second))
}
