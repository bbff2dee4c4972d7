package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Loader creates an Archive for a file path.
type Loader func(ctx context.Context, path string) (*Archive, error)

type BatchOptions struct {
	ExtractOptions
	// AutoSubfolder extracts archives that are not single-folder archives into a new directory named after them.
	AutoSubfolder bool
	// Concurrency bounds how many archives are processed at once. Values below 1 mean 1.
	Concurrency int
	// Stem derives the subfolder name from the archive path. Defaults to the base name without its last extension.
	Stem func(path string) string
	// Fs is used to create subfolders. Defaults to the OS filesystem.
	Fs afero.Fs
}

// BatchExtract extracts every archive into dest. Failures do not stop the other archives;
// they are joined into the returned error.
func BatchExtract(ctx context.Context, logger *zap.Logger, load Loader, archives []string, dest string, opts BatchOptions) error {
	if dest == "" {
		return ErrEmptyDestination
	}
	if opts.Stem == nil {
		opts.Stem = func(p string) string {
			base := filepath.Base(p)
			return strings.TrimSuffix(base, filepath.Ext(base))
		}
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}

	var (
		mu   sync.Mutex
		errs error
	)

	g := new(errgroup.Group)
	g.SetLimit(max(opts.Concurrency, 1))

	for _, archivePath := range archives {
		g.Go(func() error {
			if err := extractOne(ctx, logger, load, archivePath, dest, opts); err != nil {
				mu.Lock()
				errs = errors.Join(errs, fmt.Errorf("failed to extract %s: %w", archivePath, err))
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()
	return errs
}

func extractOne(ctx context.Context, logger *zap.Logger, load Loader, archivePath, dest string, opts BatchOptions) (err error) {
	archive, err := load(ctx, archivePath)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, archive.Close())
	}()

	job, err := archive.Open(ctx)
	if err != nil {
		return err
	}
	if err := job.Wait(ctx); err != nil {
		return err
	}

	target := dest
	if opts.AutoSubfolder && !archive.IsSingleFolder() {
		target, err = mkExclDir(opts.Fs, dest, opts.Stem(archivePath))
		if err != nil {
			return err
		}
	}

	logger.Info("extracting archive",
		zap.String("archive", archivePath),
		zap.String("destination", target),
		zap.Int("files", archive.NumberOfFiles()),
	)

	job, err = archive.Extract(ctx, nil, target, opts.ExtractOptions)
	if err != nil {
		return err
	}
	return job.Wait(ctx)
}

// mkExclDir creates a new directory under parent named stem, stem-1, stem-2...
func mkExclDir(fsys afero.Fs, parent, stem string) (string, error) {
	if err := fsys.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", parent, err)
	}

	name := filepath.Join(parent, stem)
	for i := 0; ; {
		exists, err := afero.Exists(fsys, name)
		if err != nil {
			return "", fmt.Errorf("failed to check directory %s: %w", name, err)
		}
		if !exists {
			switch err := fsys.Mkdir(name, 0o755); {
			case err == nil:
				return name, nil
			case !errors.Is(err, fs.ErrExist):
				return "", fmt.Errorf("failed to create directory %s: %w", name, err)
			}
		}
		i++
		name = filepath.Join(parent, stem+"-"+strconv.Itoa(i))
	}
}
