package runner

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	v1 "github.com/infracollect/ark/apis/v1"
	"github.com/infracollect/ark/internal/compression"
	"github.com/infracollect/ark/internal/engine"
)

// Runner resolves archive files to backends and applies the configured operation policies.
type Runner struct {
	logger   *zap.Logger
	registry *engine.Registry
	settings v1.Settings
	fs       afero.Fs
}

func New(logger *zap.Logger, registry *engine.Registry, settings v1.Settings, fsys afero.Fs) *Runner {
	return &Runner{
		logger:   logger,
		registry: registry,
		settings: settings,
		fs:       fsys,
	}
}

func (r *Runner) Registry() *engine.Registry {
	return r.registry
}

// Load detects the archive type of path and returns an unopened Archive for it.
func (r *Runner) Load(ctx context.Context, path string, opts ...engine.ArchiveOption) (*engine.Archive, error) {
	mimeType, err := compression.Detect(ctx, r.fs, path)
	if err != nil {
		return nil, err
	}
	return r.archive(ctx, path, mimeType, opts...)
}

// Open loads path and waits for the initial listing.
func (r *Runner) Open(ctx context.Context, path string, opts ...engine.ArchiveOption) (*engine.Archive, error) {
	archive, err := r.Load(ctx, path, opts...)
	if err != nil {
		return nil, err
	}
	if err := Run(ctx, archive.Open); err != nil {
		_ = archive.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return archive, nil
}

// Create prepares a new archive at path. An empty mimeType is derived from the file name.
func (r *Runner) Create(ctx context.Context, path, mimeType string, opts ...engine.ArchiveOption) (*engine.Archive, error) {
	if mimeType == "" {
		detected, ok := compression.MimeFromName(path)
		if !ok {
			return nil, fmt.Errorf("cannot infer the archive type of %s, pass a mime type", path)
		}
		mimeType = detected
	}

	archive, err := r.archive(ctx, path, mimeType, opts...)
	if err != nil {
		return nil, err
	}
	if err := Run(ctx, archive.Create); err != nil {
		_ = archive.Close()
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return archive, nil
}

// AddOptions returns the configured add policy; workDir scopes member names.
func (r *Runner) AddOptions(workDir string) engine.AddOptions {
	return engine.AddOptions{
		ReplaceOnlyWithNewer: r.settings.Add.ReplaceOnlyWithNewer,
		WorkDir:              workDir,
	}
}

// ExtractOptions returns the configured extraction policy.
func (r *Runner) ExtractOptions() engine.ExtractOptions {
	opts := engine.ExtractOptions{
		Overwrite:           r.settings.Extract.Overwrite,
		PreservePermissions: r.settings.Extract.PreservePermissions,
		PreservePaths:       true,
	}
	if r.settings.Extract.PreservePaths != nil {
		opts.PreservePaths = *r.settings.Extract.PreservePaths
	}
	return opts
}

// BatchOptions returns the configured batch extraction policy.
func (r *Runner) BatchOptions() engine.BatchOptions {
	return engine.BatchOptions{
		ExtractOptions: r.ExtractOptions(),
		AutoSubfolder:  r.settings.Extract.AutoSubfolder,
		Concurrency:    r.settings.Extract.Concurrency,
		Stem:           compression.TrimExtension,
		Fs:             r.fs,
	}
}

// BatchExtract extracts every archive into dest.
func (r *Runner) BatchExtract(ctx context.Context, archives []string, dest string, opts engine.BatchOptions) error {
	load := func(ctx context.Context, path string) (*engine.Archive, error) {
		return r.Load(ctx, path)
	}
	return engine.BatchExtract(ctx, r.logger.Named("batch"), load, archives, dest, opts)
}

func (r *Runner) archive(ctx context.Context, path, mimeType string, opts ...engine.ArchiveOption) (*engine.Archive, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve archive path %s: %w", path, err)
	}

	backend, err := r.registry.CreateBackend(ctx, engine.Source{Path: abs, MimeType: mimeType})
	if err != nil {
		return nil, err
	}

	r.logger.Debug("loaded archive",
		zap.String("path", abs),
		zap.String("mime_type", mimeType),
		zap.String("backend", backend.Name()),
	)

	opts = append([]engine.ArchiveOption{engine.WithFs(r.fs)}, opts...)
	return engine.NewArchive(r.logger.Named("archive"), abs, mimeType, backend, opts...), nil
}

// Run starts an archive operation and waits for its outcome.
func Run(ctx context.Context, start func(context.Context) (*engine.Job, error)) error {
	job, err := start(ctx)
	if err != nil {
		return err
	}
	return job.Wait(ctx)
}
