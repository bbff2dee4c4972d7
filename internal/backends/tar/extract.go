package tar

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"go.uber.org/zap"

	"github.com/infracollect/ark/internal/engine"
	"github.com/infracollect/ark/internal/extract"
)

// Extract writes the named members, or every member when names is empty, into dest.
func (b *Backend) Extract(ctx context.Context, names []string, dest string, opts engine.ExtractOptions, obs engine.Observer) error {
	if dest == "" {
		return engine.ErrEmptyDestination
	}
	dest, err := filepath.Abs(dest)
	if err != nil {
		return fmt.Errorf("failed to resolve destination %s: %w", dest, err)
	}

	var (
		members []string
		target  = dest
	)

	m := engine.NewMachine("extract", b.logger, stagePrepare, map[engine.Stage]engine.StageFunc{
		stagePrepare: func(ctx context.Context) (engine.Stage, error) {
			if err := b.prepare(ctx, b.effective); err != nil {
				return "", err
			}
			return stageParse, nil
		},
		stageParse: func(context.Context) (engine.Stage, error) {
			if err := b.parse(nil); err != nil {
				return "", fmt.Errorf("%w: %w", engine.ErrOpenFailed, err)
			}
			members, err = b.requested(names)
			if err != nil {
				return "", err
			}
			return stageExtract, nil
		},
		stageExtract: func(ctx context.Context) (engine.Stage, error) {
			if err := b.cfg.Fs.MkdirAll(dest, 0o755); err != nil {
				return "", fmt.Errorf("failed to create destination %s: %w", dest, err)
			}
			if !opts.PreservePaths {
				staging, err := b.temp.StagingDir("extract-")
				if err != nil {
					return "", err
				}
				target = staging
			}
			if err := b.runExtract(ctx, members, target, opts); err != nil {
				return "", err
			}
			if target != dest {
				return stageFlatten, nil
			}
			return engine.StageDone, nil
		},
		stageFlatten: func(context.Context) (engine.Stage, error) {
			defer func() {
				if err := b.cfg.Fs.RemoveAll(target); err != nil {
					b.logger.Warn("failed to remove staging directory", zap.String("path", target), zap.Error(err))
				}
			}()
			if err := extract.Flatten(b.cfg.Fs, target, dest, opts.Overwrite); err != nil {
				return "", err
			}
			return engine.StageDone, nil
		},
	})
	if err := m.Run(ctx); err != nil {
		return err
	}

	if obs != nil {
		var total int64
		for _, name := range b.order {
			total += b.members[name].Size
		}
		obs.OnProgress(total, total)
	}
	return nil
}

// requested maps the requested names to archive members. Unknown names are an error.
func (b *Backend) requested(names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	var missing []string
	for _, raw := range names {
		name, _ := normalizeName(raw)
		if !slices.ContainsFunc(b.order, func(member string) bool { return covers(name, member) }) {
			missing = append(missing, raw)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", engine.ErrMemberNotFound, missing)
	}

	members := make([]string, 0, len(names))
	for _, raw := range names {
		name, _ := normalizeName(raw)
		members = append(members, name)
	}
	return members, nil
}

func (b *Backend) runExtract(ctx context.Context, members []string, dir string, opts engine.ExtractOptions) error {
	tempPath, err := b.temp.Path()
	if err != nil {
		return err
	}

	flags := "-x"
	if !opts.Overwrite {
		flags += "k"
	}
	if opts.PreservePermissions {
		flags += "p"
	}
	flags += "f"

	args := []string{flags, tempPath, "-C", dir}
	for _, name := range members {
		args = append(args, b.archiverNames(name)...)
	}
	return b.runArchiver(ctx, "tar extract", args, nil)
}
