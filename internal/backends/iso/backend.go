// Package iso implements a read-only backend for ISO 9660 images. Listing and
// extraction are delegated to bsdtar, which reads images natively.
package iso

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/infracollect/ark/internal/engine"
	"github.com/infracollect/ark/internal/extract"
	"github.com/infracollect/ark/internal/process"
	"github.com/infracollect/ark/internal/tempfile"
)

const Kind = "iso"

const (
	stageList    engine.Stage = "list"
	stageExtract engine.Stage = "extract"
	stageFlatten engine.Stage = "flatten"
)

type Config struct {
	// Program is a libarchive-based archiver. Defaults to "bsdtar".
	Program string
	Timeout time.Duration
	TempDir string
	// Fs must be backed by the OS filesystem: the archiver writes extracted files directly.
	Fs afero.Fs
	// Now resolves listing timestamps that omit the year. Defaults to time.Now.
	Now func() time.Time
}

type Backend struct {
	logger *zap.Logger
	cfg    Config
	path   string
	temp   *tempfile.Manager

	members map[string]engine.Entry
	order   []string
}

var _ engine.Reader = (*Backend)(nil)

func New(logger *zap.Logger, cfg Config, src engine.Source) (*Backend, error) {
	if src.Path == "" {
		return nil, fmt.Errorf("archive path is required")
	}
	path, err := filepath.Abs(src.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve archive path %s: %w", src.Path, err)
	}
	if cfg.Program == "" {
		cfg.Program = "bsdtar"
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Backend{
		logger:  logger,
		cfg:     cfg,
		path:    path,
		temp:    tempfile.New(cfg.Fs, logger, cfg.TempDir, "ark-iso-", ""),
		members: make(map[string]engine.Entry),
	}, nil
}

func Factory(cfg Config) engine.BackendFactory {
	return func(_ context.Context, logger *zap.Logger, src engine.Source) (engine.Reader, error) {
		return New(logger.Named("iso"), cfg, src)
	}
}

func (b *Backend) Name() string {
	return fmt.Sprintf("iso(%s)", b.path)
}

func (b *Backend) Kind() string {
	return Kind
}

func (b *Backend) Capabilities() engine.Capability {
	return engine.CapabilitiesReadOnly
}

func (b *Backend) Columns() []engine.Column {
	return engine.AllColumns()
}

func (b *Backend) Open(ctx context.Context, obs engine.Observer) error {
	return b.List(ctx, obs)
}

func (b *Backend) List(ctx context.Context, obs engine.Observer) error {
	m := engine.NewMachine("list", b.logger, stageList, map[engine.Stage]engine.StageFunc{
		stageList: func(ctx context.Context) (engine.Stage, error) {
			if err := b.list(ctx); err != nil {
				return "", fmt.Errorf("%w: %w", engine.ErrOpenFailed, err)
			}
			return engine.StageDone, nil
		},
	})
	if err := m.Run(ctx); err != nil {
		return err
	}
	if obs != nil {
		for _, name := range b.order {
			obs.OnEntry(b.members[name])
		}
	}
	return nil
}

func (b *Backend) Close() error {
	return b.temp.Close()
}

func (b *Backend) list(ctx context.Context) error {
	if _, err := b.cfg.Fs.Stat(b.path); err != nil {
		return fmt.Errorf("failed to stat archive %s: %w", b.path, err)
	}

	now := b.cfg.Now()
	members := make(map[string]engine.Entry)
	var order []string
	lines := process.NewLineWriter(func(line string) error {
		if strings.TrimSpace(line) == "" {
			return nil
		}
		entry, err := ParseVerboseLine(line, now)
		if err != nil {
			return err
		}
		if entry.Name == "" {
			return nil
		}
		if _, seen := members[entry.Name]; !seen {
			order = append(order, entry.Name)
		}
		members[entry.Name] = entry
		return nil
	})

	if err := b.run(ctx, "iso list", []string{"-tvf", b.path}, lines); err != nil {
		return err
	}
	if err := lines.Flush(); err != nil {
		return err
	}
	b.members = members
	b.order = order
	b.logger.Debug("listed image", zap.Int("members", len(order)))
	return nil
}

// Extract unpacks the named members, or all of them when names is empty, into dest.
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
		total   int64
	)

	m := engine.NewMachine("extract", b.logger, stageList, map[engine.Stage]engine.StageFunc{
		stageList: func(ctx context.Context) (engine.Stage, error) {
			if err := b.list(ctx); err != nil {
				return "", fmt.Errorf("%w: %w", engine.ErrOpenFailed, err)
			}
			members = lo.Map(names, func(n string, _ int) string { return memberName(n) })
			if missing := b.missing(members); len(missing) > 0 {
				return "", fmt.Errorf("%w: %v", engine.ErrMemberNotFound, missing)
			}
			selected := extract.Selector(members)
			for _, name := range b.order {
				if selected(name) {
					total += b.members[name].Size
				}
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

			flags := "-x"
			if !opts.Overwrite {
				flags += "k"
			}
			if opts.PreservePermissions {
				flags += "p"
			}
			args := append([]string{flags + "f", b.path, "-C", target}, members...)
			if err := b.run(ctx, "iso extract", args, nil); err != nil {
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
		obs.OnProgress(total, total)
	}
	return nil
}

func (b *Backend) missing(names []string) []string {
	return lo.Filter(names, func(name string, _ int) bool {
		return !lo.ContainsBy(b.order, func(member string) bool {
			return member == name || strings.HasPrefix(member, name+"/")
		})
	})
}

func (b *Backend) run(ctx context.Context, name string, args []string, stdout *process.LineWriter) error {
	spec := process.Spec{
		Name:        name,
		Program:     b.cfg.Program,
		Args:        args,
		StdoutLabel: "listing",
		Timeout:     b.cfg.Timeout,
	}
	if stdout != nil {
		spec.Stdout = stdout
	}
	_, err := process.Run(ctx, b.logger, spec)
	return err
}
