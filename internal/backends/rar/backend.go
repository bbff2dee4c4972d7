// Package rar implements a read-only backend for RAR archives.
package rar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/nwaples/rardecode/v2"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/infracollect/ark/internal/engine"
	"github.com/infracollect/ark/internal/extract"
	"github.com/infracollect/ark/internal/process"
)

const Kind = "rar"

const (
	stageRead    engine.Stage = "read"
	stageExtract engine.Stage = "extract"
)

type Config struct {
	// Password unlocks encrypted archives.
	Password string
	Fs       afero.Fs
}

type Backend struct {
	logger *zap.Logger
	cfg    Config
	fs     afero.Fs
	path   string

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
	fsys := cfg.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Backend{
		logger:  logger,
		cfg:     cfg,
		fs:      fsys,
		path:    path,
		members: make(map[string]engine.Entry),
	}, nil
}

func Factory(cfg Config) engine.BackendFactory {
	return func(_ context.Context, logger *zap.Logger, src engine.Source) (engine.Reader, error) {
		return New(logger.Named("rar"), cfg, src)
	}
}

func (b *Backend) Name() string {
	return fmt.Sprintf("rar(%s)", b.path)
}

func (b *Backend) Kind() string {
	return Kind
}

func (b *Backend) Capabilities() engine.Capability {
	return engine.CapabilitiesReadOnly
}

func (b *Backend) Columns() []engine.Column {
	return []engine.Column{
		engine.ColumnFileName,
		engine.ColumnPermissions,
		engine.ColumnSize,
		engine.ColumnTimestamp,
	}
}

func (b *Backend) Open(ctx context.Context, obs engine.Observer) error {
	return b.List(ctx, obs)
}

func (b *Backend) List(ctx context.Context, obs engine.Observer) error {
	m := engine.NewMachine("list", b.logger, stageRead, map[engine.Stage]engine.StageFunc{
		stageRead: func(ctx context.Context) (engine.Stage, error) {
			if err := b.read(ctx); err != nil {
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
	return nil
}

// walk calls fn for every header in archive order. The reader is positioned at the
// member's data while fn runs.
func (b *Backend) walk(ctx context.Context, fn func(hdr *rardecode.FileHeader, r io.Reader) error) error {
	f, err := b.fs.Open(b.path)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", b.path, err)
	}
	defer f.Close()

	var opts []rardecode.Option
	if b.cfg.Password != "" {
		opts = append(opts, rardecode.Password(b.cfg.Password))
	}
	rr, err := rardecode.NewReader(f, opts...)
	if err != nil {
		return fmt.Errorf("failed to read rar header: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := rr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read rar member: %w", err)
		}
		if err := fn(hdr, rr); err != nil {
			return err
		}
	}
}

func (b *Backend) read(ctx context.Context) error {
	members := make(map[string]engine.Entry)
	var order []string
	err := b.walk(ctx, func(hdr *rardecode.FileHeader, _ io.Reader) error {
		entry := entryFromHeader(hdr)
		if entry.Name == "" {
			return nil
		}
		if _, seen := members[entry.Name]; !seen {
			order = append(order, entry.Name)
		}
		members[entry.Name] = entry
		return nil
	})
	if err != nil {
		return err
	}
	b.members = members
	b.order = order
	b.logger.Debug("read archive", zap.Int("members", len(order)))
	return nil
}

func entryFromHeader(hdr *rardecode.FileHeader) engine.Entry {
	mode := hdr.Mode()
	typ := engine.EntryTypeOf(mode)
	if hdr.IsDir {
		typ = engine.EntryDir
	}
	return engine.Entry{
		Name:    memberName(hdr.Name),
		Type:    typ,
		Mode:    engine.PosixMode(mode),
		Size:    hdr.UnPackedSize,
		ModTime: hdr.ModificationTime,
	}
}

func memberName(raw string) string {
	return strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(raw)), "/")
}

// Extract decodes the named members, or all of them when names is empty, into dest.
func (b *Backend) Extract(ctx context.Context, names []string, dest string, opts engine.ExtractOptions, obs engine.Observer) error {
	target, err := extract.NewTarget(b.fs, b.logger, dest, opts, obs)
	if err != nil {
		return err
	}
	selected := extract.Selector(lo.Map(names, func(n string, _ int) string { return memberName(n) }))

	m := engine.NewMachine("extract", b.logger, stageRead, map[engine.Stage]engine.StageFunc{
		stageRead: func(ctx context.Context) (engine.Stage, error) {
			if err := b.read(ctx); err != nil {
				return "", fmt.Errorf("%w: %w", engine.ErrOpenFailed, err)
			}
			if missing := b.missing(names); len(missing) > 0 {
				return "", fmt.Errorf("%w: %v", engine.ErrMemberNotFound, missing)
			}
			var total int64
			for _, name := range b.order {
				if selected(name) {
					total += b.members[name].Size
				}
			}
			target.SetTotal(total)
			return stageExtract, nil
		},
		stageExtract: func(ctx context.Context) (engine.Stage, error) {
			return engine.StageDone, b.walk(ctx, func(hdr *rardecode.FileHeader, r io.Reader) error {
				entry := entryFromHeader(hdr)
				if entry.Name == "" || !selected(entry.Name) {
					return nil
				}
				if entry.IsDir() {
					return target.Mkdir(entry.Name, hdr.Mode())
				}
				return target.WriteFile(entry.Name, process.ContextReader(ctx, r), hdr.Mode(), hdr.ModificationTime)
			})
		},
	})
	return m.Run(ctx)
}

func (b *Backend) missing(names []string) []string {
	return lo.Filter(names, func(raw string, _ int) bool {
		name := memberName(raw)
		return !lo.ContainsBy(b.order, func(member string) bool {
			return member == name || strings.HasPrefix(member, name+"/")
		})
	})
}
