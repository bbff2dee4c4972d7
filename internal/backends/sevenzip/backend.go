// Package sevenzip implements a read-only backend for 7z archives.
package sevenzip

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/infracollect/ark/internal/engine"
	"github.com/infracollect/ark/internal/extract"
	"github.com/infracollect/ark/internal/process"
)

const Kind = "7z"

const (
	stageRead    engine.Stage = "read"
	stageExtract engine.Stage = "extract"
)

const maxLinkTarget = 4096

// ErrChecksum is returned when a decoded member does not match its stored CRC.
// With encrypted archives it usually means the password is wrong.
var ErrChecksum = errors.New("checksum mismatch")

type Config struct {
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
		return New(logger.Named("7z"), cfg, src)
	}
}

func (b *Backend) Name() string {
	return fmt.Sprintf("7z(%s)", b.path)
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
		engine.ColumnLink,
	}
}

func (b *Backend) Open(ctx context.Context, obs engine.Observer) error {
	return b.List(ctx, obs)
}

func (b *Backend) List(ctx context.Context, obs engine.Observer) error {
	m := engine.NewMachine("list", b.logger, stageRead, map[engine.Stage]engine.StageFunc{
		stageRead: func(context.Context) (engine.Stage, error) {
			if err := b.read(); err != nil {
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

func (b *Backend) withReader(fn func(zr *sevenzip.Reader) error) error {
	f, err := b.fs.Open(b.path)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", b.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat archive %s: %w", b.path, err)
	}

	var zr *sevenzip.Reader
	if b.cfg.Password != "" {
		zr, err = sevenzip.NewReaderWithPassword(f, info.Size(), b.cfg.Password)
	} else {
		zr, err = sevenzip.NewReader(f, info.Size())
	}
	if err != nil {
		return fmt.Errorf("failed to read 7z header: %w", err)
	}
	return fn(zr)
}

func (b *Backend) read() error {
	return b.withReader(func(zr *sevenzip.Reader) error {
		members := make(map[string]engine.Entry, len(zr.File))
		var order []string
		for _, f := range zr.File {
			entry, err := entryFromFile(f)
			if err != nil {
				return err
			}
			if entry.Name == "" {
				continue
			}
			if _, seen := members[entry.Name]; !seen {
				order = append(order, entry.Name)
			}
			members[entry.Name] = entry
		}
		b.members = members
		b.order = order
		b.logger.Debug("read archive", zap.Int("members", len(order)))
		return nil
	})
}

func entryFromFile(f *sevenzip.File) (engine.Entry, error) {
	mode := f.Mode()
	entry := engine.Entry{
		Name:    memberName(f.Name),
		Type:    engine.EntryTypeOf(mode),
		Mode:    engine.PosixMode(mode),
		Size:    int64(f.UncompressedSize),
		ModTime: f.Modified,
	}
	if entry.Type == engine.EntrySymlink {
		target, err := readLink(f)
		if err != nil {
			return engine.Entry{}, err
		}
		entry.Link = target
	}
	return entry, nil
}

func readLink(f *sevenzip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()
	target, err := io.ReadAll(io.LimitReader(rc, maxLinkTarget))
	if err != nil {
		return "", fmt.Errorf("failed to read link target of %s: %w", f.Name, err)
	}
	return string(target), nil
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
		stageRead: func(context.Context) (engine.Stage, error) {
			if err := b.read(); err != nil {
				return "", fmt.Errorf("%w: %w", engine.ErrOpenFailed, err)
			}
			if missing := b.missing(names); len(missing) > 0 {
				return "", fmt.Errorf("%w: %v", engine.ErrMemberNotFound, missing)
			}
			return stageExtract, nil
		},
		stageExtract: func(ctx context.Context) (engine.Stage, error) {
			return engine.StageDone, b.withReader(func(zr *sevenzip.Reader) error {
				files := lo.Filter(zr.File, func(f *sevenzip.File, _ int) bool {
					return selected(memberName(f.Name))
				})
				target.SetTotal(lo.SumBy(files, func(f *sevenzip.File) int64 { return int64(f.UncompressedSize) }))

				for _, f := range files {
					if err := ctx.Err(); err != nil {
						return err
					}
					if err := b.extractFile(ctx, f, target); err != nil {
						return err
					}
				}
				return nil
			})
		},
	})
	return m.Run(ctx)
}

func (b *Backend) extractFile(ctx context.Context, f *sevenzip.File, target *extract.Target) error {
	name := memberName(f.Name)
	if name == "" {
		return nil
	}
	mode := f.Mode()
	switch {
	case mode.IsDir():
		return target.Mkdir(name, mode)
	case mode&fs.ModeSymlink != 0:
		link, err := readLink(f)
		if err != nil {
			return err
		}
		return target.Symlink(name, link)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()

	var r io.Reader = rc
	if f.CRC32 != 0 {
		r = &checksumReader{r: rc, h: crc32.NewIEEE(), want: f.CRC32, name: name}
	}
	return target.WriteFile(name, process.ContextReader(ctx, r), mode, f.Modified)
}

// checksumReader fails at EOF when the data read does not match the stored CRC.
type checksumReader struct {
	r    io.Reader
	h    hash.Hash32
	want uint32
	name string
}

func (c *checksumReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	_, _ = c.h.Write(p[:n])
	if errors.Is(err, io.EOF) && c.h.Sum32() != c.want {
		return n, fmt.Errorf("%w: %s", ErrChecksum, c.name)
	}
	return n, err
}

func (b *Backend) missing(names []string) []string {
	return lo.Filter(names, func(raw string, _ int) bool {
		name := memberName(raw)
		return !lo.ContainsBy(b.order, func(member string) bool {
			return member == name || strings.HasPrefix(member, name+"/")
		})
	})
}
