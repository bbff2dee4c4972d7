// Package zip implements the backend for zip archives. Every operation runs in
// process; mutations rewrite the archive into a staging file that replaces the original.
package zip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/infracollect/ark/internal/engine"
	"github.com/infracollect/ark/internal/extract"
	"github.com/infracollect/ark/internal/localfs"
	"github.com/infracollect/ark/internal/process"
	"github.com/infracollect/ark/internal/tempfile"
)

const Kind = "zip"

const (
	stageRead    engine.Stage = "read"
	stageExtract engine.Stage = "extract"
	stageRewrite engine.Stage = "rewrite"
)

// maxLinkTarget bounds how much of a symlink member is read as its target.
const maxLinkTarget = 4096

type Config struct {
	Fs afero.Fs
}

type Backend struct {
	logger *zap.Logger
	fs     afero.Fs
	path   string

	members map[string]engine.Entry
	order   []string
}

var _ engine.Writer = (*Backend)(nil)

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
		fs:      fsys,
		path:    path,
		members: make(map[string]engine.Entry),
	}, nil
}

func Factory(cfg Config) engine.BackendFactory {
	return func(_ context.Context, logger *zap.Logger, src engine.Source) (engine.Reader, error) {
		return New(logger.Named("zip"), cfg, src)
	}
}

func (b *Backend) Name() string {
	return fmt.Sprintf("zip(%s)", b.path)
}

func (b *Backend) Kind() string {
	return Kind
}

func (b *Backend) Capabilities() engine.Capability {
	return engine.CapabilitiesAll
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

func (b *Backend) Create(context.Context) error {
	b.members = make(map[string]engine.Entry)
	b.order = nil
	return nil
}

func (b *Backend) Close() error {
	return nil
}

// withReader opens the archive and calls fn. A missing or empty archive reads as no members.
func (b *Backend) withReader(fn func(zr *zip.Reader) error) error {
	f, err := b.fs.Open(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return fn(&zip.Reader{})
	}
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", b.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat archive %s: %w", b.path, err)
	}
	if info.Size() == 0 {
		return fn(&zip.Reader{})
	}

	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return fmt.Errorf("failed to read zip directory: %w", err)
	}
	return fn(zr)
}

func (b *Backend) read() error {
	return b.withReader(func(zr *zip.Reader) error {
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

func entryFromFile(f *zip.File) (engine.Entry, error) {
	mode := f.Mode()
	entry := engine.Entry{
		Name:    memberName(f.Name),
		Type:    engine.EntryTypeOf(mode),
		Mode:    engine.PosixMode(mode),
		Size:    int64(f.UncompressedSize64),
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

func readLink(f *zip.File) (string, error) {
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

// Extract writes the named members, or all of them when names is empty, into dest.
func (b *Backend) Extract(ctx context.Context, names []string, dest string, opts engine.ExtractOptions, obs engine.Observer) error {
	target, err := extract.NewTarget(b.fs, b.logger, dest, opts, obs)
	if err != nil {
		return err
	}

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
			return engine.StageDone, b.withReader(func(zr *zip.Reader) error {
				return b.extractAll(ctx, zr, extract.Selector(names), target)
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

func (b *Backend) extractAll(ctx context.Context, zr *zip.Reader, selected func(string) bool, target *extract.Target) error {
	var total int64
	files := lo.Filter(zr.File, func(f *zip.File, _ int) bool {
		return selected(memberName(f.Name))
	})
	for _, f := range files {
		total += int64(f.UncompressedSize64)
	}
	target.SetTotal(total)

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := memberName(f.Name)
		if name == "" {
			continue
		}
		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := target.Mkdir(name, mode); err != nil {
				return err
			}
		case mode&fs.ModeSymlink != 0:
			link, err := readLink(f)
			if err != nil {
				return err
			}
			if err := target.Symlink(name, link); err != nil {
				return err
			}
		default:
			if err := b.extractFile(ctx, f, name, target); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Backend) extractFile(ctx context.Context, f *zip.File, name string, target *extract.Target) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()
	return target.WriteFile(name, process.ContextReader(ctx, rc), f.Mode(), f.Modified)
}

// Add stores files in the archive, replacing members with the same name.
func (b *Backend) Add(ctx context.Context, files []string, opts engine.AddOptions, _ engine.Observer) error {
	var (
		incoming []localfs.File
		replaced map[string]struct{}
	)

	m := engine.NewMachine("add", b.logger, stageRead, map[engine.Stage]engine.StageFunc{
		stageRead: func(context.Context) (engine.Stage, error) {
			if err := b.read(); err != nil {
				return "", fmt.Errorf("%w: %w", engine.ErrOpenFailed, err)
			}
			found, err := localfs.Scan(b.fs, files, opts.WorkDir)
			if err != nil {
				return "", err
			}
			incoming, replaced = b.plan(found, opts.ReplaceOnlyWithNewer)
			if len(incoming) == 0 {
				b.logger.Info("nothing to add, archive is up to date")
				return engine.StageDone, nil
			}
			return stageRewrite, nil
		},
		stageRewrite: func(ctx context.Context) (engine.Stage, error) {
			keep := func(name string) bool {
				_, ok := replaced[name]
				return !ok
			}
			return engine.StageDone, b.rewrite(ctx, keep, incoming)
		},
	})
	return m.Run(ctx)
}

func (b *Backend) plan(found []localfs.File, onlyNewer bool) ([]localfs.File, map[string]struct{}) {
	var incoming []localfs.File
	replaced := make(map[string]struct{})
	for _, in := range found {
		if _, dup := replaced[in.Name]; dup {
			continue
		}
		if existing, ok := b.members[in.Name]; ok {
			if in.IsDir() && existing.IsDir() {
				continue
			}
			if onlyNewer && !in.NewerThan(existing.ModTime) {
				b.logger.Debug("skipping member, archive copy is not older", zap.String("member", in.Name))
				continue
			}
		}
		replaced[in.Name] = struct{}{}
		incoming = append(incoming, in)
	}
	return incoming, replaced
}

// Delete removes members and everything beneath them. Unknown names are ignored.
func (b *Backend) Delete(ctx context.Context, names []string, obs engine.Observer) error {
	var removed []string

	m := engine.NewMachine("delete", b.logger, stageRead, map[engine.Stage]engine.StageFunc{
		stageRead: func(context.Context) (engine.Stage, error) {
			if err := b.read(); err != nil {
				return "", fmt.Errorf("%w: %w", engine.ErrOpenFailed, err)
			}
			selected := extract.Selector(lo.Map(names, func(n string, _ int) string { return memberName(n) }))
			removed = lo.Filter(b.order, func(member string, _ int) bool { return selected(member) })
			if len(names) == 0 || len(removed) == 0 {
				b.logger.Info("no matching members, nothing to delete", zap.Strings("names", names))
				return engine.StageDone, nil
			}
			return stageRewrite, nil
		},
		stageRewrite: func(ctx context.Context) (engine.Stage, error) {
			gone := lo.SliceToMap(removed, func(name string) (string, struct{}) { return name, struct{}{} })
			keep := func(name string) bool {
				_, ok := gone[name]
				return !ok
			}
			return engine.StageDone, b.rewrite(ctx, keep, nil)
		},
	})
	if err := m.Run(ctx); err != nil {
		return err
	}

	if obs != nil {
		for _, name := range removed {
			obs.OnEntryRemoved(name)
		}
	}
	return nil
}

// rewrite copies the kept members verbatim, appends incoming files, and replaces the archive.
func (b *Backend) rewrite(ctx context.Context, keep func(name string) bool, incoming []localfs.File) error {
	return tempfile.Replace(b.fs, b.logger, b.path, func(staging afero.File) error {
		p := process.Go(ctx, b.logger, process.Task{
			Name:        "zip rewrite",
			Stdout:      staging,
			StdoutLabel: "archive",
			Run: func(ctx context.Context, w io.Writer) error {
				zw := zip.NewWriter(w)
				err := b.withReader(func(zr *zip.Reader) error {
					for _, f := range zr.File {
						if err := ctx.Err(); err != nil {
							return err
						}
						if !keep(memberName(f.Name)) {
							continue
						}
						if err := zw.Copy(f); err != nil {
							return fmt.Errorf("failed to copy %s: %w", f.Name, err)
						}
					}
					return nil
				})
				if err != nil {
					return err
				}
				for _, in := range incoming {
					if err := b.addFile(ctx, zw, in); err != nil {
						return err
					}
				}
				return zw.Close()
			},
		})
		return p.Wait().Err
	})
}

func (b *Backend) addFile(ctx context.Context, zw *zip.Writer, in localfs.File) error {
	info, err := lstat(b.fs, in.Path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", in.Path, err)
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to build header for %s: %w", in.Path, err)
	}
	hdr.Name = in.Name
	hdr.Modified = info.ModTime()

	switch {
	case info.IsDir():
		hdr.Name += "/"
		hdr.Method = zip.Store
		_, err := zw.CreateHeader(hdr)
		return err
	case info.Mode()&fs.ModeSymlink != 0:
		hdr.Method = zip.Store
		reader, ok := b.fs.(afero.LinkReader)
		if !ok {
			return fmt.Errorf("cannot read symlink %s on this filesystem", in.Path)
		}
		target, err := reader.ReadlinkIfPossible(in.Path)
		if err != nil {
			return fmt.Errorf("failed to read symlink %s: %w", in.Path, err)
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, target)
		return err
	default:
		hdr.Method = zip.Deflate
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := b.fs.Open(in.Path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", in.Path, err)
		}
		defer f.Close()
		if _, err := io.Copy(w, process.ContextReader(ctx, f)); err != nil {
			return fmt.Errorf("failed to add %s: %w", in.Name, err)
		}
		b.logger.Debug("added member", zap.String("member", in.Name))
		return nil
	}
}

func lstat(fsys afero.Fs, name string) (fs.FileInfo, error) {
	if l, ok := fsys.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(name)
		return info, err
	}
	return fsys.Stat(name)
}
