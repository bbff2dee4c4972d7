package tar

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/infracollect/ark/internal/compression"
	"github.com/infracollect/ark/internal/engine"
	"github.com/infracollect/ark/internal/process"
)

// load fills the scratch copy and parses it. When the declared decompressor
// fails, the alternate one is tried once before the open is reported as failed.
func (b *Backend) load(ctx context.Context, operation string, obs engine.Observer) error {
	alternate, hasAlternate := compression.Alternate(b.declared)
	var primaryErr error

	fallback := func(ctx context.Context, err error) (engine.Stage, error) {
		if !hasAlternate || ctx.Err() != nil {
			return "", fmt.Errorf("%w: %w", engine.ErrOpenFailed, err)
		}
		primaryErr = err
		b.logger.Warn("declared decompressor failed, trying the alternate one",
			zap.String("declared", b.declared),
			zap.String("alternate", alternate),
			zap.Error(err),
		)
		return stagePrepareAlternate, nil
	}
	abort := func(err error) (engine.Stage, error) {
		return "", fmt.Errorf("%w: %w", engine.ErrOpenFailed, errors.Join(primaryErr, err))
	}

	m := engine.NewMachine(operation, b.logger, stagePrepare, map[engine.Stage]engine.StageFunc{
		stagePrepare: func(ctx context.Context) (engine.Stage, error) {
			if err := b.prepare(ctx, b.declared); err != nil {
				return fallback(ctx, err)
			}
			return stageParse, nil
		},
		stageParse: func(ctx context.Context) (engine.Stage, error) {
			if err := b.parse(obs); err != nil {
				return fallback(ctx, err)
			}
			b.effective = b.declared
			return engine.StageDone, nil
		},
		stagePrepareAlternate: func(ctx context.Context) (engine.Stage, error) {
			if err := b.prepare(ctx, alternate); err != nil {
				return abort(err)
			}
			return stageParseAlternate, nil
		},
		stageParseAlternate: func(ctx context.Context) (engine.Stage, error) {
			if err := b.parse(obs); err != nil {
				return abort(err)
			}
			b.effective = alternate
			return engine.StageDone, nil
		},
	})
	return m.Run(ctx)
}

// prepare recreates the scratch copy as the uncompressed form of the archive.
// A missing or empty archive yields an empty scratch file without running a filter.
func (b *Backend) prepare(ctx context.Context, mimeType string) error {
	if err := b.temp.Reset(); err != nil {
		return err
	}

	info, err := b.cfg.Fs.Stat(b.path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && info.Size() == 0) {
		b.logger.Debug("archive is missing or empty, starting from an empty temp file", zap.String("path", b.path))
		return b.temp.CreateEmpty()
	}
	if err != nil {
		return fmt.Errorf("failed to stat archive %s: %w", b.path, err)
	}

	out, err := b.temp.Create()
	if err != nil {
		return err
	}

	p, err := b.decompressor(ctx, mimeType, out)
	if err != nil {
		_ = out.Close()
		return err
	}
	if exit := p.Wait(); exit.Err != nil {
		_ = out.Close()
		return exit.Err
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	return nil
}

func (b *Backend) decompressor(ctx context.Context, mimeType string, out io.Writer) (*process.Process, error) {
	filter, ok := b.cfg.Selector.Filter(mimeType)
	switch {
	case !ok:
		return b.streamTask(ctx, "copy archive", b.openSource, out, labelTemp, copyStream), nil
	case b.cfg.Selector.UseEmbedded(filter):
		return b.streamTask(ctx, filter.Codec.Name()+" decoder", b.openSource, out, labelTemp,
			func(w io.Writer, r io.Reader) (int64, error) {
				return compression.Decode(filter.Codec, w, r)
			},
		), nil
	default:
		return process.Start(ctx, b.logger, process.Spec{
			Name:        filter.Decompressor.Program,
			Program:     filter.Decompressor.Program,
			Args:        filter.Decompressor.Argv(b.path),
			Stdout:      out,
			StdoutLabel: labelTemp,
			Timeout:     b.cfg.Timeout,
		})
	}
}

func (b *Backend) openSource() (afero.File, error) {
	f, err := b.cfg.Fs.Open(b.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", b.path, err)
	}
	return f, nil
}

func copyStream(w io.Writer, r io.Reader) (int64, error) {
	return io.Copy(w, r)
}

// streamTask runs transform from the file returned by open into out as an in-process task.
func (b *Backend) streamTask(
	ctx context.Context,
	name string,
	open func() (afero.File, error),
	out io.Writer,
	label string,
	transform func(w io.Writer, r io.Reader) (int64, error),
) *process.Process {
	return process.Go(ctx, b.logger, process.Task{
		Name:        name,
		Stdout:      out,
		StdoutLabel: label,
		Run: func(ctx context.Context, stdout io.Writer) error {
			in, err := open()
			if err != nil {
				return err
			}
			defer in.Close()
			_, err = transform(stdout, process.ContextReader(ctx, in))
			return err
		},
	})
}

// parse reads the member headers of the scratch copy. When a name occurs more
// than once the last header wins, as it does when the archiver extracts.
// Entries are only reported once the whole copy parsed.
func (b *Backend) parse(obs engine.Observer) error {
	f, err := b.temp.Open()
	if err != nil {
		return err
	}
	defer f.Close()

	members := make(map[string]engine.Entry)
	prefixes := make(map[string][]string)
	var order []string
	dotSlash := false

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to parse tar headers: %w", err)
		}

		name, prefix := normalizeName(hdr.Name)
		if prefix != "" {
			dotSlash = true
		}
		if name == "" {
			continue
		}
		if _, seen := members[name]; !seen {
			order = append(order, name)
		}
		if !slices.Contains(prefixes[name], prefix) {
			prefixes[name] = append(prefixes[name], prefix)
		}
		members[name] = entryFromHeader(name, hdr)
	}

	b.members = members
	b.order = order
	b.prefixes = prefixes
	b.dotSlash = dotSlash
	b.logger.Debug("parsed archive",
		zap.Int("members", len(order)),
		zap.Bool("dot_slash", dotSlash),
	)

	if obs != nil {
		for _, name := range order {
			obs.OnEntry(members[name])
		}
	}
	return nil
}

// normalizeName strips the "./" prefix and trailing slashes of a header name.
// It also returns the stripped prefix.
func normalizeName(raw string) (string, string) {
	name := raw
	for strings.HasPrefix(name, "./") {
		name = name[2:]
	}
	prefix := raw[:len(raw)-len(name)]
	name = strings.TrimRight(name, "/")
	if name == "." {
		name = ""
	}
	return name, prefix
}

func entryFromHeader(name string, hdr *tar.Header) engine.Entry {
	info := hdr.FileInfo()
	entry := engine.Entry{
		Name:    name,
		Type:    engine.EntryTypeOf(info.Mode()),
		Mode:    hdr.Mode & 0o7777,
		Owner:   hdr.Uname,
		Group:   hdr.Gname,
		Size:    hdr.Size,
		ModTime: hdr.ModTime,
		Link:    hdr.Linkname,
	}
	if entry.Owner == "" {
		entry.Owner = strconv.Itoa(hdr.Uid)
	}
	if entry.Group == "" {
		entry.Group = strconv.Itoa(hdr.Gid)
	}
	return entry
}
