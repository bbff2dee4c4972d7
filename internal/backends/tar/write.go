package tar

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/infracollect/ark/internal/compression"
	"github.com/infracollect/ark/internal/engine"
	"github.com/infracollect/ark/internal/localfs"
	"github.com/infracollect/ark/internal/process"
	"github.com/infracollect/ark/internal/tempfile"
)

// group is a run of member names sharing one archiver working directory.
type group struct {
	dir   string
	names []string
}

// Add appends files to the archive. Members that already exist are deleted first
// so the archive never holds two members with the same name.
func (b *Backend) Add(ctx context.Context, files []string, opts engine.AddOptions, _ engine.Observer) error {
	var (
		groups     []group
		duplicates []string
	)

	m := engine.NewMachine("add", b.logger, stagePrepare, map[engine.Stage]engine.StageFunc{
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
			return stageScan, nil
		},
		stageScan: func(context.Context) (engine.Stage, error) {
			found, err := localfs.Scan(b.cfg.Fs, files, opts.WorkDir)
			if err != nil {
				return "", err
			}
			groups, duplicates = b.plan(found, opts.ReplaceOnlyWithNewer)
			switch {
			case len(groups) == 0:
				b.logger.Info("nothing to add, archive is up to date")
				return engine.StageDone, nil
			case len(duplicates) > 0:
				return stageDeleteDuplicates, nil
			default:
				return stageAppend, nil
			}
		},
		stageDeleteDuplicates: func(ctx context.Context) (engine.Stage, error) {
			if err := b.deleteMembers(ctx, duplicates); err != nil {
				return "", err
			}
			return stageAppend, nil
		},
		stageAppend: func(ctx context.Context) (engine.Stage, error) {
			if err := b.appendMembers(ctx, groups, opts.ReplaceOnlyWithNewer); err != nil {
				return "", err
			}
			return stageCommit, nil
		},
		stageCommit: func(ctx context.Context) (engine.Stage, error) {
			if err := b.commit(ctx); err != nil {
				return "", err
			}
			return engine.StageDone, nil
		},
	})
	return m.Run(ctx)
}

// Delete removes members and everything beneath them. Names that are not in
// the archive are ignored; when none match the archive is left untouched.
func (b *Backend) Delete(ctx context.Context, names []string, obs engine.Observer) error {
	var targets, removed []string

	m := engine.NewMachine("delete", b.logger, stagePrepare, map[engine.Stage]engine.StageFunc{
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
			targets, removed = b.matching(names)
			if len(targets) == 0 {
				b.logger.Info("no matching members, nothing to delete", zap.Strings("names", names))
				return engine.StageDone, nil
			}
			return stageDelete, nil
		},
		stageDelete: func(ctx context.Context) (engine.Stage, error) {
			if err := b.deleteMembers(ctx, targets); err != nil {
				return "", err
			}
			return stageCommit, nil
		},
		stageCommit: func(ctx context.Context) (engine.Stage, error) {
			if err := b.commit(ctx); err != nil {
				return "", err
			}
			return engine.StageDone, nil
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

// matching returns the requested names present in the archive and every member they remove.
func (b *Backend) matching(names []string) (targets, removed []string) {
	for _, raw := range names {
		name, _ := normalizeName(raw)
		if name == "" {
			continue
		}
		hit := false
		for _, member := range b.order {
			if covers(name, member) {
				hit = true
				removed = append(removed, member)
			}
		}
		if hit {
			targets = append(targets, name)
		}
	}
	return lo.Uniq(targets), lo.Uniq(removed)
}

// covers reports whether requesting name selects member.
func covers(name, member string) bool {
	return member == name || strings.HasPrefix(member, name+"/")
}

// plan decides which incoming members are appended and which existing members
// must be deleted first. Directories already in the archive are kept as they are.
func (b *Backend) plan(found []localfs.File, onlyNewer bool) ([]group, []string) {
	var (
		groups     []group
		duplicates []string
		seen       = make(map[string]struct{}, len(found))
	)

	for _, in := range found {
		if _, ok := seen[in.Name]; ok {
			continue
		}
		seen[in.Name] = struct{}{}

		existing, exists := b.members[in.Name]
		if exists {
			if in.IsDir() && existing.IsDir() {
				continue
			}
			if onlyNewer && !in.NewerThan(existing.ModTime) {
				b.logger.Debug("skipping member, archive copy is not older",
					zap.String("member", in.Name),
					zap.Time("archived", existing.ModTime),
					zap.Time("incoming", in.ModTime),
				)
				continue
			}
			duplicates = append(duplicates, in.Name)
		}

		if n := len(groups); n > 0 && groups[n-1].dir == in.Dir {
			groups[n-1].names = append(groups[n-1].names, in.Name)
		} else {
			groups = append(groups, group{dir: in.Dir, names: []string{in.Name}})
		}
	}
	return groups, duplicates
}

func (b *Backend) deleteMembers(ctx context.Context, names []string) error {
	tempPath, err := b.temp.Path()
	if err != nil {
		return err
	}
	args := []string{"--delete", "-f", tempPath}
	for _, name := range names {
		args = append(args, b.archiverNames(name)...)
	}
	return b.runArchiver(ctx, "tar delete", args, nil)
}

func (b *Backend) appendMembers(ctx context.Context, groups []group, update bool) error {
	tempPath, err := b.temp.Path()
	if err != nil {
		return err
	}
	mode := "rvf"
	if update {
		mode = "uvf"
	}

	args := []string{mode, tempPath, "--no-recursion"}
	for _, g := range groups {
		args = append(args, "-C", g.dir)
		for _, name := range g.names {
			args = append(args, b.member(name))
		}
	}

	appended := process.NewLineWriter(func(line string) error {
		b.logger.Debug("appended member", zap.String("member", line))
		return nil
	})
	return b.runArchiver(ctx, "tar append", args, appended)
}

func (b *Backend) runArchiver(ctx context.Context, name string, args []string, stdout io.Writer) error {
	_, err := process.Run(ctx, b.logger, process.Spec{
		Name:        name,
		Program:     b.cfg.Program,
		Args:        args,
		Stdout:      stdout,
		StdoutLabel: "listing",
		Timeout:     b.cfg.Timeout,
	})
	return err
}

// commit recompresses the scratch copy into a staging file next to the archive
// and renames it over the original. The original is untouched on any failure.
func (b *Backend) commit(ctx context.Context) error {
	err := tempfile.Replace(b.cfg.Fs, b.logger, b.path, func(staging afero.File) error {
		p, err := b.compressor(ctx, staging)
		if err != nil {
			return err
		}
		return p.Wait().Err
	})
	if err != nil {
		return err
	}
	b.logger.Debug("committed archive", zap.String("path", b.path), zap.String("mime_type", b.effective))
	return nil
}

func (b *Backend) compressor(ctx context.Context, out io.Writer) (*process.Process, error) {
	tempPath, err := b.temp.Path()
	if err != nil {
		return nil, err
	}

	filter, ok := b.cfg.Selector.Filter(b.effective)
	switch {
	case !ok:
		return b.streamTask(ctx, "copy temp file", b.temp.Open, out, labelArchive, copyStream), nil
	case b.cfg.Selector.UseEmbedded(filter):
		return b.streamTask(ctx, filter.Codec.Name()+" encoder", b.temp.Open, out, labelArchive,
			func(w io.Writer, r io.Reader) (int64, error) {
				return compression.Encode(filter.Codec, w, r)
			},
		), nil
	default:
		return process.Start(ctx, b.logger, process.Spec{
			Name:        filter.Compressor.Program,
			Program:     filter.Compressor.Program,
			Args:        filter.Compressor.Argv(tempPath),
			Stdout:      out,
			StdoutLabel: labelArchive,
			Timeout:     b.cfg.Timeout,
		})
	}
}
