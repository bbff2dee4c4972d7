package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/infracollect/ark/internal/engine"
	"github.com/infracollect/ark/internal/runner"
)

func archiveArg() cli.Argument {
	return &cli.StringArg{
		Name:      "archive",
		UsageText: "The archive file",
	}
}

var createCommand = &cli.Command{
	Name:  "create",
	Usage: "Create a new archive from local files",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "mime-type",
			Usage: "Archive type, inferred from the file name when empty",
		},
		&cli.StringFlag{
			Name:  "workdir",
			Usage: "Store member names relative to this directory instead of using base names",
		},
	},
	Arguments: []cli.Argument{
		archiveArg(),
		&cli.StringArgs{Name: "files", UsageText: "Files and directories to add", Min: 0, Max: -1},
	},
	Action: func(ctx context.Context, command *cli.Command) error {
		path, err := requireArchive(command)
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, use add to update it", path)
		}

		r, err := newRunner(ctx, command)
		if err != nil {
			return err
		}

		opts, finish := archiveOptions(ctx, "creating "+filepath.Base(path))
		defer finish()

		archive, err := r.Create(ctx, path, command.String("mime-type"), opts...)
		if err != nil {
			return err
		}
		defer closeArchive(ctx, archive)

		if files := command.StringArgs("files"); len(files) > 0 {
			addOpts := r.AddOptions(command.String("workdir"))
			if err := runner.Run(ctx, func(ctx context.Context) (*engine.Job, error) {
				return archive.AddFiles(ctx, files, addOpts)
			}); err != nil {
				return fmt.Errorf("failed to add files to %s: %w", path, err)
			}
		}

		getLogger(ctx).Info("archive created",
			zap.String("archive", archive.Path()),
			zap.String("mime_type", archive.MimeType()),
			zap.Int("files", archive.NumberOfFiles()),
		)
		return nil
	},
}

var addCommand = &cli.Command{
	Name:  "add",
	Usage: "Add files to an archive, replacing members with the same name",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "newer",
			Usage: "Only replace members that are older than the local file",
		},
		&cli.StringFlag{
			Name:  "workdir",
			Usage: "Store member names relative to this directory instead of using base names",
		},
	},
	Arguments: []cli.Argument{
		archiveArg(),
		&cli.StringArgs{Name: "files", UsageText: "Files and directories to add", Min: 1, Max: -1},
	},
	Action: func(ctx context.Context, command *cli.Command) error {
		path, err := requireArchive(command)
		if err != nil {
			return err
		}
		files := command.StringArgs("files")
		if len(files) == 0 {
			return fmt.Errorf("no files provided")
		}

		r, err := newRunner(ctx, command)
		if err != nil {
			return err
		}

		opts, finish := archiveOptions(ctx, "adding to "+filepath.Base(path))
		defer finish()

		archive, err := loadOrCreate(ctx, r, path, opts)
		if err != nil {
			return err
		}
		defer closeArchive(ctx, archive)

		addOpts := r.AddOptions(command.String("workdir"))
		if command.IsSet("newer") {
			addOpts.ReplaceOnlyWithNewer = command.Bool("newer")
		}

		before := archive.NumberOfFiles()
		if err := runner.Run(ctx, func(ctx context.Context) (*engine.Job, error) {
			return archive.AddFiles(ctx, files, addOpts)
		}); err != nil {
			return fmt.Errorf("failed to add files to %s: %w", path, err)
		}

		getLogger(ctx).Info("files added",
			zap.String("archive", archive.Path()),
			zap.Int("files_before", before),
			zap.Int("files_after", archive.NumberOfFiles()),
		)
		return nil
	},
}

var deleteCommand = &cli.Command{
	Name:    "delete",
	Aliases: []string{"rm"},
	Usage:   "Remove members from an archive",
	Arguments: []cli.Argument{
		archiveArg(),
		&cli.StringArgs{Name: "members", UsageText: "Members to remove, directories are removed recursively", Min: 1, Max: -1},
	},
	Action: func(ctx context.Context, command *cli.Command) error {
		path, err := requireArchive(command)
		if err != nil {
			return err
		}
		members := command.StringArgs("members")
		if len(members) == 0 {
			return fmt.Errorf("no members provided")
		}

		r, err := newRunner(ctx, command)
		if err != nil {
			return err
		}

		opts, finish := archiveOptions(ctx, "deleting from "+filepath.Base(path))
		defer finish()

		archive, err := r.Open(ctx, path, opts...)
		if err != nil {
			return err
		}
		defer closeArchive(ctx, archive)

		job, err := archive.DeleteFiles(ctx, members)
		if err != nil {
			return fmt.Errorf("failed to delete from %s: %w", path, err)
		}
		if err := job.Wait(ctx); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", path, err)
		}

		getLogger(ctx).Info("members deleted", zap.String("archive", archive.Path()), zap.Strings("removed", job.Removed()))
		return nil
	},
}

var extractCommand = &cli.Command{
	Name:  "extract",
	Usage: "Extract members of an archive, or all of them when none are named",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:    "destination",
			Aliases: []string{"C"},
			Value:   ".",
			Usage:   "Directory to extract into",
		},
	}, extractFlags()...),
	Arguments: []cli.Argument{
		archiveArg(),
		&cli.StringArgs{Name: "members", UsageText: "Members to extract", Min: 0, Max: -1},
	},
	Action: func(ctx context.Context, command *cli.Command) error {
		path, err := requireArchive(command)
		if err != nil {
			return err
		}

		r, err := newRunner(ctx, command)
		if err != nil {
			return err
		}

		opts, finish := archiveOptions(ctx, "extracting "+filepath.Base(path))
		defer finish()

		archive, err := r.Open(ctx, path, opts...)
		if err != nil {
			return err
		}
		defer closeArchive(ctx, archive)

		dest := command.String("destination")
		extractOpts := applyExtractFlags(command, r.ExtractOptions())
		if err := runner.Run(ctx, func(ctx context.Context) (*engine.Job, error) {
			return archive.Extract(ctx, command.StringArgs("members"), dest, extractOpts)
		}); err != nil {
			return fmt.Errorf("failed to extract %s: %w", path, err)
		}

		getLogger(ctx).Info("archive extracted", zap.String("archive", archive.Path()), zap.String("destination", dest))
		return nil
	},
}

func extractFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "overwrite",
			Usage: "Replace existing files in the destination",
		},
		&cli.BoolFlag{
			Name:  "preserve-permissions",
			Usage: "Apply the stored permission bits to extracted files",
		},
		&cli.BoolFlag{
			Name:  "flatten",
			Usage: "Drop member directories and extract every file directly into the destination",
		},
	}
}

// applyExtractFlags overrides the configured policy with the flags given on the command line.
func applyExtractFlags(command *cli.Command, opts engine.ExtractOptions) engine.ExtractOptions {
	if command.IsSet("overwrite") {
		opts.Overwrite = command.Bool("overwrite")
	}
	if command.IsSet("preserve-permissions") {
		opts.PreservePermissions = command.Bool("preserve-permissions")
	}
	if command.IsSet("flatten") {
		opts.PreservePaths = !command.Bool("flatten")
	}
	return opts
}

func requireArchive(command *cli.Command) (string, error) {
	path := command.StringArg("archive")
	if path == "" {
		return "", fmt.Errorf("no archive provided")
	}
	return path, nil
}

// loadOrCreate opens path, or creates it when it does not exist yet.
func loadOrCreate(ctx context.Context, r *runner.Runner, path string, opts []engine.ArchiveOption) (*engine.Archive, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		getLogger(ctx).Info("archive does not exist, creating it", zap.String("archive", path))
		return r.Create(ctx, path, "", opts...)
	}
	return r.Open(ctx, path, opts...)
}

func closeArchive(ctx context.Context, archive *engine.Archive) {
	if err := archive.Close(); err != nil {
		getLogger(ctx).Warn("failed to close archive", zap.String("archive", archive.Path()), zap.Error(err))
	}
}
