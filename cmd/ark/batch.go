package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

var batchExtractCommand = &cli.Command{
	Name:  "batch-extract",
	Usage: "Extract several archives into one destination",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:    "destination",
			Aliases: []string{"C"},
			Value:   ".",
			Usage:   "Directory to extract into",
		},
		&cli.BoolFlag{
			Name:  "auto-subfolder",
			Usage: "Extract archives without a single top-level folder into a new folder named after them",
		},
		&cli.IntFlag{
			Name:  "concurrency",
			Usage: "Number of archives extracted at once (defaults to the settings value)",
			Validator: func(n int) error {
				if n < 1 {
					return fmt.Errorf("concurrency must be at least 1")
				}
				return nil
			},
		},
	}, extractFlags()...),
	Arguments: []cli.Argument{
		&cli.StringArgs{Name: "archives", UsageText: "Archives to extract", Min: 1, Max: -1},
	},
	Action: func(ctx context.Context, command *cli.Command) error {
		archives := command.StringArgs("archives")
		if len(archives) == 0 {
			return fmt.Errorf("no archives provided")
		}

		r, err := newRunner(ctx, command)
		if err != nil {
			return err
		}

		opts := r.BatchOptions()
		opts.ExtractOptions = applyExtractFlags(command, opts.ExtractOptions)
		if command.IsSet("auto-subfolder") {
			opts.AutoSubfolder = command.Bool("auto-subfolder")
		}
		if command.IsSet("concurrency") {
			opts.Concurrency = command.Int("concurrency")
		}

		dest := command.String("destination")
		getLogger(ctx).Info("extracting archives",
			zap.Int("archives", len(archives)),
			zap.String("destination", dest),
			zap.Int("concurrency", opts.Concurrency),
		)

		if err := r.BatchExtract(ctx, archives, dest, opts); err != nil {
			return fmt.Errorf("batch extraction failed: %w", err)
		}
		return nil
	},
}
