package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/samber/lo"
	"github.com/urfave/cli/v3"

	"github.com/infracollect/ark/internal/compression"
	"github.com/infracollect/ark/internal/engine"
)

var formatsCommand = &cli.Command{
	Name:  "formats",
	Usage: "List the archive types ark can open",
	Action: func(ctx context.Context, command *cli.Command) error {
		r, err := newRunner(ctx, command)
		if err != nil {
			return err
		}
		registry := r.Registry()

		aliases := lo.GroupBy(lo.Keys(compression.Aliases), func(alias string) string {
			return compression.Aliases[alias]
		})

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "MIME TYPE\tBACKEND\tCAPABILITIES\tALIASES")
		for _, mimeType := range registry.AvailableBackends() {
			backend, err := registry.CreateBackend(ctx, engine.Source{Path: "capabilities", MimeType: mimeType})
			if err != nil {
				return err
			}
			names := aliases[mimeType]
			slices.Sort(names)
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", mimeType, backend.Kind(), backend.Capabilities(), strings.Join(names, ", "))
			_ = backend.Close()
		}
		return tw.Flush()
	},
}
