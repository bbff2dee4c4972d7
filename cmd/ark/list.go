package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-yaml"
	"github.com/samber/lo"
	"github.com/urfave/cli/v3"

	"github.com/infracollect/ark/internal/engine"
)

type listedEntry struct {
	Name        string     `yaml:"name" json:"name"`
	Type        string     `yaml:"type" json:"type"`
	Permissions string     `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Owner       string     `yaml:"owner,omitempty" json:"owner,omitempty"`
	Group       string     `yaml:"group,omitempty" json:"group,omitempty"`
	Size        int64      `yaml:"size" json:"size"`
	ModTime     *time.Time `yaml:"modTime,omitempty" json:"modTime,omitempty"`
	Link        string     `yaml:"link,omitempty" json:"link,omitempty"`
}

type listing struct {
	Archive       string        `yaml:"archive" json:"archive"`
	MimeType      string        `yaml:"mimeType" json:"mimeType"`
	Backend       string        `yaml:"backend" json:"backend"`
	Capabilities  string        `yaml:"capabilities" json:"capabilities"`
	PackedSize    int64         `yaml:"packedSize" json:"packedSize"`
	UnpackedSize  int64         `yaml:"unpackedSize" json:"unpackedSize"`
	Files         int           `yaml:"files" json:"files"`
	Folders       int           `yaml:"folders" json:"folders"`
	SingleFolder  bool          `yaml:"singleFolder" json:"singleFolder"`
	SubfolderName string        `yaml:"subfolderName,omitempty" json:"subfolderName,omitempty"`
	Entries       []listedEntry `yaml:"entries" json:"entries"`
}

var listCommand = &cli.Command{
	Name:    "list",
	Aliases: []string{"ls"},
	Usage:   "List the members of an archive",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Value:   "table",
			Usage:   "Output format (table, yaml, json)",
			Validator: func(s string) error {
				if !lo.Contains([]string{"table", "yaml", "json"}, s) {
					return fmt.Errorf("unsupported output format %q", s)
				}
				return nil
			},
		},
		&cli.BoolFlag{
			Name:  "bytes",
			Usage: "Print exact sizes instead of human readable ones",
		},
	},
	Arguments: []cli.Argument{
		archiveArg(),
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

		archive, err := r.Open(ctx, path)
		if err != nil {
			return err
		}
		defer closeArchive(ctx, archive)

		l, err := newListing(archive)
		if err != nil {
			return err
		}

		switch command.String("output") {
		case "yaml":
			return writeYAML(os.Stdout, l)
		case "json":
			return writeYAML(os.Stdout, l, yaml.JSON())
		default:
			return writeTable(os.Stdout, archive, l, command.Bool("bytes"))
		}
	},
}

func newListing(archive *engine.Archive) (listing, error) {
	packed, err := archive.PackedSize()
	if err != nil {
		return listing{}, err
	}
	summary := archive.Summary()

	return listing{
		Archive:       archive.Path(),
		MimeType:      archive.MimeType(),
		Backend:       archive.Backend().Kind(),
		Capabilities:  archive.Capabilities().String(),
		PackedSize:    packed,
		UnpackedSize:  summary.UnpackedSize,
		Files:         summary.Files,
		Folders:       summary.Folders,
		SingleFolder:  summary.SingleFolder,
		SubfolderName: summary.SubfolderName,
		Entries: lo.Map(archive.Entries(), func(e engine.Entry, _ int) listedEntry {
			listed := listedEntry{
				Name:        e.Name,
				Type:        e.Type.String(),
				Permissions: e.Permissions(),
				Owner:       e.Owner,
				Group:       e.Group,
				Size:        e.Size,
				Link:        e.Link,
			}
			if !e.ModTime.IsZero() {
				listed.ModTime = lo.ToPtr(e.ModTime)
			}
			return listed
		}),
	}, nil
}

func writeYAML(w io.Writer, l listing, opts ...yaml.EncodeOption) error {
	out, err := yaml.MarshalWithOptions(l, opts...)
	if err != nil {
		return fmt.Errorf("failed to encode listing: %w", err)
	}
	_, err = w.Write(out)
	return err
}

// writeTable prints the columns the backend reports followed by a summary line.
func writeTable(w io.Writer, archive *engine.Archive, l listing, exact bool) error {
	columns := archive.Backend().Columns()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	header := lo.Map(columns, func(c engine.Column, _ int) string { return strings.ToUpper(c.String()) })
	fmt.Fprintln(tw, strings.Join(header, "\t"))

	for _, e := range archive.Entries() {
		row := lo.Map(columns, func(c engine.Column, _ int) string {
			if c == engine.ColumnSize && !exact && !e.IsDir() {
				return humanize.IBytes(uint64(max(e.Size, 0)))
			}
			return e.Value(c)
		})
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "\n%s: %s file(s), %s folder(s), %s unpacked, %s packed\n",
		l.Archive,
		humanize.Comma(int64(l.Files)),
		humanize.Comma(int64(l.Folders)),
		humanize.IBytes(uint64(max(l.UnpackedSize, 0))),
		humanize.IBytes(uint64(max(l.PackedSize, 0))),
	)
	return err
}
