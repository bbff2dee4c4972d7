package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/goccy/go-yaml"
	"github.com/urfave/cli/v3"
)

type buildInfo struct {
	Version   string `yaml:"version"`
	GoVersion string `yaml:"go"`
	Commit    string `yaml:"commit,omitempty"`
	BuildTime string `yaml:"built,omitempty"`
	Modified  bool   `yaml:"modified,omitempty"`
}

// build is populated from debug.ReadBuildInfo at init.
var build = buildInfo{Version: "unknown", GoVersion: "unknown"}

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	build.Version = info.Main.Version
	build.GoVersion = info.GoVersion

	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			build.Commit = setting.Value
		case "vcs.time":
			build.BuildTime = setting.Value
		case "vcs.modified":
			build.Modified = setting.Value == "true"
		}
	}
}

var versionCommand = &cli.Command{
	Name:  "version",
	Usage: "Print version information",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "yaml",
			Usage: "Print the build information as YAML",
		},
	},
	Action: func(ctx context.Context, command *cli.Command) error {
		if command.Bool("yaml") {
			out, err := yaml.Marshal(build)
			if err != nil {
				return fmt.Errorf("failed to marshal build information: %w", err)
			}
			_, err = os.Stdout.Write(out)
			return err
		}

		fmt.Printf("ark %s (%s)\n", build.Version, build.GoVersion)
		if build.Commit != "" {
			dirty := ""
			if build.Modified {
				dirty = " (dirty)"
			}
			fmt.Printf("commit: %s%s\n", build.Commit, dirty)
		}
		if build.BuildTime != "" {
			fmt.Printf("built: %s\n", build.BuildTime)
		}
		return nil
	},
}
