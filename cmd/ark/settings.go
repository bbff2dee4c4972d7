package main

import (
	"context"
	"fmt"
	"os"

	"github.com/samber/do/v2"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	v1 "github.com/infracollect/ark/apis/v1"
	"github.com/infracollect/ark/internal/config"
	"github.com/infracollect/ark/internal/runner"
)

// settingsPath returns the settings file to load and whether it was requested explicitly.
func settingsPath(command *cli.Command, variables map[string]string) (string, bool) {
	if path := command.String("config"); path != "" {
		return path, true
	}
	return config.DefaultPath(variables), false
}

func loadSettings(ctx context.Context, command *cli.Command, fsys afero.Fs) (v1.Settings, error) {
	logger := getLogger(ctx)
	variables := config.BuildVariables(os.LookupEnv)

	path, explicit := settingsPath(command, variables)
	if explicit {
		exists, err := afero.Exists(fsys, path)
		if err != nil {
			return v1.Settings{}, fmt.Errorf("failed to check settings file %s: %w", path, err)
		}
		if !exists {
			return v1.Settings{}, fmt.Errorf("settings file %s does not exist", path)
		}
	}

	settings, err := config.LoadSettings(fsys, path, variables)
	if err != nil {
		return v1.Settings{}, formatValidationError(err)
	}
	logger.Debug("settings loaded", zap.String("path", path), zap.Bool("explicit", explicit))
	return settings, nil
}

// newRunner loads the settings and resolves the runner from a fresh container.
func newRunner(ctx context.Context, command *cli.Command) (*runner.Runner, error) {
	fsys := afero.NewOsFs()
	settings, err := loadSettings(ctx, command, fsys)
	if err != nil {
		return nil, err
	}

	injector := runner.BuildContainer(getLogger(ctx), settings, fsys)
	r, err := do.Invoke[*runner.Runner](injector)
	if err != nil {
		return nil, fmt.Errorf("failed to build runner: %w", err)
	}
	return r, nil
}
