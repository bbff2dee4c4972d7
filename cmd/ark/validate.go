package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/samber/do/v2"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	v1 "github.com/infracollect/ark/apis/v1"
	"github.com/infracollect/ark/internal/engine"
	"github.com/infracollect/ark/internal/runner"
)

var validateCommand = &cli.Command{
	Name:  "validate-settings",
	Usage: "Validate the settings file and print the effective settings",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "print",
			Usage: "Print the effective settings after defaults and templates are applied",
		},
	},
	Action: func(ctx context.Context, command *cli.Command) error {
		logger := getLogger(ctx)
		fsys := afero.NewOsFs()

		settings, err := loadSettings(ctx, command, fsys)
		if err != nil {
			fmt.Println(err)
			return fmt.Errorf("settings are invalid")
		}

		// Resolving the registry also checks the values only backends interpret.
		injector := runner.BuildContainer(logger, settings, fsys)
		registry, err := do.Invoke[*engine.Registry](injector)
		if err != nil {
			return fmt.Errorf("settings are invalid: %w", err)
		}
		logger.Debug("settings validated", zap.Strings("backends", registry.AvailableBackends()))

		if command.Bool("print") {
			if settings.Encryption != nil {
				settings.Encryption = &v1.EncryptionSettings{Password: "********"}
			}
			out, err := yaml.Marshal(settings)
			if err != nil {
				return fmt.Errorf("failed to marshal settings: %w", err)
			}
			fmt.Print(string(out))
			return nil
		}

		fmt.Println("✓ Settings are valid")
		return nil
	},
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("settings file has %d validation error(s):", len(validationErrs)))
		for _, fe := range validationErrs {
			sb.WriteString(fmt.Sprintf("\n  • %s: failed '%s' validation", fe.Namespace(), fe.Tag()))
			if fe.Param() != "" {
				sb.WriteString(fmt.Sprintf(" (param: %s)", fe.Param()))
			}
		}
		return errors.New(sb.String())
	}
	return err
}
