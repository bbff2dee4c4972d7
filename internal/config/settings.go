// Package config loads the ark settings document.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/samber/lo"
	"github.com/spf13/afero"

	v1 "github.com/infracollect/ark/apis/v1"
)

const (
	defaultTarProgram  = "tar"
	defaultISOProgram  = "bsdtar"
	defaultConcurrency = 2
)

// AllowedVariables lists the environment variables settings templates may reference.
var AllowedVariables = []string{
	"HOME",
	"USER",
	"TMPDIR",
	"XDG_CONFIG_HOME",
	"XDG_CACHE_HOME",
	"ARK_PASSWORD",
}

var defaultValidator = validator.New(validator.WithRequiredStructEnabled())

// Defaults returns the settings used when no settings file exists.
func Defaults() v1.Settings {
	var s v1.Settings
	applyDefaults(&s)
	return s
}

func applyDefaults(s *v1.Settings) {
	if s.Kind == "" {
		s.Kind = v1.SettingsKind
	}
	if s.Tar.Program == "" {
		s.Tar.Program = defaultTarProgram
	}
	if s.ISO.Program == "" {
		s.ISO.Program = defaultISOProgram
	}
	if s.Extract.PreservePaths == nil {
		s.Extract.PreservePaths = lo.ToPtr(true)
	}
	if s.Extract.Concurrency == 0 {
		s.Extract.Concurrency = defaultConcurrency
	}
}

// ParseSettings decodes and validates a settings document, expands its templates
// against variables and fills in defaults. Unknown keys are rejected.
func ParseSettings(data []byte, variables map[string]string) (v1.Settings, error) {
	var s v1.Settings
	if err := yaml.UnmarshalWithOptions(data, &s, yaml.Strict()); err != nil {
		return v1.Settings{}, fmt.Errorf("failed to unmarshal settings: %w", err)
	}

	if err := defaultValidator.Struct(s); err != nil {
		return v1.Settings{}, fmt.Errorf("failed to validate settings: %w", err)
	}
	if _, err := Timeout(s); err != nil {
		return v1.Settings{}, err
	}

	if err := ExpandTemplates(&s, variables); err != nil {
		return v1.Settings{}, fmt.Errorf("failed to expand settings templates: %w", err)
	}

	applyDefaults(&s)
	return s, nil
}

// LoadSettings reads the settings file at path. A missing file yields Defaults.
func LoadSettings(fsys afero.Fs, path string, variables map[string]string) (v1.Settings, error) {
	data, err := afero.ReadFile(fsys, path)
	if errors.Is(err, fs.ErrNotExist) {
		return Defaults(), nil
	}
	if err != nil {
		return v1.Settings{}, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}

	s, err := ParseSettings(data, variables)
	if err != nil {
		return v1.Settings{}, fmt.Errorf("invalid settings file %s: %w", path, err)
	}
	return s, nil
}

// Timeout parses the tar timeout. An empty value means no limit.
func Timeout(s v1.Settings) (time.Duration, error) {
	if s.Tar.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.Tar.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid tar timeout %q: %w", s.Tar.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid tar timeout %q: must not be negative", s.Tar.Timeout)
	}
	return d, nil
}

// BuildVariables returns the template variables available to settings files. Unset
// directories fall back to their conventional locations.
func BuildVariables(lookup func(string) (string, bool)) map[string]string {
	variables := make(map[string]string, len(AllowedVariables))
	for _, name := range AllowedVariables {
		if value, ok := lookup(name); ok {
			variables[name] = value
		}
	}

	home := variables["HOME"]
	if _, ok := variables["TMPDIR"]; !ok {
		variables["TMPDIR"] = os.TempDir()
	}
	if _, ok := variables["XDG_CONFIG_HOME"]; !ok && home != "" {
		variables["XDG_CONFIG_HOME"] = filepath.Join(home, ".config")
	}
	if _, ok := variables["XDG_CACHE_HOME"]; !ok && home != "" {
		variables["XDG_CACHE_HOME"] = filepath.Join(home, ".cache")
	}
	return variables
}

// DefaultPath is the settings file used when none is given on the command line.
func DefaultPath(variables map[string]string) string {
	dir, ok := variables["XDG_CONFIG_HOME"]
	if !ok || dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "ark", "settings.yaml")
}
