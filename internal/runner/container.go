package runner

import (
	"fmt"

	"github.com/samber/do/v2"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	v1 "github.com/infracollect/ark/apis/v1"
	"github.com/infracollect/ark/internal/backends/iso"
	"github.com/infracollect/ark/internal/backends/rar"
	"github.com/infracollect/ark/internal/backends/sevenzip"
	"github.com/infracollect/ark/internal/backends/tar"
	"github.com/infracollect/ark/internal/backends/zip"
	"github.com/infracollect/ark/internal/compression"
	"github.com/infracollect/ark/internal/config"
	"github.com/infracollect/ark/internal/engine"
)

// BuildContainer creates a new DI container with all dependencies registered.
// Dependencies are lazily initialized when first requested.
func BuildContainer(logger *zap.Logger, settings v1.Settings, fsys afero.Fs) *do.RootScope {
	injector := do.New()

	do.ProvideValue(injector, logger)
	do.ProvideValue(injector, settings)
	do.ProvideValue(injector, fsys)

	// The selector searches PATH for filter programs, so it is only built when a tar archive needs it.
	do.Provide(injector, func(i do.Injector) (*compression.Selector, error) {
		s := do.MustInvoke[v1.Settings](i)
		return compression.NewSelector(
			compression.WithOverrides(s.Filters.Programs),
			compression.WithPreferEmbedded(s.Filters.PreferEmbedded),
		), nil
	})

	do.Provide(injector, func(i do.Injector) (*engine.Registry, error) {
		return BuildRegistry(
			do.MustInvoke[*zap.Logger](i),
			do.MustInvoke[v1.Settings](i),
			do.MustInvoke[*compression.Selector](i),
			do.MustInvoke[afero.Fs](i),
		)
	})

	do.Provide(injector, func(i do.Injector) (*Runner, error) {
		return New(
			do.MustInvoke[*zap.Logger](i).Named("runner"),
			do.MustInvoke[*engine.Registry](i),
			do.MustInvoke[v1.Settings](i),
			do.MustInvoke[afero.Fs](i),
		), nil
	})

	return injector
}

// BuildRegistry creates a new registry with every archive backend registered.
func BuildRegistry(logger *zap.Logger, settings v1.Settings, selector *compression.Selector, fsys afero.Fs) (*engine.Registry, error) {
	timeout, err := config.Timeout(settings)
	if err != nil {
		return nil, err
	}
	var password string
	if settings.Encryption != nil {
		password = settings.Encryption.Password
	}

	registry := engine.NewRegistry(logger.Named("registry"))

	tarFactory := tar.Factory(tar.Config{
		Program:  settings.Tar.Program,
		Timeout:  timeout,
		TempDir:  settings.TempDir,
		Selector: selector,
		Fs:       fsys,
	})
	for _, mimeType := range compression.TarMimeTypes {
		registry.RegisterBackend(mimeType, tarFactory)
	}

	registry.RegisterBackend(compression.MimeZip, zip.Factory(zip.Config{Fs: fsys}))
	registry.RegisterBackend(compression.MimeRar, rar.Factory(rar.Config{Password: password, Fs: fsys}))
	registry.RegisterBackend(compression.MimeSevenZip, sevenzip.Factory(sevenzip.Config{Password: password, Fs: fsys}))
	registry.RegisterBackend(compression.MimeISO, iso.Factory(iso.Config{
		Program: settings.ISO.Program,
		Timeout: timeout,
		TempDir: settings.TempDir,
		Fs:      fsys,
	}))

	for alias, mimeType := range compression.Aliases {
		if !registry.Supports(mimeType) {
			return nil, fmt.Errorf("alias %s targets unregistered mime type %s", alias, mimeType)
		}
		registry.RegisterAlias(alias, mimeType)
	}

	return registry, nil
}
