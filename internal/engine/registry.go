package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Source describes the archive a backend is created for.
type Source struct {
	// Path is the absolute path of the archive file. It may not exist yet.
	Path string
	// MimeType is the canonical mime type the archive is declared as.
	MimeType string
}

type BackendFactory func(ctx context.Context, logger *zap.Logger, src Source) (Reader, error)

// UnsupportedTypeError is returned when no backend is registered for a mime type.
type UnsupportedTypeError struct {
	Category  string   // "backend"
	Kind      string   // the requested mime type
	Available []string // registered mime types
}

func (e *UnsupportedTypeError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("unsupported %s type %q: no %ss registered", e.Category, e.Kind, e.Category)
	}
	return fmt.Sprintf("unsupported %s type %q (available: %v)", e.Category, e.Kind, e.Available)
}

type Registry struct {
	mu       sync.RWMutex
	backends map[string]BackendFactory
	aliases  map[string]string
	logger   *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		backends: make(map[string]BackendFactory),
		aliases:  make(map[string]string),
		logger:   logger,
	}
}

func (r *Registry) RegisterBackend(mimeType string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[mimeType] = factory
}

// RegisterAlias makes alias resolve to the backend registered for mimeType.
func (r *Registry) RegisterAlias(alias, mimeType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = mimeType
}

// Canonical resolves aliases to the mime type backends are registered under.
func (r *Registry) Canonical(mimeType string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canonical(mimeType)
}

func (r *Registry) canonical(mimeType string) string {
	if target, ok := r.aliases[mimeType]; ok {
		return target
	}
	return mimeType
}

func (r *Registry) Supports(mimeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.backends[r.canonical(mimeType)]
	return ok
}

func (r *Registry) CreateBackend(ctx context.Context, src Source) (Reader, error) {
	r.mu.RLock()
	src.MimeType = r.canonical(src.MimeType)
	factory, ok := r.backends[src.MimeType]
	available := r.availableBackends()
	r.mu.RUnlock()
	if !ok {
		return nil, &UnsupportedTypeError{Category: "backend", Kind: src.MimeType, Available: available}
	}
	return factory(ctx, r.logger, src)
}

func (r *Registry) AvailableBackends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.availableBackends()
}

func (r *Registry) availableBackends() []string {
	backends := lo.Keys(r.backends)
	slices.Sort(backends)
	return backends
}
