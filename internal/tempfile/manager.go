// Package tempfile owns the scratch copy an archive is rewritten through.
package tempfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Manager owns one archive-scoped temp directory holding at most one scratch file.
// The directory is created on first use and removed by Close.
type Manager struct {
	fs     afero.Fs
	logger *zap.Logger
	parent string
	prefix string
	name   string

	mu  sync.Mutex
	dir string
}

// New returns a manager whose directory will live under parent (the OS temp
// directory when empty) and whose scratch file is called name.
func New(fs afero.Fs, logger *zap.Logger, parent, prefix, name string) *Manager {
	return &Manager{
		fs:     fs,
		logger: logger,
		parent: parent,
		prefix: prefix,
		name:   name,
	}
}

// Dir returns the archive-scoped directory, creating it if needed.
func (m *Manager) Dir() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureDir()
}

func (m *Manager) ensureDir() (string, error) {
	if m.dir != "" {
		return m.dir, nil
	}

	parent := m.parent
	if parent == "" {
		parent = os.TempDir()
	}
	if err := m.fs.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("failed to create temp parent %s: %w", parent, err)
	}

	dir, err := afero.TempDir(m.fs, parent, m.prefix)
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}
	m.logger.Debug("created temp directory", zap.String("dir", dir))
	m.dir = dir
	return dir, nil
}

// Path returns the scratch file path. The file itself may not exist.
func (m *Manager) Path() (string, error) {
	dir, err := m.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, m.name), nil
}

// Create truncates or creates the scratch file for writing.
func (m *Manager) Create() (afero.File, error) {
	path, err := m.Path()
	if err != nil {
		return nil, err
	}
	f, err := m.fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	return f, nil
}

// CreateEmpty leaves a zero-byte scratch file.
func (m *Manager) CreateEmpty() error {
	f, err := m.Create()
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	return nil
}

// Open opens the scratch file for reading.
func (m *Manager) Open() (afero.File, error) {
	path, err := m.Path()
	if err != nil {
		return nil, err
	}
	f, err := m.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open temp file: %w", err)
	}
	return f, nil
}

// Reset removes the scratch file so the next stage starts from nothing.
func (m *Manager) Reset() error {
	path, err := m.Path()
	if err != nil {
		return err
	}
	if err := m.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove temp file: %w", err)
	}
	return nil
}

// Exists reports whether the scratch file is present.
func (m *Manager) Exists() bool {
	m.mu.Lock()
	dir := m.dir
	m.mu.Unlock()
	if dir == "" {
		return false
	}
	ok, err := afero.Exists(m.fs, filepath.Join(dir, m.name))
	return err == nil && ok
}

func (m *Manager) Size() (int64, error) {
	path, err := m.Path()
	if err != nil {
		return 0, err
	}
	info, err := m.fs.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat temp file: %w", err)
	}
	return info.Size(), nil
}

// StagingDir creates a fresh directory inside the archive-scoped directory.
func (m *Manager) StagingDir(prefix string) (string, error) {
	dir, err := m.Dir()
	if err != nil {
		return "", err
	}
	staging, err := afero.TempDir(m.fs, dir, prefix)
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	return staging, nil
}

// Close removes the temp directory and everything in it.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dir == "" {
		return nil
	}
	if err := m.fs.RemoveAll(m.dir); err != nil {
		return fmt.Errorf("failed to remove temp directory %s: %w", m.dir, err)
	}
	m.logger.Debug("removed temp directory", zap.String("dir", m.dir))
	m.dir = ""
	return nil
}
