package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Archive drives the operations of one archive file through its backend.
// At most one operation runs at a time; every operation returns a Job immediately.
type Archive struct {
	logger   *zap.Logger
	path     string
	mimeType string
	backend  Reader
	observer Observer
	fs       afero.Fs

	mu      sync.Mutex
	state   State
	current *Job
	caps    Capability
	entries []Entry
	digest  digest.Digest
}

type ArchiveOption func(*Archive)

// WithObserver forwards the notifications of every job to obs.
func WithObserver(obs Observer) ArchiveOption {
	return func(a *Archive) {
		a.observer = obs
	}
}

// WithFs sets the filesystem used to inspect the archive file. Defaults to the OS filesystem.
func WithFs(fs afero.Fs) ArchiveOption {
	return func(a *Archive) {
		a.fs = fs
	}
}

func NewArchive(logger *zap.Logger, path, mimeType string, backend Reader, opts ...ArchiveOption) *Archive {
	a := &Archive{
		logger:   logger.With(zap.String("archive", path), zap.String("backend", backend.Kind())),
		path:     path,
		mimeType: mimeType,
		backend:  backend,
		observer: NopObserver,
		fs:       afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Archive) Path() string {
	return a.path
}

func (a *Archive) MimeType() string {
	return a.mimeType
}

func (a *Archive) Backend() Reader {
	return a.backend
}

func (a *Archive) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Capabilities returns the operations the archive supports. It is empty until Open or Create succeeded.
func (a *Archive) Capabilities() Capability {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.caps
}

// Entries returns the snapshot of the last successful listing.
func (a *Archive) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.entries)
}

func (a *Archive) Summary() Summary {
	return Summarize(a.Entries())
}

func (a *Archive) IsSingleFolder() bool {
	return a.Summary().SingleFolder
}

func (a *Archive) SubfolderName() string {
	return a.Summary().SubfolderName
}

func (a *Archive) NumberOfFiles() int {
	return a.Summary().Files
}

func (a *Archive) NumberOfFolders() int {
	return a.Summary().Folders
}

func (a *Archive) UnpackedSize() int64 {
	return a.Summary().UnpackedSize
}

// PackedSize returns the size of the archive file on disk.
func (a *Archive) PackedSize() (int64, error) {
	info, err := a.fs.Stat(a.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to stat archive: %w", err)
	}
	return info.Size(), nil
}

// Open lists the archive for the first time and computes its capabilities.
func (a *Archive) Open(ctx context.Context) (*Job, error) {
	return a.start(ctx, StateOpening, func(ctx context.Context, job *Job) error {
		if err := a.backend.Open(ctx, job); err != nil {
			return err
		}
		return a.commitListing(job.Entries(), a.backend.Capabilities())
	})
}

// List refreshes the entry snapshot.
func (a *Archive) List(ctx context.Context) (*Job, error) {
	return a.start(ctx, StateListing, func(ctx context.Context, job *Job) error {
		if err := a.backend.List(ctx, job); err != nil {
			return err
		}
		return a.commitListing(job.Entries(), a.Capabilities())
	})
}

// Create prepares a new, empty archive and widens the capabilities to the full backend set.
func (a *Archive) Create(ctx context.Context) (*Job, error) {
	w, ok := a.backend.(Writer)
	if !ok {
		return nil, fmt.Errorf("%w: %s backend is read-only", ErrUnsupportedOperation, a.backend.Kind())
	}

	return a.start(ctx, StateCreating, func(ctx context.Context, job *Job) error {
		if err := w.Create(ctx); err != nil {
			return err
		}
		return a.commitListing(nil, a.backend.Capabilities())
	})
}

// AddFiles adds local files to the archive, replacing same-named members.
func (a *Archive) AddFiles(ctx context.Context, files []string, opts AddOptions) (*Job, error) {
	if len(files) == 0 {
		return nil, ErrNothingToDo
	}
	w, err := a.writer(CapabilityAdd)
	if err != nil {
		return nil, err
	}

	state := StateAdding
	if opts.ReplaceOnlyWithNewer {
		state = StateUpdating
	}

	files = slices.Clone(files)
	return a.start(ctx, state, func(ctx context.Context, job *Job) error {
		if err := a.verifyUnchanged(); err != nil {
			return err
		}
		if err := w.Add(ctx, files, opts, job); err != nil {
			return err
		}
		return a.relist(ctx)
	})
}

// DeleteFiles removes members from the archive. Names that are not members are ignored.
func (a *Archive) DeleteFiles(ctx context.Context, names []string) (*Job, error) {
	if len(names) == 0 {
		return nil, ErrNothingToDo
	}
	for _, name := range names {
		if isRoot(name) {
			return nil, fmt.Errorf("%w: %q", ErrDeleteRoot, name)
		}
	}
	w, err := a.writer(CapabilityDelete)
	if err != nil {
		return nil, err
	}

	names = slices.Clone(names)
	return a.start(ctx, StateDeleting, func(ctx context.Context, job *Job) error {
		if err := a.verifyUnchanged(); err != nil {
			return err
		}
		if err := w.Delete(ctx, names, job); err != nil {
			return err
		}
		return a.relist(ctx)
	})
}

// Extract writes members to dest. An empty names list extracts everything.
func (a *Archive) Extract(ctx context.Context, names []string, dest string, opts ExtractOptions) (*Job, error) {
	if dest == "" {
		return nil, ErrEmptyDestination
	}
	if !a.Capabilities().Has(CapabilityExtract) {
		return nil, fmt.Errorf("%w: extract", ErrUnsupportedOperation)
	}

	names = slices.Clone(names)
	return a.start(ctx, StateExtracting, func(ctx context.Context, job *Job) error {
		return a.backend.Extract(ctx, names, dest, opts, job)
	})
}

// Close cancels any running job, waits for it and releases the backend.
func (a *Archive) Close() error {
	a.mu.Lock()
	job := a.current
	a.mu.Unlock()

	if job != nil {
		job.Cancel()
		<-job.Done()
	}

	if err := a.backend.Close(); err != nil {
		return fmt.Errorf("failed to close %s backend: %w", a.backend.Kind(), err)
	}
	return nil
}

func (a *Archive) writer(required Capability) (Writer, error) {
	w, ok := a.backend.(Writer)
	if !ok || !a.Capabilities().Has(required) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedOperation, required)
	}
	return w, nil
}

func (a *Archive) start(ctx context.Context, state State, run func(ctx context.Context, job *Job) error) (*Job, error) {
	a.mu.Lock()
	if !canTransition(a.state, state) {
		current := a.state
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot start %s while %s", ErrBusy, state, current)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	job := newJob(state, cancel, a.observer)
	a.state = state
	a.current = job
	a.mu.Unlock()

	logger := a.logger.With(zap.String("job_id", job.ID()), zap.Stringer("operation", state))
	logger.Debug("job started")

	go func() {
		err := run(jobCtx, job)
		cancel()

		a.mu.Lock()
		a.state = StateIdle
		a.current = nil
		a.mu.Unlock()

		if err != nil {
			logger.Warn("job failed", zap.Error(err))
		} else {
			logger.Debug("job finished")
		}
		job.finish(err)
	}()

	return job, nil
}

func (a *Archive) relist(ctx context.Context) error {
	var entries []Entry
	obs := ObserverFuncs{Entry: func(e Entry) { entries = append(entries, e) }}
	if err := a.backend.List(ctx, obs); err != nil {
		return fmt.Errorf("failed to refresh listing: %w", err)
	}
	return a.commitListing(entries, a.Capabilities())
}

func (a *Archive) commitListing(entries []Entry, caps Capability) error {
	dgst, err := a.currentDigest()
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = entries
	a.caps = caps
	a.digest = dgst
	return nil
}

// verifyUnchanged fails when the archive file no longer matches the last listing.
func (a *Archive) verifyUnchanged() error {
	a.mu.Lock()
	expected := a.digest
	a.mu.Unlock()

	actual, err := a.currentDigest()
	if err != nil {
		return err
	}
	if actual != expected {
		a.logger.Warn("archive modified externally",
			zap.Stringer("expected", expected),
			zap.Stringer("actual", actual),
		)
		return ErrArchiveChanged
	}
	return nil
}

func (a *Archive) currentDigest() (digest.Digest, error) {
	f, err := a.fs.Open(a.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	dgst, err := digest.Canonical.FromReader(f)
	if err != nil {
		return "", fmt.Errorf("failed to digest archive: %w", err)
	}
	return dgst, nil
}

func isRoot(name string) bool {
	cleaned := strings.Trim(path.Clean("/"+strings.TrimSpace(name)), "/")
	return cleaned == "" || cleaned == "."
}
