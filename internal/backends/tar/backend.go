// Package tar implements the backend for tar archives and their compressed variants.
//
// Tar has no in-place update, so every mutation is a rewrite: the archive is
// decompressed into a scratch copy, the archiver edits the copy, and the copy is
// recompressed into a staging file that atomically replaces the original.
package tar

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/infracollect/ark/internal/compression"
	"github.com/infracollect/ark/internal/engine"
	"github.com/infracollect/ark/internal/tempfile"
)

const Kind = "tar"

const (
	scratchPrefix = "ark-tar-"
	scratchName   = "scratch.tar"

	labelTemp    = "temp file"
	labelArchive = "archive"
)

const (
	stagePrepare          engine.Stage = "prepare"
	stageParse            engine.Stage = "parse"
	stagePrepareAlternate engine.Stage = "prepare-alternate"
	stageParseAlternate   engine.Stage = "parse-alternate"
	stageScan             engine.Stage = "scan"
	stageDeleteDuplicates engine.Stage = "delete-duplicates"
	stageAppend           engine.Stage = "append"
	stageDelete           engine.Stage = "delete"
	stageExtract          engine.Stage = "extract"
	stageFlatten          engine.Stage = "flatten"
	stageCommit           engine.Stage = "commit"
)

type Config struct {
	// Program is the GNU-compatible archiver. Defaults to "tar".
	Program string
	Timeout time.Duration
	// TempDir is the parent of the archive-scoped scratch directory.
	TempDir  string
	Selector *compression.Selector
	// Fs must be backed by the OS filesystem: the archiver reads and writes the same paths.
	Fs afero.Fs
}

// Backend handles one tar archive. Operations must not overlap; engine.Archive serializes them.
type Backend struct {
	logger   *zap.Logger
	cfg      Config
	path     string
	declared string
	// effective is the mime type whose filter decoded the archive on the last successful read.
	effective string
	temp      *tempfile.Manager

	// dotSlash is set when any header carries a "./" prefix. New members follow it.
	dotSlash bool
	members  map[string]engine.Entry
	order    []string
	// prefixes holds the leading "./" runs each member's headers were stored with.
	prefixes map[string][]string
}

var _ engine.Writer = (*Backend)(nil)

func New(logger *zap.Logger, cfg Config, src engine.Source) (*Backend, error) {
	if src.Path == "" {
		return nil, fmt.Errorf("archive path is required")
	}
	path, err := filepath.Abs(src.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve archive path %s: %w", src.Path, err)
	}
	if cfg.Program == "" {
		cfg.Program = "tar"
	}
	if cfg.Selector == nil {
		cfg.Selector = compression.NewSelector()
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}

	return &Backend{
		logger:    logger,
		cfg:       cfg,
		path:      path,
		declared:  src.MimeType,
		effective: src.MimeType,
		temp:      tempfile.New(cfg.Fs, logger, cfg.TempDir, scratchPrefix, scratchName),
		members:   make(map[string]engine.Entry),
		prefixes:  make(map[string][]string),
	}, nil
}

// Factory returns the registry constructor for tar archives.
func Factory(cfg Config) engine.BackendFactory {
	return func(_ context.Context, logger *zap.Logger, src engine.Source) (engine.Reader, error) {
		return New(logger.Named("tar"), cfg, src)
	}
}

func (b *Backend) Name() string {
	return fmt.Sprintf("tar(%s)", b.path)
}

func (b *Backend) Kind() string {
	return Kind
}

func (b *Backend) Capabilities() engine.Capability {
	return engine.CapabilitiesAll
}

func (b *Backend) Columns() []engine.Column {
	return engine.AllColumns()
}

// EffectiveMimeType returns the mime type the archive was actually decoded as.
func (b *Backend) EffectiveMimeType() string {
	return b.effective
}

func (b *Backend) Open(ctx context.Context, obs engine.Observer) error {
	return b.load(ctx, "open", obs)
}

func (b *Backend) List(ctx context.Context, obs engine.Observer) error {
	return b.load(ctx, "list", obs)
}

// Create does not touch the disk; the first Add writes the archive.
func (b *Backend) Create(context.Context) error {
	b.logger.Debug("creating archive", zap.String("path", b.path), zap.String("mime_type", b.declared))
	b.members = make(map[string]engine.Entry)
	b.order = nil
	b.prefixes = make(map[string][]string)
	b.dotSlash = false
	return nil
}

// Close removes the scratch directory.
func (b *Backend) Close() error {
	return b.temp.Close()
}

// member returns the name an appended member is stored under. Existing members
// keep the prefix of their header; new ones follow the archive's convention.
func (b *Backend) member(name string) string {
	if prefixes := b.prefixes[name]; len(prefixes) > 0 {
		return prefixes[0] + name
	}
	if b.dotSlash {
		return "./" + name
	}
	return name
}

// archiverNames returns the names the archiver must be given to select name
// and everything beneath it. A member stored both with and without "./", or a
// directory whose children differ in prefix, yields one name per stored form.
func (b *Backend) archiverNames(name string) []string {
	var names []string
	for _, member := range b.order {
		if !covers(name, member) {
			continue
		}
		for _, prefix := range b.prefixes[member] {
			names = append(names, prefix+name)
		}
	}
	names = lo.Uniq(names)
	if len(names) == 0 {
		return []string{name}
	}
	return names
}
