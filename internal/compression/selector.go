// Package compression maps archive mime types to the filters that wrap a raw tar stream.
package compression

import (
	"os/exec"
	"slices"
)

const (
	MimeTar         = "application/x-tar"
	MimeGzipTar     = "application/x-compressed-tar"
	MimeBzip2Tar    = "application/x-bzip-compressed-tar"
	MimeBzip2TarOld = "application/x-bzip-compressed-tar2"
	MimeCompressTar = "application/x-tarz"
	MimeLzopTar     = "application/x-tzo"
	MimeXzTar       = "application/x-xz-compressed-tar"
	MimeZstdTar     = "application/x-zstd-compressed-tar"
	MimeLz4Tar      = "application/x-lz4-compressed-tar"

	MimeZip      = "application/zip"
	MimeRar      = "application/vnd.rar"
	MimeRarOld   = "application/x-rar"
	MimeSevenZip = "application/x-7z-compressed"
	MimeISO      = "application/x-cd-image"
	MimeISO9660  = "application/x-iso9660-image"
)

// Aliases maps legacy mime types to their canonical form.
var Aliases = map[string]string{
	MimeBzip2TarOld: MimeBzip2Tar,
	MimeRarOld:      MimeRar,
	MimeISO9660:     MimeISO,
}

// TarMimeTypes lists every mime type handled by the tar backend.
var TarMimeTypes = []string{
	MimeTar,
	MimeGzipTar,
	MimeBzip2Tar,
	MimeCompressTar,
	MimeLzopTar,
	MimeXzTar,
	MimeZstdTar,
	MimeLz4Tar,
}

// Canonical resolves a legacy mime type alias.
func Canonical(mimeType string) string {
	if target, ok := Aliases[mimeType]; ok {
		return target
	}
	return mimeType
}

// Command is an external filter invocation without its input file.
type Command struct {
	Program string
	Args    []string
}

// Argv returns the arguments that make the filter write the transformed file to stdout.
func (c Command) Argv(file string) []string {
	args := slices.Clone(c.Args)
	return append(args, "-c", file)
}

// Filter wraps or unwraps the raw tar stream of one compressed mime type.
type Filter struct {
	Name         string
	Compressor   Command
	Decompressor Command
	// Codec is the embedded implementation, nil when only the external program exists.
	Codec Codec
}

var filters = map[string]Filter{
	MimeCompressTar: {
		Name:         "compress",
		Compressor:   Command{Program: "compress"},
		Decompressor: Command{Program: "uncompress"},
	},
	MimeGzipTar: {
		Name:         "gzip",
		Compressor:   Command{Program: "gzip"},
		Decompressor: Command{Program: "gunzip"},
		Codec:        gzipCodec{},
	},
	MimeBzip2Tar: {
		Name:         "bzip2",
		Compressor:   Command{Program: "bzip2"},
		Decompressor: Command{Program: "bunzip2"},
		Codec:        bzip2Codec{},
	},
	MimeLzopTar: {
		Name:         "lzop",
		Compressor:   Command{Program: "lzop"},
		Decompressor: Command{Program: "lzop", Args: []string{"-d"}},
	},
	MimeXzTar: {
		Name:         "xz",
		Compressor:   Command{Program: "xz"},
		Decompressor: Command{Program: "xz", Args: []string{"-d"}},
		Codec:        xzCodec{},
	},
	MimeZstdTar: {
		Name:         "zstd",
		Compressor:   Command{Program: "zstd", Args: []string{"-q"}},
		Decompressor: Command{Program: "zstd", Args: []string{"-q", "-d"}},
		Codec:        zstdCodec{},
	},
	MimeLz4Tar: {
		Name:         "lz4",
		Compressor:   Command{Program: "lz4", Args: []string{"-q"}},
		Decompressor: Command{Program: "lz4", Args: []string{"-q", "-d"}},
		Codec:        lz4Codec{},
	},
}

// alternates pairs decompressors that are commonly confused for one another.
var alternates = map[string]string{
	MimeGzipTar:  MimeBzip2Tar,
	MimeBzip2Tar: MimeGzipTar,
}

// IsCompressed reports whether mimeType needs a filter around the tar stream.
func IsCompressed(mimeType string) bool {
	_, ok := filters[Canonical(mimeType)]
	return ok
}

// Alternate returns the mime type whose decompressor should be tried when the declared one fails.
func Alternate(mimeType string) (string, bool) {
	alt, ok := alternates[Canonical(mimeType)]
	return alt, ok
}

// Selector resolves the filter for a mime type, honouring program overrides
// and the choice between external programs and embedded codecs.
type Selector struct {
	overrides      map[string]string
	preferEmbedded bool
	lookPath       func(string) (string, error)
}

type SelectorOption func(*Selector)

// WithOverrides replaces the program used for the given mime types.
// An overridden program decompresses with "-d".
func WithOverrides(overrides map[string]string) SelectorOption {
	return func(s *Selector) {
		s.overrides = overrides
	}
}

// WithPreferEmbedded uses embedded codecs even when the external program is installed.
func WithPreferEmbedded(prefer bool) SelectorOption {
	return func(s *Selector) {
		s.preferEmbedded = prefer
	}
}

// WithLookPath replaces the function used to locate external programs.
func WithLookPath(lookPath func(string) (string, error)) SelectorOption {
	return func(s *Selector) {
		s.lookPath = lookPath
	}
}

func NewSelector(opts ...SelectorOption) *Selector {
	s := &Selector{lookPath: exec.LookPath}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Filter returns the filter for mimeType; ok is false for uncompressed or unknown types.
func (s *Selector) Filter(mimeType string) (Filter, bool) {
	mimeType = Canonical(mimeType)
	f, ok := filters[mimeType]
	if !ok {
		return Filter{}, false
	}
	if program, ok := s.overrides[mimeType]; ok && program != "" {
		f.Compressor = Command{Program: program}
		f.Decompressor = Command{Program: program, Args: []string{"-d"}}
	}
	return f, true
}

// UseEmbedded reports whether f should run through its embedded codec.
func (s *Selector) UseEmbedded(f Filter) bool {
	if f.Codec == nil {
		return false
	}
	if s.preferEmbedded {
		return true
	}
	if _, err := s.lookPath(f.Decompressor.Program); err != nil {
		return true
	}
	if _, err := s.lookPath(f.Compressor.Program); err != nil {
		return true
	}
	return false
}
