package compression

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mholt/archives"
	"github.com/spf13/afero"
)

// extensions is ordered so that longer suffixes win.
var extensions = []struct {
	suffix   string
	mimeType string
}{
	{".tar.gz", MimeGzipTar},
	{".tar.bz2", MimeBzip2Tar},
	{".tar.lzo", MimeLzopTar},
	{".tar.zst", MimeZstdTar},
	{".tar.lz4", MimeLz4Tar},
	{".tar.xz", MimeXzTar},
	{".tar.z", MimeCompressTar},
	{".tgz", MimeGzipTar},
	{".tbz2", MimeBzip2Tar},
	{".tbz", MimeBzip2Tar},
	{".taz", MimeCompressTar},
	{".tzo", MimeLzopTar},
	{".tzst", MimeZstdTar},
	{".txz", MimeXzTar},
	{".tar", MimeTar},
	{".zip", MimeZip},
	{".rar", MimeRar},
	{".7z", MimeSevenZip},
	{".iso", MimeISO},
}

// MimeFromName returns the mime type implied by the file name extension.
func MimeFromName(name string) (string, bool) {
	lower := strings.ToLower(name)
	for _, ext := range extensions {
		if strings.HasSuffix(lower, ext.suffix) {
			return ext.mimeType, true
		}
	}
	return "", false
}

// TrimExtension removes a known archive extension from the base name of path.
func TrimExtension(path string) string {
	base := filepath.Base(path)
	lower := strings.ToLower(base)
	for _, ext := range extensions {
		if strings.HasSuffix(lower, ext.suffix) && len(base) > len(ext.suffix) {
			return base[:len(base)-len(ext.suffix)]
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Detect returns the mime type of the archive at path. The content is
// identified first; the file name is used when the file is missing, empty
// or not recognised.
func Detect(ctx context.Context, fsys afero.Fs, path string) (string, error) {
	if mimeType, ok := detectContent(ctx, fsys, path); ok {
		return mimeType, nil
	}
	if mimeType, ok := MimeFromName(path); ok {
		return mimeType, nil
	}
	return "", fmt.Errorf("unable to detect archive type of %s", path)
}

func detectContent(ctx context.Context, fsys afero.Fs, path string) (string, bool) {
	f, err := fsys.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return "", false
	}

	format, _, err := archives.Identify(ctx, "", f)
	if err != nil {
		return "", false
	}
	return MimeFromName("archive" + format.Extension())
}
