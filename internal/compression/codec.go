package compression

import (
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Codec is an embedded implementation of a compression filter.
type Codec interface {
	Name() string
	NewReader(r io.Reader) (io.ReadCloser, error)
	NewWriter(w io.Writer) (io.WriteCloser, error)
}

type gzipCodec struct{}

func (gzipCodec) Name() string { return "gzip" }

func (gzipCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	return zr, nil
}

func (gzipCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(w), nil
}

type bzip2Codec struct{}

func (bzip2Codec) Name() string { return "bzip2" }

func (bzip2Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := bzip2.NewReader(r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create bzip2 reader: %w", err)
	}
	return zr, nil
}

func (bzip2Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	zw, err := bzip2.NewWriter(w, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create bzip2 writer: %w", err)
	}
	return zw, nil
}

type xzCodec struct{}

func (xzCodec) Name() string { return "xz" }

func (xzCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := xz.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create xz reader: %w", err)
	}
	return io.NopCloser(zr), nil
}

func (xzCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	zw, err := xz.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("failed to create xz writer: %w", err)
	}
	return zw, nil
}

type zstdCodec struct{}

func (zstdCodec) Name() string { return "zstd" }

func (zstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	return zr.IOReadCloser(), nil
}

func (zstdCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	return zw, nil
}

type lz4Codec struct{}

func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

func (lz4Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return lz4.NewWriter(w), nil
}

// Decode streams the decompressed form of r into w.
func Decode(codec Codec, w io.Writer, r io.Reader) (int64, error) {
	zr, err := codec.NewReader(r)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, zr)
	if err != nil {
		_ = zr.Close()
		return n, fmt.Errorf("failed to decode %s stream: %w", codec.Name(), err)
	}
	if err := zr.Close(); err != nil {
		return n, fmt.Errorf("failed to close %s reader: %w", codec.Name(), err)
	}
	return n, nil
}

// Encode streams the compressed form of r into w.
func Encode(codec Codec, w io.Writer, r io.Reader) (int64, error) {
	zw, err := codec.NewWriter(w)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(zw, r)
	if err != nil {
		_ = zw.Close()
		return n, fmt.Errorf("failed to encode %s stream: %w", codec.Name(), err)
	}
	if err := zw.Close(); err != nil {
		return n, fmt.Errorf("failed to close %s writer: %w", codec.Name(), err)
	}
	return n, nil
}
