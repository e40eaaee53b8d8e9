package model

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Reader wraps r so callers read decompressed bytes regardless of the
// batch's declared Compression: GZIP input is decoded, NONE (or an unset
// value) passes through unchanged, and any other value is an error.
func (c Compression) Reader(r io.Reader) (io.ReadCloser, error) {
	switch c {
	case CompressionGZIP:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("model: open gzip reader: %w", err)
		}
		return gz, nil
	case CompressionNone, "":
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("model: unknown compression %q", c)
	}
}
