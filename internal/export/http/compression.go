package http

import (
	"bytes"
	"compress/gzip"
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression algorithms accepted by Config.Compression.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionZstd   = "zstd"
	CompressionSnappy = "snappy"
)

// contentEncodings maps each algorithm to its Content-Encoding header
// value. Membership doubles as the validity check; "none" sends no
// header.
var contentEncodings = map[string]string{
	CompressionNone:   "",
	CompressionGzip:   "gzip",
	CompressionZstd:   "zstd",
	CompressionSnappy: "snappy",
}

// Compressor encodes request payloads with the algorithm fixed at
// construction time.
type Compressor struct {
	algorithm string
	encoding  string
	zstdEnc   *zstd.Encoder
}

// NewCompressor builds a Compressor for the given algorithm. The empty
// string means no compression. Unknown algorithms are rejected here,
// before any payload is built.
func NewCompressor(algorithm string) (*Compressor, error) {
	if algorithm == "" {
		algorithm = CompressionNone
	}

	encoding, ok := contentEncodings[algorithm]
	if !ok {
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}

	c := &Compressor{algorithm: algorithm, encoding: encoding}

	// The zstd encoder is reused across payloads, it is expensive to
	// create.
	if algorithm == CompressionZstd {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}

		c.zstdEnc = enc
	}

	return c, nil
}

// Encode compresses payload and returns the request body together with
// the Content-Encoding header value, empty when the body goes out as
// is.
func (c *Compressor) Encode(payload []byte) ([]byte, string, error) {
	switch c.algorithm {
	case CompressionGzip:
		body, err := gzipEncode(payload)

		return body, c.encoding, err
	case CompressionZstd:
		return c.zstdEnc.EncodeAll(payload, make([]byte, 0, len(payload))), c.encoding, nil
	case CompressionSnappy:
		return snappy.Encode(nil, payload), c.encoding, nil
	default:
		return payload, "", nil
	}
}

// Close releases the zstd encoder, if any.
func (c *Compressor) Close() error {
	if c.zstdEnc != nil {
		return c.zstdEnc.Close()
	}

	return nil
}

func gzipEncode(payload []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := gzip.NewWriter(&buf)

	if _, err := w.Write(payload); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}

	return buf.Bytes(), nil
}
