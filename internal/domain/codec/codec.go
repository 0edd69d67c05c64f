// Package codec moves large messages over frame-size-limited transports. An
// encoded envelope above the threshold is compressed, sliced into chunk
// frames and reassembled on the far side; everything under the threshold
// passes through untouched.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
)

// Compression names the codec applied before chunking.
type Compression string

const (
	// None transmits raw bytes; chosen automatically whenever compression
	// fails to shrink the payload.
	None Compression = "none"
	// Gzip trades CPU for ratio; best for large text-heavy payloads.
	Gzip Compression = "gzip"
	// LZ4 favours speed; best default for latency-sensitive paths.
	LZ4 Compression = "lz4"
)

// ParseCompression maps a config string onto a known codec.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case None, Gzip, LZ4:
		return Compression(s), nil
	case "":
		return LZ4, nil
	default:
		return "", fmt.Errorf("codec: unknown compression %q", s)
	}
}

// Negotiate picks the first codec from the client's ordered preference list
// that the server supports. An empty or entirely unsupported list falls back
// to None, which every peer must accept.
func Negotiate(prefs []string) Compression {
	for _, p := range prefs {
		if c, err := ParseCompression(p); err == nil && p != "" {
			return c
		}
	}
	return None
}

// Compress encodes data with the given codec. The caller still owns the
// decision whether the result is worth using; see Splitter.
func Compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case None:
		return data, nil
	case Gzip:
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("codec: gzip init: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("codec: gzip write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("codec: gzip close: %w", err)
		}
		return buf.Bytes(), nil
	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("codec: lz4 write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("codec: lz4 close: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("codec: unknown compression %q", c)
	}
}

// Decompress reverses Compress. maxSize bounds the inflated output so a
// hostile peer cannot expand a small frame into unbounded memory.
func Decompress(data []byte, c Compression, maxSize int64) ([]byte, error) {
	switch c {
	case None:
		return data, nil
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("codec: gzip open: %w", err)
		}
		defer r.Close()
		return readBounded(r, maxSize)
	case LZ4:
		return readBounded(lz4.NewReader(bytes.NewReader(data)), maxSize)
	default:
		return nil, fmt.Errorf("codec: unknown compression %q", c)
	}
}

func readBounded(r io.Reader, maxSize int64) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("codec: inflate: %w", err)
	}
	if int64(len(out)) > maxSize {
		return nil, fmt.Errorf("codec: inflated payload exceeds %d bytes", maxSize)
	}
	return out, nil
}
