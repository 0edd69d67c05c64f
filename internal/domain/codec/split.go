package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/relaygrid/session-fabric/internal/domain/envelope"
)

// Options tunes the splitter. Zero values fall back to production defaults.
type Options struct {
	// Threshold is the encoded-envelope size above which chunking kicks in.
	Threshold int
	// ChunkSize is the raw byte budget per chunk before base64 expansion.
	ChunkSize int
	// Compression is the preferred codec for oversized payloads.
	Compression Compression
}

const (
	DefaultThreshold = 64 << 10
	DefaultChunkSize = 48 << 10
)

func (o Options) withDefaults() Options {
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Compression == "" {
		o.Compression = LZ4
	}
	return o
}

// Splitter turns oversized encoded envelopes into chunk frame sequences.
type Splitter struct {
	opts Options
}

func NewSplitter(opts Options) *Splitter {
	return &Splitter{opts: opts.withDefaults()}
}

// Threshold returns the active pass-through boundary.
func (s *Splitter) Threshold() int { return s.opts.Threshold }

// Split converts one encoded envelope into wire-ready chunk frames. When the
// payload is at or under the threshold it returns (nil, false, nil) and the
// caller sends the envelope as-is. Compression is kept only when it actually
// shrinks the payload, otherwise the chunks carry raw bytes under codec
// "none".
func (s *Splitter) Split(messageType string, encoded []byte) ([][]byte, bool, error) {
	if len(encoded) <= s.opts.Threshold {
		return nil, false, nil
	}

	body := encoded
	used := None
	if s.opts.Compression != None {
		compressed, err := Compress(encoded, s.opts.Compression)
		if err != nil {
			return nil, false, err
		}
		if len(compressed) < len(encoded) {
			body = compressed
			used = s.opts.Compression
		}
	}

	total := (len(body) + s.opts.ChunkSize - 1) / s.opts.ChunkSize
	transferID := uuid.NewString()
	frames := make([][]byte, 0, total)

	for i := 0; i < total; i++ {
		start := i * s.opts.ChunkSize
		end := start + s.opts.ChunkSize
		if end > len(body) {
			end = len(body)
		}
		chunk := envelope.NewChunk(
			messageType,
			transferID,
			string(used),
			i,
			total,
			base64.StdEncoding.EncodeToString(body[start:end]),
		)
		frame, err := json.Marshal(chunk)
		if err != nil {
			return nil, false, fmt.Errorf("codec: marshal chunk %d/%d: %w", i, total, err)
		}
		frames = append(frames, frame)
	}
	return frames, true, nil
}
