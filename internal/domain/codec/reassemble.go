package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/relaygrid/session-fabric/internal/domain/envelope"
)

var (
	// ErrTransferMismatch means a chunk contradicts what the transfer
	// announced in its first chunk (total, codec or message type).
	ErrTransferMismatch = errors.New("codec: chunk contradicts transfer header")
	// ErrChunkOutOfRange means the chunk index falls outside the announced range.
	ErrChunkOutOfRange = errors.New("codec: chunk index out of range")
	// ErrTransferTooLarge means the announced transfer exceeds the assembly budget.
	ErrTransferTooLarge = errors.New("codec: transfer exceeds assembly budget")
)

type partial struct {
	mu          sync.Mutex
	messageType string
	codec       Compression
	total       int
	received    int
	parts       [][]byte
	startedAt   time.Time
}

// Reassembler collects chunk frames back into original payloads. Incomplete
// transfers sit in an expiring LRU so an abandoned upload is reclaimed after
// the TTL instead of leaking buffers.
type Reassembler struct {
	mu           sync.Mutex
	cache        *expirable.LRU[string, *partial]
	maxAssembled int64
}

// NewReassembler bounds concurrent transfers, their lifetime and the maximum
// reassembled payload size.
func NewReassembler(maxTransfers int, ttl time.Duration, maxAssembled int64) *Reassembler {
	if maxTransfers <= 0 {
		maxTransfers = 128
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if maxAssembled <= 0 {
		maxAssembled = 64 << 20
	}
	return &Reassembler{
		cache:        expirable.NewLRU[string, *partial](maxTransfers, nil, ttl),
		maxAssembled: maxAssembled,
	}
}

// Result is a finished transfer: the original encoded envelope plus the type
// it was announced under.
type Result struct {
	MessageType string
	Payload     []byte
	Chunks      int
	Elapsed     time.Duration
}

// Accept folds one chunk into its transfer. It returns a non-nil Result when
// the final chunk lands; duplicate chunks are idempotent.
func (r *Reassembler) Accept(c *envelope.Chunk) (*Result, error) {
	if c.TotalChunks <= 0 || c.TransferID == "" {
		return nil, fmt.Errorf("%w: total=%d id=%q", ErrTransferMismatch, c.TotalChunks, c.TransferID)
	}
	comp, err := ParseCompression(c.Codec)
	if err != nil {
		return nil, err
	}

	p := r.getOrCreate(c, comp)

	p.mu.Lock()
	defer p.mu.Unlock()

	if c.TotalChunks != p.total || comp != p.codec || c.MessageType != p.messageType {
		return nil, fmt.Errorf("%w: transfer %s", ErrTransferMismatch, c.TransferID)
	}
	if c.ChunkIndex < 0 || c.ChunkIndex >= p.total {
		return nil, fmt.Errorf("%w: index %d of %d", ErrChunkOutOfRange, c.ChunkIndex, p.total)
	}

	body, err := base64.StdEncoding.DecodeString(c.Body)
	if err != nil {
		return nil, fmt.Errorf("codec: chunk body: %w", err)
	}
	if p.parts[c.ChunkIndex] == nil {
		p.parts[c.ChunkIndex] = body
		p.received++
	}
	if p.received < p.total {
		return nil, nil
	}

	// Last chunk landed: stitch, inflate, release the slot.
	var size int64
	for _, part := range p.parts {
		size += int64(len(part))
	}
	if size > r.maxAssembled {
		r.cache.Remove(c.TransferID)
		return nil, fmt.Errorf("%w: %d bytes", ErrTransferTooLarge, size)
	}

	joined := make([]byte, 0, size)
	for _, part := range p.parts {
		joined = append(joined, part...)
	}
	payload, err := Decompress(joined, p.codec, r.maxAssembled)
	if err != nil {
		r.cache.Remove(c.TransferID)
		return nil, err
	}

	r.cache.Remove(c.TransferID)
	return &Result{
		MessageType: p.messageType,
		Payload:     payload,
		Chunks:      p.total,
		Elapsed:     time.Since(p.startedAt),
	}, nil
}

// getOrCreate pins the transfer slot. The cache itself is thread-safe but
// get-then-add is not, so first-chunk races are serialised here.
func (r *Reassembler) getOrCreate(c *envelope.Chunk, comp Compression) *partial {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.cache.Get(c.TransferID); ok {
		return p
	}
	p := &partial{
		messageType: c.MessageType,
		codec:       comp,
		total:       c.TotalChunks,
		parts:       make([][]byte, c.TotalChunks),
		startedAt:   time.Now(),
	}
	r.cache.Add(c.TransferID, p)
	return p
}

// Pending returns the number of in-flight transfers.
func (r *Reassembler) Pending() int { return r.cache.Len() }
