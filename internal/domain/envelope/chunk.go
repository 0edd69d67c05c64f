package envelope

import "time"

// Chunk is one slice of a large message split by the codec. Body is the
// base64ed slice of the (possibly compressed) original encoding; MessageType
// preserves the original envelope type so the client can reassemble and
// dispatch without inspecting the body.
type Chunk struct {
	Type        string `json:"type"`
	MessageType string `json:"message_type"`
	TransferID  string `json:"transfer_id"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	Codec       string `json:"codec"`
	Body        string `json:"body"`
	Timestamp   int64  `json:"timestamp"`
}

// NewChunk builds one chunk frame of a transfer.
func NewChunk(messageType, transferID, codec string, index, total int, body string) *Chunk {
	return &Chunk{
		Type:        TypeChunk,
		MessageType: messageType,
		TransferID:  transferID,
		ChunkIndex:  index,
		TotalChunks: total,
		Codec:       codec,
		Body:        body,
		Timestamp:   time.Now().UnixMilli(),
	}
}

// UploadProgressPayload reports transfer progress for multi-chunk sends.
type UploadProgressPayload struct {
	TransferID string  `json:"transfer_id"`
	Sent       int     `json:"sent"`
	Total      int     `json:"total"`
	Fraction   float64 `json:"fraction"`
}

// NewUploadProgress builds a low-priority progress frame for a transfer.
func NewUploadProgress(transferID string, sent, total int) *Envelope {
	frac := 0.0
	if total > 0 {
		frac = float64(sent) / float64(total)
	}
	return New(TypeUploadProgress, &UploadProgressPayload{
		TransferID: transferID,
		Sent:       sent,
		Total:      total,
		Fraction:   frac,
	}).WithPriority(PriorityLow)
}
