package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/position"
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Payload is the unit of work both queues carry: one flushed batch of
// normalized positions. When compression is on, Positions is empty and
// Compressed holds the zstd-encoded JSON position list instead.
type Payload struct {
	BatchID    string               `json:"batch_id"`
	Positions  []*position.Position `json:"positions,omitempty"`
	Count      int                  `json:"count"`
	CreatedAt  time.Time            `json:"created_at"`
	Compressed []byte               `json:"compressed,omitempty"`
}

// NewPayload builds a job payload for a batch, optionally compressing the
// position list.
func NewPayload(batchID string, positions []*position.Position, compress bool) (*Payload, error) {
	p := &Payload{
		BatchID:   batchID,
		Count:     len(positions),
		CreatedAt: time.Now().UTC(),
	}
	if !compress {
		p.Positions = positions
		return p, nil
	}

	data, err := json.Marshal(positions)
	if err != nil {
		return nil, fmt.Errorf("encoding positions for %s: %w", batchID, err)
	}
	p.Compressed = zstdEncoder.EncodeAll(data, nil)
	return p, nil
}

// Decode returns the payload's position list, decompressing when needed.
func (p *Payload) Decode() ([]*position.Position, error) {
	if len(p.Compressed) == 0 {
		return p.Positions, nil
	}

	data, err := zstdDecoder.DecodeAll(p.Compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload %s: %w", p.BatchID, err)
	}
	var positions []*position.Position
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("decoding payload %s: %w", p.BatchID, err)
	}
	return positions, nil
}
