// Package checkpoint persists the per-source result cursor: the highest
// Sandfly result ID already emitted. Backends replace the stored document
// whole, so a reader never observes a partially written checkpoint.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Store.Load when no checkpoint exists yet for a
// source.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is the durable cursor for one source.
type Checkpoint struct {
	LastResultID int64 `json:"last_result_id"`
}

// Store loads and saves checkpoints keyed by source name.
type Store interface {
	// Load returns ErrNotFound when the source has never been checkpointed.
	Load(ctx context.Context, source string) (Checkpoint, error)

	// Save atomically replaces the source's checkpoint.
	Save(ctx context.Context, source string, cp Checkpoint) error
}

// HealthChecker is implemented by stores that can verify their backend is
// usable before a run. Check returns a short human-readable detail.
type HealthChecker interface {
	Check(ctx context.Context) (string, error)
}

// Decode parses a checkpoint document. Negative cursors are rejected.
func Decode(data []byte) (Checkpoint, error) {
	var raw struct {
		LastResultID *int64 `json:"last_result_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	if raw.LastResultID == nil {
		return Checkpoint{}, errors.New("decode checkpoint: last_result_id missing")
	}
	if *raw.LastResultID < 0 {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: negative last_result_id %d", *raw.LastResultID)
	}
	return Checkpoint{LastResultID: *raw.LastResultID}, nil
}

// Encode renders a checkpoint as {"last_result_id": N}.
func Encode(cp Checkpoint) ([]byte, error) {
	if cp.LastResultID < 0 {
		return nil, fmt.Errorf("encode checkpoint: negative last_result_id %d", cp.LastResultID)
	}
	return json.Marshal(cp)
}

// Key turns a source name into a storage-safe key that is valid as a file
// name, an S3 key segment and a ConfigMap data key. Letters, digits, '.' and
// '-' are kept; every other byte, '_' included, is written as '_' followed by
// two hex digits, so distinct names always map to distinct keys.
func Key(source string) string {
	if source == "" {
		return "_"
	}
	var b strings.Builder
	for i := 0; i < len(source); i++ {
		c := source[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}
	return b.String()
}
