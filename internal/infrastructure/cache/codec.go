package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/leyvacars/similarity-api/internal/domain"
)

// storedEmbedding is the JSON model shared by the out-of-process backends
type storedEmbedding struct {
	Key      string    `json:"key"`
	Vector   []float32 `json:"vector"`
	StoredAt time.Time `json:"stored_at"`
}

func marshalEmbedding(key string, vec domain.Vector, now time.Time) ([]byte, error) {
	return json.Marshal(storedEmbedding{Key: key, Vector: vec, StoredAt: now.UTC()})
}

// unmarshalEmbedding decodes a stored entry and rejects it when it belongs to another key
// or is older than ttl. Rejected entries are reported as cache misses.
func unmarshalEmbedding(data []byte, key string, ttl time.Duration, now time.Time) (domain.Vector, error) {
	var model storedEmbedding
	if err := json.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("decode cached embedding: %w", err)
	}
	if model.Key != key {
		return nil, fmt.Errorf("%w: key mismatch %q", domain.ErrCacheMiss, model.Key)
	}
	if ttl > 0 && now.Sub(model.StoredAt) > ttl {
		return nil, domain.ErrCacheMiss
	}
	if len(model.Vector) == 0 {
		return nil, fmt.Errorf("%w: empty vector", domain.ErrCacheMiss)
	}
	return domain.Vector(model.Vector), nil
}
