package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// Vector is a fixed-dimension embedding of a product image
type Vector []float32

// Image holds downloaded image bytes
type Image struct {
	URL         string
	ContentType string
	Data        []byte
}

// EmbeddingKeyPrefix namespaces embedding entries in shared caches
const EmbeddingKeyPrefix = "embedding:"

// EmbeddingKey builds the cache key for an image URL under a given model.
// Vectors from different models are never mixed.
func EmbeddingKey(model, imageURL string) string {
	sum := sha256.Sum256([]byte(imageURL))
	return EmbeddingKeyPrefix + model + ":" + hex.EncodeToString(sum[:])
}
