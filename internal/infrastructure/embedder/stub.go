package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/leyvacars/similarity-api/internal/domain"
)

// StubModelName identifies vectors produced by Stub
const StubModelName = "stub-v1"

// Stub derives a unit vector from a SHA-256 stream of the image bytes.
// It needs no model weights and is used in tests and offline runs.
type Stub struct {
	model      string
	dimensions int
}

// NewStub creates a stub extractor; dimensions <= 0 defaults to 512
func NewStub(model string, dimensions int) *Stub {
	if model == "" {
		model = StubModelName
	}
	if dimensions <= 0 {
		dimensions = 512
	}
	return &Stub{model: model, dimensions: dimensions}
}

// Model returns the model identifier
func (s *Stub) Model() string { return s.model }

// Dimensions returns the vector length
func (s *Stub) Dimensions() int { return s.dimensions }

// Extract returns the hash-derived vector for img
func (s *Stub) Extract(ctx context.Context, img *domain.Image) (domain.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img == nil || len(img.Data) == 0 {
		return nil, fmt.Errorf("%w: empty image", domain.ErrDecode)
	}

	seed := sha256.Sum256(img.Data)
	vec := make(domain.Vector, s.dimensions)

	var block [sha256.Size]byte
	var counter [8]byte
	for i := 0; i < s.dimensions; i++ {
		if i%8 == 0 {
			binary.BigEndian.PutUint64(counter[:], uint64(i/8))
			block = sha256.Sum256(append(seed[:], counter[:]...))
		}
		word := binary.BigEndian.Uint32(block[(i%8)*4:])
		vec[i] = float32(word)/float32(^uint32(0))*2 - 1
	}

	return normalize(vec), nil
}
