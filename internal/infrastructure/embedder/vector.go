package embedder

import (
	"math"

	"github.com/leyvacars/similarity-api/internal/domain"
)

// normalize scales v to unit L2 length in place. Zero vectors are left as is.
func normalize(v domain.Vector) domain.Vector {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}
