package domain

import "context"

// CatalogSource defines the interface for reading the product catalog
type CatalogSource interface {
	FetchActiveProducts(ctx context.Context) ([]Product, error)
}

// Pinger is implemented by sources that can check connectivity without a full fetch
type Pinger interface {
	Ping(ctx context.Context) error
}

// ImageFetcher downloads image bytes from a public URL
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) (*Image, error)
}

// FeatureExtractor turns image bytes into a fixed-dimension vector.
// Implementations must be deterministic for identical bytes.
type FeatureExtractor interface {
	Extract(ctx context.Context, img *Image) (Vector, error)
	Model() string
	Dimensions() int
}

// Embedder resolves an image URL to its vector
type Embedder interface {
	Embed(ctx context.Context, imageURL string) (Vector, error)
}

// EmbeddingCache defines the interface for caching computed vectors
type EmbeddingCache interface {
	Get(ctx context.Context, key string) (Vector, error)
	Set(ctx context.Context, key string, vec Vector) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}
