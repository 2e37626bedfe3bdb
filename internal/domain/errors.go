package domain

import "errors"

var (
	// ErrSourceUnavailable is returned when the catalog store cannot be reached or rejects our credentials
	ErrSourceUnavailable = errors.New("catalog source unavailable")

	// ErrImageFetch is returned when an image cannot be downloaded (non-2xx, timeout, wrong content type)
	ErrImageFetch = errors.New("image fetch failed")

	// ErrDecode is returned when image bytes are corrupt or in an unsupported format
	ErrDecode = errors.New("image decode failed")

	// ErrEmbedding is returned when the model fails to produce a usable vector
	ErrEmbedding = errors.New("embedding failed")

	// ErrInvalidRequest is returned when request parameters are invalid
	ErrInvalidRequest = errors.New("invalid request parameters")

	// ErrServiceNotReady is returned while the first index build has not completed
	ErrServiceNotReady = errors.New("service not ready")

	// ErrProductNotFound is returned when a product id is not in the current catalog
	ErrProductNotFound = errors.New("product not found")

	// ErrCacheMiss is returned when data is not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrDimensionMismatch is returned when two vectors of different length are compared
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrUnsupportedMediaType is returned when a URL does not serve an image
	ErrUnsupportedMediaType = errors.New("unsupported media type")

	// ErrRateLimited is returned when rate limit is exceeded
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrRefreshInProgress is returned when a refresh is requested while another one is running
	ErrRefreshInProgress = errors.New("refresh already in progress")
)

// Error kinds reported to clients and used as metric labels.
const (
	KindSourceUnavailable = "source_unavailable"
	KindImageFetch        = "image_fetch_error"
	KindDecode            = "decode_error"
	KindEmbedding         = "embedding_error"
	KindInvalidRequest    = "invalid_request"
	KindServiceNotReady   = "service_not_ready"
	KindProductNotFound   = "product_not_found"
	KindRateLimited       = "rate_limited"
	KindInternal          = "internal"
)

// ErrorKind maps an error to its stable kind string.
// ErrProductNotFound is checked before ErrInvalidRequest since lookups wrap both.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProductNotFound):
		return KindProductNotFound
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrServiceNotReady):
		return KindServiceNotReady
	case errors.Is(err, ErrImageFetch):
		return KindImageFetch
	case errors.Is(err, ErrDecode):
		return KindDecode
	case errors.Is(err, ErrEmbedding):
		return KindEmbedding
	case errors.Is(err, ErrSourceUnavailable):
		return KindSourceUnavailable
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	default:
		return KindInternal
	}
}
