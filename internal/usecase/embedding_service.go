package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/leyvacars/similarity-api/internal/domain"
	"github.com/leyvacars/similarity-api/internal/infrastructure/metrics"
	"golang.org/x/sync/singleflight"
)

// EmbeddingService resolves image URLs to vectors.
// Flow: check cache -> fetch image -> extract -> cache -> return
type EmbeddingService struct {
	fetcher   domain.ImageFetcher
	extractor domain.FeatureExtractor
	cache     domain.EmbeddingCache
	metrics   *metrics.Metrics
	logger    *slog.Logger
	group     singleflight.Group
}

// NewEmbeddingService creates the embedding provider. cache may be nil to disable caching.
func NewEmbeddingService(
	fetcher domain.ImageFetcher,
	extractor domain.FeatureExtractor,
	cache domain.EmbeddingCache,
	m *metrics.Metrics,
	logger *slog.Logger,
) *EmbeddingService {
	return &EmbeddingService{
		fetcher:   fetcher,
		extractor: extractor,
		cache:     cache,
		metrics:   m,
		logger:    logger.With("component", "embedding"),
	}
}

// Model returns the name of the model producing vectors
func (s *EmbeddingService) Model() string {
	return s.extractor.Model()
}

// Dimensions returns the configured vector length, 0 when not known yet
func (s *EmbeddingService) Dimensions() int {
	return s.extractor.Dimensions()
}

// Embed returns the vector for imageURL. Concurrent calls for the same key share one computation,
// and a caller that gives up does not cancel it for the others.
func (s *EmbeddingService) Embed(ctx context.Context, imageURL string) (domain.Vector, error) {
	key := domain.EmbeddingKey(s.extractor.Model(), imageURL)

	if vec, ok := s.lookup(ctx, key); ok {
		return vec, nil
	}

	// the shared computation outlives any single caller; fetch and model timeouts bound it
	flightCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		// a concurrent caller may have filled the cache while we waited
		if vec, ok := s.lookup(flightCtx, key); ok {
			return vec, nil
		}
		return s.compute(flightCtx, key, imageURL)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		s.logger.Debug("embedding shared with concurrent caller", "url", imageURL)
	}

	vec := res.Val.(domain.Vector)
	out := make(domain.Vector, len(vec))
	copy(out, vec)
	return out, nil
}

// Invalidate drops the cached vector for one URL
func (s *EmbeddingService) Invalidate(ctx context.Context, imageURL string) error {
	if s.cache == nil {
		return nil
	}
	key := domain.EmbeddingKey(s.extractor.Model(), imageURL)
	if err := s.cache.Delete(ctx, key); err != nil {
		return fmt.Errorf("invalidate embedding: %w", err)
	}
	return nil
}

// ClearCache removes every cached vector
func (s *EmbeddingService) ClearCache(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Clear(ctx); err != nil {
		return fmt.Errorf("clear embedding cache: %w", err)
	}
	s.logger.Info("embedding cache cleared")
	return nil
}

func (s *EmbeddingService) lookup(ctx context.Context, key string) (domain.Vector, bool) {
	if s.cache == nil {
		return nil, false
	}

	vec, err := s.cache.Get(ctx, key)
	switch {
	case err == nil:
		s.metrics.RecordCacheLookup("hit")
		return vec, true
	case errors.Is(err, domain.ErrCacheMiss):
		s.metrics.RecordCacheLookup("miss")
	default:
		// a broken cache degrades to recomputation
		s.metrics.RecordCacheLookup("error")
		s.logger.Warn("embedding cache read failed", "key", key, "error", err)
	}
	return nil, false
}

func (s *EmbeddingService) compute(ctx context.Context, key, imageURL string) (domain.Vector, error) {
	img, err := s.fetcher.Fetch(ctx, imageURL)
	if err != nil {
		return nil, err
	}

	vec, err := s.extractor.Extract(ctx, img)
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: model returned an empty vector", domain.ErrEmbedding)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, vec); err != nil {
			s.logger.Warn("embedding cache write failed", "key", key, "error", err)
		}
	}

	s.logger.Debug("embedding computed", "url", imageURL, "dimensions", len(vec), "bytes", len(img.Data))
	return vec, nil
}
