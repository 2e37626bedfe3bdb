package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/leyvacars/similarity-api/config"
	"github.com/leyvacars/similarity-api/internal/domain"
	"github.com/leyvacars/similarity-api/internal/infrastructure/cache"
	"github.com/leyvacars/similarity-api/internal/infrastructure/catalog"
	"github.com/leyvacars/similarity-api/internal/infrastructure/embedder"
)

func newFixture(cfg config.SourceConfig) (*catalog.Fixture, error) {
	if cfg.FixtureFile == "" {
		return catalog.NewFixture(), nil
	}
	f, err := catalog.LoadFixture(cfg.FixtureFile)
	if err != nil {
		return nil, fmt.Errorf("load fixtures: %w", err)
	}
	return f, nil
}

func newExtractor(cfg config.EmbeddingConfig, logger *slog.Logger) (domain.FeatureExtractor, error) {
	switch cfg.Provider {
	case "local":
		return embedder.NewLocal(cfg.ModelName), nil
	case "stub":
		return embedder.NewStub(cfg.ModelName, cfg.Dimensions), nil
	case "remote":
		r, err := embedder.NewRemote(embedder.RemoteConfig{
			BaseURL:       cfg.RemoteURL,
			Model:         cfg.ModelName,
			APIKey:        cfg.APIKey,
			Timeout:       cfg.Timeout,
			MaxConcurrent: cfg.MaxConcurrent,
			Dimensions:    cfg.Dimensions,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("remote embedder: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// newCache builds the configured embedding cache and, when it holds a connection, its closer
func newCache(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (domain.EmbeddingCache, func() error, error) {
	switch cfg.Type {
	case "memory":
		c := cache.NewMemoryCache(cfg.TTL, cfg.MaxEntries)
		return c, c.Close, nil
	case "disk":
		c, err := cache.NewDiskCache(cfg.Dir, cfg.TTL, logger)
		if err != nil {
			return nil, nil, err
		}
		return c, nil, nil
	case "redis":
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		c := cache.NewRedisCache(client, cfg.TTL, logger)
		return c, c.Close, nil
	case "object":
		c, err := cache.NewObjectCache(ctx, cache.ObjectOptions{
			Endpoint:  cfg.Object.Endpoint,
			AccessKey: cfg.Object.AccessKey,
			SecretKey: cfg.Object.SecretKey,
			Bucket:    cfg.Object.Bucket,
			UseSSL:    cfg.Object.UseSSL,
		}, cfg.TTL, logger)
		if err != nil {
			return nil, nil, err
		}
		return c, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache type %q", cfg.Type)
	}
}
