package catalog

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/leyvacars/similarity-api/internal/domain"
)

// FallbackSource reads the remote catalog and serves the fixtures whenever the
// remote store is unavailable. With no remote configured it always serves fixtures.
type FallbackSource struct {
	remote   domain.CatalogSource
	fixture  domain.CatalogSource
	logger   *slog.Logger
	mu       sync.RWMutex
	lastMode string
	lastErr  error
	setupErr error
}

// NewFallbackSource creates the composite source. remote may be nil for fixture mode.
func NewFallbackSource(remote, fixture domain.CatalogSource, logger *slog.Logger) *FallbackSource {
	return &FallbackSource{
		remote:  remote,
		fixture: fixture,
		logger:  logger.With("component", "catalog"),
	}
}

// Fetch returns the catalog together with the mode that produced it
func (s *FallbackSource) Fetch(ctx context.Context) (domain.Catalog, error) {
	if s.remote != nil {
		products, err := s.remote.FetchActiveProducts(ctx)
		if err == nil {
			s.record(domain.SourceModeRemote, nil)
			return domain.Catalog{Products: products, Mode: domain.SourceModeRemote}, nil
		}
		if !errors.Is(err, domain.ErrSourceUnavailable) {
			s.record(s.Mode(), err)
			return domain.Catalog{}, err
		}
		s.logger.Warn("catalog store unavailable, serving fixture products", "error", err)
		s.record(domain.SourceModeFixture, err)
	} else {
		s.record(domain.SourceModeFixture, nil)
	}

	products, err := s.fixture.FetchActiveProducts(ctx)
	if err != nil {
		return domain.Catalog{}, err
	}
	return domain.Catalog{Products: products, Mode: domain.SourceModeFixture}, nil
}

// FetchActiveProducts satisfies domain.CatalogSource
func (s *FallbackSource) FetchActiveProducts(ctx context.Context) ([]domain.Product, error) {
	c, err := s.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return c.Products, nil
}

// Ping checks the remote store. Fixture-only sources are always reachable.
func (s *FallbackSource) Ping(ctx context.Context) error {
	if s.remote == nil {
		return nil
	}
	if p, ok := s.remote.(domain.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// HasRemote reports whether a remote store is configured
func (s *FallbackSource) HasRemote() bool {
	return s.remote != nil
}

// Mode returns the mode that served the last fetch
func (s *FallbackSource) Mode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastMode
}

// RemoteSetupFailed records that a remote store was configured but its client could not be built.
// The source keeps serving fixtures and LastError reports err.
func (s *FallbackSource) RemoteSetupFailed(err error) {
	s.mu.Lock()
	s.setupErr = err
	s.mu.Unlock()
}

// LastError returns the remote error seen on the last fetch, or the client setup error
func (s *FallbackSource) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastErr != nil {
		return s.lastErr
	}
	return s.setupErr
}

func (s *FallbackSource) record(mode string, err error) {
	s.mu.Lock()
	s.lastMode = mode
	s.lastErr = err
	s.mu.Unlock()
}
