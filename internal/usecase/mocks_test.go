package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/leyvacars/similarity-api/internal/domain"
	"github.com/shopspring/decimal"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockImageFetcher serves image bytes by URL and counts fetches
type MockImageFetcher struct {
	mu     sync.Mutex
	images map[string][]byte
	errs   map[string]error
	calls  map[string]int
	gate   chan struct{}
}

func NewMockImageFetcher() *MockImageFetcher {
	return &MockImageFetcher{
		images: map[string][]byte{},
		errs:   map[string]error{},
		calls:  map[string]int{},
	}
}

func (m *MockImageFetcher) Fetch(ctx context.Context, url string) (*domain.Image, error) {
	m.mu.Lock()
	m.calls[url]++
	gate := m.gate
	data, ok := m.images[url]
	err := m.errs[url]
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: status 404", domain.ErrImageFetch)
	}
	return &domain.Image{URL: url, ContentType: "image/jpeg", Data: data}, nil
}

func (m *MockImageFetcher) Calls(url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[url]
}

// MockEmbedder maps URLs straight to vectors
type MockEmbedder struct {
	mu          sync.Mutex
	vectors     map[string]domain.Vector
	errs        map[string]error
	calls       atomic.Int64
	cleared     int
	invalidated []string
}

func NewMockEmbedder() *MockEmbedder {
	return &MockEmbedder{vectors: map[string]domain.Vector{}, errs: map[string]error{}}
}

func (m *MockEmbedder) Set(url string, vec ...float32) *MockEmbedder {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors[url] = vec
	return m
}

func (m *MockEmbedder) Fail(url string, err error) *MockEmbedder {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[url] = err
	return m
}

func (m *MockEmbedder) Embed(ctx context.Context, url string) (domain.Vector, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[url]; err != nil {
		return nil, err
	}
	vec, ok := m.vectors[url]
	if !ok {
		return nil, fmt.Errorf("%w: status 404", domain.ErrImageFetch)
	}
	out := make(domain.Vector, len(vec))
	copy(out, vec)
	return out, nil
}

func (m *MockEmbedder) Model() string   { return "mock-v1" }
func (m *MockEmbedder) Dimensions() int { return 0 }

func (m *MockEmbedder) Invalidate(ctx context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated = append(m.invalidated, url)
	return nil
}

func (m *MockEmbedder) Invalidated() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.invalidated...)
}

func (m *MockEmbedder) ClearCache(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared++
	return nil
}

// MockCatalog returns a settable catalog
type MockCatalog struct {
	mu      sync.Mutex
	catalog domain.Catalog
	err     error
	calls   int
}

func NewMockCatalog(mode string, products ...domain.Product) *MockCatalog {
	return &MockCatalog{catalog: domain.Catalog{Products: products, Mode: mode}}
}

func (m *MockCatalog) Fetch(ctx context.Context) (domain.Catalog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return domain.Catalog{}, m.err
	}
	products := make([]domain.Product, len(m.catalog.Products))
	copy(products, m.catalog.Products)
	return domain.Catalog{Products: products, Mode: m.catalog.Mode}, nil
}

func (m *MockCatalog) SetProducts(products ...domain.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalog.Products = products
}

func (m *MockCatalog) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func product(id, category string) domain.Product {
	return domain.Product{
		ID:       id,
		Name:     "Producto " + id,
		Brand:    "Marca",
		ImageURL: "https://img.example.com/" + id + ".jpg",
		Category: category,
		Price:    decimal.NewFromInt(100),
		Stock:    3,
		Active:   true,
	}
}

func imageURL(id string) string {
	return "https://img.example.com/" + id + ".jpg"
}
