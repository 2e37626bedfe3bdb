package catalog

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/leyvacars/similarity-api/internal/domain"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultFixtures is the built-in offline catalog: one tire, one shock absorber and one headlight
func DefaultFixtures() []domain.Product {
	return []domain.Product{
		{
			ID:       "demo1",
			Name:     "Llanta Michelin 195/65 R15",
			Brand:    "Michelin",
			Model:    "Energy Saver",
			ImageURL: BundledImageBase + "demo1.png",
			Category: "Llantas",
			Price:    decimal.NewFromInt(150),
			Stock:    10,
			Active:   true,
		},
		{
			ID:       "demo2",
			Name:     "Amortiguador Delantero",
			Brand:    "Monroe",
			Model:    "OESpectrum",
			ImageURL: BundledImageBase + "demo2.png",
			Category: "Suspensión",
			Price:    decimal.NewFromInt(80),
			Stock:    5,
			Active:   true,
		},
		{
			ID:       "demo3",
			Name:     "Faro Delantero LED",
			Brand:    "Osram",
			Model:    "LEDriving",
			ImageURL: BundledImageBase + "demo3.png",
			Category: "Iluminación",
			Price:    decimal.NewFromInt(120),
			Stock:    8,
			Active:   true,
		},
	}
}

// fixtureRecord is the YAML shape of a fixture file entry
type fixtureRecord struct {
	ID       string  `yaml:"id"`
	Name     string  `yaml:"name"`
	Brand    string  `yaml:"brand"`
	Model    string  `yaml:"model"`
	ImageURL string  `yaml:"imageUrl"`
	Category string  `yaml:"category"`
	Price    float64 `yaml:"price"`
	Stock    int     `yaml:"stock"`
	Active   *bool   `yaml:"active"`
}

type fixtureFile struct {
	Products []fixtureRecord `yaml:"products"`
}

// Fixture serves a fixed product list, either the built-in set or one loaded from a YAML file
type Fixture struct {
	mu       sync.RWMutex
	path     string
	products []domain.Product
}

// NewFixture returns a source over the built-in fixtures
func NewFixture() *Fixture {
	return &Fixture{products: DefaultFixtures()}
}

// LoadFixture reads fixtures from a YAML file
func LoadFixture(path string) (*Fixture, error) {
	f := &Fixture{path: path}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the fixture file. It is a no-op for the built-in set.
func (f *Fixture) Reload() error {
	if f.path == "" {
		return nil
	}

	products, err := readFixtureFile(f.path)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.products = products
	f.mu.Unlock()
	return nil
}

// Path returns the backing file, empty for the built-in set
func (f *Fixture) Path() string { return f.path }

// FetchActiveProducts returns a copy of the active fixture products
func (f *Fixture) FetchActiveProducts(ctx context.Context) ([]domain.Product, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]domain.Product, 0, len(f.products))
	for _, p := range f.products {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func readFixtureFile(path string) ([]domain.Product, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture file: %w", err)
	}

	var file fixtureFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse fixture file %s: %w", path, err)
	}

	products := make([]domain.Product, 0, len(file.Products))
	seen := make(map[string]bool, len(file.Products))
	for i, rec := range file.Products {
		id := strings.TrimSpace(rec.ID)
		if id == "" {
			return nil, fmt.Errorf("fixture file %s: product %d has no id", path, i)
		}
		if seen[id] {
			return nil, fmt.Errorf("fixture file %s: duplicate product id %q", path, id)
		}
		if rec.Price < 0 || rec.Stock < 0 {
			return nil, fmt.Errorf("fixture file %s: product %q has negative price or stock", path, id)
		}
		seen[id] = true

		active := true
		if rec.Active != nil {
			active = *rec.Active
		}

		products = append(products, domain.Product{
			ID:       id,
			Name:     rec.Name,
			Brand:    rec.Brand,
			Model:    rec.Model,
			ImageURL: strings.TrimSpace(rec.ImageURL),
			Category: rec.Category,
			Price:    decimal.NewFromFloat(rec.Price),
			Stock:    rec.Stock,
			Active:   active,
		})
	}

	return products, nil
}
