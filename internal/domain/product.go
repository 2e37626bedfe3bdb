package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Product represents one catalog entry
type Product struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Brand    string          `json:"brand,omitempty"`
	Model    string          `json:"model,omitempty"`
	ImageURL string          `json:"imageUrl"`
	Category string          `json:"category,omitempty"`
	Price    decimal.Decimal `json:"price"`
	Stock    int             `json:"stock"`
	Active   bool            `json:"active"`
}

// Eligible reports whether the product can be placed in the similarity index
func (p Product) Eligible() bool {
	return p.Active && strings.TrimSpace(p.ID) != "" && strings.TrimSpace(p.ImageURL) != ""
}

// Source modes reported by the catalog adapter
const (
	SourceModeRemote  = "remote"
	SourceModeFixture = "fixture"
)

// Catalog is the result of one catalog fetch
type Catalog struct {
	Products []Product
	Mode     string
}

// ByID indexes the catalog by product id. The first occurrence of a duplicate id wins.
func (c Catalog) ByID() map[string]Product {
	out := make(map[string]Product, len(c.Products))
	for _, p := range c.Products {
		if _, exists := out[p.ID]; exists {
			continue
		}
		out[p.ID] = p
	}
	return out
}
