package domain

import "time"

// Search kinds, used in logs and metric labels
const (
	SearchByProduct = "product"
	SearchByImage   = "image"
)

// SearchRequest describes a similarity query. Exactly one of ProductID or ImageURL must be set.
type SearchRequest struct {
	ProductID     string
	ImageURL      string
	TopK          int
	MinSimilarity *float64
	Category      string
}

// Kind reports which query path the request takes
func (r SearchRequest) Kind() string {
	if r.ProductID != "" {
		return SearchByProduct
	}
	return SearchByImage
}

// Match is a ranked product with its similarity score
type Match struct {
	Product Product
	Score   float64
	Rank    int
}

// SearchResult is the ranked response for a similarity query
type SearchResult struct {
	Kind           string
	QueryProductID string
	Matches        []Match
	Duration       time.Duration
	SourceMode     string
}

// ServiceStatus is a snapshot of the service readiness and index state
type ServiceStatus struct {
	Ready           bool
	SourceMode      string
	IndexedProducts int
	CatalogProducts int
	BuildFailures   int
	Model           string
	Metric          string
	Dimensions      int
	LastBuild       time.Time
	Refreshing      bool
	Uptime          time.Duration
}
