package http

import (
	"github.com/leyvacars/similarity-api/internal/domain"
)

// SearchSimilarRequest is the body of the similarity endpoints.
// Exactly one of ImageURL or ProductID must be set.
type SearchSimilarRequest struct {
	ImageURL      string   `json:"image_url"`
	ProductID     string   `json:"product_id"`
	TopK          int      `json:"top_k"`
	MinSimilarity *float64 `json:"min_similarity"`
	Category      string   `json:"category"`
}

func (r SearchSimilarRequest) toDomain() domain.SearchRequest {
	return domain.SearchRequest{
		ProductID:     r.ProductID,
		ImageURL:      r.ImageURL,
		TopK:          r.TopK,
		MinSimilarity: r.MinSimilarity,
		Category:      r.Category,
	}
}

// SimilarProduct is one ranked result, in the field names the mobile client reads
type SimilarProduct struct {
	ProductID       string  `json:"product_id"`
	Nombre          string  `json:"nombre"`
	Marca           string  `json:"marca"`
	Modelo          string  `json:"modelo"`
	ImagenURL       string  `json:"imagen_url"`
	SimilarityScore float64 `json:"similarity_score"`
	Rank            int     `json:"rank"`
	Categoria       string  `json:"categoria"`
	Precio          float64 `json:"precio"`
	Stock           int     `json:"stock"`
}

// SearchSimilarResponse is returned by every similarity endpoint
type SearchSimilarResponse struct {
	Success        bool             `json:"success"`
	Results        []SimilarProduct `json:"results"`
	TotalFound     int              `json:"total_found"`
	ProcessingTime float64          `json:"processing_time"`
	SourceMode     string           `json:"source_mode"`
	Message        string           `json:"message"`
	Timestamp      string           `json:"timestamp"`
}

func toSimilarProducts(matches []domain.Match) []SimilarProduct {
	out := make([]SimilarProduct, 0, len(matches))
	for _, m := range matches {
		out = append(out, SimilarProduct{
			ProductID:       m.Product.ID,
			Nombre:          m.Product.Name,
			Marca:           m.Product.Brand,
			Modelo:          m.Product.Model,
			ImagenURL:       m.Product.ImageURL,
			SimilarityScore: m.Score,
			Rank:            m.Rank,
			Categoria:       m.Product.Category,
			Precio:          m.Product.Price.InexactFloat64(),
			Stock:           m.Product.Stock,
		})
	}
	return out
}
