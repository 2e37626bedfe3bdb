package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/leyvacars/similarity-api/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Similarity metrics
const (
	MetricCosine    = "cosine"
	MetricEuclidean = "euclidean"
)

// ValidMetric reports whether name is a supported similarity metric
func ValidMetric(name string) bool {
	return name == MetricCosine || name == MetricEuclidean
}

type indexEntry struct {
	id       string
	category string
	vector   domain.Vector
	norm     float64
}

// Index is an immutable in-memory similarity index. Once built it is safe for concurrent queries.
type Index struct {
	metric     string
	dimensions int
	entries    []indexEntry
	positions  map[string]int
}

// Scored is one index hit
type Scored struct {
	ID    string
	Score float64
}

// QueryOptions narrows an index query
type QueryOptions struct {
	K         int
	ExcludeID string
	Category  string
	MinScore  *float64
}

// BuildOptions configures an index build
type BuildOptions struct {
	Metric      string
	Concurrency int
	Logger      *slog.Logger
}

// BuildReport summarizes one index build
type BuildReport struct {
	Eligible   int
	Indexed    int
	Skipped    int
	Duplicates int
	Failures   map[string]int
	Duration   time.Duration
}

// FailureCount returns the number of products excluded because embedding failed
func (r BuildReport) FailureCount() int {
	n := 0
	for _, c := range r.Failures {
		n += c
	}
	return n
}

// BuildIndex embeds every eligible product and assembles an index.
// Item failures exclude the product; only ctx cancellation aborts the build.
func BuildIndex(ctx context.Context, products []domain.Product, embedder domain.Embedder, opts BuildOptions) (*Index, BuildReport, error) {
	start := time.Now()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metric := opts.Metric
	if metric == "" {
		metric = MetricCosine
	}
	if !ValidMetric(metric) {
		return nil, BuildReport{}, fmt.Errorf("%w: unknown metric %q", domain.ErrInvalidRequest, metric)
	}

	report := BuildReport{Failures: map[string]int{}}

	candidates := make([]domain.Product, 0, len(products))
	seen := make(map[string]bool, len(products))
	for _, p := range products {
		if !p.Eligible() {
			report.Skipped++
			continue
		}
		if seen[p.ID] {
			report.Duplicates++
			logger.Warn("duplicate product id, keeping first occurrence", "product_id", p.ID)
			continue
		}
		seen[p.ID] = true
		candidates = append(candidates, p)
	}
	report.Eligible = len(candidates)

	vectors := make([]domain.Vector, len(candidates))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	limit := opts.Concurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for i, p := range candidates {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			vec, err := embedder.Embed(gctx, strings.TrimSpace(p.ImageURL))
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				kind := domain.ErrorKind(err)
				logger.Warn("product excluded from index", "product_id", p.ID, "kind", kind, "error", err)
				mu.Lock()
				report.Failures[kind]++
				mu.Unlock()
				return nil
			}
			vectors[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, report, fmt.Errorf("index build cancelled: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, report, fmt.Errorf("index build cancelled: %w", err)
	}

	dims := dominantDimension(vectors)
	idx := &Index{
		metric:     metric,
		dimensions: dims,
		entries:    make([]indexEntry, 0, len(candidates)),
		positions:  make(map[string]int, len(candidates)),
	}

	for i, p := range candidates {
		vec := vectors[i]
		if vec == nil {
			continue
		}
		if len(vec) != dims {
			logger.Warn("product excluded from index", "product_id", p.ID, "kind", domain.KindEmbedding,
				"error", fmt.Sprintf("dimension %d, index uses %d", len(vec), dims))
			report.Failures[domain.KindEmbedding]++
			continue
		}
		idx.positions[p.ID] = len(idx.entries)
		idx.entries = append(idx.entries, indexEntry{
			id:       p.ID,
			category: p.Category,
			vector:   vec,
			norm:     norm(vec),
		})
	}

	report.Indexed = len(idx.entries)
	report.Duration = time.Since(start)
	return idx, report, nil
}

// dominantDimension picks the most common vector length, the earliest on ties
func dominantDimension(vectors []domain.Vector) int {
	counts := map[int]int{}
	best, bestCount := 0, 0
	for _, v := range vectors {
		if v == nil {
			continue
		}
		counts[len(v)]++
		if c := counts[len(v)]; c > bestCount {
			best, bestCount = len(v), c
		}
	}
	return best
}

// Metric returns the similarity metric of the index
func (idx *Index) Metric() string { return idx.metric }

// Len returns the number of indexed products
func (idx *Index) Len() int { return len(idx.entries) }

// Dimensions returns the vector length shared by every entry, 0 for an empty index
func (idx *Index) Dimensions() int { return idx.dimensions }

// Vector returns a copy of the stored vector for id
func (idx *Index) Vector(id string) (domain.Vector, bool) {
	pos, ok := idx.positions[id]
	if !ok {
		return nil, false
	}
	vec := idx.entries[pos].vector
	out := make(domain.Vector, len(vec))
	copy(out, vec)
	return out, true
}

// Query ranks indexed products against vec.
// Results are ordered by descending score, ties by ascending id.
func (idx *Index) Query(vec domain.Vector, opts QueryOptions) ([]Scored, error) {
	if opts.K < 1 {
		return nil, fmt.Errorf("%w: k must be at least 1, got %d", domain.ErrInvalidRequest, opts.K)
	}
	if len(idx.entries) == 0 {
		return []Scored{}, nil
	}
	if len(vec) != idx.dimensions {
		return nil, fmt.Errorf("%w: %w: query has %d dimensions, index has %d",
			domain.ErrEmbedding, domain.ErrDimensionMismatch, len(vec), idx.dimensions)
	}

	queryNorm := norm(vec)
	results := make([]Scored, 0, len(idx.entries))
	for _, e := range idx.entries {
		if opts.ExcludeID != "" && e.id == opts.ExcludeID {
			continue
		}
		if opts.Category != "" && !strings.EqualFold(e.category, opts.Category) {
			continue
		}

		score := idx.score(vec, queryNorm, e)
		if opts.MinScore != nil && score < *opts.MinScore {
			continue
		}
		results = append(results, Scored{ID: e.id, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > opts.K {
		results = results[:opts.K]
	}
	return results, nil
}

func (idx *Index) score(vec domain.Vector, queryNorm float64, e indexEntry) float64 {
	if idx.metric == MetricEuclidean {
		return 1 / (1 + euclidean(vec, e.vector))
	}
	if queryNorm == 0 || e.norm == 0 {
		return 0
	}
	return dot(vec, e.vector) / (queryNorm * e.norm)
}

func dot(a, b domain.Vector) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func norm(v domain.Vector) float64 {
	return math.Sqrt(dot(v, v))
}

func euclidean(a, b domain.Vector) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
