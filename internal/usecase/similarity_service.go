package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leyvacars/similarity-api/internal/domain"
	"github.com/leyvacars/similarity-api/internal/infrastructure/imagefetch"
	"github.com/leyvacars/similarity-api/internal/infrastructure/metrics"
)

// CatalogProvider returns the current catalog and the mode that served it
type CatalogProvider interface {
	Fetch(ctx context.Context) (domain.Catalog, error)
}

// VectorEmbedder is the embedding provider as seen by the query service
type VectorEmbedder interface {
	domain.Embedder
	Model() string
	Dimensions() int
	Invalidate(ctx context.Context, imageURL string) error
	ClearCache(ctx context.Context) error
}

// SimilarityServiceConfig holds configuration for the similarity service
type SimilarityServiceConfig struct {
	Metric           string
	TopKDefault      int
	MaxTopK          int
	BuildConcurrency int
	RefreshTimeout   time.Duration
}

// RefreshResult describes a finished refresh
type RefreshResult struct {
	Rebuilt    bool
	SourceMode string
	Catalog    int
	Report     BuildReport
}

// snapshot is everything a query reads. It is replaced as a whole, never mutated.
type snapshot struct {
	index       *Index
	catalog     domain.Catalog
	products    map[string]domain.Product
	fingerprint string
	builtAt     time.Time
	report      BuildReport
}

// SimilarityService answers similarity queries against the current index snapshot
type SimilarityService struct {
	source   CatalogProvider
	embedder VectorEmbedder
	config   SimilarityServiceConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
	started  time.Time

	current    atomic.Pointer[snapshot]
	refreshMu  sync.Mutex
	refreshing atomic.Bool
	pending    atomic.Bool
}

// NewSimilarityService creates the query service. It is not ready until the first Refresh succeeds.
func NewSimilarityService(
	source CatalogProvider,
	embedder VectorEmbedder,
	config SimilarityServiceConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *SimilarityService {
	if config.Metric == "" {
		config.Metric = MetricCosine
	}
	if config.TopKDefault <= 0 {
		config.TopKDefault = 10
	}
	if config.MaxTopK <= 0 {
		config.MaxTopK = 100
	}
	if config.BuildConcurrency <= 0 {
		config.BuildConcurrency = 4
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = 30 * time.Minute
	}

	return &SimilarityService{
		source:   source,
		embedder: embedder,
		config:   config,
		metrics:  m,
		logger:   logger.With("component", "similarity"),
		started:  time.Now(),
	}
}

// Ready reports whether an index has been published
func (s *SimilarityService) Ready() bool {
	return s.current.Load() != nil
}

// Search dispatches on which of ProductID or ImageURL is set
func (s *SimilarityService) Search(ctx context.Context, req domain.SearchRequest) (*domain.SearchResult, error) {
	hasProduct := strings.TrimSpace(req.ProductID) != ""
	hasImage := strings.TrimSpace(req.ImageURL) != ""

	switch {
	case hasProduct && hasImage:
		return nil, s.reject(req.Kind(), fmt.Errorf("%w: provide either product_id or image_url, not both", domain.ErrInvalidRequest))
	case hasProduct:
		return s.SearchByProduct(ctx, req)
	case hasImage:
		return s.SearchByImage(ctx, req)
	default:
		return nil, s.reject(req.Kind(), fmt.Errorf("%w: product_id or image_url is required", domain.ErrInvalidRequest))
	}
}

// SearchByProduct ranks the catalog against an existing product, which is excluded from its own results
func (s *SimilarityService) SearchByProduct(ctx context.Context, req domain.SearchRequest) (*domain.SearchResult, error) {
	return s.execute(ctx, domain.SearchByProduct, req, func(ctx context.Context, snap *snapshot, q *queryTrace) (domain.Vector, string, error) {
		id := strings.TrimSpace(req.ProductID)
		if id == "" {
			return nil, "", fmt.Errorf("%w: product_id is required", domain.ErrInvalidRequest)
		}
		product, ok := snap.products[id]
		if !ok {
			return nil, "", fmt.Errorf("%w: %w: %q", domain.ErrInvalidRequest, domain.ErrProductNotFound, id)
		}
		q.advance(stateValidated)

		if vec, ok := snap.index.Vector(id); ok {
			return vec, id, nil
		}
		// known product that failed or skipped indexing
		if strings.TrimSpace(product.ImageURL) == "" {
			return nil, "", fmt.Errorf("%w: product %q has no image", domain.ErrInvalidRequest, id)
		}
		vec, err := s.embedder.Embed(ctx, strings.TrimSpace(product.ImageURL))
		return vec, id, err
	})
}

// SearchByImage ranks the catalog against an arbitrary image URL
func (s *SimilarityService) SearchByImage(ctx context.Context, req domain.SearchRequest) (*domain.SearchResult, error) {
	return s.execute(ctx, domain.SearchByImage, req, func(ctx context.Context, snap *snapshot, q *queryTrace) (domain.Vector, string, error) {
		imageURL := strings.TrimSpace(req.ImageURL)
		if err := imagefetch.ValidateURL(imageURL); err != nil {
			return nil, "", fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
		}
		q.advance(stateValidated)

		vec, err := s.embedder.Embed(ctx, imageURL)
		return vec, "", err
	})
}

type resolveFunc func(ctx context.Context, snap *snapshot, q *queryTrace) (vec domain.Vector, excludeID string, err error)

func (s *SimilarityService) execute(ctx context.Context, kind string, req domain.SearchRequest, resolve resolveFunc) (*domain.SearchResult, error) {
	start := time.Now()
	q := newQueryTrace(s.logger, kind)

	result, err := s.run(ctx, kind, req, resolve, q)
	if err != nil {
		q.fail(err)
		s.metrics.RecordSearch(kind, domain.ErrorKind(err), time.Since(start))
		return nil, err
	}

	result.Duration = time.Since(start)
	q.advance(stateResponded)
	s.metrics.RecordSearch(kind, "ok", result.Duration)
	return result, nil
}

func (s *SimilarityService) run(ctx context.Context, kind string, req domain.SearchRequest, resolve resolveFunc, q *queryTrace) (*domain.SearchResult, error) {
	snap := s.current.Load()
	if snap == nil {
		return nil, domain.ErrServiceNotReady
	}

	k, err := s.topK(req.TopK)
	if err != nil {
		return nil, err
	}
	if req.MinSimilarity != nil && (math.IsNaN(*req.MinSimilarity) || *req.MinSimilarity < -1 || *req.MinSimilarity > 1) {
		return nil, fmt.Errorf("%w: min_similarity must be between -1 and 1", domain.ErrInvalidRequest)
	}

	vec, excludeID, err := resolve(ctx, snap, q)
	if err != nil {
		return nil, err
	}
	q.advance(stateEmbedded)

	hits, err := snap.index.Query(vec, QueryOptions{
		K:         k,
		ExcludeID: excludeID,
		Category:  strings.TrimSpace(req.Category),
		MinScore:  req.MinSimilarity,
	})
	if err != nil {
		return nil, err
	}
	q.advance(stateRanked)

	matches := make([]domain.Match, 0, len(hits))
	for _, h := range hits {
		product, ok := snap.products[h.ID]
		if !ok {
			continue
		}
		matches = append(matches, domain.Match{Product: product, Score: h.Score, Rank: len(matches) + 1})
	}

	return &domain.SearchResult{
		Kind:           kind,
		QueryProductID: excludeID,
		Matches:        matches,
		SourceMode:     snap.catalog.Mode,
	}, nil
}

func (s *SimilarityService) topK(requested int) (int, error) {
	if requested == 0 {
		return s.config.TopKDefault, nil
	}
	if requested < 1 || requested > s.config.MaxTopK {
		return 0, fmt.Errorf("%w: top_k must be between 1 and %d", domain.ErrInvalidRequest, s.config.MaxTopK)
	}
	return requested, nil
}

// reject records a request refused before it reached a query path
func (s *SimilarityService) reject(kind string, err error) error {
	s.metrics.RecordSearch(kind, domain.ErrorKind(err), 0)
	s.logger.Debug("query rejected", "kind", kind, "error", err)
	return err
}

// Refresh re-reads the catalog and rebuilds the index when the indexed content changed or force is set.
// On failure the previous snapshot stays in place.
func (s *SimilarityService) Refresh(ctx context.Context, force bool) (RefreshResult, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	s.refreshing.Store(true)
	defer s.refreshing.Store(false)

	return s.refresh(ctx, force)
}

// TryRefreshAsync starts a refresh in the background.
// It returns ErrRefreshInProgress when another refresh holds the lock.
func (s *SimilarityService) TryRefreshAsync(ctx context.Context, force bool) error {
	if !s.refreshMu.TryLock() {
		return domain.ErrRefreshInProgress
	}
	s.refreshing.Store(true)

	go s.refreshLoop(ctx, force)
	return nil
}

// RequestRefresh asks for a refresh without waiting. A request made while one runs is
// coalesced into a single follow-up refresh.
func (s *SimilarityService) RequestRefresh(ctx context.Context, reason string) {
	s.pending.Store(true)
	if !s.refreshMu.TryLock() {
		s.logger.Debug("refresh queued behind running refresh", "reason", reason)
		return
	}
	s.pending.Store(false)
	s.refreshing.Store(true)

	s.logger.Info("refresh requested", "reason", reason)
	go s.refreshLoop(ctx, false)
}

// refreshLoop runs with refreshMu held and releases it on return
func (s *SimilarityService) refreshLoop(ctx context.Context, force bool) {
	for {
		if _, err := s.refresh(ctx, force); err != nil {
			s.logger.Error("background refresh failed", "error", err)
		}
		if !s.pending.Swap(false) {
			break
		}
		force = false
	}

	s.refreshing.Store(false)
	s.refreshMu.Unlock()

	// a request that raced the unlock
	if s.pending.Load() && ctx.Err() == nil {
		s.RequestRefresh(ctx, "pending change")
	}
}

func (s *SimilarityService) refresh(ctx context.Context, force bool) (RefreshResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RefreshTimeout)
	defer cancel()

	start := time.Now()
	catalog, err := s.source.Fetch(ctx)
	if err != nil {
		s.metrics.RecordBuild("failed", 0, time.Since(start))
		return RefreshResult{}, fmt.Errorf("fetch catalog: %w", err)
	}
	s.metrics.RecordCatalogFetch(catalog.Mode)

	fp := fingerprint(catalog.Products)
	prev := s.current.Load()

	if prev != nil && !force && prev.fingerprint == fp {
		next := *prev
		next.catalog = catalog
		next.products = catalog.ByID()
		s.current.Store(&next)

		s.metrics.RecordBuild("reused", prev.index.Len(), time.Since(start))
		s.logger.Info("catalog refreshed, index unchanged",
			"source_mode", catalog.Mode, "catalog_products", len(catalog.Products))
		return RefreshResult{SourceMode: catalog.Mode, Catalog: len(catalog.Products), Report: prev.report}, nil
	}

	idx, report, err := BuildIndex(ctx, catalog.Products, s.embedder, BuildOptions{
		Metric:      s.config.Metric,
		Concurrency: s.config.BuildConcurrency,
		Logger:      s.logger,
	})
	if err != nil {
		s.metrics.RecordBuild("failed", 0, time.Since(start))
		return RefreshResult{}, err
	}

	for kind, n := range report.Failures {
		for i := 0; i < n; i++ {
			s.metrics.RecordBuildFailure(kind)
		}
	}

	s.current.Store(&snapshot{
		index:       idx,
		catalog:     catalog,
		products:    catalog.ByID(),
		fingerprint: fp,
		builtAt:     time.Now(),
		report:      report,
	})
	s.metrics.RecordBuild("rebuilt", idx.Len(), report.Duration)

	if prev != nil {
		s.invalidateStale(ctx, prev.products, catalog.Products)
	}

	s.logger.Info("index rebuilt",
		"source_mode", catalog.Mode,
		"catalog_products", len(catalog.Products),
		"indexed", idx.Len(),
		"skipped", report.Skipped,
		"failures", report.FailureCount(),
		"duration", report.Duration,
	)

	return RefreshResult{Rebuilt: true, SourceMode: catalog.Mode, Catalog: len(catalog.Products), Report: report}, nil
}

// invalidateStale drops cached vectors for image URLs no product uses anymore
func (s *SimilarityService) invalidateStale(ctx context.Context, prev map[string]domain.Product, next []domain.Product) {
	for _, url := range staleImageURLs(prev, next) {
		if err := s.embedder.Invalidate(ctx, url); err != nil {
			s.logger.Warn("stale embedding not invalidated", "url", url, "error", err)
			continue
		}
		s.logger.Debug("stale embedding invalidated", "url", url)
	}
}

// staleImageURLs lists, sorted, the image URLs of prev that no product of next references
func staleImageURLs(prev map[string]domain.Product, next []domain.Product) []string {
	inUse := make(map[string]struct{}, len(next))
	for _, p := range next {
		inUse[p.ImageURL] = struct{}{}
	}

	seen := make(map[string]struct{})
	var stale []string
	for _, p := range prev {
		if p.ImageURL == "" {
			continue
		}
		if _, ok := inUse[p.ImageURL]; ok {
			continue
		}
		if _, ok := seen[p.ImageURL]; ok {
			continue
		}
		seen[p.ImageURL] = struct{}{}
		stale = append(stale, p.ImageURL)
	}
	sort.Strings(stale)
	return stale
}

// RunScheduler requests a refresh every interval until ctx is cancelled. A non-positive interval disables it.
func (s *SimilarityService) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RequestRefresh(ctx, "scheduled")
		}
	}
}

// ClearCache drops every cached embedding. The current index is left untouched.
func (s *SimilarityService) ClearCache(ctx context.Context) error {
	return s.embedder.ClearCache(ctx)
}

// Status reports readiness and the state of the current snapshot
func (s *SimilarityService) Status() domain.ServiceStatus {
	status := domain.ServiceStatus{
		Model:      s.embedder.Model(),
		Metric:     s.config.Metric,
		Dimensions: s.embedder.Dimensions(),
		Refreshing: s.refreshing.Load(),
		Uptime:     time.Since(s.started),
	}

	snap := s.current.Load()
	if snap == nil {
		return status
	}

	status.Ready = true
	status.SourceMode = snap.catalog.Mode
	status.IndexedProducts = snap.index.Len()
	status.CatalogProducts = len(snap.catalog.Products)
	status.BuildFailures = snap.report.FailureCount()
	status.LastBuild = snap.builtAt
	if d := snap.index.Dimensions(); d > 0 {
		status.Dimensions = d
	}
	return status
}

// fingerprint hashes the (id, imageUrl, category) tuples of the eligible products
func fingerprint(products []domain.Product) string {
	tuples := make([]string, 0, len(products))
	for _, p := range products {
		if !p.Eligible() {
			continue
		}
		tuples = append(tuples, strings.Join([]string{p.ID, strings.TrimSpace(p.ImageURL), p.Category}, "\x1f"))
	}
	sort.Strings(tuples)

	h := sha256.New()
	for _, t := range tuples {
		h.Write([]byte(t))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Query lifecycle states
type queryState string

const (
	stateReceived  queryState = "received"
	stateValidated queryState = "validated"
	stateEmbedded  queryState = "embedded"
	stateRanked    queryState = "ranked"
	stateResponded queryState = "responded"
	stateErrored   queryState = "errored"
)

// queryTrace logs the state transitions of one query
type queryTrace struct {
	logger *slog.Logger
	state  queryState
}

func newQueryTrace(logger *slog.Logger, kind string) *queryTrace {
	q := &queryTrace{logger: logger.With("kind", kind), state: stateReceived}
	q.logger.Debug("query state", "state", stateReceived)
	return q
}

func (q *queryTrace) advance(next queryState) {
	q.logger.Debug("query state", "from", q.state, "state", next)
	q.state = next
}

func (q *queryTrace) fail(err error) {
	level := slog.LevelDebug
	kind := domain.ErrorKind(err)
	if kind == domain.KindInternal && !errors.Is(err, context.Canceled) {
		level = slog.LevelWarn
	}
	q.logger.Log(context.Background(), level, "query state", "from", q.state, "state", stateErrored, "error_kind", kind, "error", err)
	q.state = stateErrored
}
