package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leyvacars/similarity-api/internal/domain"
	"github.com/leyvacars/similarity-api/internal/infrastructure/cache"
	"github.com/leyvacars/similarity-api/internal/infrastructure/catalog"
	"github.com/leyvacars/similarity-api/internal/infrastructure/embedder"
	"github.com/leyvacars/similarity-api/internal/infrastructure/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	timeout = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func newTestService(src CatalogProvider, emb VectorEmbedder, m *metrics.Metrics) *SimilarityService {
	return NewSimilarityService(src, emb, SimilarityServiceConfig{
		TopKDefault:      10,
		MaxTopK:          100,
		BuildConcurrency: 2,
	}, m, discardLogger())
}

// threeProducts returns a catalog where a is close to b and far from c
func threeProducts() (*MockCatalog, *MockEmbedder) {
	src := NewMockCatalog(domain.SourceModeRemote, product("a", "Llantas"), product("b", "Llantas"), product("c", "Iluminación"))
	emb := NewMockEmbedder().
		Set(imageURL("a"), 1, 0).
		Set(imageURL("b"), 0.8, 0.2).
		Set(imageURL("c"), 0, 1).
		Set("https://query.example.com/photo.jpg", 1, 0.1)
	return src, emb
}

func readyService(t *testing.T) (*SimilarityService, *MockCatalog, *MockEmbedder) {
	t.Helper()
	src, emb := threeProducts()
	svc := newTestService(src, emb, nil)
	_, err := svc.Refresh(context.Background(), false)
	require.NoError(t, err)
	return svc, src, emb
}

func TestSimilarityService_NotReady(t *testing.T) {
	src, emb := threeProducts()
	svc := newTestService(src, emb, nil)

	assert.False(t, svc.Ready())
	_, err := svc.SearchByProduct(context.Background(), domain.SearchRequest{ProductID: "a"})
	assert.ErrorIs(t, err, domain.ErrServiceNotReady)
	_, err = svc.SearchByImage(context.Background(), domain.SearchRequest{ImageURL: "https://query.example.com/photo.jpg"})
	assert.ErrorIs(t, err, domain.ErrServiceNotReady)

	status := svc.Status()
	assert.False(t, status.Ready)
	assert.Equal(t, "mock-v1", status.Model)
	assert.Equal(t, MetricCosine, status.Metric)
}

func TestSimilarityService_SearchByProduct(t *testing.T) {
	svc, _, _ := readyService(t)

	result, err := svc.SearchByProduct(context.Background(), domain.SearchRequest{ProductID: "a", TopK: 5})
	require.NoError(t, err)

	require.Len(t, result.Matches, 2, "the queried product is excluded")
	assert.Equal(t, "b", result.Matches[0].Product.ID)
	assert.Equal(t, 1, result.Matches[0].Rank)
	assert.Equal(t, "c", result.Matches[1].Product.ID)
	assert.Equal(t, 2, result.Matches[1].Rank)
	assert.Equal(t, "Producto b", result.Matches[0].Product.Name)
	assert.Equal(t, domain.SearchByProduct, result.Kind)
	assert.Equal(t, "a", result.QueryProductID)
	assert.Equal(t, domain.SourceModeRemote, result.SourceMode)
	assert.Greater(t, result.Matches[0].Score, result.Matches[1].Score)
}

func TestSimilarityService_SearchByImage(t *testing.T) {
	svc, _, _ := readyService(t)

	result, err := svc.SearchByImage(context.Background(), domain.SearchRequest{ImageURL: "https://query.example.com/photo.jpg", TopK: 5})
	require.NoError(t, err)

	// k=5 against three entries returns exactly three
	require.Len(t, result.Matches, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{
		result.Matches[0].Product.ID, result.Matches[1].Product.ID, result.Matches[2].Product.ID,
	})
	assert.Empty(t, result.QueryProductID)
}

func TestSimilarityService_Filters(t *testing.T) {
	svc, _, _ := readyService(t)

	result, err := svc.SearchByImage(context.Background(), domain.SearchRequest{
		ImageURL: "https://query.example.com/photo.jpg",
		Category: "iluminación",
	})
	require.NoError(t, err)
	require.Len(t, result.Matches, 1)
	assert.Equal(t, "c", result.Matches[0].Product.ID)

	threshold := 0.9
	result, err = svc.SearchByImage(context.Background(), domain.SearchRequest{
		ImageURL:      "https://query.example.com/photo.jpg",
		MinSimilarity: &threshold,
	})
	require.NoError(t, err)
	assert.Len(t, result.Matches, 2)
}

func TestSimilarityService_Validation(t *testing.T) {
	svc, _, _ := readyService(t)
	tooHigh := 1.5

	tests := []struct {
		name     string
		req      domain.SearchRequest
		wantErr  error
		wantKind string
	}{
		{name: "neither field", req: domain.SearchRequest{}, wantErr: domain.ErrInvalidRequest, wantKind: domain.KindInvalidRequest},
		{name: "both fields", req: domain.SearchRequest{ProductID: "a", ImageURL: "https://x/y.jpg"}, wantErr: domain.ErrInvalidRequest, wantKind: domain.KindInvalidRequest},
		{name: "unknown product", req: domain.SearchRequest{ProductID: "ghost"}, wantErr: domain.ErrProductNotFound, wantKind: domain.KindProductNotFound},
		{name: "relative url", req: domain.SearchRequest{ImageURL: "/images/a.jpg"}, wantErr: domain.ErrInvalidRequest, wantKind: domain.KindInvalidRequest},
		{name: "ftp url", req: domain.SearchRequest{ImageURL: "ftp://host/a.jpg"}, wantErr: domain.ErrInvalidRequest, wantKind: domain.KindInvalidRequest},
		{name: "negative top_k", req: domain.SearchRequest{ProductID: "a", TopK: -1}, wantErr: domain.ErrInvalidRequest, wantKind: domain.KindInvalidRequest},
		{name: "top_k over max", req: domain.SearchRequest{ProductID: "a", TopK: 101}, wantErr: domain.ErrInvalidRequest, wantKind: domain.KindInvalidRequest},
		{name: "min_similarity out of range", req: domain.SearchRequest{ProductID: "a", MinSimilarity: &tooHigh}, wantErr: domain.ErrInvalidRequest, wantKind: domain.KindInvalidRequest},
		{name: "image not found", req: domain.SearchRequest{ImageURL: "https://x/404.jpg"}, wantErr: domain.ErrImageFetch, wantKind: domain.KindImageFetch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Search(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantKind, domain.ErrorKind(err))
		})
	}
}

func TestSimilarityService_UnknownProductAlsoInvalidRequest(t *testing.T) {
	svc, _, _ := readyService(t)
	_, err := svc.SearchByProduct(context.Background(), domain.SearchRequest{ProductID: "ghost"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.ErrorIs(t, err, domain.ErrProductNotFound)
}

func TestSimilarityService_DefaultTopK(t *testing.T) {
	products := make([]domain.Product, 0, 15)
	emb := NewMockEmbedder()
	for i := 0; i < 15; i++ {
		id := fmt.Sprintf("p%02d", i)
		products = append(products, product(id, ""))
		emb.Set(imageURL(id), 1, float32(i))
	}
	svc := newTestService(NewMockCatalog(domain.SourceModeRemote, products...), emb, nil)
	_, err := svc.Refresh(context.Background(), false)
	require.NoError(t, err)

	result, err := svc.SearchByProduct(context.Background(), domain.SearchRequest{ProductID: "p00"})
	require.NoError(t, err)
	assert.Len(t, result.Matches, 10)
}

func TestSimilarityService_ProductOutsideIndexIsEmbedded(t *testing.T) {
	src, emb := threeProducts()
	emb.Fail(imageURL("c"), domain.ErrDecode)
	svc := newTestService(src, emb, nil)
	_, err := svc.Refresh(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 2, svc.Status().IndexedProducts)

	// c failed at build time and fails again when embedded on demand
	_, err = svc.SearchByProduct(context.Background(), domain.SearchRequest{ProductID: "c"})
	assert.ErrorIs(t, err, domain.ErrDecode)

	emb.Fail(imageURL("c"), nil)
	result, err := svc.SearchByProduct(context.Background(), domain.SearchRequest{ProductID: "c"})
	require.NoError(t, err)
	require.Len(t, result.Matches, 2)
	assert.Equal(t, "b", result.Matches[0].Product.ID)
}

func TestSimilarityService_RefreshReusesIndexForMetadataChange(t *testing.T) {
	svc, src, emb := readyService(t)
	embedsAfterBuild := emb.calls.Load()

	renamed := product("b", "Llantas")
	renamed.Name = "Llanta renombrada"
	src.SetProducts(product("a", "Llantas"), renamed, product("c", "Iluminación"))

	res, err := svc.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, res.Rebuilt)
	assert.Equal(t, embedsAfterBuild, emb.calls.Load(), "metadata change must not re-embed")

	result, err := svc.SearchByProduct(context.Background(), domain.SearchRequest{ProductID: "a"})
	require.NoError(t, err)
	assert.Equal(t, "Llanta renombrada", result.Matches[0].Product.Name)

	res, err = svc.Refresh(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, res.Rebuilt)
}

func TestSimilarityService_RefreshRebuildsOnMaterialChange(t *testing.T) {
	svc, src, emb := readyService(t)
	emb.Set(imageURL("d"), 0.9, 0.1)

	src.SetProducts(product("a", "Llantas"), product("b", "Llantas"), product("c", "Iluminación"), product("d", "Llantas"))
	res, err := svc.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, res.Rebuilt)
	assert.Equal(t, 4, svc.Status().IndexedProducts)

	// recategorizing is material too
	src.SetProducts(product("a", "Llantas"), product("b", "Rines"), product("c", "Iluminación"), product("d", "Llantas"))
	res, err = svc.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, res.Rebuilt)
}

func TestSimilarityService_RefreshInvalidatesReplacedImages(t *testing.T) {
	svc, src, emb := readyService(t)

	renamed := product("a", "Llantas")
	renamed.Name = "Llanta renombrada"
	src.SetProducts(renamed, product("b", "Llantas"), product("c", "Iluminación"))
	_, err := svc.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, emb.Invalidated(), "metadata change keeps every cached vector")

	// b gets a new photo, c leaves the catalog
	moved := product("b", "Llantas")
	moved.ImageURL = "https://img.example.com/b-v2.jpg"
	emb.Set(moved.ImageURL, 0.7, 0.3)
	src.SetProducts(product("a", "Llantas"), moved)

	res, err := svc.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, res.Rebuilt)
	assert.Equal(t, []string{imageURL("b"), imageURL("c")}, emb.Invalidated())
	assert.Equal(t, 2, svc.Status().IndexedProducts)
}

func TestStaleImageURLs(t *testing.T) {
	a, b, c := product("a", ""), product("b", ""), product("c", "")
	prev := map[string]domain.Product{"a": a, "b": b, "c": c}

	shared := product("d", "")
	shared.ImageURL = c.ImageURL

	tests := []struct {
		name string
		next []domain.Product
		want []string
	}{
		{name: "unchanged", next: []domain.Product{a, b, c}, want: nil},
		{name: "removed", next: []domain.Product{a}, want: []string{imageURL("b"), imageURL("c")}},
		{name: "url still used by another product", next: []domain.Product{a, b, shared}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, staleImageURLs(prev, tt.next))
		})
	}
}

func TestSimilarityService_FailedRefreshKeepsSnapshot(t *testing.T) {
	svc, src, _ := readyService(t)
	before := svc.Status().LastBuild

	src.SetError(fmt.Errorf("boom"))
	_, err := svc.Refresh(context.Background(), true)
	require.Error(t, err)

	status := svc.Status()
	assert.True(t, status.Ready)
	assert.Equal(t, 3, status.IndexedProducts)
	assert.Equal(t, before, status.LastBuild)
}

func TestSimilarityService_FixtureFallbackServesQueries(t *testing.T) {
	remote := &unavailableSource{}
	fallback := catalog.NewFallbackSource(remote, catalog.NewFixture(), discardLogger())

	fetcher := NewMockImageFetcher()
	for i, p := range catalog.DefaultFixtures() {
		fetcher.images[p.ImageURL] = []byte(fmt.Sprintf("fixture-%d", i))
	}
	c := cache.NewMemoryCache(0, 0)
	defer c.Close()
	m := metrics.New()
	emb := NewEmbeddingService(fetcher, embedder.NewStub("", 32), c, m, discardLogger())
	svc := newTestService(fallback, emb, m)

	_, err := svc.Refresh(context.Background(), false)
	require.NoError(t, err)

	status := svc.Status()
	assert.Equal(t, domain.SourceModeFixture, status.SourceMode)
	assert.Equal(t, 3, status.IndexedProducts)
	assert.Equal(t, 32, status.Dimensions)

	result, err := svc.SearchByProduct(context.Background(), domain.SearchRequest{ProductID: "demo1", TopK: 5})
	require.NoError(t, err)
	assert.Len(t, result.Matches, 2)
	assert.Equal(t, domain.SourceModeFixture, result.SourceMode)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CatalogFetches.WithLabelValues(domain.SourceModeFixture)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SearchRequests.WithLabelValues(domain.SearchByProduct, "ok")))
}

func TestSimilarityService_BrokenImageExcludedBuildCompletes(t *testing.T) {
	fetcher := NewMockImageFetcher()
	fetcher.images[imageURL("a")] = []byte("a")
	fetcher.images[imageURL("c")] = []byte("c")
	// b is not served: the fetcher answers 404

	m := metrics.New()
	emb := NewEmbeddingService(fetcher, embedder.NewStub("", 16), nil, m, discardLogger())
	src := NewMockCatalog(domain.SourceModeRemote, product("a", ""), product("b", ""), product("c", ""))
	svc := newTestService(src, emb, m)

	res, err := svc.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Report.Indexed)
	assert.Equal(t, 1, svc.Status().BuildFailures)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexBuildFailures.WithLabelValues(domain.KindImageFetch)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.IndexProducts))
}

func TestSimilarityService_TryRefreshAsync(t *testing.T) {
	src, emb := threeProducts()
	svc := newTestService(src, emb, nil)

	// hold the lock as a running refresh would
	svc.refreshMu.Lock()
	assert.ErrorIs(t, svc.TryRefreshAsync(context.Background(), false), domain.ErrRefreshInProgress)
	svc.refreshMu.Unlock()

	require.NoError(t, svc.TryRefreshAsync(context.Background(), false))
	require.Eventually(t, svc.Ready, timeout, tick)
	require.Eventually(t, func() bool { return !svc.Status().Refreshing }, timeout, tick)
}

func TestSimilarityService_RequestRefreshCoalesces(t *testing.T) {
	src, emb := threeProducts()
	svc := newTestService(src, emb, nil)

	svc.refreshMu.Lock()
	svc.RequestRefresh(context.Background(), "test")
	svc.RequestRefresh(context.Background(), "test")
	assert.False(t, svc.Ready())
	svc.refreshMu.Unlock()

	// the queued request runs once the lock is free
	svc.RequestRefresh(context.Background(), "test")
	require.Eventually(t, svc.Ready, timeout, tick)
	require.Eventually(t, func() bool { return !svc.Status().Refreshing }, timeout, tick)
	assert.Equal(t, 1, src.calls)
}

func TestSimilarityService_RunScheduler(t *testing.T) {
	src, emb := threeProducts()
	svc := newTestService(src, emb, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.RunScheduler(ctx, 20*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, svc.Ready, timeout, tick)
	cancel()
	<-done

	// disabled scheduler returns immediately
	svc.RunScheduler(context.Background(), 0)
}

func TestSimilarityService_SnapshotSwapIsAtomic(t *testing.T) {
	svc, src, emb := readyService(t)
	for i := 0; i < 20; i++ {
		emb.Set(imageURL(fmt.Sprintf("n%02d", i)), 1, float32(i)/10)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			result, err := svc.SearchByProduct(context.Background(), domain.SearchRequest{ProductID: "a", TopK: 100})
			if err != nil {
				select {
				case errs <- err:
				default:
				}
				return
			}
			// readers see either the old catalog or the complete new one
			if n := len(result.Matches); n != 2 && n != 22 {
				select {
				case errs <- fmt.Errorf("partial index with %d matches", n):
				default:
				}
				return
			}
		}
	}()

	products := []domain.Product{product("a", "Llantas"), product("b", "Llantas"), product("c", "Iluminación")}
	for i := 0; i < 20; i++ {
		products = append(products, product(fmt.Sprintf("n%02d", i), ""))
	}
	src.SetProducts(products...)
	_, err := svc.Refresh(context.Background(), false)
	require.NoError(t, err)

	close(stop)
	wg.Wait()
	select {
	case err := <-errs:
		t.Fatal(err)
	default:
	}
	assert.Equal(t, 23, svc.Status().IndexedProducts)
}

func TestSimilarityService_ClearCache(t *testing.T) {
	svc, _, emb := readyService(t)
	require.NoError(t, svc.ClearCache(context.Background()))
	assert.Equal(t, 1, emb.cleared)
	assert.True(t, svc.Ready())
}

func TestFingerprint(t *testing.T) {
	a, b := product("a", "Llantas"), product("b", "Llantas")
	inactive := product("x", "")
	inactive.Active = false

	assert.Equal(t, fingerprint([]domain.Product{a, b}), fingerprint([]domain.Product{b, a}), "order independent")
	assert.Equal(t, fingerprint([]domain.Product{a, b}), fingerprint([]domain.Product{a, b, inactive}), "ineligible ignored")

	priced := b
	priced.Stock = 99
	assert.Equal(t, fingerprint([]domain.Product{a, b}), fingerprint([]domain.Product{a, priced}), "metadata ignored")

	moved := b
	moved.ImageURL = "https://img.example.com/new.jpg"
	assert.NotEqual(t, fingerprint([]domain.Product{a, b}), fingerprint([]domain.Product{a, moved}))
}

type unavailableSource struct{}

func (unavailableSource) FetchActiveProducts(ctx context.Context) ([]domain.Product, error) {
	return nil, fmt.Errorf("%w: dial tcp: connection refused", domain.ErrSourceUnavailable)
}
