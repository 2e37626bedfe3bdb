package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leyvacars/similarity-api/internal/domain"
	"github.com/leyvacars/similarity-api/internal/infrastructure/cache"
	"github.com/leyvacars/similarity-api/internal/infrastructure/embedder"
	"github.com/leyvacars/similarity-api/internal/infrastructure/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEmbeddingService(t *testing.T, fetcher domain.ImageFetcher) (*EmbeddingService, *cache.MemoryCache, *metrics.Metrics) {
	t.Helper()
	c := cache.NewMemoryCache(0, 0)
	t.Cleanup(func() { c.Close() })
	m := metrics.New()
	return NewEmbeddingService(fetcher, embedder.NewStub("", 16), c, m, discardLogger()), c, m
}

func TestEmbeddingService_CacheHitSkipsFetch(t *testing.T) {
	fetcher := NewMockImageFetcher()
	fetcher.images["https://x/a.jpg"] = []byte("tire-a")
	svc, c, m := newTestEmbeddingService(t, fetcher)

	first, err := svc.Embed(context.Background(), "https://x/a.jpg")
	require.NoError(t, err)
	assert.Len(t, first, 16)

	second, err := svc.Embed(context.Background(), "https://x/a.jpg")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, fetcher.Calls("https://x/a.jpg"))
	assert.Equal(t, 1, c.Size())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EmbeddingCache.WithLabelValues("hit")))
}

func TestEmbeddingService_CacheKeyedByModelAndURL(t *testing.T) {
	fetcher := NewMockImageFetcher()
	fetcher.images["https://x/a.jpg"] = []byte("tire-a")
	svc, c, _ := newTestEmbeddingService(t, fetcher)

	vec, err := svc.Embed(context.Background(), "https://x/a.jpg")
	require.NoError(t, err)

	cached, err := c.Get(context.Background(), domain.EmbeddingKey(embedder.StubModelName, "https://x/a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, vec, cached)
}

func TestEmbeddingService_DeterministicForSameBytes(t *testing.T) {
	fetcher := NewMockImageFetcher()
	fetcher.images["https://x/a.jpg"] = []byte("same-bytes")
	fetcher.images["https://mirror/a.jpg"] = []byte("same-bytes")
	svc, _, _ := newTestEmbeddingService(t, fetcher)

	a, err := svc.Embed(context.Background(), "https://x/a.jpg")
	require.NoError(t, err)
	b, err := svc.Embed(context.Background(), "https://mirror/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEmbeddingService_Errors(t *testing.T) {
	fetcher := NewMockImageFetcher()
	fetcher.images["https://x/empty.jpg"] = nil
	fetcher.errs["https://x/timeout.jpg"] = context.DeadlineExceeded
	svc, c, _ := newTestEmbeddingService(t, fetcher)

	tests := []struct {
		name    string
		url     string
		wantErr error
	}{
		{name: "not found", url: "https://x/missing.jpg", wantErr: domain.ErrImageFetch},
		{name: "empty bytes", url: "https://x/empty.jpg", wantErr: domain.ErrDecode},
		{name: "fetch error passes through", url: "https://x/timeout.jpg", wantErr: context.DeadlineExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Embed(context.Background(), tt.url)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, 0, c.Size(), "failures must not be cached")
}

func TestEmbeddingService_SingleflightCollapsesConcurrentCalls(t *testing.T) {
	fetcher := NewMockImageFetcher()
	fetcher.images["https://x/a.jpg"] = []byte("tire-a")
	fetcher.gate = make(chan struct{})
	svc, _, _ := newTestEmbeddingService(t, fetcher)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]domain.Vector, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = svc.Embed(context.Background(), "https://x/a.jpg")
		}()
	}

	// wait until the first fetch is in flight, then release it
	require.Eventually(t, func() bool { return fetcher.Calls("https://x/a.jpg") >= 1 }, timeout, tick)
	close(fetcher.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
	assert.Equal(t, 1, fetcher.Calls("https://x/a.jpg"))
}

func TestEmbeddingService_CancelledCallerDoesNotFailSharedComputation(t *testing.T) {
	fetcher := NewMockImageFetcher()
	fetcher.images["https://x/a.jpg"] = []byte("tire-a")
	fetcher.gate = make(chan struct{})
	svc, c, _ := newTestEmbeddingService(t, fetcher)

	reqCtx, cancelReq := context.WithCancel(context.Background())
	reqErr := make(chan error, 1)
	go func() {
		_, err := svc.Embed(reqCtx, "https://x/a.jpg")
		reqErr <- err
	}()
	require.Eventually(t, func() bool { return fetcher.Calls("https://x/a.jpg") >= 1 }, timeout, tick)

	type outcome struct {
		vec domain.Vector
		err error
	}
	other := make(chan outcome, 1)
	go func() {
		vec, err := svc.Embed(context.Background(), "https://x/a.jpg")
		other <- outcome{vec, err}
	}()

	cancelReq()
	select {
	case err := <-reqErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(timeout):
		t.Fatal("cancelled caller did not return")
	}

	close(fetcher.gate)
	select {
	case got := <-other:
		require.NoError(t, got.err)
		assert.Len(t, got.vec, 16)
	case <-time.After(timeout):
		t.Fatal("second caller did not return")
	}
	assert.Equal(t, 1, fetcher.Calls("https://x/a.jpg"))

	// the detached computation still fills the cache
	_, err := c.Get(context.Background(), domain.EmbeddingKey(svc.Model(), "https://x/a.jpg"))
	assert.NoError(t, err)
}

func TestEmbeddingService_BuildSurvivesCancelledQuery(t *testing.T) {
	fetcher := NewMockImageFetcher()
	fetcher.images[imageURL("a")] = []byte("tire-a")
	fetcher.images[imageURL("b")] = []byte("tire-b")
	fetcher.gate = make(chan struct{})
	svc, _, _ := newTestEmbeddingService(t, fetcher)

	reqCtx, cancelReq := context.WithCancel(context.Background())
	go func() { _, _ = svc.Embed(reqCtx, imageURL("a")) }()
	require.Eventually(t, func() bool { return fetcher.Calls(imageURL("a")) >= 1 }, timeout, tick)

	type built struct {
		idx    *Index
		report BuildReport
		err    error
	}
	done := make(chan built, 1)
	go func() {
		idx, report, err := BuildIndex(context.Background(), []domain.Product{product("a", "Llantas"), product("b", "Llantas")}, svc, BuildOptions{Logger: discardLogger()})
		done <- built{idx, report, err}
	}()
	require.Eventually(t, func() bool { return fetcher.Calls(imageURL("b")) >= 1 }, timeout, tick)

	cancelReq()
	close(fetcher.gate)

	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.Equal(t, 2, got.idx.Len())
		assert.True(t, indexed(got.idx, "a"))
		assert.Zero(t, got.report.FailureCount())
	case <-time.After(timeout):
		t.Fatal("build did not finish")
	}
}

func TestEmbeddingService_ReturnsCopies(t *testing.T) {
	fetcher := NewMockImageFetcher()
	fetcher.images["https://x/a.jpg"] = []byte("tire-a")
	svc, _, _ := newTestEmbeddingService(t, fetcher)

	first, err := svc.Embed(context.Background(), "https://x/a.jpg")
	require.NoError(t, err)
	first[0] = 42

	second, err := svc.Embed(context.Background(), "https://x/a.jpg")
	require.NoError(t, err)
	assert.NotEqual(t, float32(42), second[0])
}

func TestEmbeddingService_InvalidateAndClear(t *testing.T) {
	fetcher := NewMockImageFetcher()
	fetcher.images["https://x/a.jpg"] = []byte("tire-a")
	fetcher.images["https://x/b.jpg"] = []byte("tire-b")
	svc, c, _ := newTestEmbeddingService(t, fetcher)
	ctx := context.Background()

	_, _ = svc.Embed(ctx, "https://x/a.jpg")
	_, _ = svc.Embed(ctx, "https://x/b.jpg")
	require.Equal(t, 2, c.Size())

	require.NoError(t, svc.Invalidate(ctx, "https://x/a.jpg"))
	assert.Equal(t, 1, c.Size())

	_, _ = svc.Embed(ctx, "https://x/a.jpg")
	assert.Equal(t, 2, fetcher.Calls("https://x/a.jpg"))

	require.NoError(t, svc.ClearCache(ctx))
	assert.Equal(t, 0, c.Size())
}

type brokenCache struct{}

func (brokenCache) Get(ctx context.Context, key string) (domain.Vector, error) {
	return nil, errors.New("connection reset")
}
func (brokenCache) Set(ctx context.Context, key string, vec domain.Vector) error {
	return errors.New("connection reset")
}
func (brokenCache) Delete(ctx context.Context, key string) error { return nil }
func (brokenCache) Clear(ctx context.Context) error              { return nil }

func TestEmbeddingService_BrokenCacheDegradesToCompute(t *testing.T) {
	fetcher := NewMockImageFetcher()
	fetcher.images["https://x/a.jpg"] = []byte("tire-a")
	m := metrics.New()
	svc := NewEmbeddingService(fetcher, embedder.NewStub("", 8), brokenCache{}, m, discardLogger())

	vec, err := svc.Embed(context.Background(), "https://x/a.jpg")
	require.NoError(t, err)
	assert.Len(t, vec, 8)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EmbeddingCache.WithLabelValues("error")))
}

func TestEmbeddingService_NoCache(t *testing.T) {
	fetcher := NewMockImageFetcher()
	fetcher.images["https://x/a.jpg"] = []byte("tire-a")
	svc := NewEmbeddingService(fetcher, embedder.NewStub("", 8), nil, nil, discardLogger())

	_, err := svc.Embed(context.Background(), "https://x/a.jpg")
	require.NoError(t, err)
	_, err = svc.Embed(context.Background(), "https://x/a.jpg")
	require.NoError(t, err)

	assert.Equal(t, 2, fetcher.Calls("https://x/a.jpg"))
	assert.NoError(t, svc.ClearCache(context.Background()))
	assert.Equal(t, embedder.StubModelName, svc.Model())
	assert.Equal(t, 8, svc.Dimensions())
}
