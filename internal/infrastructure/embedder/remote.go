package embedder

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/leyvacars/similarity-api/internal/domain"
	"golang.org/x/sync/semaphore"
)

// RemoteConfig configures the remote model service client
type RemoteConfig struct {
	// BaseURL of the model service, e.g. "http://clip:9000"
	BaseURL string
	// Model is sent with each request and used to namespace cached vectors
	Model  string
	APIKey string
	// Timeout for one inference call (default: 30s)
	Timeout time.Duration
	// MaxConcurrent bounds in-flight calls (default: 4)
	MaxConcurrent int
	// Dimensions, when set, is enforced on every response
	Dimensions int
}

type embedRequest struct {
	Model       string `json:"model"`
	ContentType string `json:"content_type"`
	ImageBase64 string `json:"image_base64"`
}

type embedResponse struct {
	Embedding  []float32 `json:"embedding"`
	Model      string    `json:"model"`
	Dimensions int       `json:"dimensions"`
}

// Remote sends image bytes to an HTTP model service and returns the vector it computes.
// Failed calls are not retried.
type Remote struct {
	httpClient *http.Client
	endpoint   string
	model      string
	apiKey     string
	sem        *semaphore.Weighted
	configured int
	detected   atomic.Int64
	logger     *slog.Logger
}

// NewRemote creates a remote extractor
func NewRemote(cfg RemoteConfig, logger *slog.Logger) (*Remote, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	return &Remote{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + "/embed",
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		configured: cfg.Dimensions,
		logger:     logger.With("component", "remote_embedder"),
	}, nil
}

// Model returns the model identifier
func (r *Remote) Model() string { return r.model }

// Dimensions returns the configured length, or the length seen on the first response
func (r *Remote) Dimensions() int {
	if r.configured > 0 {
		return r.configured
	}
	return int(r.detected.Load())
}

// Extract posts the image to the model service
func (r *Remote) Extract(ctx context.Context, img *domain.Image) (domain.Vector, error) {
	if img == nil || len(img.Data) == 0 {
		return nil, fmt.Errorf("%w: empty image", domain.ErrDecode)
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEmbedding, err)
	}
	defer r.sem.Release(1)

	body, err := json.Marshal(embedRequest{
		Model:       r.model,
		ContentType: img.ContentType,
		ImageBase64: base64.StdEncoding.EncodeToString(img.Data),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", domain.ErrEmbedding, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", domain.ErrEmbedding, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: model service call failed: %v", domain.ErrEmbedding, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrEmbedding, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnsupportedMediaType || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: model service rejected image: %s", domain.ErrDecode, snippet(payload))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: model service status %d: %s", domain.ErrEmbedding, resp.StatusCode, snippet(payload))
	}

	var out embedResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", domain.ErrEmbedding, err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("%w: model service returned an empty vector", domain.ErrEmbedding)
	}

	if err := r.checkDimensions(len(out.Embedding)); err != nil {
		return nil, err
	}

	r.logger.Debug("remote embedding computed", "url", img.URL, "dimensions", len(out.Embedding), "duration", time.Since(start))

	return domain.Vector(out.Embedding), nil
}

func (r *Remote) checkDimensions(n int) error {
	want := r.configured
	if want == 0 {
		r.detected.CompareAndSwap(0, int64(n))
		want = int(r.detected.Load())
	}
	if n != want {
		return fmt.Errorf("%w: %w: got %d, want %d", domain.ErrEmbedding, domain.ErrDimensionMismatch, n, want)
	}
	return nil
}

func snippet(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
