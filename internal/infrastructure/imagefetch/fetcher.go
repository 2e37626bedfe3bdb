package imagefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/leyvacars/similarity-api/internal/domain"
	"golang.org/x/time/rate"
)

// Options configures the image fetcher
type Options struct {
	Timeout           time.Duration
	MaxBytes          int64
	UserAgent         string
	RequestsPerSecond float64
	Burst             int
	MaxRedirects      int
}

// Fetcher downloads product images over HTTP(S)
type Fetcher struct {
	httpClient  *http.Client
	userAgent   string
	maxBytes    int64
	rateLimiter *rate.Limiter
	logger      *slog.Logger
}

// NewFetcher creates a new image fetcher
func NewFetcher(opts Options, logger *slog.Logger) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	maxRedirects := opts.MaxRedirects
	return &Fetcher{
		httpClient: &http.Client{
			Timeout: opts.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		userAgent:   opts.UserAgent,
		maxBytes:    opts.MaxBytes,
		rateLimiter: rate.NewLimiter(limit, opts.Burst),
		logger:      logger.With("component", "imagefetch"),
	}
}

// Fetch downloads the image at rawURL.
// Every failure wraps domain.ErrImageFetch so callers can classify it.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*domain.Image, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrImageFetch, err)
	}

	if err := f.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", domain.ErrImageFetch, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", domain.ErrImageFetch, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "image/*")

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrImageFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d from %s", domain.ErrImageFetch, resp.StatusCode, rawURL)
	}

	declared := mediaType(resp.Header.Get("Content-Type"))
	if declared != "" && !isGeneric(declared) && !strings.HasPrefix(declared, "image/") {
		return nil, fmt.Errorf("%w: %w: %s", domain.ErrImageFetch, domain.ErrUnsupportedMediaType, declared)
	}

	data, err := f.readBody(resp.Body)
	if err != nil {
		return nil, err
	}

	contentType := declared
	if contentType == "" || isGeneric(contentType) {
		contentType = mediaType(http.DetectContentType(data))
		if !strings.HasPrefix(contentType, "image/") {
			return nil, fmt.Errorf("%w: %w: sniffed %s", domain.ErrImageFetch, domain.ErrUnsupportedMediaType, contentType)
		}
	}

	f.logger.Debug("image fetched", "url", rawURL, "bytes", len(data), "content_type", contentType, "duration", time.Since(start))

	return &domain.Image{URL: rawURL, ContentType: contentType, Data: data}, nil
}

func (f *Fetcher) readBody(body io.Reader) ([]byte, error) {
	if f.maxBytes > 0 {
		body = io.LimitReader(body, f.maxBytes+1)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrImageFetch, err)
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: image larger than %d bytes", domain.ErrImageFetch, f.maxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", domain.ErrImageFetch)
	}
	return data, nil
}

// ValidateURL accepts absolute http and https URLs only
func ValidateURL(rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return errors.New("image url is empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse image url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("image url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("image url has no host")
	}
	return nil
}

func mediaType(header string) string {
	if header == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(header))
	}
	return strings.ToLower(mt)
}

func isGeneric(mt string) bool {
	return mt == "application/octet-stream" || mt == "binary/octet-stream"
}
