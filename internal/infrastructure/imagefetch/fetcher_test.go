package imagefetch

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leyvacars/similarity-api/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestFetcher(opts Options) *Fetcher {
	return NewFetcher(opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFetch_Success(t *testing.T) {
	body := testPNG(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "LeyvaCars-ML-API/1.0", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "image/png")
		w.Write(body)
	}))
	defer server.Close()

	f := newTestFetcher(Options{UserAgent: "LeyvaCars-ML-API/1.0"})
	img, err := f.Fetch(context.Background(), server.URL+"/llanta.png")

	require.NoError(t, err)
	assert.Equal(t, "image/png", img.ContentType)
	assert.Equal(t, body, img.Data)
	assert.Equal(t, server.URL+"/llanta.png", img.URL)
}

func TestFetch_FollowsRedirects(t *testing.T) {
	body := testPNG(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/old.png", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new.png", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(body)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	img, err := newTestFetcher(Options{}).Fetch(context.Background(), server.URL+"/old.png")
	require.NoError(t, err)
	assert.Equal(t, body, img.Data)
}

func TestFetch_TooManyRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path+"x", http.StatusFound)
	}))
	defer server.Close()

	_, err := newTestFetcher(Options{MaxRedirects: 2}).Fetch(context.Background(), server.URL+"/a")
	assert.ErrorIs(t, err, domain.ErrImageFetch)
}

func TestFetch_SniffsGenericContentType(t *testing.T) {
	body := testPNG(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(body)
	}))
	defer server.Close()

	img, err := newTestFetcher(Options{}).Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.ContentType)
}

func TestFetch_Errors(t *testing.T) {
	tests := []struct {
		name            string
		handler         http.HandlerFunc
		opts            Options
		wantUnsupported bool
	}{
		{
			name: "not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.NotFound(w, r)
			},
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			name: "html page",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				w.Write([]byte("<html></html>"))
			},
			wantUnsupported: true,
		},
		{
			name: "sniffed text",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/octet-stream")
				w.Write([]byte("plain text body"))
			},
			wantUnsupported: true,
		},
		{
			name: "too large",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "image/jpeg")
				w.Write(bytes.Repeat([]byte{0xff}, 2048))
			},
			opts: Options{MaxBytes: 1024},
		},
		{
			name: "empty body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "image/jpeg")
			},
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(200 * time.Millisecond)
				w.Header().Set("Content-Type", "image/png")
			},
			opts: Options{Timeout: 20 * time.Millisecond},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			_, err := newTestFetcher(tt.opts).Fetch(context.Background(), server.URL)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrImageFetch)
			if tt.wantUnsupported {
				assert.ErrorIs(t, err, domain.ErrUnsupportedMediaType)
			}
		})
	}
}

func TestFetch_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(testPNG(t))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestFetcher(Options{}).Fetch(ctx, server.URL)
	assert.ErrorIs(t, err, domain.ErrImageFetch)
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{url: "https://i.ibb.co/example1.jpg"},
		{url: "http://localhost:8080/a.png"},
		{url: "", wantErr: true},
		{url: "ftp://example.com/a.png", wantErr: true},
		{url: "/relative/path.png", wantErr: true},
		{url: "https://", wantErr: true},
		{url: "::not a url", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
