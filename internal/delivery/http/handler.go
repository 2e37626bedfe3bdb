package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/leyvacars/similarity-api/internal/domain"
)

// SimilarityService is what the handlers need from the query service
type SimilarityService interface {
	Search(ctx context.Context, req domain.SearchRequest) (*domain.SearchResult, error)
	SearchByProduct(ctx context.Context, req domain.SearchRequest) (*domain.SearchResult, error)
	SearchByImage(ctx context.Context, req domain.SearchRequest) (*domain.SearchResult, error)
	TryRefreshAsync(ctx context.Context, force bool) error
	ClearCache(ctx context.Context) error
	Status() domain.ServiceStatus
}

// CatalogHealth reports on the catalog store behind the service
type CatalogHealth interface {
	domain.Pinger
	HasRemote() bool
	LastError() error
}

// HandlerConfig carries build and environment details shown by the informational endpoints
type HandlerConfig struct {
	ServiceName string
	Version     string
	Environment string
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	service SimilarityService
	catalog CatalogHealth
	config  HandlerConfig
	logger  *slog.Logger
}

// NewHandler creates a new HTTP handler. catalog may be nil, which reports the store as not configured.
func NewHandler(service SimilarityService, catalog CatalogHealth, config HandlerConfig, logger *slog.Logger) *Handler {
	if config.ServiceName == "" {
		config.ServiceName = "similarity-api"
	}
	return &Handler{
		service: service,
		catalog: catalog,
		config:  config,
		logger:  logger.With("component", "http"),
	}
}

// Root returns the service banner
func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":   "LeyvaCars ML API - product similarity",
		"service":   h.config.ServiceName,
		"status":    "active",
		"version":   h.config.Version,
		"timestamp": timestamp(),
	})
}

// HealthCheck reports liveness and readiness. It answers 200 even before the first build.
func (h *Handler) HealthCheck(c *gin.Context) {
	st := h.service.Status()

	store, catalogErr := h.storeHealth(c.Request.Context())

	status := "healthy"
	switch {
	case !st.Ready:
		status = "starting"
	case store == "unreachable" || store == "unavailable" || catalogErr != nil:
		status = "degraded"
	}

	services := gin.H{
		"similarity_engine": st.Ready,
		"catalog_source":    st.SourceMode,
		"firestore":         store,
	}
	if catalogErr != nil {
		services["catalog_error"] = catalogErr.Error()
	}

	c.JSON(http.StatusOK, gin.H{
		"status":           status,
		"service":          h.config.ServiceName,
		"version":          h.config.Version,
		"mode":             h.config.Environment,
		"services":         services,
		"indexed_products": st.IndexedProducts,
		"timestamp":        timestamp(),
	})
}

// storeHealth classifies the catalog store: not_configured, unavailable (client setup failed),
// unreachable or connected. The second value is the last catalog error, if any.
func (h *Handler) storeHealth(ctx context.Context) (string, error) {
	if h.catalog == nil {
		return "not_configured", nil
	}
	lastErr := h.catalog.LastError()
	if !h.catalog.HasRemote() {
		if lastErr != nil {
			return "unavailable", lastErr
		}
		return "not_configured", nil
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := h.catalog.Ping(ctx); err != nil {
		h.logger.Warn("catalog store ping failed", "error", err)
		return "unreachable", lastErr
	}
	return "connected", lastErr
}

// Stats reports index and catalog counters
func (h *Handler) Stats(c *gin.Context) {
	st := h.service.Status()

	var lastBuild *string
	if !st.LastBuild.IsZero() {
		s := st.LastBuild.UTC().Format(time.RFC3339)
		lastBuild = &s
	}

	c.JSON(http.StatusOK, gin.H{
		"ready":            st.Ready,
		"indexed_products": st.IndexedProducts,
		"catalog_products": st.CatalogProducts,
		"source_mode":      st.SourceMode,
		"model":            st.Model,
		"metric":           st.Metric,
		"dimensions":       st.Dimensions,
		"last_build":       lastBuild,
		"build_failures":   st.BuildFailures,
		"refreshing":       st.Refreshing,
		"uptime_seconds":   int64(st.Uptime.Seconds()),
	})
}

// SearchSimilar answers the combined endpoint: image_url or product_id in the body
func (h *Handler) SearchSimilar(c *gin.Context) {
	var req SearchSimilarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: malformed JSON body: %v", domain.ErrInvalidRequest, err))
		return
	}

	result, err := h.service.Search(c.Request.Context(), req.toDomain())
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respondResult(c, result)
}

// SimilarByImage ranks the catalog against image_url
func (h *Handler) SimilarByImage(c *gin.Context) {
	var req SearchSimilarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: malformed JSON body: %v", domain.ErrInvalidRequest, err))
		return
	}
	if req.ProductID != "" {
		writeError(c, fmt.Errorf("%w: use /api/v1/products/%s/similar for product queries", domain.ErrInvalidRequest, req.ProductID))
		return
	}

	result, err := h.service.SearchByImage(c.Request.Context(), req.toDomain())
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respondResult(c, result)
}

// SimilarByProduct ranks the catalog against an existing product
func (h *Handler) SimilarByProduct(c *gin.Context) {
	req := domain.SearchRequest{
		ProductID: c.Param("id"),
		Category:  c.Query("category"),
	}

	if raw := c.Query("top_k"); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil {
			writeError(c, fmt.Errorf("%w: top_k must be an integer", domain.ErrInvalidRequest))
			return
		}
		if k == 0 {
			// zero would silently fall back to the default
			writeError(c, fmt.Errorf("%w: top_k must be at least 1", domain.ErrInvalidRequest))
			return
		}
		req.TopK = k
	}
	if raw := c.Query("min_similarity"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(c, fmt.Errorf("%w: min_similarity must be a number", domain.ErrInvalidRequest))
			return
		}
		req.MinSimilarity = &v
	}

	result, err := h.service.SearchByProduct(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respondResult(c, result)
}

// Refresh starts an asynchronous catalog refresh
func (h *Handler) Refresh(c *gin.Context) {
	force := false
	if raw := c.Query("force"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(c, fmt.Errorf("%w: force must be a boolean", domain.ErrInvalidRequest))
			return
		}
		force = v
	}

	// the refresh outlives the request
	if err := h.service.TryRefreshAsync(context.WithoutCancel(c.Request.Context()), force); err != nil {
		writeError(c, err)
		return
	}

	h.logger.Info("refresh started", "force", force, "request_id", c.GetString(requestIDKey))
	c.JSON(http.StatusAccepted, gin.H{
		"success":   true,
		"message":   "catalog refresh started",
		"force":     force,
		"timestamp": timestamp(),
	})
}

// ClearCache drops every cached embedding
func (h *Handler) ClearCache(c *gin.Context) {
	if err := h.service.ClearCache(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "embedding cache cleared",
		"timestamp": timestamp(),
	})
}

func (h *Handler) respondResult(c *gin.Context, result *domain.SearchResult) {
	results := toSimilarProducts(result.Matches)

	message := fmt.Sprintf("found %d similar products", len(results))
	if len(results) == 0 {
		message = "no similar products found"
	}

	c.JSON(http.StatusOK, SearchSimilarResponse{
		Success:        true,
		Results:        results,
		TotalFound:     len(results),
		ProcessingTime: result.Duration.Seconds(),
		SourceMode:     result.SourceMode,
		Message:        message,
		Timestamp:      timestamp(),
	})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := ToHTTPStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.Error("request failed", "path", c.FullPath(), "kind", domain.ErrorKind(err), "error", err,
			"request_id", c.GetString(requestIDKey))
	}
	writeError(c, err)
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
