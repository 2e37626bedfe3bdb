package firestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/leyvacars/similarity-api/internal/domain"
	firestoreapi "google.golang.org/api/firestore/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Options configures the Firestore catalog client
type Options struct {
	ProjectID       string
	Collection      string
	CredentialsFile string
	// Endpoint overrides the API base URL (emulators, tests). Requests to a custom
	// endpoint are sent without authentication.
	Endpoint string
	Timeout  time.Duration
	PageSize int
}

// Client reads the product collection through the Firestore REST API
type Client struct {
	svc        *firestoreapi.Service
	parent     string
	collection string
	timeout    time.Duration
	pageSize   int64
	logger     *slog.Logger
}

// NewClient creates the API service. Missing or unreadable credentials are
// reported as domain.ErrSourceUnavailable so callers can fall back to fixtures.
func NewClient(ctx context.Context, opts Options, logger *slog.Logger) (*Client, error) {
	if opts.ProjectID == "" {
		return nil, fmt.Errorf("%w: project id is required", domain.ErrSourceUnavailable)
	}
	if opts.Collection == "" {
		opts.Collection = "productos"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 300
	}

	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint), option.WithoutAuthentication())
	}

	svc, err := firestoreapi.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSourceUnavailable, err)
	}

	return &Client{
		svc:        svc,
		parent:     fmt.Sprintf("projects/%s/databases/(default)/documents", opts.ProjectID),
		collection: opts.Collection,
		timeout:    opts.Timeout,
		pageSize:   int64(opts.PageSize),
		logger:     logger.With("component", "firestore", "collection", opts.Collection),
	}, nil
}

// FetchActiveProducts lists the whole collection and keeps active products.
// Records missing an image URL or holding invalid values are dropped with a warning.
func (c *Client) FetchActiveProducts(ctx context.Context) ([]domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	var (
		products  []domain.Product
		total     int
		inactive  int
		dropped   int
		pageToken string
	)

	for {
		call := c.svc.Projects.Databases.Documents.List(c.parent, c.collection).PageSize(c.pageSize).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, c.wrapError(err)
		}

		for _, doc := range resp.Documents {
			total++
			product, err := c.decodeDocument(doc)
			if err != nil {
				dropped++
				c.logger.Warn("skipping product document", "document", doc.Name, "error", err)
				continue
			}
			if !product.Active {
				inactive++
				continue
			}
			if product.ImageURL == "" {
				dropped++
				c.logger.Warn("product has no image url, not indexable", "product_id", product.ID)
				continue
			}
			products = append(products, product)
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	c.logger.Info("catalog fetched",
		"documents", total,
		"active", len(products),
		"inactive", inactive,
		"dropped", dropped,
		"duration", time.Since(start))

	return products, nil
}

// Ping lists a single document to check connectivity and credentials
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.svc.Projects.Databases.Documents.List(c.parent, c.collection).PageSize(1).Context(ctx).Do()
	if err != nil {
		return c.wrapError(err)
	}
	return nil
}

func (c *Client) decodeDocument(doc *firestoreapi.Document) (domain.Product, error) {
	raw, err := json.Marshal(doc.Fields)
	if err != nil {
		return domain.Product{}, fmt.Errorf("%w: encode fields: %v", errInvalidRecord, err)
	}

	fields := make(map[string]fieldValue)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return domain.Product{}, fmt.Errorf("%w: decode fields: %v", errInvalidRecord, err)
	}

	return mapProduct(documentID(doc.Name), fields)
}

// wrapError classifies API failures. Every failure to read the catalog is
// reported as domain.ErrSourceUnavailable; the status is kept for logs.
func (c *Client) wrapError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: credentials rejected (status %d): %s", domain.ErrSourceUnavailable, gerr.Code, gerr.Message)
		case http.StatusNotFound:
			return fmt.Errorf("%w: database or collection not found: %s", domain.ErrSourceUnavailable, gerr.Message)
		default:
			return fmt.Errorf("%w: status %d: %s", domain.ErrSourceUnavailable, gerr.Code, gerr.Message)
		}
	}
	return fmt.Errorf("%w: %w", domain.ErrSourceUnavailable, err)
}
