package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/leyvacars/similarity-api/internal/domain"
)

// embeddingFilePrefix marks embedding files so Clear leaves other files alone
const embeddingFilePrefix = "embedding-"

// DiskCache keeps one JSON file per embedding under a directory
type DiskCache struct {
	dir    string
	ttl    time.Duration
	logger *slog.Logger
}

// NewDiskCache creates the directory if needed
func NewDiskCache(dir string, ttl time.Duration, logger *slog.Logger) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", dir, err)
	}

	return &DiskCache{
		dir:    dir,
		ttl:    ttl,
		logger: logger.With("component", "disk_cache"),
	}, nil
}

// Get reads the entry for key; expired or corrupt files are removed
func (d *DiskCache) Get(ctx context.Context, key string) (domain.Vector, error) {
	path := d.path(key)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("read cache file: %w", err)
	}

	vec, err := unmarshalEmbedding(data, key, d.ttl, time.Now())
	if err != nil {
		d.logger.Debug("removing stale cache file", "path", path, "error", err)
		_ = os.Remove(path)
		return nil, domain.ErrCacheMiss
	}

	return vec, nil
}

// Set writes to a temp file and renames it so readers never see a partial entry
func (d *DiskCache) Set(ctx context.Context, key string, vec domain.Vector) error {
	data, err := marshalEmbedding(key, vec, time.Now())
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}

	tmp, err := os.CreateTemp(d.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close cache file: %w", err)
	}

	if err := os.Rename(tmpName, d.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename cache file: %w", err)
	}

	return nil
}

// Delete removes the entry for key
func (d *DiskCache) Delete(ctx context.Context, key string) error {
	if err := os.Remove(d.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cache file: %w", err)
	}
	return nil
}

// Clear removes every embedding file in the directory
func (d *DiskCache) Clear(ctx context.Context) error {
	matches, err := filepath.Glob(filepath.Join(d.dir, embeddingFilePrefix+"*.json"))
	if err != nil {
		return fmt.Errorf("list cache files: %w", err)
	}

	for _, path := range matches {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove cache file: %w", err)
		}
	}

	return nil
}

func (d *DiskCache) path(key string) string {
	return filepath.Join(d.dir, fileName(key)+".json")
}

// fileName maps a cache key to a file name. The name is the sha256 of the whole
// key, so model names that only differ in punctuation never share a file.
func fileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	if strings.HasPrefix(key, domain.EmbeddingKeyPrefix) {
		return embeddingFilePrefix + name
	}
	return name
}
