package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Source    SourceConfig
	Embedding EmbeddingConfig
	Image     ImageConfig
	Cache     CacheConfig
	Index     IndexConfig
	Events    EventsConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Environment     string        `mapstructure:"environment"`
	LogLevel        string        `mapstructure:"log_level"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SourceConfig holds catalog source configuration
type SourceConfig struct {
	Mode            string        `mapstructure:"mode"` // "remote" or "fixture"
	ProjectID       string        `mapstructure:"project_id"`
	Collection      string        `mapstructure:"collection"`
	CredentialsFile string        `mapstructure:"credentials_file"`
	Endpoint        string        `mapstructure:"endpoint"`
	Timeout         time.Duration `mapstructure:"timeout"`
	PageSize        int           `mapstructure:"page_size"`
	FixtureFile     string        `mapstructure:"fixture_file"`
	WatchFixture    bool          `mapstructure:"watch_fixture"`
}

// EmbeddingConfig holds model selection and remote model service settings
type EmbeddingConfig struct {
	Provider      string        `mapstructure:"provider"` // "local", "remote" or "stub"
	ModelName     string        `mapstructure:"model_name"`
	RemoteURL     string        `mapstructure:"remote_url"`
	APIKey        string        `mapstructure:"api_key"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	Dimensions    int           `mapstructure:"dimensions"`
}

// ImageConfig holds image download settings
type ImageConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxBytes          int64         `mapstructure:"max_bytes"`
	UserAgent         string        `mapstructure:"user_agent"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxRedirects      int           `mapstructure:"max_redirects"`
}

// CacheConfig holds embedding cache configuration
type CacheConfig struct {
	Type       string        `mapstructure:"type"` // "memory", "disk", "redis" or "object"
	Dir        string        `mapstructure:"dir"`
	RedisURL   string        `mapstructure:"redis_url"`
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
	Object     ObjectConfig  `mapstructure:"object"`
}

// ObjectConfig holds S3-compatible bucket settings for the object cache
type ObjectConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// IndexConfig holds similarity index and ranking configuration
type IndexConfig struct {
	Metric           string        `mapstructure:"metric"` // "cosine" or "euclidean"
	TopKDefault      int           `mapstructure:"top_k_default"`
	MaxTopK          int           `mapstructure:"max_top_k"`
	BuildConcurrency int           `mapstructure:"build_concurrency"`
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`
	RefreshTimeout   time.Duration `mapstructure:"refresh_timeout"`
}

// EventsConfig holds the optional catalog change topic consumer settings
type EventsConfig struct {
	Brokers  []string      `mapstructure:"brokers"`
	Topic    string        `mapstructure:"topic"`
	GroupID  string        `mapstructure:"group_id"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// Enabled reports whether a broker list was configured
func (e EventsConfig) Enabled() bool {
	return len(e.Brokers) > 0 && e.Topic != ""
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	PerIP int `mapstructure:"per_ip"` // requests per minute, 0 disables
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	v := viper.New()

	// Set config name and paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/similarity-api/")

	// Environment variable settings
	v.SetEnvPrefix("SIMILARITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// PaaS hosts set these without a prefix
	_ = v.BindEnv("server.port", "SIMILARITY_SERVER_PORT", "PORT")
	_ = v.BindEnv("server.environment", "SIMILARITY_SERVER_ENVIRONMENT", "ENVIRONMENT")
	_ = v.BindEnv("source.credentials_file", "SIMILARITY_SOURCE_CREDENTIALS_FILE", "GOOGLE_APPLICATION_CREDENTIALS")

	// Set default values
	setDefaults(v)

	// Read config file (optional - will use env vars if file doesn't exist)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	applyModelDefault(&config)

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", "15s")

	// Catalog source defaults
	v.SetDefault("source.mode", "remote")
	v.SetDefault("source.project_id", "leyvacarsmovil-4708a")
	v.SetDefault("source.collection", "productos")
	v.SetDefault("source.credentials_file", "")
	v.SetDefault("source.endpoint", "")
	v.SetDefault("source.timeout", "10s")
	v.SetDefault("source.page_size", 300)
	v.SetDefault("source.fixture_file", "")
	v.SetDefault("source.watch_fixture", false)

	// Embedding defaults
	v.SetDefault("embedding.provider", "local")
	v.SetDefault("embedding.model_name", "")
	v.SetDefault("embedding.remote_url", "")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.timeout", "30s")
	v.SetDefault("embedding.max_concurrent", 4)
	v.SetDefault("embedding.dimensions", 0)

	// Image download defaults
	v.SetDefault("image.timeout", "10s")
	v.SetDefault("image.max_bytes", 10<<20)
	v.SetDefault("image.user_agent", "LeyvaCars-ML-API/1.0")
	v.SetDefault("image.requests_per_second", 20.0)
	v.SetDefault("image.burst", 10)
	v.SetDefault("image.max_redirects", 5)

	// Cache defaults
	v.SetDefault("cache.type", "disk")
	v.SetDefault("cache.dir", "cache")
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.ttl", "720h") // 30 days
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.object.endpoint", "")
	v.SetDefault("cache.object.access_key", "")
	v.SetDefault("cache.object.secret_key", "")
	v.SetDefault("cache.object.bucket", "embeddings")
	v.SetDefault("cache.object.use_ssl", false)

	// Index defaults
	v.SetDefault("index.metric", "cosine")
	v.SetDefault("index.top_k_default", 10)
	v.SetDefault("index.max_top_k", 100)
	v.SetDefault("index.build_concurrency", 4)
	v.SetDefault("index.refresh_interval", "0s")
	v.SetDefault("index.refresh_timeout", "30m")

	// Catalog change events (disabled without brokers)
	v.SetDefault("events.brokers", []string{})
	v.SetDefault("events.topic", "product-events")
	v.SetDefault("events.group_id", "similarity-api")
	v.SetDefault("events.debounce", "5s")

	// Rate limit defaults
	v.SetDefault("ratelimit.per_ip", 120)
}

// Default model names per embedding provider
var defaultModels = map[string]string{
	"local":  "pixel-grid-v1",
	"remote": "ViT-B-32",
	"stub":   "stub-v1",
}

// applyModelDefault picks the provider's model when none is configured.
// Production uses the lighter remote model, matching the deployed service.
func applyModelDefault(config *Config) {
	if config.Embedding.ModelName != "" {
		return
	}
	if config.Embedding.Provider == "remote" && config.Server.Environment == "production" {
		config.Embedding.ModelName = "RN50"
		return
	}
	config.Embedding.ModelName = defaultModels[config.Embedding.Provider]
}

// validate validates the configuration
func validate(config *Config) error {
	switch config.Source.Mode {
	case "remote":
		if config.Source.ProjectID == "" {
			return fmt.Errorf("project id is required in remote mode (set SIMILARITY_SOURCE_PROJECT_ID)")
		}
	case "fixture":
	default:
		return fmt.Errorf("source mode must be 'remote' or 'fixture', got: %s", config.Source.Mode)
	}

	switch config.Embedding.Provider {
	case "local", "stub":
	case "remote":
		if config.Embedding.RemoteURL == "" {
			return fmt.Errorf("remote embedding URL is required (set SIMILARITY_EMBEDDING_REMOTE_URL)")
		}
	default:
		return fmt.Errorf("embedding provider must be 'local', 'remote' or 'stub', got: %s", config.Embedding.Provider)
	}

	switch config.Cache.Type {
	case "memory":
	case "disk":
		if config.Cache.Dir == "" {
			return fmt.Errorf("cache dir is required when cache type is 'disk' (set SIMILARITY_CACHE_DIR)")
		}
	case "redis":
		if config.Cache.RedisURL == "" {
			return fmt.Errorf("Redis URL is required when cache type is 'redis'")
		}
	case "object":
		if config.Cache.Object.Endpoint == "" || config.Cache.Object.Bucket == "" {
			return fmt.Errorf("object endpoint and bucket are required when cache type is 'object'")
		}
	default:
		return fmt.Errorf("cache type must be 'memory', 'disk', 'redis' or 'object', got: %s", config.Cache.Type)
	}

	if config.Index.Metric != "cosine" && config.Index.Metric != "euclidean" {
		return fmt.Errorf("index metric must be 'cosine' or 'euclidean', got: %s", config.Index.Metric)
	}

	if config.Index.MaxTopK < 1 {
		return fmt.Errorf("max top k must be at least 1, got: %d", config.Index.MaxTopK)
	}

	if config.Index.TopKDefault < 1 || config.Index.TopKDefault > config.Index.MaxTopK {
		return fmt.Errorf("top k default must be between 1 and %d, got: %d", config.Index.MaxTopK, config.Index.TopKDefault)
	}

	if config.Index.BuildConcurrency < 1 {
		return fmt.Errorf("build concurrency must be at least 1, got: %d", config.Index.BuildConcurrency)
	}

	if config.Index.RefreshInterval < 0 {
		return fmt.Errorf("refresh interval must not be negative, got: %s", config.Index.RefreshInterval)
	}

	if config.Index.RefreshTimeout <= 0 {
		return fmt.Errorf("refresh timeout must be positive, got: %s", config.Index.RefreshTimeout)
	}

	return nil
}

// loadEnvFile loads KEY=VALUE pairs from ./.env into the process environment.
// Variables that are already set are left untouched. A missing file is not an error.
func loadEnvFile() error {
	if _, err := os.Stat(".env"); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := gotenv.Load(".env"); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}
