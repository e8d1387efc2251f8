// Package config loads and validates application configuration from environment variables.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Search backends accepted by KENSA_SEARCH_BACKEND.
const (
	SearchBackendLocal    = "local"
	SearchBackendQdrant   = "qdrant"
	SearchBackendPGVector = "pgvector"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database settings.
	DatabaseURL string

	// Semantic index settings.
	SearchBackend    string // "local", "qdrant" or "pgvector"
	LocalIndexPath   string // SQLite file for the local backend.
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string

	// Embedding provider settings.
	EmbeddingProvider   string // "auto", "openai", "ollama", "hashing", or "noop"
	OpenAIAPIKey        string
	EmbeddingModel      string
	EmbeddingDimensions int // Vector dimensions; must match the chosen model's output.
	OllamaURL           string
	OllamaModel         string

	// Identity registry (NPI) settings.
	NPIBaseURL   string
	NPIRateLimit time.Duration // Minimum spacing between registry calls.
	NPICacheTTL  time.Duration

	// Geocoder (Nominatim) settings.
	NominatimBaseURL   string
	NominatimUserAgent string
	NominatimRateLimit time.Duration
	GeocodeCacheTTL    time.Duration

	// Outbound HTTP settings shared by capability clients.
	HTTPClientTimeout time.Duration
	RetryAttempts     int

	// Security settings.
	EncryptionKey     []byte // 32 bytes, decoded from base64.
	AdminAPIKey       string
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Rate limiting for the HTTP API.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Operational settings.
	LogLevel                string
	WorkflowConcurrency     int
	PruneInterval           time.Duration // 0 disables the background prune loop.
	ReindexInterval         time.Duration // Poll interval for memories missing from the index.
	ReindexGrace            time.Duration // Age before a pending memory is retried.
	ReindexBatchSize        int
	MaxRequestBodyBytes     int64
	ShutdownHTTPTimeout     time.Duration
	ShutdownWorkflowTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values are reported together rather than silently replaced by defaults.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := Config{
		DatabaseURL:        envStr("DATABASE_URL", ""),
		SearchBackend:      strings.ToLower(envStr("KENSA_SEARCH_BACKEND", SearchBackendLocal)),
		LocalIndexPath:     envStr("KENSA_LOCAL_INDEX_PATH", "data/memory_index.db"),
		QdrantURL:          envStr("QDRANT_URL", ""),
		QdrantAPIKey:       envStr("QDRANT_API_KEY", ""),
		QdrantCollection:   envStr("QDRANT_COLLECTION", "kensa_memories"),
		EmbeddingProvider:  envStr("KENSA_EMBEDDING_PROVIDER", "auto"),
		OpenAIAPIKey:       envStr("OPENAI_API_KEY", ""),
		EmbeddingModel:     envStr("KENSA_EMBEDDING_MODEL", "text-embedding-3-small"),
		OllamaURL:          envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:        envStr("OLLAMA_MODEL", "mxbai-embed-large"),
		NPIBaseURL:         envStr("NPI_REGISTRY_BASE_URL", "https://npiregistry.cms.hhs.gov/api/"),
		NominatimBaseURL:   envStr("NOMINATIM_BASE_URL", "https://nominatim.openstreetmap.org"),
		NominatimUserAgent: envStr("NOMINATIM_USER_AGENT", "healthcare-ai-system/1.0"),
		AdminAPIKey:        envStr("KENSA_ADMIN_API_KEY", ""),
		JWTPrivateKeyPath:  envStr("KENSA_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:   envStr("KENSA_JWT_PUBLIC_KEY", ""),
		OTELEndpoint:       envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:        envStr("OTEL_SERVICE_NAME", "kensa"),
		LogLevel:           envStr("KENSA_LOG_LEVEL", "info"),
	}

	var err error
	cfg.Port, err = envInt("KENSA_PORT", 8080)
	collect(err)
	cfg.ReadTimeout, err = envDuration("KENSA_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("KENSA_WRITE_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.EmbeddingDimensions, err = envInt("KENSA_EMBEDDING_DIMENSIONS", 1024)
	collect(err)
	cfg.NPIRateLimit, err = envDuration("NPI_RATE_LIMIT", time.Second)
	collect(err)
	cfg.NPICacheTTL, err = envDuration("NPI_CACHE_TTL", 24*time.Hour)
	collect(err)
	cfg.NominatimRateLimit, err = envDuration("NOMINATIM_RATE_LIMIT", time.Second)
	collect(err)
	cfg.GeocodeCacheTTL, err = envDuration("GEOCODE_CACHE_TTL", 30*24*time.Hour)
	collect(err)
	cfg.HTTPClientTimeout, err = envDuration("KENSA_HTTP_CLIENT_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.RetryAttempts, err = envInt("KENSA_RETRY_ATTEMPTS", 3)
	collect(err)
	cfg.JWTExpiration, err = envDuration("KENSA_JWT_EXPIRATION", 24*time.Hour)
	collect(err)
	cfg.RateLimitEnabled, err = envBool("KENSA_RATE_LIMIT_ENABLED", true)
	collect(err)
	cfg.RateLimitRPS, err = envFloat("KENSA_RATE_LIMIT_RPS", 50)
	collect(err)
	cfg.RateLimitBurst, err = envInt("KENSA_RATE_LIMIT_BURST", 100)
	collect(err)
	cfg.OTELInsecure, err = envBool("KENSA_OTEL_INSECURE", false)
	collect(err)
	cfg.WorkflowConcurrency, err = envInt("KENSA_WORKFLOW_CONCURRENCY", 8)
	collect(err)
	cfg.PruneInterval, err = envDuration("KENSA_PRUNE_INTERVAL", 24*time.Hour)
	collect(err)
	cfg.ReindexInterval, err = envDuration("KENSA_REINDEX_INTERVAL", time.Minute)
	collect(err)
	cfg.ReindexGrace, err = envDuration("KENSA_REINDEX_GRACE", 2*time.Minute)
	collect(err)
	cfg.ReindexBatchSize, err = envInt("KENSA_REINDEX_BATCH_SIZE", 100)
	collect(err)
	maxBody, err := envInt("KENSA_MAX_REQUEST_BODY_BYTES", 1*1024*1024) // 1 MB default
	collect(err)
	cfg.MaxRequestBodyBytes = int64(maxBody)
	cfg.ShutdownHTTPTimeout, err = envDuration("KENSA_SHUTDOWN_HTTP_TIMEOUT", 10*time.Second)
	collect(err)
	cfg.ShutdownWorkflowTimeout, err = envDuration("KENSA_SHUTDOWN_WORKFLOW_TIMEOUT", 60*time.Second)
	collect(err)
	cfg.EncryptionKey, err = envKey("KENSA_ENCRYPTION_KEY")
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and internally consistent.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if len(c.EncryptionKey) != 32 {
		errs = append(errs, errors.New("KENSA_ENCRYPTION_KEY must decode to 32 bytes"))
	}
	if c.EmbeddingDimensions <= 0 {
		errs = append(errs, errors.New("KENSA_EMBEDDING_DIMENSIONS must be positive"))
	}
	switch c.SearchBackend {
	case SearchBackendLocal:
		if c.LocalIndexPath == "" {
			errs = append(errs, errors.New("KENSA_LOCAL_INDEX_PATH is required for the local search backend"))
		}
	case SearchBackendQdrant:
		if c.QdrantURL == "" {
			errs = append(errs, errors.New("QDRANT_URL is required for the qdrant search backend"))
		}
	case SearchBackendPGVector:
	default:
		errs = append(errs, fmt.Errorf("KENSA_SEARCH_BACKEND=%q is not one of local, qdrant, pgvector", c.SearchBackend))
	}
	if c.RetryAttempts < 1 {
		errs = append(errs, errors.New("KENSA_RETRY_ATTEMPTS must be at least 1"))
	}
	if c.NPIRateLimit < 0 || c.NominatimRateLimit < 0 {
		errs = append(errs, errors.New("capability rate limits must not be negative"))
	}
	if c.WorkflowConcurrency <= 0 {
		errs = append(errs, errors.New("KENSA_WORKFLOW_CONCURRENCY must be positive"))
	}
	switch c.EmbeddingProvider {
	case "auto", "openai", "ollama", "hashing", "noop":
	default:
		errs = append(errs, fmt.Errorf("KENSA_EMBEDDING_PROVIDER=%q is not one of auto, openai, ollama, hashing, noop", c.EmbeddingProvider))
	}
	if c.ReindexInterval <= 0 {
		errs = append(errs, errors.New("KENSA_REINDEX_INTERVAL must be positive"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("KENSA_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		errs = append(errs, errors.New("KENSA_RATE_LIMIT_RPS and KENSA_RATE_LIMIT_BURST must be positive when rate limiting is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

// envKey decodes a base64 (standard or URL alphabet) secret. Empty is allowed
// here; Validate rejects a missing key.
func envKey(key string) ([]byte, error) {
	v := os.Getenv(key)
	if v == "" {
		return nil, nil
	}
	if b, err := base64.StdEncoding.DecodeString(v); err == nil {
		return b, nil
	}
	b, err := base64.URLEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid base64", key)
	}
	return b, nil
}
