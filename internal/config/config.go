// Package config holds the processing core's configuration surface: a YAML
// file for the durable options plus .env/environment overrides for secrets
// and endpoints.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type S3Config struct {
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

type QdrantConfig struct {
	DSN        string `yaml:"dsn"`
	Dimensions int    `yaml:"dimensions"`
	Metric     string `yaml:"metric"`
}

type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// OCRConfig points at the local OCR sidecar used as the vision fallback.
type OCRConfig struct {
	Endpoint string `yaml:"endpoint"`
	Engine   string `yaml:"engine"`
}

type BusConfig struct {
	ClaimMinIdleSeconds int `yaml:"claim_min_idle_seconds"`
	MaxDeliveries       int `yaml:"max_deliveries"`
	BlockSeconds        int `yaml:"block_seconds"`
	BufferSize          int `yaml:"buffer_size"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	RecoverySeconds  int `yaml:"recovery_seconds"`
}

type RateLimits struct {
	DomainPerHour int `yaml:"domain_per_hour"`
	TenantPerDay  int `yaml:"tenant_per_day"`
}

type VisionConfig struct {
	Enabled            bool     `yaml:"enabled"`
	MaxDailyTokens     int64    `yaml:"max_daily_tokens_per_tenant"`
	MaxFileBytes       int64    `yaml:"max_file_bytes"`
	AllowedMIMEs       []string `yaml:"allowed_mimes"`
	DenyChannels       []int64  `yaml:"deny_channels"`
	EstTokensPerImage  int64    `yaml:"est_tokens_per_image"`
	CacheSchemaVersion int      `yaml:"cache_schema_version"`
}

type CrawlConfig struct {
	Enabled        bool       `yaml:"enabled"`
	TimeoutSeconds int        `yaml:"timeout_seconds"`
	MaxBodyBytes   int64      `yaml:"max_body_bytes"`
	MaxRedirects   int        `yaml:"max_redirects"`
	MinWordCount   int        `yaml:"min_word_count"`
	TriggerTags    []string   `yaml:"trigger_tags"`
	AllowDomains   []string   `yaml:"allow_domains"`
	DenyDomains    []string   `yaml:"deny_domains"`
	PolicyVersion  int        `yaml:"policy_version"`
	SeenTTLDays    int        `yaml:"seen_ttl_days"`
	UserAgent      string     `yaml:"user_agent"`
	RateLimits     RateLimits `yaml:"rate_limits"`
}

type StorageConfig struct {
	QuotaGBPerTenant   float64 `yaml:"storage_quota_gb_per_tenant"`
	SweepIntervalHours int     `yaml:"sweep_interval_hours"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the full configuration surface of the worker.
type Config struct {
	LogPath  string `yaml:"log_path"`
	LogLevel string `yaml:"log_level"`

	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	S3       S3Config       `yaml:"s3"`
	Qdrant   QdrantConfig   `yaml:"qdrant"`
	Neo4j    Neo4jConfig    `yaml:"neo4j"`

	Vision     ProviderConfig `yaml:"vision_provider"`
	Tagging    ProviderConfig `yaml:"tagging_provider"`
	Embeddings ProviderConfig `yaml:"embeddings_provider"`
	OCR        OCRConfig      `yaml:"ocr"`

	Bus            BusConfig            `yaml:"bus"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	VisionPolicy   VisionConfig         `yaml:"vision"`
	Crawl          CrawlConfig          `yaml:"crawl"`
	Storage        StorageConfig        `yaml:"storage"`
	HTTP           HTTPConfig           `yaml:"http"`

	AssemblyTTLSeconds int `yaml:"assembly_ttl_seconds"`
	RetentionDays      int `yaml:"retention_days"`
}

// AssemblyTTL returns the album assembly TTL as a duration.
func (c Config) AssemblyTTL() time.Duration {
	return time.Duration(c.AssemblyTTLSeconds) * time.Second
}

// ClaimMinIdle returns how long an entry may sit in another consumer's PEL
// before it is claimed.
func (c Config) ClaimMinIdle() time.Duration {
	return time.Duration(c.Bus.ClaimMinIdleSeconds) * time.Second
}

// Load reads the YAML file at path (optional), then applies .env and
// environment overrides, then fills defaults.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_ADDR")); v != "" {
		cfg.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_PASSWORD")); v != "" {
		cfg.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("S3_ENDPOINT")); v != "" {
		cfg.S3.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("S3_BUCKET")); v != "" {
		cfg.S3.Bucket = v
	}
	if v := strings.TrimSpace(os.Getenv("S3_ACCESS_KEY")); v != "" {
		cfg.S3.AccessKey = v
	}
	if v := strings.TrimSpace(os.Getenv("S3_SECRET_KEY")); v != "" {
		cfg.S3.SecretKey = v
	}
	if v := strings.TrimSpace(os.Getenv("QDRANT_DSN")); v != "" {
		cfg.Qdrant.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("NEO4J_URI")); v != "" {
		cfg.Neo4j.URI = v
	}
	if v := strings.TrimSpace(os.Getenv("NEO4J_PASSWORD")); v != "" {
		cfg.Neo4j.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("VISION_API_KEY")); v != "" {
		cfg.Vision.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("TAGGING_API_KEY")); v != "" {
		cfg.Tagging.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_PATH")); v != "" {
		cfg.LogPath = v
	}
	if v := strings.TrimSpace(os.Getenv("VISION_ENABLED")); v != "" {
		cfg.VisionPolicy.Enabled = parseBool(v)
	}
	if v := strings.TrimSpace(os.Getenv("CRAWL_ENABLED")); v != "" {
		cfg.Crawl.Enabled = parseBool(v)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Postgres.MaxConns <= 0 {
		cfg.Postgres.MaxConns = 25
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Qdrant.Dimensions <= 0 {
		cfg.Qdrant.Dimensions = 1536
	}
	if cfg.Qdrant.Metric == "" {
		cfg.Qdrant.Metric = "cosine"
	}
	if cfg.Bus.ClaimMinIdleSeconds <= 0 {
		cfg.Bus.ClaimMinIdleSeconds = 60
	}
	if cfg.Bus.MaxDeliveries <= 0 {
		cfg.Bus.MaxDeliveries = 5
	}
	if cfg.Bus.BlockSeconds <= 0 {
		cfg.Bus.BlockSeconds = 5
	}
	if cfg.Bus.BufferSize <= 0 {
		cfg.Bus.BufferSize = 64
	}
	if cfg.CircuitBreaker.FailureThreshold <= 0 {
		cfg.CircuitBreaker.FailureThreshold = 5
	}
	if cfg.CircuitBreaker.RecoverySeconds <= 0 {
		cfg.CircuitBreaker.RecoverySeconds = 60
	}
	if cfg.AssemblyTTLSeconds <= 0 {
		cfg.AssemblyTTLSeconds = 86400
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 90
	}
	if cfg.VisionPolicy.MaxDailyTokens <= 0 {
		cfg.VisionPolicy.MaxDailyTokens = 500_000
	}
	if cfg.VisionPolicy.MaxFileBytes <= 0 {
		cfg.VisionPolicy.MaxFileBytes = 20 << 20
	}
	if len(cfg.VisionPolicy.AllowedMIMEs) == 0 {
		cfg.VisionPolicy.AllowedMIMEs = []string{"image/jpeg", "image/png", "image/webp"}
	}
	if cfg.VisionPolicy.EstTokensPerImage <= 0 {
		cfg.VisionPolicy.EstTokensPerImage = 1100
	}
	if cfg.VisionPolicy.CacheSchemaVersion <= 0 {
		cfg.VisionPolicy.CacheSchemaVersion = 1
	}
	if cfg.Crawl.TimeoutSeconds <= 0 {
		cfg.Crawl.TimeoutSeconds = 15
	}
	if cfg.Crawl.MaxBodyBytes <= 0 {
		cfg.Crawl.MaxBodyBytes = 10 << 20
	}
	if cfg.Crawl.MaxRedirects <= 0 {
		cfg.Crawl.MaxRedirects = 3
	}
	if cfg.Crawl.MinWordCount <= 0 {
		cfg.Crawl.MinWordCount = 120
	}
	if cfg.Crawl.PolicyVersion <= 0 {
		cfg.Crawl.PolicyVersion = 1
	}
	if cfg.Crawl.SeenTTLDays <= 0 {
		cfg.Crawl.SeenTTLDays = 30
	}
	if cfg.Crawl.RateLimits.DomainPerHour <= 0 {
		cfg.Crawl.RateLimits.DomainPerHour = 60
	}
	if cfg.Crawl.RateLimits.TenantPerDay <= 0 {
		cfg.Crawl.RateLimits.TenantPerDay = 500
	}
	if cfg.Storage.QuotaGBPerTenant <= 0 {
		cfg.Storage.QuotaGBPerTenant = 15
	}
	if cfg.Storage.SweepIntervalHours <= 0 {
		cfg.Storage.SweepIntervalHours = 6
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8088"
	}
}

func (c Config) validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if c.S3.Bucket == "" {
		return fmt.Errorf("config: s3.bucket is required")
	}
	return nil
}

func parseBool(v string) bool {
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return strings.EqualFold(v, "yes")
}
