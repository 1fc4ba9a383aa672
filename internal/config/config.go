// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Application  ApplicationConfig     `mapstructure:"application"`
	Server       ServerConfig          `mapstructure:"server"`
	Auth         AuthConfig            `mapstructure:"auth"`
	Orchestrator OrchestratorConfig    `mapstructure:"orchestrator"`
	Retry        RetryConfig           `mapstructure:"retry"`
	Breaker      BreakerConfig         `mapstructure:"breaker"`
	Webhook      WebhookConfig         `mapstructure:"webhook"`
	Fetch        FetchConfig           `mapstructure:"fetch"`
	Headless     HeadlessConfig        `mapstructure:"headless"`
	RateLimit    RateLimitConfig       `mapstructure:"ratelimit"`
	Sites        map[string]SiteConfig `mapstructure:"sites"`
	Enrich       EnrichConfig          `mapstructure:"enrich"`
	Privacy      PrivacyConfig         `mapstructure:"privacy"`
	Storage      StorageConfig         `mapstructure:"storage"`
	Database     DatabaseConfig        `mapstructure:"database"`
	Redis        RedisConfig           `mapstructure:"redis"`
	Idempotency  IdempotencyConfig     `mapstructure:"idempotency"`
	Queue        QueueConfig           `mapstructure:"queue"`
	PubSub       PubSubConfig          `mapstructure:"pubsub"`
	Quota        QuotaConfig           `mapstructure:"quota"`
	Logging      LoggingConfig         `mapstructure:"logging"`
}

// ApplicationConfig describes the running service for telemetry resources.
type ApplicationConfig struct {
	ServiceName   string `mapstructure:"service_name"`
	Version       string `mapstructure:"version"`
	ProjectID     string `mapstructure:"project_id"`
	ProjectNumber string `mapstructure:"project_number"`
	Region        string `mapstructure:"region"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	APIKeys []string `mapstructure:"api_keys"`
}

// OrchestratorConfig governs the job lifecycle and the async worker pool.
type OrchestratorConfig struct {
	Workers         int           `mapstructure:"workers"`
	JobStore        string        `mapstructure:"job_store"`
	SyncTimeout     time.Duration `mapstructure:"sync_timeout"`
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
	JobRetention    time.Duration `mapstructure:"job_retention"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
	BlobPrefix      string        `mapstructure:"blob_prefix"`
	ArchiveSnapshot bool          `mapstructure:"archive_snapshots"`
	Topic           string        `mapstructure:"topic"`
}

// RetryConfig configures the retry policy wrapped around adapter calls.
type RetryConfig struct {
	MaxAttempts        int           `mapstructure:"max_attempts"`
	BaseDelay          time.Duration `mapstructure:"base_delay"`
	MaxDelay           time.Duration `mapstructure:"max_delay"`
	UnknownMaxAttempts int           `mapstructure:"unknown_max_attempts"`
}

// BreakerConfig configures the per-target circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// WebhookConfig configures signed callback delivery and inbound triggers.
type WebhookConfig struct {
	Secret                 string        `mapstructure:"secret"`
	Source                 string        `mapstructure:"source"`
	Timeout                time.Duration `mapstructure:"timeout"`
	MaxAttempts            int           `mapstructure:"max_attempts"`
	BaseDelay              time.Duration `mapstructure:"base_delay"`
	Workers                int           `mapstructure:"workers"`
	QueueDepth             int           `mapstructure:"queue_depth"`
	Tolerance              time.Duration `mapstructure:"tolerance"`
	AllowedHosts           []string      `mapstructure:"allowed_hosts"`
	AllowInsecureCallbacks bool          `mapstructure:"allow_insecure_callbacks"`
	DeliveryLog            string        `mapstructure:"delivery_log"`
}

// FetchConfig configures the static HTTP fetcher.
type FetchConfig struct {
	UserAgent    string        `mapstructure:"user_agent"`
	Timeout      time.Duration `mapstructure:"timeout"`
	IgnoreRobots bool          `mapstructure:"ignore_robots"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavTimeout         time.Duration `mapstructure:"nav_timeout"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
	ExpandPause        time.Duration `mapstructure:"expand_pause"`
}

// RateLimitConfig configures the per-host fetch limiter.
type RateLimitConfig struct {
	DefaultRPS   float64            `mapstructure:"default_rps"`
	DefaultBurst int                `mapstructure:"default_burst"`
	Overrides    map[string]float64 `mapstructure:"overrides"`
}

// SiteConfig configures one site adapter.
type SiteConfig struct {
	Enabled       bool              `mapstructure:"enabled"`
	Hosts         []string          `mapstructure:"hosts"`
	ForceHeadless bool              `mapstructure:"force_headless"`
	MaxExpand     int               `mapstructure:"max_expand"`
	Selectors     map[string]string `mapstructure:"selectors"`
}

// EnrichConfig configures analysis and reply generation.
type EnrichConfig struct {
	DefaultLanguage string `mapstructure:"default_language"`
	TemplatesDir    string `mapstructure:"templates_dir"`
}

// PrivacyConfig toggles PII masking of scraped content.
type PrivacyConfig struct {
	MaskPII bool `mapstructure:"mask_pii"`
}

// StorageConfig sets the blob backend used for page snapshots.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	ContentType string `mapstructure:"content_type"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// RedisConfig controls access to Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// IdempotencyConfig selects the idempotency index backend and retention window.
type IdempotencyConfig struct {
	Backend   string        `mapstructure:"backend"`
	TTL       time.Duration `mapstructure:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// QueueConfig selects the async work queue backend.
type QueueConfig struct {
	Backend     string        `mapstructure:"backend"`
	Depth       int           `mapstructure:"depth"`
	RedisKey    string        `mapstructure:"redis_key"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// QuotaConfig configures the per-client request quota enforced in Redis.
type QuotaConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Limit   int           `mapstructure:"limit"`
	Window  time.Duration `mapstructure:"window"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("application.service_name", "review-harvester")
	v.SetDefault("application.version", "dev")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 150*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)
	v.SetDefault("orchestrator.workers", 4)
	v.SetDefault("orchestrator.job_store", "memory")
	v.SetDefault("orchestrator.sync_timeout", 120*time.Second)
	v.SetDefault("orchestrator.job_timeout", 5*time.Minute)
	v.SetDefault("orchestrator.job_retention", time.Hour)
	v.SetDefault("orchestrator.stale_after", 15*time.Minute)
	v.SetDefault("orchestrator.janitor_interval", time.Minute)
	v.SetDefault("orchestrator.blob_prefix", "snapshots")
	v.SetDefault("orchestrator.archive_snapshots", false)
	v.SetDefault("orchestrator.topic", "harvest-jobs")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 2*time.Second)
	v.SetDefault("retry.unknown_max_attempts", 2)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown", 60*time.Second)
	v.SetDefault("webhook.source", "review-harvester")
	v.SetDefault("webhook.timeout", 10*time.Second)
	v.SetDefault("webhook.max_attempts", 5)
	v.SetDefault("webhook.base_delay", 2*time.Second)
	v.SetDefault("webhook.workers", 2)
	v.SetDefault("webhook.queue_depth", 256)
	v.SetDefault("webhook.tolerance", 300*time.Second)
	v.SetDefault("webhook.delivery_log", "memory")
	v.SetDefault("fetch.user_agent", "review-harvester/0.1")
	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.ignore_robots", false)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", 45*time.Second)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("headless.expand_pause", 1500*time.Millisecond)
	v.SetDefault("ratelimit.default_rps", 1.0)
	v.SetDefault("ratelimit.default_burst", 2)
	v.SetDefault("sites.doctoralia.enabled", true)
	v.SetDefault("sites.doctoralia.hosts", []string{"doctoralia.com.br", "doctoralia.es", "doctoralia.com.mx"})
	v.SetDefault("sites.doctoralia.max_expand", 50)
	v.SetDefault("enrich.default_language", "pt")
	v.SetDefault("privacy.mask_pii", true)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_dir", "data/snapshots")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("database.migrate", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("idempotency.backend", "memory")
	v.SetDefault("idempotency.ttl", time.Hour)
	v.SetDefault("idempotency.key_prefix", "idem:")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.depth", 64)
	v.SetDefault("queue.redis_key", "harvester:queue")
	v.SetDefault("queue.poll_timeout", 5*time.Second)
	v.SetDefault("quota.enabled", false)
	v.SetDefault("quota.limit", 60)
	v.SetDefault("quota.window", time.Minute)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Orchestrator.Workers <= 0 {
		return fmt.Errorf("orchestrator.workers must be > 0")
	}
	if c.Orchestrator.JobRetention <= 0 {
		return fmt.Errorf("orchestrator.job_retention must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.BaseDelay < 0 {
		return fmt.Errorf("retry.base_delay must be >= 0")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be > 0")
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker.cooldown must be > 0")
	}
	if c.Webhook.MaxAttempts <= 0 {
		return fmt.Errorf("webhook.max_attempts must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth.api_keys must be set when auth is enabled")
	}
	if err := oneOf("orchestrator.job_store", c.Orchestrator.JobStore, "memory", "postgres"); err != nil {
		return err
	}
	if err := oneOf("idempotency.backend", c.Idempotency.Backend, "memory", "redis", "postgres"); err != nil {
		return err
	}
	if err := oneOf("webhook.delivery_log", c.Webhook.DeliveryLog, "memory", "postgres"); err != nil {
		return err
	}
	if err := oneOf("queue.backend", c.Queue.Backend, "memory", "redis"); err != nil {
		return err
	}
	if err := oneOf("storage.backend", c.Storage.Backend, "memory", "local", "gcs"); err != nil {
		return err
	}
	if c.Storage.Backend == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
	}
	if c.NeedsPostgres() && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for postgres backends")
	}
	if c.Quota.Enabled && (c.Quota.Limit <= 0 || c.Quota.Window <= 0) {
		return fmt.Errorf("quota.limit and quota.window must be > 0 when quota is enabled")
	}
	for key, site := range c.Sites {
		if !site.Enabled {
			continue
		}
		if len(site.Hosts) == 0 {
			return fmt.Errorf("sites.%s.hosts must not be empty", key)
		}
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when pubsub.topic_name is set")
	}
	for _, host := range c.Webhook.AllowedHosts {
		if strings.Contains(host, "/") {
			return fmt.Errorf("webhook.allowed_hosts entries must be host names, got %q", host)
		}
	}
	return nil
}

// NeedsPostgres reports whether any configured backend stores data in Postgres.
func (c Config) NeedsPostgres() bool {
	return c.Orchestrator.JobStore == "postgres" ||
		c.Idempotency.Backend == "postgres" ||
		c.Webhook.DeliveryLog == "postgres"
}

// NeedsRedis reports whether any configured component talks to Redis.
func (c Config) NeedsRedis() bool {
	return c.Idempotency.Backend == "redis" || c.Queue.Backend == "redis" || c.Quota.Enabled
}

func oneOf(key, value string, allowed ...string) error {
	for _, candidate := range allowed {
		if value == candidate {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}
