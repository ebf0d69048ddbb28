// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. EMBEDCRAWLER_WORKER_CONCURRENCY.
const EnvPrefix = "EMBEDCRAWLER"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	KV        KVConfig        `mapstructure:"kv"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Mapping   MappingConfig   `mapstructure:"mapping"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Coverage  CoverageConfig  `mapstructure:"coverage"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Report    ReportConfig    `mapstructure:"report"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// APIKey, when set, is required on every /v1 request.
	APIKey string `mapstructure:"api_key"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// KV backends.
const (
	KVBadger   = "badger"
	KVPostgres = "postgres"
)

// KVConfig selects the shared key/value backend.
type KVConfig struct {
	Backend  string           `mapstructure:"backend"`
	Badger   BadgerConfig     `mapstructure:"badger"`
	Postgres KVPostgresConfig `mapstructure:"postgres"`
}

// BadgerConfig configures the embedded backend.
type BadgerConfig struct {
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"in_memory"`
}

// KVPostgresConfig configures the multi-process backend.
type KVPostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// CatalogConfig points at the anime catalog table.
type CatalogConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ProviderConfig governs requests to the streaming provider.
type ProviderConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	UserAgent      string        `mapstructure:"user_agent"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MinInterval    time.Duration `mapstructure:"min_interval"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	MaxServers     int           `mapstructure:"max_servers"`
	Parallelism    int           `mapstructure:"parallelism"`
}

// MappingConfig tunes title matching.
type MappingConfig struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	MaxQueries          int     `mapstructure:"max_queries"`
}

// WorkerConfig sizes the pool and its leases.
type WorkerConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `mapstructure:"heartbeat_ttl"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
	StalledInterval   time.Duration `mapstructure:"stalled_interval"`
	VerifySample      int           `mapstructure:"verify_sample"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

// DiscoveryConfig controls catalog scanning.
type DiscoveryConfig struct {
	Strategy      string        `mapstructure:"strategy"`
	PageSize      int           `mapstructure:"page_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	BatchPause    time.Duration `mapstructure:"batch_pause"`
	MinPopularity int           `mapstructure:"min_popularity"`
	MinScore      int           `mapstructure:"min_score"`
	Jitter        int           `mapstructure:"jitter"`
}

// CoverageConfig relaxes the full-coverage rule.
type CoverageConfig struct {
	MinEpisodesAnyTrack int `mapstructure:"min_episodes_any_track"`
}

// RecoveryConfig is the per-category strategy table.
type RecoveryConfig struct {
	RateLimitBase     time.Duration `mapstructure:"rate_limit_base"`
	RateLimitMax      time.Duration `mapstructure:"rate_limit_max"`
	RateLimitPenalty  int           `mapstructure:"rate_limit_penalty"`
	MappingDelay      time.Duration `mapstructure:"mapping_delay"`
	MappingPenalty    int           `mapstructure:"mapping_penalty"`
	NetworkBase       time.Duration `mapstructure:"network_base"`
	NetworkMax        time.Duration `mapstructure:"network_max"`
	NetworkMaxRetries int           `mapstructure:"network_max_retries"`
	ParseDelay        time.Duration `mapstructure:"parse_delay"`
	ParseMaxRetries   int           `mapstructure:"parse_max_retries"`
	MissingDelay      time.Duration `mapstructure:"missing_delay"`
	MissingMaxRetries int           `mapstructure:"missing_max_retries"`
	GenericStep       time.Duration `mapstructure:"generic_step"`
	GenericMaxRetries int           `mapstructure:"generic_max_retries"`
	GlobalMaxRetries  int           `mapstructure:"global_max_retries"`
}

// MonitorConfig sets the sampling interval and alert thresholds.
type MonitorConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	FailureWarning  float64       `mapstructure:"failure_warning"`
	FailureCritical float64       `mapstructure:"failure_critical"`
	MemoryWarning   float64       `mapstructure:"memory_warning"`
	MemoryCritical  float64       `mapstructure:"memory_critical"`
	MemoryLimitMB   uint64        `mapstructure:"memory_limit_mb"`
	StalledWarning  int           `mapstructure:"stalled_warning"`
	StalledCritical int           `mapstructure:"stalled_critical"`
}

// Publisher backends.
const (
	PublisherNone   = "none"
	PublisherMemory = "memory"
	PublisherPubSub = "pubsub"
)

// PublisherConfig holds metadata for completion and alert notifications.
type PublisherConfig struct {
	Backend        string `mapstructure:"backend"`
	ProjectID      string `mapstructure:"project_id"`
	CompletedTopic string `mapstructure:"completed_topic"`
	AlertsTopic    string `mapstructure:"alerts_topic"`
}

// Report archival backends.
const (
	ReportNone  = "none"
	ReportLocal = "local"
	ReportGCS   = "gcs"
)

// ReportConfig selects where archived reports go.
type ReportConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// New returns a Viper instance with defaults and environment binding, reading
// path when it is not empty.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v, err := New(path)
	if err != nil {
		return Config{}, err
	}
	return FromViper(v)
}

// FromViper decodes and validates v.
func FromViper(v *viper.Viper) (Config, error) {
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
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.api_key", "")

	v.SetDefault("kv.backend", KVBadger)
	v.SetDefault("kv.badger.path", "data/kv")
	v.SetDefault("kv.badger.in_memory", false)
	// Keys without a default are invisible to Unmarshal, so empty values are
	// registered to make env overrides work.
	v.SetDefault("kv.postgres.dsn", "")
	v.SetDefault("kv.postgres.max_conns", 8)

	v.SetDefault("catalog.dsn", "")
	v.SetDefault("catalog.table", "anime")
	v.SetDefault("catalog.max_conns", 4)

	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.user_agent", "anime-embed-crawler/1.0")
	v.SetDefault("provider.request_timeout", "20s")
	v.SetDefault("provider.min_interval", "500ms")
	v.SetDefault("provider.max_retries", 3)
	v.SetDefault("provider.backoff_base", "1s")
	v.SetDefault("provider.backoff_max", "30s")
	v.SetDefault("provider.max_servers", 0)
	v.SetDefault("provider.parallelism", 2)

	v.SetDefault("mapping.similarity_threshold", 0.3)
	v.SetDefault("mapping.max_queries", 3)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.lease_ttl", "5m")
	v.SetDefault("worker.heartbeat_interval", "10s")
	v.SetDefault("worker.heartbeat_ttl", "1m")
	v.SetDefault("worker.drain_timeout", "30s")
	v.SetDefault("worker.stalled_interval", "1m")
	v.SetDefault("worker.verify_sample", 3)
	v.SetDefault("worker.poll_interval", "1s")

	v.SetDefault("discovery.strategy", "balanced")
	v.SetDefault("discovery.page_size", 1000)
	v.SetDefault("discovery.batch_size", 500)
	v.SetDefault("discovery.batch_pause", "1s")
	v.SetDefault("discovery.min_popularity", 100)
	v.SetDefault("discovery.min_score", 50)
	v.SetDefault("discovery.jitter", 10)

	v.SetDefault("coverage.min_episodes_any_track", 0)

	v.SetDefault("recovery.rate_limit_base", "30s")
	v.SetDefault("recovery.rate_limit_max", "10m")
	v.SetDefault("recovery.rate_limit_penalty", 10)
	v.SetDefault("recovery.mapping_delay", "30s")
	v.SetDefault("recovery.mapping_penalty", 5)
	v.SetDefault("recovery.network_base", "1s")
	v.SetDefault("recovery.network_max", "30s")
	v.SetDefault("recovery.network_max_retries", 5)
	v.SetDefault("recovery.parse_delay", "5s")
	v.SetDefault("recovery.parse_max_retries", 1)
	v.SetDefault("recovery.missing_delay", "30s")
	v.SetDefault("recovery.missing_max_retries", 1)
	v.SetDefault("recovery.generic_step", "10s")
	v.SetDefault("recovery.generic_max_retries", 2)
	v.SetDefault("recovery.global_max_retries", 5)

	v.SetDefault("monitor.interval", "5s")
	v.SetDefault("monitor.failure_warning", 0.10)
	v.SetDefault("monitor.failure_critical", 0.30)
	v.SetDefault("monitor.memory_warning", 0.80)
	v.SetDefault("monitor.memory_critical", 0.95)
	v.SetDefault("monitor.memory_limit_mb", 0)
	v.SetDefault("monitor.stalled_warning", 1)
	v.SetDefault("monitor.stalled_critical", 10)

	v.SetDefault("publisher.backend", PublisherNone)
	v.SetDefault("publisher.project_id", "")
	v.SetDefault("publisher.completed_topic", "anime-completed")
	v.SetDefault("publisher.alerts_topic", "crawler-alerts")

	v.SetDefault("report.backend", ReportNone)
	v.SetDefault("report.dir", "data/reports")
	v.SetDefault("report.bucket", "")
	v.SetDefault("report.prefix", "reports")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.KV.Backend {
	case KVBadger:
		if !c.KV.Badger.InMemory && c.KV.Badger.Path == "" {
			return fmt.Errorf("kv.badger.path is required unless kv.badger.in_memory is set")
		}
	case KVPostgres:
		if c.KV.Postgres.DSN == "" {
			return fmt.Errorf("kv.postgres.dsn must be set when kv.backend is postgres")
		}
	default:
		return fmt.Errorf("kv.backend must be %q or %q, got %q", KVBadger, KVPostgres, c.KV.Backend)
	}
	if c.Provider.RequestTimeout <= 0 {
		return fmt.Errorf("provider.request_timeout must be > 0")
	}
	if c.Provider.MaxRetries < 0 {
		return fmt.Errorf("provider.max_retries must be >= 0")
	}
	if t := c.Mapping.SimilarityThreshold; t <= 0 || t >= 1 {
		return fmt.Errorf("mapping.similarity_threshold must be in (0,1)")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.LeaseTTL <= 0 {
		return fmt.Errorf("worker.lease_ttl must be > 0")
	}
	if c.Worker.HeartbeatTTL > 0 && c.Worker.HeartbeatTTL < c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker.heartbeat_ttl must be >= worker.heartbeat_interval")
	}
	switch strings.ToLower(c.Discovery.Strategy) {
	case "", "balanced", "airing", "popularity":
	default:
		return fmt.Errorf("discovery.strategy must be balanced, airing or popularity")
	}
	if c.Discovery.BatchSize <= 0 || c.Discovery.PageSize <= 0 {
		return fmt.Errorf("discovery.batch_size and discovery.page_size must be > 0")
	}
	if c.Recovery.GlobalMaxRetries <= 0 {
		return fmt.Errorf("recovery.global_max_retries must be > 0")
	}
	if c.Monitor.FailureWarning > c.Monitor.FailureCritical {
		return fmt.Errorf("monitor.failure_warning must be <= monitor.failure_critical")
	}
	switch c.Publisher.Backend {
	case PublisherNone, PublisherMemory:
	case PublisherPubSub:
		if c.Publisher.ProjectID == "" {
			return fmt.Errorf("publisher.project_id must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("unknown publisher.backend %q", c.Publisher.Backend)
	}
	switch c.Report.Backend {
	case ReportNone:
	case ReportLocal:
		if c.Report.Dir == "" {
			return fmt.Errorf("report.dir must be set for the local backend")
		}
	case ReportGCS:
		if c.Report.Bucket == "" {
			return fmt.Errorf("report.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown report.backend %q", c.Report.Backend)
	}
	return nil
}
