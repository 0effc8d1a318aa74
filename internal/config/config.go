package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Security    SecurityConfig    `yaml:"security"`
	RateLimits  RateLimitConfig   `yaml:"rate_limits"`
	Consent     ConsentConfig     `yaml:"consent"`
	AIS         AISConfig         `yaml:"ais"`
	Bulk        BulkConfig        `yaml:"bulk"`
	FX          FXConfig          `yaml:"fx"`
	Saga        SagaConfig        `yaml:"saga"`
	Outbox      OutboxConfig      `yaml:"outbox"`
	Directory   DirectoryConfig   `yaml:"directory"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Redis       RedisConfig       `yaml:"redis"`
	PubSub      PubSubConfig      `yaml:"pubsub"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type SecurityConfig struct {
	Issuer            string        `yaml:"issuer"`
	Audiences         []string      `yaml:"audiences"`
	JWKSURL           string        `yaml:"jwks_url"`
	JWKSCacheTTL      time.Duration `yaml:"jwks_cache_ttl"`
	AuthDateSkew      time.Duration `yaml:"auth_date_skew"`
	DPoPProofSkew     time.Duration `yaml:"dpop_proof_skew"`
	DPoPReplayWindow  time.Duration `yaml:"dpop_replay_window"`
	PARRequestTTL     time.Duration `yaml:"par_request_ttl"`
	RequireClientCert bool          `yaml:"require_client_cert"`
}

type RateLimitConfig struct {
	AISCallsPerMinute     int     `yaml:"ais_calls_per_minute"`
	GeneralCallsPerMinute int     `yaml:"general_calls_per_minute"`
	MaxConcurrentBulk     int     `yaml:"max_concurrent_bulk"`
	BurstFraction         float64 `yaml:"burst_fraction"`
}

type ConsentConfig struct {
	SnapshotEvery   int           `yaml:"snapshot_every"`
	ExpirySweep     time.Duration `yaml:"expiry_sweep"`
	DefaultValidity int           `yaml:"default_validity_days"`
}

type AISConfig struct {
	DefaultPageSize int           `yaml:"default_page_size"`
	MaxPageSize     int           `yaml:"max_page_size"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
}

type BulkConfig struct {
	MaxFileSizeBytes      int64         `yaml:"max_file_size_bytes"`
	StatusPollsToComplete int           `yaml:"status_polls_to_complete"`
	ReportCacheTTL        time.Duration `yaml:"report_cache_ttl"`
}

type FXConfig struct {
	QuoteTTL      time.Duration `yaml:"quote_ttl"`
	RateScale     int           `yaml:"rate_scale"`
	QuoteCacheTTL time.Duration `yaml:"quote_cache_ttl"`
}

type SagaConfig struct {
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBase       time.Duration `yaml:"retry_base"`
	RetryCap        time.Duration `yaml:"retry_cap"`
}

type OutboxConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	LagThreshold int           `yaml:"lag_threshold"`
}

type DirectoryConfig struct {
	BaseURL     string        `yaml:"base_url"`
	MaxTTL      time.Duration `yaml:"max_ttl"`
	NegativeTTL time.Duration `yaml:"negative_ttl"`
	Timeout     time.Duration `yaml:"timeout"`
}

type IdempotencyConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

// Load reads the YAML config file and fills in defaults for anything the
// file leaves at zero.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a config with all defaults applied. Used for local
// development and tests when no config file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Security.Issuer == "" {
		c.Security.Issuer = "https://auth.openfinance.local"
	}
	if len(c.Security.Audiences) == 0 {
		c.Security.Audiences = []string{"banking-api", "open-banking-api"}
	}
	if c.Security.JWKSCacheTTL == 0 {
		c.Security.JWKSCacheTTL = 5 * time.Minute
	}
	if c.Security.AuthDateSkew == 0 {
		c.Security.AuthDateSkew = 60 * time.Second
	}
	if c.Security.DPoPProofSkew == 0 {
		c.Security.DPoPProofSkew = 60 * time.Second
	}
	if c.Security.DPoPReplayWindow == 0 {
		c.Security.DPoPReplayWindow = 5 * time.Minute
	}
	if c.Security.PARRequestTTL == 0 {
		c.Security.PARRequestTTL = 60 * time.Second
	}
	if c.RateLimits.AISCallsPerMinute == 0 {
		c.RateLimits.AISCallsPerMinute = 500
	}
	if c.RateLimits.GeneralCallsPerMinute == 0 {
		c.RateLimits.GeneralCallsPerMinute = 1000
	}
	if c.RateLimits.MaxConcurrentBulk == 0 {
		c.RateLimits.MaxConcurrentBulk = 10
	}
	if c.RateLimits.BurstFraction == 0 {
		c.RateLimits.BurstFraction = 0.10
	}
	if c.Consent.SnapshotEvery == 0 {
		c.Consent.SnapshotEvery = 100
	}
	if c.Consent.ExpirySweep == 0 {
		c.Consent.ExpirySweep = time.Minute
	}
	if c.Consent.DefaultValidity == 0 {
		c.Consent.DefaultValidity = 90
	}
	if c.AIS.DefaultPageSize == 0 {
		c.AIS.DefaultPageSize = 25
	}
	if c.AIS.MaxPageSize == 0 {
		c.AIS.MaxPageSize = 100
	}
	if c.AIS.CacheTTL == 0 {
		c.AIS.CacheTTL = 30 * time.Second
	}
	if c.Bulk.MaxFileSizeBytes == 0 {
		c.Bulk.MaxFileSizeBytes = 5 << 20
	}
	if c.Bulk.StatusPollsToComplete == 0 {
		c.Bulk.StatusPollsToComplete = 3
	}
	if c.Bulk.ReportCacheTTL == 0 {
		c.Bulk.ReportCacheTTL = 5 * time.Minute
	}
	if c.FX.QuoteTTL == 0 {
		c.FX.QuoteTTL = 5 * time.Minute
	}
	if c.FX.RateScale == 0 {
		c.FX.RateScale = 6
	}
	if c.FX.QuoteCacheTTL == 0 {
		c.FX.QuoteCacheTTL = 30 * time.Second
	}
	if c.Saga.DefaultTimeout == 0 {
		c.Saga.DefaultTimeout = 5 * time.Minute
	}
	if c.Saga.MonitorInterval == 0 {
		c.Saga.MonitorInterval = 15 * time.Second
	}
	if c.Saga.MaxRetries == 0 {
		c.Saga.MaxRetries = 3
	}
	if c.Saga.RetryBase == 0 {
		c.Saga.RetryBase = 200 * time.Millisecond
	}
	if c.Saga.RetryCap == 0 {
		c.Saga.RetryCap = 5 * time.Second
	}
	if c.Outbox.PollInterval == 0 {
		c.Outbox.PollInterval = 250 * time.Millisecond
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.LagThreshold == 0 {
		c.Outbox.LagThreshold = 10000
	}
	if c.Directory.MaxTTL == 0 {
		c.Directory.MaxTTL = time.Hour
	}
	if c.Directory.NegativeTTL == 0 {
		c.Directory.NegativeTTL = time.Minute
	}
	if c.Directory.Timeout == 0 {
		c.Directory.Timeout = 5 * time.Second
	}
	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = 24 * time.Hour
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
	if c.Postgres.DSN == "" {
		c.Postgres.DSN = os.Getenv("DATABASE_URL")
	}
	if c.PubSub.ProjectID == "" {
		c.PubSub.ProjectID = os.Getenv("PUBSUB_PROJECT_ID")
	}
	if c.PubSub.TopicID == "" {
		c.PubSub.TopicID = os.Getenv("PUBSUB_TOPIC_ID")
	}
}
