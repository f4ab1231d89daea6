package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service ServiceConfig `koanf:"service"`
	Redis   RedisConfig   `koanf:"redis"`
	Ingest  IngestConfig  `koanf:"ingest"`
	Kafka   KafkaConfig   `koanf:"kafka"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type RedisConfig struct {
	Addr         string `koanf:"addr"`
	Password     string `koanf:"password"`
	DB           int    `koanf:"db"`
	PoolSize     int    `koanf:"pool_size"`
	MinIdleConns int    `koanf:"min_idle_conns"`
}

type IngestConfig struct {
	BatchIntervalMs         int `koanf:"batch_interval_ms"`
	BatchMaxSize            int `koanf:"batch_max_size"`
	HistoryQueueConcurrency int `koanf:"history_queue_concurrency"`
	LatestQueueConcurrency  int `koanf:"latest_queue_concurrency"`
	JobMaxAttempts          int `koanf:"job_max_attempts"`
	JobTimeoutMs            int `koanf:"job_timeout_ms"`
	MaxHistoryEntries       int `koanf:"max_history_entries"`
	MaxAgeMs                int `koanf:"max_age_ms"`
	MaxFutureMs             int `koanf:"max_future_ms"`

	DuplicateEnabled             bool    `koanf:"duplicate_enabled"`
	DuplicateTimeThresholdMs     int     `koanf:"duplicate_time_threshold_ms"`
	DuplicateCoordinateThreshold float64 `koanf:"duplicate_coordinate_threshold"`
	DuplicateCacheSize           int     `koanf:"duplicate_cache_size"`

	CleanupEnabled        bool `koanf:"cleanup_enabled"`
	MaxDeviceInactivityMs int  `koanf:"max_device_inactivity_ms"`
	LatestKeyTTLSeconds   int  `koanf:"latest_key_ttl_s"`

	CompressPayloads   bool `koanf:"compress_payloads"`
	StoreBatchMetadata bool `koanf:"store_batch_metadata"`
}

type KafkaConfig struct {
	Enabled       bool       `koanf:"enabled"`
	Brokers       []string   `koanf:"brokers"`
	GroupID       string     `koanf:"group_id"`
	Topics        []string   `koanf:"topics"`
	ClientID      string     `koanf:"client_id"`
	FetchMaxBytes int32      `koanf:"fetch_max_bytes"`
	TLS           TLSConfig  `koanf:"tls"`
	SASL          SASLConfig `koanf:"sasl"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: GPS_GATEWAY_REDIS__ADDR → redis.addr
	if err := k.Load(env.Provider("GPS_GATEWAY_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "GPS_GATEWAY_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "gps-gateway-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MinIdleConns: 2,
		},
		Ingest: IngestConfig{
			BatchIntervalMs:         10000,
			BatchMaxSize:            100,
			HistoryQueueConcurrency: 5,
			LatestQueueConcurrency:  3,
			JobMaxAttempts:          3,
			JobTimeoutMs:            30000,
			MaxHistoryEntries:       100000,
			MaxAgeMs:                86400000,
			MaxFutureMs:             300000,

			DuplicateEnabled:             true,
			DuplicateTimeThresholdMs:     1000,
			DuplicateCoordinateThreshold: 0.0001,
			DuplicateCacheSize:           1000,

			CleanupEnabled:      true,
			LatestKeyTTLSeconds: 604800,
		},
		Kafka: KafkaConfig{
			GroupID:       "gps-gateway",
			ClientID:      "gps-gateway",
			FetchMaxBytes: 52428800,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}
	if len(cfg.Kafka.Topics) == 1 && strings.Contains(cfg.Kafka.Topics[0], ",") {
		cfg.Kafka.Topics = strings.Split(cfg.Kafka.Topics[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr is required")
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("config: redis.db must be >= 0 (got %d)", c.Redis.DB)
	}
	if c.Redis.PoolSize <= 0 {
		return fmt.Errorf("config: redis.pool_size must be > 0 (got %d)", c.Redis.PoolSize)
	}
	if c.Redis.MinIdleConns < 0 {
		return fmt.Errorf("config: redis.min_idle_conns must be >= 0 (got %d)", c.Redis.MinIdleConns)
	}
	if c.Ingest.BatchIntervalMs <= 0 {
		return fmt.Errorf("config: ingest.batch_interval_ms must be > 0 (got %d)", c.Ingest.BatchIntervalMs)
	}
	if c.Ingest.BatchMaxSize <= 0 {
		return fmt.Errorf("config: ingest.batch_max_size must be > 0 (got %d)", c.Ingest.BatchMaxSize)
	}
	if c.Ingest.HistoryQueueConcurrency <= 0 {
		return fmt.Errorf("config: ingest.history_queue_concurrency must be > 0 (got %d)", c.Ingest.HistoryQueueConcurrency)
	}
	if c.Ingest.LatestQueueConcurrency <= 0 {
		return fmt.Errorf("config: ingest.latest_queue_concurrency must be > 0 (got %d)", c.Ingest.LatestQueueConcurrency)
	}
	if c.Ingest.JobMaxAttempts <= 0 {
		return fmt.Errorf("config: ingest.job_max_attempts must be > 0 (got %d)", c.Ingest.JobMaxAttempts)
	}
	if c.Ingest.JobTimeoutMs <= 0 {
		return fmt.Errorf("config: ingest.job_timeout_ms must be > 0 (got %d)", c.Ingest.JobTimeoutMs)
	}
	if c.Ingest.MaxHistoryEntries <= 0 {
		return fmt.Errorf("config: ingest.max_history_entries must be > 0 (got %d)", c.Ingest.MaxHistoryEntries)
	}
	if c.Ingest.MaxAgeMs <= 0 {
		return fmt.Errorf("config: ingest.max_age_ms must be > 0 (got %d)", c.Ingest.MaxAgeMs)
	}
	if c.Ingest.MaxFutureMs <= 0 {
		return fmt.Errorf("config: ingest.max_future_ms must be > 0 (got %d)", c.Ingest.MaxFutureMs)
	}
	if c.Ingest.DuplicateTimeThresholdMs < 0 {
		return fmt.Errorf("config: ingest.duplicate_time_threshold_ms must be >= 0 (got %d)", c.Ingest.DuplicateTimeThresholdMs)
	}
	if c.Ingest.DuplicateCoordinateThreshold < 0 {
		return fmt.Errorf("config: ingest.duplicate_coordinate_threshold must be >= 0 (got %g)", c.Ingest.DuplicateCoordinateThreshold)
	}
	if c.Ingest.DuplicateEnabled && c.Ingest.DuplicateCacheSize <= 0 {
		return fmt.Errorf("config: ingest.duplicate_cache_size must be > 0 (got %d)", c.Ingest.DuplicateCacheSize)
	}
	if c.Ingest.MaxDeviceInactivityMs < 0 {
		return fmt.Errorf("config: ingest.max_device_inactivity_ms must be >= 0 (got %d)", c.Ingest.MaxDeviceInactivityMs)
	}
	if c.Ingest.LatestKeyTTLSeconds < 0 {
		return fmt.Errorf("config: ingest.latest_key_ttl_s must be >= 0 (got %d)", c.Ingest.LatestKeyTTLSeconds)
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("config: kafka.brokers is required when kafka.enabled")
		}
		if c.Kafka.GroupID == "" {
			return fmt.Errorf("config: kafka.group_id is required when kafka.enabled")
		}
		if len(c.Kafka.Topics) == 0 {
			return fmt.Errorf("config: kafka.topics is required when kafka.enabled")
		}
		if c.Kafka.FetchMaxBytes <= 0 {
			return fmt.Errorf("config: kafka.fetch_max_bytes must be > 0 (got %d)", c.Kafka.FetchMaxBytes)
		}
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
