package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "test",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
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
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_NoRedisAddr(t *testing.T) {
	cfg := validConfig()
	cfg.Redis.Addr = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty redis.addr")
	}
}

func TestValidate_NegativeRedisDB(t *testing.T) {
	cfg := validConfig()
	cfg.Redis.DB = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative redis.db")
	}
}

func TestValidate_BatchIntervalZero(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.BatchIntervalMs = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for batch_interval_ms = 0")
	}
}

func TestValidate_BatchMaxSizeZero(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.BatchMaxSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for batch_max_size = 0")
	}
}

func TestValidate_HistoryConcurrencyZero(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.HistoryQueueConcurrency = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for history_queue_concurrency = 0")
	}
}

func TestValidate_LatestConcurrencyNegative(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.LatestQueueConcurrency = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative latest_queue_concurrency")
	}
}

func TestValidate_MaxAttemptsZero(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.JobMaxAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for job_max_attempts = 0")
	}
}

func TestValidate_MaxHistoryEntriesZero(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.MaxHistoryEntries = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max_history_entries = 0")
	}
}

func TestValidate_NegativeCoordinateThreshold(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.DuplicateCoordinateThreshold = -0.1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative duplicate_coordinate_threshold")
	}
}

func TestValidate_DuplicateCacheSizeZero(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.DuplicateCacheSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate_cache_size = 0 with dedup enabled")
	}
}

func TestValidate_DuplicateCacheSizeZeroDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.DuplicateEnabled = false
	cfg.Ingest.DuplicateCacheSize = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config with dedup disabled, got error: %v", err)
	}
}

func TestValidate_ShutdownTimeoutZero(t *testing.T) {
	cfg := validConfig()
	cfg.Service.ShutdownTimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for shutdown_timeout_seconds = 0")
	}
}

func TestValidate_KafkaEnabledNoBrokers(t *testing.T) {
	cfg := validConfig()
	cfg.Kafka.Enabled = true
	cfg.Kafka.GroupID = "g1"
	cfg.Kafka.Topics = []string{"t1"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for kafka enabled without brokers")
	}
}

func TestValidate_KafkaDisabledNoBrokers(t *testing.T) {
	cfg := validConfig()
	cfg.Kafka.Enabled = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config with kafka disabled, got error: %v", err)
	}
}

func writeMinimalYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
redis:
  addr: "redis-test:6379"
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	p := writeMinimalYAML(t)

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Redis.Addr != "redis-test:6379" {
		t.Errorf("expected addr from file, got %q", cfg.Redis.Addr)
	}
	if cfg.Ingest.BatchIntervalMs != 10000 {
		t.Errorf("expected default batch_interval_ms 10000, got %d", cfg.Ingest.BatchIntervalMs)
	}
	if cfg.Ingest.HistoryQueueConcurrency != 5 {
		t.Errorf("expected default history_queue_concurrency 5, got %d", cfg.Ingest.HistoryQueueConcurrency)
	}
	if cfg.Ingest.LatestQueueConcurrency != 3 {
		t.Errorf("expected default latest_queue_concurrency 3, got %d", cfg.Ingest.LatestQueueConcurrency)
	}
	if !cfg.Ingest.DuplicateEnabled {
		t.Error("expected duplicate detection enabled by default")
	}
	if cfg.Kafka.Enabled {
		t.Error("expected kafka disabled by default")
	}
}

func TestLoad_EnvOverrideAddr(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("GPS_GATEWAY_REDIS__ADDR", "envhost:6380")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Redis.Addr != "envhost:6380" {
		t.Errorf("expected addr from env, got %q", cfg.Redis.Addr)
	}
}

func TestLoad_EnvOverrideLogLevel(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("GPS_GATEWAY_SERVICE__LOG_LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.LogLevel != "debug" {
		t.Errorf("expected log_level 'debug' from env, got %q", cfg.Service.LogLevel)
	}
}

func TestLoad_EnvEmptyAddrFailsValidation(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("GPS_GATEWAY_REDIS__ADDR", "")

	_, err := Load(p)
	if err == nil {
		t.Fatal("expected validation error for empty redis.addr via env")
	}
}

func TestLoad_KafkaBrokersCommaSplit(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("GPS_GATEWAY_KAFKA__BROKERS", "k1:9092,k2:9092")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[0] != "k1:9092" || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("expected split brokers, got %v", cfg.Kafka.Brokers)
	}
}
