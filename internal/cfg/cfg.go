// Package cfg provides the orchestrator process's own configuration,
// grounded on the teacher's pkg/config (nested tagged structs, YAML file
// plus env-var override) rather than the teacher's MarbleRun-coordinator-
// shaped internal/config, whose fields (Neo RPC, Supabase, MarbleRun
// ports) this control plane has no use for.
package cfg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the admin/control HTTP surface (internal/apihttp).
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls the Durable Store's Postgres connection.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// ConnectionString builds a PostgreSQL connection string from host
// parameters, used when DSN is not set directly.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// RedisConfig controls the KV Coordinator's backing Redis instance.
type RedisConfig struct {
	Addr     string `json:"addr" env:"REDIS_ADDR"`
	Password string `json:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" env:"REDIS_DB"`
	Prefix   string `json:"prefix" env:"REDIS_PREFIX"`
}

// ObjectStoreConfig selects and configures the C3 object store backend.
type ObjectStoreConfig struct {
	Driver      string `json:"driver" env:"OBJECTSTORE_DRIVER"` // "localdisk" or "s3"
	BaseDir     string `json:"base_dir" env:"OBJECTSTORE_BASE_DIR"`
	URLPrefix   string `json:"url_prefix" env:"OBJECTSTORE_URL_PREFIX"`
	SigningSalt string `json:"signing_salt" env:"OBJECTSTORE_SIGNING_SALT"`
	S3Bucket    string `json:"s3_bucket" env:"OBJECTSTORE_S3_BUCKET"`
	S3Region    string `json:"s3_region" env:"OBJECTSTORE_S3_REGION"`
	S3Endpoint  string `json:"s3_endpoint" env:"OBJECTSTORE_S3_ENDPOINT"`
}

// SchedulerConfig tunes the Orchestrator Scheduler (C7); defaults mirror
// the spec's documented environment configuration table.
type SchedulerConfig struct {
	HeartbeatInterval  time.Duration `json:"heartbeat_interval" env:"T_HEARTBEAT"`
	HeartbeatStale     time.Duration `json:"heartbeat_stale" env:"T_HEARTBEAT_STALE"`
	TaskLease          time.Duration `json:"task_lease" env:"T_LEASE"`
	DispatchRetry      time.Duration `json:"dispatch_retry" env:"T_DISPATCH_RETRY"`
	DispatchDeadline   time.Duration `json:"dispatch_deadline" env:"T_DISPATCH_DEADLINE"`
	MaxRetries         int           `json:"max_retries" env:"MAX_RETRIES"`
	DispatchBatchSize  int           `json:"dispatch_batch_size" env:"SCHEDULER_DISPATCH_BATCH_SIZE"`
	ShardLeaseInterval time.Duration `json:"shard_lease_interval" env:"SCHEDULER_SHARD_LEASE_INTERVAL"`
}

// RealtimeConfig tunes the Realtime Session Router (C9).
type RealtimeConfig struct {
	MaxSessionsPerWorker int           `json:"max_sessions_per_worker" env:"MAX_SESSIONS_PER_WORKER"`
	SessionIdleTimeout   time.Duration `json:"session_idle_timeout" env:"SESSION_IDLE_TIMEOUT"`
	SessionMaxDuration   time.Duration `json:"session_max_duration" env:"SESSION_MAX_DURATION"`
	WorkerStaleAfter     time.Duration `json:"worker_stale_after" env:"REALTIME_WORKER_STALE_AFTER"`
	HealthLoopInterval   time.Duration `json:"health_loop_interval" env:"REALTIME_HEALTH_LOOP_INTERVAL"`
}

// WebhookConfig tunes the Webhook Dispatcher (C10).
type WebhookConfig struct {
	ClaimBatchSize int           `json:"claim_batch_size" env:"WEBHOOK_CLAIM_BATCH_SIZE"`
	PollInterval   time.Duration `json:"poll_interval" env:"WEBHOOK_POLL_INTERVAL"`
	RequestTimeout time.Duration `json:"request_timeout" env:"WEBHOOK_REQUEST_TIMEOUT"`
	RatePerSecond  float64       `json:"rate_per_second" env:"WEBHOOK_RATE_PER_SECOND"`
	RateBurst      int           `json:"rate_burst" env:"WEBHOOK_RATE_BURST"`
}

// RetentionConfig tunes the retention sweeper.
type RetentionConfig struct {
	Schedule  string `json:"schedule" env:"RETENTION_SCHEDULE"`
	BatchSize int    `json:"batch_size" env:"RETENTION_BATCH_SIZE"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Endpoint           string            `json:"endpoint" env:"TRACING_OTLP_ENDPOINT"`
	Insecure           bool              `json:"insecure" env:"TRACING_OTLP_INSECURE"`
	ServiceName        string            `json:"service_name" env:"TRACING_SERVICE_NAME"`
	ResourceAttributes map[string]string `json:"resource_attributes" mapstructure:"resource_attributes"`
	AttributesEnv      string            `json:"-" yaml:"-" env:"TRACING_OTLP_ATTRIBUTES"`
}

// Config is the top-level configuration for an orchestrator process.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Database    DatabaseConfig    `json:"database"`
	Redis       RedisConfig       `json:"redis"`
	ObjectStore ObjectStoreConfig `json:"objectstore"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Realtime    RealtimeConfig    `json:"realtime"`
	Webhook     WebhookConfig     `json:"webhook"`
	Retention   RetentionConfig   `json:"retention"`
	Logging     LoggingConfig     `json:"logging"`
	Tracing     TracingConfig     `json:"tracing"`
}

// New returns a configuration populated with the spec's documented
// defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "scribeflow:",
		},
		ObjectStore: ObjectStoreConfig{
			Driver:    "localdisk",
			BaseDir:   "./data/objects",
			URLPrefix: "http://localhost:8080/blobs",
		},
		Scheduler: SchedulerConfig{
			HeartbeatInterval:  10 * time.Second,
			HeartbeatStale:     60 * time.Second,
			TaskLease:          5 * time.Minute,
			DispatchRetry:      2 * time.Second,
			DispatchDeadline:   10 * time.Minute,
			MaxRetries:         3,
			DispatchBatchSize:  20,
			ShardLeaseInterval: 30 * time.Second,
		},
		Realtime: RealtimeConfig{
			MaxSessionsPerWorker: 4,
			SessionIdleTimeout:   30 * time.Second,
			SessionMaxDuration:   4 * time.Hour,
			WorkerStaleAfter:     30 * time.Second,
			HealthLoopInterval:   10 * time.Second,
		},
		Webhook: WebhookConfig{
			ClaimBatchSize: 20,
			PollInterval:   time.Second,
			RequestTimeout: 10 * time.Second,
			RatePerSecond:  5,
			RateBurst:      10,
		},
		Retention: RetentionConfig{
			Schedule:  "*/5 * * * *",
			BatchSize: 100,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "scribeflow",
		},
		Tracing: TracingConfig{},
	}
}

// Load loads configuration from an optional file (CONFIG_FILE or
// configs/config.yaml) and then environment overrides, in that
// precedence order.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged fields were present in the
		// environment; treat that as "no overrides" so local runs work
		// without exporting every variable.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	cfg.normalize()

	return cfg, nil
}

// LoadFile reads configuration from a YAML file, applying defaults first.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// LoadConfig reads configuration from a JSON file on top of the defaults,
// then applies the DATABASE_URL override.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

// applyDatabaseURLOverride mirrors the teacher's cmd/appserver precedence:
// DATABASE_URL overrides any file-based DSN to reduce setup friction.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	c.Tracing.normalize()
}

func (t *TracingConfig) normalize() {
	if t == nil {
		return
	}
	t.MergeAttributes(t.AttributesEnv)
}

// MergeAttributes merges comma-separated key=value pairs into
// ResourceAttributes.
func (t *TracingConfig) MergeAttributes(raw string) {
	if t == nil {
		return
	}
	pairs := parseAttributePairs(raw)
	if len(pairs) == 0 {
		return
	}
	if t.ResourceAttributes == nil {
		t.ResourceAttributes = make(map[string]string, len(pairs))
	}
	for k, v := range pairs {
		if k == "" {
			continue
		}
		t.ResourceAttributes[k] = v
	}
}

func parseAttributePairs(raw string) map[string]string {
	result := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := strings.TrimSpace(kv[0])
		if key == "" {
			continue
		}
		val := ""
		if len(kv) > 1 {
			val = strings.TrimSpace(kv[1])
		}
		result[key] = val
	}
	return result
}
