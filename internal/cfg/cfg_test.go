package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConnectionString(t *testing.T) {
	cfg := DatabaseConfig{Host: "localhost", Port: 5432, User: "user", Password: "pass", Name: "db", SSLMode: "disable"}
	want := "host=localhost port=5432 user=user password=pass dbname=db sslmode=disable"
	if got := cfg.ConnectionString(); got != want {
		t.Fatalf("connection string mismatch: %s", got)
	}
}

func TestNew(t *testing.T) {
	cfg := New()
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default server port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Scheduler.HeartbeatInterval != 10*time.Second {
		t.Errorf("expected default heartbeat interval 10s, got %s", cfg.Scheduler.HeartbeatInterval)
	}
	if cfg.Scheduler.HeartbeatStale != 60*time.Second {
		t.Errorf("expected default heartbeat-stale 60s, got %s", cfg.Scheduler.HeartbeatStale)
	}
	if cfg.Scheduler.TaskLease != 5*time.Minute {
		t.Errorf("expected default task lease 5m, got %s", cfg.Scheduler.TaskLease)
	}
	if cfg.Scheduler.DispatchRetry != 2*time.Second {
		t.Errorf("expected default dispatch retry 2s, got %s", cfg.Scheduler.DispatchRetry)
	}
	if cfg.Scheduler.DispatchDeadline != 10*time.Minute {
		t.Errorf("expected default dispatch deadline 10m, got %s", cfg.Scheduler.DispatchDeadline)
	}
	if cfg.Scheduler.MaxRetries != 3 {
		t.Errorf("expected default max retries 3, got %d", cfg.Scheduler.MaxRetries)
	}
	if cfg.Realtime.SessionIdleTimeout != 30*time.Second {
		t.Errorf("expected default session idle timeout 30s, got %s", cfg.Realtime.SessionIdleTimeout)
	}
	if cfg.Realtime.SessionMaxDuration != 4*time.Hour {
		t.Errorf("expected default session max duration 4h, got %s", cfg.Realtime.SessionMaxDuration)
	}
	if cfg.Retention.Schedule != "*/5 * * * *" {
		t.Errorf("expected default retention schedule, got %s", cfg.Retention.Schedule)
	}
	if cfg.ObjectStore.Driver != "localdisk" {
		t.Errorf("expected default object store driver localdisk, got %s", cfg.ObjectStore.Driver)
	}
}

func TestLoadFile_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := `
server:
  host: "192.168.1.1"
  port: 9000
database:
  host: "db.example.com"
  port: 5432
scheduler:
  max_retries: 5
`
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}
	if cfg.Server.Host != "192.168.1.1" {
		t.Errorf("expected host 192.168.1.1, got %s", cfg.Server.Host)
	}
	if cfg.Scheduler.MaxRetries != 5 {
		t.Errorf("expected max_retries override 5, got %d", cfg.Scheduler.MaxRetries)
	}
}

func TestLoadFile_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFile("/nonexistent/config.yaml")
	if err != nil {
		t.Fatalf("LoadFile should not error on missing file: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoad_WithEnvOverride(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("SERVER_HOST", "test.local")
	t.Setenv("SERVER_PORT", "3000")
	t.Setenv("MAX_RETRIES", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Host != "test.local" {
		t.Errorf("expected SERVER_HOST override test.local, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("expected SERVER_PORT override 3000, got %d", cfg.Server.Port)
	}
	if cfg.Scheduler.MaxRetries != 7 {
		t.Errorf("expected MAX_RETRIES override 7, got %d", cfg.Scheduler.MaxRetries)
	}
}

func TestLoad_AppliesDatabaseURLEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := `database: { dsn: "postgres://file-dsn" }`
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("DATABASE_URL", "postgres://env-dsn")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Database.DSN != "postgres://env-dsn" {
		t.Fatalf("expected DATABASE_URL override, got %q", cfg.Database.DSN)
	}
}
