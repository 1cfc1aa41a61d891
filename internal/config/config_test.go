package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("DEVICE_TOKEN", "")

	cfg := Load()
	if cfg.JWTSecret != "" {
		t.Fatalf("expected empty JWT_SECRET when unset, got %q", cfg.JWTSecret)
	}
	if cfg.DeviceToken != "" {
		t.Fatalf("expected empty DEVICE_TOKEN when unset, got %q", cfg.DeviceToken)
	}
}

func TestLoadReadsSyncSettingsFromEnv(t *testing.T) {
	t.Setenv("MAX_RETRY_COUNT", "8")
	t.Setenv("BACKOFF_BASE_MS", "250")
	t.Setenv("BACKOFF_CAP_MS", "4000")
	t.Setenv("BACKOFF_JITTER", "0.1")
	t.Setenv("SYNC_BATCH_SIZE", "20")
	t.Setenv("ENFORCE_NO_NEGATIVE_STOCK", "false")
	t.Setenv("SYNC_INTERVAL", "45s")

	cfg := Load()
	if cfg.MaxRetryCount != 8 {
		t.Fatalf("expected max retry 8, got %d", cfg.MaxRetryCount)
	}
	if cfg.BackoffBase != 250*time.Millisecond || cfg.BackoffCap != 4*time.Second {
		t.Fatalf("unexpected backoff %s..%s", cfg.BackoffBase, cfg.BackoffCap)
	}
	if cfg.BackoffJitter != 0.1 {
		t.Fatalf("expected jitter 0.1, got %v", cfg.BackoffJitter)
	}
	if cfg.BatchSize != 20 {
		t.Fatalf("expected batch size 20, got %d", cfg.BatchSize)
	}
	if cfg.EnforceNoNegativeStock {
		t.Fatalf("expected negative stock enforcement to be disabled")
	}
	if cfg.SyncInterval != 45*time.Second {
		t.Fatalf("expected interval 45s, got %s", cfg.SyncInterval)
	}
}

func TestLoadFallsBackOnInvalidValues(t *testing.T) {
	t.Setenv("MAX_RETRY_COUNT", "zero")
	t.Setenv("SYNC_BATCH_SIZE", "-4")
	t.Setenv("BACKOFF_JITTER", "1.5")
	t.Setenv("REMOTE_TIMEOUT", "soon")

	cfg := Load()
	d := Defaults()
	if cfg.MaxRetryCount != d.MaxRetryCount {
		t.Fatalf("expected default max retry, got %d", cfg.MaxRetryCount)
	}
	if cfg.BatchSize != d.BatchSize {
		t.Fatalf("expected default batch size, got %d", cfg.BatchSize)
	}
	if cfg.BackoffJitter != d.BackoffJitter {
		t.Fatalf("expected default jitter, got %v", cfg.BackoffJitter)
	}
	if cfg.RemoteTimeout != d.RemoteTimeout {
		t.Fatalf("expected default remote timeout, got %s", cfg.RemoteTimeout)
	}
}

func TestLoadFileOverlaysDefaultsAndEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.yaml")
	body := []byte(`
device_db_path: /var/lib/ledgerpos/kasir.db
remote_base_url: https://sync.example.test
device_user_id: toko-1
batch_size: 10
sync_interval: 2m
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SYNC_BATCH_SIZE", "25")
	t.Setenv("DEVICE_USER_ID", "")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if cfg.DeviceDBPath != "/var/lib/ledgerpos/kasir.db" {
		t.Fatalf("unexpected db path %q", cfg.DeviceDBPath)
	}
	if cfg.DeviceUserID != "toko-1" {
		t.Fatalf("expected user from file, got %q", cfg.DeviceUserID)
	}
	if cfg.SyncInterval != 2*time.Minute {
		t.Fatalf("expected interval from file, got %s", cfg.SyncInterval)
	}
	if cfg.BatchSize != 25 {
		t.Fatalf("expected env batch size to win, got %d", cfg.BatchSize)
	}
	if !cfg.EnforceNoNegativeStock {
		t.Fatalf("expected unset file keys to keep defaults")
	}
}

func TestLoadFileReportsMissingFile(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing config file to fail")
	}
}

func TestLoadFileReadsMillisecondBackoffKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.yaml")
	body := []byte(`
max_retry_count: 3
backoff_base_ms: 500
backoff_cap_ms: 4000
jitter: 1
batch_size: 20
enforce_no_negative_stock: false
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	for _, key := range []string{"MAX_RETRY_COUNT", "BACKOFF_BASE_MS", "BACKOFF_CAP_MS", "BACKOFF_JITTER", "SYNC_BATCH_SIZE", "ENFORCE_NO_NEGATIVE_STOCK"} {
		t.Setenv(key, "")
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if cfg.MaxRetryCount != 3 {
		t.Fatalf("expected max retry 3, got %d", cfg.MaxRetryCount)
	}
	if cfg.BackoffBase != 500*time.Millisecond || cfg.BackoffCap != 4*time.Second {
		t.Fatalf("unexpected backoff %s..%s", cfg.BackoffBase, cfg.BackoffCap)
	}
	if cfg.BackoffJitter != 1 {
		t.Fatalf("expected full jitter to be accepted, got %v", cfg.BackoffJitter)
	}
	if cfg.BatchSize != 20 || cfg.EnforceNoNegativeStock {
		t.Fatalf("unexpected batch size %d or enforcement %v", cfg.BatchSize, cfg.EnforceNoNegativeStock)
	}
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.yaml")
	if err := os.WriteFile(path, []byte("backoff_base: 1s\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected unknown key to fail")
	}
}

func TestLoadFileAcceptsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load empty file: %v", err)
	}
	if cfg.DeviceDBPath == "" {
		t.Fatalf("expected defaults for an empty file")
	}
}
