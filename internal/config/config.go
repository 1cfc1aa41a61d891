package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port            string        `yaml:"port"`
	AllowedOrigin   string        `yaml:"allowed_origin"`
	DatabaseURL     string        `yaml:"database_url"`
	RedisAddr       string        `yaml:"redis_addr"`
	RedisPassword   string        `yaml:"redis_password"`
	RedisDB         int           `yaml:"redis_db"`
	AppliedCacheTTL time.Duration `yaml:"applied_cache_ttl"`
	JWTSecret       string        `yaml:"jwt_secret"`

	DeviceDBPath  string `yaml:"device_db_path"`
	RemoteBaseURL string `yaml:"remote_base_url"`
	DeviceUserID  string `yaml:"device_user_id"`
	DeviceToken   string `yaml:"device_token"`

	MaxRetryCount          int           `yaml:"max_retry_count"`
	// Backoff bounds are read from backoff_base_ms and backoff_cap_ms.
	BackoffBase            time.Duration `yaml:"-"`
	BackoffCap             time.Duration `yaml:"-"`
	BackoffJitter          float64       `yaml:"jitter"`
	BatchSize              int           `yaml:"batch_size"`
	EnforceNoNegativeStock bool          `yaml:"enforce_no_negative_stock"`
	SyncInterval           time.Duration `yaml:"sync_interval"`
	RemoteTimeout          time.Duration `yaml:"remote_timeout"`
	ProbeInterval          time.Duration `yaml:"connectivity_probe_interval"`
	SyncedRetention        time.Duration `yaml:"synced_retention"`
}

func Defaults() Config {
	return Config{
		Port:                   "8080",
		AllowedOrigin:          "http://127.0.0.1:3000",
		AppliedCacheTTL:        24 * time.Hour,
		DeviceDBPath:           "ledgerpos.db",
		MaxRetryCount:          5,
		BackoffBase:            time.Second,
		BackoffCap:             time.Minute,
		BackoffJitter:          0.2,
		BatchSize:              50,
		EnforceNoNegativeStock: true,
		SyncInterval:           30 * time.Second,
		RemoteTimeout:          10 * time.Second,
		ProbeInterval:          15 * time.Second,
		SyncedRetention:        24 * time.Hour,
	}
}

// Load reads .env when present and then the process environment.
func Load() Config {
	_ = godotenv.Load()
	cfg := Defaults()
	applyEnv(&cfg)
	return cfg
}

// fileConfig is the YAML document shape. Millisecond keys match the
// BACKOFF_*_MS environment variables.
type fileConfig struct {
	Config        `yaml:",inline"`
	BackoffBaseMS int `yaml:"backoff_base_ms"`
	BackoffCapMS  int `yaml:"backoff_cap_ms"`
}

// LoadFile layers a YAML file between the defaults and the environment.
// Unknown keys are an error. An empty path behaves like Load.
func LoadFile(path string) (Config, error) {
	_ = godotenv.Load()
	cfg := Defaults()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		defer f.Close()

		doc := fileConfig{Config: cfg}
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg = doc.Config
		if doc.BackoffBaseMS > 0 {
			cfg.BackoffBase = time.Duration(doc.BackoffBaseMS) * time.Millisecond
		}
		if doc.BackoffCapMS > 0 {
			cfg.BackoffCap = time.Duration(doc.BackoffCapMS) * time.Millisecond
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnv("APP_PORT", cfg.Port)
	cfg.AllowedOrigin = getEnv("ALLOWED_ORIGIN", cfg.AllowedOrigin)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getInt("REDIS_DB", cfg.RedisDB)
	cfg.AppliedCacheTTL = getDuration("APPLIED_CACHE_TTL", cfg.AppliedCacheTTL)
	cfg.JWTSecret = strings.TrimSpace(getEnv("JWT_SECRET", cfg.JWTSecret))

	cfg.DeviceDBPath = getEnv("DEVICE_DB_PATH", cfg.DeviceDBPath)
	cfg.RemoteBaseURL = getEnv("REMOTE_BASE_URL", cfg.RemoteBaseURL)
	cfg.DeviceUserID = strings.TrimSpace(getEnv("DEVICE_USER_ID", cfg.DeviceUserID))
	cfg.DeviceToken = strings.TrimSpace(getEnv("DEVICE_TOKEN", cfg.DeviceToken))

	cfg.MaxRetryCount = getInt("MAX_RETRY_COUNT", cfg.MaxRetryCount)
	cfg.BackoffBase = getMillis("BACKOFF_BASE_MS", cfg.BackoffBase)
	cfg.BackoffCap = getMillis("BACKOFF_CAP_MS", cfg.BackoffCap)
	cfg.BackoffJitter = getFloat("BACKOFF_JITTER", cfg.BackoffJitter)
	cfg.BatchSize = getInt("SYNC_BATCH_SIZE", cfg.BatchSize)
	cfg.EnforceNoNegativeStock = getBool("ENFORCE_NO_NEGATIVE_STOCK", cfg.EnforceNoNegativeStock)
	cfg.SyncInterval = getDuration("SYNC_INTERVAL", cfg.SyncInterval)
	cfg.RemoteTimeout = getDuration("REMOTE_TIMEOUT", cfg.RemoteTimeout)
	cfg.ProbeInterval = getDuration("CONNECTIVITY_PROBE_INTERVAL", cfg.ProbeInterval)
	cfg.SyncedRetention = getDuration("SYNCED_RETENTION", cfg.SyncedRetention)

	cfg.normalize()
}

// normalize puts out-of-range values back to their defaults.
func (c *Config) normalize() {
	d := Defaults()
	if c.MaxRetryCount < 1 {
		c.MaxRetryCount = d.MaxRetryCount
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = c.BackoffBase
	}
	if c.BackoffJitter < 0 || c.BackoffJitter > 1 {
		c.BackoffJitter = d.BackoffJitter
	}
	if c.BatchSize < 1 {
		c.BatchSize = d.BatchSize
	}
	if c.AppliedCacheTTL <= 0 {
		c.AppliedCacheTTL = d.AppliedCacheTTL
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	f, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func getMillis(key string, fallback time.Duration) time.Duration {
	ms, err := strconv.Atoi(getEnv(key, ""))
	if err != nil || ms < 1 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
