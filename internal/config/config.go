// Package config loads service configuration from a YAML file with
// environment-variable overrides. A .env file, if present, is loaded
// before the environment is read.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Storage      StorageConfig      `yaml:"storage"`
	Redis        RedisConfig        `yaml:"redis"`
	JWT          JWTConfig          `yaml:"jwt"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Quota        QuotaConfig        `yaml:"quota"`
	Session      SessionConfig      `yaml:"session"`
	Verification VerificationConfig `yaml:"verification"`
	Classifier   ClassifierConfig   `yaml:"classifier"`
	Webhooks     WebhooksConfig     `yaml:"webhooks"`
	Frontend     FrontendConfig     `yaml:"frontend"`
}

type ServerConfig struct {
	Port        string   `yaml:"port"`
	Env         string   `yaml:"env"` // development | production
	CORSOrigins []string `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
	// AllowMemoryFallback keeps sessions in a process-local map when
	// Postgres writes fail. Disable in production to fail closed.
	AllowMemoryFallback bool `yaml:"allow_memory_fallback"`
}

type StorageConfig struct {
	SupabaseURL string `yaml:"supabase_url"`
	ServiceKey  string `yaml:"service_key"`
	Bucket      string `yaml:"bucket"`
	// AllowDegraded returns synthetic artifact keys when the backend is
	// unreachable instead of failing the session.
	AllowDegraded           bool `yaml:"allow_degraded"`
	SignedURLExpirationSecs int  `yaml:"signed_url_expiration_seconds"`
	ArtifactRetentionDays   int  `yaml:"artifact_retention_days"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type JWTConfig struct {
	Secret                string `yaml:"secret"`
	Algorithm             string `yaml:"algorithm"`
	ExpirationHours       int    `yaml:"expiration_hours"`
	RefreshExpirationDays int    `yaml:"refresh_expiration_days"`
}

type RateLimitConfig struct {
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`
	APIRatePerMinute      int `yaml:"api_rate_limit_per_minute"`
}

type QuotaConfig struct {
	// FailOpen admits requests for tenants missing from the database.
	// Development default; production deployments run with false.
	FailOpen bool `yaml:"fail_open"`
}

type SessionConfig struct {
	ExpirationMinutes int `yaml:"expiration_minutes"`
	ExtensionMinutes  int `yaml:"extension_minutes"`
}

type VerificationConfig struct {
	FraudThreshold float64 `yaml:"fraud_threshold"`
	MinSamples     int     `yaml:"min_samples"`
	// AllowSyntheticFlow derives optical-flow values from the gyro series
	// when the flow pipeline produced nothing. Dev/test only.
	AllowSyntheticFlow bool `yaml:"allow_synthetic_flow"`
}

type ClassifierConfig struct {
	Endpoint       string `yaml:"endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	UseMock        bool   `yaml:"use_mock"`
}

type WebhooksConfig struct {
	Workers int `yaml:"workers"`
	// Cloud Tasks queue for durable delivery. Empty disables the cloud
	// path and the in-process dispatcher delivers directly.
	CloudProject  string `yaml:"cloud_project"`
	CloudLocation string `yaml:"cloud_location"`
	CloudQueue    string `yaml:"cloud_queue"`
	CallbackURL   string `yaml:"callback_url"`
}

type FrontendConfig struct {
	VerificationURL string `yaml:"verification_url"`
	DashboardURL    string `yaml:"dashboard_url"`
}

// Default returns the configuration with every tunable at its documented
// default. Loading a file or the environment overrides on top of this.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8080",
			Env:         "development",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:4200"},
		},
		Database: DatabaseConfig{
			AllowMemoryFallback: true,
		},
		Storage: StorageConfig{
			Bucket:                  "veraproof-artifacts",
			AllowDegraded:           true,
			SignedURLExpirationSecs: 3600,
			ArtifactRetentionDays:   90,
		},
		JWT: JWTConfig{
			Algorithm:             "HS256",
			ExpirationHours:       1,
			RefreshExpirationDays: 30,
		},
		RateLimit: RateLimitConfig{
			MaxConcurrentSessions: 10,
			APIRatePerMinute:      100,
		},
		Quota: QuotaConfig{
			FailOpen: true,
		},
		Session: SessionConfig{
			ExpirationMinutes: 15,
			ExtensionMinutes:  10,
		},
		Verification: VerificationConfig{
			FraudThreshold:     0.85,
			MinSamples:         10,
			AllowSyntheticFlow: true,
		},
		Classifier: ClassifierConfig{
			TimeoutSeconds: 10,
			UseMock:        true,
		},
		Webhooks: WebhooksConfig{
			Workers: 4,
		},
		Frontend: FrontendConfig{
			VerificationURL: "http://localhost:3000/verify",
			DashboardURL:    "http://localhost:4200",
		},
	}
}

// Load reads the YAML file at path (optional, may be "") and then applies
// environment overrides. Call once at startup.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.Server.Env == "production" {
		// Production fails closed on every degradation axis.
		cfg.Quota.FailOpen = false
		cfg.Verification.AllowSyntheticFlow = false
		cfg.Database.AllowMemoryFallback = false
		cfg.Storage.AllowDegraded = false
	}

	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("JWT_SECRET must be set")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr(&c.Server.Port, "PORT")
	envStr(&c.Server.Env, "VERAPROOF_ENV")
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			origins = append(origins, strings.TrimSpace(p))
		}
		c.Server.CORSOrigins = origins
	}

	envStr(&c.Database.URL, "DATABASE_URL")
	envStr(&c.Storage.SupabaseURL, "SUPABASE_URL")
	envStr(&c.Storage.ServiceKey, "SUPABASE_SERVICE_KEY")
	envStr(&c.Storage.Bucket, "ARTIFACT_BUCKET")
	envStr(&c.Redis.Addr, "REDIS_ADDR")
	envStr(&c.Redis.Password, "REDIS_PASSWORD")
	envStr(&c.JWT.Secret, "JWT_SECRET")
	envStr(&c.JWT.Algorithm, "JWT_ALGORITHM")
	envStr(&c.Classifier.Endpoint, "CLASSIFIER_ENDPOINT")
	envStr(&c.Webhooks.CallbackURL, "WEBHOOK_CALLBACK_URL")
	envStr(&c.Frontend.VerificationURL, "FRONTEND_VERIFICATION_URL")
	envStr(&c.Frontend.DashboardURL, "FRONTEND_DASHBOARD_URL")

	envInt(&c.RateLimit.MaxConcurrentSessions, "MAX_CONCURRENT_SESSIONS")
	envInt(&c.RateLimit.APIRatePerMinute, "API_RATE_LIMIT_PER_MINUTE")
	envInt(&c.Session.ExpirationMinutes, "SESSION_EXPIRATION_MINUTES")
	envInt(&c.Session.ExtensionMinutes, "SESSION_EXTENSION_MINUTES")
	envInt(&c.Storage.ArtifactRetentionDays, "ARTIFACT_RETENTION_DAYS")
	envInt(&c.Storage.SignedURLExpirationSecs, "SIGNED_URL_EXPIRATION_SECONDS")
	envInt(&c.Classifier.TimeoutSeconds, "CLASSIFIER_TIMEOUT_SECONDS")
	envInt(&c.Redis.DB, "REDIS_DB")

	envBool(&c.Quota.FailOpen, "QUOTA_FAIL_OPEN")
	envBool(&c.Verification.AllowSyntheticFlow, "ALLOW_SYNTHETIC_FLOW")
	envBool(&c.Classifier.UseMock, "USE_MOCK_CLASSIFIER")
	envBool(&c.Database.AllowMemoryFallback, "ALLOW_MEMORY_FALLBACK")
	envBool(&c.Storage.AllowDegraded, "ALLOW_DEGRADED_STORAGE")
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
