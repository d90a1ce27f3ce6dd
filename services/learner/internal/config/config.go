// Package config loads the learner configuration: defaults, then an optional
// TOML file, then environment overrides, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	pconfig "github.com/example/coursecraft/internal/platform/config"
	"github.com/example/coursecraft/services/learner/internal/progress"
	"github.com/example/coursecraft/services/learner/internal/store"
)

const (
	EnvDevelopment = "development"
	EnvTest        = "test"
	EnvProduction  = "production"

	ProviderGoTrue = "gotrue"
	ProviderLocal  = "local"

	devJWTSecret = "coursecraft-local-development-secret"
)

// Duration decodes TOML strings such as "15m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type HTTP struct {
	Addr           string  `toml:"addr"`
	RateLimitRPS   float64 `toml:"rate_limit_rps"`
	RateLimitBurst int     `toml:"rate_limit_burst"`
}

type Storage struct {
	Backend     string `toml:"backend"`
	Dir         string `toml:"dir"`
	SQLitePath  string `toml:"sqlite_path"`
	DatabaseURL string `toml:"database_url"`
	RedisURL    string `toml:"redis_url"`
	Namespace   string `toml:"namespace"`
}

type Progress struct {
	Key         string `toml:"key"`
	MergePolicy string `toml:"merge_policy"`
}

type Auth struct {
	Provider          string   `toml:"provider"`
	SupabaseURL       string   `toml:"supabase_url"`
	AnonKey           string   `toml:"anon_key"`
	StorageKey        string   `toml:"storage_key"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	JWTSecret         string   `toml:"jwt_secret"`
	AccessTokenTTL    Duration `toml:"access_token_ttl"`
	RefreshTokenTTL   Duration `toml:"refresh_token_ttl"`
	BootstrapEmail    string   `toml:"bootstrap_email"`
	BootstrapPassword string   `toml:"bootstrap_password"`
}

// Catalog configures metadata sync. URL defaults to the Supabase URL.
type Catalog struct {
	URL                string   `toml:"url"`
	MaxRetries         int      `toml:"max_retries"`
	RetryBaseDelay     Duration `toml:"retry_base_delay"`
	CBMaxRequests      uint32   `toml:"cb_max_requests"`
	CBInterval         Duration `toml:"cb_interval"`
	CBTimeout          Duration `toml:"cb_timeout"`
	CBFailureThreshold uint32   `toml:"cb_failure_threshold"`
}

// NATS is optional; an empty URL disables event publishing and consuming.
type NATS struct {
	URL string `toml:"url"`
	// ConsumeCatalog runs the catalog.course.upserted consumer in serve.
	ConsumeCatalog bool `toml:"consume_catalog"`
}

type Config struct {
	Env       string   `toml:"env"`
	LogLevel  string   `toml:"log_level"`
	LogFormat string   `toml:"log_format"`
	HTTP      HTTP     `toml:"http"`
	Storage   Storage  `toml:"storage"`
	Progress  Progress `toml:"progress"`
	Auth      Auth     `toml:"auth"`
	Catalog   Catalog  `toml:"catalog"`
	NATS      NATS     `toml:"nats"`
}

func (c Config) IsProduction() bool { return c.Env == EnvProduction }

// StoreConfig maps the storage section onto store.Config.
func (c Config) StoreConfig() store.Config {
	return store.Config{
		Backend:     c.Storage.Backend,
		Dir:         c.Storage.Dir,
		SQLitePath:  c.Storage.SQLitePath,
		DatabaseURL: c.Storage.DatabaseURL,
		RedisURL:    c.Storage.RedisURL,
		Namespace:   c.Storage.Namespace,
	}
}

func (c Config) MergePolicy() progress.MergePolicy {
	p, _ := progress.ParseMergePolicy(c.Progress.MergePolicy)
	return p
}

// DefaultPath is where Load looks when no path is given: LEARNER_CONFIG, or
// learner.toml under the user config directory.
func DefaultPath() string {
	if p := pconfig.EnvString("LEARNER_CONFIG", ""); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "coursecraft", "learner.toml")
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "coursecraft")
	}
	return ".coursecraft"
}

func Default() Config {
	return Config{
		Env:       EnvDevelopment,
		LogLevel:  "info",
		LogFormat: "json",
		HTTP: HTTP{
			Addr:           "127.0.0.1:8787",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		Progress: Progress{Key: progress.DefaultKey, MergePolicy: progress.MergeReplace.String()},
		Auth: Auth{
			RequestsPerSecond: 5,
			AccessTokenTTL:    Duration{15 * time.Minute},
			RefreshTokenTTL:   Duration{30 * 24 * time.Hour},
		},
		Catalog: Catalog{
			MaxRetries:         3,
			RetryBaseDelay:     Duration{500 * time.Millisecond},
			CBMaxRequests:      5,
			CBInterval:         Duration{60 * time.Second},
			CBTimeout:          Duration{30 * time.Second},
			CBFailureThreshold: 5,
		},
		NATS: NATS{ConsumeCatalog: true},
	}
}

// Load builds the configuration from path (may be empty or missing) and the
// environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := pconfig.LoadFile(path, &cfg); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(c *Config) {
	c.Env = pconfig.EnvString("LEARNER_ENV", c.Env)
	c.LogLevel = pconfig.EnvString("LOG_LEVEL", c.LogLevel)
	c.LogFormat = pconfig.EnvString("LOG_FORMAT", c.LogFormat)

	c.HTTP.Addr = pconfig.EnvString("LEARNER_HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.RateLimitRPS = pconfig.EnvFloat("LEARNER_RATE_LIMIT_RPS", c.HTTP.RateLimitRPS)
	c.HTTP.RateLimitBurst = pconfig.EnvInt("LEARNER_RATE_LIMIT_BURST", c.HTTP.RateLimitBurst)

	c.Storage.Backend = pconfig.EnvString("LEARNER_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Dir = pconfig.EnvString("LEARNER_DATA_DIR", c.Storage.Dir)
	c.Storage.SQLitePath = pconfig.EnvString("LEARNER_SQLITE_PATH", c.Storage.SQLitePath)
	c.Storage.DatabaseURL = pconfig.EnvString("DATABASE_URL", c.Storage.DatabaseURL)
	c.Storage.RedisURL = pconfig.EnvString("REDIS_URL", c.Storage.RedisURL)
	c.Storage.Namespace = pconfig.EnvString("LEARNER_STORAGE_NAMESPACE", c.Storage.Namespace)

	c.Progress.Key = pconfig.EnvString("LEARNER_PROGRESS_KEY", c.Progress.Key)
	c.Progress.MergePolicy = pconfig.EnvString("LEARNER_MERGE_POLICY", c.Progress.MergePolicy)

	c.Auth.Provider = pconfig.EnvString("LEARNER_AUTH_PROVIDER", c.Auth.Provider)
	c.Auth.SupabaseURL = pconfig.EnvString("SUPABASE_URL", c.Auth.SupabaseURL)
	c.Auth.AnonKey = pconfig.EnvString("SUPABASE_ANON_KEY", c.Auth.AnonKey)
	c.Auth.StorageKey = pconfig.EnvString("LEARNER_AUTH_STORAGE_KEY", c.Auth.StorageKey)
	c.Auth.RequestsPerSecond = pconfig.EnvFloat("LEARNER_AUTH_RPS", c.Auth.RequestsPerSecond)
	c.Auth.JWTSecret = pconfig.EnvString("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.AccessTokenTTL.Duration = pconfig.EnvDuration("ACCESS_TOKEN_TTL", c.Auth.AccessTokenTTL.Duration)
	c.Auth.RefreshTokenTTL.Duration = pconfig.EnvDuration("REFRESH_TOKEN_TTL", c.Auth.RefreshTokenTTL.Duration)
	c.Auth.BootstrapEmail = pconfig.EnvString("LEARNER_BOOTSTRAP_EMAIL", c.Auth.BootstrapEmail)
	c.Auth.BootstrapPassword = pconfig.EnvString("LEARNER_BOOTSTRAP_PASSWORD", c.Auth.BootstrapPassword)

	c.Catalog.URL = pconfig.EnvString("LEARNER_CATALOG_URL", c.Catalog.URL)
	c.Catalog.MaxRetries = pconfig.EnvInt("CATALOG_MAX_RETRIES", c.Catalog.MaxRetries)
	c.Catalog.RetryBaseDelay.Duration = pconfig.EnvDuration("CATALOG_RETRY_BASE_DELAY", c.Catalog.RetryBaseDelay.Duration)
	c.Catalog.CBMaxRequests = uint32(pconfig.EnvInt("CB_MAX_REQUESTS", int(c.Catalog.CBMaxRequests)))
	c.Catalog.CBInterval.Duration = pconfig.EnvDuration("CB_INTERVAL", c.Catalog.CBInterval.Duration)
	c.Catalog.CBTimeout.Duration = pconfig.EnvDuration("CB_TIMEOUT", c.Catalog.CBTimeout.Duration)
	c.Catalog.CBFailureThreshold = uint32(pconfig.EnvInt("CB_FAILURE_THRESHOLD", int(c.Catalog.CBFailureThreshold)))

	c.NATS.URL = pconfig.EnvString("NATS_URL", c.NATS.URL)
	c.NATS.ConsumeCatalog = pconfig.EnvBool("LEARNER_CONSUME_CATALOG", c.NATS.ConsumeCatalog)
}

func normalize(c *Config) {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Auth.Provider = strings.ToLower(strings.TrimSpace(c.Auth.Provider))
	c.Auth.SupabaseURL = strings.TrimRight(strings.TrimSpace(c.Auth.SupabaseURL), "/")

	// With nothing durable configured, default to a SQLite file in the data dir.
	if c.Storage.Backend == "" && c.Storage.SQLitePath == "" && c.Storage.DatabaseURL == "" &&
		c.Storage.RedisURL == "" && c.Storage.Dir == "" && c.Env != EnvTest {
		c.Storage.SQLitePath = filepath.Join(defaultDataDir(), "learner.db")
	}
	if c.Auth.Provider == "" {
		if c.Auth.SupabaseURL != "" {
			c.Auth.Provider = ProviderGoTrue
		} else {
			c.Auth.Provider = ProviderLocal
		}
	}
	if c.Auth.Provider == ProviderLocal && c.Auth.JWTSecret == "" && c.Env != EnvProduction {
		c.Auth.JWTSecret = devJWTSecret
	}
	if c.Catalog.URL == "" {
		c.Catalog.URL = c.Auth.SupabaseURL
	}
}

func (c Config) Validate() error {
	switch c.Env {
	case EnvDevelopment, EnvTest, EnvProduction:
	default:
		return fmt.Errorf("unknown env %q", c.Env)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return errors.New("http addr is required")
	}
	if _, err := progress.ParseMergePolicy(c.Progress.MergePolicy); err != nil {
		return err
	}
	if c.IsProduction() && (c.Storage.Backend == store.BackendMemory) {
		return errors.New("production requires a durable storage backend")
	}

	switch c.Auth.Provider {
	case ProviderGoTrue:
		if c.Auth.SupabaseURL == "" {
			return errors.New("SUPABASE_URL is required for the gotrue provider")
		}
		if c.Auth.AnonKey == "" {
			return errors.New("SUPABASE_ANON_KEY is required for the gotrue provider")
		}
	case ProviderLocal:
		if c.IsProduction() {
			return errors.New("the local auth provider is not allowed in production")
		}
		if c.Auth.JWTSecret == "" {
			return errors.New("JWT_SECRET is required")
		}
	default:
		return fmt.Errorf("unknown auth provider %q", c.Auth.Provider)
	}
	if c.Catalog.URL != "" && c.Auth.AnonKey == "" {
		return errors.New("SUPABASE_ANON_KEY is required for catalog sync")
	}
	return nil
}
