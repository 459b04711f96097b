package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix = "WPS"

	MinPortNumber = 1
	MaxPortNumber = 65535

	BlobBackendFile     = "file"
	BlobBackendSupabase = "supabase"
	BlobBackendMemory   = "memory"

	LogFormatText = "text"
	LogFormatJSON = "json"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host            string  `mapstructure:"host"`
	Port            int     `mapstructure:"port"`
	ReadTimeoutSec  int     `mapstructure:"read_timeout_sec"`
	WriteTimeoutSec int     `mapstructure:"write_timeout_sec"`
	IdleTimeoutSec  int     `mapstructure:"idle_timeout_sec"`
	PublicURL       string  `mapstructure:"public_url"`  // base URL devices reach this service on
	AdminToken      string  `mapstructure:"admin_token"` // empty leaves operator routes open
	RateLimitRPS    float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int     `mapstructure:"rate_limit_burst"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PassConfig identifies the single pass type served.
type PassConfig struct {
	TypeID         string `mapstructure:"type_id"`
	TeamID         string `mapstructure:"team_id"`
	OrganizationID string `mapstructure:"organization_id"`
}

// SigningConfig locates the pass type certificate used to sign bundles.
type SigningConfig struct {
	CertPath     string `mapstructure:"cert_path"`
	KeyPath      string `mapstructure:"key_path"`
	WWDRPath     string `mapstructure:"wwdr_path"`
	DevEphemeral bool   `mapstructure:"dev_ephemeral"`
}

type APNsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	KeyPath string `mapstructure:"key_path"`
	KeyID   string `mapstructure:"key_id"`
	TeamID  string `mapstructure:"team_id"`
	Sandbox bool   `mapstructure:"sandbox"`
}

type PushConfig struct {
	QueueSize   int `mapstructure:"queue_size"`
	Workers     int `mapstructure:"workers"`
	Concurrency int `mapstructure:"concurrency"`
}

type SupabaseConfig struct {
	URL        string `mapstructure:"url"`
	ServiceKey string `mapstructure:"service_key"`
	Bucket     string `mapstructure:"bucket"`
}

type StorageConfig struct {
	DataDir      string         `mapstructure:"data_dir"`
	BlobBackend  string         `mapstructure:"blob_backend"`
	BlobDir      string         `mapstructure:"blob_dir"`
	TemplateDir  string         `mapstructure:"template_dir"`
	GeneratedDir string         `mapstructure:"generated_dir"`
	Supabase     SupabaseConfig `mapstructure:"supabase"`
}

type CatalogConfig struct {
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type BundleConfig struct {
	CacheSize int `mapstructure:"cache_size"`
}

// Config holds the service configuration loaded from an optional file
// and WPS_* environment variables.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Pass    PassConfig    `mapstructure:"pass"`
	Signing SigningConfig `mapstructure:"signing"`
	APNs    APNsConfig    `mapstructure:"apns"`
	Push    PushConfig    `mapstructure:"push"`
	Storage StorageConfig `mapstructure:"storage"`
	Catalog CatalogConfig `mapstructure:"catalog"`
	Bundle  BundleConfig  `mapstructure:"bundle"`
}

// defaults doubles as the list of known keys: viper only maps
// environment variables onto keys it knows about.
var defaults = map[string]any{
	"server.host":              "0.0.0.0",
	"server.port":              8080,
	"server.read_timeout_sec":  15,
	"server.write_timeout_sec": 15,
	"server.idle_timeout_sec":  60,
	"server.public_url":        "",
	"server.admin_token":       "",
	"server.rate_limit_rps":    20.0,
	"server.rate_limit_burst":  40,

	"log.level":  "info",
	"log.format": LogFormatText,

	"pass.type_id":         "",
	"pass.team_id":         "",
	"pass.organization_id": "",

	"signing.cert_path":     "",
	"signing.key_path":      "",
	"signing.wwdr_path":     "",
	"signing.dev_ephemeral": false,

	"apns.enabled":  false,
	"apns.key_path": "",
	"apns.key_id":   "",
	"apns.team_id":  "",
	"apns.sandbox":  false,

	"push.queue_size":  1024,
	"push.workers":     4,
	"push.concurrency": 8,

	"storage.data_dir":             "data",
	"storage.blob_backend":         BlobBackendFile,
	"storage.blob_dir":             "blobs",
	"storage.template_dir":         "templates/loyalty-card",
	"storage.generated_dir":        "generated",
	"storage.supabase.url":         "",
	"storage.supabase.service_key": "",
	"storage.supabase.bucket":      "passes-data",

	"catalog.dsn":          "",
	"catalog.auto_migrate": false,

	"bundle.cache_size": 256,
}

// Load reads configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDerived() {
	if c.APNs.TeamID == "" {
		c.APNs.TeamID = c.Pass.TeamID
	}
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")
}

// Validate checks that the configuration is coherent.
func (c Config) Validate() error {
	var problems []error
	invalid := func(key, format string, args ...any) {
		problems = append(problems, fmt.Errorf("invalid %s: %s", envName(key), fmt.Sprintf(format, args...)))
	}

	if c.Server.Host == "" {
		invalid("server.host", "must not be empty")
	}
	if c.Server.Port < MinPortNumber || c.Server.Port > MaxPortNumber {
		invalid("server.port", "must be in range %d..%d", MinPortNumber, MaxPortNumber)
	}
	if c.Server.ReadTimeoutSec <= 0 {
		invalid("server.read_timeout_sec", "must be > 0")
	}
	if c.Server.WriteTimeoutSec <= 0 {
		invalid("server.write_timeout_sec", "must be > 0")
	}
	if c.Server.IdleTimeoutSec <= 0 {
		invalid("server.idle_timeout_sec", "must be > 0")
	}
	if c.Server.RateLimitRPS < 0 {
		invalid("server.rate_limit_rps", "must be >= 0")
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst <= 0 {
		invalid("server.rate_limit_burst", "must be > 0 when rate limiting is enabled")
	}
	if c.Log.Format != LogFormatText && c.Log.Format != LogFormatJSON {
		invalid("log.format", "must be %q or %q", LogFormatText, LogFormatJSON)
	}

	if c.Pass.TypeID == "" {
		invalid("pass.type_id", "must not be empty")
	}

	if c.Signing.DevEphemeral && c.Signing.CertPath != "" {
		problems = append(problems, fmt.Errorf("invalid config: %s and %s are mutually exclusive",
			envName("signing.dev_ephemeral"), envName("signing.cert_path")))
	}
	if !c.Signing.DevEphemeral {
		if c.Signing.CertPath == "" {
			invalid("signing.cert_path", "must not be empty (or set %s=true for dev mode)", envName("signing.dev_ephemeral"))
		}
		if c.Signing.KeyPath == "" {
			invalid("signing.key_path", "must not be empty")
		}
		if c.Signing.WWDRPath == "" {
			invalid("signing.wwdr_path", "must not be empty")
		}
	}

	if c.APNs.Enabled {
		if c.APNs.KeyPath == "" {
			invalid("apns.key_path", "required when push is enabled")
		}
		if c.APNs.KeyID == "" {
			invalid("apns.key_id", "required when push is enabled")
		}
		if c.APNs.TeamID == "" {
			invalid("apns.team_id", "required when push is enabled (or set %s)", envName("pass.team_id"))
		}
	}
	if c.Push.QueueSize <= 0 {
		invalid("push.queue_size", "must be > 0")
	}
	if c.Push.Workers <= 0 {
		invalid("push.workers", "must be > 0")
	}
	if c.Push.Concurrency <= 0 {
		invalid("push.concurrency", "must be > 0")
	}

	if c.Storage.DataDir == "" {
		invalid("storage.data_dir", "must not be empty")
	}
	switch c.Storage.BlobBackend {
	case BlobBackendFile:
		if c.Storage.BlobDir == "" {
			invalid("storage.blob_dir", "required for the %q blob backend", BlobBackendFile)
		}
	case BlobBackendSupabase:
		if c.Storage.Supabase.URL == "" {
			invalid("storage.supabase.url", "required for the %q blob backend", BlobBackendSupabase)
		}
		if c.Storage.Supabase.ServiceKey == "" {
			invalid("storage.supabase.service_key", "required for the %q blob backend", BlobBackendSupabase)
		}
		if c.Storage.Supabase.Bucket == "" {
			invalid("storage.supabase.bucket", "required for the %q blob backend", BlobBackendSupabase)
		}
	case BlobBackendMemory:
	default:
		invalid("storage.blob_backend", "must be one of %q, %q, %q", BlobBackendFile, BlobBackendSupabase, BlobBackendMemory)
	}
	if c.Bundle.CacheSize <= 0 {
		invalid("bundle.cache_size", "must be > 0")
	}

	return errors.Join(problems...)
}

// WebServiceURL is the base URL stamped into passes, or empty when no
// public URL is configured.
func (c Config) WebServiceURL() string {
	if c.Server.PublicURL == "" {
		return ""
	}
	return c.Server.PublicURL + "/pass"
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSec) * time.Second
}

func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSec) * time.Second
}

func (s ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSec) * time.Second
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
