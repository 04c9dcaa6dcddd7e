// Package config handles relay configuration loading and validation.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level relay configuration.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Auth       AuthConfig       `json:"auth" yaml:"auth"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Session    SessionConfig    `json:"session" yaml:"session"`
	Generation GenerationConfig `json:"generation" yaml:"generation"`
	Delivery   DeliveryConfig   `json:"delivery" yaml:"delivery"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	RateLimit  RateLimitConfig  `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	Metrics    MetricsConfig    `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// ServerConfig defines the relay's listener and WebSocket settings.
type ServerConfig struct {
	Addr              string   `json:"addr" yaml:"addr"` // e.g. ":8080"
	TLSCert           string   `json:"tls_cert,omitempty" yaml:"tls_cert,omitempty"`
	TLSKey            string   `json:"tls_key,omitempty" yaml:"tls_key,omitempty"`
	AllowedOrigins    []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"` // CORS and WebSocket origins; default ["*"]
	MaxBodyBytes      int64    `json:"max_body_bytes,omitempty" yaml:"max_body_bytes,omitempty"`   // default 1MB
	MaxMessageBytes   int64    `json:"max_message_bytes,omitempty" yaml:"max_message_bytes,omitempty"` // max WebSocket message from a client; default 64KB
	MessagesPerSecond float64  `json:"messages_per_second,omitempty" yaml:"messages_per_second,omitempty"`
	MessageBurst      int      `json:"message_burst,omitempty" yaml:"message_burst,omitempty"`
}

// AuthConfig defines how bearer tokens are verified.
type AuthConfig struct {
	JWKSURLs           []string `json:"jwks_urls" yaml:"jwks_urls"`
	Issuer             string   `json:"issuer" yaml:"issuer"`
	Audience           string   `json:"audience" yaml:"audience"`
	Algorithms         []string `json:"algorithms,omitempty" yaml:"algorithms,omitempty"` // default RS256
	RefreshInterval    Duration `json:"refresh_interval,omitempty" yaml:"refresh_interval,omitempty"`
	HTTPTimeout        Duration `json:"http_timeout,omitempty" yaml:"http_timeout,omitempty"`
	UnknownKIDInterval Duration `json:"unknown_kid_interval,omitempty" yaml:"unknown_kid_interval,omitempty"` // min time between refreshes caused by unknown kids
	MissBurst          int      `json:"miss_burst,omitempty" yaml:"miss_burst,omitempty"`                     // lookups allowed per unresolved kid per window
	MissWindow         Duration `json:"miss_window,omitempty" yaml:"miss_window,omitempty"`
	Leeway             Duration `json:"leeway,omitempty" yaml:"leeway,omitempty"`
}

// StorageConfig defines the session store.
type StorageConfig struct {
	Driver        string      `json:"driver" yaml:"driver"` // "sqlite" (default), "postgres", "redis" or "memory"
	DSN           string      `json:"dsn" yaml:"dsn"`       // e.g. "askrelay.db" or ":memory:"
	Redis         RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
	PurgeInterval Duration    `json:"purge_interval,omitempty" yaml:"purge_interval,omitempty"`
}

// RedisConfig configures the redis session driver.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// SessionConfig defines session behavior.
type SessionConfig struct {
	TTL Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"` // default 7 days
}

// GenerationConfig points at the retrieval-augmented generation backend.
type GenerationConfig struct {
	URL             string   `json:"url" yaml:"url"`
	KnowledgeBaseID string   `json:"knowledge_base_id" yaml:"knowledge_base_id"`
	ModelID         string   `json:"model_id" yaml:"model_id"`
	APIKey          string   `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Timeout         Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// DeliveryConfig defines how frames reach clients.
type DeliveryConfig struct {
	Driver          string   `json:"driver,omitempty" yaml:"driver,omitempty"`     // "local" (default) or "http"
	Endpoint        string   `json:"endpoint,omitempty" yaml:"endpoint,omitempty"` // remote gateway base URL for the http driver
	ManagementToken string   `json:"management_token,omitempty" yaml:"management_token,omitempty"`
	FrameFormat     string   `json:"frame_format,omitempty" yaml:"frame_format,omitempty"` // "text" (default) or "envelope"
	ErrorFrames     bool     `json:"error_frames,omitempty" yaml:"error_frames,omitempty"`
	Timeout         Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level      string `json:"level,omitempty" yaml:"level,omitempty"`
	Format     string `json:"format,omitempty" yaml:"format,omitempty"` // "json" or "text"
	Output     string `json:"output,omitempty" yaml:"output,omitempty"` // "stdout" or "file"
	FilePath   string `json:"file_path,omitempty" yaml:"file_path,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty" yaml:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty" yaml:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty" yaml:"compress,omitempty"`
}

// RateLimitConfig defines per-IP rate limiting on the HTTP invocation routes.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty" yaml:"burst,omitempty"`                             // default 20
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Disabled  bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"` // default "askrelay"
}

// Duration is a JSON- and YAML-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!int" || node.Tag == "!!float" {
		var secs float64
		if err := node.Decode(&secs); err != nil {
			return err
		}
		d.Duration = time.Duration(secs * float64(time.Second))
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Load reads a config file, applies environment overrides, and validates the
// result. A .env file next to the config file is loaded first when present;
// variables already set in the environment win.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envPath, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied. Required
// fields are left empty.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

// Save writes c to path as YAML when the extension is .yaml or .yml and as
// indented JSON otherwise. The file is created with mode 0600 since it may
// hold credentials.
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// applyEnv overrides deployment-specific values from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("JWKS_URI"); ok && v != "" {
		c.Auth.JWKSURLs = []string{v}
	}
	if v, ok := lookup("ISSUER"); ok && v != "" {
		c.Auth.Issuer = v
	}
	if v, ok := lookup("AUDIENCE"); ok && v != "" {
		c.Auth.Audience = v
	}
	if v, ok := lookup("PUSH_ENDPOINT"); ok && v != "" {
		c.Delivery.Driver = "http"
		c.Delivery.Endpoint = v
	}
	if v, ok := lookup("GENERATION_URL"); ok && v != "" {
		c.Generation.URL = v
	}
	if v, ok := lookup("KNOWLEDGE_BASE_ID"); ok && v != "" {
		c.Generation.KnowledgeBaseID = v
	}
	if v, ok := lookup("MODEL_ID"); ok && v != "" {
		c.Generation.ModelID = v
	}
	if v, ok := lookup("STORAGE_DSN"); ok && v != "" {
		c.Storage.DSN = v
	}
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if len(c.Auth.JWKSURLs) == 0 {
		return fmt.Errorf("auth.jwks_urls is required")
	}
	if c.Auth.Issuer == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.Auth.Audience == "" {
		return fmt.Errorf("auth.audience is required")
	}
	for _, alg := range c.Auth.Algorithms {
		if strings.HasPrefix(alg, "HS") || alg == "none" {
			return fmt.Errorf("auth.algorithms: %q is not an asymmetric algorithm", alg)
		}
	}
	if c.Generation.URL == "" {
		return fmt.Errorf("generation.url is required")
	}
	if c.Generation.KnowledgeBaseID == "" {
		return fmt.Errorf("generation.knowledge_base_id is required")
	}
	if c.Generation.ModelID == "" {
		return fmt.Errorf("generation.model_id is required")
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres", "memory":
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required when driver is redis")
		}
	default:
		return fmt.Errorf("unsupported storage driver: %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required when driver is postgres")
	}
	switch c.Delivery.Driver {
	case "", "local":
	case "http":
		if c.Delivery.Endpoint == "" {
			return fmt.Errorf("delivery.endpoint is required when driver is http")
		}
	default:
		return fmt.Errorf("unsupported delivery driver: %q", c.Delivery.Driver)
	}
	switch c.Delivery.FrameFormat {
	case "", "text", "envelope":
	default:
		return fmt.Errorf("unsupported delivery.frame_format: %q", c.Delivery.FrameFormat)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path is required when output is file")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if c.Server.MessagesPerSecond == 0 {
		c.Server.MessagesPerSecond = 5
	}
	if c.Server.MessageBurst == 0 {
		c.Server.MessageBurst = 10
	}
	if len(c.Auth.Algorithms) == 0 {
		c.Auth.Algorithms = []string{"RS256"}
	}
	if c.Auth.RefreshInterval.Duration == 0 {
		c.Auth.RefreshInterval.Duration = 1 * time.Hour
	}
	if c.Auth.HTTPTimeout.Duration == 0 {
		c.Auth.HTTPTimeout.Duration = 10 * time.Second
	}
	if c.Auth.UnknownKIDInterval.Duration == 0 {
		c.Auth.UnknownKIDInterval.Duration = 5 * time.Minute
	}
	if c.Auth.MissBurst == 0 {
		c.Auth.MissBurst = 10
	}
	if c.Auth.MissWindow.Duration == 0 {
		c.Auth.MissWindow.Duration = 1 * time.Minute
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "askrelay.db"
	}
	if c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = "askrelay:session"
	}
	if c.Storage.PurgeInterval.Duration == 0 {
		c.Storage.PurgeInterval.Duration = 1 * time.Hour
	}
	if c.Session.TTL.Duration == 0 {
		c.Session.TTL.Duration = 7 * 24 * time.Hour
	}
	if c.Generation.Timeout.Duration == 0 {
		c.Generation.Timeout.Duration = 60 * time.Second
	}
	if c.Delivery.Driver == "" {
		c.Delivery.Driver = "local"
	}
	if c.Delivery.FrameFormat == "" {
		c.Delivery.FrameFormat = "text"
	}
	if c.Delivery.Timeout.Duration == 0 {
		c.Delivery.Timeout.Duration = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 30
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "askrelay"
	}
}
