// Package config handles relay configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// Auth providers.
const (
	AuthNone = "none"
	AuthJWT  = "jwt"
	AuthJWKS = "jwks"
)

// Storage drivers.
const (
	DriverNone     = "none"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level relay configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Gateway   GatewayConfig   `json:"gateway,omitempty"`
	Auth      AuthConfig      `json:"auth,omitempty"`
	Storage   StorageConfig   `json:"storage,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
	Tracing   TracingConfig   `json:"tracing,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
}

// ServerConfig defines the HTTP listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // WebSocket + CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // admin request body limit; default 1MB
}

// GatewayConfig defines per-connection transport settings.
type GatewayConfig struct {
	ReadBufferSize  int      `json:"read_buffer_size,omitempty"`
	WriteBufferSize int      `json:"write_buffer_size,omitempty"`
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty"`
	WriteTimeout    Duration `json:"write_timeout,omitempty"`
	MaxConnections  int      `json:"max_connections,omitempty"` // 0 = unbounded
	SendQueueSize   int      `json:"send_queue_size,omitempty"`
	PingInterval    Duration `json:"ping_interval,omitempty"`
	PongWait        Duration `json:"pong_wait,omitempty"`
	CloseGrace      Duration `json:"close_grace,omitempty"`
}

// AuthConfig defines authentication for upgrades and the admin API.
type AuthConfig struct {
	Provider    string          `json:"provider,omitempty"` // "none" (default), "jwt" or "jwks"
	JWTSecret   string          `json:"jwt_secret,omitempty"`
	JWTIssuer   string          `json:"jwt_issuer,omitempty"`
	JWKSURL     string          `json:"jwks_url,omitempty"`
	TokenExpiry Duration        `json:"token_expiry,omitempty"`
	AdminKeys   []AdminKeyEntry `json:"admin_keys,omitempty"`
}

// AdminKeyEntry is a named bcrypt hash of an admin API key.
type AdminKeyEntry struct {
	Name    string `json:"name"`
	KeyHash string `json:"key_hash"`
}

// StorageConfig defines the audit database settings.
type StorageConfig struct {
	Driver    string   `json:"driver,omitempty"` // "none" (default), "sqlite" or "postgres"
	DSN       string   `json:"dsn,omitempty"`    // e.g. "relay.db" or ":memory:"
	Retention Duration `json:"retention,omitempty"`
}

// RateLimitConfig defines token-bucket limits.
type RateLimitConfig struct {
	UpgradesPerSecond      float64 `json:"upgrades_per_second,omitempty"` // per client IP
	UpgradeBurst           int     `json:"upgrade_burst,omitempty"`
	MessagesPerSecond      float64 `json:"messages_per_second,omitempty"` // per connection
	MessageBurst           int     `json:"message_burst,omitempty"`
	AdminRequestsPerSecond float64 `json:"admin_requests_per_second,omitempty"` // per admin key
	AdminBurst             int     `json:"admin_burst,omitempty"`
}

// TracingConfig defines OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool    `json:"enabled,omitempty"`
	Exporter     string  `json:"exporter,omitempty"` // "stdout", "otlp" or "none"
	OTLPEndpoint string  `json:"otlp_endpoint,omitempty"`
	SampleRate   float64 `json:"sample_rate,omitempty"`
	ServiceName  string  `json:"service_name,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a JSON-friendly time.Duration.
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
		d.Duration = time.Duration(val * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied and addr set.
func Default(addr string) *Config {
	cfg := &Config{Server: ServerConfig{Addr: addr}}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}

	switch c.Auth.Provider {
	case "", AuthNone:
	case AuthJWT:
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when provider is jwt")
		}
	case AuthJWKS:
		if c.Auth.JWKSURL == "" {
			return fmt.Errorf("auth.jwks_url is required when provider is jwks")
		}
	default:
		return fmt.Errorf("auth.provider %q is not supported", c.Auth.Provider)
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	for i, k := range c.Auth.AdminKeys {
		if k.Name == "" || k.KeyHash == "" {
			return fmt.Errorf("auth.admin_keys[%d] needs both name and key_hash", i)
		}
	}

	switch c.Storage.Driver {
	case "", DriverNone:
	case DriverSQLite, DriverPostgres:
		if c.Storage.Driver == DriverPostgres && c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}

	if c.Gateway.MaxConnections < 0 {
		return fmt.Errorf("gateway.max_connections must not be negative")
	}
	if c.Gateway.SendQueueSize < 0 {
		return fmt.Errorf("gateway.send_queue_size must not be negative")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}
	switch c.Tracing.Exporter {
	case "", "stdout", "otlp", "none":
	default:
		return fmt.Errorf("tracing.exporter %q is not supported", c.Tracing.Exporter)
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

	if c.Gateway.ReadBufferSize == 0 {
		c.Gateway.ReadBufferSize = 4096
	}
	if c.Gateway.WriteBufferSize == 0 {
		c.Gateway.WriteBufferSize = 4096
	}
	if c.Gateway.MaxMessageBytes == 0 {
		c.Gateway.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if c.Gateway.WriteTimeout.Duration == 0 {
		c.Gateway.WriteTimeout.Duration = 10 * time.Second
	}
	if c.Gateway.SendQueueSize == 0 {
		c.Gateway.SendQueueSize = 256
	}
	if c.Gateway.PingInterval.Duration == 0 {
		c.Gateway.PingInterval.Duration = 30 * time.Second
	}
	if c.Gateway.PongWait.Duration == 0 {
		c.Gateway.PongWait.Duration = 60 * time.Second
	}
	if c.Gateway.CloseGrace.Duration == 0 {
		c.Gateway.CloseGrace.Duration = 5 * time.Second
	}

	if c.Auth.Provider == "" {
		c.Auth.Provider = AuthNone
	}
	if c.Auth.TokenExpiry.Duration == 0 {
		c.Auth.TokenExpiry.Duration = 24 * time.Hour
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverNone
	}
	if c.Storage.Driver == DriverSQLite && c.Storage.DSN == "" {
		c.Storage.DSN = "relay.db"
	}
	if c.Storage.Retention.Duration == 0 {
		c.Storage.Retention.Duration = 30 * 24 * time.Hour // 30 days
	}

	if c.RateLimit.UpgradesPerSecond == 0 {
		c.RateLimit.UpgradesPerSecond = 5
	}
	if c.RateLimit.UpgradeBurst == 0 {
		c.RateLimit.UpgradeBurst = 10
	}
	if c.RateLimit.MessagesPerSecond == 0 {
		c.RateLimit.MessagesPerSecond = 30
	}
	if c.RateLimit.MessageBurst == 0 {
		c.RateLimit.MessageBurst = 50
	}
	if c.RateLimit.AdminRequestsPerSecond == 0 {
		c.RateLimit.AdminRequestsPerSecond = 10
	}
	if c.RateLimit.AdminBurst == 0 {
		c.RateLimit.AdminBurst = 20
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "stdout"
	}
	if c.Tracing.OTLPEndpoint == "" {
		c.Tracing.OTLPEndpoint = "localhost:4317"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1.0
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "relay-gateway"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
