package config

import "time"

// Config represents the main configuration structure
type Config struct {
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Pseudonym   PseudonymConfig   `yaml:"pseudonym" mapstructure:"pseudonym"`
	Rules       RulesConfig       `yaml:"rules" mapstructure:"rules"`
	Upstream    UpstreamConfig    `yaml:"upstream" mapstructure:"upstream"`
	Credentials CredentialsConfig `yaml:"credentials" mapstructure:"credentials"`
	Outputs     OutputsConfig     `yaml:"outputs" mapstructure:"outputs"`
	Async       AsyncConfig       `yaml:"async" mapstructure:"async"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit" mapstructure:"rate_limit"`
	Monitor     MonitorConfig     `yaml:"monitor" mapstructure:"monitor"`
	Logging     LoggingConfig     `yaml:"logging" mapstructure:"logging"`
	Development DevelopmentConfig `yaml:"development" mapstructure:"development"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

// PseudonymConfig holds the tokenization secrets. Salt drives the
// deterministic hash; EncryptionSecret derives the reversible-token key.
// They rotate independently: rotating the encryption secret invalidates
// outstanding reversible tokens but leaves hashes joinable.
type PseudonymConfig struct {
	Salt             string `yaml:"salt" mapstructure:"salt"`
	EncryptionSecret string `yaml:"encryption_secret" mapstructure:"encryption_secret"`
	// Implementation is the default wire encoding: default or legacy.
	Implementation string `yaml:"implementation" mapstructure:"implementation"`
}

// RulesConfig locates the sanitization rule file
type RulesConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// UpstreamConfig contains the target API connection
type UpstreamConfig struct {
	BaseURL        string        `yaml:"base_url" mapstructure:"base_url"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	CredentialName string        `yaml:"credential_name" mapstructure:"credential_name"`
	AuthScheme     string        `yaml:"auth_scheme" mapstructure:"auth_scheme"`
	UserAgent      string        `yaml:"user_agent" mapstructure:"user_agent"`
}

// CredentialsConfig controls the credential lookup cache
type CredentialsConfig struct {
	CacheSize int           `yaml:"cache_size" mapstructure:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// OutputsConfig toggles the raw and sanitized side outputs independently
type OutputsConfig struct {
	Raw       OutputConfig `yaml:"raw" mapstructure:"raw"`
	Sanitized OutputConfig `yaml:"sanitized" mapstructure:"sanitized"`
}

// OutputConfig describes one side-output sink: file, redis, or postgres
type OutputConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Kind    string `yaml:"kind" mapstructure:"kind"`

	// file
	Dir string `yaml:"dir" mapstructure:"dir"`
	// redis
	RedisURL  string `yaml:"redis_url" mapstructure:"redis_url"`
	Stream    string `yaml:"stream" mapstructure:"stream"`
	MaxStream int64  `yaml:"max_stream" mapstructure:"max_stream"`
	// postgres
	PostgresDSN string `yaml:"postgres_dsn" mapstructure:"postgres_dsn"`
}

// AsyncConfig controls the asynchronous dispatch queue
type AsyncConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// RedisURL may be empty to reuse the sanitized output's redis
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url"`
	Queue    string `yaml:"queue" mapstructure:"queue"`
	// OutputLocation is the base the async acknowledgment points at,
	// e.g. an object-store prefix or the archive table name.
	OutputLocation string `yaml:"output_location" mapstructure:"output_location"`
	// Workers starts in-process queue consumers alongside the server.
	Workers int `yaml:"workers" mapstructure:"workers"`
}

// RateLimitConfig contains per-client rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
}

// MonitorConfig contains the operator WebSocket feed configuration
type MonitorConfig struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	Path           string        `yaml:"path" mapstructure:"path"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	AllowedOrigins []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	PingInterval   time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	WriteTimeout   time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// DevelopmentConfig enables behavior that must never be on in production:
// the sanitizer skip header and allow-all rule sets.
type DevelopmentConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 330 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Pseudonym: PseudonymConfig{
			Implementation: "default",
		},
		Upstream: UpstreamConfig{
			ConnectTimeout: 30 * time.Second,
			ReadTimeout:    300 * time.Second,
			AuthScheme:     "Bearer",
			UserAgent:      "Veilgate/1.0",
		},
		Credentials: CredentialsConfig{
			CacheSize: 32,
			CacheTTL:  5 * time.Minute,
		},
		Async: AsyncConfig{
			Queue:   "veilgate:dispatch",
			Workers: 1,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Monitor: MonitorConfig{
			Enabled:        false,
			Path:           "/ws",
			MaxConnections: 100,
			AllowedOrigins: []string{},
			PingInterval:   54 * time.Second,
			WriteTimeout:   10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
