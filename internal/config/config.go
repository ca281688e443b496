package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration of the moltzer client.
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway"`
	Connection ConnectionConfig `yaml:"connection"`
	Queue      QueueConfig      `yaml:"queue"`
	History    HistoryConfig    `yaml:"history"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Log        LogConfig        `yaml:"log"`
}

// GatewayConfig identifies the Gateway and how to authenticate.
type GatewayConfig struct {
	URL      string   `yaml:"url"`   // empty means discover
	Token    string   `yaml:"token"` // never logged
	ClientID string   `yaml:"client_id"`
	Locale   string   `yaml:"locale"`
	Scopes   []string `yaml:"scopes"`
}

// ConnectionConfig holds Connection Manager settings.
type ConnectionConfig struct {
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	PingTimeout        time.Duration `yaml:"ping_timeout"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	StreamIdleTimeout  time.Duration `yaml:"stream_idle_timeout"`
	UpgradeToTLS       *bool         `yaml:"upgrade_to_tls"` // nil means true
}

// QueueConfig holds outbound queue settings.
type QueueConfig struct {
	Capacity    int           `yaml:"capacity"`
	MaxAttempts int           `yaml:"max_attempts"`
	TTL         time.Duration `yaml:"ttl"`
}

// HistoryConfig selects where chat history is recorded.
type HistoryConfig struct {
	Driver        string        `yaml:"driver"` // sqlite, postgres or none
	Path          string        `yaml:"path"`   // sqlite database file
	Postgres      DBConfig      `yaml:"postgres"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// DiscoveryConfig holds local Gateway discovery settings.
type DiscoveryConfig struct {
	Hosts       []string      `yaml:"hosts"`
	Ports       []int         `yaml:"ports"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Concurrency int           `yaml:"concurrency"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // text or json
	Output     string `yaml:"output"` // stdout, stderr or a file path
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config, expanding ${VAR} references first.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	return &cfg, nil
}

// LoadWithDefaults loads config and applies default values.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// TLSUpgrade reports whether a failed ws:// dial is retried as wss://.
func (c ConnectionConfig) TLSUpgrade() bool {
	return c.UpgradeToTLS == nil || *c.UpgradeToTLS
}
