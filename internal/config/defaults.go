package config

import (
	"os"
	"path/filepath"
	"time"
)

// Default values for optional configuration fields.
const (
	DefaultLocale               = "en-US"
	DefaultConnectTimeout       = 15 * time.Second
	DefaultRequestTimeout       = 30 * time.Second
	DefaultPingInterval         = 30 * time.Second
	DefaultPingTimeout          = 90 * time.Second
	DefaultReconnectBaseDelay   = 5 * time.Second
	DefaultReconnectMaxDelay    = 60 * time.Second
	DefaultStreamIdleTimeout    = 60 * time.Second
	DefaultQueueCapacity        = 100
	DefaultMaxAttempts          = 3
	DefaultQueueTTL             = 5 * time.Minute
	DefaultHistoryDriver        = "sqlite"
	DefaultHistoryFile          = "history.db"
	DefaultBatchSize            = 100
	DefaultFlushInterval        = time.Second
	DefaultBufferSize           = 1000
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 4
	DefaultMinConns             = 1
	DefaultDialTimeout          = 2 * time.Second
	DefaultDiscoveryConcurrency = 8
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultLogOutput            = "stderr"
	DefaultLogMaxSizeMB         = 10
	DefaultLogMaxBackups        = 3
	DefaultLogMaxAgeDays        = 7
)

// DefaultHosts and DefaultPorts are scanned for a local Gateway.
var (
	DefaultHosts = []string{"localhost", "127.0.0.1"}
	DefaultPorts = []int{18789, 8789, 3000, 8080}
)

// ApplyDefaults fills every unset optional field.
func (c *Config) ApplyDefaults() {
	// Gateway defaults
	if c.Gateway.Locale == "" {
		c.Gateway.Locale = DefaultLocale
	}

	// Connection defaults
	if c.Connection.ConnectTimeout == 0 {
		c.Connection.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Connection.RequestTimeout == 0 {
		c.Connection.RequestTimeout = DefaultRequestTimeout
	}
	if c.Connection.PingInterval == 0 {
		c.Connection.PingInterval = DefaultPingInterval
	}
	if c.Connection.PingTimeout == 0 {
		c.Connection.PingTimeout = DefaultPingTimeout
	}
	if c.Connection.ReconnectBaseDelay == 0 {
		c.Connection.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connection.ReconnectMaxDelay == 0 {
		c.Connection.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Connection.StreamIdleTimeout == 0 {
		c.Connection.StreamIdleTimeout = DefaultStreamIdleTimeout
	}

	// Queue defaults
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = DefaultQueueCapacity
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = DefaultMaxAttempts
	}
	if c.Queue.TTL == 0 {
		c.Queue.TTL = DefaultQueueTTL
	}

	// History defaults
	if c.History.Driver == "" {
		c.History.Driver = DefaultHistoryDriver
	}
	if c.History.Path == "" {
		c.History.Path = defaultHistoryPath()
	}
	if c.History.BatchSize == 0 {
		c.History.BatchSize = DefaultBatchSize
	}
	if c.History.FlushInterval == 0 {
		c.History.FlushInterval = DefaultFlushInterval
	}
	if c.History.BufferSize == 0 {
		c.History.BufferSize = DefaultBufferSize
	}
	applyDBDefaults(&c.History.Postgres)

	// Discovery defaults
	if len(c.Discovery.Hosts) == 0 {
		c.Discovery.Hosts = DefaultHosts
	}
	if len(c.Discovery.Ports) == 0 {
		c.Discovery.Ports = DefaultPorts
	}
	if c.Discovery.DialTimeout == 0 {
		c.Discovery.DialTimeout = DefaultDialTimeout
	}
	if c.Discovery.Concurrency == 0 {
		c.Discovery.Concurrency = DefaultDiscoveryConcurrency
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
	if c.Log.Output == "" {
		c.Log.Output = DefaultLogOutput
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = DefaultLogMaxBackups
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = DefaultLogMaxAgeDays
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}

// defaultHistoryPath places the history database in the user config dir,
// falling back to the working directory.
func defaultHistoryPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return DefaultHistoryFile
	}
	return filepath.Join(dir, "moltzer", DefaultHistoryFile)
}
