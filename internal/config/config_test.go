package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
gateway:
  url: ws://127.0.0.1:18789
  token: abc
  scopes: [operator.read]
connection:
  request_timeout: 10s
queue:
  capacity: 50
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Gateway.URL != "ws://127.0.0.1:18789" {
		t.Errorf("Gateway.URL = %q, want %q", cfg.Gateway.URL, "ws://127.0.0.1:18789")
	}
	if len(cfg.Gateway.Scopes) != 1 || cfg.Gateway.Scopes[0] != "operator.read" {
		t.Errorf("Gateway.Scopes = %v", cfg.Gateway.Scopes)
	}
	if cfg.Connection.RequestTimeout != 10*time.Second {
		t.Errorf("Connection.RequestTimeout = %v, want 10s", cfg.Connection.RequestTimeout)
	}
	if cfg.Queue.Capacity != 50 {
		t.Errorf("Queue.Capacity = %d, want 50", cfg.Queue.Capacity)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_GATEWAY_TOKEN", "secret123")

	yaml := `
gateway:
  url: ws://127.0.0.1:18789
  token: ${TEST_GATEWAY_TOKEN}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Gateway.Token != "secret123" {
		t.Errorf("Gateway.Token = %q, want %q", cfg.Gateway.Token, "secret123")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	path := writeTempFile(t, "gateway:\n  url: wss://gw.example.com\n")

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.Connection.ReconnectBaseDelay != DefaultReconnectBaseDelay {
		t.Errorf("ReconnectBaseDelay = %v, want default %v", cfg.Connection.ReconnectBaseDelay, DefaultReconnectBaseDelay)
	}
	if cfg.Connection.ReconnectMaxDelay != DefaultReconnectMaxDelay {
		t.Errorf("ReconnectMaxDelay = %v, want default %v", cfg.Connection.ReconnectMaxDelay, DefaultReconnectMaxDelay)
	}
	if cfg.Queue.Capacity != DefaultQueueCapacity {
		t.Errorf("Queue.Capacity = %d, want default %d", cfg.Queue.Capacity, DefaultQueueCapacity)
	}
	if cfg.Queue.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("Queue.MaxAttempts = %d, want default %d", cfg.Queue.MaxAttempts, DefaultMaxAttempts)
	}
	if cfg.History.Driver != DefaultHistoryDriver {
		t.Errorf("History.Driver = %q, want default %q", cfg.History.Driver, DefaultHistoryDriver)
	}
	if cfg.History.Postgres.Port != DefaultDBPort {
		t.Errorf("History.Postgres.Port = %d, want default %d", cfg.History.Postgres.Port, DefaultDBPort)
	}
	if len(cfg.Discovery.Ports) != len(DefaultPorts) {
		t.Errorf("Discovery.Ports = %v, want %v", cfg.Discovery.Ports, DefaultPorts)
	}
	if !cfg.Connection.TLSUpgrade() {
		t.Error("TLS upgrade should default to on")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestLoadAndValidate(t *testing.T) {
	path := writeTempFile(t, "gateway:\n  url: http://example.com\n")

	if _, err := LoadAndValidate(path); err == nil {
		t.Error("expected validation to reject an http url")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.Gateway.URL = "ws://127.0.0.1:18789"
		return *cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: "",
		},
		{
			name:    "empty url allowed",
			mutate:  func(c *Config) { c.Gateway.URL = "" },
			wantErr: "",
		},
		{
			name:    "bad scheme",
			mutate:  func(c *Config) { c.Gateway.URL = "http://127.0.0.1" },
			wantErr: `gateway.url: scheme must be ws or wss, got "http"`,
		},
		{
			name:    "zero queue capacity",
			mutate:  func(c *Config) { c.Queue.Capacity = 0 },
			wantErr: "queue.capacity must be >= 1",
		},
		{
			name: "max delay below base",
			mutate: func(c *Config) {
				c.Connection.ReconnectBaseDelay = 10 * time.Second
				c.Connection.ReconnectMaxDelay = 5 * time.Second
			},
			wantErr: "connection.reconnect_max_delay (5s) cannot be below reconnect_base_delay (10s)",
		},
		{
			name:    "unknown history driver",
			mutate:  func(c *Config) { c.History.Driver = "mysql" },
			wantErr: `history.driver must be sqlite, postgres or none, got "mysql"`,
		},
		{
			name:    "postgres without host",
			mutate:  func(c *Config) { c.History.Driver = "postgres" },
			wantErr: "history.postgres.host is required",
		},
		{
			name: "min_conns exceeds max_conns",
			mutate: func(c *Config) {
				c.History.Driver = "postgres"
				c.History.Postgres = DBConfig{Host: "localhost", Name: "db", User: "user", MaxConns: 5, MinConns: 10}
			},
			wantErr: "history.postgres.min_conns (10) cannot exceed max_conns (5)",
		},
		{
			name:    "bad discovery port",
			mutate:  func(c *Config) { c.Discovery.Ports = []int{70000} },
			wantErr: "discovery.ports must be between 1 and 65535, got 70000",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: `log.format must be text or json, got "xml"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
