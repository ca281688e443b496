package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Gateway.URL != "" {
		if err := ValidateGatewayURL(c.Gateway.URL); err != nil {
			return fmt.Errorf("gateway.url: %w", err)
		}
	}

	if c.Connection.ConnectTimeout <= 0 {
		return errors.New("connection.connect_timeout must be > 0")
	}
	if c.Connection.RequestTimeout <= 0 {
		return errors.New("connection.request_timeout must be > 0")
	}
	if c.Connection.ReconnectBaseDelay <= 0 {
		return errors.New("connection.reconnect_base_delay must be > 0")
	}
	if c.Connection.ReconnectMaxDelay < c.Connection.ReconnectBaseDelay {
		return fmt.Errorf("connection.reconnect_max_delay (%s) cannot be below reconnect_base_delay (%s)",
			c.Connection.ReconnectMaxDelay, c.Connection.ReconnectBaseDelay)
	}

	if c.Queue.Capacity < 1 {
		return errors.New("queue.capacity must be >= 1")
	}
	if c.Queue.MaxAttempts < 1 {
		return errors.New("queue.max_attempts must be >= 1")
	}

	switch c.History.Driver {
	case "none":
	case "sqlite":
		if c.History.Path == "" {
			return errors.New("history.path is required for the sqlite driver")
		}
	case "postgres":
		if err := c.History.Postgres.validate("history.postgres"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("history.driver must be sqlite, postgres or none, got %q", c.History.Driver)
	}
	if c.History.BatchSize < 1 {
		return errors.New("history.batch_size must be >= 1")
	}

	for _, p := range c.Discovery.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("discovery.ports must be between 1 and 65535, got %d", p)
		}
	}
	if c.Discovery.Concurrency < 1 {
		return errors.New("discovery.concurrency must be >= 1")
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

// ValidateGatewayURL accepts ws:// and wss:// URLs with a host.
func ValidateGatewayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
