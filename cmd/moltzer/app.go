package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/rickgao/moltzer/internal/config"
	"github.com/rickgao/moltzer/internal/connection"
	"github.com/rickgao/moltzer/internal/discovery"
	"github.com/rickgao/moltzer/internal/dispatcher"
	"github.com/rickgao/moltzer/internal/history"
	"github.com/rickgao/moltzer/internal/logging"
	"github.com/rickgao/moltzer/internal/outbox"
	"github.com/rickgao/moltzer/internal/version"
)

// loadConfig reads the config file named by --config and applies flag
// overrides. A missing file yields the defaults.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")

	cfg, err := config.LoadWithDefaults(path)
	if errors.Is(err, fs.ErrNotExist) && !c.IsSet("config") {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, err
	}

	if v := c.String("url"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := c.String("token"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.Log.Level = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger and makes it the slog default.
func newLogger(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return logger, closer, nil
}

// managerConfig maps file configuration onto the Connection Manager.
func managerConfig(cfg *config.Config) connection.ManagerConfig {
	mc := connection.DefaultManagerConfig()

	mc.ClientID = cfg.Gateway.ClientID
	mc.ClientVersion = version.Version
	mc.Scopes = cfg.Gateway.Scopes
	mc.Locale = cfg.Gateway.Locale

	mc.ConnectTimeout = cfg.Connection.ConnectTimeout
	mc.RequestTimeout = cfg.Connection.RequestTimeout
	mc.UpgradeToTLS = cfg.Connection.TLSUpgrade()
	mc.StreamIdleTimeout = cfg.Connection.StreamIdleTimeout

	mc.Client.PingInterval = cfg.Connection.PingInterval
	mc.Client.PingTimeout = cfg.Connection.PingTimeout
	mc.Client.UserAgent = version.UserAgent()

	mc.Backoff.Initial = cfg.Connection.ReconnectBaseDelay
	mc.Backoff.Max = cfg.Connection.ReconnectMaxDelay

	mc.Queue = outbox.Config{
		Capacity:    cfg.Queue.Capacity,
		MaxAttempts: cfg.Queue.MaxAttempts,
		TTL:         cfg.Queue.TTL,
	}
	return mc
}

// discoveryOptions maps file configuration onto discovery.
func discoveryOptions(cfg config.DiscoveryConfig) discovery.Options {
	opts := discovery.DefaultOptions()
	if len(cfg.Hosts) > 0 {
		opts.Hosts = cfg.Hosts
	}
	if len(cfg.Ports) > 0 {
		opts.Ports = cfg.Ports
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.Concurrency > 0 {
		opts.Concurrency = cfg.Concurrency
	}
	return opts
}

// resolveURL returns the configured Gateway URL, or the best discovered one.
func resolveURL(ctx context.Context, cfg *config.Config, logger *slog.Logger) (string, error) {
	if cfg.Gateway.URL != "" {
		return cfg.Gateway.URL, nil
	}

	gws, err := discovery.New(discoveryOptions(cfg.Discovery), logger).Discover(ctx)
	if err != nil {
		return "", fmt.Errorf("discover gateway: %w", err)
	}
	for _, gw := range gws {
		if gw.Reachable {
			logger.Info("using discovered gateway", "url", gw.URL, "source", gw.Source)
			return gw.URL, nil
		}
	}
	return "", errors.New("no gateway configured and none found; pass --url or set gateway.url")
}

// session is a connected Manager with its history recorder.
type session struct {
	cfg    *config.Config
	logger *slog.Logger
	mgr    *connection.Manager

	logCloser io.Closer
	store     history.Store
	rec       *history.Recorder
	stopWatch context.CancelFunc
}

// openSession loads config, wires history and connects to the Gateway.
func openSession(c *cli.Context) (*session, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	logger, logCloser, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, logger: logger, logCloser: logCloser}
	ctx := c.Context

	s.mgr = connection.NewManager(managerConfig(cfg), logger)

	s.store, err = history.Open(ctx, cfg.History)
	if err != nil {
		logger.Warn("history disabled", "error", err)
	}
	if s.store != nil {
		s.rec = history.NewRecorder(history.RecorderConfig(cfg.History), s.store, logger)
		s.rec.Start(ctx)
		s.mgr.Outbox().Observe(s.rec.ObserveMessage)
		s.mgr.Subscribe(dispatcher.Wildcard, s.rec.ObserveEvent)
	}

	url, err := resolveURL(ctx, cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	status, err := s.mgr.Connect(ctx, url, cfg.Gateway.Token)
	if err != nil {
		s.Close()
		return nil, err
	}
	logger.Info("connected",
		"endpoint", status.Endpoint,
		"protocol", status.Protocol,
		"server_version", status.Server.Version,
	)

	if c.IsSet("config") {
		s.watchConfig(ctx, c.String("config"))
	}
	return s, nil
}

// watchConfig pushes changed credentials into the Manager.
func (s *session) watchConfig(ctx context.Context, path string) {
	ctx, s.stopWatch = context.WithCancel(ctx)
	go func() {
		err := config.Watch(ctx, path, config.DefaultDebounce, s.logger, func(next *config.Config) {
			if next.Gateway.URL == "" {
				next.Gateway.URL = s.mgr.Status().Endpoint
			}
			s.mgr.UpdateCredentials(next.Gateway.URL, next.Gateway.Token)
		})
		if err != nil {
			s.logger.Warn("config watch stopped", "error", err)
		}
	}()
}

// Close disconnects and flushes history.
func (s *session) Close() {
	if s.stopWatch != nil {
		s.stopWatch()
	}
	if s.mgr != nil {
		s.mgr.Close()
	}
	if s.rec != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.rec.Stop(ctx)
		cancel()
	}
	if s.store != nil {
		s.store.Close()
	}
	if s.logCloser != nil {
		s.logCloser.Close()
	}
}
