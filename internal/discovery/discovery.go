// Package discovery locates candidate Gateway endpoints.
//
// Sources, in order: environment variables, config files in the working
// and home directories, and a scan of well-known local ports. Every
// candidate is checked with a WebSocket dial.
package discovery

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// Sources reported in Gateway.Source.
const (
	SourceEnv    = "environment"
	SourceConfig = "config file"
	SourceScan   = "local scan"
)

// EnvVars are checked in order for a Gateway URL.
var EnvVars = []string{"MOLTZER_GATEWAY_URL", "MOLT_GATEWAY_URL", "GATEWAY_URL"}

// ConfigFiles are searched in each directory for a Gateway URL.
var ConfigFiles = []string{".env.local", ".env", "moltzer.config.json"}

// Gateway is a discovered endpoint.
type Gateway struct {
	URL          string
	Source       string
	Reachable    bool
	ResponseTime time.Duration // dial time, zero when unreachable
}

// Options configures discovery.
type Options struct {
	Hosts       []string
	Ports       []int
	Schemes     []string // ws, wss
	Dirs        []string // config file directories; nil means cwd and home
	DialTimeout time.Duration
	Concurrency int
	Getenv      func(string) string // nil means os.Getenv
}

// DefaultOptions returns the standard local scan.
func DefaultOptions() Options {
	return Options{
		Hosts:       []string{"localhost", "127.0.0.1"},
		Ports:       []int{18789, 8789, 3000, 8080},
		Schemes:     []string{"ws", "wss"},
		DialTimeout: time.Second,
		Concurrency: 8,
	}
}

// Discoverer finds Gateways.
type Discoverer struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Discoverer.
func New(opts Options, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if len(opts.Schemes) == 0 {
		opts.Schemes = def.Schemes
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.DialTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.Dirs == nil {
		opts.Dirs = defaultDirs()
	}
	return &Discoverer{opts: opts, logger: logger}
}

// Discover returns every candidate found, reachable ones first by
// response time. Unreachable scan results are omitted; unreachable env
// and config candidates are kept so the caller can report them.
func (d *Discoverer) Discover(ctx context.Context) ([]Gateway, error) {
	var candidates []Gateway

	if url, ok := FromEnv(d.opts.Getenv); ok {
		candidates = append(candidates, Gateway{URL: url, Source: SourceEnv})
	}
	if url, path, ok := FromConfigFiles(d.opts.Dirs); ok {
		candidates = append(candidates, Gateway{URL: url, Source: SourceConfig + " " + path})
	}
	named := len(candidates)

	for _, scheme := range d.opts.Schemes {
		for _, host := range d.opts.Hosts {
			for _, port := range d.opts.Ports {
				candidates = append(candidates, Gateway{
					URL:    fmt.Sprintf("%s://%s:%d", scheme, host, port),
					Source: fmt.Sprintf("%s (%d)", SourceScan, port),
				})
			}
		}
	}
	candidates = dedupe(candidates)

	results := make([]Gateway, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)
	for i, c := range candidates {
		g.Go(func() error {
			results[i] = Check(gctx, c.URL, d.opts.DialTimeout)
			results[i].Source = c.Source
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []Gateway
	for i, r := range results {
		if r.Reachable || i < named {
			out = append(out, r)
		}
	}
	Sort(out)

	d.logger.Debug("gateway discovery finished", "candidates", len(candidates), "found", len(out))
	return out, nil
}

// Check dials url and reports whether a WebSocket upgrade succeeded.
func Check(ctx context.Context, url string, timeout time.Duration) Gateway {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	start := time.Now()
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return Gateway{URL: url}
	}
	elapsed := time.Since(start)
	conn.Close()

	return Gateway{URL: url, Reachable: true, ResponseTime: elapsed}
}

// Sort orders reachable gateways first, fastest first. The order of
// unreachable gateways is kept.
func Sort(gws []Gateway) {
	sort.SliceStable(gws, func(i, j int) bool {
		a, b := gws[i], gws[j]
		if a.Reachable != b.Reachable {
			return a.Reachable
		}
		if a.Reachable {
			return a.ResponseTime < b.ResponseTime
		}
		return false
	})
}

// FromEnv returns the first non-empty Gateway URL variable.
func FromEnv(getenv func(string) string) (string, bool) {
	for _, name := range EnvVars {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			return v, true
		}
	}
	return "", false
}

// FromConfigFiles returns the first Gateway URL found in ConfigFiles under
// dirs, with the file it came from.
func FromConfigFiles(dirs []string) (url, path string, ok bool) {
	for _, dir := range dirs {
		for _, name := range ConfigFiles {
			p := filepath.Join(dir, name)
			data, err := os.ReadFile(p)
			if err != nil {
				continue
			}
			if u, ok := ExtractURL(string(data)); ok {
				return u, p, true
			}
		}
	}
	return "", "", false
}

// ExtractURL reads a Gateway URL from JSON (gatewayUrl or gateway_url) or
// from .env lines (GATEWAY_URL=, MOLTZER_GATEWAY_URL=).
func ExtractURL(content string) (string, bool) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(content), &doc); err == nil {
		for _, key := range []string{"gatewayUrl", "gateway_url"} {
			if v, ok := doc[key].(string); ok && v != "" {
				return v, true
			}
		}
		return "", false
	}

	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		line = strings.TrimPrefix(line, "export ")
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		switch strings.TrimSpace(key) {
		case "GATEWAY_URL", "MOLTZER_GATEWAY_URL", "MOLT_GATEWAY_URL":
			value = strings.Trim(strings.TrimSpace(value), `"'`)
			if value != "" {
				return value, true
			}
		}
	}
	return "", false
}

func dedupe(gws []Gateway) []Gateway {
	seen := make(map[string]bool, len(gws))
	out := gws[:0]
	for _, g := range gws {
		if seen[g.URL] {
			continue
		}
		seen[g.URL] = true
		out = append(out, g)
	}
	return out
}

func defaultDirs() []string {
	var dirs []string
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, home)
	}
	return dirs
}
