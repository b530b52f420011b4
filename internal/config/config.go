// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/mirror-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Rewrite  RewriteConfig  `toml:"rewrite"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ProxyConfig holds the routing table and query injection settings.
type ProxyConfig struct {
	// TieBreak decides which entry wins when several route prefixes match
	// the same path: "last" (declaration order, later wins) or "first".
	TieBreak string        `toml:"tie_break"`
	Routes   []RouteConfig `toml:"routes"`
	Params   []ParamConfig `toml:"params"` // injected into every matched target, in order
}

// RouteConfig maps a path prefix to an upstream base URL.
// Declaration order is significant; see ProxyConfig.TieBreak.
type RouteConfig struct {
	Prefix   string        `toml:"prefix"`
	Upstream string        `toml:"upstream"`
	Params   []ParamConfig `toml:"params"` // per-route params, appended after global ones
}

// ParamConfig is one query parameter to inject into outbound targets.
// An array of tables keeps declaration order, which a TOML map would lose.
type ParamConfig struct {
	Key   string `toml:"key"`
	Value string `toml:"value"`
}

// RewriteConfig holds response body rewrite settings.
type RewriteConfig struct {
	// MaxBodyBytes caps in-memory buffering of rewrite-eligible bodies.
	// Larger bodies pass through unrewritten. 0 means "use default" (10 MiB).
	MaxBodyBytes int64 `toml:"max_body_bytes"`
	// ContentTypes lists rewrite-eligible media types. Empty means the
	// default HTML/script set.
	ContentTypes []string            `toml:"content_types"`
	Rules        []RewriteRuleConfig `toml:"rules"`
}

// RewriteRuleConfig substitutes a literal upstream reference with a
// proxy-internal path prefix. Rules apply in declaration order; longer
// literals that overlap shorter ones must come first.
type RewriteRuleConfig struct {
	From string `toml:"from"`
	To   string `toml:"to"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds        int `toml:"timeout_seconds"`
	ConnectTimeoutSeconds int `toml:"connect_timeout_seconds"`
	IdleConnections       int `toml:"idle_connections"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/mirror-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Routing table: at least one route, each with a rooted prefix and a
	// valid absolute upstream URL.
	if len(c.Proxy.Routes) == 0 {
		return fmt.Errorf("proxy.routes must contain at least one route")
	}
	for i, r := range c.Proxy.Routes {
		if r.Prefix == "" || r.Prefix[0] != '/' {
			return fmt.Errorf("proxy.routes[%d].prefix must start with '/'; got %q", i, r.Prefix)
		}
		if r.Upstream == "" {
			return fmt.Errorf("proxy.routes[%d].upstream is required", i)
		}
		u, err := url.Parse(r.Upstream)
		if err != nil {
			return fmt.Errorf("proxy.routes[%d].upstream is not a valid URL: %w", i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("proxy.routes[%d].upstream must be http or https; got %q", i, r.Upstream)
		}
		if u.Host == "" {
			return fmt.Errorf("proxy.routes[%d].upstream has no host; got %q", i, r.Upstream)
		}
	}

	switch strings.ToLower(c.Proxy.TieBreak) {
	case "last", "first", "":
		// valid
	default:
		return fmt.Errorf("proxy.tie_break must be one of: last, first; got %q", c.Proxy.TieBreak)
	}

	for i, p := range c.Proxy.Params {
		if p.Key == "" {
			return fmt.Errorf("proxy.params[%d].key is required", i)
		}
	}

	for i, rule := range c.Rewrite.Rules {
		if rule.From == "" {
			return fmt.Errorf("rewrite.rules[%d].from is required", i)
		}
	}
	if c.Rewrite.MaxBodyBytes < 0 {
		return fmt.Errorf("rewrite.max_body_bytes must be non-negative; got %d", c.Rewrite.MaxBodyBytes)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.connect_timeout_seconds must be non-negative; got %d", c.Upstream.ConnectTimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		reserved := []string{"/healthz", "/proxy/status"}
		for _, r := range c.Proxy.Routes {
			reserved = append(reserved, r.Prefix)
		}
		for _, res := range reserved {
			if p == res || strings.HasPrefix(p, res+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, res)
			}
		}
	}

	return nil
}

// defaultRewriteTypes is the rewrite-eligible media type set used when the
// config does not name one: HTML plus the textual script types.
var defaultRewriteTypes = []string{
	"text/html",
	"text/javascript",
	"application/javascript",
	"application/x-javascript",
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, MaxBodyBytes, etc.), zero means "unset" because
// TOML cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Proxy.TieBreak == "" {
		c.Proxy.TieBreak = "last"
	}
	if c.Rewrite.MaxBodyBytes == 0 {
		c.Rewrite.MaxBodyBytes = 10 * 1024 * 1024 // 10 MiB
	}
	if len(c.Rewrite.ContentTypes) == 0 {
		c.Rewrite.ContentTypes = defaultRewriteTypes
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// RoutePrefixes returns the configured route prefixes in declaration order.
func (c *Config) RoutePrefixes() []string {
	prefixes := make([]string, 0, len(c.Proxy.Routes))
	for _, r := range c.Proxy.Routes {
		prefixes = append(prefixes, r.Prefix)
	}
	return prefixes
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
