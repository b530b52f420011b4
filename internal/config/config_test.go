package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes a config file into a temp dir and returns its path.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalRoutes = `
[[proxy.routes]]
prefix = "/api"
upstream = "https://upstream.example/base"
`

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9000
body_max_bytes = 5242880

[proxy]
tie_break = "first"

[[proxy.params]]
key = "token"
value = "abc"

[[proxy.routes]]
prefix = "/api"
upstream = "https://upstream.example/base"

[[proxy.routes]]
prefix = "/cdn"
upstream = "https://cdn.example"

[[proxy.routes.params]]
key = "source"
value = "proxy"

[rewrite]
max_body_bytes = 1048576
content_types = ["text/html"]

[[rewrite.rules]]
from = "https://cdn.example"
to = "/cdn"

[[rewrite.rules]]
from = "https://upstream.example"
to = "/api"

[upstream]
timeout_seconds = 60
connect_timeout_seconds = 5
idle_connections = 50

[log]
level = "debug"
format = "text"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Proxy.TieBreak != "first" {
		t.Errorf("Proxy.TieBreak = %q, want %q", cfg.Proxy.TieBreak, "first")
	}
	if len(cfg.Proxy.Routes) != 2 {
		t.Fatalf("len(Proxy.Routes) = %d, want 2", len(cfg.Proxy.Routes))
	}
	if cfg.Proxy.Routes[1].Params[0].Key != "source" {
		t.Errorf("route param key = %q, want %q", cfg.Proxy.Routes[1].Params[0].Key, "source")
	}
	if len(cfg.Rewrite.Rules) != 2 {
		t.Fatalf("len(Rewrite.Rules) = %d, want 2", len(cfg.Rewrite.Rules))
	}
	// Rule order must survive parsing; substitution order is semantic.
	if cfg.Rewrite.Rules[0].From != "https://cdn.example" {
		t.Errorf("Rewrite.Rules[0].From = %q, want %q", cfg.Rewrite.Rules[0].From, "https://cdn.example")
	}
	if cfg.Upstream.ConnectTimeoutSeconds != 5 {
		t.Errorf("Upstream.ConnectTimeoutSeconds = %d, want 5", cfg.Upstream.ConnectTimeoutSeconds)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, minimalRoutes)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.Proxy.TieBreak != "last" {
		t.Errorf("Proxy.TieBreak = %q, want %q", cfg.Proxy.TieBreak, "last")
	}
	if cfg.Rewrite.MaxBodyBytes != 10*1024*1024 {
		t.Errorf("Rewrite.MaxBodyBytes = %d, want %d", cfg.Rewrite.MaxBodyBytes, 10*1024*1024)
	}
	if len(cfg.Rewrite.ContentTypes) == 0 {
		t.Error("Rewrite.ContentTypes default is empty")
	}
	if cfg.Upstream.TimeoutSeconds != 120 {
		t.Errorf("Upstream.TimeoutSeconds = %d, want 120", cfg.Upstream.TimeoutSeconds)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v, want info/json", cfg.Log)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath(filepath.Join(t.TempDir(), "nope.toml")))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoad_NoRoutes(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9000
`)
	_, err := Load(cliWithPath(path))
	if err == nil || !strings.Contains(err.Error(), "proxy.routes") {
		t.Fatalf("Load() error = %v, want proxy.routes error", err)
	}
}

func TestLoad_InvalidRoutes(t *testing.T) {
	tests := []struct {
		name string
		toml string
		want string
	}{
		{
			name: "prefix without slash",
			toml: "[[proxy.routes]]\nprefix = \"api\"\nupstream = \"https://u.example\"\n",
			want: "prefix",
		},
		{
			name: "missing upstream",
			toml: "[[proxy.routes]]\nprefix = \"/api\"\n",
			want: "upstream",
		},
		{
			name: "bad scheme",
			toml: "[[proxy.routes]]\nprefix = \"/api\"\nupstream = \"ftp://u.example\"\n",
			want: "http",
		},
		{
			name: "no host",
			toml: "[[proxy.routes]]\nprefix = \"/api\"\nupstream = \"https://\"\n",
			want: "host",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, tt.toml)))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load() error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestLoad_InvalidTieBreak(t *testing.T) {
	path := writeConfig(t, minimalRoutes+`
[proxy]
tie_break = "specificity"
`)
	_, err := Load(cliWithPath(path))
	if err == nil || !strings.Contains(err.Error(), "tie_break") {
		t.Fatalf("Load() error = %v, want tie_break error", err)
	}
}

func TestLoad_RewriteRuleMissingFrom(t *testing.T) {
	path := writeConfig(t, minimalRoutes+`
[[rewrite.rules]]
to = "/cdn"
`)
	_, err := Load(cliWithPath(path))
	if err == nil || !strings.Contains(err.Error(), "rewrite.rules") {
		t.Fatalf("Load() error = %v, want rewrite.rules error", err)
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	path := writeConfig(t, minimalRoutes+`
[log]
level = "verbose"
`)
	_, err := Load(cliWithPath(path))
	if err == nil || !strings.Contains(err.Error(), "log.level") {
		t.Fatalf("Load() error = %v, want log.level error", err)
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, minimalRoutes+`
[server]
host = "0.0.0.0"
port = 8000
`)

	cli := &CLI{
		Config:   path,
		Host:     "127.0.0.1",
		Port:     9999,
		LogLevel: "warn",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want CLI override", cfg.Server.Host)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want CLI override", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want CLI override", cfg.Log.Level)
	}
}

func TestLoad_MetricsPathConflictsWithRoute(t *testing.T) {
	path := writeConfig(t, minimalRoutes+`
[metrics]
enabled = true
path = "/api/metrics"
`)
	_, err := Load(cliWithPath(path))
	if err == nil || !strings.Contains(err.Error(), "conflicts") {
		t.Fatalf("Load() error = %v, want conflict error", err)
	}
}

func TestLoad_MetricsDisabledSkipsPathValidation(t *testing.T) {
	path := writeConfig(t, minimalRoutes+`
[metrics]
enabled = false
path = "/api/metrics"
`)
	if _, err := Load(cliWithPath(path)); err != nil {
		t.Fatalf("Load() error = %v, want nil when metrics disabled", err)
	}
}

func TestRoutePrefixes(t *testing.T) {
	cfg := &Config{Proxy: ProxyConfig{Routes: []RouteConfig{
		{Prefix: "/api"},
		{Prefix: "/cdn"},
	}}}

	got := cfg.RoutePrefixes()
	if len(got) != 2 || got[0] != "/api" || got[1] != "/cdn" {
		t.Errorf("RoutePrefixes() = %v, want [/api /cdn]", got)
	}
}

func TestFindConfigInPaths_Priority(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.toml")
	second := filepath.Join(dir, "second.toml")
	for _, p := range []string{first, second} {
		if err := os.WriteFile(p, []byte(""), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if got := findConfigInPaths([]string{first, second}); got != first {
		t.Errorf("findConfigInPaths() = %q, want %q", got, first)
	}
}

func TestFindConfigInPaths_NotFound(t *testing.T) {
	if got := findConfigInPaths([]string{filepath.Join(t.TempDir(), "nope.toml")}); got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on windows")
	}

	path := writeConfig(t, minimalRoutes)
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on windows")
	}

	path := writeConfig(t, minimalRoutes)
	if err := os.Chmod(path, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning, got %q", buf.String())
	}
}

func TestServerConfig_Addr(t *testing.T) {
	c := &ServerConfig{Host: "127.0.0.1", Port: 9000}
	if got := c.Addr(); got != "127.0.0.1:9000" {
		t.Errorf("Addr() = %q, want %q", got, "127.0.0.1:9000")
	}
}
