package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
server:
  port: 9000
  request_timeout: 2s
log:
  level: debug
rack:
  max_retries: 2
  retry_header: X-Retries
routes:
  - path: /api
    backends:
      - http://localhost:9001
      - http://localhost:9002
    strategy: random
    retry:
      attempts: 2
      statuses: [503]
      initial_backoff: 10ms
  - path: /static
    backend: http://localhost:9003
synthetic:
  - path: /teapot
    status: 418
    body: foo
auth:
  enabled: true
  api_keys: [secret]
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout != 2*time.Second {
		t.Errorf("Expected request timeout 2s, got %s", cfg.Server.RequestTimeout)
	}
	if cfg.MaxRetries() != 2 {
		t.Errorf("Expected max retries 2, got %d", cfg.MaxRetries())
	}
	if cfg.Rack.RetryHeader != "X-Retries" {
		t.Errorf("Expected retry header X-Retries, got %s", cfg.Rack.RetryHeader)
	}
	if len(cfg.Routes) != 2 {
		t.Fatalf("Expected 2 routes, got %d", len(cfg.Routes))
	}

	api := cfg.Routes[0]
	if len(api.GetBackends()) != 2 || api.Strategy != "random" {
		t.Errorf("Unexpected api route: %+v", api)
	}
	if api.Retry.InitialBackoff != 10*time.Millisecond {
		t.Errorf("Expected initial backoff 10ms, got %s", api.Retry.InitialBackoff)
	}
	if len(api.Retry.Statuses) != 1 || api.Retry.Statuses[0] != 503 {
		t.Errorf("Expected statuses [503], got %v", api.Retry.Statuses)
	}

	static := cfg.Routes[1]
	if len(static.GetBackends()) != 1 || static.Strategy != "round-robin" {
		t.Errorf("Expected defaults on static route, got %+v", static)
	}
	if len(static.Retry.Statuses) != 3 {
		t.Errorf("Expected default retry statuses, got %v", static.Retry.Statuses)
	}

	if len(cfg.Synthetic) != 1 || cfg.Synthetic[0].Status != 418 || cfg.Synthetic[0].Body != "foo" {
		t.Errorf("Unexpected synthetic config: %+v", cfg.Synthetic)
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.MaxRetries() != 3 {
		t.Errorf("Expected default max retries 3, got %d", cfg.MaxRetries())
	}
	if len(cfg.Compression.Algorithms) != 3 || cfg.Compression.MinSize != 1024 {
		t.Errorf("Expected compression defaults, got %+v", cfg.Compression)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Expected default log level info, got %s", cfg.Log.Level)
	}
}

func TestZeroMaxRetriesIsKept(t *testing.T) {
	cfg, err := Parse([]byte("rack:\n  max_retries: 0\n"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.MaxRetries() != 0 {
		t.Errorf("Expected max retries 0, got %d", cfg.MaxRetries())
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"negative retries":  "rack:\n  max_retries: -1\n",
		"no backends":       "routes:\n  - path: /api\n",
		"bad path":          "routes:\n  - path: api\n    backend: http://x\n",
		"duplicate path":    "routes:\n  - path: /a\n    backend: http://x\n  - path: /a\n    backend: http://y\n",
		"unknown strategy":  "routes:\n  - path: /a\n    backend: http://x\n    strategy: fastest\n",
		"bad status":        "synthetic:\n  - path: /x\n    status: 42\n",
		"auth without keys": "auth:\n  enabled: true\n",
		"bad algorithm":     "compression:\n  algorithms: [lzma]\n",
		"bad level":         "compression:\n  level: 12\n",
	}

	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected validation error", name)
		} else if !strings.Contains(err.Error(), "invalid config") {
			t.Errorf("%s: expected invalid config error, got %v", name, err)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Expected port 9000, got %d", cfg.Server.Port)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Errorf("Expected error for missing file")
	}
}
