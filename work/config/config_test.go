package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"PORT", "PROXY_LISTEN_ADDR", "JWT_SECRET", "PROXY_SIGNING_SECRET", "PLAY_TTL_SECONDS",
	"PROXY_FETCH_TIMEOUT", "PROXY_HOST_ALLOWLIST", "PROXY_HOST_ALLOWLIST_REQUIRED",
	"PROXY_RESOLVE_HOSTS", "PROXY_SESSION_BACKEND", "DB_PATH", "PROXY_DATABASE_URL",
	"CRED_ENC_KEY_HEX", "PROXY_MAX_SESSIONS", "PROXY_JANITOR_INTERVAL",
	"PROXY_MANIFEST_MAX_BYTES", "PROXY_UPSTREAM_RPS", "PROXY_MAX_CONNECTIONS",
	"PROXY_USER_AGENT", "PROXY_CORS_ORIGINS", "LOG_LEVEL", "PROXY_OBFUSCATE_URLS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != ":8787" {
		t.Errorf("ListenAddr = %q, want :8787", cfg.ListenAddr)
	}
	if cfg.SessionTTL != time.Hour {
		t.Errorf("SessionTTL = %s, want 1h", cfg.SessionTTL)
	}
	if cfg.FetchTimeout != 15*time.Second {
		t.Errorf("FetchTimeout = %s, want 15s", cfg.FetchTimeout)
	}
	if !cfg.ResolveHosts || !cfg.ObfuscateUrls {
		t.Errorf("ResolveHosts/ObfuscateUrls should default to true")
	}
	if cfg.SessionBackend != BackendMemory {
		t.Errorf("SessionBackend = %q, want memory", cfg.SessionBackend)
	}
	if len(cfg.HostAllowlist) != 0 || cfg.HostAllowlistRequired {
		t.Errorf("allowlist should default to empty and optional")
	}
	if cfg.SigningSecret == "" || !cfg.SigningSecretGenerated {
		t.Errorf("expected a generated signing secret")
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"listenAddr": ":9000",
		"signingSecret": "file-secret",
		"sessionTTL": "30m",
		"fetchTimeout": "5s",
		"hostAllowlist": ["CDN.Example.com.", " media.example.org "],
		"resolveHosts": false,
		"upstreamRequestsPerSecond": 0
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PORT", "7000")
	t.Setenv("PLAY_TTL_SECONDS", "120")
	t.Setenv("PROXY_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != ":7000" {
		t.Errorf("ListenAddr = %q, want :7000", cfg.ListenAddr)
	}
	if cfg.SigningSecret != "file-secret" || cfg.SigningSecretGenerated {
		t.Errorf("SigningSecret = %q (generated=%v)", cfg.SigningSecret, cfg.SigningSecretGenerated)
	}
	if cfg.SessionTTL != 2*time.Minute {
		t.Errorf("SessionTTL = %s, want 2m", cfg.SessionTTL)
	}
	if cfg.FetchTimeout != 5*time.Second {
		t.Errorf("FetchTimeout = %s, want 5s", cfg.FetchTimeout)
	}
	if got := strings.Join(cfg.HostAllowlist, ","); got != "cdn.example.com,media.example.org" {
		t.Errorf("HostAllowlist = %q", got)
	}
	if cfg.ResolveHosts {
		t.Errorf("ResolveHosts should be false from file")
	}
	if cfg.UpstreamRequestsPerSecond != 0 {
		t.Errorf("UpstreamRequestsPerSecond = %d, want 0", cfg.UpstreamRequestsPerSecond)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"zero ttl", map[string]string{"PLAY_TTL_SECONDS": "0"}},
		{"bad ttl", map[string]string{"PLAY_TTL_SECONDS": "soon"}},
		{"bad timeout", map[string]string{"PROXY_FETCH_TIMEOUT": "15"}},
		{"unknown backend", map[string]string{"PROXY_SESSION_BACKEND": "redis"}},
		{"postgres without url", map[string]string{"PROXY_SESSION_BACKEND": "postgres"}},
		{"short key", map[string]string{"CRED_ENC_KEY_HEX": "abcd"}},
		{"bad bool", map[string]string{"PROXY_RESOLVE_HOSTS": "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(""); err == nil {
				t.Fatalf("Load() expected error")
			}
		})
	}
}

func TestLoad_BadFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"fetchTimeout": "soon"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("Load() expected error for bad duration")
	}
}

func TestRedactedDatabaseURL(t *testing.T) {
	cfg := &Config{DatabaseURL: "postgres://proxy:hunter2@db:5432/playback"}
	if got := cfg.RedactedDatabaseURL(); strings.Contains(got, "hunter2") {
		t.Errorf("RedactedDatabaseURL() leaked password: %q", got)
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" a, ,b ,,c")
	if strings.Join(got, "|") != "a|b|c" {
		t.Errorf("splitCSV() = %v", got)
	}
}
