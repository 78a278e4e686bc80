package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultConfigPath = "/settings/config.json"
	DefaultUserAgent  = "VLC/3.0.18 LibVLC/3.0.18"

	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config holds all runtime settings for the playback proxy.
// It is built once at startup and passed down explicitly; nothing reads it globally.
type Config struct {
	ListenAddr                string        // Address the HTTP server binds to (e.g. ":8787")
	SigningSecret             string        // HMAC secret for sub-resource tokens
	SigningSecretGenerated    bool          // True when no secret was configured and one was generated
	SessionTTL                time.Duration // Lifetime of a playback session
	FetchTimeout              time.Duration // Upper bound for upstream fetches
	HostAllowlist             []string      // Exact upstream hostnames permitted (empty = any public host)
	HostAllowlistRequired     bool          // Deny everything when the allowlist is empty
	ResolveHosts              bool          // Resolve hostnames and check every address against the blocklist
	SessionBackend            string        // memory, sqlite or postgres
	DatabasePath              string        // SQLite file location
	DatabaseURL               string        // Postgres connection string
	CredentialKeyHex          string        // 32-byte hex key sealing session headers at rest
	MaxSessions               int           // Upper bound on sessions held by the memory backend
	JanitorInterval           time.Duration // How often persistent backends prune expired sessions
	ManifestMaxBytes          int64         // Largest playlist body the proxy will read
	UpstreamRequestsPerSecond int           // Per-host outbound rate, 0 disables limiting
	MaxConnectionsToApp       int           // Concurrent streaming responses allowed
	UserAgent                 string        // Default outbound User-Agent
	CORSOrigins               []string      // Allowed browser origins
	LogLevel                  string        // DEBUG, INFO, WARN or ERROR
	ObfuscateUrls             bool          // Mask upstream paths and queries in logs
}

// ConfigFile is the JSON shape of the optional settings file.
// Durations are strings (e.g. "15s"); pointer booleans distinguish "unset" from false.
type ConfigFile struct {
	ListenAddr                string   `json:"listenAddr"`
	SigningSecret             string   `json:"signingSecret"`
	SessionTTL                string   `json:"sessionTTL"`
	FetchTimeout              string   `json:"fetchTimeout"`
	HostAllowlist             []string `json:"hostAllowlist"`
	HostAllowlistRequired     bool     `json:"hostAllowlistRequired"`
	ResolveHosts              *bool    `json:"resolveHosts"`
	SessionBackend            string   `json:"sessionBackend"`
	DatabasePath              string   `json:"databasePath"`
	DatabaseURL               string   `json:"databaseURL"`
	CredentialKeyHex          string   `json:"credentialKeyHex"`
	MaxSessions               int      `json:"maxSessions"`
	JanitorInterval           string   `json:"janitorInterval"`
	ManifestMaxBytes          int64    `json:"manifestMaxBytes"`
	UpstreamRequestsPerSecond *int     `json:"upstreamRequestsPerSecond"`
	MaxConnectionsToApp       int      `json:"maxConnectionsToApp"`
	UserAgent                 string   `json:"userAgent"`
	CORSOrigins               []string `json:"corsOrigins"`
	LogLevel                  string   `json:"logLevel"`
	ObfuscateUrls             *bool    `json:"obfuscateUrls"`
}

// Load builds the configuration.
//
// Process:
//   - Reads the JSON file at path when it exists (a missing file is not an error).
//   - Applies environment overrides.
//   - Fills defaults and validates.
//
// Returns:
//   - *Config: validated configuration
//   - error: unreadable/invalid file or invalid values
func Load(path string) (*Config, error) {
	config := getDefaultConfig()

	if path != "" {
		fileConfig, err := loadFromFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// optional file
		case err != nil:
			return nil, err
		default:
			config = fileConfig
		}
	}

	if err := applyEnv(config); err != nil {
		return nil, err
	}

	if err := validateAndSetDefaults(config); err != nil {
		return nil, err
	}

	return config, nil
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {

	// read from the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// unmarshal the config file
	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// convert to our settings
	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := getDefaultConfig()

	config.ListenAddr = cf.ListenAddr
	config.SigningSecret = cf.SigningSecret
	config.HostAllowlist = normalizeHosts(cf.HostAllowlist)
	config.HostAllowlistRequired = cf.HostAllowlistRequired
	config.SessionBackend = cf.SessionBackend
	config.DatabasePath = cf.DatabasePath
	config.DatabaseURL = cf.DatabaseURL
	config.CredentialKeyHex = cf.CredentialKeyHex
	config.MaxSessions = cf.MaxSessions
	config.ManifestMaxBytes = cf.ManifestMaxBytes
	config.MaxConnectionsToApp = cf.MaxConnectionsToApp
	config.UserAgent = cf.UserAgent
	config.LogLevel = cf.LogLevel

	if len(cf.CORSOrigins) > 0 {
		config.CORSOrigins = cf.CORSOrigins
	}
	if cf.ResolveHosts != nil {
		config.ResolveHosts = *cf.ResolveHosts
	}
	if cf.ObfuscateUrls != nil {
		config.ObfuscateUrls = *cf.ObfuscateUrls
	}
	if cf.UpstreamRequestsPerSecond != nil {
		config.UpstreamRequestsPerSecond = *cf.UpstreamRequestsPerSecond
	}

	// Parse duration fields, empty strings keep the defaults
	var err error
	if cf.SessionTTL != "" {
		if config.SessionTTL, err = time.ParseDuration(cf.SessionTTL); err != nil {
			return nil, fmt.Errorf("invalid sessionTTL: %w", err)
		}
	}
	if cf.FetchTimeout != "" {
		if config.FetchTimeout, err = time.ParseDuration(cf.FetchTimeout); err != nil {
			return nil, fmt.Errorf("invalid fetchTimeout: %w", err)
		}
	}
	if cf.JanitorInterval != "" {
		if config.JanitorInterval, err = time.ParseDuration(cf.JanitorInterval); err != nil {
			return nil, fmt.Errorf("invalid janitorInterval: %w", err)
		}
	}

	return config, nil
}

// applyEnv layers environment variables over file/default values.
func applyEnv(config *Config) error {
	if port := os.Getenv("PORT"); port != "" {
		config.ListenAddr = ":" + port
	}
	config.ListenAddr = envOrDefault("PROXY_LISTEN_ADDR", config.ListenAddr)

	config.SigningSecret = envOrDefault("JWT_SECRET", config.SigningSecret)
	config.SigningSecret = envOrDefault("PROXY_SIGNING_SECRET", config.SigningSecret)

	if v := os.Getenv("PLAY_TTL_SECONDS"); v != "" {
		secs, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid PLAY_TTL_SECONDS: %w", err)
		}
		config.SessionTTL = time.Duration(secs) * time.Second
	}

	var err error
	if config.FetchTimeout, err = envDuration("PROXY_FETCH_TIMEOUT", config.FetchTimeout); err != nil {
		return err
	}
	if config.JanitorInterval, err = envDuration("PROXY_JANITOR_INTERVAL", config.JanitorInterval); err != nil {
		return err
	}

	if v := os.Getenv("PROXY_HOST_ALLOWLIST"); v != "" {
		config.HostAllowlist = normalizeHosts(splitCSV(v))
	}
	if config.HostAllowlistRequired, err = envBool("PROXY_HOST_ALLOWLIST_REQUIRED", config.HostAllowlistRequired); err != nil {
		return err
	}
	if config.ResolveHosts, err = envBool("PROXY_RESOLVE_HOSTS", config.ResolveHosts); err != nil {
		return err
	}
	if config.ObfuscateUrls, err = envBool("PROXY_OBFUSCATE_URLS", config.ObfuscateUrls); err != nil {
		return err
	}

	config.SessionBackend = envOrDefault("PROXY_SESSION_BACKEND", config.SessionBackend)
	config.DatabasePath = envOrDefault("DB_PATH", config.DatabasePath)
	config.DatabaseURL = envOrDefault("PROXY_DATABASE_URL", config.DatabaseURL)
	config.CredentialKeyHex = envOrDefault("CRED_ENC_KEY_HEX", config.CredentialKeyHex)
	config.UserAgent = envOrDefault("PROXY_USER_AGENT", config.UserAgent)
	config.LogLevel = envOrDefault("LOG_LEVEL", config.LogLevel)

	if v := os.Getenv("PROXY_CORS_ORIGINS"); v != "" {
		config.CORSOrigins = splitCSV(v)
	}

	if config.MaxSessions, err = envInt("PROXY_MAX_SESSIONS", config.MaxSessions); err != nil {
		return err
	}
	if config.UpstreamRequestsPerSecond, err = envInt("PROXY_UPSTREAM_RPS", config.UpstreamRequestsPerSecond); err != nil {
		return err
	}
	if config.MaxConnectionsToApp, err = envInt("PROXY_MAX_CONNECTIONS", config.MaxConnectionsToApp); err != nil {
		return err
	}
	maxBytes, err := envInt("PROXY_MANIFEST_MAX_BYTES", int(config.ManifestMaxBytes))
	if err != nil {
		return err
	}
	config.ManifestMaxBytes = int64(maxBytes)

	return nil
}

// getDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		ListenAddr:                ":8787",
		SessionTTL:                time.Hour,
		FetchTimeout:              15 * time.Second,
		ResolveHosts:              true,
		SessionBackend:            BackendMemory,
		DatabasePath:              "./data/app.sqlite",
		MaxSessions:               100000,
		JanitorInterval:           5 * time.Minute,
		ManifestMaxBytes:          8 << 20,
		UpstreamRequestsPerSecond: 50,
		MaxConnectionsToApp:       500,
		UserAgent:                 DefaultUserAgent,
		CORSOrigins:               []string{"*"},
		LogLevel:                  "INFO",
		ObfuscateUrls:             true,
	}
}

// validateAndSetDefaults fills in defaults for missing values and
// rejects settings the service cannot run with.
func validateAndSetDefaults(config *Config) error {
	if config.ListenAddr == "" {
		config.ListenAddr = ":8787"
	}
	if config.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive, got %s", config.SessionTTL)
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 15 * time.Second
	}
	if config.MaxSessions <= 0 {
		config.MaxSessions = 100000
	}
	if config.JanitorInterval <= 0 {
		config.JanitorInterval = 5 * time.Minute
	}
	if config.ManifestMaxBytes <= 0 {
		config.ManifestMaxBytes = 8 << 20
	}
	if config.UpstreamRequestsPerSecond < 0 {
		config.UpstreamRequestsPerSecond = 0
	}
	if config.MaxConnectionsToApp <= 0 {
		config.MaxConnectionsToApp = 500
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}
	if len(config.CORSOrigins) == 0 {
		config.CORSOrigins = []string{"*"}
	}
	if config.LogLevel == "" {
		config.LogLevel = "INFO"
	}

	config.SessionBackend = strings.ToLower(strings.TrimSpace(config.SessionBackend))
	switch config.SessionBackend {
	case "":
		config.SessionBackend = BackendMemory
	case BackendMemory:
	case BackendSQLite:
		if config.DatabasePath == "" {
			config.DatabasePath = "./data/app.sqlite"
		}
	case BackendPostgres:
		if config.DatabaseURL == "" {
			return errors.New("PROXY_DATABASE_URL is required for the postgres session backend")
		}
	default:
		return fmt.Errorf("unknown session backend %q", config.SessionBackend)
	}

	if config.CredentialKeyHex != "" {
		key, err := hex.DecodeString(config.CredentialKeyHex)
		if err != nil || len(key) != 32 {
			return errors.New("CRED_ENC_KEY_HEX must be 64 hex characters")
		}
	}

	if config.SigningSecret == "" {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("failed to generate signing secret: %w", err)
		}
		config.SigningSecret = hex.EncodeToString(secret)
		config.SigningSecretGenerated = true
	}

	return nil
}

// RedactedDatabaseURL returns the postgres URL with any password masked.
func (c *Config) RedactedDatabaseURL() string {
	if c.DatabaseURL == "" {
		return ""
	}
	u, err := url.Parse(c.DatabaseURL)
	if err != nil {
		return "***OBFUSCATED***"
	}
	return u.Redacted()
}

// envOrDefault returns the trimmed env value, or fallback when unset/blank.
func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// splitCSV splits a comma-separated list, dropping blanks.
func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func normalizeHosts(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}
