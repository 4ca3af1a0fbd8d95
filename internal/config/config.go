// Package config loads runtime settings the teacher's way: environment
// variables for server/process settings, with the fingerprint/update
// tuple living in its own YAML-backed store (component M, package
// internal/fingerprint) rather than here — that file is mutated in place
// by the update watcher and must not be re-derived from the environment
// on every restart.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the gateway's environment-sourced configuration (§3 Config
// server/api/auth/session/model sections).
type Config struct {
	// Server
	Host string
	Port int

	// Persisted state
	DataDir string

	// Upstream API
	APIBaseURL     string
	AppcastURL     string
	RequestTimeout time.Duration

	// Proxy API key gating compatibility endpoints; empty disables the
	// check (spec §4.K "when a proxy API key is configured").
	ProxyAPIKey string

	// Transport
	TransportKind      string // cli | ffi | auto
	ImpersonateProfile string
	ProxyURL           string // HTTP_PROXY/HTTPS_PROXY, honored if set

	// Pool
	PoolStrategy    string // least_used | round_robin
	PoolBackoffBase time.Duration
	TokenRefreshMargin time.Duration

	// AccountEncryptionKey, when set, encrypts persisted account tokens at
	// rest (AES-256-CBC, key derived with scrypt); empty disables it and
	// accounts.json stores tokens in the clear, as before.
	AccountEncryptionKey string

	// OAuth
	OAuthClientID       string
	OAuthAuthEndpoint   string
	OAuthTokenEndpoint  string
	OAuthDeviceEndpoint string
	OAuthRedirectURI    string
	OAuthScope          string
	CallbackAddr        string
	CallbackPath        string

	// Session cache
	SessionCacheCapacity int
	SessionCacheTTL      time.Duration
	SessionSweepInterval time.Duration

	// Model/reasoning defaults
	ModelDefaultEffort string
	DesktopPromptPath  string

	// Request handling
	MaxRequestBodyMB int
	MaxUpstreamRetry int

	// Update watcher
	UpdateCheckInterval time.Duration

	// Seed/import
	CodexJWTToken string
	CodexHome     string

	// Logging
	LogLevel string
	NodeEnv  string
}

// Load reads Config from the environment, applying the teacher's defaults
// pattern (envOr/envInt/envDuration) generalized to this gateway's fields.
func Load() *Config {
	dataDir := envOr("DATA_DIR", "./data")
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 3000),

		DataDir: dataDir,

		APIBaseURL:     envOr("CODEX_API_BASE_URL", "https://chatgpt.com/backend-api"),
		AppcastURL:     envOr("CODEX_APPCAST_URL", "https://persistent.oaistatic.com/sidekick/public/sparkle/appcast.xml"),
		RequestTimeout: envDurationSeconds("REQUEST_TIMEOUT_SECONDS", 5*time.Minute),

		ProxyAPIKey: os.Getenv("PROXY_API_KEY"),

		TransportKind:      envOr("TRANSPORT_KIND", "auto"),
		ImpersonateProfile: envOr("IMPERSONATE_PROFILE", "chrome136"),
		ProxyURL:           firstNonEmpty(os.Getenv("HTTPS_PROXY"), os.Getenv("HTTP_PROXY")),

		PoolStrategy:       envOr("POOL_STRATEGY", "least_used"),
		PoolBackoffBase:    envDurationSeconds("POOL_BACKOFF_BASE_SECONDS", 60*time.Second),
		TokenRefreshMargin: envDurationSeconds("TOKEN_REFRESH_MARGIN_SECONDS", 60*time.Second),

		AccountEncryptionKey: os.Getenv("ACCOUNT_ENCRYPTION_KEY"),

		OAuthClientID:       envOr("OAUTH_CLIENT_ID", "app_EMoamEEZ73f0CkXaXp7hrann"),
		OAuthAuthEndpoint:   envOr("OAUTH_AUTH_ENDPOINT", "https://auth.openai.com/oauth/authorize"),
		OAuthTokenEndpoint:  envOr("OAUTH_TOKEN_ENDPOINT", "https://auth.openai.com/oauth/token"),
		OAuthDeviceEndpoint: envOr("OAUTH_DEVICE_ENDPOINT", "https://auth.openai.com/oauth/device/code"),
		OAuthRedirectURI:    envOr("OAUTH_REDIRECT_URI", "http://localhost:1455/auth/callback"),
		OAuthScope:          envOr("OAUTH_SCOPE", "openid profile email offline_access"),
		CallbackAddr:        envOr("OAUTH_CALLBACK_ADDR", "127.0.0.1:1455"),
		CallbackPath:        envOr("OAUTH_CALLBACK_PATH", "/auth/callback"),

		SessionCacheCapacity: envInt("SESSION_CACHE_CAPACITY", 512),
		SessionCacheTTL:      envDurationSeconds("SESSION_CACHE_TTL_SECONDS", 24*time.Hour),
		SessionSweepInterval: envDurationSeconds("SESSION_SWEEP_INTERVAL_SECONDS", 10*time.Minute),

		ModelDefaultEffort: envOr("MODEL_DEFAULT_EFFORT", "medium"),
		DesktopPromptPath:  envOr("DESKTOP_PROMPT_PATH", filepath.Join(dataDir, "desktop-context.md")),

		MaxRequestBodyMB: envInt("REQUEST_MAX_SIZE_MB", 30),
		MaxUpstreamRetry: envInt("MAX_UPSTREAM_RETRY", 2),

		UpdateCheckInterval: envDurationSeconds("UPDATE_CHECK_INTERVAL_SECONDS", 30*time.Minute),

		CodexJWTToken: os.Getenv("CODEX_JWT_TOKEN"),
		CodexHome:     envOr("CODEX_HOME", filepath.Join(os.Getenv("HOME"), ".codex")),

		LogLevel: envOr("LOG_LEVEL", "info"),
		NodeEnv:  envOr("NODE_ENV", "production"),
	}
}

// Validate checks the fields that would otherwise fail confusingly deep
// inside a request handler; fatal per §7 "failure to load initial config
// ... aborts startup".
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return errMissing("CODEX_API_BASE_URL")
	}
	if c.OAuthClientID == "" {
		return errMissing("OAUTH_CLIENT_ID")
	}
	return nil
}

// AccountsPath, CookiesPath, UpdateStatePath, FingerprintPath are the
// fixed filenames under DataDir (§6 "Persisted state layout").
func (c *Config) AccountsPath() string     { return filepath.Join(c.DataDir, "accounts.json") }
func (c *Config) CookiesPath() string      { return filepath.Join(c.DataDir, "cookies.json") }
func (c *Config) UpdateStatePath() string  { return filepath.Join(c.DataDir, "update-state.json") }
func (c *Config) FingerprintPath() string  { return filepath.Join(c.DataDir, "fingerprint.yaml") }
func (c *Config) LegacyAuthPath() string   { return filepath.Join(c.DataDir, "auth.json") }
func (c *Config) RequestLogPath() string   { return filepath.Join(c.DataDir, "request-log.db") }

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDurationSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
