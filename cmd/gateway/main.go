// Command gateway starts the codex-gateway HTTP server: it loads config,
// constructs every component (pool, cookie jar, fingerprint store,
// transport, upstream client, OAuth client, session cache, update watcher),
// wires them into internal/server, and runs until a shutdown signal.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/arcrelay/codex-gateway/internal/config"
	"github.com/arcrelay/codex-gateway/internal/cookiejar"
	"github.com/arcrelay/codex-gateway/internal/events"
	"github.com/arcrelay/codex-gateway/internal/fingerprint"
	"github.com/arcrelay/codex-gateway/internal/oauth"
	"github.com/arcrelay/codex-gateway/internal/pool"
	"github.com/arcrelay/codex-gateway/internal/requestlog"
	"github.com/arcrelay/codex-gateway/internal/server"
	"github.com/arcrelay/codex-gateway/internal/sessioncache"
	"github.com/arcrelay/codex-gateway/internal/transport"
	"github.com/arcrelay/codex-gateway/internal/updatewatcher"
	"github.com/arcrelay/codex-gateway/internal/upstream"
)

func main() {
	cfg := config.Load()
	logHandler := configureLogging(cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("failed to create data dir", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	bus := events.NewBus(200)

	fp, err := fingerprint.LoadOrCreate(cfg.FingerprintPath())
	if err != nil {
		slog.Error("failed to load fingerprint store", "error", err)
		os.Exit(1)
	}
	headers := fingerprint.NewBuilder(fp)

	var poolCrypto *pool.Crypto
	if cfg.AccountEncryptionKey != "" {
		poolCrypto = pool.NewCrypto(cfg.AccountEncryptionKey)
	}
	p, err := pool.Load(pool.Strategy(cfg.PoolStrategy), cfg.PoolBackoffBase, cfg.AccountsPath(), bus, poolCrypto)
	if err != nil {
		slog.Error("failed to load account pool", "error", err)
		os.Exit(1)
	}
	migrateLegacyAuth(cfg, p)
	seedEnvToken(cfg, p)

	cookies, err := cookiejar.Load(cfg.CookiesPath())
	if err != nil {
		slog.Error("failed to load cookie jar", "error", err)
		os.Exit(1)
	}

	sessions, err := sessioncache.New(cfg.SessionCacheCapacity, cfg.SessionCacheTTL)
	if err != nil {
		slog.Error("failed to construct session cache", "error", err)
		os.Exit(1)
	}

	tClient, err := transport.Select(cfg.TransportKind, cfg.ImpersonateProfile, cfg.ProxyURL)
	if err != nil {
		slog.Error("failed to initialize transport", "error", err)
		os.Exit(1)
	}
	defer tClient.Close()

	upClient := upstream.New(cfg.APIBaseURL, tClient, headers)

	oauthCli := oauth.NewClient(oauth.Config{
		ClientID:      cfg.OAuthClientID,
		AuthEndpoint:  cfg.OAuthAuthEndpoint,
		TokenEndpoint: cfg.OAuthTokenEndpoint,
		RedirectURI:   cfg.OAuthRedirectURI,
		Scope:         cfg.OAuthScope,
	})
	oauthSess := oauth.NewSessionStore()
	callback := oauth.NewCallbackListener()

	scheduler := pool.NewScheduler(p, oauthCli, cfg.TokenRefreshMargin)
	scheduler.ScheduleAll(context.Background())

	watcher := updatewatcher.New(cfg.AppcastURL, cfg.UpdateCheckInterval, cfg.UpdateStatePath(), fp, headers, tClient, nil, bus)

	reqlog, err := requestlog.Open(cfg.RequestLogPath())
	if err != nil {
		slog.Error("failed to open request log store", "error", err)
		os.Exit(1)
	}

	srv := server.New(server.Deps{
		Cfg:       cfg,
		Pool:      p,
		Scheduler: scheduler,
		Cookies:   cookies,
		FP:        fp,
		Sessions:  sessions,
		Transport: tClient,
		Upstream:  upClient,
		OAuthCli:  oauthCli,
		OAuthSess: oauthSess,
		Callback:  callback,
		Watcher:   watcher,
		Bus:       bus,
		Logs:      logHandler,
		RequestLog: reqlog,
	})

	if err := srv.Run(); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

// configureLogging installs the ring-buffered log handler as the default
// slog output, so recent lines are always available for /debug/logs and the
// dashboard regardless of NodeEnv.
func configureLogging(cfg *config.Config) *events.LogHandler {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(handler))
	return handler
}

// legacyAuth is the single-token file format this gateway's predecessor
// used before the multi-account pool existed.
type legacyAuth struct {
	Token        string `json:"token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refreshToken"`
	RefreshToken2 string `json:"refresh_token"`
}

// migrateLegacyAuth imports data/auth.json into the pool once, on first
// start, then renames it .bak so the migration never repeats (§6, §5
// "Migration failure from the legacy file must leave the pool operational
// and empty").
func migrateLegacyAuth(cfg *config.Config, p *pool.Pool) {
	path := cfg.LegacyAuthPath()
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var la legacyAuth
	if err := json.Unmarshal(data, &la); err != nil {
		slog.Warn("legacy auth.json is malformed, skipping migration", "error", err)
		return
	}
	token := firstNonEmpty(la.Token, la.AccessToken)
	refresh := firstNonEmpty(la.RefreshToken, la.RefreshToken2)
	if token == "" {
		slog.Warn("legacy auth.json has no token, skipping migration")
		return
	}
	if _, err := p.AddAccount(token, refresh); err != nil {
		slog.Warn("legacy auth.json migration failed", "error", err)
		return
	}

	if err := os.Rename(path, path+".bak"); err != nil {
		slog.Warn("failed to rename migrated legacy auth.json", "error", err)
	} else {
		slog.Info("migrated legacy auth.json into account pool")
	}
}

// seedEnvToken adds CODEX_JWT_TOKEN to the pool on startup, for headless
// deployments that inject a token via the environment rather than an
// interactive login.
func seedEnvToken(cfg *config.Config, p *pool.Pool) {
	if cfg.CodexJWTToken == "" {
		return
	}
	if _, err := p.AddAccount(cfg.CodexJWTToken, ""); err != nil {
		slog.Warn("CODEX_JWT_TOKEN seed failed", "error", err)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
