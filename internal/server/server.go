// Package server mounts the HTTP surface of spec §6: three compatibility
// protocols over a single upstream, the /auth/* account-management API,
// and the system endpoints, grounded in the teacher's Server/registerRoutes
// shape (internal/server/server.go) generalized from Claude/Codex-relay
// specific routes to the gateway's three-protocol surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arcrelay/codex-gateway/internal/config"
	"github.com/arcrelay/codex-gateway/internal/cookiejar"
	"github.com/arcrelay/codex-gateway/internal/events"
	"github.com/arcrelay/codex-gateway/internal/fingerprint"
	"github.com/arcrelay/codex-gateway/internal/oauth"
	"github.com/arcrelay/codex-gateway/internal/pool"
	"github.com/arcrelay/codex-gateway/internal/reqid"
	"github.com/arcrelay/codex-gateway/internal/requestlog"
	"github.com/arcrelay/codex-gateway/internal/sessioncache"
	"github.com/arcrelay/codex-gateway/internal/transport"
	"github.com/arcrelay/codex-gateway/internal/updatewatcher"
	"github.com/arcrelay/codex-gateway/internal/upstream"
)

// Server wires every component into one HTTP handler.
type Server struct {
	cfg *config.Config

	pool      *pool.Pool
	scheduler *pool.Scheduler
	cookies   *cookiejar.Jar
	fp        *fingerprint.Store
	headers   *fingerprint.Builder
	sessions  *sessioncache.Cache
	transport transport.Client
	upstream  *upstream.Client
	oauthCli  *oauth.Client
	oauthSess *oauth.SessionStore
	callback  *oauth.CallbackListener
	watcher   *updatewatcher.Watcher
	bus       *events.Bus
	logs      *events.LogHandler
	reqlog    *requestlog.Store

	httpServer *http.Server
	startTime  time.Time
}

// Deps carries every already-constructed component, built in cmd/gateway.
type Deps struct {
	Cfg       *config.Config
	Pool      *pool.Pool
	Scheduler *pool.Scheduler
	Cookies   *cookiejar.Jar
	FP        *fingerprint.Store
	Sessions  *sessioncache.Cache
	Transport transport.Client
	Upstream  *upstream.Client
	OAuthCli  *oauth.Client
	OAuthSess *oauth.SessionStore
	Callback  *oauth.CallbackListener
	Watcher   *updatewatcher.Watcher
	Bus       *events.Bus
	Logs      *events.LogHandler
	RequestLog *requestlog.Store
}

// New builds the server and registers every route.
func New(d Deps) *Server {
	s := &Server{
		cfg:       d.Cfg,
		pool:      d.Pool,
		scheduler: d.Scheduler,
		cookies:   d.Cookies,
		fp:        d.FP,
		headers:   fingerprint.NewBuilder(d.FP),
		sessions:  d.Sessions,
		transport: d.Transport,
		upstream:  d.Upstream,
		oauthCli:  d.OAuthCli,
		oauthSess: d.OAuthSess,
		callback:  d.Callback,
		watcher:   d.Watcher,
		bus:       d.Bus,
		logs:      d.Logs,
		reqlog:    d.RequestLog,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", d.Cfg.Host, d.Cfg.Port),
		Handler:        s.requestLogger(withRequestID(mux)),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   d.Cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Compatibility protocols
	mux.HandleFunc("POST /v1/chat/completions", s.handleOpenAIChatCompletions)
	mux.HandleFunc("POST /v1/messages", s.handleAnthropicMessages)
	mux.HandleFunc("POST /v1beta/models/{model}", s.handleGeminiModelAction)
	mux.HandleFunc("GET /v1/models", s.handleListModelsOpenAI)
	mux.HandleFunc("GET /v1/models/{id}", s.handleGetModelOpenAI)
	mux.HandleFunc("GET /v1/models/{id}/info", s.handleGetModelInfoOpenAI)
	mux.HandleFunc("GET /v1beta/models", s.handleListModelsGemini)

	// Auth/OAuth
	mux.HandleFunc("GET /auth/status", s.handleAuthStatus)
	mux.HandleFunc("GET /auth/login", s.handleAuthLogin)
	mux.HandleFunc("POST /auth/login-start", s.handleAuthLoginStart)
	mux.HandleFunc("POST /auth/code-relay", s.handleAuthCodeRelay)
	mux.HandleFunc("GET /auth/callback", s.handleAuthCallback)
	mux.HandleFunc("POST /auth/token", s.handleAuthToken)
	mux.HandleFunc("POST /auth/logout", s.handleAuthLogout)

	// Device code
	mux.HandleFunc("POST /auth/device-login", s.handleDeviceLogin)
	mux.HandleFunc("GET /auth/device-poll/{deviceCode}", s.handleDevicePoll)

	// CLI import
	mux.HandleFunc("POST /auth/import-cli", s.handleImportCLI)

	// Accounts
	mux.HandleFunc("GET /auth/accounts", s.handleListAccounts)
	mux.HandleFunc("POST /auth/accounts", s.handleAddAccount)
	mux.HandleFunc("DELETE /auth/accounts/{id}", s.handleDeleteAccount)
	mux.HandleFunc("POST /auth/accounts/{id}/reset-usage", s.handleResetUsage)
	mux.HandleFunc("GET /auth/accounts/{id}/quota", s.handleAccountQuota)

	// Cookies
	mux.HandleFunc("GET /auth/accounts/{id}/cookies", s.handleGetCookies)
	mux.HandleFunc("POST /auth/accounts/{id}/cookies", s.handleSetCookies)
	mux.HandleFunc("DELETE /auth/accounts/{id}/cookies", s.handleDeleteCookies)

	// System
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /debug/fingerprint", s.handleDebugFingerprint)
	mux.HandleFunc("GET /debug/logs", s.handleDebugLogs)
	mux.HandleFunc("GET /{$}", s.handleDashboard)
}

// Run starts the server and blocks until shutdown completes (§5
// Cancellation: stop accepting, drain 5s, destroy components, hard exit
// after 10s total).
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.oauthSess.RunSweeper(ctx.Done())
	go s.sessions.RunSweeper(s.cfg.SessionSweepInterval, ctx.Done())
	if s.watcher != nil {
		go s.watcher.Run(ctx)
	}
	if s.reqlog != nil {
		go s.reqlog.RunPurgeLoop(6*time.Hour, 30*24*time.Hour, ctx.Done())
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	hardDeadline := time.After(10 * time.Second)
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	err := s.httpServer.Shutdown(drainCtx)

	done := make(chan struct{})
	go func() {
		s.scheduler.Destroy()
		s.callback.Stop()
		_ = s.cookies.Flush()
		if s.reqlog != nil {
			_ = s.reqlog.Close()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-hardDeadline:
		slog.Warn("shutdown: hard timeout, forcing exit")
	}
	return err
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := reqid.FromContext(r.Context())
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "requestId", id)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		elapsed := time.Since(start)
		slog.Debug("request done", "path", r.URL.Path, "elapsed", elapsed, "status", sw.status)

		if s.reqlog != nil {
			go s.reqlog.Record(context.Background(), requestlog.Entry{
				RequestID:  id,
				Method:     r.Method,
				Path:       r.URL.Path,
				Status:     sw.status,
				DurationMS: elapsed.Milliseconds(),
				Timestamp:  start,
			})
		}
	})
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = reqid.New()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(reqid.WithContext(r.Context(), id)))
	})
}
