package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/arcrelay/codex-gateway/internal/apperr"
	"github.com/arcrelay/codex-gateway/internal/oauth"
	"github.com/arcrelay/codex-gateway/internal/pool"
)

// handleAuthStatus implements GET /auth/status: a summary of the pool, used
// by the CLI/web UI to decide whether to prompt for login.
func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	entries := s.pool.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": len(entries) > 0,
		"activeCount":   s.pool.ActiveCount(),
		"totalCount":    len(entries),
		"strategy":      s.cfg.PoolStrategy,
	})
}

// handleAuthLogin implements GET /auth/login: starts a PKCE session, starts
// (or restarts) the callback listener, and redirects the browser straight
// to the provider (§4.G "local, same-host" flow).
func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	authURL, _, err := s.beginOAuth(r.Context(), r.Host)
	if err != nil {
		writeOpenAIError(w, apperr.Internal(err))
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleAuthLoginStart implements POST /auth/login-start: same PKCE setup
// as handleAuthLogin, but returns {authUrl,state} as JSON instead of
// redirecting, for remote-host or CLI-driven logins (§4.G).
func (s *Server) handleAuthLoginStart(w http.ResponseWriter, r *http.Request) {
	authURL, state, err := s.beginOAuth(r.Context(), r.Host)
	if err != nil {
		writeOpenAIError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authUrl": authURL, "state": state})
}

// beginOAuth generates PKCE parameters, stores the pending session, starts
// the callback listener, and returns the provider authorization URL.
func (s *Server) beginOAuth(ctx context.Context, returnHost string) (authURL, state string, err error) {
	verifier, challenge, err := oauth.GeneratePKCE()
	if err != nil {
		return "", "", err
	}
	state, err = oauth.GenerateState()
	if err != nil {
		return "", "", err
	}

	s.oauthSess.Put(state, oauth.Session{
		CodeVerifier: verifier,
		RedirectURI:  s.cfg.OAuthRedirectURI,
		ReturnHost:   returnHost,
		Source:       "web",
	})

	if err := s.callback.Start(s.cfg.CallbackAddr, s.cfg.CallbackPath, s.onOAuthCallback); err != nil {
		return "", "", err
	}

	authURL = oauth.BuildAuthorizationURL(s.cfg.OAuthAuthEndpoint, s.cfg.OAuthClientID, s.cfg.OAuthRedirectURI, s.cfg.OAuthScope, state, challenge)
	return authURL, state, nil
}

// onOAuthCallback is the CallbackListener sink: it exchanges the code for a
// token and adds the account to the pool in the background, since the
// listener's own HTTP response has already been written by that point.
func (s *Server) onOAuthCallback(res oauth.CallbackResult) {
	if res.Error != "" {
		return
	}
	sess, ok := s.oauthSess.Take(res.State)
	if !ok {
		return
	}
	ctx := context.Background()
	if _, err := s.exchangeAndAdd(ctx, sess, res.Code); err != nil {
		return
	}
}

// exchangeAndAdd trades an authorization code for tokens and adds the
// resulting account to the pool, shared by the direct callback path and
// the code-relay path (remote-host logins).
func (s *Server) exchangeAndAdd(ctx context.Context, sess oauth.Session, code string) (*pool.Entry, error) {
	tok, err := s.oauthCli.ExchangeCode(ctx, code, sess.CodeVerifier)
	if err != nil {
		return nil, err
	}
	entry, err := s.pool.AddAccount(tok.AccessToken, tok.RefreshToken)
	if err != nil {
		return nil, err
	}
	s.scheduler.Schedule(ctx, entry.ID, tok.AccessToken)
	return entry, nil
}

// handleAuthCallback implements GET /auth/callback when the gateway's own
// router, rather than the standalone CallbackListener, receives the
// provider's redirect (OAUTH_CALLBACK_ADDR pointed at this server).
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errStr := q.Get("error"); errStr != "" {
		writeJSONBody(w, http.StatusBadRequest, []byte(fmt.Sprintf(`{"error":%q}`, errStr)))
		return
	}
	state, code := q.Get("state"), q.Get("code")
	sess, ok := s.oauthSess.Take(state)
	if !ok {
		writeOpenAIError(w, apperr.Validation("unknown or expired oauth state", "state"))
		return
	}
	if _, err := s.exchangeAndAdd(r.Context(), sess, code); err != nil {
		writeOpenAIError(w, apperr.Internal(err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("<html><body>Login complete. You may close this window.</body></html>"))
}

// handleAuthCodeRelay implements POST /auth/code-relay: the remote-host
// counterpart to handleAuthCallback, where a user pastes the redirected
// URL (or its state+code) back into the CLI/web UI (§4.G).
func (s *Server) handleAuthCodeRelay(w http.ResponseWriter, r *http.Request) {
	var body struct {
		State       string `json:"state"`
		Code        string `json:"code"`
		CallbackURL string `json:"callbackUrl"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
		writeOpenAIError(w, apperr.Validation("invalid request body", ""))
		return
	}
	state, code := body.State, body.Code
	if body.CallbackURL != "" {
		if u, err := url.Parse(body.CallbackURL); err == nil {
			q := u.Query()
			state, code = q.Get("state"), q.Get("code")
		}
	}
	if state == "" || code == "" {
		writeOpenAIError(w, apperr.Validation("state and code are required", ""))
		return
	}

	sess, ok := s.oauthSess.Take(state)
	if !ok {
		writeOpenAIError(w, apperr.Validation("unknown or expired oauth state", "state"))
		return
	}
	entry, err := s.exchangeAndAdd(r.Context(), sess, code)
	if err != nil {
		writeOpenAIError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, redactEntry(entry))
}

// handleAuthToken implements POST /auth/token: directly seeds the pool
// with a pasted access/refresh token pair, bypassing the browser flow
// entirely (useful when a token was obtained out of band).
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil || body.Token == "" {
		writeOpenAIError(w, apperr.Validation("token is required", "token"))
		return
	}
	entry, err := s.pool.AddAccount(body.Token, body.RefreshToken)
	if err != nil {
		writeOpenAIError(w, apperr.Validation("invalid token: "+err.Error(), "token"))
		return
	}
	if body.RefreshToken != "" {
		s.scheduler.Schedule(r.Context(), entry.ID, body.Token)
	}
	writeJSON(w, http.StatusOK, redactEntry(entry))
}

// handleAuthLogout implements POST /auth/logout: removes one account (by
// id) or every account when no id is given.
func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	_ = json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body)

	if body.ID != "" {
		s.pool.RemoveAccount(body.ID)
		writeJSON(w, http.StatusOK, map[string]any{"removed": body.ID})
		return
	}
	for _, e := range s.pool.List() {
		s.pool.RemoveAccount(e.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": "all"})
}
