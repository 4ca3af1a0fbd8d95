package server

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/arcrelay/codex-gateway/internal/apperr"
	"github.com/arcrelay/codex-gateway/internal/pool"
)

// accountView is the redacted shape exposed by the accounts API: the raw
// JWT and refresh token never leave the process (§4.E "never serialized
// back to API clients").
type accountView struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"accountId"`
	Email       string     `json:"email,omitempty"`
	PlanType    string     `json:"planType,omitempty"`
	ProxyAPIKey string     `json:"proxyApiKey"`
	Status      string     `json:"status"`
	Usage       pool.Usage `json:"usage"`
	AddedAt     string     `json:"addedAt"`
	Quota       *quotaView `json:"quota,omitempty"`
}

type quotaView struct {
	PlanType string `json:"planType,omitempty"`
	ResetAt  int64  `json:"resetAt,omitempty"`
	Error    string `json:"error,omitempty"`
}

func redactEntry(e *pool.Entry) accountView {
	return accountView{
		ID:          e.ID,
		AccountID:   e.AccountID,
		Email:       e.Email,
		PlanType:    e.PlanType,
		ProxyAPIKey: e.ProxyAPIKey,
		Status:      string(e.Status),
		Usage:       e.Usage,
		AddedAt:     e.AddedAt.Format(timeLayout),
	}
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

// handleListAccounts implements GET /auth/accounts[?quota=true].
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	entries := s.pool.List()
	views := make([]accountView, 0, len(entries))
	wantQuota := r.URL.Query().Get("quota") == "true"

	for _, e := range entries {
		v := redactEntry(e)
		if wantQuota && e.Status == pool.StatusActive {
			v.Quota = s.fetchQuota(r, e)
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": views})
}

func (s *Server) fetchQuota(r *http.Request, e *pool.Entry) *quotaView {
	usage, err := s.upstream.Usage(r.Context(), e.Token, e.AccountID)
	if err != nil {
		return &quotaView{Error: err.Error()}
	}
	return &quotaView{PlanType: usage.PlanType, ResetAt: usage.RateLimit.PrimaryWindow.ResetAt}
}

// handleAddAccount implements POST /auth/accounts: seeds the pool with a
// token pair submitted directly (no browser flow).
func (s *Server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
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
	writeJSON(w, http.StatusCreated, redactEntry(entry))
}

// handleDeleteAccount implements DELETE /auth/accounts/{id}.
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.pool.Get(id) == nil {
		writeOpenAIError(w, notFoundErr("account not found"))
		return
	}
	s.pool.RemoveAccount(id)
	w.WriteHeader(http.StatusNoContent)
}

// handleResetUsage implements POST /auth/accounts/{id}/reset-usage.
func (s *Server) handleResetUsage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.pool.Get(id) == nil {
		writeOpenAIError(w, notFoundErr("account not found"))
		return
	}
	s.pool.ResetUsage(id)
	writeJSON(w, http.StatusOK, map[string]any{"reset": id})
}

// handleAccountQuota implements GET /auth/accounts/{id}/quota.
func (s *Server) handleAccountQuota(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e := s.pool.Get(id)
	if e == nil {
		writeOpenAIError(w, notFoundErr("account not found"))
		return
	}
	writeJSON(w, http.StatusOK, s.fetchQuota(r, e))
}

// codexCLIAuth mirrors the CLI's on-disk auth.json layout under
// $CODEX_HOME, used to seed the pool from an existing CLI login (§4.G
// "import-cli").
type codexCLIAuth struct {
	Tokens struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	} `json:"tokens"`
}

// handleImportCLI implements POST /auth/import-cli: reads
// $CODEX_HOME/auth.json and adds its account to the pool.
func (s *Server) handleImportCLI(w http.ResponseWriter, r *http.Request) {
	path := filepath.Join(s.cfg.CodexHome, "auth.json")
	data, err := os.ReadFile(path)
	if err != nil {
		writeOpenAIError(w, apperr.Validation("could not read "+path+": "+err.Error(), ""))
		return
	}
	var auth codexCLIAuth
	if err := json.Unmarshal(data, &auth); err != nil || auth.Tokens.AccessToken == "" {
		writeOpenAIError(w, apperr.Validation("malformed CLI auth file: "+path, ""))
		return
	}
	entry, err := s.pool.AddAccount(auth.Tokens.AccessToken, auth.Tokens.RefreshToken)
	if err != nil {
		writeOpenAIError(w, apperr.Validation("invalid token: "+err.Error(), ""))
		return
	}
	if auth.Tokens.RefreshToken != "" {
		s.scheduler.Schedule(r.Context(), entry.ID, auth.Tokens.AccessToken)
	}
	writeJSON(w, http.StatusOK, redactEntry(entry))
}
