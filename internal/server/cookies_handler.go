package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/arcrelay/codex-gateway/internal/apperr"
)

// handleGetCookies implements GET /auth/accounts/{id}/cookies.
func (s *Server) handleGetCookies(w http.ResponseWriter, r *http.Request) {
	e := s.pool.Get(r.PathValue("id"))
	if e == nil {
		writeOpenAIError(w, notFoundErr("account not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cookies": s.cookies.Get(e.AccountID)})
}

// handleSetCookies implements POST /auth/accounts/{id}/cookies: the body is
// an array of raw Set-Cookie header lines, the same shape the upstream
// response's Set-Cookie headers arrive in, so a captured browser session
// can be pasted in directly.
func (s *Server) handleSetCookies(w http.ResponseWriter, r *http.Request) {
	e := s.pool.Get(r.PathValue("id"))
	if e == nil {
		writeOpenAIError(w, notFoundErr("account not found"))
		return
	}
	var body struct {
		Cookies []string `json:"cookies"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
		writeOpenAIError(w, apperr.Validation("invalid request body", ""))
		return
	}
	s.cookies.CaptureSetCookie(e.AccountID, body.Cookies)
	writeJSON(w, http.StatusOK, map[string]any{"cookies": s.cookies.Get(e.AccountID)})
}

// handleDeleteCookies implements DELETE /auth/accounts/{id}/cookies.
func (s *Server) handleDeleteCookies(w http.ResponseWriter, r *http.Request) {
	e := s.pool.Get(r.PathValue("id"))
	if e == nil {
		writeOpenAIError(w, notFoundErr("account not found"))
		return
	}
	s.cookies.Clear(e.AccountID)
	w.WriteHeader(http.StatusNoContent)
}
