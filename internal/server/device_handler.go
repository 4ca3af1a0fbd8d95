package server

import (
	"net/http"

	"github.com/arcrelay/codex-gateway/internal/apperr"
	"github.com/arcrelay/codex-gateway/internal/oauth"
)

// handleDeviceLogin implements POST /auth/device-login: starts a device-code
// flow for headless/no-browser environments (§4.G).
func (s *Server) handleDeviceLogin(w http.ResponseWriter, r *http.Request) {
	res, err := s.oauthCli.StartDeviceCode(r.Context(), s.cfg.OAuthDeviceEndpoint)
	if err != nil {
		writeOpenAIError(w, apperr.Transport(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deviceCode":      res.DeviceCode,
		"userCode":        res.UserCode,
		"verificationUri": res.VerificationURI,
		"expiresIn":       res.ExpiresIn,
		"interval":        res.Interval,
	})
}

// handleDevicePoll implements GET /auth/device-poll/{deviceCode}: the
// caller polls this until status leaves "pending" (§4.G).
func (s *Server) handleDevicePoll(w http.ResponseWriter, r *http.Request) {
	deviceCode := r.PathValue("deviceCode")
	status, tok, err := s.oauthCli.PollDevice(r.Context(), deviceCode)
	if err != nil {
		writeOpenAIError(w, apperr.Transport(err))
		return
	}

	if status != oauth.DevicePollSuccess {
		writeJSON(w, http.StatusOK, map[string]any{"status": string(status)})
		return
	}

	entry, err := s.pool.AddAccount(tok.AccessToken, tok.RefreshToken)
	if err != nil {
		writeOpenAIError(w, apperr.Validation("invalid token: "+err.Error(), ""))
		return
	}
	if tok.RefreshToken != "" {
		s.scheduler.Schedule(r.Context(), entry.ID, tok.AccessToken)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": string(status), "account": redactEntry(entry)})
}
