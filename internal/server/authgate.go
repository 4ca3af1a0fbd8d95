package server

import (
	"net/http"
	"strings"
)

// checkCompatAuth implements §4.K's per-request authentication gate for
// the three compatibility protocols: at least one active account, and,
// when a proxy API key is configured, the request must present it. The
// expected location differs per protocol.
func (s *Server) checkCompatAuth(r *http.Request, protocol string) error {
	if s.pool.ActiveCount() == 0 {
		return errNoActiveAccount
	}
	if s.cfg.ProxyAPIKey == "" {
		return nil
	}
	if !presentedKeyMatches(r, protocol, s.cfg.ProxyAPIKey) {
		return errBadProxyKey
	}
	return nil
}

func presentedKeyMatches(r *http.Request, protocol, expected string) bool {
	switch protocol {
	case "anthropic":
		if k := r.Header.Get("x-api-key"); k != "" {
			return k == expected
		}
		return bearerToken(r) == expected
	case "gemini":
		if k := r.URL.Query().Get("key"); k != "" {
			return k == expected
		}
		if k := r.Header.Get("x-goog-api-key"); k != "" {
			return k == expected
		}
		return bearerToken(r) == expected
	default: // openai
		return bearerToken(r) == expected
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return ""
}

type gateError struct{ msg string }

func (e *gateError) Error() string { return e.msg }

var (
	errNoActiveAccount = &gateError{"no active accounts"}
	errBadProxyKey     = &gateError{"missing or invalid proxy api key"}
)
