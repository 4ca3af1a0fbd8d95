package server

import (
	"net/http"

	"github.com/arcrelay/codex-gateway/internal/apperr"
	"github.com/arcrelay/codex-gateway/internal/translate/anthropic"
	"github.com/arcrelay/codex-gateway/internal/translate/gemini"
	"github.com/arcrelay/codex-gateway/internal/translate/openai"
)

// writeOpenAIError renders err as the OpenAI error shape (§6).
func writeOpenAIError(w http.ResponseWriter, err error) {
	status, errType, msg, param, code := classify(err)
	if errType == "" {
		errType = "server_error"
	}
	writeJSONBody(w, status, openai.RenderError(errType, msg, param, code))
}

// writeAnthropicError renders err as the Anthropic error shape (§6).
func writeAnthropicError(w http.ResponseWriter, err error) {
	status, errType, msg, _, _ := classify(err)
	errType = anthropicErrorType(status, errType)
	writeJSONBody(w, anthropicStatus(status), anthropic.RenderError(errType, msg))
}

// writeGeminiError renders err as the Gemini error shape (§6).
func writeGeminiError(w http.ResponseWriter, err error) {
	status, _, msg, _, _ := classify(err)
	writeJSONBody(w, status, gemini.RenderError(status, msg))
}

func writeJSONBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// classify maps an apperr.Error (or an unrecognized error) to an HTTP
// status and an OpenAI-flavored type/param/code; callers that need a
// different protocol's vocabulary translate status+message further.
func classify(err error) (status int, errType, msg, param, code string) {
	switch err {
	case errNoActiveAccount:
		return http.StatusUnauthorized, "authentication_error", err.Error(), "", "no_active_account"
	case errBadProxyKey:
		return http.StatusUnauthorized, "authentication_error", err.Error(), "", "invalid_api_key"
	}

	if nf, ok := err.(notFoundErr); ok {
		return http.StatusNotFound, "invalid_request_error", string(nf), "", "not_found"
	}

	ae, ok := apperr.As(err)
	if !ok {
		return http.StatusInternalServerError, "server_error", err.Error(), "", ""
	}

	switch ae.Kind {
	case apperr.KindValidation:
		return http.StatusBadRequest, "invalid_request_error", ae.Message, ae.Param, ""
	case apperr.KindAuth:
		return http.StatusUnauthorized, "authentication_error", ae.Message, "", ""
	case apperr.KindPoolExhausted:
		return http.StatusServiceUnavailable, "server_error", ae.Message, "", ae.Code
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests, "rate_limit_error", ae.Message, "", ""
	case apperr.KindUpstreamTransient:
		return http.StatusBadGateway, "server_error", ae.Message, "", ""
	case apperr.KindUpstreamPermanent:
		if ae.Upstream != nil && ae.Upstream.Status > 0 {
			return ae.Upstream.Status, "invalid_request_error", ae.Message, "", ""
		}
		return http.StatusBadRequest, "invalid_request_error", ae.Message, "", ""
	case apperr.KindTransport:
		return http.StatusBadGateway, "server_error", ae.Message, "", ""
	default:
		return http.StatusInternalServerError, "server_error", ae.Message, "", ""
	}
}

// anthropicErrorType remaps the OpenAI-flavored type classify() returns to
// Anthropic's vocabulary, naming pool exhaustion (503) "overloaded_error";
// the matching 529 status comes from anthropicStatus (§7(iii)/§8 boundary
// behavior).
func anthropicErrorType(status int, openaiType string) string {
	switch status {
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusServiceUnavailable:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// anthropicStatus returns the status code to use for Anthropic responses,
// upgrading pool-exhaustion's 503 to the protocol's 529 overloaded status.
func anthropicStatus(status int) int {
	if status == http.StatusServiceUnavailable {
		return 529
	}
	return status
}
