package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/arcrelay/codex-gateway/internal/apperr"
	"github.com/arcrelay/codex-gateway/internal/pool"
	"github.com/arcrelay/codex-gateway/internal/translate/anthropic"
	"github.com/arcrelay/codex-gateway/internal/upstream"
)

// handleAnthropicMessages implements POST /v1/messages.
func (s *Server) handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	if err := s.checkCompatAuth(r, "anthropic"); err != nil {
		writeAnthropicError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxRequestBodyMB)<<20)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeAnthropicError(w, apperr.Validation("failed to read request body", ""))
		return
	}

	var req anthropic.MessagesRequest
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeAnthropicError(w, apperr.Validation("invalid request body: "+err.Error(), ""))
		return
	}
	if len(req.Messages) == 0 {
		writeAnthropicError(w, apperr.Validation("messages must not be empty", "messages"))
		return
	}

	opts := anthropic.TranslateOptions{
		DesktopPromptPath:   s.cfg.DesktopPromptPath,
		ConfigDefaultEffort: s.cfg.ModelDefaultEffort,
	}
	upReq, prefixHash := anthropic.ToUpstream(req, opts)
	if previous, ok := s.sessions.Lookup(prefixHash); ok {
		upReq.PreviousResponseID = previous
	}

	events, acq, err := s.callUpstream(r.Context(), upReq)
	if err != nil {
		writeAnthropicError(w, err)
		return
	}

	if req.Stream {
		s.streamAnthropic(w, r, acq, prefixHash, upReq.Model, events)
		return
	}
	s.collectAnthropic(w, acq, prefixHash, upReq.Model, events)
}

func (s *Server) streamAnthropic(w http.ResponseWriter, r *http.Request, acq pool.Acquired, prefixHash, model string, events <-chan upstream.Event) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	result, err := anthropic.StreamTo(r.Context(), w, flush, model, events)
	if err != nil {
		slog.Warn("anthropic stream write failed", "error", err)
	}
	s.finishRelay(acq, prefixHash, result.ResponseID, result.InputTokens, result.OutputTokens)
}

func (s *Server) collectAnthropic(w http.ResponseWriter, acq pool.Acquired, prefixHash, model string, events <-chan upstream.Event) {
	msg, result := anthropic.Collect(model, events)
	s.finishRelay(acq, prefixHash, result.ResponseID, result.InputTokens, result.OutputTokens)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(msg)
}
