package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/arcrelay/codex-gateway/internal/apperr"
	"github.com/arcrelay/codex-gateway/internal/pool"
	"github.com/arcrelay/codex-gateway/internal/translate"
	"github.com/arcrelay/codex-gateway/internal/translate/openai"
	"github.com/arcrelay/codex-gateway/internal/upstream"
)

// handleOpenAIChatCompletions implements POST /v1/chat/completions.
func (s *Server) handleOpenAIChatCompletions(w http.ResponseWriter, r *http.Request) {
	if err := s.checkCompatAuth(r, "openai"); err != nil {
		writeOpenAIError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxRequestBodyMB)<<20)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeOpenAIError(w, apperr.Validation("failed to read request body", ""))
		return
	}

	var req openai.ChatCompletionsRequest
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeOpenAIError(w, apperr.Validation("invalid request body: "+err.Error(), ""))
		return
	}
	if len(req.Messages) == 0 {
		writeOpenAIError(w, apperr.Validation("messages must not be empty", "messages"))
		return
	}

	opts := openai.TranslateOptions{
		DesktopPromptPath:   s.cfg.DesktopPromptPath,
		ConfigDefaultEffort: s.cfg.ModelDefaultEffort,
	}
	upReq, prefixHash := openai.ToUpstream(req, opts)
	if previous, ok := s.sessions.Lookup(prefixHash); ok {
		upReq.PreviousResponseID = previous
	}

	events, acq, err := s.callUpstream(r.Context(), upReq)
	if err != nil {
		writeOpenAIError(w, err)
		return
	}

	if req.Stream {
		s.streamOpenAI(w, r, acq, prefixHash, upReq.Model, events)
		return
	}
	s.collectOpenAI(w, acq, prefixHash, upReq.Model, events)
}

func (s *Server) streamOpenAI(w http.ResponseWriter, r *http.Request, acq pool.Acquired, prefixHash, model string, events <-chan upstream.Event) {
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

	result, err := openai.StreamTo(r.Context(), w, flush, model, events)
	if err != nil {
		slog.Warn("openai stream write failed", "error", err)
	}
	s.finishRelay(acq, prefixHash, result.ResponseID, result.InputTokens, result.OutputTokens)
}

func (s *Server) collectOpenAI(w http.ResponseWriter, acq pool.Acquired, prefixHash, model string, events <-chan upstream.Event) {
	completion, result := openai.Collect(model, events)
	s.finishRelay(acq, prefixHash, result.ResponseID, result.InputTokens, result.OutputTokens)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(completion)
}

func (s *Server) finishRelay(acq pool.Acquired, prefixHash, responseID string, in, out int64) {
	s.pool.Release(acq.EntryID, &pool.ReleaseUsage{InputTokens: in, OutputTokens: out})
	if prefixHash != "" && responseID != "" {
		s.sessions.Store(prefixHash, translate.NewTaskID(), responseID)
	}
}
