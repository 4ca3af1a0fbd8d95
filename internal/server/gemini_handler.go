package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/arcrelay/codex-gateway/internal/apperr"
	"github.com/arcrelay/codex-gateway/internal/pool"
	"github.com/arcrelay/codex-gateway/internal/translate/gemini"
	"github.com/arcrelay/codex-gateway/internal/upstream"
)

// handleGeminiModelAction implements both
// POST /v1beta/models/{model}:generateContent and
// POST /v1beta/models/{model}:streamGenerateContent. The colon-suffixed
// action is not a path segment Go's router splits on, so {model} actually
// captures "modelId:action" and this handler splits it itself.
func (s *Server) handleGeminiModelAction(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("model")
	modelID, action, ok := strings.Cut(raw, ":")
	if !ok {
		writeGeminiError(w, apperr.Validation("missing :generateContent action", "model"))
		return
	}

	if err := s.checkCompatAuth(r, "gemini"); err != nil {
		writeGeminiError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxRequestBodyMB)<<20)
	raw2, err := io.ReadAll(r.Body)
	if err != nil {
		writeGeminiError(w, apperr.Validation("failed to read request body", ""))
		return
	}

	var req gemini.GenerateContentRequest
	dec := json.NewDecoder(bytes.NewReader(raw2))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeGeminiError(w, apperr.Validation("invalid request body: "+err.Error(), ""))
		return
	}
	if len(req.Contents) == 0 {
		writeGeminiError(w, apperr.Validation("contents must not be empty", "contents"))
		return
	}

	opts := gemini.TranslateOptions{
		DesktopPromptPath:   s.cfg.DesktopPromptPath,
		ConfigDefaultEffort: s.cfg.ModelDefaultEffort,
	}
	upReq, prefixHash := gemini.ToUpstream(modelID, req, opts)
	if previous, ok := s.sessions.Lookup(prefixHash); ok {
		upReq.PreviousResponseID = previous
	}

	events, acq, err := s.callUpstream(r.Context(), upReq)
	if err != nil {
		writeGeminiError(w, err)
		return
	}

	switch action {
	case "streamGenerateContent":
		s.streamGemini(w, r, acq, prefixHash, events)
	default: // generateContent
		s.collectGemini(w, acq, prefixHash, events)
	}
}

func (s *Server) streamGemini(w http.ResponseWriter, r *http.Request, acq pool.Acquired, prefixHash string, events <-chan upstream.Event) {
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

	result, err := gemini.StreamTo(r.Context(), w, flush, events)
	if err != nil {
		slog.Warn("gemini stream write failed", "error", err)
	}
	s.finishRelay(acq, prefixHash, result.ResponseID, result.InputTokens, result.OutputTokens)
}

func (s *Server) collectGemini(w http.ResponseWriter, acq pool.Acquired, prefixHash string, events <-chan upstream.Event) {
	resp, result := gemini.Collect(events)
	s.finishRelay(acq, prefixHash, result.ResponseID, result.InputTokens, result.OutputTokens)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
