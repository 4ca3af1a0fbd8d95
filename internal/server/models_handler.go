package server

import (
	"encoding/json"
	"net/http"
)

// catalogModels is the fixed set of upstream model ids this gateway
// exposes through the OpenAI/Gemini model-listing endpoints, matching the
// alias targets in translate.CanonicalModel.
var catalogModels = []string{"gpt-5-codex", "gpt-5-codex-mini"}

type openaiModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (s *Server) handleListModelsOpenAI(w http.ResponseWriter, r *http.Request) {
	out := make([]openaiModel, 0, len(catalogModels))
	for _, id := range catalogModels {
		out = append(out, openaiModel{ID: id, Object: "model", OwnedBy: "codex-gateway"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": out})
}

func (s *Server) handleGetModelOpenAI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !modelKnown(id) {
		writeOpenAIError(w, notFoundErr("model not found"))
		return
	}
	writeJSON(w, http.StatusOK, openaiModel{ID: id, Object: "model", OwnedBy: "codex-gateway"})
}

func (s *Server) handleGetModelInfoOpenAI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !modelKnown(id) {
		writeOpenAIError(w, notFoundErr("model not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":             id,
		"object":         "model",
		"owned_by":       "codex-gateway",
		"context_window": 200000,
	})
}

func (s *Server) handleListModelsGemini(w http.ResponseWriter, r *http.Request) {
	type geminiModel struct {
		Name                       string `json:"name"`
		DisplayName                string `json:"displayName"`
		SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	}
	out := make([]geminiModel, 0, len(catalogModels))
	for _, id := range catalogModels {
		out = append(out, geminiModel{
			Name:                       "models/" + id,
			DisplayName:                id,
			SupportedGenerationMethods: []string{"generateContent", "streamGenerateContent"},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": out})
}

func modelKnown(id string) bool {
	for _, m := range catalogModels {
		if m == id {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type notFoundErr string

func (e notFoundErr) Error() string { return string(e) }
