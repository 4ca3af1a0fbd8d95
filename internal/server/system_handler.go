package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(s.startTime).String(),
		"active":  s.pool.ActiveCount(),
		"total":   len(s.pool.List()),
		"version": "1.0.0",
	})
}

func (s *Server) handleDebugFingerprint(w http.ResponseWriter, r *http.Request) {
	fp := s.fp.Get()
	writeJSON(w, http.StatusOK, map[string]any{
		"chromium_version": fp.ChromiumVersion,
		"app_version":      fp.AppVersion,
		"build_number":     fp.BuildNumber,
		"platform":         fp.Platform,
		"arch":             fp.Arch,
		"header_order":     fp.HeaderOrder,
		"transport_kind":   s.transport.Kind(),
	})
}

// handleDebugLogs implements GET /debug/logs: an SSE tail of the process's
// recent log lines, backfilled with the ring buffer and then streamed live
// until the client disconnects.
func (s *Server) handleDebugLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeOpenAIError(w, notFoundErr("log tailing is disabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeOpenAIError(w, notFoundErr("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id, ch, recent := s.logs.Subscribe()
	defer s.logs.Unsubscribe(id)

	writeLine := func(line any) bool {
		data, err := json.Marshal(line)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, line := range recent {
		if !writeLine(line) {
			return
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case line, ok := <-ch:
			if !ok {
				return
			}
			if !writeLine(line) {
				return
			}
		}
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	accounts := s.pool.List()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "<html><head><title>codex-gateway</title></head><body>")
	fmt.Fprintf(w, "<h1>codex-gateway</h1><p>uptime: %s</p>", time.Since(s.startTime))
	fmt.Fprintf(w, "<table border=1><tr><th>id</th><th>email</th><th>status</th><th>requests</th></tr>")
	for _, a := range accounts {
		fmt.Fprintf(w, "<tr><td>%s</td><td>%s</td><td>%s</td><td>%d</td></tr>", a.ID, a.Email, a.Status, a.Usage.RequestCount)
	}
	fmt.Fprintf(w, "</table></body></html>")
}
