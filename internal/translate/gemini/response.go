package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/arcrelay/codex-gateway/internal/upstream"
)

// Result carries what the router needs after a stream finishes.
type Result struct {
	ResponseID   string
	InputTokens  int64
	OutputTokens int64
}

// UsageMetadata mirrors Gemini's usageMetadata object.
type UsageMetadata struct {
	PromptTokenCount     int64 `json:"promptTokenCount"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	TotalTokenCount      int64 `json:"totalTokenCount"`
}

// Candidate is one candidate in a GenerateContentResponse.
type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
	Index        int     `json:"index"`
}

// GenerateContentResponse is both the streaming frame and the non-streaming
// response shape (§4.I "Gemini streaming").
type GenerateContentResponse struct {
	Candidates    []Candidate    `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// StreamTo consumes upstream events and writes Gemini `data:` JSON lines,
// one per text delta, with a final frame carrying finishReason=STOP and
// usageMetadata.
func StreamTo(ctx context.Context, w io.Writer, flush func(), events <-chan upstream.Event) (Result, error) {
	var res Result

	writeFrame := func(frame GenerateContentResponse) error {
		data, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\r\n\r\n", data); err != nil {
			return err
		}
		flush()
		return nil
	}

	for ev := range events {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		switch ev.Event {
		case "response.created", "response.in_progress":
			var payload struct {
				Response struct {
					ID string `json:"id"`
				} `json:"response"`
			}
			_ = upstream.ParsedData(ev, &payload)
			if payload.Response.ID != "" {
				res.ResponseID = payload.Response.ID
			}
		case "response.output_text.delta":
			var payload struct {
				Delta string `json:"delta"`
			}
			if upstream.ParsedData(ev, &payload) != nil {
				continue
			}
			frame := GenerateContentResponse{Candidates: []Candidate{{
				Content: Content{Role: "model", Parts: []Part{{Text: payload.Delta}}},
				Index:   0,
			}}}
			if err := writeFrame(frame); err != nil {
				return res, err
			}
		case "response.completed":
			var payload struct {
				Response struct {
					ID    string `json:"id"`
					Usage struct {
						InputTokens  int64 `json:"input_tokens"`
						OutputTokens int64 `json:"output_tokens"`
					} `json:"usage"`
				} `json:"response"`
			}
			_ = upstream.ParsedData(ev, &payload)
			if payload.Response.ID != "" {
				res.ResponseID = payload.Response.ID
			}
			res.InputTokens = payload.Response.Usage.InputTokens
			res.OutputTokens = payload.Response.Usage.OutputTokens

			frame := GenerateContentResponse{
				Candidates: []Candidate{{
					Content:      Content{Role: "model", Parts: []Part{}},
					FinishReason: "STOP",
					Index:        0,
				}},
				UsageMetadata: &UsageMetadata{
					PromptTokenCount:     res.InputTokens,
					CandidatesTokenCount: res.OutputTokens,
					TotalTokenCount:      res.InputTokens + res.OutputTokens,
				},
			}
			if err := writeFrame(frame); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

// Collect accumulates events into a single non-streaming
// GenerateContentResponse object.
func Collect(events <-chan upstream.Event) (GenerateContentResponse, Result) {
	var text string
	var res Result
	for ev := range events {
		switch ev.Event {
		case "response.output_text.delta":
			var payload struct {
				Delta string `json:"delta"`
			}
			if upstream.ParsedData(ev, &payload) == nil {
				text += payload.Delta
			}
		case "response.completed":
			var payload struct {
				Response struct {
					ID    string `json:"id"`
					Usage struct {
						InputTokens  int64 `json:"input_tokens"`
						OutputTokens int64 `json:"output_tokens"`
					} `json:"usage"`
				} `json:"response"`
			}
			if upstream.ParsedData(ev, &payload) == nil {
				res.ResponseID = payload.Response.ID
				res.InputTokens = payload.Response.Usage.InputTokens
				res.OutputTokens = payload.Response.Usage.OutputTokens
			}
		}
	}
	resp := GenerateContentResponse{
		Candidates: []Candidate{{
			Content:      Content{Role: "model", Parts: []Part{{Text: text}}},
			FinishReason: "STOP",
			Index:        0,
		}},
		UsageMetadata: &UsageMetadata{
			PromptTokenCount:     res.InputTokens,
			CandidatesTokenCount: res.OutputTokens,
			TotalTokenCount:      res.InputTokens + res.OutputTokens,
		},
	}
	return resp, res
}
