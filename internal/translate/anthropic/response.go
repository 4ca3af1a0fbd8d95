package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/arcrelay/codex-gateway/internal/translate"
	"github.com/arcrelay/codex-gateway/internal/upstream"
)

// Result mirrors openai.Result: what the router needs post-stream.
type Result struct {
	ResponseID   string
	InputTokens  int64
	OutputTokens int64
}

type messageStartPayload struct {
	Type    string `json:"type"`
	Message struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Role    string `json:"role"`
		Content []any  `json:"content"`
		Model   string `json:"model"`
		Usage   struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

func writeEvent(w io.Writer, flush func(), name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	flush()
	return nil
}

// StreamTo consumes upstream events and writes the Anthropic SSE event
// sequence of §4.I: message_start -> content_block_start ->
// content_block_delta* -> content_block_stop -> message_delta ->
// message_stop.
func StreamTo(ctx context.Context, w io.Writer, flush func(), model string, events <-chan upstream.Event) (Result, error) {
	id := translate.NewMessageID()
	var res Result
	started := false

	ensureStarted := func() error {
		if started {
			return nil
		}
		started = true
		start := messageStartPayload{Type: "message_start"}
		start.Message.ID = id
		start.Message.Type = "message"
		start.Message.Role = "assistant"
		start.Message.Content = []any{}
		start.Message.Model = model
		if err := writeEvent(w, flush, "message_start", start); err != nil {
			return err
		}
		return writeEvent(w, flush, "content_block_start", map[string]any{
			"type": "content_block_start", "index": 0,
			"content_block": map[string]string{"type": "text", "text": ""},
		})
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
			if err := ensureStarted(); err != nil {
				return res, err
			}
			if err := writeEvent(w, flush, "content_block_delta", map[string]any{
				"type": "content_block_delta", "index": 0,
				"delta": map[string]string{"type": "text_delta", "text": payload.Delta},
			}); err != nil {
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

			if err := ensureStarted(); err != nil {
				return res, err
			}
			if err := writeEvent(w, flush, "content_block_stop", map[string]any{"type": "content_block_stop", "index": 0}); err != nil {
				return res, err
			}
			if err := writeEvent(w, flush, "message_delta", map[string]any{
				"type":  "message_delta",
				"delta": map[string]string{"stop_reason": "end_turn"},
				"usage": map[string]int64{"output_tokens": res.OutputTokens},
			}); err != nil {
				return res, err
			}
			if err := writeEvent(w, flush, "message_stop", map[string]any{"type": "message_stop"}); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

// Collect accumulates events into a non-streaming Anthropic message.
func Collect(model string, events <-chan upstream.Event) (map[string]any, Result) {
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
	msg := map[string]any{
		"id":          translate.NewMessageID(),
		"type":        "message",
		"role":        "assistant",
		"model":       model,
		"content":     []map[string]string{{"type": "text", "text": text}},
		"stop_reason": "end_turn",
		"usage": map[string]int64{
			"input_tokens":  res.InputTokens,
			"output_tokens": res.OutputTokens,
		},
	}
	return msg, res
}
