package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/arcrelay/codex-gateway/internal/translate"
	"github.com/arcrelay/codex-gateway/internal/upstream"
)

// Usage mirrors the OpenAI usage object.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Delta is a streaming chunk's delta payload.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice is one choice of a streaming chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Chunk is a single `chat.completion.chunk` SSE payload.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// Completion is the non-streaming `chat.completion` response.
type Completion struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int    `json:"index"`
		Message      Delta  `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Result carries everything the caller (router) needs after a stream
// finishes: the response id for session threading, and usage for pool
// accounting.
type Result struct {
	ResponseID   string
	InputTokens  int64
	OutputTokens int64
}

// StreamTo consumes upstream events and writes `chat.completion.chunk`
// frames to w, terminating with `data: [DONE]` (§4.I OpenAI streaming).
func StreamTo(ctx context.Context, w io.Writer, flush func(), model string, events <-chan upstream.Event) (Result, error) {
	id := translate.NewChatCompletionID()
	var res Result
	roleSent := false

	writeChunk := func(c Chunk) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
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
				ID string `json:"id"`
			}
			_ = upstream.ParsedData(ev, &payload)
			if payload.Response.ID != "" {
				res.ResponseID = payload.Response.ID
			} else if payload.ID != "" {
				res.ResponseID = payload.ID
			}
		case "response.output_text.delta":
			var payload struct {
				Delta string `json:"delta"`
			}
			if err := upstream.ParsedData(ev, &payload); err != nil {
				continue
			}
			if !roleSent {
				if err := writeChunk(Chunk{ID: id, Object: "chat.completion.chunk", Model: model,
					Choices: []ChunkChoice{{Delta: Delta{Role: "assistant"}}}}); err != nil {
					return res, err
				}
				roleSent = true
			}
			if err := writeChunk(Chunk{ID: id, Object: "chat.completion.chunk", Model: model,
				Choices: []ChunkChoice{{Delta: Delta{Content: payload.Delta}}}}); err != nil {
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

			finish := "stop"
			if err := writeChunk(Chunk{ID: id, Object: "chat.completion.chunk", Model: model,
				Choices: []ChunkChoice{{FinishReason: &finish}}}); err != nil {
				return res, err
			}
		}
	}

	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
		return res, err
	}
	flush()
	return res, nil
}

// Collect accumulates upstream events into a single non-streaming
// `chat.completion` response.
func Collect(model string, events <-chan upstream.Event) (Completion, Result) {
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

	comp := Completion{
		ID:     translate.NewChatCompletionID(),
		Object: "chat.completion",
		Model:  model,
		Usage: Usage{
			PromptTokens:     res.InputTokens,
			CompletionTokens: res.OutputTokens,
			TotalTokens:      res.InputTokens + res.OutputTokens,
		},
	}
	comp.Choices = append(comp.Choices, struct {
		Index        int    `json:"index"`
		Message      Delta  `json:"message"`
		FinishReason string `json:"finish_reason"`
	}{Index: 0, Message: Delta{Role: "assistant", Content: text}, FinishReason: "stop"})
	return comp, res
}
