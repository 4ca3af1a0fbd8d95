// Package openai translates between the OpenAI chat-completions wire
// format and the upstream Responses protocol (§4.I).
package openai

import (
	"encoding/json"
	"strings"

	"github.com/arcrelay/codex-gateway/internal/sessioncache"
	"github.com/arcrelay/codex-gateway/internal/translate"
	"github.com/arcrelay/codex-gateway/internal/upstream"
)

// ChatMessage is a single incoming OpenAI chat message. Content is kept as
// json.RawMessage because it may be a string or an array of content parts.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ChatCompletionsRequest is the incoming client request body.
type ChatCompletionsRequest struct {
	Model            string        `json:"model"`
	Messages         []ChatMessage `json:"messages"`
	Stream           bool          `json:"stream"`
	ReasoningEffort  string        `json:"reasoning_effort,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
}

// contentPart mirrors one element of an OpenAI array-content message.
type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
	// Tool-call / tool-result shapes, when present, are flattened to text.
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Function   *functionCall   `json:"function,omitempty"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// flattenContent reduces a message's content (string or content-part
// array) to plain text, per §9 "Dynamic duck-typed message shapes".
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteString("\n")
		}
		switch p.Type {
		case "text", "":
			b.WriteString(p.Text)
		case "tool_use", "function":
			if p.Function != nil {
				b.WriteString(translate.FlattenToolCall(p.Function.Name, p.Function.Arguments))
			}
		case "tool_result":
			b.WriteString(translate.FlattenToolResult(p.ToolCallID, p.Text))
		default:
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// TranslateOptions carries the ambient config the translator needs.
type TranslateOptions struct {
	DesktopPromptPath  string
	ConfigDefaultEffort string
	PreviousResponseID string // copied into the request; the HTTP handler sets previous_response_id on the returned request instead
}

// ToUpstream builds the Responses request body and the sessioncache prefix
// hash for the incoming messages.
func ToUpstream(req ChatCompletionsRequest, opts TranslateOptions) (upstream.Request, string) {
	var systemParts []string
	var input []upstream.Message
	var hashable []sessioncache.PromptMessage

	for _, m := range req.Messages {
		text := flattenContent(m.Content)
		hashable = append(hashable, sessioncache.PromptMessage{Role: m.Role, Content: text})
		if m.Role == "system" {
			systemParts = append(systemParts, text)
			continue
		}
		input = append(input, upstream.Message{Role: m.Role, Content: text})
	}

	model := translate.CanonicalModel(req.Model)
	effort := translate.ResolveEffort(req.ReasoningEffort, model, opts.ConfigDefaultEffort)

	up := upstream.Request{
		Model:              model,
		Instructions:       translate.BuildInstructions(opts.DesktopPromptPath, strings.Join(systemParts, "\n")),
		Input:              input,
		Store:              false,
		Tools:              []any{},
		Reasoning:          &upstream.Reasoning{Effort: effort},
		PreviousResponseID: opts.PreviousResponseID,
	}
	return up, sessioncache.HashPrefix(hashable)
}
