// Package anthropic translates between the Anthropic messages wire format
// and the upstream Responses protocol (§4.I).
package anthropic

import (
	"encoding/json"
	"strings"

	"github.com/arcrelay/codex-gateway/internal/sessioncache"
	"github.com/arcrelay/codex-gateway/internal/translate"
	"github.com/arcrelay/codex-gateway/internal/upstream"
)

// Message is one incoming Anthropic message.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Thinking carries the optional budget hint.
type Thinking struct {
	BudgetTokens int `json:"budget_tokens"`
}

// MessagesRequest is the incoming client request body.
type MessagesRequest struct {
	Model     string          `json:"model"`
	System    json.RawMessage `json:"system,omitempty"`
	Messages  []Message       `json:"messages"`
	Stream    bool            `json:"stream"`
	Thinking  *Thinking       `json:"thinking,omitempty"`
	Tools     json.RawMessage `json:"tools,omitempty"`
}

type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	ToolUse string          `json:"tool_use_id,omitempty"`
}

// systemText flattens the top-level `system` field: string or array of
// text blocks (§4.I "Anthropic: top-level system").
func systemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []contentBlock
	if json.Unmarshal(raw, &blocks) != nil {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		parts = append(parts, b.Text)
	}
	return strings.Join(parts, "\n")
}

func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []contentBlock
	if json.Unmarshal(raw, &blocks) != nil {
		return ""
	}
	var b strings.Builder
	for i, blk := range blocks {
		if i > 0 {
			b.WriteString("\n")
		}
		switch blk.Type {
		case "text", "":
			b.WriteString(blk.Text)
		case "tool_use":
			b.WriteString(translate.FlattenToolCall(blk.Name, string(blk.Input)))
		case "tool_result":
			b.WriteString(translate.FlattenToolResult(blk.ToolUse, flattenToolResultContent(blk.Content)))
		default:
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

func flattenToolResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []contentBlock
	if json.Unmarshal(raw, &blocks) == nil {
		var parts []string
		for _, b := range blocks {
			parts = append(parts, b.Text)
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

// TranslateOptions carries the ambient config the translator needs.
type TranslateOptions struct {
	DesktopPromptPath   string
	ConfigDefaultEffort string
	PreviousResponseID  string
}

// ToUpstream builds the Responses request body and the session prefix hash.
func ToUpstream(req MessagesRequest, opts TranslateOptions) (upstream.Request, string) {
	var input []upstream.Message
	var hashable []sessioncache.PromptMessage

	sys := systemText(req.System)
	hashable = append(hashable, sessioncache.PromptMessage{Role: "system", Content: sys})
	for _, m := range req.Messages {
		text := flattenContent(m.Content)
		hashable = append(hashable, sessioncache.PromptMessage{Role: m.Role, Content: text})
		input = append(input, upstream.Message{Role: m.Role, Content: text})
	}

	model := translate.CanonicalModel(req.Model)
	var hint string
	if req.Thinking != nil {
		hint = translate.EffortFromBudgetTokens(req.Thinking.BudgetTokens)
	}
	effort := translate.ResolveEffort(hint, model, opts.ConfigDefaultEffort)

	up := upstream.Request{
		Model:              model,
		Instructions:       translate.BuildInstructions(opts.DesktopPromptPath, sys),
		Input:              input,
		Store:              false,
		Tools:              []any{},
		Reasoning:          &upstream.Reasoning{Effort: effort},
		PreviousResponseID: opts.PreviousResponseID,
	}
	return up, sessioncache.HashPrefix(hashable)
}
