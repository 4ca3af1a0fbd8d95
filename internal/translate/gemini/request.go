// Package gemini translates between the Gemini generateContent wire format
// and the upstream Responses protocol (§4.I).
package gemini

import (
	"encoding/json"
	"strings"

	"github.com/arcrelay/codex-gateway/internal/sessioncache"
	"github.com/arcrelay/codex-gateway/internal/translate"
	"github.com/arcrelay/codex-gateway/internal/upstream"
)

// Part is one element of a Gemini content's parts array.
type Part struct {
	Text             string          `json:"text,omitempty"`
	FunctionCall     json.RawMessage `json:"functionCall,omitempty"`
	FunctionResponse json.RawMessage `json:"functionResponse,omitempty"`
}

// Content is one turn: a role and its parts.
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// ThinkingConfig carries the optional Gemini reasoning budget hint.
type ThinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

// GenerationConfig mirrors the subset of Gemini's generationConfig this
// gateway understands.
type GenerationConfig struct {
	ThinkingConfig *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

// GenerateContentRequest is the incoming client request body for both
// generateContent and streamGenerateContent.
type GenerateContentRequest struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

func flattenParts(parts []Part) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteString("\n")
		}
		switch {
		case p.Text != "":
			b.WriteString(p.Text)
		case len(p.FunctionCall) > 0:
			var fc struct {
				Name string          `json:"name"`
				Args json.RawMessage `json:"args"`
			}
			_ = json.Unmarshal(p.FunctionCall, &fc)
			b.WriteString(translate.FlattenToolCall(fc.Name, string(fc.Args)))
		case len(p.FunctionResponse) > 0:
			var fr struct {
				Name     string          `json:"name"`
				Response json.RawMessage `json:"response"`
			}
			_ = json.Unmarshal(p.FunctionResponse, &fr)
			b.WriteString(translate.FlattenToolResult(fr.Name, string(fr.Response)))
		}
	}
	return b.String()
}

// geminiRole maps Gemini's "model" role to the upstream "assistant" role.
func geminiRole(role string) string {
	if role == "model" {
		return "assistant"
	}
	if role == "" {
		return "user"
	}
	return role
}

// TranslateOptions carries the ambient config the translator needs.
type TranslateOptions struct {
	DesktopPromptPath   string
	ConfigDefaultEffort string
	PreviousResponseID  string
}

// ToUpstream builds the Responses request body and the session prefix hash.
func ToUpstream(model string, req GenerateContentRequest, opts TranslateOptions) (upstream.Request, string) {
	var input []upstream.Message
	var hashable []sessioncache.PromptMessage

	var sys string
	if req.SystemInstruction != nil {
		sys = flattenParts(req.SystemInstruction.Parts)
	}
	hashable = append(hashable, sessioncache.PromptMessage{Role: "system", Content: sys})

	for _, c := range req.Contents {
		text := flattenParts(c.Parts)
		role := geminiRole(c.Role)
		hashable = append(hashable, sessioncache.PromptMessage{Role: role, Content: text})
		input = append(input, upstream.Message{Role: role, Content: text})
	}

	canonModel := translate.CanonicalModel(model)
	var hint string
	if req.GenerationConfig != nil && req.GenerationConfig.ThinkingConfig != nil {
		hint = translate.EffortFromBudgetTokens(req.GenerationConfig.ThinkingConfig.ThinkingBudget)
	}
	effort := translate.ResolveEffort(hint, canonModel, opts.ConfigDefaultEffort)

	up := upstream.Request{
		Model:              canonModel,
		Instructions:       translate.BuildInstructions(opts.DesktopPromptPath, sys),
		Input:              input,
		Store:              false,
		Tools:              []any{},
		Reasoning:          &upstream.Reasoning{Effort: effort},
		PreviousResponseID: opts.PreviousResponseID,
	}
	return up, sessioncache.HashPrefix(hashable)
}
