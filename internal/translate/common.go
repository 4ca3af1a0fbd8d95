// Package translate holds the pieces shared by the three protocol
// translators (§4.I): the model alias catalog, the reasoning-effort
// priority chain, the desktop-context prompt cache, content-block
// flattening, and id generation. Grounded in the teacher's identity
// package (prompt injection, UA/version templating) generalized from a
// single fixed "Claude Code" prompt to a process-wide cached prompt file
// and from one protocol to three.
package translate

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// modelAliases canonicalizes client-supplied model names to a concrete
// upstream model id (§4.I "model is canonicalized through an alias map").
var modelAliases = map[string]string{
	"codex":          "gpt-5-codex",
	"codex-mini":     "gpt-5-codex-mini",
	"gpt-4":          "gpt-5-codex",
	"gpt-4o":         "gpt-5-codex",
	"claude-3-opus":  "gpt-5-codex",
	"gemini-pro":     "gpt-5-codex",
}

// CanonicalModel resolves a client-supplied model name to the upstream id.
func CanonicalModel(name string) string {
	if alias, ok := modelAliases[strings.ToLower(name)]; ok {
		return alias
	}
	return name
}

// modelDefaultEffort gives the catalog default reasoning effort per model,
// used when neither a protocol-specific hint nor an explicit request value
// is present (§4.I effort priority chain, step 2).
var modelDefaultEffort = map[string]string{
	"gpt-5-codex":      "medium",
	"gpt-5-codex-mini": "low",
}

// EffortFromBudgetTokens maps a thinking/budget token count to a discrete
// reasoning effort per the thresholds in §4.I and the boundary cases in §8
// (7999 -> medium, 8000 -> high).
func EffortFromBudgetTokens(tokens int) string {
	switch {
	case tokens < 2000:
		return "low"
	case tokens < 8000:
		return "medium"
	case tokens < 20000:
		return "high"
	default:
		return "xhigh"
	}
}

// ResolveEffort implements the full priority chain: protocol-specific
// hint -> model catalog default -> config default.
func ResolveEffort(hint, model, configDefault string) string {
	if hint != "" {
		return hint
	}
	if d, ok := modelDefaultEffort[model]; ok {
		return d
	}
	return configDefault
}

// --- desktop context prompt ---

var (
	promptOnce sync.Once
	promptText string
)

// DesktopContextPrompt loads and caches (per process) the markdown prompt
// prepended to every "instructions" payload (§GLOSSARY "Desktop context
// prompt"). path is read once; subsequent calls reuse the cached value.
func DesktopContextPrompt(path string) string {
	promptOnce.Do(func() {
		data, err := os.ReadFile(path)
		if err != nil {
			promptText = defaultDesktopPrompt
			return
		}
		promptText = string(data)
	})
	return promptText
}

const defaultDesktopPrompt = "You are operating inside a desktop coding assistant session."

// BuildInstructions concatenates the desktop context prompt with the
// protocol-specific system text extracted by the caller.
func BuildInstructions(promptPath, systemText string) string {
	ctx := DesktopContextPrompt(promptPath)
	if systemText == "" {
		return ctx
	}
	return ctx + "\n\n" + systemText
}

// --- content-block flattening ---

// FlattenToolCall renders a tool/function invocation as readable text so
// the upstream can still reason about it despite tools being otherwise
// discarded (§4.I, Non-goals "does not implement tool/function-calling").
func FlattenToolCall(name, args string) string {
	return fmt.Sprintf("[Tool Call: %s(%s)]", name, args)
}

// FlattenToolResult renders a tool result block.
func FlattenToolResult(id, result string) string {
	return fmt.Sprintf("[Tool Result (%s)]: %s", id, result)
}

// --- id generation ---

// genID namespaces generated ids by kind.
func genID(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// NewTaskID generates a session-cache task id.
func NewTaskID() string { return genID("task") }

// NewChatCompletionID generates an OpenAI-shaped completion id.
func NewChatCompletionID() string { return genID("chatcmpl") }

// NewMessageID generates an Anthropic-shaped message id.
func NewMessageID() string { return genID("msg") }
