// Package upstream drives the ChatGPT-for-Codex "Responses" backend
// (spec §4.H): builds the POST body, pushes it through the fingerprinted
// transport, and turns the raw SSE byte stream into typed events. Grounded
// in the teacher's relay.CodexRelay, which already targets this exact
// upstream, generalized from a single relay handler into a reusable client
// the three protocol translators share.
package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/arcrelay/codex-gateway/internal/fingerprint"
	"github.com/arcrelay/codex-gateway/internal/transport"
)

// Message is one entry of the "input" array (§4.H).
type Message struct {
	Role    string `json:"role"` // user | assistant | system
	Content string `json:"content"`
}

// Reasoning carries the optional "reasoning.effort" field.
type Reasoning struct {
	Effort string `json:"effort,omitempty"` // low | medium | high | xhigh
}

// Request is the upstream Responses request body.
type Request struct {
	Model              string    `json:"model"`
	Instructions       string    `json:"instructions"`
	Input              []Message `json:"input"`
	Stream             bool      `json:"stream"`
	Store              bool      `json:"store"`
	Tools              []any     `json:"tools"`
	Reasoning          *Reasoning `json:"reasoning,omitempty"`
	PreviousResponseID string    `json:"previous_response_id,omitempty"`
}

// Event is a single parsed SSE frame (§4.H SSE parsing).
type Event struct {
	Event string
	Data  string
}

// Error wraps a non-2xx upstream response (§4.H Error handling).
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream: status %d: %s", e.Status, e.Body)
}

// Client drives the Responses endpoint; callers supply a shared
// transport.Client and fingerprint.Builder, and pass the acquired account's
// token and account id on each call.
type Client struct {
	baseURL   string
	transport transport.Client
	headers   *fingerprint.Builder
}

// New constructs a Responses client against baseURL (e.g.
// "https://chatgpt.com/backend-api").
func New(baseURL string, t transport.Client, headers *fingerprint.Builder) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), transport: t, headers: headers}
}

// maxErrorBody caps how much of a non-2xx body is read before the rest of
// the stream is discarded (§4.H "capped at 1 MiB").
const maxErrorBody = 1 << 20

// Stream issues the Responses POST and returns a channel of parsed events.
// The channel is closed when the stream ends (upstream close, `[DONE]`, or
// ctx cancellation); the caller drains it to completion to release the
// underlying body.
func (c *Client) Stream(ctx context.Context, token, accountID string, req Request) (<-chan Event, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	headers := c.headers.Build(fingerprint.CallOptions{
		BearerToken: token,
		AccountID:   accountID,
		ContentType: "application/json",
		Accept:      "text/event-stream",
	})

	resp, err := c.transport.StreamPost(ctx, c.baseURL+"/codex/responses", headers, body)
	if err != nil {
		return nil, err
	}

	if resp.Status < 200 || resp.Status >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &Error{Status: resp.Status, Body: string(errBody)}
	}

	out := make(chan Event, 8)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		parseSSE(ctx, resp.Body, out)
	}()
	return out, nil
}

// sseBufferCap is the 10 MiB accumulation cap of §4.H.
const sseBufferCap = 10 << 20

// parseSSE reads body, splitting on the blank-line event terminator,
// concatenating multiple `data:` lines with newlines, and stopping on the
// literal `[DONE]` sentinel.
func parseSSE(ctx context.Context, body io.Reader, out chan<- Event) {
	reader := bufio.NewReaderSize(body, 64*1024)
	var eventName string
	var dataLines []string
	var total int

	flush := func() bool {
		if len(dataLines) == 0 && eventName == "" {
			return true
		}
		data := strings.Join(dataLines, "\n")
		name := eventName
		eventName, dataLines = "", nil
		if data == "[DONE]" {
			return false
		}
		select {
		case out <- Event{Event: name, Data: data}:
		case <-ctx.Done():
			return false
		}
		return true
	}

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := reader.ReadString('\n')
		total += len(line)
		if total > sseBufferCap {
			return
		}
		trimmed := strings.TrimRight(line, "\r\n")

		switch {
		case trimmed == "":
			if !flush() {
				return
			}
		case strings.HasPrefix(trimmed, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(trimmed, "event:"))
		case strings.HasPrefix(trimmed, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(trimmed, "data:"), " "))
		}

		if err != nil {
			if len(dataLines) > 0 {
				flush()
			}
			return
		}
	}
}

// ParsedData unmarshals an Event's JSON payload into v. Event payloads that
// equal "[DONE]" never reach callers (parseSSE stops the stream there).
func ParsedData(e Event, v any) error {
	return json.Unmarshal([]byte(e.Data), v)
}

// UsageWindow mirrors the subset of GET /codex/usage this gateway reads
// (§4.H Usage endpoint, §8 scenario 3).
type UsageWindow struct {
	ResetAt int64 `json:"reset_at"`
}

type UsageResponse struct {
	PlanType string `json:"plan_type"`
	RateLimit struct {
		PrimaryWindow UsageWindow `json:"primary_window"`
	} `json:"rate_limit"`
}

// Usage fetches GET /codex/usage. When the active transport isn't a
// genuine impersonating client, Accept-Encoding is forced to
// "gzip, deflate" so the fallback can still decompress the response
// (§4.H, a real libcurl/uTLS client already negotiates brotli/zstd).
func (c *Client) Usage(ctx context.Context, token, accountID string) (*UsageResponse, error) {
	headers := c.headers.Build(fingerprint.CallOptions{BearerToken: token, AccountID: accountID})
	if !c.transport.IsImpersonate() {
		replaced := false
		for i := range headers {
			if strings.EqualFold(headers[i].Name, "Accept-Encoding") {
				headers[i].Value = "gzip, deflate"
				replaced = true
			}
		}
		if !replaced {
			headers = append(headers, transport.Header{Name: "Accept-Encoding", Value: "gzip, deflate"})
		}
	}

	resp, err := c.transport.Get(ctx, c.baseURL+"/codex/usage", headers)
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return nil, &Error{Status: resp.Status, Body: clipBody(resp.Body)}
	}
	var ur UsageResponse
	if err := json.Unmarshal([]byte(resp.Body), &ur); err != nil {
		return nil, err
	}
	return &ur, nil
}

func clipBody(s string) string {
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}
