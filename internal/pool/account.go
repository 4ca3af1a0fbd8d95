// Package pool implements the multi-account pool of spec §3/§4.E: entry
// storage, acquire/release locking, rate-limit bookkeeping, and selection
// strategy. It generalizes the teacher's account.AccountStore (a
// Redis/SQLite-backed field-map store) to spec's flat-JSON,
// atomic-tmp+rename persistence model, since this system has no database
// dependency to reuse for durable entity storage.
package pool

import (
	"time"
)

// Status is one of the five states an AccountEntry can occupy (§3).
type Status string

const (
	StatusActive      Status = "active"
	StatusExpired     Status = "expired"
	StatusRateLimited Status = "rate_limited"
	StatusRefreshing  Status = "refreshing"
	StatusDisabled    Status = "disabled"
)

// Usage tracks per-entry counters (§3 Usage).
type Usage struct {
	RequestCount   int       `json:"request_count"`
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	LastUsed       time.Time `json:"last_used,omitempty"`
	RateLimitUntil time.Time `json:"rate_limit_until,omitempty"`
	WindowResetAt  time.Time `json:"window_reset_at,omitempty"`
}

// Entry is a single pooled account (§3 AccountEntry).
type Entry struct {
	ID           string `json:"id"` // internal opaque id
	AccountID    string `json:"accountId"` // upstream JWT claim, dedupe key
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
	Email        string `json:"email,omitempty"`
	PlanType     string `json:"planType,omitempty"`
	ProxyAPIKey  string `json:"proxyApiKey"`
	Status       Status `json:"status"`
	Usage        Usage  `json:"usage"`
	AddedAt      time.Time `json:"addedAt"`
}

// Acquired is what Acquire() hands a request handler.
type Acquired struct {
	EntryID   string
	Token     string
	AccountID string
}

// ReleaseUsage is optionally reported to Release (§4.E Release contract).
type ReleaseUsage struct {
	InputTokens  int64
	OutputTokens int64
}

func (e *Entry) clone() *Entry {
	cp := *e
	return &cp
}
