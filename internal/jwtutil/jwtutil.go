// Package jwtutil decodes the opaque bearer tokens issued by the upstream
// Responses backend. Per spec §4.A no signature is ever checked — only the
// payload claims are needed, the same way the teacher's identity package
// reads account metadata out of unverified tokens.
package jwtutil

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrMalformed is returned when a token does not have the three dot-separated
// segments a JWT requires.
var ErrMalformed = errors.New("jwtutil: malformed token")

// Claims holds the subset of the upstream JWT payload the gateway cares
// about. Unknown claims are preserved in Raw for callers that need them.
type Claims struct {
	AccountID   string
	Email       string
	PlanType    string
	Expiry      time.Time
	HasExpiry   bool
	Raw         map[string]any
}

// chatgptAuth mirrors the nested "https://api.openai.com/auth" claim the
// Responses backend embeds in its access tokens.
type chatgptAuth struct {
	ChatGPTAccountID string `json:"chatgpt_account_id"`
	UserID           string `json:"user_id"`
}

type payload struct {
	Email     string      `json:"email"`
	Exp       float64     `json:"exp"`
	AuthClaim chatgptAuth `json:"https://api.openai.com/auth"`
	OrgID     string      `json:"organization_id"`
}

// Decode base64url-decodes the middle segment of a JWT and extracts claims.
// It does not validate the signature or the algorithm header.
func Decode(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	token = strings.TrimPrefix(token, "Bearer ")
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, ErrMalformed
	}

	raw, err := decodeSegment(parts[1])
	if err != nil {
		return Claims{}, err
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Claims{}, err
	}

	var p payload
	_ = json.Unmarshal(raw, &p)

	c := Claims{
		Email: p.Email,
		Raw:   generic,
	}
	if p.AuthClaim.ChatGPTAccountID != "" {
		c.AccountID = p.AuthClaim.ChatGPTAccountID
	} else if p.AuthClaim.UserID != "" {
		c.AccountID = p.AuthClaim.UserID
	}
	if authAny, ok := generic["https://api.openai.com/auth"].(map[string]any); ok {
		if pt, ok := authAny["chatgpt_plan_type"].(string); ok {
			c.PlanType = pt
		}
	}
	if p.Exp > 0 {
		c.Expiry = time.Unix(int64(p.Exp), 0).UTC()
		c.HasExpiry = true
	}
	return c, nil
}

// IsExpired reports whether the decoded claims carry an expiry that has
// already passed as of now.
func (c Claims) IsExpired(now time.Time) bool {
	if !c.HasExpiry {
		return false
	}
	return !now.Before(c.Expiry)
}

func decodeSegment(seg string) ([]byte, error) {
	if m := len(seg) % 4; m != 0 {
		seg += strings.Repeat("=", 4-m)
	}
	return base64.URLEncoding.DecodeString(seg)
}
