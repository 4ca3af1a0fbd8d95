// Package oauth implements the PKCE authorization-code and device-code
// flows of spec §4.G, grounded in the teacher's account.GenerateAuthURL /
// ExchangeCode pattern and generalized from the fixed Claude endpoints to
// config-supplied auth/token endpoints.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
)

const pkceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// GeneratePKCE builds a verifier/challenge pair: 32 random bytes,
// base64url-encoded, filtered to the PKCE alphabet, truncated to 128
// chars; challenge is SHA-256 of the verifier, base64url (§4.G).
func GeneratePKCE() (verifier, challenge string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	raw := base64.RawURLEncoding.EncodeToString(b)
	verifier = filterAlphabet(raw)
	if len(verifier) > 128 {
		verifier = verifier[:128]
	}
	h := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(h[:])
	return verifier, challenge, nil
}

func filterAlphabet(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(pkceAlphabet, r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// GenerateState returns a random, URL-safe state token for CSRF binding.
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// BuildAuthorizationURL manually assembles the authorization URL: spaces
// in the scope parameter must render as %20, not the '+' url.Values.Encode
// would produce (§4.G).
func BuildAuthorizationURL(authEndpoint, clientID, redirectURI, scope, state, challenge string) string {
	params := []struct{ k, v string }{
		{"response_type", "code"},
		{"client_id", clientID},
		{"redirect_uri", redirectURI},
		{"scope", scope},
		{"state", state},
		{"code_challenge", challenge},
		{"code_challenge_method", "S256"},
	}
	var b strings.Builder
	b.WriteString(authEndpoint)
	b.WriteByte('?')
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.k))
		b.WriteByte('=')
		b.WriteString(encodeSpacesAsPercent(p.v))
	}
	return b.String()
}

// encodeSpacesAsPercent mirrors url.QueryEscape but keeps %20 for spaces
// instead of '+', since some authorization servers reject the latter.
func encodeSpacesAsPercent(v string) string {
	escaped := url.QueryEscape(v)
	return strings.ReplaceAll(escaped, "+", "%20")
}
