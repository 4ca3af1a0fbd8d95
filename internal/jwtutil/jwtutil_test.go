package jwtutil

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func makeToken(t *testing.T, payloadJSON string) string {
	t.Helper()
	seg := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(payloadJSON))
	return "header." + seg + ".sig"
}

func TestDecodeExtractsClaims(t *testing.T) {
	token := makeToken(t, `{
		"email": "dev@example.com",
		"exp": 9999999999,
		"https://api.openai.com/auth": {
			"chatgpt_account_id": "acct-123",
			"chatgpt_plan_type": "pro"
		}
	}`)

	claims, err := Decode(token)
	require.NoError(t, err)
	require.Equal(t, "dev@example.com", claims.Email)
	require.Equal(t, "acct-123", claims.AccountID)
	require.Equal(t, "pro", claims.PlanType)
	require.True(t, claims.HasExpiry)
	require.False(t, claims.IsExpired(time.Now()))
}

func TestDecodeFallsBackToUserID(t *testing.T) {
	token := makeToken(t, `{"https://api.openai.com/auth": {"user_id": "user-456"}}`)
	claims, err := Decode(token)
	require.NoError(t, err)
	require.Equal(t, "user-456", claims.AccountID)
	require.False(t, claims.HasExpiry)
	require.False(t, claims.IsExpired(time.Now()))
}

func TestDecodeRejectsMalformedToken(t *testing.T) {
	_, err := Decode("not-a-jwt")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestIsExpired(t *testing.T) {
	token := makeToken(t, `{"exp": 1000}`)
	claims, err := Decode(token)
	require.NoError(t, err)
	require.True(t, claims.IsExpired(time.Now()))
}

func TestDecodeStripsBearerPrefix(t *testing.T) {
	token := makeToken(t, `{"email": "a@b.com"}`)
	claims, err := Decode("Bearer " + token)
	require.NoError(t, err)
	require.Equal(t, "a@b.com", claims.Email)
}
