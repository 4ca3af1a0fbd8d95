package pool

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fakeToken(t *testing.T, accountID string) string {
	t.Helper()
	payload := `{"exp": 9999999999, "https://api.openai.com/auth": {"chatgpt_account_id": "` + accountID + `"}}`
	seg := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(payload))
	return "header." + seg + ".sig"
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := New(LeastUsed, time.Second, "", nil, nil)
	entry, err := p.AddAccount(fakeToken(t, "acct-1"), "refresh-1")
	require.NoError(t, err)

	acquired, err := p.Acquire()
	require.NoError(t, err)
	require.Equal(t, entry.ID, acquired.EntryID)

	// A second acquire finds no eligible candidate while locked.
	_, err = p.Acquire()
	require.ErrorIs(t, err, ErrNoAccounts)

	p.Release(acquired.EntryID, &ReleaseUsage{InputTokens: 10, OutputTokens: 20})

	got := p.Get(entry.ID)
	require.Equal(t, 1, got.Usage.RequestCount)
	require.EqualValues(t, 10, got.Usage.InputTokens)
	require.EqualValues(t, 20, got.Usage.OutputTokens)
}

func TestAddAccountDedupesByAccountID(t *testing.T) {
	p := New(LeastUsed, time.Second, "", nil, nil)
	first, err := p.AddAccount(fakeToken(t, "acct-dup"), "r1")
	require.NoError(t, err)

	second, err := p.AddAccount(fakeToken(t, "acct-dup"), "r2")
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID, "same accountId must update the existing entry, not create a new one")
	require.Len(t, p.List(), 1)
}

func TestMarkRateLimitedExcludesFromAcquire(t *testing.T) {
	p := New(LeastUsed, time.Second, "", nil, nil)
	entry, err := p.AddAccount(fakeToken(t, "acct-rl"), "")
	require.NoError(t, err)

	acquired, err := p.Acquire()
	require.NoError(t, err)
	require.Equal(t, entry.ID, acquired.EntryID)

	p.MarkRateLimited(acquired.EntryID, 60, true)

	_, err = p.Acquire()
	require.ErrorIs(t, err, ErrNoAccounts)

	got := p.Get(entry.ID)
	require.Equal(t, StatusRateLimited, got.Status)
	require.True(t, got.Usage.RateLimitUntil.After(time.Now()))
}

func TestRoundRobinRotatesAcrossEntries(t *testing.T) {
	p := New(RoundRobin, time.Second, "", nil, nil)
	e1, err := p.AddAccount(fakeToken(t, "acct-a"), "")
	require.NoError(t, err)
	e2, err := p.AddAccount(fakeToken(t, "acct-b"), "")
	require.NoError(t, err)

	seen := map[string]bool{}
	for range 2 {
		a, err := p.Acquire()
		require.NoError(t, err)
		seen[a.EntryID] = true
		p.Release(a.EntryID, nil)
	}
	require.True(t, seen[e1.ID])
	require.True(t, seen[e2.ID])
}

func TestRemoveAccountAndActiveCount(t *testing.T) {
	p := New(LeastUsed, time.Second, "", nil, nil)
	entry, err := p.AddAccount(fakeToken(t, "acct-x"), "")
	require.NoError(t, err)
	require.Equal(t, 1, p.ActiveCount())

	p.RemoveAccount(entry.ID)
	require.Nil(t, p.Get(entry.ID))
	require.Equal(t, 0, p.ActiveCount())
}

func TestFindByProxyKey(t *testing.T) {
	p := New(LeastUsed, time.Second, "", nil, nil)
	entry, err := p.AddAccount(fakeToken(t, "acct-key"), "")
	require.NoError(t, err)

	found := p.FindByProxyKey(entry.ProxyAPIKey)
	require.NotNil(t, found)
	require.Equal(t, entry.ID, found.ID)

	require.Nil(t, p.FindByProxyKey("nonexistent"))
}
