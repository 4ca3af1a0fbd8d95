package cookiejar

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCaptureSetCookieAndHeader(t *testing.T) {
	j := New("")
	j.CaptureSetCookie("acct-1", []string{
		"session=abc123; Path=/; HttpOnly",
		"theme=dark; Max-Age=3600",
	})

	header := j.Header("acct-1")
	require.Equal(t, "session=abc123; theme=dark", header, "names sorted for determinism")
}

func TestCaptureSetCookieExpiredIsExcludedFromHeader(t *testing.T) {
	j := New("")
	j.CaptureSetCookie("acct-1", []string{"stale=old; Max-Age=0"})
	require.Equal(t, "", j.Header("acct-1"))

	live := j.Get("acct-1")
	_, ok := live["stale"]
	require.False(t, ok)
}

func TestClearRemovesAccountCookies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	j := New(path)
	j.CaptureSetCookie("acct-1", []string{"cf_clearance=token1"})
	require.NotEmpty(t, j.Get("acct-1"))

	j.Clear("acct-1")
	require.Empty(t, j.Get("acct-1"))
}

func TestFlushAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	j := New(path)
	j.CaptureSetCookie("acct-1", []string{"cf_clearance=tok"}) // critical cookie, persisted synchronously

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "tok", loaded.Get("acct-1")["cf_clearance"].Value)
}

func TestLoadMissingFileReturnsEmptyJar(t *testing.T) {
	j, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Empty(t, j.Get("anyone"))
}

func TestLoadLegacyV1Shape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	legacy := map[string]map[string]Cookie{
		"acct-legacy": {"sid": {Value: "legacy-value"}},
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "legacy-value", loaded.Get("acct-legacy")["sid"].Value)
}

func TestCookieExpiryComparison(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	c := Cookie{Value: "v", Expires: &past}
	require.True(t, c.Expires.Before(time.Now()))
}
