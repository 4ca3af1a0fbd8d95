package sessioncache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHashPrefixIgnoresNewestMessage(t *testing.T) {
	msgs := []PromptMessage{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "user", Content: "anything"},
	}
	h1 := HashPrefix(msgs)

	msgs2 := append([]PromptMessage{}, msgs[:2]...)
	msgs2 = append(msgs2, PromptMessage{Role: "user", Content: "something else entirely"})
	h2 := HashPrefix(msgs2)

	require.Equal(t, h1, h2, "only the prefix before the newest message is hashed")
	require.Len(t, h1, 32, "16 bytes truncated to hex is 32 characters")
}

func TestHashPrefixEmpty(t *testing.T) {
	require.Equal(t, "", HashPrefix(nil))
}

func TestStoreAndLookup(t *testing.T) {
	c, err := New(10, time.Minute)
	require.NoError(t, err)

	c.Store("key-1", "task-1", "resp-1")
	got, ok := c.Lookup("key-1")
	require.True(t, ok)
	require.Equal(t, "resp-1", got)

	_, ok = c.Lookup("missing")
	require.False(t, ok)
}

func TestLookupExpiresByTTL(t *testing.T) {
	c, err := New(10, time.Millisecond)
	require.NoError(t, err)

	c.Store("key-1", "task-1", "resp-1")
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Lookup("key-1")
	require.False(t, ok, "entry older than TTL must not be returned")
	require.Equal(t, 0, c.Len(), "expired lookup evicts the entry")
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	c, err := New(10, time.Millisecond)
	require.NoError(t, err)

	c.Store("key-1", "task-1", "resp-1")
	time.Sleep(5 * time.Millisecond)
	c.Sweep()

	require.Equal(t, 0, c.Len())
}

func TestCapacityEviction(t *testing.T) {
	c, err := New(2, time.Minute)
	require.NoError(t, err)

	c.Store("a", "t1", "r1")
	c.Store("b", "t2", "r2")
	c.Store("c", "t3", "r3")

	require.Equal(t, 2, c.Len(), "LRU never exceeds its configured capacity")
}
