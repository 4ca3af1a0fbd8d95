// Package sessioncache threads upstream response ids across client turns
// (spec §3/§4.J): a bounded LRU keyed by a truncated SHA-256 of the
// conversation prefix. Adopted fresh from the retrieval pack's
// github.com/hashicorp/golang-lru/v2 — the teacher hand-rolls no
// equivalent LRU of its own.
package sessioncache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// hashTruncateBytes controls how much of the SHA-256 digest survives
// (§3 "truncated SHA-256").
const hashTruncateBytes = 16

// Session is one cached thread mapping (§3 Session).
type Session struct {
	TaskID     string
	ResponseID string
	CreatedAt  time.Time
}

// Cache is the bounded, TTL-swept session store.
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, Session]
	ttl time.Duration
}

// New constructs a cache with the given capacity and TTL.
func New(capacity int, ttl time.Duration) (*Cache, error) {
	l, err := lru.New[string, Session](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l, ttl: ttl}, nil
}

// HashPrefix canonically serializes messages (everything but the newest)
// and returns its truncated SHA-256 hex digest — the cache key.
func HashPrefix(messages []PromptMessage) string {
	if len(messages) == 0 {
		return ""
	}
	prefix := messages[:len(messages)-1]
	data, _ := json.Marshal(prefix)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:hashTruncateBytes])
}

// PromptMessage is the minimal shape hashed for prefix matching: role and
// content are enough to detect a repeated conversation prefix regardless
// of which client protocol it arrived through.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Lookup returns the most recently stored responseId for key, if present
// and not older than the TTL.
func (c *Cache) Lookup(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.lru.Peek(key)
	if !ok {
		return "", false
	}
	if time.Since(sess.CreatedAt) > c.ttl {
		c.lru.Remove(key)
		return "", false
	}
	return sess.ResponseID, true
}

// Store records responseId under key together with the caller-supplied
// taskId. Overflow evicts the oldest entry by insertion order: Lookup reads
// with Peek, so only a Store (including a re-store of an existing key)
// moves an entry to the newest position.
func (c *Cache) Store(key, taskID, responseID string) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, Session{TaskID: taskID, ResponseID: responseID, CreatedAt: time.Now()})
}

// Len reports the current entry count (never exceeds capacity).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Sweep removes every entry older than the TTL; intended to run on the
// configured cleanup interval (§4.J "periodic timer").
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for _, key := range c.lru.Keys() {
		if sess, ok := c.lru.Peek(key); ok && now.Sub(sess.CreatedAt) > c.ttl {
			c.lru.Remove(key)
		}
	}
}

// RunSweeper blocks, sweeping on interval until stop fires.
func (c *Cache) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.Sweep()
		}
	}
}
