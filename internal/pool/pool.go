package pool

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arcrelay/codex-gateway/internal/atomicfile"
	"github.com/arcrelay/codex-gateway/internal/events"
	"github.com/arcrelay/codex-gateway/internal/jwtutil"
)

// Strategy selects which candidate entry Acquire returns.
type Strategy string

const (
	LeastUsed  Strategy = "least_used"
	RoundRobin Strategy = "round_robin"
)

// staleLockAge is how long an acquire lock survives without a matching
// release before it's treated as abandoned (§3 AcquireLock).
const staleLockAge = 5 * time.Minute

// ErrNoAccounts is the "no-accounts" acquire signal (§4.E Contract).
var ErrNoAccounts = errNoAccounts{}

type errNoAccounts struct{}

func (errNoAccounts) Error() string { return "pool: no available accounts" }

// Pool owns every AccountEntry and the locks guarding concurrent access.
// All mutation runs under a single mutex (§5 Shared resources): reads may
// be coarse-grained snapshots, but the critical section for selection is
// small so contention stays low.
type Pool struct {
	mu       sync.Mutex
	entries  map[string]*Entry // by internal id
	locks    map[string]time.Time
	strategy Strategy
	rrIndex  int

	backoffBase time.Duration
	path        string
	bus         *events.Bus
	crypto      *Crypto

	persistMu     sync.Mutex
	persistTimer  *time.Timer
	persistDirty  bool
}

// New constructs an empty pool. crypto may be nil, in which case tokens are
// persisted in the clear.
func New(strategy Strategy, backoffBase time.Duration, path string, bus *events.Bus, crypto *Crypto) *Pool {
	return &Pool{
		entries:     make(map[string]*Entry),
		locks:       make(map[string]time.Time),
		strategy:    strategy,
		backoffBase: backoffBase,
		path:        path,
		bus:         bus,
		crypto:      crypto,
	}
}

// Load reads the accounts.json file (if present) into a new pool, decrypting
// Token/RefreshToken when crypto is non-nil. Values that don't look
// encrypted are kept as-is, so enabling encryption never locks out accounts
// persisted before the encryption key was configured.
func Load(strategy Strategy, backoffBase time.Duration, path string, bus *events.Bus, crypto *Crypto) (*Pool, error) {
	p := New(strategy, backoffBase, path, bus, crypto)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, err
	}
	var entries []*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	for _, e := range entries {
		p.decryptEntry(e)
		p.entries[e.ID] = e
	}
	return p, nil
}

// decryptEntry replaces e's encrypted Token/RefreshToken with their
// plaintext form in place. No-op when crypto is nil.
func (p *Pool) decryptEntry(e *Entry) {
	if p.crypto == nil {
		return
	}
	if plain, err := p.crypto.Decrypt(e.Token, e.ID); err == nil {
		e.Token = plain
	} else {
		slog.Warn("pool: token not encrypted, loading as plaintext", "entry", e.ID)
	}
	if e.RefreshToken != "" {
		if plain, err := p.crypto.Decrypt(e.RefreshToken, e.ID); err == nil {
			e.RefreshToken = plain
		} else {
			slog.Warn("pool: refresh token not encrypted, loading as plaintext", "entry", e.ID)
		}
	}
}

// Acquire returns an eligible account chosen by the configured strategy
// (least_used or round_robin), or ErrNoAccounts.
// Non-blocking: callers that get ErrNoAccounts surface 503/529 immediately
// rather than waiting (§5 Suspension points).
func (p *Pool) Acquire() (Acquired, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.refreshStatusesLocked(now)
	p.releaseStaleLocksLocked(now)

	candidates := p.candidatesLocked()
	if len(candidates) == 0 {
		return Acquired{}, ErrNoAccounts
	}

	chosen := p.selectLocked(candidates)
	p.locks[chosen.ID] = now
	return Acquired{EntryID: chosen.ID, Token: chosen.Token, AccountID: chosen.AccountID}, nil
}

// Release unlocks entryID and, if usage is non-nil, records it.
// Idempotent: releasing an entry with no lock is a no-op.
func (p *Pool) Release(entryID string, usage *ReleaseUsage) {
	p.mu.Lock()
	delete(p.locks, entryID)
	e, ok := p.entries[entryID]
	if ok && usage != nil {
		e.Usage.RequestCount++
		e.Usage.InputTokens += usage.InputTokens
		e.Usage.OutputTokens += usage.OutputTokens
		e.Usage.LastUsed = time.Now()
	}
	p.mu.Unlock()
	p.persistDebounced()
}

// MarkRateLimited unlocks entryID, sets status=rate_limited, and computes
// rate_limit_until = now + jitter(retryAfter or backoffBase, ±20%).
func (p *Pool) MarkRateLimited(entryID string, retryAfterSec int, countRequest bool) {
	p.mu.Lock()
	delete(p.locks, entryID)
	e, ok := p.entries[entryID]
	var accountID string
	if ok {
		base := p.backoffBase
		if retryAfterSec > 0 {
			base = time.Duration(retryAfterSec) * time.Second
		}
		e.Status = StatusRateLimited
		e.Usage.RateLimitUntil = time.Now().Add(jitter(base, 0.2))
		if countRequest {
			e.Usage.RequestCount++
			e.Usage.LastUsed = time.Now()
		}
		accountID = e.AccountID
	}
	p.mu.Unlock()
	if ok && p.bus != nil {
		p.bus.Publish(events.Event{Type: events.EventRateLimit, AccountID: accountID, Message: "rate limited"})
	}
	p.persistNow()
}

// AddAccount dedupes by upstream accountId: an existing entry has its
// token (and refresh token, if provided) updated; otherwise a new entry is
// created. Persistence is synchronous, per §4.E.
func (p *Pool) AddAccount(token, refreshToken string) (*Entry, error) {
	claims, err := jwtutil.Decode(token)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	for _, e := range p.entries {
		if e.AccountID != "" && e.AccountID == claims.AccountID {
			e.Token = token
			if refreshToken != "" {
				e.RefreshToken = refreshToken
			}
			if e.Status == StatusExpired {
				e.Status = StatusActive
			}
			cp := e.clone()
			p.mu.Unlock()
			p.persistNow()
			return cp, nil
		}
	}

	entry := &Entry{
		ID:           uuid.NewString(),
		AccountID:    claims.AccountID,
		Token:        token,
		RefreshToken: refreshToken,
		Email:        claims.Email,
		PlanType:     claims.PlanType,
		ProxyAPIKey:  randomOpaqueKey(),
		Status:       StatusActive,
		AddedAt:      time.Now(),
	}
	p.entries[entry.ID] = entry
	cp := entry.clone()
	p.mu.Unlock()
	p.persistNow()
	return cp, nil
}

// UpdateToken replaces an entry's token (and optionally refresh token)
// without touching status, used by the refresh scheduler after a
// successful exchange.
func (p *Pool) UpdateToken(entryID, token, refreshToken string) {
	p.mu.Lock()
	if e, ok := p.entries[entryID]; ok {
		e.Token = token
		if refreshToken != "" {
			e.RefreshToken = refreshToken
		}
	}
	p.mu.Unlock()
	p.persistNow()
}

// SetStatus transitions an entry's status directly (refresh scheduler:
// refreshing/active/expired).
func (p *Pool) SetStatus(entryID string, status Status) {
	p.mu.Lock()
	if e, ok := p.entries[entryID]; ok {
		e.Status = status
	}
	p.mu.Unlock()
	p.persistDebounced()
}

// RemoveAccount deletes an entry; idempotent.
func (p *Pool) RemoveAccount(entryID string) {
	p.mu.Lock()
	delete(p.entries, entryID)
	delete(p.locks, entryID)
	p.mu.Unlock()
	p.persistNow()
}

// ResetUsage zeroes an entry's counters.
func (p *Pool) ResetUsage(entryID string) {
	p.mu.Lock()
	if e, ok := p.entries[entryID]; ok {
		e.Usage.RequestCount = 0
		e.Usage.InputTokens = 0
		e.Usage.OutputTokens = 0
	}
	p.mu.Unlock()
	p.persistNow()
}

// SyncRateLimitWindow zeroes an entry's local counters when the upstream's
// window reset timestamp has moved (§4.E, scenario 3 in §8).
func (p *Pool) SyncRateLimitWindow(entryID string, newResetAt time.Time) (changed bool) {
	p.mu.Lock()
	e, ok := p.entries[entryID]
	if ok && !e.Usage.WindowResetAt.Equal(newResetAt) {
		e.Usage.WindowResetAt = newResetAt
		e.Usage.RequestCount = 0
		e.Usage.InputTokens = 0
		e.Usage.OutputTokens = 0
		changed = true
	}
	p.mu.Unlock()
	if changed {
		p.persistDebounced()
	}
	return changed
}

// Get returns a snapshot copy of an entry, or nil.
func (p *Pool) Get(entryID string) *Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[entryID]
	if !ok {
		return nil
	}
	return e.clone()
}

// List returns a snapshot of every entry, refreshing statuses first.
func (p *Pool) List() []*Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshStatusesLocked(time.Now())
	out := make([]*Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.Before(out[j].AddedAt) })
	return out
}

// FindByProxyKey looks up the entry whose local proxy-api-key matches key.
func (p *Pool) FindByProxyKey(key string) *Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.ProxyAPIKey == key {
			return e.clone()
		}
	}
	return nil
}

// ActiveCount reports how many entries are currently active, used by the
// HTTP router's authentication gate ("at least one account in status=active").
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshStatusesLocked(time.Now())
	n := 0
	for _, e := range p.entries {
		if e.Status == StatusActive {
			n++
		}
	}
	return n
}

// --- selection ---

func (p *Pool) refreshStatusesLocked(now time.Time) {
	for _, e := range p.entries {
		if e.Status == StatusRateLimited && !e.Usage.RateLimitUntil.After(now) {
			e.Status = StatusActive
		}
		if e.Status == StatusActive {
			if claims, err := jwtutil.Decode(e.Token); err == nil && claims.IsExpired(now) {
				e.Status = StatusExpired
			}
		}
	}
}

func (p *Pool) releaseStaleLocksLocked(now time.Time) {
	for id, t := range p.locks {
		if now.Sub(t) > staleLockAge {
			delete(p.locks, id)
		}
	}
}

func (p *Pool) candidatesLocked() []*Entry {
	var out []*Entry
	for id, e := range p.entries {
		if e.Status != StatusActive {
			continue
		}
		if _, locked := p.locks[id]; locked {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (p *Pool) selectLocked(candidates []*Entry) *Entry {
	switch p.strategy {
	case RoundRobin:
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
		chosen := candidates[p.rrIndex%len(candidates)]
		p.rrIndex++
		return chosen
	default: // LeastUsed
		sort.Slice(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			if a.Usage.RequestCount != b.Usage.RequestCount {
				return a.Usage.RequestCount < b.Usage.RequestCount
			}
			if !a.Usage.LastUsed.Equal(b.Usage.LastUsed) {
				return a.Usage.LastUsed.Before(b.Usage.LastUsed)
			}
			return a.ID < b.ID // deterministic tie-break
		})
		return candidates[0]
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	factor := 1 + frac*(2*rand.Float64()-1)
	return time.Duration(float64(d) * factor)
}

func randomOpaqueKey() string {
	return "sk-gw-" + uuid.NewString()
}

// --- persistence ---

func (p *Pool) persistNow() {
	p.persistMu.Lock()
	if p.persistTimer != nil {
		p.persistTimer.Stop()
		p.persistTimer = nil
	}
	p.persistDirty = false
	p.persistMu.Unlock()
	if err := p.flush(); err != nil {
		slog.Error("pool: persist", "error", err)
	}
}

func (p *Pool) persistDebounced() {
	p.persistMu.Lock()
	defer p.persistMu.Unlock()
	p.persistDirty = true
	if p.persistTimer != nil {
		return
	}
	p.persistTimer = time.AfterFunc(time.Second, func() {
		p.persistMu.Lock()
		p.persistTimer = nil
		dirty := p.persistDirty
		p.persistDirty = false
		p.persistMu.Unlock()
		if dirty {
			if err := p.flush(); err != nil {
				slog.Error("pool: persist", "error", err)
			}
		}
	})
}

func (p *Pool) flush() error {
	if p.path == "" {
		return nil
	}
	p.mu.Lock()
	out := make([]*Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, p.entryForPersist(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.Before(out[j].AddedAt) })
	data, err := json.MarshalIndent(out, "", "  ")
	p.mu.Unlock()
	if err != nil {
		return err
	}
	return atomicfile.Write(p.path, data, 0o600)
}

// entryForPersist returns the on-disk shape of e: a clone with
// Token/RefreshToken encrypted when p.crypto is configured, so the original
// in-memory entry (and anything Acquire()/Get() handed out) never sees
// ciphertext.
func (p *Pool) entryForPersist(e *Entry) *Entry {
	if p.crypto == nil {
		return e
	}
	cp := e.clone()
	if enc, err := p.crypto.Encrypt(e.Token, e.ID); err == nil {
		cp.Token = enc
	} else {
		slog.Error("pool: encrypt token failed, persisting plaintext", "entry", e.ID, "error", err)
	}
	if e.RefreshToken != "" {
		if enc, err := p.crypto.Encrypt(e.RefreshToken, e.ID); err == nil {
			cp.RefreshToken = enc
		} else {
			slog.Error("pool: encrypt refresh token failed, persisting plaintext", "entry", e.ID, "error", err)
		}
	}
	return cp
}
