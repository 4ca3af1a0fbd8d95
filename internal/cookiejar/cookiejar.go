// Package cookiejar implements the per-account cookie store of spec §3/§4.C:
// capture from Set-Cookie, emit a Cookie header, and persist atomically.
// Critical cookies (cf_clearance, __cf_bm) bypass the debounce and persist
// synchronously; everything else is coalesced on a 1s timer, the same
// debounce shape the teacher uses for non-critical account field writes.
package cookiejar

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arcrelay/codex-gateway/internal/atomicfile"
)

// criticalCookies must persist synchronously; the anti-bot gate issues them
// and losing one to a crash before the debounce fires would be costly.
var criticalCookies = map[string]bool{
	"cf_clearance": true,
	"__cf_bm":      true,
}

// Cookie is a single stored cookie value with an optional absolute expiry.
type Cookie struct {
	Value   string     `json:"value"`
	Expires *time.Time `json:"expires,omitempty"`
}

type fileV2 struct {
	Version  int                          `json:"_version"`
	Accounts map[string]map[string]Cookie `json:"accounts"`
}

// Jar is the process-wide cookie store, one map per account.
type Jar struct {
	mu       sync.Mutex
	path     string
	accounts map[string]map[string]Cookie

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
	dirty         bool
}

// New constructs an empty jar bound to path for persistence.
func New(path string) *Jar {
	return &Jar{path: path, accounts: make(map[string]map[string]Cookie)}
}

// Load reads the jar file, transparently upgrading a legacy v1 layout. The
// v2 layout wraps the per-account maps as {_version:2, accounts:{...}} and
// is tried first; otherwise the file is parsed as a v1 flat
// {acctId:{name:{value,expires}}} map with no wrapper.
func Load(path string) (*Jar, error) {
	j := New(path)
	data, err := readFile(path)
	if err != nil {
		if isNotExist(err) {
			return j, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return j, nil
	}

	var v2 fileV2
	if err := json.Unmarshal(data, &v2); err == nil && v2.Accounts != nil {
		j.accounts = v2.Accounts
		return j, nil
	}

	// Legacy v1: a flat {acctId:{name:{value,expires}}} map with no wrapper.
	var v1 map[string]map[string]Cookie
	if err := json.Unmarshal(data, &v1); err != nil {
		return nil, fmt.Errorf("cookiejar: parse %s: %w", path, err)
	}
	j.accounts = v1
	return j, nil
}

// Get returns the live (non-expired) cookies for an account.
func (j *Jar) Get(accountID string) map[string]Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := time.Now()
	out := make(map[string]Cookie)
	for name, c := range j.accounts[accountID] {
		if c.Expires != nil && !c.Expires.After(now) {
			continue
		}
		out[name] = c
	}
	return out
}

// Header renders the live cookies for accountID as a single Cookie header
// value, name=value pairs joined with "; ", sorted for determinism.
func (j *Jar) Header(accountID string) string {
	live := j.Get(accountID)
	if len(live) == 0 {
		return ""
	}
	names := make([]string, 0, len(live))
	for n := range live {
		names = append(names, n)
	}
	sortStrings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+"="+live[n].Value)
	}
	return strings.Join(parts, "; ")
}

// CaptureSetCookie parses every Set-Cookie line, including Max-Age
// (preferred) or Expires, and stores the result. Max-Age=0 effectively
// removes the cookie from subsequent headers (it is stored already-expired).
func (j *Jar) CaptureSetCookie(accountID string, setCookieLines []string) {
	if len(setCookieLines) == 0 {
		return
	}

	anyCritical := false
	j.mu.Lock()
	m, ok := j.accounts[accountID]
	if !ok {
		m = make(map[string]Cookie)
		j.accounts[accountID] = m
	}
	for _, line := range setCookieLines {
		name, c, ok := parseSetCookie(line)
		if !ok {
			continue
		}
		m[name] = c
		if criticalCookies[name] {
			anyCritical = true
		}
	}
	j.mu.Unlock()

	if anyCritical {
		j.persistNow()
	} else {
		j.persistDebounced()
	}
}

func parseSetCookie(line string) (name string, c Cookie, ok bool) {
	parts := strings.Split(line, ";")
	if len(parts) == 0 {
		return "", Cookie{}, false
	}
	kv := strings.SplitN(strings.TrimSpace(parts[0]), "=", 2)
	if len(kv) != 2 {
		return "", Cookie{}, false
	}
	name = strings.TrimSpace(kv[0])
	c.Value = strings.TrimSpace(kv[1])

	now := time.Now()
	for _, attr := range parts[1:] {
		attr = strings.TrimSpace(attr)
		lower := strings.ToLower(attr)
		switch {
		case strings.HasPrefix(lower, "max-age="):
			v := strings.TrimSpace(attr[len("max-age="):])
			if secs, err := strconv.Atoi(v); err == nil {
				t := now.Add(time.Duration(secs) * time.Second)
				c.Expires = &t
			}
		case strings.HasPrefix(lower, "expires="):
			if c.Expires != nil {
				continue // Max-Age takes precedence when both are present.
			}
			v := strings.TrimSpace(attr[len("expires="):])
			if t, err := http.ParseTime(v); err == nil {
				c.Expires = &t
			}
		}
	}
	return name, c, true
}

// Clear drops every cookie stored for accountID.
func (j *Jar) Clear(accountID string) {
	j.mu.Lock()
	delete(j.accounts, accountID)
	j.mu.Unlock()
	j.persistNow()
}

func (j *Jar) persistNow() {
	j.debounceMu.Lock()
	if j.debounceTimer != nil {
		j.debounceTimer.Stop()
		j.debounceTimer = nil
	}
	j.debounceMu.Unlock()
	_ = j.Flush()
}

func (j *Jar) persistDebounced() {
	j.debounceMu.Lock()
	defer j.debounceMu.Unlock()
	j.dirty = true
	if j.debounceTimer != nil {
		return
	}
	j.debounceTimer = time.AfterFunc(time.Second, func() {
		j.debounceMu.Lock()
		j.debounceTimer = nil
		wasDirty := j.dirty
		j.dirty = false
		j.debounceMu.Unlock()
		if wasDirty {
			_ = j.Flush()
		}
	})
}

// Flush writes the jar to disk via atomic tmp+rename.
func (j *Jar) Flush() error {
	if j.path == "" {
		return nil
	}
	j.mu.Lock()
	snapshot := fileV2{Version: 2, Accounts: cloneAccounts(j.accounts)}
	j.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.Write(j.path, data, 0o600)
}

func cloneAccounts(m map[string]map[string]Cookie) map[string]map[string]Cookie {
	out := make(map[string]map[string]Cookie, len(m))
	for k, v := range m {
		inner := make(map[string]Cookie, len(v))
		for k2, v2 := range v {
			inner[k2] = v2
		}
		out[k] = inner
	}
	return out
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
