// Package fingerprint builds the header set every upstream call presents
// (spec §4.D) and owns the YAML-backed store for the fingerprint tuple and
// the update watcher's mutable fields (component M), grounded in the
// teacher's config package pattern and the pack's widespread
// gopkg.in/yaml.v3 usage.
package fingerprint

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/arcrelay/codex-gateway/internal/jwtutil"
	"github.com/arcrelay/codex-gateway/internal/transport"
	"gopkg.in/yaml.v3"
)

// Fingerprint is the immutable-at-runtime tuple shared by every
// authenticated call (§3 Fingerprint). It is reloadable via Store.Reload.
type Fingerprint struct {
	UserAgentTemplate string            `yaml:"user_agent_template"`
	HeaderOrder       []string          `yaml:"header_order"`
	DefaultHeaders    map[string]string `yaml:"default_headers"`
	ChromiumVersion   string            `yaml:"chromium_version"`

	// AppVersion/BuildNumber are mutated in place by the update watcher
	// (component L) and persisted back to the same file.
	AppVersion  string `yaml:"app_version"`
	BuildNumber string `yaml:"build_number"`
	Platform    string `yaml:"platform"`
	Arch        string `yaml:"arch"`
}

// Store loads/reloads/persists a Fingerprint from a YAML file on disk.
type Store struct {
	mu   sync.RWMutex
	path string
	fp   Fingerprint
}

// Default returns the built-in fingerprint used when no YAML file exists
// yet, matching the Chromium build named in spec §4.C.
func Default() Fingerprint {
	return Fingerprint{
		UserAgentTemplate: "Mozilla/5.0 ({platform}; {arch}) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/{version} Safari/537.36 Codex/{app_version} ({build_number})",
		ChromiumVersion:   "136.0.7103.114",
		AppVersion:        "1.0.0",
		BuildNumber:       "100",
		Platform:          "Macintosh; Intel Mac OS X 10_15_7",
		Arch:              "x86_64",
		HeaderOrder: []string{
			"Host", "Connection", "sec-ch-ua", "sec-ch-ua-mobile", "sec-ch-ua-platform",
			"Authorization", "ChatGPT-Account-Id", "originator", "Content-Type", "Accept",
			"Accept-Encoding", "Accept-Language", "sec-fetch-site", "sec-fetch-mode",
			"sec-fetch-dest", "User-Agent", "Cookie",
		},
		DefaultHeaders: map[string]string{
			"Accept-Encoding":     "gzip, deflate, br, zstd",
			"Accept-Language":     "en-US,en;q=0.9",
			"sec-fetch-site":      "same-origin",
			"sec-fetch-mode":      "cors",
			"sec-fetch-dest":      "empty",
			"sec-ch-ua-mobile":    "?0",
			"sec-ch-ua-platform":  `"macOS"`,
		},
	}
}

// LoadOrCreate reads path; if it doesn't exist, writes the built-in
// default and returns that.
func LoadOrCreate(path string) (*Store, error) {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.fp = Default()
		if werr := s.persist(); werr != nil {
			return nil, werr
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fingerprint: read %s: %w", path, err)
	}
	var fp Fingerprint
	if err := yaml.Unmarshal(data, &fp); err != nil {
		return nil, fmt.Errorf("fingerprint: parse %s: %w", path, err)
	}
	s.fp = fp
	return s, nil
}

// Get returns the current fingerprint snapshot.
func (s *Store) Get() Fingerprint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fp
}

// Reload re-reads the YAML file from disk, for use after the update
// watcher's harvester rewrites it out of process.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var fp Fingerprint
	if err := yaml.Unmarshal(data, &fp); err != nil {
		return err
	}
	s.mu.Lock()
	s.fp = fp
	s.mu.Unlock()
	return nil
}

// SetAppVersion mutates app_version/build_number in place and persists,
// the update watcher's YAML load -> mutate -> atomic write cycle (§4.L).
func (s *Store) SetAppVersion(version, build string) error {
	s.mu.Lock()
	s.fp.AppVersion = version
	s.fp.BuildNumber = build
	s.mu.Unlock()
	return s.persist()
}

func (s *Store) persist() error {
	s.mu.RLock()
	data, err := yaml.Marshal(s.fp)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Builder composes the header map for a single upstream call.
type Builder struct {
	store *Store
}

func NewBuilder(store *Store) *Builder {
	return &Builder{store: store}
}

// CallOptions carries the per-call additions to the shared fingerprint.
type CallOptions struct {
	BearerToken   string
	AccountID     string // ChatGPT-Account-Id; falls back to JWT claim if empty
	Originator    string
	ContentType   string // e.g. "application/json"; empty to omit
	Accept        string // e.g. "text/event-stream"; empty to omit
	Cookie        string // pre-rendered Cookie header value; empty to omit
	Anonymous     bool   // omit credentials entirely (appcast/OAuth calls)
}

// Build renders the ordered header slice: template UA, dynamic sec-ch-ua,
// static defaults, per-call additions, then reordered to the configured
// order with any unknown keys appended (§8 "Header output order").
func (b *Builder) Build(opts CallOptions) []transport.Header {
	fp := b.store.Get()

	set := map[string]string{}
	set[canonicalKey("User-Agent")] = renderUserAgent(fp)
	set[canonicalKey("sec-ch-ua")] = secChUA(fp.ChromiumVersion)
	for k, v := range fp.DefaultHeaders {
		set[canonicalKey(k)] = v
	}

	if !opts.Anonymous {
		if opts.BearerToken != "" {
			set[canonicalKey("Authorization")] = "Bearer " + opts.BearerToken
		}
		accountID := opts.AccountID
		if accountID == "" && opts.BearerToken != "" {
			if claims, err := jwtutil.Decode(opts.BearerToken); err == nil {
				accountID = claims.AccountID
			}
		}
		if accountID != "" {
			set[canonicalKey("ChatGPT-Account-Id")] = accountID
		}
		if opts.Originator != "" {
			set[canonicalKey("originator")] = opts.Originator
		}
		if opts.Cookie != "" {
			set[canonicalKey("Cookie")] = opts.Cookie
		}
	}
	if opts.ContentType != "" {
		set[canonicalKey("Content-Type")] = opts.ContentType
	}
	if opts.Accept != "" {
		set[canonicalKey("Accept")] = opts.Accept
	}

	return reorder(set, fp.HeaderOrder)
}

func reorder(set map[string]string, order []string) []transport.Header {
	used := make(map[string]bool, len(set))
	out := make([]transport.Header, 0, len(set))
	for _, name := range order {
		ck := canonicalKey(name)
		if v, ok := set[ck]; ok && !used[ck] {
			out = append(out, transport.Header{Name: name, Value: v})
			used[ck] = true
		}
	}
	// Any keys not named in the configured order are appended, in a
	// deterministic (sorted) order so output is reproducible for tests.
	var extra []string
	for k := range set {
		if !used[k] {
			extra = append(extra, k)
		}
	}
	sortStrings(extra)
	for _, k := range extra {
		out = append(out, transport.Header{Name: k, Value: set[k]})
	}
	return out
}

func canonicalKey(k string) string { return strings.ToLower(k) }

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func renderUserAgent(fp Fingerprint) string {
	ua := fp.UserAgentTemplate
	ua = strings.ReplaceAll(ua, "{version}", fp.ChromiumVersion)
	ua = strings.ReplaceAll(ua, "{platform}", fp.Platform)
	ua = strings.ReplaceAll(ua, "{arch}", fp.Arch)
	ua = strings.ReplaceAll(ua, "{app_version}", fp.AppVersion)
	ua = strings.ReplaceAll(ua, "{build_number}", fp.BuildNumber)
	return ua
}

func secChUA(chromiumVersion string) string {
	major := chromiumVersion
	if i := strings.Index(chromiumVersion, "."); i >= 0 {
		major = chromiumVersion[:i]
	}
	return fmt.Sprintf(`"Chromium";v="%s", "Not.A/Brand";v="8", "Google Chrome";v="%s"`, major, major)
}
