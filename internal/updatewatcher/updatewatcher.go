// Package updatewatcher implements the background appcast poller of spec
// §4.L: fetch the Sparkle-style appcast XML, compare against the current
// fingerprint tuple, rewrite it in place when a new version appears, and
// spawn a harvester to re-derive the full fingerprint from a fresh client.
// Grounded in the teacher's config-watcher goroutine pattern (a ticker with
// jittered interval mutating a shared, mutex-guarded config struct) and the
// fingerprint package's YAML load/mutate/atomic-write cycle.
package updatewatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arcrelay/codex-gateway/internal/atomicfile"
	"github.com/arcrelay/codex-gateway/internal/events"
	"github.com/arcrelay/codex-gateway/internal/fingerprint"
	"github.com/arcrelay/codex-gateway/internal/retry"
	"github.com/arcrelay/codex-gateway/internal/transport"
)

// State is the persisted record of the last check (§6 "Persisted state
// layout", update-state.json).
type State struct {
	LastCheck       time.Time `json:"last_check"`
	LatestVersion   string    `json:"latest_version"`
	LatestBuild     string    `json:"latest_build"`
	DownloadURL     string    `json:"download_url"`
	UpdateAvailable bool      `json:"update_available"`
	CurrentVersion  string    `json:"current_version"`
	CurrentBuild    string    `json:"current_build"`
}

// Harvester re-extracts the fingerprint tuple from a freshly downloaded
// client build. The production shape spawns a subprocess against a real
// downloaded bundle; here it's a pluggable function so the watcher's
// scheduling/locking logic doesn't depend on having one available.
type Harvester func(ctx context.Context, downloadURL string) error

var itemRe = regexp.MustCompile(`(?s)<item>(.*?)</item>`)
var versionRe = regexp.MustCompile(`<sparkle:shortVersionString>([^<]+)</sparkle:shortVersionString>`)
var buildRe = regexp.MustCompile(`sparkle:version="([^"]+)"`)
var urlRe = regexp.MustCompile(`url="([^"]+)"`)

// Watcher periodically polls an appcast feed and keeps the fingerprint
// store current.
type Watcher struct {
	appcastURL string
	interval   time.Duration
	statePath  string

	fp        *fingerprint.Store
	headers   *fingerprint.Builder
	transport transport.Client
	harvester Harvester
	bus       *events.Bus

	harvesting atomic.Bool
	mu         sync.Mutex
	state      State
}

// New constructs a Watcher. harvester may be nil, in which case a
// reload-only stand-in is used.
func New(appcastURL string, interval time.Duration, statePath string, fp *fingerprint.Store, headers *fingerprint.Builder, t transport.Client, harvester Harvester, bus *events.Bus) *Watcher {
	if harvester == nil {
		harvester = func(ctx context.Context, downloadURL string) error { return nil }
	}
	w := &Watcher{
		appcastURL: appcastURL,
		interval:   interval,
		statePath:  statePath,
		fp:         fp,
		headers:    headers,
		transport:  t,
		harvester:  harvester,
		bus:        bus,
	}
	w.loadState()
	return w
}

func (w *Watcher) loadState() {
	data, err := os.ReadFile(w.statePath)
	if err != nil || len(data) == 0 {
		return
	}
	var st State
	if json.Unmarshal(data, &st) == nil {
		w.mu.Lock()
		w.state = st
		w.mu.Unlock()
	}
}

// Run checks immediately, then every interval ± 10% jitter, until ctx is
// done (§4.L "On start and thereafter every 30 min ± 10% jitter").
func (w *Watcher) Run(ctx context.Context) {
	w.checkOnce(ctx)
	for {
		delay := retry.Jitter(w.interval, 0.1)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			w.checkOnce(ctx)
		}
	}
}

func (w *Watcher) checkOnce(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	version, build, downloadURL, err := w.fetchAppcast(checkCtx)
	if err != nil {
		slog.Warn("updatewatcher: appcast fetch failed", "error", err)
		return
	}

	current := w.fp.Get()
	changed := version != "" && (version != current.AppVersion || build != current.BuildNumber)

	w.mu.Lock()
	w.state = State{
		LastCheck:       time.Now(),
		LatestVersion:   version,
		LatestBuild:     build,
		DownloadURL:     downloadURL,
		UpdateAvailable: changed,
		CurrentVersion:  current.AppVersion,
		CurrentBuild:    current.BuildNumber,
	}
	st := w.state
	w.mu.Unlock()
	w.persistState(st)

	if !changed {
		return
	}

	if err := w.fp.SetAppVersion(version, build); err != nil {
		slog.Error("updatewatcher: persist new app version", "error", err)
		return
	}
	if w.bus != nil {
		w.bus.Publish(events.Event{Type: events.EventUpdate, Message: "new client version " + version + " (" + build + ")"})
	}

	w.spawnHarvester(ctx, downloadURL)
}

// spawnHarvester runs the harvester in the background, guarded so a slow
// harvester never overlaps with a concurrently triggered one (§4.L
// "guarded by an in-progress lock; concurrent triggers are ignored").
func (w *Watcher) spawnHarvester(ctx context.Context, downloadURL string) {
	if !w.harvesting.CompareAndSwap(false, true) {
		slog.Info("updatewatcher: harvest already running, skipping trigger")
		return
	}
	go func() {
		defer w.harvesting.Store(false)
		hctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := w.harvester(hctx, downloadURL); err != nil {
			slog.Warn("updatewatcher: harvest failed", "error", err)
			return
		}
		if err := w.fp.Reload(); err != nil {
			slog.Warn("updatewatcher: reload fingerprint after harvest", "error", err)
			return
		}
		if w.bus != nil {
			w.bus.Publish(events.Event{Type: events.EventHarvest, Message: "fingerprint re-extracted"})
		}
	}()
}

func (w *Watcher) fetchAppcast(ctx context.Context) (version, build, downloadURL string, err error) {
	headers := w.headers.Build(fingerprint.CallOptions{Anonymous: true})
	resp, err := w.transport.Get(ctx, w.appcastURL, headers)
	if err != nil {
		return "", "", "", err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return "", "", "", errAppcastStatus(resp.Status)
	}

	item := resp.Body
	if m := itemRe.FindStringSubmatch(resp.Body); m != nil {
		item = m[1]
	}
	if m := versionRe.FindStringSubmatch(item); m != nil {
		version = m[1]
	}
	if m := buildRe.FindStringSubmatch(item); m != nil {
		build = m[1]
	}
	if m := urlRe.FindStringSubmatch(item); m != nil {
		downloadURL = m[1]
	}
	return version, build, downloadURL, nil
}

func (w *Watcher) persistState(st State) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		slog.Error("updatewatcher: marshal state", "error", err)
		return
	}
	if err := atomicfile.Write(w.statePath, data, 0o644); err != nil {
		slog.Error("updatewatcher: persist state", "error", err)
	}
}

type errAppcastStatus int

func (e errAppcastStatus) Error() string {
	return fmt.Sprintf("updatewatcher: appcast returned status %d", int(e))
}
