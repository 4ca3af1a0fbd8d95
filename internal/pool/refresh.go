package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arcrelay/codex-gateway/internal/jwtutil"
)

// Refresher exchanges a refresh token for a new access token. The OAuth
// package implements this; the scheduler only depends on the interface,
// breaking the pool<->scheduler cycle the teacher's scheduler.go also
// avoids by taking a pure-function update API instead of owning the pool.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (token, newRefreshToken string, err error)
}

// Scheduler fires a per-account timer at (expiry - margin), refreshing the
// token and rescheduling, per §4.F.
type Scheduler struct {
	pool      *Pool
	refresher Refresher
	margin    time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	done   bool
}

// NewScheduler constructs a scheduler bound to pool and refresher.
func NewScheduler(pool *Pool, refresher Refresher, margin time.Duration) *Scheduler {
	return &Scheduler{pool: pool, refresher: refresher, margin: margin, timers: make(map[string]*time.Timer)}
}

// ScheduleAll arms a timer for every entry currently active or refreshing.
func (s *Scheduler) ScheduleAll(ctx context.Context) {
	for _, e := range s.pool.List() {
		if e.Status == StatusActive || e.Status == StatusRefreshing {
			s.Schedule(ctx, e.ID, e.Token)
		}
	}
}

// Schedule arms (or re-arms) the refresh timer for entryID based on token's
// expiry claim. A non-positive delay fires immediately.
func (s *Scheduler) Schedule(ctx context.Context, entryID, token string) {
	claims, err := jwtutil.Decode(token)
	delay := time.Duration(0)
	if err == nil && claims.HasExpiry {
		delay = time.Until(claims.Expiry) - s.margin
	}
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	if t, ok := s.timers[entryID]; ok {
		t.Stop()
	}
	s.timers[entryID] = time.AfterFunc(delay, func() {
		s.fire(ctx, entryID)
	})
}

func (s *Scheduler) fire(ctx context.Context, entryID string) {
	entry := s.pool.Get(entryID)
	if entry == nil {
		return
	}
	s.pool.SetStatus(entryID, StatusRefreshing)

	token, refreshToken, err := s.refresher.Refresh(ctx, entry.RefreshToken)
	if err != nil {
		// Retry once after 5s per §4.F, then mark expired.
		time.Sleep(5 * time.Second)
		token, refreshToken, err = s.refresher.Refresh(ctx, entry.RefreshToken)
	}
	if err != nil {
		slog.Warn("pool: refresh failed, marking expired", "entryId", entryID, "error", err)
		s.pool.SetStatus(entryID, StatusExpired)
		return
	}

	s.pool.UpdateToken(entryID, token, refreshToken)
	s.pool.SetStatus(entryID, StatusActive)
	s.Schedule(ctx, entryID, token)
}

// Destroy cancels every armed timer; no further refreshes fire.
func (s *Scheduler) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[string]*time.Timer)
}
