package server

import (
	"context"
	"time"

	"github.com/arcrelay/codex-gateway/internal/apperr"
	"github.com/arcrelay/codex-gateway/internal/pool"
	"github.com/arcrelay/codex-gateway/internal/retry"
	"github.com/arcrelay/codex-gateway/internal/upstream"
)

// callUpstream implements the acquire -> upstream POST leg of §4.K's
// request flow, including the retry-on-5xx policy (max MaxUpstreamRetry,
// base 1s doubled) and rate-limit bookkeeping. On success it returns the
// live event channel and the acquired entry, which the caller MUST
// release exactly once (including on a mid-stream consumption error) to
// preserve the acquire/release balance invariant (§8).
func (s *Server) callUpstream(ctx context.Context, req upstream.Request) (<-chan upstream.Event, pool.Acquired, error) {
	var lastErr error
	maxAttempts := s.cfg.MaxUpstreamRetry + 1

	for attempt := 0; attempt < maxAttempts; attempt++ {
		acq, err := s.pool.Acquire()
		if err != nil {
			return nil, pool.Acquired{}, apperr.PoolExhausted()
		}

		events, err := s.upstream.Stream(ctx, acq.Token, acq.AccountID, req)
		if err == nil {
			return events, acq, nil
		}

		uerr, ok := err.(*upstream.Error)
		if !ok {
			s.pool.Release(acq.EntryID, nil)
			lastErr = apperr.Transport(err)
			continue
		}

		switch {
		case uerr.Status == 429:
			s.pool.MarkRateLimited(acq.EntryID, 0, true)
			lastErr = apperr.RateLimited(0)
		case uerr.Status >= 500:
			s.pool.Release(acq.EntryID, nil)
			lastErr = apperr.UpstreamTransient(uerr.Status, uerr.Body, err)
			delay := retry.Jitter(retry.Backoff(attempt, time.Second, 8*time.Second), 0.2)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, pool.Acquired{}, ctx.Err()
			}
		default:
			s.pool.Release(acq.EntryID, nil)
			return nil, pool.Acquired{}, apperr.UpstreamPermanent(uerr.Status, uerr.Body)
		}
	}
	return nil, pool.Acquired{}, lastErr
}

// drain consumes and discards any events left in the channel. No handler in
// this package calls it; a translator that stops early leaves the rest of
// the stream to end with the request context.
func drain(events <-chan upstream.Event) {
	for range events {
	}
}
