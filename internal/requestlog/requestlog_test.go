package requestlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "request-log.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndPurge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := Entry{
		RequestID:  "req-old",
		Method:     "GET",
		Path:       "/health",
		Status:     200,
		DurationMS: 5,
		Timestamp:  time.Now().Add(-48 * time.Hour),
	}
	fresh := Entry{
		RequestID:  "req-fresh",
		Method:     "POST",
		Path:       "/v1/chat/completions",
		Status:     200,
		AccountID:  "acct-1",
		DurationMS: 120,
		Timestamp:  time.Now(),
	}
	s.Record(ctx, old)
	s.Record(ctx, fresh)

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM request_log`).Scan(&count))
	require.Equal(t, 2, count)

	n, err := s.Purge(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM request_log`).Scan(&count))
	require.Equal(t, 1, count)

	var remainingID string
	require.NoError(t, s.db.QueryRow(`SELECT request_id FROM request_log`).Scan(&remainingID))
	require.Equal(t, "req-fresh", remainingID)
}

func TestRecordUpsertsByRequestID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := Entry{RequestID: "dup", Method: "GET", Path: "/health", Status: 200, Timestamp: time.Now()}
	s.Record(ctx, e)
	e.Status = 500
	s.Record(ctx, e)

	var status int
	require.NoError(t, s.db.QueryRow(`SELECT status FROM request_log WHERE request_id = ?`, "dup").Scan(&status))
	require.Equal(t, 500, status)
}
