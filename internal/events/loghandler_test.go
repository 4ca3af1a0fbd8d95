package events

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLogHandlerRingBufferAndSubscribe(t *testing.T) {
	h := NewLogHandler(slog.LevelInfo, 2)
	logger := slog.New(h)

	logger.Info("first", "n", 1)
	logger.Info("second", "n", 2)
	logger.Info("third", "n", 3)

	id, ch, recent := h.Subscribe()
	defer h.Unsubscribe(id)

	require.Len(t, recent, 2, "ring buffer capped at size 2")
	require.Equal(t, "second", recent[0].Message)
	require.Equal(t, "third", recent[1].Message)

	logger.Info("fourth")
	select {
	case line := <-ch:
		require.Equal(t, "fourth", line.Message)
	case <-time.After(time.Second):
		t.Fatal("expected a live log line on the subscriber channel")
	}
}

func TestLogHandlerEnabledRespectsLevel(t *testing.T) {
	h := NewLogHandler(slog.LevelWarn, 10)
	require.False(t, h.Enabled(nil, slog.LevelInfo))
	require.True(t, h.Enabled(nil, slog.LevelWarn))
	require.True(t, h.Enabled(nil, slog.LevelError))
}

func TestLogHandlerUnsubscribeClosesChannel(t *testing.T) {
	h := NewLogHandler(slog.LevelInfo, 10)
	id, ch, _ := h.Subscribe()
	h.Unsubscribe(id)

	_, ok := <-ch
	require.False(t, ok, "channel should be closed after Unsubscribe")
}
