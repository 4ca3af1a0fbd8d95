package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := time.Second
	max := 5 * time.Second

	require.Equal(t, time.Second, Backoff(0, base, max))
	require.Equal(t, 2*time.Second, Backoff(1, base, max))
	require.Equal(t, 4*time.Second, Backoff(2, base, max))
	require.Equal(t, max, Backoff(3, base, max)) // 8s capped to 5s
}

func TestJitterStaysWithinBounds(t *testing.T) {
	d := 10 * time.Second
	for i := 0; i < 200; i++ {
		got := Jitter(d, 0.2)
		require.GreaterOrEqual(t, got, 8*time.Second)
		require.LessOrEqual(t, got, 12*time.Second)
	}
}

func TestJitterNoopOnZeroFraction(t *testing.T) {
	require.Equal(t, 3*time.Second, Jitter(3*time.Second, 0))
}
