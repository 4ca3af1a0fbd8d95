// Package retry implements capped exponential backoff with jitter, shared
// by the update watcher's poll interval and the HTTP router's upstream-5xx
// retry path.
package retry

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Backoff returns the delay for the given attempt (0-based) given a base
// duration, doubled each attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > max || d <= 0 {
		d = max
	}
	return d
}

// Jitter returns d scaled by a random factor in [1-frac, 1+frac]. frac=0.2
// matches the pool's "±20%" rate-limit backoff jitter.
func Jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(2001))
	if err != nil {
		return d
	}
	// n in [0, 2000] maps linearly to a factor in [1-frac, 1+frac]
	r := float64(n.Int64()) / 1000.0 // [0, 2]
	factor := 1 + frac*(r-1)
	return time.Duration(float64(d) * factor)
}
