package connection

import (
	"math/rand/v2"
	"time"
)

// Backoff returns the wait before reconnect attempt n (1-based):
// base * 2^(n-1), capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	wait := base
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= max || wait <= 0 {
			return max
		}
	}
	if wait > max {
		return max
	}
	return wait
}

// withJitter spreads d by ±fraction.
func withJitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * fraction
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}
