package session

import "time"

// attemptWindow tracks failed login timestamps in a sliding window.
// Callers hold the manager lock.
type attemptWindow struct {
	window   time.Duration
	max      int
	attempts []time.Time
}

// prune drops attempts older than the window and returns how many remain.
func (w *attemptWindow) prune(now time.Time) int {
	cutoff := now.Add(-w.window)
	keep := w.attempts[:0]
	for _, t := range w.attempts {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	w.attempts = keep
	return len(w.attempts)
}

// limited reports whether another attempt is refused, and when the oldest
// counted attempt leaves the window.
func (w *attemptWindow) limited(now time.Time) (bool, time.Duration) {
	if w.max <= 0 || w.prune(now) < w.max {
		return false, 0
	}
	return true, w.attempts[0].Add(w.window).Sub(now)
}

func (w *attemptWindow) record(now time.Time) {
	w.attempts = append(w.attempts, now)
}

func (w *attemptWindow) reset() {
	w.attempts = nil
}

// snapshot returns a copy of the counted attempts, oldest first.
func (w *attemptWindow) snapshot() []time.Time {
	out := make([]time.Time, len(w.attempts))
	copy(out, w.attempts)
	return out
}
