package chat

import (
	"time"
)

// window is a per-author sliding log of accepted send times. Callers hold the
// owning stream's lock.
type window struct {
	times []time.Time
}

// allow records now and returns true if fewer than limit sends happened in the
// last span. Otherwise it returns false and how long until the oldest send ages out.
func (w *window) allow(now time.Time, limit int, span time.Duration) (bool, time.Duration) {
	cutoff := now.Add(-span)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
	if len(w.times) >= limit {
		return false, w.times[0].Sub(cutoff)
	}
	w.times = append(w.times, now)
	return true, 0
}

// idle reports whether the window holds no sends newer than cutoff.
func (w *window) idle(cutoff time.Time) bool {
	return len(w.times) == 0 || !w.times[len(w.times)-1].After(cutoff)
}
