package authz

import "time"

// slidingWindow is a per-key sliding log limiter. Entries older than the
// window are pruned before every count check, so there is no burst at a
// fixed boundary. Not safe for concurrent use; the Manager holds its lock.
type slidingWindow struct {
	window time.Duration
	hits   map[string][]time.Time
}

func newSlidingWindow(window time.Duration) *slidingWindow {
	return &slidingWindow{window: window, hits: map[string][]time.Time{}}
}

// allow records a hit for key when fewer than limit hits fall inside the
// window ending at now. Denied attempts are not recorded.
func (w *slidingWindow) allow(key string, limit int, now time.Time) bool {
	if limit <= 0 {
		return false
	}
	hits := w.prune(key, now)
	if len(hits) >= limit {
		return false
	}
	w.hits[key] = append(hits, now)
	return true
}

func (w *slidingWindow) prune(key string, now time.Time) []time.Time {
	hits := w.hits[key]
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		hits = append(hits[:0], hits[i:]...)
		w.hits[key] = hits
	}
	return hits
}

func (w *slidingWindow) count(key string, now time.Time) int {
	return len(w.prune(key, now))
}

func (w *slidingWindow) reset(key string) { delete(w.hits, key) }

// sweep drops keys with no hits inside the window.
func (w *slidingWindow) sweep(now time.Time) int {
	n := 0
	for key := range w.hits {
		if len(w.prune(key, now)) == 0 {
			delete(w.hits, key)
			n++
		}
	}
	return n
}
