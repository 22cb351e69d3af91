package delivery

import "time"

// deadLetters is a bounded store; the oldest entry is evicted on overflow.
// Callers hold the engine lock.
type deadLetters struct {
	capacity int
	items    []DeadLetter
}

func newDeadLetters(capacity int) *deadLetters {
	if capacity <= 0 {
		capacity = 1000
	}
	return &deadLetters{capacity: capacity}
}

// add appends dl and returns the evicted entry, if any.
func (d *deadLetters) add(dl DeadLetter) (DeadLetter, bool) {
	var evicted DeadLetter
	full := len(d.items) >= d.capacity
	if full {
		evicted = d.items[0]
		copy(d.items, d.items[1:])
		d.items = d.items[:len(d.items)-1]
	}
	d.items = append(d.items, dl)
	return evicted, full
}

// list returns up to limit entries, newest first. limit <= 0 means all.
func (d *deadLetters) list(limit int) []DeadLetter {
	n := len(d.items)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]DeadLetter, 0, n)
	for i := len(d.items) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, d.items[i])
	}
	return out
}

func (d *deadLetters) take(id string) (DeadLetter, bool) {
	for i, dl := range d.items {
		if dl.ID == id {
			d.items = append(d.items[:i], d.items[i+1:]...)
			return dl, true
		}
	}
	return DeadLetter{}, false
}

func (d *deadLetters) prune(before time.Time) int {
	kept := d.items[:0]
	for _, dl := range d.items {
		if dl.DeadLetteredAt.Before(before) {
			continue
		}
		kept = append(kept, dl)
	}
	n := len(d.items) - len(kept)
	d.items = kept
	return n
}

// resize sets the capacity and drops the oldest entries beyond it. It
// returns how many were dropped.
func (d *deadLetters) resize(capacity int) int {
	if capacity <= 0 {
		capacity = 1000
	}
	d.capacity = capacity
	over := len(d.items) - capacity
	if over <= 0 {
		return 0
	}
	d.items = append(d.items[:0], d.items[over:]...)
	return over
}

func (d *deadLetters) len() int { return len(d.items) }
