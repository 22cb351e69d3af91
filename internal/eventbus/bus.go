package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one in-process signal. Lifecycle hooks use dotted types such as
// "processor.published"; the in-process broker backend uses the broker
// channel name as Type and the encoded notification as Data.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to buffered subscriber channels. Publish never blocks:
// an event that does not fit a subscriber's buffer is dropped for that
// subscriber and counted.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// SubscribePrefix receives only events whose Type starts with prefix.
	SubscribePrefix(prefix string, buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

const defaultBuffer = 8

func New() Bus {
	return &bus{subs: make(map[*sub]struct{})}
}

type sub struct {
	prefix string
	ch     chan Event
}

func (s *sub) wants(typ string) bool { return strings.HasPrefix(typ, s.prefix) }

type bus struct {
	// Publish sends under the read lock and unsubscribe closes under the
	// write lock, so a send never races a close.
	mu      sync.RWMutex
	subs    map[*sub]struct{}
	dropped atomic.Uint64
}

func (b *bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *bus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.SubscribePrefix("", buffer)
}

func (b *bus) SubscribePrefix(prefix string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &sub{prefix: prefix, ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *bus) Dropped() uint64 { return b.dropped.Load() }
