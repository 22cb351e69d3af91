package broker

import (
	"context"
	"strings"
	"sync"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/eventbus"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/notification"
)

// Memory is an in-process backend built on the event bus. Several Memory
// backends sharing one bus behave like several processes sharing a broker.
type Memory struct {
	bus eventbus.Bus
	out chan Message

	mu       sync.RWMutex
	channels map[string]struct{}
	closed   bool

	unsub func()
	stop  chan struct{}
	done  chan struct{}
}

func NewMemory(bus eventbus.Bus, buffer int) *Memory {
	if buffer <= 0 {
		buffer = 1024
	}
	if bus == nil {
		bus = eventbus.New()
	}
	events, unsub := bus.SubscribePrefix(notification.ChannelPrefix+":", buffer)
	m := &Memory{
		bus:      bus,
		out:      make(chan Message, buffer),
		channels: map[string]struct{}{},
		unsub:    unsub,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.pump(events)
	return m
}

func (m *Memory) pump(events <-chan eventbus.Event) {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			payload, _ := e.Data.([]byte)
			if payload == nil || !m.subscribed(e.Type) {
				continue
			}
			select {
			case m.out <- Message{Channel: e.Type, Payload: payload}:
			case <-m.stop:
				return
			}
		}
	}
}

func (m *Memory) subscribed(channel string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.channels[channel]
	return ok
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	m.bus.Publish(eventbus.Event{Type: channel, Data: append([]byte(nil), payload...)})
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channels ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, ch := range channels {
		m.channels[strings.TrimSpace(ch)] = struct{}{}
	}
	return nil
}

func (m *Memory) Unsubscribe(_ context.Context, channels ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, ch := range channels {
		delete(m.channels, strings.TrimSpace(ch))
	}
	return nil
}

func (m *Memory) Messages() <-chan Message { return m.out }

func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Reconnect(_ context.Context, channels []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.channels = make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		m.channels[ch] = struct{}{}
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	m.mu.Unlock()
	m.unsub()
	close(m.stop)
	<-m.done
	return nil
}
