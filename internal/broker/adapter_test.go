package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/eventbus"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/pkg/logx"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) handle(channel string, payload []byte) {
	r.mu.Lock()
	r.msgs = append(r.msgs, Message{Channel: channel, Payload: payload})
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func startAdapter(t *testing.T, b Backend, cfg Config) *Adapter {
	t.Helper()
	a := New(b, cfg, logx.Nop())
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return a
}

func TestPublishReachesSubscribersAcrossAdapters(t *testing.T) {
	bus := eventbus.New()
	a := startAdapter(t, NewMemory(bus, 64), Config{})
	b := startAdapter(t, NewMemory(bus, 64), Config{})
	ctx := context.Background()

	var ra, rb recorder
	_, ok := a.Subscribe(ctx, "notifications:status_update", ra.handle)
	require.True(t, ok)
	_, ok = b.Subscribe(ctx, "notifications:status_update", rb.handle)
	require.True(t, ok)

	require.True(t, a.Publish(ctx, "notifications:status_update", []byte(`{"x":1}`)))
	require.True(t, a.Publish(ctx, "notifications:other", []byte(`{}`)))

	assert.Eventually(t, func() bool { return ra.count() == 1 && rb.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, `{"x":1}`, string(ra.msgs[0].Payload))
}

func TestSubscriptionsAreReferenceCounted(t *testing.T) {
	a := startAdapter(t, NewMemory(nil, 16), Config{})
	ctx := context.Background()
	const ch = "notifications:result_update:analysis:job-1"

	var r1, r2 recorder
	id1, ok := a.Subscribe(ctx, ch, r1.handle)
	require.True(t, ok)
	id2, ok := a.Subscribe(ctx, ch, r2.handle)
	require.True(t, ok)
	assert.NotEqual(t, id1, id2)
	assert.True(t, a.Subscribed(ch))
	assert.Equal(t, 1, a.Stats().Channels)
	assert.Equal(t, 2, a.Stats().Handles)

	require.True(t, a.Unsubscribe(ctx, id1))
	assert.True(t, a.Subscribed(ch), "second handle keeps the backend subscription")

	require.True(t, a.Publish(ctx, ch, []byte("p")))
	assert.Eventually(t, func() bool { return r2.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, r1.count())

	require.True(t, a.Unsubscribe(ctx, id2))
	assert.False(t, a.Subscribed(ch))
	assert.False(t, a.Unsubscribe(ctx, id2), "unknown handle")
}

func TestHandlerPanicDoesNotStopDispatch(t *testing.T) {
	a := startAdapter(t, NewMemory(nil, 16), Config{})
	ctx := context.Background()

	var rec recorder
	_, ok := a.Subscribe(ctx, "notifications:a", func(string, []byte) { panic("boom") })
	require.True(t, ok)
	_, ok = a.Subscribe(ctx, "notifications:a", rec.handle)
	require.True(t, ok)

	a.Publish(ctx, "notifications:a", []byte("1"))
	a.Publish(ctx, "notifications:a", []byte("2"))
	assert.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), a.Stats().HandlerPanics)
}

// flaky wraps Memory and fails operations while down is set.
type flaky struct {
	*Memory
	down       atomic.Bool
	reconnects atomic.Int32
	lastSet    atomic.Value
}

var errDown = errors.New("connection refused")

func (f *flaky) Publish(ctx context.Context, ch string, p []byte) error {
	if f.down.Load() {
		return errDown
	}
	return f.Memory.Publish(ctx, ch, p)
}

func (f *flaky) Subscribe(ctx context.Context, chs ...string) error {
	if f.down.Load() {
		return errDown
	}
	return f.Memory.Subscribe(ctx, chs...)
}

func (f *flaky) Ping(ctx context.Context) error {
	if f.down.Load() {
		return errDown
	}
	return f.Memory.Ping(ctx)
}

func (f *flaky) Reconnect(ctx context.Context, chs []string) error {
	if f.down.Load() {
		return errDown
	}
	f.reconnects.Add(1)
	f.lastSet.Store(append([]string(nil), chs...))
	return f.Memory.Reconnect(ctx, chs)
}

func TestReconnectAfterOutage(t *testing.T) {
	f := &flaky{Memory: NewMemory(nil, 16)}
	a := startAdapter(t, f, Config{
		HealthInterval: 10 * time.Millisecond,
		ReconnectMin:   5 * time.Millisecond,
		ReconnectMax:   10 * time.Millisecond,
		UnhealthyAfter: 2,
	})
	ctx := context.Background()

	var rec recorder
	_, ok := a.Subscribe(ctx, "notifications:x", rec.handle)
	require.True(t, ok)

	f.down.Store(true)
	assert.False(t, a.Publish(ctx, "notifications:x", []byte("lost")))
	_, ok = a.Subscribe(ctx, "notifications:y", rec.handle)
	assert.False(t, ok, "subscribe fails while the backend is down")
	assert.Eventually(t, func() bool { return !a.Healthy() }, time.Second, 5*time.Millisecond)

	f.down.Store(false)
	assert.Eventually(t, func() bool { return a.Healthy() && f.reconnects.Load() > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"notifications:x"}, f.lastSet.Load())

	require.True(t, a.Publish(ctx, "notifications:x", []byte("ok")))
	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), a.Stats().PublishFailures)
}

func TestSubscribeRejectsEmptyArguments(t *testing.T) {
	a := New(NewMemory(nil, 4), Config{}, logx.Nop())
	defer a.Stop(context.Background())

	_, ok := a.Subscribe(context.Background(), "", func(string, []byte) {})
	assert.False(t, ok)
	_, ok = a.Subscribe(context.Background(), "notifications:a", nil)
	assert.False(t, ok)
	assert.False(t, a.Publish(context.Background(), "", nil))
}
