package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/eventbus"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/notification"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeRecipient struct {
	id string

	mu   sync.Mutex
	err  error
	sent [][]byte
}

func (r *fakeRecipient) ClientID() string { return r.id }

func (r *fakeRecipient) Send(_ context.Context, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, payload)
	return nil
}

func (r *fakeRecipient) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *fakeRecipient) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type resolverMap map[string]Recipient

func (m resolverMap) Recipient(id string) (Recipient, bool) {
	r, ok := m[id]
	return r, ok
}

type fakePublisher struct {
	mu    sync.Mutex
	ok    bool
	calls []string
}

func (p *fakePublisher) Publish(_ context.Context, ch string, _ []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, ch)
	return p.ok
}

func statusEvent(job string) notification.Event {
	return &notification.StatusUpdate{
		AnalysisID: job,
		Status:     "processing",
		Progress:   40,
		Metadata:   notification.NewMetadata("test", notification.PriorityNormal, t0),
	}
}

func newTestEngine(cfg Config, opts ...Option) (*Engine, *clock) {
	c := &clock{now: t0}
	opts = append([]Option{WithClock(c.Now)}, opts...)
	cfg.RetryRate = 0
	return New(cfg, logx.Nop(), opts...), c
}

func TestDeliverFanOutWithFailures(t *testing.T) {
	e, _ := newTestEngine(Config{})
	ctx := context.Background()
	ev := statusEvent("job-1")

	results := map[string]bool{}
	for i := 0; i < 10; i++ {
		r := &fakeRecipient{id: fmt.Sprintf("c%d", i)}
		if i < 3 {
			r.err = errors.New("connection reset by peer")
		}
		results[r.id] = e.Deliver(ctx, r, ev)
	}

	ok := 0
	for _, v := range results {
		if v {
			ok++
		}
	}
	assert.Equal(t, 7, ok)

	pending := e.PendingRetries()
	require.Len(t, pending, 3)
	for _, p := range pending {
		assert.Equal(t, 0, p.RetryCount)
		assert.Equal(t, ErrorConnection, p.Type)
		assert.Equal(t, SeverityMedium, p.Severity)
		assert.Equal(t, "job-1", p.JobID)
		assert.Equal(t, notification.KindStatusUpdate, p.Kind)
		assert.Equal(t, t0.Add(time.Second), p.NotBefore)
	}
	st := e.Stats()
	assert.Equal(t, uint64(7), st.Delivered)
	assert.Equal(t, uint64(3), st.Failed)
	assert.Equal(t, uint64(3), st.FailuresByType[ErrorConnection])
}

func TestRetrySucceedsAfterBackoff(t *testing.T) {
	e, c := newTestEngine(Config{})
	ctx := context.Background()
	r := &fakeRecipient{id: "c1", err: errors.New("broken pipe")}
	e.SetResolver(resolverMap{"c1": r})

	require.False(t, e.Deliver(ctx, r, statusEvent("job-1")))

	assert.Equal(t, 0, e.ProcessDue(ctx), "not due before backoff elapses")

	r.setErr(nil)
	c.Advance(time.Second)
	assert.Equal(t, 1, e.ProcessDue(ctx))
	assert.Equal(t, 1, r.count())
	assert.Empty(t, e.PendingRetries())

	st := e.Stats()
	assert.Equal(t, uint64(1), st.RetryAttempts)
	assert.Equal(t, uint64(1), st.RetrySucceeded)
}

func TestRetryPayloadCarriesRetryCount(t *testing.T) {
	e, c := newTestEngine(Config{})
	ctx := context.Background()
	r := &fakeRecipient{id: "c1", err: errors.New("broken pipe")}
	e.SetResolver(resolverMap{"c1": r})

	ev := statusEvent("job-1")
	require.False(t, e.Deliver(ctx, r, ev))
	c.Advance(time.Minute)
	assert.Equal(t, 1, e.ProcessDue(ctx))

	r.setErr(nil)
	c.Advance(time.Minute)
	assert.Equal(t, 1, e.ProcessDue(ctx))
	require.Equal(t, 1, r.count())

	got, err := notification.Decode(r.sent[0])
	require.NoError(t, err)
	assert.Equal(t, 2, got.Meta().RetryCount)
	assert.Equal(t, notification.StatusRetrying, got.Meta().DeliveryStatus)
	assert.Equal(t, ev.Meta().NotificationID, got.Meta().NotificationID)

	assert.Zero(t, ev.Meta().RetryCount, "caller's event is left untouched")
	assert.Equal(t, notification.StatusPending, ev.Meta().DeliveryStatus)
}

func TestRetryCountIsMonotonicAndDeadLettersOnce(t *testing.T) {
	e, c := newTestEngine(Config{MaxRetries: 3})
	ctx := context.Background()
	r := &fakeRecipient{id: "c1", err: errors.New("connection refused")}
	e.SetResolver(resolverMap{"c1": r})

	require.False(t, e.Deliver(ctx, r, statusEvent("job-1")))

	last := 0
	for i := 0; i < 3; i++ {
		c.Advance(time.Minute)
		e.ProcessDue(ctx)
		if p := e.PendingRetries(); len(p) == 1 {
			assert.Greater(t, p[0].RetryCount, last)
			last = p[0].RetryCount
		}
	}
	assert.Empty(t, e.PendingRetries())

	dl := e.DeadLetters(0)
	require.Len(t, dl, 1)
	assert.Equal(t, 3, dl[0].RetryCount)
	assert.Equal(t, "retries exhausted", dl[0].Reason)

	c.Advance(time.Minute)
	assert.Equal(t, 0, e.ProcessDue(ctx))
	assert.Equal(t, uint64(1), e.Stats().DeadLettered)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	e, _ := newTestEngine(Config{BaseDelay: time.Second, MaxDelay: 5 * time.Second})
	cfg := e.config()
	assert.Equal(t, time.Second, e.delay(cfg, 0))
	assert.Equal(t, 2*time.Second, e.delay(cfg, 1))
	assert.Equal(t, 4*time.Second, e.delay(cfg, 2))
	assert.Equal(t, 5*time.Second, e.delay(cfg, 3))
	assert.Equal(t, 5*time.Second, e.delay(cfg, 30))
}

func TestCriticalFailureSkipsRetry(t *testing.T) {
	e, _ := newTestEngine(Config{})
	ctx := context.Background()

	r := &fakeRecipient{id: "c1", err: fmt.Errorf("send: %w", ErrUnauthorized)}
	require.False(t, e.Deliver(ctx, r, statusEvent("job-1")))

	r2 := &fakeRecipient{id: "c2", err: Permanent(errors.New("socket closed"))}
	require.False(t, e.Deliver(ctx, r2, statusEvent("job-1")))

	assert.Empty(t, e.PendingRetries())
	dl := e.DeadLetters(0)
	require.Len(t, dl, 2)
	assert.Equal(t, "non-retryable", dl[0].Reason)
	assert.Equal(t, ErrorConnection, dl[0].Type)
	assert.Equal(t, SeverityCritical, dl[0].Severity)
	assert.Equal(t, ErrorAuthorization, dl[1].Type)
}

func TestDeadLetterCapacityEvictsOldest(t *testing.T) {
	e, c := newTestEngine(Config{MaxRetries: 1, DeadLetterCapacity: 2})
	ctx := context.Background()
	e.SetResolver(resolverMap{})

	var ids []string
	for i := 0; i < 3; i++ {
		r := &fakeRecipient{id: fmt.Sprintf("c%d", i), err: errors.New("connection lost")}
		ev := statusEvent(fmt.Sprintf("job-%d", i))
		ids = append(ids, ev.Meta().NotificationID)
		require.False(t, e.Deliver(ctx, r, ev))
	}

	c.Advance(time.Minute)
	assert.Equal(t, 3, e.ProcessDue(ctx))

	dl := e.DeadLetters(0)
	require.Len(t, dl, 2)
	assert.Equal(t, ids[2], dl[0].NotificationID)
	assert.Equal(t, ids[1], dl[1].NotificationID)
	assert.Equal(t, uint64(1), e.Stats().Evicted)
}

func TestApplyShrinksDeadLetterCapacity(t *testing.T) {
	e, c := newTestEngine(Config{MaxRetries: 1, DeadLetterCapacity: 4})
	ctx := context.Background()
	e.SetResolver(resolverMap{})

	var ids []string
	for i := 0; i < 4; i++ {
		ev := statusEvent(fmt.Sprintf("job-%d", i))
		ids = append(ids, ev.Meta().NotificationID)
		require.False(t, e.Deliver(ctx, &fakeRecipient{id: fmt.Sprintf("c%d", i), err: errors.New("connection lost")}, ev))
		c.Advance(time.Second)
	}
	c.Advance(time.Minute)
	assert.Equal(t, 4, e.ProcessDue(ctx))
	require.Len(t, e.DeadLetters(0), 4)

	e.Apply(Config{MaxRetries: 1, DeadLetterCapacity: 2})
	dl := e.DeadLetters(0)
	require.Len(t, dl, 2)
	assert.Equal(t, ids[3], dl[0].NotificationID)
	assert.Equal(t, ids[2], dl[1].NotificationID)
	assert.Equal(t, 2, e.Stats().DeadLetters)
	assert.Equal(t, uint64(2), e.Stats().Evicted)
}

func TestRetryAfterHintExtendsBackoff(t *testing.T) {
	e, _ := newTestEngine(Config{})
	r := &fakeRecipient{id: "c1", err: RetryAfter(errors.New("connection busy"), 10*time.Second)}
	require.False(t, e.Deliver(context.Background(), r, statusEvent("job-1")))

	p := e.PendingRetries()
	require.Len(t, p, 1)
	assert.Equal(t, t0.Add(10*time.Second), p[0].NotBefore)
}

func TestRateLimitFallbackDelaysRetry(t *testing.T) {
	e, _ := newTestEngine(Config{RateLimitDelay: 30 * time.Second})
	r := &fakeRecipient{id: "c1", err: errors.New("rate limit exceeded")}
	require.False(t, e.Deliver(context.Background(), r, statusEvent("job-1")))

	p := e.PendingRetries()
	require.Len(t, p, 1)
	assert.Equal(t, ErrorRateLimit, p[0].Type)
	assert.Equal(t, t0.Add(30*time.Second), p[0].NotBefore)
	assert.Equal(t, uint64(1), e.Stats().FallbacksRun)
}

func TestCustomFallbackRunsBeforeRetryDecision(t *testing.T) {
	e, _ := newTestEngine(Config{})
	var seen []string
	e.SetFallback(ErrorConnection, func(_ context.Context, ne *NotificationError) bool {
		seen = append(seen, ne.ClientID)
		return true
	})
	e.SetFallback(ErrorTransport, func(context.Context, *NotificationError) bool {
		panic("boom")
	})

	ctx := context.Background()
	e.Deliver(ctx, &fakeRecipient{id: "c1", err: errors.New("connection reset")}, statusEvent("job-1"))
	e.Deliver(ctx, &fakeRecipient{id: "c2", err: ErrBackpressure}, statusEvent("job-1"))

	assert.Equal(t, []string{"c1"}, seen)
	assert.Len(t, e.PendingRetries(), 2)
	assert.Equal(t, uint64(1), e.Stats().FallbacksRun)
}

func TestPublishFailureRetriesOnChannel(t *testing.T) {
	e, c := newTestEngine(Config{})
	pub := &fakePublisher{}
	e.SetPublisher(pub)
	ctx := context.Background()

	ev := statusEvent("job-1")
	payload, err := notification.Encode(ev)
	require.NoError(t, err)
	ch := notification.JobChannel(ev.Kind(), "job-1")
	e.HandlePublishFailure(ctx, ch, ev, payload)

	p := e.PendingRetries()
	require.Len(t, p, 1)
	assert.Equal(t, ErrorBroker, p[0].Type)
	assert.Equal(t, SeverityHigh, p[0].Severity)

	pub.mu.Lock()
	pub.ok = true
	pub.mu.Unlock()
	c.Advance(time.Second)
	assert.Equal(t, 1, e.ProcessDue(ctx))
	assert.Equal(t, []string{ch}, pub.calls)
	assert.Empty(t, e.PendingRetries())
}

func TestExpiredEventsAreDroppedFromQueue(t *testing.T) {
	e, c := newTestEngine(Config{})
	ev := statusEvent("job-1")
	exp := t0.Add(500 * time.Millisecond)
	ev.Meta().ExpiresAt = &exp

	r := &fakeRecipient{id: "c1", err: errors.New("connection reset")}
	e.SetResolver(resolverMap{"c1": r})
	require.False(t, e.Deliver(context.Background(), r, ev))

	c.Advance(time.Second)
	assert.Equal(t, 0, e.ProcessDue(context.Background()))
	assert.Empty(t, e.PendingRetries())
	assert.Equal(t, uint64(1), e.Stats().Expired)
}

func TestReplay(t *testing.T) {
	e, _ := newTestEngine(Config{})
	ctx := context.Background()
	r := &fakeRecipient{id: "c1", err: fmt.Errorf("%w", ErrUnauthorized)}
	resolver := resolverMap{}
	e.SetResolver(resolver)

	require.False(t, e.Deliver(ctx, r, statusEvent("job-1")))
	dl := e.DeadLetters(1)
	require.Len(t, dl, 1)
	id := dl[0].ID

	assert.False(t, e.Replay(ctx, id), "recipient gone")
	require.Len(t, e.DeadLetters(0), 1)

	r.setErr(nil)
	resolver["c1"] = r
	assert.True(t, e.Replay(ctx, id))
	assert.Empty(t, e.DeadLetters(0))
	assert.Equal(t, 1, r.count())
	assert.False(t, e.Replay(ctx, id))
}

func TestPruneDeadLetters(t *testing.T) {
	e, c := newTestEngine(Config{})
	ctx := context.Background()
	e.Deliver(ctx, &fakeRecipient{id: "a", err: ErrUnauthorized}, statusEvent("job-1"))
	c.Advance(time.Hour)
	e.Deliver(ctx, &fakeRecipient{id: "b", err: ErrUnauthorized}, statusEvent("job-1"))

	assert.Equal(t, 1, e.PruneDeadLetters(t0.Add(30*time.Minute)))
	dl := e.DeadLetters(0)
	require.Len(t, dl, 1)
	assert.Equal(t, "b", dl[0].ClientID)
}

func TestFailuresArePublishedOnBus(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.SubscribePrefix("delivery.", 8)
	defer unsub()

	e, _ := newTestEngine(Config{}, WithBus(bus))
	e.Deliver(context.Background(), &fakeRecipient{id: "c1", err: ErrUnauthorized}, statusEvent("job-1"))

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("got %v", types)
		}
	}
	assert.Equal(t, []string{"delivery.failed", "delivery.dead_lettered"}, types)
}

type memStore struct {
	mu    sync.Mutex
	items map[string]DeadLetter
	saved chan string
}

func (s *memStore) SaveDeadLetter(_ context.Context, dl DeadLetter) error {
	s.mu.Lock()
	s.items[dl.ID] = dl
	s.mu.Unlock()
	s.saved <- dl.ID
	return nil
}

func (s *memStore) DeleteDeadLetter(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
	return nil
}

func (s *memStore) ListDeadLetters(_ context.Context, _ int) ([]DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetter, 0, len(s.items))
	for _, dl := range s.items {
		out = append(out, dl)
	}
	return out, nil
}

func TestStartRestoresAndPersistsDeadLetters(t *testing.T) {
	st := &memStore{items: map[string]DeadLetter{
		"old": {NotificationError: NotificationError{ID: "old", ClientID: "x"}, Reason: "retries exhausted"},
	}, saved: make(chan string, 4)}

	e, _ := newTestEngine(Config{}, WithStore(st))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer func() { _ = e.Stop(context.Background()) }()

	require.Len(t, e.DeadLetters(0), 1)

	e.Deliver(ctx, &fakeRecipient{id: "c1", err: ErrUnauthorized}, statusEvent("job-1"))
	select {
	case id := <-st.saved:
		assert.NotEqual(t, "old", id)
	case <-time.After(2 * time.Second):
		t.Fatal("dead letter not persisted")
	}
	assert.Len(t, e.DeadLetters(0), 2)
}
