package broker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/runtime/supervisor"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/pkg/logx"
)

// Handler receives every message published on a subscribed channel. It runs
// on the dispatch goroutine and must not block.
type Handler func(channel string, payload []byte)

// SubscriptionID identifies one Subscribe call. Zero is never issued.
type SubscriptionID uint64

type Config struct {
	HealthInterval time.Duration
	OpTimeout      time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	// UnhealthyAfter is the number of consecutive failed pings or
	// reconnects after which Healthy reports false.
	UnhealthyAfter int
}

func (c Config) withDefaults() Config {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 5 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 3 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 500 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = c.ReconnectMin
	}
	if c.UnhealthyAfter <= 0 {
		c.UnhealthyAfter = 3
	}
	return c
}

type Stats struct {
	Backend          string `json:"backend"`
	Healthy          bool   `json:"healthy"`
	Channels         int    `json:"channels"`
	Handles          int    `json:"handles"`
	Published        uint64 `json:"published"`
	PublishFailures  uint64 `json:"publish_failures"`
	Received         uint64 `json:"received"`
	Undelivered      uint64 `json:"undelivered"`
	HandlerPanics    uint64 `json:"handler_panics"`
	Reconnects       uint64 `json:"reconnects"`
	ConsecutiveFails int32  `json:"consecutive_failures"`
}

type handle struct {
	channel string
	fn      Handler
}

// Adapter fronts a Backend with reference-counted subscriptions, a dispatch
// loop and transparent reconnection.
type Adapter struct {
	cfg     Config
	backend Backend
	log     logx.Logger

	mu       sync.RWMutex
	nextID   uint64
	handles  map[SubscriptionID]*handle
	channels map[string]map[SubscriptionID]struct{}

	// opMu serializes backend (un)subscribe calls; active mirrors the
	// backend's subscription set and is guarded by opMu.
	opMu   sync.Mutex
	active map[string]struct{}

	failures    atomic.Int32
	reconnectCh chan struct{}

	published     atomic.Uint64
	publishFailed atomic.Uint64
	received      atomic.Uint64
	undelivered   atomic.Uint64
	panics        atomic.Uint64
	reconnects    atomic.Uint64

	lifeMu sync.Mutex
	sup    *supervisor.Supervisor
}

func New(backend Backend, cfg Config, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		cfg:         cfg.withDefaults(),
		backend:     backend,
		log:         log,
		handles:     map[SubscriptionID]*handle{},
		channels:    map[string]map[SubscriptionID]struct{}{},
		active:      map[string]struct{}{},
		reconnectCh: make(chan struct{}, 1),
	}
}

// Start runs the dispatch and health loops. Calling Start twice is a no-op.
func (a *Adapter) Start(ctx context.Context) error {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	if a.sup != nil {
		return nil
	}
	if a.backend == nil {
		return errors.New("broker: nil backend")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	a.sup.GoRestart("broker.dispatch", a.dispatchLoop, supervisor.WithPublishFirstError(true))
	a.sup.Go0("broker.health", a.healthLoop)
	a.log.Info("broker adapter started", logx.String("backend", a.backend.Name()))
	return nil
}

// Stop ends the loops and closes the backend.
func (a *Adapter) Stop(ctx context.Context) error {
	a.lifeMu.Lock()
	sup := a.sup
	a.sup = nil
	a.lifeMu.Unlock()

	var err error
	if sup != nil {
		err = sup.Stop(ctx)
	}
	if a.backend != nil {
		if cerr := a.backend.Close(); cerr != nil && !errors.Is(cerr, ErrClosed) {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

func (a *Adapter) Supervisor() *supervisor.Supervisor {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	return a.sup
}

// Publish is best effort: a broker failure is logged, schedules a reconnect
// and returns false.
func (a *Adapter) Publish(ctx context.Context, channel string, payload []byte) bool {
	if channel == "" {
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, a.cfg.OpTimeout)
	defer cancel()
	if err := a.backend.Publish(pctx, channel, payload); err != nil {
		a.publishFailed.Add(1)
		a.log.Warn("broker publish failed", logx.String("channel", channel), logx.Err(err))
		a.RequestReconnect()
		return false
	}
	a.published.Add(1)
	return true
}

// Subscribe registers fn for channel. The first handle on a channel
// subscribes the backend.
func (a *Adapter) Subscribe(ctx context.Context, channel string, fn Handler) (SubscriptionID, bool) {
	if channel == "" || fn == nil {
		return 0, false
	}
	a.mu.Lock()
	a.nextID++
	id := SubscriptionID(a.nextID)
	a.handles[id] = &handle{channel: channel, fn: fn}
	refs := a.channels[channel]
	if refs == nil {
		refs = map[SubscriptionID]struct{}{}
		a.channels[channel] = refs
	}
	refs[id] = struct{}{}
	a.mu.Unlock()

	if err := a.syncChannel(ctx, channel); err != nil {
		a.release(id)
		// Leave the backend consistent with whatever handles remain.
		_ = a.syncChannel(ctx, channel)
		a.log.Warn("broker subscribe failed", logx.String("channel", channel), logx.Err(err))
		a.RequestReconnect()
		return 0, false
	}
	return id, true
}

// Unsubscribe releases a handle. The last handle on a channel unsubscribes
// the backend. Unknown handles return false.
func (a *Adapter) Unsubscribe(ctx context.Context, id SubscriptionID) bool {
	channel, ok := a.release(id)
	if !ok {
		return false
	}
	if err := a.syncChannel(ctx, channel); err != nil {
		// The handle is gone; stray messages for the channel are dropped.
		a.log.Debug("broker unsubscribe failed", logx.String("channel", channel), logx.Err(err))
	}
	return true
}

func (a *Adapter) release(id SubscriptionID) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.handles[id]
	if !ok {
		return "", false
	}
	delete(a.handles, id)
	if refs := a.channels[h.channel]; refs != nil {
		delete(refs, id)
		if len(refs) == 0 {
			delete(a.channels, h.channel)
		}
	}
	return h.channel, true
}

// syncChannel brings the backend subscription for channel in line with the
// handle count. The count is read again after every backend call, since
// handles may come and go while it runs.
func (a *Adapter) syncChannel(ctx context.Context, channel string) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	for i := 0; i < 4; i++ {
		a.mu.RLock()
		want := len(a.channels[channel]) > 0
		a.mu.RUnlock()
		_, have := a.active[channel]
		if want == have {
			return nil
		}

		octx, cancel := context.WithTimeout(ctx, a.cfg.OpTimeout)
		var err error
		if want {
			err = a.backend.Subscribe(octx, channel)
			if err == nil {
				a.active[channel] = struct{}{}
			}
		} else {
			err = a.backend.Unsubscribe(octx, channel)
			delete(a.active, channel)
		}
		cancel()
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("broker: subscription for %q kept changing", channel)
}

func (a *Adapter) dispatchLoop(ctx context.Context) error {
	msgs := a.backend.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return errors.New("backend message stream closed")
			}
			a.dispatch(m)
		}
	}
}

func (a *Adapter) dispatch(m Message) {
	a.received.Add(1)
	a.mu.RLock()
	refs := a.channels[m.Channel]
	fns := make([]Handler, 0, len(refs))
	for id := range refs {
		if h := a.handles[id]; h != nil {
			fns = append(fns, h.fn)
		}
	}
	a.mu.RUnlock()

	if len(fns) == 0 {
		a.undelivered.Add(1)
		return
	}
	for _, fn := range fns {
		a.invoke(fn, m)
	}
}

func (a *Adapter) invoke(fn Handler, m Message) {
	defer func() {
		if r := recover(); r != nil {
			a.panics.Add(1)
			a.log.Error("broker handler panicked", logx.String("channel", m.Channel), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn(m.Channel, m.Payload)
}

// RequestReconnect asks the health loop to re-establish the backend
// connection. It never blocks.
func (a *Adapter) RequestReconnect() {
	select {
	case a.reconnectCh <- struct{}{}:
	default:
	}
}

func (a *Adapter) healthLoop(ctx context.Context) {
	t := time.NewTicker(a.cfg.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-a.reconnectCh:
		}
		if err := a.ping(ctx); err != nil {
			a.noteFailure(err)
			a.reconnect(ctx)
		}
	}
}

func (a *Adapter) ping(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, a.cfg.OpTimeout)
	defer cancel()
	err := a.backend.Ping(pctx)
	if err == nil && a.failures.Swap(0) >= int32(a.cfg.UnhealthyAfter) {
		a.log.Info("broker healthy again", logx.String("backend", a.backend.Name()))
	}
	return err
}

func (a *Adapter) noteFailure(err error) {
	n := a.failures.Add(1)
	if n == int32(a.cfg.UnhealthyAfter) {
		a.log.Error("broker unhealthy", logx.String("backend", a.backend.Name()), logx.Int("consecutive_failures", int(n)), logx.Err(err))
	}
}

// reconnect retries with exponential backoff until the backend accepts the
// current subscription set or ctx ends.
func (a *Adapter) reconnect(ctx context.Context) {
	backoff := a.cfg.ReconnectMin
	for attempt := 1; ; attempt++ {
		err := a.reconnectOnce(ctx)
		if err == nil {
			a.reconnects.Add(1)
			a.failures.Store(0)
			a.log.Info("broker reconnected", logx.String("backend", a.backend.Name()), logx.Int("attempt", attempt))
			return
		}
		if ctx.Err() != nil {
			return
		}
		a.noteFailure(err)
		a.log.Warn("broker reconnect failed", logx.Int("attempt", attempt), logx.Duration("backoff", backoff), logx.Err(err))

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff *= 2
		if backoff > a.cfg.ReconnectMax {
			backoff = a.cfg.ReconnectMax
		}
	}
}

func (a *Adapter) reconnectOnce(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.RLock()
	channels := make([]string, 0, len(a.channels))
	for ch := range a.channels {
		channels = append(channels, ch)
	}
	a.mu.RUnlock()
	sort.Strings(channels)

	rctx, cancel := context.WithTimeout(ctx, a.cfg.OpTimeout)
	defer cancel()
	if err := a.backend.Reconnect(rctx, channels); err != nil {
		return err
	}
	a.active = make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		a.active[ch] = struct{}{}
	}
	return nil
}

// Healthy is false after UnhealthyAfter consecutive ping or reconnect
// failures.
func (a *Adapter) Healthy() bool {
	return a.failures.Load() < int32(a.cfg.UnhealthyAfter)
}

// Subscribed reports whether the backend currently holds channel.
func (a *Adapter) Subscribed(channel string) bool {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	_, ok := a.active[channel]
	return ok
}

func (a *Adapter) Stats() Stats {
	a.mu.RLock()
	channels, handles := len(a.channels), len(a.handles)
	a.mu.RUnlock()
	return Stats{
		Backend:          a.backend.Name(),
		Healthy:          a.Healthy(),
		Channels:         channels,
		Handles:          handles,
		Published:        a.published.Load(),
		PublishFailures:  a.publishFailed.Load(),
		Received:         a.received.Load(),
		Undelivered:      a.undelivered.Load(),
		HandlerPanics:    a.panics.Load(),
		Reconnects:       a.reconnects.Load(),
		ConsecutiveFails: a.failures.Load(),
	}
}
