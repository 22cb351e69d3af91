package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/authz"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/broker"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/delivery"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/eventbus"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/notification"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/runtime/supervisor"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/pkg/logx"
)

var (
	ErrInvalidClient  = errors.New("registry: client id, user id and connection are required")
	ErrDuplicate      = errors.New("registry: client already connected")
	ErrCapacity       = errors.New("registry: connection limit reached")
	ErrUserCapacity   = errors.New("registry: per-user connection limit reached")
	ErrNotConnected   = errors.New("registry: client not connected")
	ErrShuttingDown   = errors.New("registry: shutting down")
	errBrokerRejected = errors.New("registry: broker subscription failed")
)

// Broker is the part of the broker adapter the registry needs.
type Broker interface {
	Subscribe(ctx context.Context, channel string, fn broker.Handler) (broker.SubscriptionID, bool)
	Unsubscribe(ctx context.Context, id broker.SubscriptionID) bool
}

// Deliverer pushes notifications and takes over failures that happen before
// a send was attempted.
type Deliverer interface {
	Deliver(ctx context.Context, r delivery.Recipient, ev notification.Event) bool
	HandleFailure(ctx context.Context, clientID string, ev notification.Event, cause error)
}

type Config struct {
	MaxConnections int
	MaxPerUser     int
	OutboxSize     int
	SendTimeout    time.Duration

	// DedupSize bounds the memory of recently fanned-out notification ids.
	DedupSize int
}

func DefaultConfig() Config {
	return Config{
		MaxConnections: 1000,
		MaxPerUser:     5,
		OutboxSize:     256,
		SendTimeout:    5 * time.Second,
		DedupSize:      4096,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.MaxPerUser <= 0 {
		c.MaxPerUser = d.MaxPerUser
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = d.OutboxSize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.DedupSize <= 0 {
		c.DedupSize = d.DedupSize
	}
	return c
}

type counters struct {
	connects     atomic.Uint64
	disconnects  atomic.Uint64
	rejected     atomic.Uint64
	broadcasts   atomic.Uint64
	duplicates   atomic.Uint64
	expired      atomic.Uint64
	decodeErrors atomic.Uint64
}

// Registry is the single source of truth for who is connected and what they
// want to hear.
type Registry struct {
	log    logx.Logger
	authz  *authz.Manager
	broker Broker
	engine Deliverer
	bus    eventbus.Bus
	now    func() time.Time
	sup    *supervisor.Supervisor

	mu      sync.RWMutex
	cfg     Config
	clients map[string]*client
	byUser  map[string]map[string]struct{}
	jobSubs map[string]map[string]struct{}

	// jobMu serializes broker calls for job channels so that first/last
	// subscriber decisions cannot interleave.
	jobMu      sync.Mutex
	jobHandles map[string][]broker.SubscriptionID
	base       []broker.SubscriptionID
	stopping   atomic.Bool

	seen *dedup

	stats counters
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithBus(bus eventbus.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

func New(cfg Config, am *authz.Manager, b Broker, engine Deliverer, log logx.Logger, opts ...Option) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	r := &Registry{
		log:        log,
		authz:      am,
		broker:     b,
		engine:     engine,
		now:        time.Now,
		cfg:        cfg,
		clients:    map[string]*client{},
		byUser:     map[string]map[string]struct{}{},
		jobSubs:    map[string]map[string]struct{}{},
		jobHandles: map[string][]broker.SubscriptionID{},
		seen:       newDedup(cfg.DedupSize),
	}
	for _, o := range opts {
		o(r)
	}
	r.sup = supervisor.New(context.Background(), supervisor.WithLogger(log))
	return r
}

// Apply updates caps at runtime. Existing connections above a lowered cap
// stay connected.
func (r *Registry) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Registry) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Start subscribes to the broadcast channel of every job event kind.
func (r *Registry) Start(ctx context.Context) error {
	r.jobMu.Lock()
	defer r.jobMu.Unlock()
	if len(r.base) > 0 {
		return nil
	}
	for _, k := range notification.JobKinds() {
		id, ok := r.broker.Subscribe(ctx, notification.BroadcastChannel(k), r.onMessage)
		if !ok {
			r.releaseHandles(ctx, r.base)
			r.base = nil
			return fmt.Errorf("%w: %s", errBrokerRejected, notification.BroadcastChannel(k))
		}
		r.base = append(r.base, id)
	}
	return nil
}

func (r *Registry) Supervisor() *supervisor.Supervisor { return r.sup }

// Connect registers a connection; see Register for the failure reasons.
func (r *Registry) Connect(ctx context.Context, conn Conn, clientID, userID string, perm *authz.Permission) bool {
	return r.Register(ctx, conn, clientID, userID, perm) == nil
}

// Register adds a connection and starts its writer. The client is attached
// to the authorization manager when it has no session yet, or when perm is
// given.
func (r *Registry) Register(ctx context.Context, conn Conn, clientID, userID string, perm *authz.Permission) error {
	clientID, userID = strings.TrimSpace(clientID), strings.TrimSpace(userID)
	if clientID == "" || userID == "" || conn == nil {
		return ErrInvalidClient
	}
	if r.stopping.Load() {
		return ErrShuttingDown
	}

	r.mu.Lock()
	cfg := r.cfg
	switch {
	case r.clients[clientID] != nil:
		r.mu.Unlock()
		r.stats.rejected.Add(1)
		return ErrDuplicate
	case len(r.clients) >= cfg.MaxConnections:
		r.mu.Unlock()
		r.stats.rejected.Add(1)
		r.log.Warn("connection rejected", logx.String("client_id", clientID), logx.String("reason", "capacity"), logx.Int("max", cfg.MaxConnections))
		return ErrCapacity
	case len(r.byUser[userID]) >= cfg.MaxPerUser:
		r.mu.Unlock()
		r.stats.rejected.Add(1)
		r.log.Info("connection rejected", logx.String("client_id", clientID), logx.String("user_id", userID), logx.String("reason", "user_capacity"))
		return ErrUserCapacity
	}
	c := newClient(clientID, userID, conn, cfg.OutboxSize, r.now())
	r.clients[clientID] = c
	if r.byUser[userID] == nil {
		r.byUser[userID] = map[string]struct{}{}
	}
	r.byUser[userID][clientID] = struct{}{}
	r.mu.Unlock()

	if cc, ok := r.authz.Context(clientID); !ok || cc.UserID != userID || perm != nil {
		if _, err := r.authz.Attach(clientID, userID, perm); err != nil {
			r.forget(c)
			r.stats.rejected.Add(1)
			return err
		}
	}

	for _, k := range notification.JobKinds() {
		id, ok := r.broker.Subscribe(ctx, notification.ClientChannel(k, clientID), r.onMessage)
		if !ok {
			r.log.Warn("client channel not subscribed", logx.String("client_id", clientID), logx.String("event_type", string(k)))
			continue
		}
		r.mu.Lock()
		if r.clients[clientID] != c {
			// Disconnected while subscribing.
			r.mu.Unlock()
			r.broker.Unsubscribe(ctx, id)
			continue
		}
		c.handles = append(c.handles, id)
		r.mu.Unlock()
	}

	r.sup.Go0("registry.writer", func(ctx context.Context) { r.writeLoop(ctx, c) })
	r.stats.connects.Add(1)
	r.log.Debug("client connected", logx.String("client_id", clientID), logx.String("user_id", userID))
	r.publish("registry.connected", clientID, userID)
	return nil
}

// forget drops a client that never finished registering.
func (r *Registry) forget(c *client) {
	r.mu.Lock()
	if r.clients[c.id] == c {
		delete(r.clients, c.id)
		r.dropUserLocked(c)
	}
	r.mu.Unlock()
	c.shutdown()
}

func (r *Registry) dropUserLocked(c *client) {
	if set := r.byUser[c.userID]; set != nil {
		delete(set, c.id)
		if len(set) == 0 {
			delete(r.byUser, c.userID)
		}
	}
}

// Disconnect removes every trace of a client: job subscriptions (releasing
// broker channels nobody else needs), client channels, the outbox and the
// authorization session. It reports false for unknown clients.
func (r *Registry) Disconnect(ctx context.Context, clientID string) bool {
	r.jobMu.Lock()
	r.mu.Lock()
	c, ok := r.clients[clientID]
	if !ok {
		r.mu.Unlock()
		r.jobMu.Unlock()
		return false
	}
	delete(r.clients, clientID)
	r.dropUserLocked(c)
	var released []string
	for jobID := range c.subs {
		if r.leaveJobLocked(jobID, clientID) {
			released = append(released, jobID)
		}
	}
	c.subs = map[string]map[notification.Kind]struct{}{}
	handles := c.handles
	c.handles = nil
	r.mu.Unlock()

	for _, jobID := range released {
		r.releaseJobLocked(ctx, jobID)
	}
	r.jobMu.Unlock()

	r.releaseHandles(ctx, handles)
	c.shutdown()
	r.authz.Deauthenticate(clientID)
	r.stats.disconnects.Add(1)
	r.log.Debug("client disconnected", logx.String("client_id", clientID), logx.String("user_id", c.userID))
	r.publish("registry.disconnected", clientID, c.userID)
	return true
}

// ForceDisconnect closes the connection with code and reason, then removes
// the client.
func (r *Registry) ForceDisconnect(ctx context.Context, clientID string, code int, reason string) bool {
	r.mu.RLock()
	c, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := c.conn.Close(code, reason); err != nil {
		r.log.Debug("close failed", logx.String("client_id", clientID), logx.Err(err))
	}
	r.log.Info("client force-disconnected", logx.String("client_id", clientID), logx.String("reason", reason))
	return r.Disconnect(ctx, clientID)
}

// Shutdown tells every client the server is going away, closes all
// connections, releases broker subscriptions and stops the writers.
func (r *Registry) Shutdown(ctx context.Context, reason string) error {
	if !r.stopping.CompareAndSwap(false, true) {
		return nil
	}
	if reason == "" {
		reason = "server shutting down"
	}
	msg := notification.Disconnecting(reason, r.now()).Encode()

	r.mu.RLock()
	all := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		all = append(all, c)
	}
	timeout := r.cfg.SendTimeout
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range all {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, timeout)
			_ = c.conn.Send(sctx, msg)
			cancel()
			_ = c.conn.Close(StatusGoingAway, reason)
		}(c)
	}
	wg.Wait()

	for _, c := range all {
		r.Disconnect(ctx, c.id)
	}

	r.jobMu.Lock()
	r.releaseHandles(ctx, r.base)
	r.base = nil
	r.jobMu.Unlock()

	r.log.Info("registry stopped", logx.Int("clients", len(all)))
	return r.sup.Stop(ctx)
}

// StatusGoingAway is the close code sent on shutdown.
const StatusGoingAway = 1001

func (r *Registry) releaseHandles(ctx context.Context, ids []broker.SubscriptionID) {
	for _, id := range ids {
		r.broker.Unsubscribe(ctx, id)
	}
}

// Recipient resolves a connected client for redelivery.
func (r *Registry) Recipient(clientID string) (delivery.Recipient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	if !ok {
		return nil, false
	}
	return c, true
}

// Touch records activity from the client.
func (r *Registry) Touch(clientID string) {
	r.mu.RLock()
	c, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	c.touch(r.now())
	r.authz.Touch(clientID)
}

// Activity returns the last observed activity of every connected client.
func (r *Registry) Activity() map[string]time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]time.Time, len(r.clients))
	for id, c := range r.clients {
		out[id] = c.activity()
	}
	return out
}

// Probe checks that the connection is still usable and counts a successful
// check as activity.
func (r *Registry) Probe(ctx context.Context, clientID string) bool {
	r.mu.RLock()
	c, ok := r.clients[clientID]
	timeout := r.cfg.SendTimeout
	r.mu.RUnlock()
	if !ok {
		return false
	}
	p, ok := c.conn.(Pinger)
	if !ok {
		return c.conn.Alive()
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.Ping(pctx); err != nil {
		r.log.Debug("probe failed", logx.String("client_id", clientID), logx.Err(err))
		return false
	}
	r.Touch(clientID)
	return true
}

// Connected reports whether clientID has a live registration.
func (r *Registry) Connected(clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[clientID]
	return ok
}

func (r *Registry) writeLoop(ctx context.Context, c *client) {
	for it := range c.out {
		if c.gone.Load() {
			reply(it.result, false)
			continue
		}
		var ok bool
		if it.ev != nil {
			ok = r.engine.Deliver(ctx, c, it.ev)
		} else {
			sctx, cancel := context.WithTimeout(ctx, r.config().SendTimeout)
			ok = c.conn.Send(sctx, it.raw) == nil
			cancel()
		}
		if ok {
			c.sent.Add(1)
		} else {
			c.failed.Add(1)
		}
		reply(it.result, ok)
	}
}

func (r *Registry) publish(typ, clientID, userID string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Data: map[string]string{"client_id": clientID, "user_id": userID}})
}
