package delivery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/eventbus"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/notification"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/runtime/supervisor"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/pkg/logx"
)

// Recipient is a connected client that can receive serialized notifications.
type Recipient interface {
	ClientID() string
	Send(ctx context.Context, payload []byte) error
}

// Resolver looks up live recipients for client-addressed retries.
type Resolver interface {
	Recipient(clientID string) (Recipient, bool)
}

// Publisher re-publishes channel-addressed retries.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) bool
}

// Store persists dead letters.
type Store interface {
	SaveDeadLetter(ctx context.Context, dl DeadLetter) error
	DeleteDeadLetter(ctx context.Context, id string) error
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}

// Fallback runs for every failure of its error type, before the retry
// decision. It may adjust e (for example push NotBefore back) and reports
// whether it did anything.
type Fallback func(ctx context.Context, e *NotificationError) bool

type Config struct {
	MaxRetries         int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	ScanInterval       time.Duration
	SendTimeout        time.Duration
	DeadLetterCapacity int
	MaxPending         int

	// RetryRate paces redelivery attempts per second; <= 0 disables pacing.
	RetryRate  float64
	RetryBurst int

	// RateLimitDelay is the minimum wait the default rate-limit fallback
	// imposes before a retry.
	RateLimitDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:         3,
		BaseDelay:          time.Second,
		MaxDelay:           60 * time.Second,
		ScanInterval:       time.Second,
		SendTimeout:        5 * time.Second,
		DeadLetterCapacity: 1000,
		MaxPending:         10000,
		RetryRate:          50,
		RetryBurst:         50,
		RateLimitDelay:     5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = d.ScanInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.DeadLetterCapacity <= 0 {
		c.DeadLetterCapacity = d.DeadLetterCapacity
	}
	if c.MaxPending <= 0 {
		c.MaxPending = d.MaxPending
	}
	if c.RetryBurst <= 0 {
		c.RetryBurst = 1
	}
	if c.RateLimitDelay <= 0 {
		c.RateLimitDelay = d.RateLimitDelay
	}
	return c
}

func newLimiter(c Config) *rate.Limiter {
	if c.RetryRate <= 0 {
		return rate.NewLimiter(rate.Inf, c.RetryBurst)
	}
	return rate.NewLimiter(rate.Limit(c.RetryRate), c.RetryBurst)
}

// Engine delivers notifications and owns the retry queue and dead letters.
type Engine struct {
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	queue     []*NotificationError
	dead      *deadLetters
	fallbacks map[ErrorType]Fallback
	resolver  Resolver
	publisher Publisher
	store     Store
	stats     Stats

	lifeMu    sync.Mutex
	sup       *supervisor.Supervisor
	persistCh chan persistOp
}

type persistOp struct {
	save   *DeadLetter
	delete string
}

type Option func(*Engine)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithBus(bus eventbus.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

func WithStore(st Store) Option {
	return func(e *Engine) { e.store = st }
}

func New(cfg Config, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	e := &Engine{
		log:       log,
		now:       time.Now,
		cfg:       cfg,
		limiter:   newLimiter(cfg),
		dead:      newDeadLetters(cfg.DeadLetterCapacity),
		fallbacks: map[ErrorType]Fallback{},
	}
	e.stats.FailuresByType = map[ErrorType]uint64{}
	for _, o := range opts {
		o(e)
	}
	e.fallbacks[ErrorRateLimit] = e.delayFallback
	return e
}

// Apply swaps retry settings at runtime. A smaller dead-letter capacity
// drops the oldest entries right away.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	e.cfg = cfg
	e.limiter = newLimiter(cfg)
	dropped := e.dead.resize(cfg.DeadLetterCapacity)
	e.stats.Evicted += uint64(dropped)
	e.mu.Unlock()
	if dropped > 0 {
		e.log.Info("dead letters trimmed", logx.Int("dropped", dropped), logx.Int("capacity", cfg.DeadLetterCapacity))
	}
}

func (e *Engine) SetResolver(r Resolver) {
	e.mu.Lock()
	e.resolver = r
	e.mu.Unlock()
}

func (e *Engine) SetPublisher(p Publisher) {
	e.mu.Lock()
	e.publisher = p
	e.mu.Unlock()
}

// SetFallback installs fb for t, replacing any previous one. A nil fb
// removes it.
func (e *Engine) SetFallback(t ErrorType, fb Fallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fb == nil {
		delete(e.fallbacks, t)
		return
	}
	e.fallbacks[t] = fb
}

// Start loads persisted dead letters and runs the retry and persistence
// loops. Calling Start twice is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.sup != nil {
		return nil
	}

	if st := e.storeSnapshot(); st != nil {
		lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		items, err := st.ListDeadLetters(lctx, e.config().DeadLetterCapacity)
		cancel()
		if err != nil {
			e.log.Warn("dead letters not restored", logx.Err(err))
		} else {
			e.restore(items)
		}
	}

	e.sup = supervisor.New(ctx, supervisor.WithLogger(e.log))
	e.sup.GoRestart("delivery.retry", e.retryLoop, supervisor.WithPublishFirstError(true))
	if st := e.storeSnapshot(); st != nil {
		e.persistCh = make(chan persistOp, 1024)
		pch := e.persistCh
		e.sup.Go0("delivery.persist", func(c context.Context) { e.persistLoop(c, pch, st) })
	}
	return nil
}

func (e *Engine) Stop(ctx context.Context) error {
	e.lifeMu.Lock()
	sup := e.sup
	e.sup = nil
	e.persistCh = nil
	e.lifeMu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (e *Engine) Supervisor() *supervisor.Supervisor {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	return e.sup
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *Engine) storeSnapshot() Store {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store
}

// Deliver serializes ev and sends it to r. Any failure is recorded for
// recovery and reported as false.
func (e *Engine) Deliver(ctx context.Context, r Recipient, ev notification.Event) bool {
	if r == nil || ev == nil {
		return false
	}
	payload, err := notification.Encode(ev)
	if err != nil {
		e.record(ctx, &NotificationError{ClientID: r.ClientID(), Event: ev}, err)
		return false
	}
	if err := e.send(ctx, r, payload); err != nil {
		e.record(ctx, &NotificationError{ClientID: r.ClientID(), Event: ev, Payload: payload}, err)
		return false
	}
	e.mu.Lock()
	e.stats.Delivered++
	e.mu.Unlock()
	return true
}

// HandleFailure records a client delivery that failed outside Deliver, for
// example when the recipient's outbox was full.
func (e *Engine) HandleFailure(ctx context.Context, clientID string, ev notification.Event, cause error) {
	if ev == nil {
		return
	}
	payload, err := notification.Encode(ev)
	if err != nil {
		cause = err
	}
	e.record(ctx, &NotificationError{ClientID: clientID, Event: ev, Payload: payload}, cause)
}

// HandlePublishFailure records a broker publish that failed. Retries
// re-publish on the same channel.
func (e *Engine) HandlePublishFailure(ctx context.Context, channel string, ev notification.Event, payload []byte) {
	e.record(ctx, &NotificationError{Channel: channel, Event: ev, Payload: payload}, ErrPublishFailed)
}

func (e *Engine) send(ctx context.Context, r Recipient, payload []byte) error {
	sctx, cancel := context.WithTimeout(ctx, e.config().SendTimeout)
	defer cancel()
	return r.Send(sctx, payload)
}

// delay is min(base * 2^retries, max).
func (e *Engine) delay(cfg Config, retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	d := float64(cfg.BaseDelay) * math.Pow(2, float64(retries))
	if d >= float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(d)
}

// record classifies a new failure, runs its fallback and queues or
// dead-letters it.
func (e *Engine) record(ctx context.Context, ne *NotificationError, cause error) {
	now := e.now()
	cfg := e.config()

	ne.ID = uuid.NewString()
	ne.OccurredAt = now
	ne.LastAttemptAt = now
	ne.MaxRetries = cfg.MaxRetries
	if ne.Event != nil {
		ne.NotificationID = ne.Event.Meta().NotificationID
		ne.Kind = ne.Event.Kind()
		ne.JobID = ne.Event.JobID()
	}
	e.classify(ne, cause)
	ne.NotBefore = now.Add(e.delay(cfg, ne.RetryCount))
	if hint, ok := retryAfterHint(cause); ok && now.Add(hint).After(ne.NotBefore) {
		ne.NotBefore = now.Add(hint)
	}

	e.mu.Lock()
	e.stats.Failed++
	e.stats.FailuresByType[ne.Type]++
	e.mu.Unlock()

	e.log.Debug("delivery failed",
		logx.String("target", ne.Target()),
		logx.String("error_type", string(ne.Type)),
		logx.String("severity", string(ne.Severity)),
		logx.String("notification_id", ne.NotificationID),
		logx.Err(cause),
	)
	e.publishEvent("delivery.failed", ne)

	e.runFallback(ctx, ne)
	e.settle(ne)
}

func (e *Engine) classify(ne *NotificationError, cause error) {
	ne.Type = Classify(cause)
	ne.Severity = SeverityOf(ne.Type)
	if IsPermanent(cause) {
		ne.Severity = SeverityCritical
	}
	if cause != nil {
		ne.Message = cause.Error()
	}
}

func (e *Engine) runFallback(ctx context.Context, ne *NotificationError) {
	e.mu.Lock()
	fb := e.fallbacks[ne.Type]
	e.mu.Unlock()
	if fb == nil {
		return
	}
	applied := func() (ok bool) {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("delivery fallback panicked", logx.String("error_type", string(ne.Type)), logx.Any("panic", r))
				ok = false
			}
		}()
		return fb(ctx, ne)
	}()
	if applied {
		e.mu.Lock()
		e.stats.FallbacksRun++
		e.mu.Unlock()
	}
}

// settle queues an eligible error for retry, or dead-letters it.
func (e *Engine) settle(ne *NotificationError) {
	if !ne.Eligible() {
		reason := "retries exhausted"
		if ne.Severity == SeverityCritical {
			reason = "non-retryable"
		}
		e.deadLetter(ne, reason)
		return
	}
	e.mu.Lock()
	if len(e.queue) >= e.cfg.MaxPending {
		e.mu.Unlock()
		e.deadLetter(ne, ErrRetryQueueFull.Error())
		return
	}
	e.queue = append(e.queue, ne)
	e.mu.Unlock()
}

func (e *Engine) deadLetter(ne *NotificationError, reason string) {
	dl := DeadLetter{NotificationError: *ne, Reason: reason, DeadLetteredAt: e.now()}

	e.mu.Lock()
	evicted, didEvict := e.dead.add(dl)
	e.stats.DeadLettered++
	if didEvict {
		e.stats.Evicted++
	}
	e.mu.Unlock()

	e.log.Warn("notification dead-lettered",
		logx.String("target", ne.Target()),
		logx.String("error_type", string(ne.Type)),
		logx.Int("retry_count", ne.RetryCount),
		logx.String("reason", reason),
	)
	e.publishEvent("delivery.dead_lettered", ne)
	e.persist(persistOp{save: &dl})
	if didEvict {
		e.persist(persistOp{delete: evicted.ID})
	}
}

func (e *Engine) delayFallback(_ context.Context, ne *NotificationError) bool {
	floor := e.now().Add(e.config().RateLimitDelay)
	if ne.NotBefore.Before(floor) {
		ne.NotBefore = floor
	}
	return true
}

func (e *Engine) retryLoop(ctx context.Context) error {
	t := time.NewTicker(e.config().ScanInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			e.ProcessDue(ctx)
		}
	}
}

// ProcessDue makes one pass over the retry queue and re-attempts every entry
// whose backoff has elapsed. It returns the number of attempts made.
func (e *Engine) ProcessDue(ctx context.Context) int {
	now := e.now()
	e.mu.Lock()
	var due []*NotificationError
	rest := e.queue[:0]
	for _, ne := range e.queue {
		if ne.NotBefore.After(now) {
			rest = append(rest, ne)
			continue
		}
		due = append(due, ne)
	}
	e.queue = rest
	limiter := e.limiter
	cfg := e.cfg
	e.mu.Unlock()

	attempts := 0
	for i, ne := range due {
		if err := limiter.Wait(ctx); err != nil {
			e.requeue(due[i:])
			break
		}
		if ne.Event != nil && ne.Event.Meta().Expired(now) {
			e.mu.Lock()
			e.stats.Expired++
			e.mu.Unlock()
			continue
		}

		ne.RetryCount++
		ne.LastAttemptAt = e.now()
		attempts++
		e.mu.Lock()
		e.stats.RetryAttempts++
		e.mu.Unlock()

		err := e.attempt(ctx, ne)
		if err == nil {
			e.mu.Lock()
			e.stats.RetrySucceeded++
			e.mu.Unlock()
			e.log.Debug("retry delivered", logx.String("target", ne.Target()), logx.Int("retry_count", ne.RetryCount))
			e.publishEvent("delivery.retry_succeeded", ne)
			continue
		}

		e.classify(ne, err)
		ne.NotBefore = ne.LastAttemptAt.Add(e.delay(cfg, ne.RetryCount))
		if hint, ok := retryAfterHint(err); ok && ne.LastAttemptAt.Add(hint).After(ne.NotBefore) {
			ne.NotBefore = ne.LastAttemptAt.Add(hint)
		}
		e.mu.Lock()
		e.stats.FailuresByType[ne.Type]++
		e.mu.Unlock()
		e.runFallback(ctx, ne)
		e.settle(ne)
	}
	return attempts
}

func (e *Engine) requeue(items []*NotificationError) {
	e.mu.Lock()
	e.queue = append(e.queue, items...)
	e.mu.Unlock()
}

func (e *Engine) attempt(ctx context.Context, ne *NotificationError) error {
	payload := []byte(ne.Payload)
	if ne.Event != nil {
		b, err := retryPayload(ne)
		if err != nil {
			return Permanent(err)
		}
		payload = b
		ne.Payload = b
	}
	if len(payload) == 0 {
		return Permanent(errors.New("no payload to deliver"))
	}

	e.mu.Lock()
	resolver, publisher := e.resolver, e.publisher
	e.mu.Unlock()

	if ne.Channel != "" {
		if publisher == nil {
			return ErrNoPublisher
		}
		if !publisher.Publish(ctx, ne.Channel, payload) {
			return ErrPublishFailed
		}
		return nil
	}
	if resolver == nil {
		return ErrRecipientGone
	}
	r, ok := resolver.Recipient(ne.ClientID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecipientGone, ne.ClientID)
	}
	return e.send(ctx, r, payload)
}

// retryPayload re-encodes a copy of the event of ne with its retry count and
// a retrying status. The original may be shared with other recipients.
func retryPayload(ne *NotificationError) ([]byte, error) {
	ev, err := notification.Clone(ne.Event)
	if err != nil {
		return nil, err
	}
	m := ev.Meta()
	m.RetryCount = ne.RetryCount
	m.DeliveryStatus = notification.StatusRetrying
	ne.Event = ev
	return notification.Encode(ev)
}

// Replay resubmits a dead letter once. On success it leaves the store; on
// failure it goes back in.
func (e *Engine) Replay(ctx context.Context, id string) bool {
	e.mu.Lock()
	dl, ok := e.dead.take(id)
	e.mu.Unlock()
	if !ok {
		return false
	}
	ne := dl.NotificationError
	if err := e.attempt(ctx, &ne); err != nil {
		e.log.Info("dead letter replay failed", logx.String("id", id), logx.Err(err))
		e.mu.Lock()
		e.dead.add(dl)
		e.mu.Unlock()
		return false
	}
	e.mu.Lock()
	e.stats.Replayed++
	e.mu.Unlock()
	e.persist(persistOp{delete: id})
	e.log.Info("dead letter replayed", logx.String("id", id), logx.String("target", ne.Target()))
	return true
}

// DeadLetters returns up to limit entries, newest first.
func (e *Engine) DeadLetters(limit int) []DeadLetter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dead.list(limit)
}

// PruneDeadLetters drops entries dead-lettered before cutoff.
func (e *Engine) PruneDeadLetters(cutoff time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dead.prune(cutoff)
}

// PendingRetries returns copies of the queued errors in queue order.
func (e *Engine) PendingRetries() []NotificationError {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]NotificationError, 0, len(e.queue))
	for _, ne := range e.queue {
		out = append(out, *ne)
	}
	return out
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stats
	st.FailuresByType = make(map[ErrorType]uint64, len(e.stats.FailuresByType))
	for k, v := range e.stats.FailuresByType {
		st.FailuresByType[k] = v
	}
	st.PendingRetries = len(e.queue)
	st.DeadLetters = e.dead.len()
	return st
}

func (e *Engine) restore(items []DeadLetter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// Stored newest first; the ring keeps oldest first.
	for i := len(items) - 1; i >= 0; i-- {
		e.dead.add(items[i])
	}
	if len(items) > 0 {
		e.log.Info("dead letters restored", logx.Int("count", len(items)))
	}
}

func (e *Engine) persist(op persistOp) {
	e.lifeMu.Lock()
	ch := e.persistCh
	e.lifeMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- op:
	default:
		e.mu.Lock()
		e.stats.PersistDropped++
		e.mu.Unlock()
	}
}

// persistLoop writes dead letters best effort; the in-memory store stays
// authoritative.
func (e *Engine) persistLoop(ctx context.Context, ch <-chan persistOp, st Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-ch:
			cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			var err error
			if op.save != nil {
				err = st.SaveDeadLetter(cctx, *op.save)
			} else if op.delete != "" {
				err = st.DeleteDeadLetter(cctx, op.delete)
			}
			cancel()
			if err != nil {
				e.log.Debug("dead letter persistence failed", logx.Err(err))
			}
		}
	}
}

func (e *Engine) publishEvent(typ string, ne *NotificationError) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: map[string]any{
		"target":          ne.Target(),
		"error_type":      string(ne.Type),
		"severity":        string(ne.Severity),
		"retry_count":     ne.RetryCount,
		"notification_id": ne.NotificationID,
	}})
}
