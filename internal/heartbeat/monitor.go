// Package heartbeat evicts connections that stopped responding and keeps
// the rest alive with periodic heartbeat notifications.
package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/notification"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/runtime/supervisor"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/pkg/logx"
)

// CloseStale is the close code sent to connections that timed out.
const CloseStale = 4000

// Registry is the connection view the monitor works against.
type Registry interface {
	Activity() map[string]time.Time
	Push(clientID string, ev notification.Event) bool
	Probe(ctx context.Context, clientID string) bool
	ForceDisconnect(ctx context.Context, clientID string, code int, reason string) bool
}

type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	// ProbeConcurrency bounds simultaneous transport pings and stale evictions.
	ProbeConcurrency int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.ProbeConcurrency <= 0 {
		c.ProbeConcurrency = 32
	}
	return c
}

// Result summarizes one pass.
type Result struct {
	Checked     int `json:"checked"`
	Evicted     int `json:"evicted"`
	Sent        int `json:"sent"`
	ProbeFailed int `json:"probe_failed"`
}

type Stats struct {
	Passes      uint64    `json:"passes"`
	Evicted     uint64    `json:"evicted"`
	Sent        uint64    `json:"sent"`
	ProbeFailed uint64    `json:"probe_failed"`
	LastPass    time.Time `json:"last_pass"`
}

type Monitor struct {
	reg Registry
	log logx.Logger
	now func() time.Time

	mu  sync.Mutex
	cfg Config
	sup *supervisor.Supervisor

	passes      atomic.Uint64
	evicted     atomic.Uint64
	sent        atomic.Uint64
	probeFailed atomic.Uint64
	lastPass    atomic.Int64
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func New(cfg Config, reg Registry, log logx.Logger, opts ...Option) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Monitor{reg: reg, log: log, now: time.Now, cfg: cfg.withDefaults()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Apply takes effect from the next pass.
func (m *Monitor) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

func (m *Monitor) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sup != nil {
		return nil
	}
	m.sup = supervisor.New(ctx, supervisor.WithLogger(m.log))
	m.sup.GoRestart("heartbeat.loop", m.loop)
	return nil
}

func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	sup := m.sup
	m.sup = nil
	m.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (m *Monitor) Supervisor() *supervisor.Supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sup
}

func (m *Monitor) loop(ctx context.Context) error {
	for {
		t := time.NewTimer(m.config().Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		res := m.Tick(ctx)
		if res.Evicted > 0 || res.ProbeFailed > 0 {
			m.log.Info("heartbeat pass",
				logx.Int("checked", res.Checked),
				logx.Int("evicted", res.Evicted),
				logx.Int("probe_failed", res.ProbeFailed),
			)
		}
	}
}

// Tick runs one pass: stale connections are force-disconnected, every other
// connection gets a heartbeat followed by a transport probe.
func (m *Monitor) Tick(ctx context.Context) Result {
	cfg := m.config()
	now := m.now()
	activity := m.reg.Activity()
	res := Result{Checked: len(activity)}

	var live, stale []string
	for id, last := range activity {
		if now.Sub(last) > cfg.Timeout {
			stale = append(stale, id)
			continue
		}
		live = append(live, id)
	}
	res.Evicted = m.each(ctx, stale, cfg.ProbeConcurrency, func(id string) bool {
		if !m.reg.ForceDisconnect(ctx, id, CloseStale, "heartbeat timeout") {
			return false
		}
		m.log.Debug("stale connection evicted", logx.String("client_id", id), logx.Duration("idle", now.Sub(activity[id])))
		return true
	})

	hb := &notification.Heartbeat{
		ServerTime:        now.UTC(),
		ActiveConnections: len(live),
		Metadata:          notification.NewMetadata("heartbeat_monitor", notification.PriorityLow, now),
	}
	for _, id := range live {
		if m.reg.Push(id, hb) {
			res.Sent++
		}
	}
	res.ProbeFailed = m.each(ctx, live, cfg.ProbeConcurrency, func(id string) bool {
		return !m.reg.Probe(ctx, id)
	})

	m.passes.Add(1)
	m.evicted.Add(uint64(res.Evicted))
	m.sent.Add(uint64(res.Sent))
	m.probeFailed.Add(uint64(res.ProbeFailed))
	m.lastPass.Store(now.UnixNano())
	return res
}

// each runs fn for every id with at most limit calls in flight and returns
// how many calls reported true. A slow connection holds one slot only.
func (m *Monitor) each(ctx context.Context, ids []string, limit int, fn func(id string) bool) int {
	var (
		wg   sync.WaitGroup
		hits atomic.Int64
		sem  = make(chan struct{}, max(limit, 1))
	)
	for _, id := range ids {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return int(hits.Load())
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			if fn(id) {
				hits.Add(1)
			}
		}(id)
	}
	wg.Wait()
	return int(hits.Load())
}

func (m *Monitor) Stats() Stats {
	st := Stats{
		Passes:      m.passes.Load(),
		Evicted:     m.evicted.Load(),
		Sent:        m.sent.Load(),
		ProbeFailed: m.probeFailed.Load(),
	}
	if ns := m.lastPass.Load(); ns != 0 {
		st.LastPass = time.Unix(0, ns).UTC()
	}
	return st
}
