package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/pkg/logx"
)

// healthyRun is how long a restarted loop must survive before its backoff
// resets to the minimum.
const healthyRun = 30 * time.Second

// Supervisor owns the background loops of one component: broker dispatch,
// retry scanning, heartbeats, per-client writers, config watching. Loops
// share a context, are named for logs and stats, and never take the process
// down with a panic.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}

	errMu    sync.Mutex
	firstErr error

	mu    sync.Mutex
	loops map[string]*LoopStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels every loop once any Go loop fails.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// LoopStats aggregates every run of the loops started under one name.
type LoopStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Started     uint64    `json:"started"`
	Panics      uint64    `json:"panics"`
	Restarts    uint64    `json:"restarts"`
	LastStartAt time.Time `json:"last_start_at"`
	LastStopAt  time.Time `json:"last_stop_at"`
	LastErr     string    `json:"last_err,omitempty"`
}

type Snapshot struct {
	Counters   Counters    `json:"counters"`
	FirstError string      `json:"first_error,omitempty"`
	Loops      []LoopStats `json:"loops"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	s := &Supervisor{
		done:  make(chan struct{}),
		loops: make(map[string]*LoopStats),
	}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first recorded loop failure.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.firstErr
}

func (s *Supervisor) setErr(err error) {
	s.errMu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.errMu.Unlock()
}

func (s *Supervisor) Counters() Counters {
	var c Counters
	if s == nil {
		return c
	}
	s.mu.Lock()
	for _, l := range s.loops {
		c.Active += l.Active
		c.Started += l.Started
	}
	s.mu.Unlock()
	return c
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	snap.Loops = make([]LoopStats, 0, len(s.loops))
	for _, l := range s.loops {
		snap.Loops = append(snap.Loops, *l)
	}
	s.mu.Unlock()
	sort.Slice(snap.Loops, func(i, j int) bool {
		a, b := snap.Loops[i], snap.Loops[j]
		if a.Active != b.Active {
			return a.Active > b.Active
		}
		return a.Name < b.Name
	})
	return snap
}

func (s *Supervisor) update(name string, fn func(l *LoopStats)) {
	s.mu.Lock()
	l := s.loops[name]
	if l == nil {
		l = &LoopStats{Name: name}
		s.loops[name] = l
	}
	fn(l)
	s.mu.Unlock()
}

func (s *Supervisor) began(name string, restart bool) time.Time {
	now := time.Now()
	s.update(name, func(l *LoopStats) {
		l.Active++
		l.Started++
		if restart {
			l.Restarts++
		}
		l.LastStartAt = now
	})
	return now
}

func (s *Supervisor) ended(name string, err error) {
	s.update(name, func(l *LoopStats) {
		if l.Active > 0 {
			l.Active--
		}
		l.LastStopAt = time.Now()
		if err != nil {
			l.LastErr = err.Error()
		}
	})
}

// call runs fn once. A panic becomes an error; a nil or context.Canceled
// result is a clean stop and yields nil.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.update(name, func(l *LoopStats) { l.Panics++ })
			s.log.Error("loop panicked", logx.String("loop", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	if err := fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (s *Supervisor) spawn(body func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		body()
	}()
}

// Go runs fn once. A failure is recorded and, with WithCancelOnError,
// cancels the supervisor.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		s.began(name, false)
		err := s.call(name, fn)
		s.ended(name, err)
		if err == nil {
			return
		}
		s.setErr(err)
		if s.cancelOnErr {
			s.cancel()
		}
	})
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max     time.Duration
	publishFirst bool
}

// WithRestartBackoff bounds the exponential delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithPublishFirstError records restart failures in Err so they show up in
// health output while the loop keeps recovering.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirst = enabled }
}

// GoRestart runs fn until it returns nil or the context ends, restarting it
// after every error or panic with jittered exponential backoff. It never
// cancels the supervisor.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)

	s.spawn(func() {
		delay := p.min
		for attempt := 0; s.ctx.Err() == nil; attempt++ {
			start := s.began(name, attempt > 0)
			err := s.call(name, fn)
			s.ended(name, err)
			if err == nil || s.ctx.Err() != nil {
				return
			}
			if p.publishFirst {
				s.setErr(err)
			}
			if time.Since(start) >= healthyRun {
				delay = p.min
			}
			wait := delay + time.Duration(rand.Int63n(int64(delay/5+1)))
			s.log.Warn("loop restarting", logx.String("loop", name), logx.Duration("backoff", wait), logx.Err(err))
			if !sleep(s.ctx, wait) {
				return
			}
			delay = min(delay*2, p.max)
		}
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Stop cancels the context and waits for every loop, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every loop has returned or ctx ends. It returns Err on
// completion and ctx.Err on timeout.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
