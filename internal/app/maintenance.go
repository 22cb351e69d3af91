package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/pkg/logx"
)

type maintenanceConfig struct {
	Schedule string
	Timezone string
}

// maintenanceTask is one housekeeping step. It returns how many items it
// removed.
type maintenanceTask struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// maintenance runs housekeeping tasks on a cron schedule. Overlapping runs
// are skipped.
type maintenance struct {
	log    logx.Logger
	parser cron.Parser
	tasks  []maintenanceTask

	mu  sync.Mutex
	cfg maintenanceConfig
	c   *cron.Cron
	ctx context.Context

	runs    atomic.Uint64
	removed atomic.Uint64
	lastRun atomic.Int64
}

type MaintenanceStats struct {
	Schedule string    `json:"schedule"`
	Runs     uint64    `json:"runs"`
	Removed  uint64    `json:"removed"`
	LastRun  time.Time `json:"last_run"`
}

func newMaintenance(cfg maintenanceConfig, log logx.Logger, tasks ...maintenanceTask) *maintenance {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &maintenance{
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		tasks:  tasks,
		cfg:    cfg,
	}
}

// Start begins triggering. It is a no-op when already running.
func (m *maintenance) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil {
		return nil
	}
	m.ctx = ctx
	return m.startLocked()
}

func (m *maintenance) startLocked() error {
	sched, err := m.parser.Parse(m.cfg.Schedule)
	if err != nil {
		return fmt.Errorf("maintenance.schedule: %w", err)
	}
	loc := time.Local
	if tz := strings.TrimSpace(m.cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			m.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		}
	}
	cl := cronLogger{log: m.log}
	c := cron.New(
		cron.WithParser(m.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	ctx := m.ctx
	c.Schedule(sched, cron.FuncJob(func() { m.RunOnce(ctx) }))
	c.Start()
	m.c = c
	m.log.Info("maintenance started", logx.String("schedule", m.cfg.Schedule), logx.String("tz", loc.String()))
	return nil
}

// Apply swaps the schedule, restarting the cron when it is running. An
// invalid schedule keeps the previous one.
func (m *maintenance) Apply(cfg maintenanceConfig) error {
	if _, err := m.parser.Parse(cfg.Schedule); err != nil {
		return fmt.Errorf("maintenance.schedule: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg == m.cfg {
		return nil
	}
	m.cfg = cfg
	if m.c == nil {
		return nil
	}
	<-m.c.Stop().Done()
	m.c = nil
	return m.startLocked()
}

func (m *maintenance) Stop(ctx context.Context) {
	m.mu.Lock()
	c := m.c
	m.c = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	m.log.Info("maintenance stopped")
}

// RunOnce runs every task and returns removed counts by task name.
func (m *maintenance) RunOnce(ctx context.Context) map[string]int {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	out := make(map[string]int, len(m.tasks))
	total := 0
	for _, t := range m.tasks {
		if ctx.Err() != nil {
			break
		}
		tctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		n, err := t.Run(tctx)
		cancel()
		if err != nil {
			m.log.Warn("maintenance task failed", logx.String("task", t.Name), logx.Err(err))
		}
		out[t.Name] = n
		total += n
	}
	m.runs.Add(1)
	m.removed.Add(uint64(total))
	m.lastRun.Store(start.UnixNano())
	if total > 0 {
		m.log.Info("maintenance pass", logx.Int("removed", total), logx.Duration("took", time.Since(start)))
	} else {
		m.log.Debug("maintenance pass", logx.Duration("took", time.Since(start)))
	}
	return out
}

func (m *maintenance) Stats() MaintenanceStats {
	m.mu.Lock()
	sched := m.cfg.Schedule
	m.mu.Unlock()
	st := MaintenanceStats{Schedule: sched, Runs: m.runs.Load(), Removed: m.removed.Load()}
	if ns := m.lastRun.Load(); ns > 0 {
		st.LastRun = time.Unix(0, ns)
	}
	return st
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", keysAndValues))
}
