// Package app wires the notification service together: it loads the
// config, builds every component, runs housekeeping and applies config
// changes at runtime.
package app

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
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/config"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/delivery"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/eventbus"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/heartbeat"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/processor"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/registry"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/runtime/supervisor"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/server"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/storage"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/transport/ws"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/pkg/logx"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	authz  *authz.Manager
	broker *broker.Adapter
	engine *delivery.Engine
	reg    *registry.Registry
	proc   *processor.Processor
	hb     *heartbeat.Monitor
	http   *server.Service
	maint  *maintenance
	sd     systemd.Notifier

	rcMu sync.RWMutex
	rc   runtimeConfig

	started time.Time
	stopped atomic.Bool
}

// Stats is the service-wide view served on /stats.
type Stats struct {
	Uptime      string              `json:"uptime"`
	Registry    registry.Stats      `json:"registry"`
	Authz       authz.Stats         `json:"authz"`
	Broker      broker.Stats        `json:"broker"`
	Delivery    delivery.Stats      `json:"delivery"`
	Processor   processor.Stats     `json:"processor"`
	Heartbeat   heartbeat.Stats     `json:"heartbeat"`
	Maintenance MaintenanceStats    `json:"maintenance"`
	Runtime     supervisor.Snapshot `json:"runtime"`
	BusDropped  uint64              `json:"bus_dropped"`
}

func NewApp(cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("INFO").With(logx.Component("config"))
	cfgm := config.NewManager(cfgPath, bootLog)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rc, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(rc.Log)
	cfgm.SetLogger(log.With(logx.Component("config")))

	validator, err := newValidator(cfg.Auth)
	if err != nil {
		return nil, err
	}
	backend, err := newBackend(cfg.Broker)
	if err != nil {
		return nil, err
	}

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = backend.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.Component("storage")))
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log.With(logx.Component("app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		store:   store,
		rc:      rc,
	}
	a.build(rc, validator, backend, log)
	return a, nil
}

// build creates the components from resolved configs.
func (a *App) build(rc runtimeConfig, validator authz.Validator, backend broker.Backend, log logx.Logger) {
	comp := func(name string) logx.Logger { return log.With(logx.Component(name)) }

	a.authz = authz.NewManager(rc.Auth, validator, comp("authz"))
	a.broker = broker.New(backend, rc.Broker, comp("broker"))

	engOpts := []delivery.Option{delivery.WithBus(a.bus)}
	if a.store != nil {
		engOpts = append(engOpts, delivery.WithStore(a.store))
	}
	a.engine = delivery.New(rc.Delivery, comp("delivery"), engOpts...)

	a.reg = registry.New(rc.Registry, a.authz, a.broker, a.engine, comp("registry"), registry.WithBus(a.bus))
	a.engine.SetResolver(a.reg)
	a.engine.SetPublisher(a.broker)
	a.engine.SetFallback(delivery.ErrorBroker, a.brokerFallback)

	a.proc = processor.New(rc.Processor, a.broker, comp("processor"),
		processor.WithBus(a.bus),
		processor.WithFailureHandler(a.engine),
		processor.WithLocal(a.reg),
	)
	a.hb = heartbeat.New(rc.Heartbeat, a.reg, comp("heartbeat"))

	wsh := ws.NewHandler(rc.WS, a.authz, a.reg, comp("ws"))
	a.http = server.New(rc.Server, server.Deps{
		WS:          wsh,
		Signals:     a.proc,
		Grants:      a.authz,
		DeadLetters: a.engine,
		Health:      a.Health,
		Stats:       func() any { return a.Stats() },
	}, comp("http"))

	a.maint = newMaintenance(rc.Maintenance, comp("maintenance"),
		maintenanceTask{Name: "sessions", Run: func(context.Context) (int, error) {
			return a.authz.Cleanup(), nil
		}},
		maintenanceTask{Name: "dead_letters", Run: a.pruneDeadLetters},
		maintenanceTask{Name: "jobs", Run: func(context.Context) (int, error) {
			return a.proc.PruneJobs(time.Now().Add(-a.runtime().JobRetention)), nil
		}},
	)
}

// brokerFallback asks the broker to re-establish its connection after a
// failed publish. The notification itself stays in the retry queue.
func (a *App) brokerFallback(_ context.Context, ne *delivery.NotificationError) bool {
	a.broker.RequestReconnect()
	a.log.Debug("broker reconnect requested", logx.String("channel", ne.Channel), logx.String("notification_id", ne.NotificationID))
	return true
}

func (a *App) runtime() runtimeConfig {
	a.rcMu.RLock()
	defer a.rcMu.RUnlock()
	return a.rc
}

func (a *App) pruneDeadLetters(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-a.runtime().DeadLetterRetention)
	n := a.engine.PruneDeadLetters(cutoff)
	if a.store == nil {
		return n, nil
	}
	persisted, err := a.store.PruneDeadLetters(ctx, cutoff)
	if persisted > n {
		n = persisted
	}
	return n, err
}

// Addr is the bound HTTP address, or "" before Start.
func (a *App) Addr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Health(context.Context) map[string]bool {
	h := map[string]bool{
		"broker": a.broker.Healthy(),
		"authz":  a.authz.Healthy(),
	}
	if a.stopped.Load() {
		h["accepting"] = false
	}
	return h
}

func (a *App) Stats() Stats {
	st := Stats{
		Registry:    a.reg.Stats(),
		Authz:       a.authz.Stats(),
		Broker:      a.broker.Stats(),
		Delivery:    a.engine.Stats(),
		Processor:   a.proc.Stats(),
		Heartbeat:   a.hb.Stats(),
		Maintenance: a.maint.Stats(),
		BusDropped:  a.bus.Dropped(),
	}
	if !a.started.IsZero() {
		st.Uptime = time.Since(a.started).Truncate(time.Second).String()
	}
	if a.sup != nil {
		st.Runtime = a.sup.Snapshot()
	}
	return st
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.started = time.Now()
	run := a.sup.Context()

	// Bring-up order follows the data path: persistence and retries first,
	// then the broker and its subscribers, and the listener last.
	if err := a.engine.Start(run); err != nil {
		return fmt.Errorf("delivery: %w", err)
	}
	if err := a.broker.Start(run); err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	if err := a.reg.Start(run); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if err := a.hb.Start(run); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if err := a.maint.Start(run); err != nil {
		return err
	}

	a.http.Start(run)
	select {
	case <-a.http.Ready():
	case <-time.After(5 * time.Second):
		return errors.New("http server did not become ready")
	case <-run.Done():
		return run.Err()
	}

	a.watchEvents()
	a.watchConfig()

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.sd.Watchdog(c, func() bool { return a.broker.Healthy() })
	})
	if _, err := a.sd.Ready(); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	}
	_, _ = a.sd.Status("listening on " + a.http.Addr())

	a.log.Info("app started", logx.String("addr", a.http.Addr()))
	return nil
}

// watchEvents logs lifecycle events for observability/debug.
func (a *App) watchEvents() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Keep this debug-level; delivery events are frequent.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})
}

// watchConfig fans validated config changes out to the components.
func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(250*time.Millisecond, 5*time.Second))
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	rc, err := mapConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	if restart := config.RestartRequired(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strings("sections", restart))
	}

	a.rcMu.Lock()
	prev := a.rc
	// Components built once keep their startup settings.
	rc.Server, rc.WS, rc.Processor, rc.Broker = prev.Server, prev.WS, prev.Processor, prev.Broker
	a.rc = rc
	a.rcMu.Unlock()

	a.logs.Apply(rc.Log)
	a.authz.Apply(rc.Auth)
	a.reg.Apply(rc.Registry)
	a.engine.Apply(rc.Delivery)
	a.hb.Apply(rc.Heartbeat)
	if err := a.maint.Apply(rc.Maintenance); err != nil {
		a.log.Warn("maintenance schedule not applied", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil || !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.sd.Stopping()

	grace := a.runtime().ShutdownGrace
	a.runStop(ctx, []stopStep{
		// Clients first, while the broker can still carry their last messages.
		{"registry", grace, func(c context.Context) error { return a.reg.Shutdown(c, reason.clientMessage()) }},
		{"http", 3 * time.Second, a.http.Stop},
		{"loops", 0, func(context.Context) error { a.sup.Cancel(); return nil }},
		{"maintenance", time.Second, func(c context.Context) error { a.maint.Stop(c); return nil }},
		{"heartbeat", time.Second, a.hb.Stop},
		{"delivery", 2 * time.Second, a.engine.Stop},
		{"broker", 2 * time.Second, a.broker.Stop},
		{"storage", time.Second, a.closeStore},
		{"supervisor", 2 * time.Second, a.sup.Wait},
	})

	a.log.Info("stopped", logx.String("uptime", time.Since(a.started).Truncate(time.Second).String()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// ParseStopSignal maps a signal name to a StopReason.
func ParseStopSignal(name string) StopReason {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "interrupt", "sigint":
		return StopSIGINT
	case "terminated", "sigterm":
		return StopSIGTERM
	default:
		return StopUnknown
	}
}
