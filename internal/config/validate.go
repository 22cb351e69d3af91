package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/authz"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/notification"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/pkg/logx"
)

// Validate checks everything that can be checked without side effects. All
// problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	s := cfg.Server
	dur("server.read_timeout", s.ReadTimeout)
	dur("server.write_timeout", s.WriteTimeout)
	dur("server.idle_timeout", s.IdleTimeout)
	dur("server.ws_write_timeout", s.WSWriteTimeout)
	dur("server.shutdown_grace", s.ShutdownGrace)
	if s.IngestRatePerSec < 0 || s.WSMessageRate < 0 {
		add(errors.New("server: rates must be >= 0"))
	}
	if s.Pprof && strings.TrimSpace(s.InternalToken) == "" {
		add(errors.New("server.pprof requires server.internal_token"))
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			add(fmt.Errorf("logging.level: unknown level %q", lvl))
		}
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when file logging is enabled"))
	}

	a := cfg.Auth
	switch strings.ToLower(strings.TrimSpace(a.Validator)) {
	case "", "static":
		if len(a.Tokens) == 0 {
			add(errors.New("auth.tokens: static validator needs at least one token"))
		}
	case "http":
		if strings.TrimSpace(a.IntrospectURL) == "" {
			add(errors.New("auth.introspect_url is required for the http validator"))
		}
	default:
		add(fmt.Errorf("auth.validator: unknown validator %q", a.Validator))
	}
	dur("auth.introspect_timeout", a.IntrospectTimeout)
	dur("auth.rate_window", a.RateWindow)
	dur("auth.inactivity_timeout", a.InactivityTimeout)
	dur("auth.permission_ttl", a.PermissionTTL)
	switch authz.Level(strings.TrimSpace(a.DefaultLevel)) {
	case "", authz.LevelReadOnly, authz.LevelStandard, authz.LevelAdmin:
	default:
		add(fmt.Errorf("auth.default_level: unknown level %q", a.DefaultLevel))
	}
	for _, k := range a.DefaultEventTypes {
		if !notification.Kind(k).Valid() {
			add(fmt.Errorf("auth.default_event_types: unknown kind %q", k))
		}
	}
	for _, sc := range a.DefaultScopes {
		if !authz.Scope(sc).Valid() {
			add(fmt.Errorf("auth.default_scopes: unknown scope %q", sc))
		}
	}

	b := cfg.Broker
	switch strings.ToLower(strings.TrimSpace(b.Driver)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(b.URL) == "" && strings.TrimSpace(b.Addr) == "" {
			add(errors.New("broker: redis needs url or addr"))
		}
	default:
		add(fmt.Errorf("broker.driver: unknown driver %q", b.Driver))
	}
	dur("broker.health_interval", b.HealthInterval)
	dur("broker.op_timeout", b.OpTimeout)
	dur("broker.reconnect_min", b.ReconnectMin)
	dur("broker.reconnect_max", b.ReconnectMax)

	dur("registry.send_timeout", cfg.Registry.SendTimeout)

	d := cfg.Delivery
	dur("delivery.base_delay", d.BaseDelay)
	dur("delivery.max_delay", d.MaxDelay)
	dur("delivery.scan_interval", d.ScanInterval)
	dur("delivery.send_timeout", d.SendTimeout)
	dur("delivery.dead_letter_retention", d.DeadLetterRetention)
	dur("delivery.rate_limit_delay", d.RateLimitDelay)
	if d.MaxRetries < 0 {
		add(errors.New("delivery.max_retries must be >= 0"))
	}

	hbInterval, err := ParseDurationField("heartbeat.interval", cfg.Heartbeat.Interval)
	add(err)
	hbTimeout, err := ParseDurationField("heartbeat.timeout", cfg.Heartbeat.Timeout)
	add(err)
	if hbInterval > 0 && hbTimeout > 0 && hbTimeout <= hbInterval {
		add(errors.New("heartbeat.timeout must be longer than heartbeat.interval"))
	}

	dur("processor.publish_timeout", cfg.Processor.PublishTimeout)
	dur("processor.job_retention", cfg.Processor.JobRetention)

	m := cfg.Maintenance
	if sched := strings.TrimSpace(m.Schedule); sched != "" {
		if _, err := cron.ParseStandard(sched); err != nil {
			add(fmt.Errorf("maintenance.schedule: %w", err))
		}
	}
	if tz := strings.TrimSpace(m.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("maintenance.timezone: %w", err))
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add(errors.New("storage.path is required"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		dur("storage.busy_timeout", st.BusyTimeout)
	}

	return errors.Join(errs...)
}
