package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/authz"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/broker"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/config"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/delivery"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/heartbeat"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/notification"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/processor"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/registry"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/server"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/storage"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/transport/ws"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/pkg/logx"
)

// runtimeConfig is the file config resolved into component configs. Zero
// values are left for the components' own defaults.
type runtimeConfig struct {
	Log       logx.Config
	Auth      authz.Config
	Broker    broker.Config
	Registry  registry.Config
	Delivery  delivery.Config
	Heartbeat heartbeat.Config
	Processor processor.Config
	Server    server.Config
	WS        ws.Config

	DeadLetterRetention time.Duration
	JobRetention        time.Duration
	ShutdownGrace       time.Duration
	Maintenance         maintenanceConfig
}

// durations collects the first parse error so mapping reads linearly.
type durations struct{ err error }

func (d *durations) get(path, raw string, def time.Duration) time.Duration {
	v, err := config.ParseDurationOrDefault(path, raw, def)
	if err != nil {
		if d.err == nil {
			d.err = err
		}
		return def
	}
	return v
}

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		JSON:    c.JSON,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func mapConfig(cfg *config.Config) (runtimeConfig, error) {
	if cfg == nil {
		return runtimeConfig{}, errors.New("config is nil")
	}
	var d durations
	rc := runtimeConfig{Log: mapLogging(cfg.Logging)}

	a := cfg.Auth
	rc.Auth = authz.Config{
		RateWindow:              d.get("auth.rate_window", a.RateWindow, 0),
		InactivityTimeout:       d.get("auth.inactivity_timeout", a.InactivityTimeout, 0),
		PermissionTTL:           d.get("auth.permission_ttl", a.PermissionTTL, 0),
		MaxSessionsPerUser:      a.MaxSessionsPerUser,
		DefaultLevel:            authz.Level(strings.TrimSpace(a.DefaultLevel)),
		DefaultRateLimit:        a.DefaultRateLimit,
		DefaultMaxSubscriptions: a.DefaultMaxSubscriptions,
		ValidateTimeout:         d.get("auth.introspect_timeout", a.IntrospectTimeout, 0),
	}
	for _, k := range a.DefaultEventTypes {
		rc.Auth.DefaultEventTypes = append(rc.Auth.DefaultEventTypes, notification.Kind(k))
	}
	for _, s := range a.DefaultScopes {
		rc.Auth.DefaultScopes = append(rc.Auth.DefaultScopes, authz.Scope(s))
	}

	b := cfg.Broker
	rc.Broker = broker.Config{
		HealthInterval: d.get("broker.health_interval", b.HealthInterval, 0),
		OpTimeout:      d.get("broker.op_timeout", b.OpTimeout, 0),
		ReconnectMin:   d.get("broker.reconnect_min", b.ReconnectMin, 0),
		ReconnectMax:   d.get("broker.reconnect_max", b.ReconnectMax, 0),
	}

	r := cfg.Registry
	rc.Registry = registry.Config{
		MaxConnections: r.MaxConnections,
		MaxPerUser:     r.MaxPerUser,
		OutboxSize:     r.OutboxSize,
		SendTimeout:    d.get("registry.send_timeout", r.SendTimeout, 0),
		DedupSize:      r.DedupSize,
	}

	dc := cfg.Delivery
	rc.Delivery = delivery.Config{
		MaxRetries:         dc.MaxRetries,
		BaseDelay:          d.get("delivery.base_delay", dc.BaseDelay, 0),
		MaxDelay:           d.get("delivery.max_delay", dc.MaxDelay, 0),
		ScanInterval:       d.get("delivery.scan_interval", dc.ScanInterval, 0),
		SendTimeout:        d.get("delivery.send_timeout", dc.SendTimeout, 0),
		DeadLetterCapacity: dc.DeadLetterCapacity,
		MaxPending:         dc.MaxPending,
		RetryRate:          dc.RetryRatePerSec,
		RetryBurst:         dc.RetryBurst,
		RateLimitDelay:     d.get("delivery.rate_limit_delay", dc.RateLimitDelay, 0),
	}
	if rc.Delivery.RetryRate == 0 {
		rc.Delivery.RetryRate = delivery.DefaultConfig().RetryRate
	}
	rc.DeadLetterRetention = d.get("delivery.dead_letter_retention", dc.DeadLetterRetention, 7*24*time.Hour)

	rc.Heartbeat = heartbeat.Config{
		Interval: d.get("heartbeat.interval", cfg.Heartbeat.Interval, 0),
		Timeout:  d.get("heartbeat.timeout", cfg.Heartbeat.Timeout, 0),
	}

	p := cfg.Processor
	rc.Processor = processor.Config{
		Source:         p.Source,
		PublishTimeout: d.get("processor.publish_timeout", p.PublishTimeout, 0),
	}
	rc.JobRetention = d.get("processor.job_retention", p.JobRetention, 24*time.Hour)

	s := cfg.Server
	rc.Server = server.Config{
		Addr:          s.Addr,
		InternalToken: s.InternalToken,
		Pprof:         s.Pprof,
		ReadTimeout:   d.get("server.read_timeout", s.ReadTimeout, 0),
		WriteTimeout:  d.get("server.write_timeout", s.WriteTimeout, 0),
		IdleTimeout:   d.get("server.idle_timeout", s.IdleTimeout, 0),
		IngestRate:    s.IngestRatePerSec,
		IngestBurst:   s.IngestBurst,
		MaxBodyBytes:  s.MaxBodyBytes,
	}
	rc.WS = ws.Config{
		ReadLimit:      s.WSReadLimit,
		WriteTimeout:   d.get("server.ws_write_timeout", s.WSWriteTimeout, 0),
		OriginPatterns: s.OriginPatterns,
		MessageRate:    s.WSMessageRate,
		MessageBurst:   s.WSMessageBurst,
	}
	rc.ShutdownGrace = d.get("server.shutdown_grace", s.ShutdownGrace, 10*time.Second)

	rc.Maintenance = maintenanceConfig{
		Schedule: strings.TrimSpace(cfg.Maintenance.Schedule),
		Timezone: strings.TrimSpace(cfg.Maintenance.Timezone),
	}
	if rc.Maintenance.Schedule == "" {
		rc.Maintenance.Schedule = "@every 1m"
	}

	if d.err != nil {
		return runtimeConfig{}, d.err
	}
	return rc, nil
}

// newValidator builds the token validator selected by auth.validator.
func newValidator(a config.AuthConfig) (authz.Validator, error) {
	switch strings.ToLower(strings.TrimSpace(a.Validator)) {
	case "", "static":
		tokens := authz.StaticValidator{}
		for tok, user := range a.Tokens {
			tokens[tok] = user
		}
		return tokens, nil
	case "http":
		timeout, err := config.ParseDurationOrDefault("auth.introspect_timeout", a.IntrospectTimeout, 5*time.Second)
		if err != nil {
			return nil, err
		}
		return &authz.HTTPValidator{URL: strings.TrimSpace(a.IntrospectURL), Timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("unknown auth.validator: %s", a.Validator)
	}
}

// newBackend opens the broker backend selected by broker.driver.
func newBackend(b config.BrokerConfig) (broker.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(b.Driver)) {
	case "", "memory":
		return broker.NewMemory(nil, b.Buffer), nil
	case "redis":
		return broker.DialRedis(broker.RedisConfig{
			URL:      b.URL,
			Addr:     b.Addr,
			Password: b.Password,
			DB:       b.DB,
			Buffer:   b.Buffer,
		})
	default:
		return nil, fmt.Errorf("unknown broker.driver: %s", b.Driver)
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
