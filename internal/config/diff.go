package config

import (
	"reflect"
	"strings"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/pkg/logx"
)

// SummarizeConfigChange returns the names of changed sections and safe
// structured attrs for logging. Tokens and passwords are never included;
// only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	// The internal token is compared but only its presence is logged.
	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		s := newCfg.Server
		mark("server",
			logx.String("server.addr", strings.TrimSpace(s.Addr)),
			logx.Secret("server.internal_token", s.InternalToken),
			logx.Bool("server.pprof", s.Pprof),
			logx.Float64("server.ingest_rate_per_sec", s.IngestRatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		l := newCfg.Logging
		mark("logging",
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.Bool("logging.json", l.JSON),
			logx.Bool("logging.file_enabled", l.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Auth, newCfg.Auth) {
		a := newCfg.Auth
		mark("auth",
			logx.String("auth.validator", a.Validator),
			logx.Int("auth.token_count", len(a.Tokens)),
			logx.Secret("auth.introspect_url", a.IntrospectURL),
			logx.String("auth.default_level", a.DefaultLevel),
			logx.Int("auth.max_sessions_per_user", a.MaxSessionsPerUser),
		)
	}

	if !reflect.DeepEqual(oldCfg.Broker, newCfg.Broker) {
		b := newCfg.Broker
		mark("broker",
			logx.String("broker.driver", b.Driver),
			logx.String("broker.addr", strings.TrimSpace(b.Addr)),
			logx.Secret("broker.url", b.URL),
			logx.Secret("broker.password", b.Password),
		)
	}

	if oldCfg.Registry != newCfg.Registry {
		r := newCfg.Registry
		mark("registry",
			logx.Int("registry.max_connections", r.MaxConnections),
			logx.Int("registry.max_per_user", r.MaxPerUser),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		d := newCfg.Delivery
		mark("delivery",
			logx.Int("delivery.max_retries", d.MaxRetries),
			logx.String("delivery.base_delay", d.BaseDelay),
			logx.String("delivery.max_delay", d.MaxDelay),
		)
	}

	if oldCfg.Heartbeat != newCfg.Heartbeat {
		mark("heartbeat",
			logx.String("heartbeat.interval", newCfg.Heartbeat.Interval),
			logx.String("heartbeat.timeout", newCfg.Heartbeat.Timeout),
		)
	}

	if oldCfg.Processor != newCfg.Processor {
		mark("processor", logx.String("processor.source", newCfg.Processor.Source))
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		mark("maintenance",
			logx.String("maintenance.schedule", newCfg.Maintenance.Schedule),
			logx.String("maintenance.timezone", newCfg.Maintenance.Timezone),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		driver := "none"
		if newCfg.Storage != nil && strings.TrimSpace(newCfg.Storage.Driver) != "" {
			driver = newCfg.Storage.Driver
		}
		mark("storage", logx.String("storage.driver", driver))
	}

	return changed, attrs
}

// RestartRequired reports changed sections that only take effect after a
// restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	o, n := oldCfg.Server, newCfg.Server
	if o.Addr != n.Addr || o.InternalToken != n.InternalToken || o.Pprof != n.Pprof ||
		o.ReadTimeout != n.ReadTimeout || o.WriteTimeout != n.WriteTimeout || o.IdleTimeout != n.IdleTimeout ||
		o.IngestRatePerSec != n.IngestRatePerSec || o.IngestBurst != n.IngestBurst || o.MaxBodyBytes != n.MaxBodyBytes ||
		!reflect.DeepEqual(o.OriginPatterns, n.OriginPatterns) || o.WSReadLimit != n.WSReadLimit ||
		o.WSMessageRate != n.WSMessageRate || o.WSMessageBurst != n.WSMessageBurst || o.WSWriteTimeout != n.WSWriteTimeout {
		out = append(out, "server")
	}
	a, b := oldCfg.Auth, newCfg.Auth
	if a.Validator != b.Validator || !reflect.DeepEqual(a.Tokens, b.Tokens) ||
		a.IntrospectURL != b.IntrospectURL || a.IntrospectTimeout != b.IntrospectTimeout {
		out = append(out, "auth.validator")
	}
	if !reflect.DeepEqual(oldCfg.Broker, newCfg.Broker) {
		out = append(out, "broker")
	}
	if oldCfg.Processor.Source != newCfg.Processor.Source || oldCfg.Processor.PublishTimeout != newCfg.Processor.PublishTimeout {
		out = append(out, "processor")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	return out
}
