package config

// Config is the on-disk configuration. All durations are Go duration
// strings (e.g. "500ms", "10s", "1m"); omitted values fall back to runtime
// defaults.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Logging     LoggingConfig     `json:"logging"`
	Auth        AuthConfig        `json:"auth"`
	Broker      BrokerConfig      `json:"broker"`
	Registry    RegistryConfig    `json:"registry"`
	Delivery    DeliveryConfig    `json:"delivery"`
	Heartbeat   HeartbeatConfig   `json:"heartbeat"`
	Processor   ProcessorConfig   `json:"processor"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
}

// ServerConfig controls the HTTP listener.
//
// Security note:
//   - internal_token guards ingestion and operator routes; leave it empty to
//     disable them entirely.
//   - pprof is only mounted inside the internal routes.
type ServerConfig struct {
	Addr          string `json:"addr"`
	InternalToken string `json:"internal_token,omitempty"` // do not log
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	IngestRatePerSec float64 `json:"ingest_rate_per_sec,omitempty"`
	IngestBurst      int     `json:"ingest_burst,omitempty"`
	MaxBodyBytes     int64   `json:"max_body_bytes,omitempty"`

	// WebSocket endpoint.
	OriginPatterns []string `json:"origin_patterns,omitempty"`
	WSReadLimit    int64    `json:"ws_read_limit,omitempty"`
	WSMessageRate  float64  `json:"ws_message_rate,omitempty"`
	WSMessageBurst int      `json:"ws_message_burst,omitempty"`
	WSWriteTimeout string   `json:"ws_write_timeout,omitempty"`
	ShutdownGrace  string   `json:"shutdown_grace,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// AuthConfig controls identity validation and default permissions.
//
// Validator values:
//   - "static": tokens maps token -> user id (development, tests)
//   - "http": introspect_url answers {"user_id": "..."} for valid tokens
type AuthConfig struct {
	Validator         string            `json:"validator"`
	Tokens            map[string]string `json:"tokens,omitempty"` // do not log
	IntrospectURL     string            `json:"introspect_url,omitempty"`
	IntrospectTimeout string            `json:"introspect_timeout,omitempty"`

	RateWindow         string `json:"rate_window,omitempty"`
	InactivityTimeout  string `json:"inactivity_timeout,omitempty"`
	PermissionTTL      string `json:"permission_ttl,omitempty"`
	MaxSessionsPerUser int    `json:"max_sessions_per_user,omitempty"`

	DefaultLevel            string   `json:"default_level,omitempty"`
	DefaultEventTypes       []string `json:"default_event_types,omitempty"`
	DefaultScopes           []string `json:"default_scopes,omitempty"`
	DefaultRateLimit        int      `json:"default_rate_limit,omitempty"`
	DefaultMaxSubscriptions int      `json:"default_max_subscriptions,omitempty"`
}

// BrokerConfig selects the pub/sub backend.
//
// Driver values:
//   - "memory": in-process (single instance)
//   - "redis": Redis PUBLISH/SUBSCRIBE
type BrokerConfig struct {
	Driver   string `json:"driver"`
	URL      string `json:"url,omitempty"`
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Buffer   int    `json:"buffer,omitempty"`

	HealthInterval string `json:"health_interval,omitempty"`
	OpTimeout      string `json:"op_timeout,omitempty"`
	ReconnectMin   string `json:"reconnect_min,omitempty"`
	ReconnectMax   string `json:"reconnect_max,omitempty"`
}

type RegistryConfig struct {
	MaxConnections int    `json:"max_connections,omitempty"`
	MaxPerUser     int    `json:"max_per_user,omitempty"`
	OutboxSize     int    `json:"outbox_size,omitempty"`
	SendTimeout    string `json:"send_timeout,omitempty"`
	DedupSize      int    `json:"dedup_size,omitempty"`
}

type DeliveryConfig struct {
	MaxRetries          int     `json:"max_retries,omitempty"`
	BaseDelay           string  `json:"base_delay,omitempty"`
	MaxDelay            string  `json:"max_delay,omitempty"`
	ScanInterval        string  `json:"scan_interval,omitempty"`
	SendTimeout         string  `json:"send_timeout,omitempty"`
	DeadLetterCapacity  int     `json:"dead_letter_capacity,omitempty"`
	DeadLetterRetention string  `json:"dead_letter_retention,omitempty"`
	MaxPending          int     `json:"max_pending,omitempty"`
	RetryRatePerSec     float64 `json:"retry_rate_per_sec,omitempty"`
	RetryBurst          int     `json:"retry_burst,omitempty"`
	RateLimitDelay      string  `json:"rate_limit_delay,omitempty"`
}

type HeartbeatConfig struct {
	Interval string `json:"interval,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type ProcessorConfig struct {
	Source         string `json:"source,omitempty"`
	PublishTimeout string `json:"publish_timeout,omitempty"`
	JobRetention   string `json:"job_retention,omitempty"`
}

// MaintenanceConfig schedules housekeeping (session cleanup, dead-letter
// and job pruning) with a cron spec, e.g. "@every 1m" or "*/5 * * * *".
type MaintenanceConfig struct {
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls dead-letter persistence. Nil disables it.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/notifyd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
