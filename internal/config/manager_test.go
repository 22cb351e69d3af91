package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/pkg/logx"
)

const minimalJSON = `{
  "server": {"addr": "127.0.0.1:0"},
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}},
  "auth": {"validator": "static", "tokens": {"tok-alice-0001": "alice"}},
  "broker": {"driver": "memory"},
  "heartbeat": {"interval": "30s", "timeout": "60s"},
  "maintenance": {"schedule": "@every 1m"}
}`

const minimalYAML = `
server:
  addr: 127.0.0.1:0
logging:
  level: debug
  console: true
  file: {enabled: false, path: ""}
auth:
  validator: static
  tokens:
    tok-alice-0001: alice
broker:
  driver: redis
  addr: 127.0.0.1:6379
storage:
  driver: sqlite
  path: ./data/notifyd.db
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadJSONAndYAML(t *testing.T) {
	dir := t.TempDir()

	m := NewManager(writeFile(t, dir, "config.json", minimalJSON), logx.Nop())
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Auth.Tokens["tok-alice-0001"])
	assert.Equal(t, "@every 1m", cfg.Maintenance.Schedule)
	assert.Nil(t, cfg.Storage)
	assert.Same(t, cfg, m.Get())

	m = NewManager(writeFile(t, dir, "config.yaml", minimalYAML), logx.Nop())
	cfg, err = m.Load()
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Broker.Driver)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
}

func TestDecodeIsStrict(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"server": {"adr": "x"}}`))
	assert.Error(t, err)

	_, err = Decode("c.json", []byte(minimalJSON+` {}`))
	assert.ErrorContains(t, err, "trailing data")

	_, err = Decode("c.yaml", []byte("server:\n  bogus: 1\n"))
	assert.Error(t, err)
}

func TestDecodeExpandsEnvironment(t *testing.T) {
	t.Setenv("NOTIFYD_TEST_INTERNAL", "from-env")
	cfg, err := Decode("c.yaml", []byte("server:\n  internal_token: ${NOTIFYD_TEST_INTERNAL}\n  addr: :8080\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Server.InternalToken)

	cfg, err = Decode("c.json", []byte(`{"auth": {"tokens": {"t-1": "${NOTIFYD_TEST_INTERNAL}"}}, "delivery": {"max_retries": 4}}`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.Tokens["t-1"])
	assert.Equal(t, 4, cfg.Delivery.MaxRetries)

	_, err = Decode("c.json", []byte(`{"server": {"internal_token": "${NOTIFYD_TEST_UNSET_1}"}}`))
	assert.ErrorContains(t, err, "NOTIFYD_TEST_UNSET_1")
}

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("x", "30")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	d, err = ParseDurationField("x", " 1m30s ")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	_, err = ParseDurationField("heartbeat.interval", "-1s")
	assert.ErrorContains(t, err, "heartbeat.interval")
	_, err = ParseDurationField("heartbeat.interval", "soon")
	assert.ErrorContains(t, err, "invalid duration")
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg, err := Decode("c.json", []byte(minimalJSON))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	cfg.Logging.Level = "loud"
	cfg.Auth.DefaultScopes = []string{"everything"}
	cfg.Broker.Driver = "kafka"
	cfg.Heartbeat.Timeout = "10s"
	cfg.Maintenance.Schedule = "every minute"
	cfg.Delivery.BaseDelay = "soon"
	cfg.Server.Pprof = true

	err = Validate(cfg)
	require.Error(t, err)
	for _, want := range []string{
		"logging.level", "auth.default_scopes", "broker.driver", "heartbeat.timeout",
		"maintenance.schedule", "delivery.base_delay", "server.pprof",
	} {
		assert.ErrorContains(t, err, want)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(writeFile(t, dir, "config.json", `{"auth": {"validator": "http"}}`), logx.Nop())
	_, err := m.Load()
	assert.ErrorContains(t, err, "introspect_url")
	assert.Nil(t, m.Get())
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", minimalJSON)
	m := NewManager(path, logx.Nop())
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	invalid := `{"auth": {"validator": "nope"}}`
	updated := `{
  "server": {"addr": "127.0.0.1:0"},
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
  "auth": {"validator": "static", "tokens": {"tok-alice-0001": "alice"}},
  "broker": {"driver": "memory"}
}`

	var got *Config
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for got == nil {
		select {
		case got = <-ch:
		case <-tick.C:
			require.NoError(t, os.WriteFile(path, []byte(invalid), 0o600))
			require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
		case <-deadline:
			t.Fatal("no config published")
		}
	}
	assert.Equal(t, "debug", got.Logging.Level)
	assert.Equal(t, "debug", m.Get().Logging.Level)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewManager("unused.json", logx.Nop())
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-ch)

	m.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestSummarizeConfigChangeNeverLeaksSecrets(t *testing.T) {
	old := &Config{}
	old.Server.InternalToken = "old-secret"
	old.Broker.Password = "pw-1"

	next := &Config{}
	next.Server.InternalToken = "new-secret"
	next.Broker.Password = "pw-2"
	next.Heartbeat.Interval = "10s"

	changed, attrs := SummarizeConfigChange(old, next)
	assert.Equal(t, []string{"server", "broker", "heartbeat"}, changed)
	assert.NotEmpty(t, attrs)

	rendered := renderFields(attrs)
	assert.NotContains(t, rendered, "secret")
	assert.NotContains(t, rendered, "pw-")
	assert.Contains(t, rendered, `"server.internal_token_set":true`)

	changed, _ = SummarizeConfigChange(next, next)
	assert.Empty(t, changed)
}

func TestRestartRequired(t *testing.T) {
	old := &Config{}
	next := &Config{}
	next.Logging.Level = "debug"
	next.Heartbeat.Interval = "5s"
	next.Processor.JobRetention = "1h"
	assert.Empty(t, RestartRequired(old, next))

	next.Server.Addr = ":9090"
	next.Broker.Driver = "redis"
	assert.Equal(t, []string{"server", "broker"}, RestartRequired(old, next))
}

func renderFields(fields []logx.Field) string {
	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("x", fields...)
	return buf.String()
}
