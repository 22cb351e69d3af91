package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &m))
	return m
}

func TestWriterFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(Component("registry"))

	log.Info("client connected",
		String("client_id", "c-1"),
		Secret("token", "abc"),
		Secret("password", " "),
		Duration("took", 1500*time.Millisecond),
		Err(nil),
	)
	m := lastLine(t, &buf)
	assert.Equal(t, "client connected", m["message"])
	assert.Equal(t, "info", m["level"])
	assert.Equal(t, "registry", m["comp"])
	assert.Equal(t, true, m["token_set"])
	assert.Equal(t, false, m["password_set"])
	assert.Equal(t, "1.5s", m["took"])
	assert.NotContains(t, m, "err")
	assert.NotContains(t, buf.String(), "abc")
	assert.True(t, strings.HasPrefix(m["caller"].(string), "logx_test.go:"), m["caller"])

	log.Warn("send failed", Err(errors.New("boom")))
	assert.Equal(t, "boom", lastLine(t, &buf)["err"])
}

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(levelOf(t, "info")))

	lvl, ok := ParseLevel("WARNING")
	require.True(t, ok)
	assert.Equal(t, "warn", lvl.String())
	_, ok = ParseLevel("loud")
	assert.False(t, ok)
}

func levelOf(t *testing.T, s string) Level {
	t.Helper()
	lvl, ok := ParseLevel(s)
	require.True(t, ok)
	return lvl
}

func TestZeroAndNopDiscard(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Error("nothing")
	Nop().With(Component("x")).Error("nothing")
	assert.False(t, Nop().IsZero())
}

func TestServiceApplySwapsSinks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "notifyd.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()
	log = log.With(Component("app"))

	log.Debug("dropped")
	log.Info("kept")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("now kept")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(b)
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, `"message":"kept"`)
	assert.Contains(t, out, `"message":"now kept"`)
	assert.Contains(t, out, `"comp":"app"`)
}
