package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/delivery"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/processor"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/pkg/logx"
)

const token = "internal-secret"

type fakeSignals struct {
	mu     sync.Mutex
	status map[string]processor.StatusSignal
	errors map[string]processor.ErrorSignal
	calls  []string
}

func newFakeSignals() *fakeSignals {
	return &fakeSignals{status: map[string]processor.StatusSignal{}, errors: map[string]processor.ErrorSignal{}}
}

func (f *fakeSignals) note(kind, job string) {
	f.mu.Lock()
	f.calls = append(f.calls, kind+":"+job)
	f.mu.Unlock()
}

func (f *fakeSignals) ProcessStatusUpdate(_ context.Context, job string, s processor.StatusSignal) bool {
	f.note("status", job)
	f.mu.Lock()
	f.status[job] = s
	f.mu.Unlock()
	return true
}

func (f *fakeSignals) ProcessResultUpdate(_ context.Context, job string, _ processor.ResultSignal) bool {
	f.note("result", job)
	return true
}

func (f *fakeSignals) ProcessStageTransition(_ context.Context, job string, s processor.StageSignal) bool {
	f.note("stage", job)
	return s.ToStage != ""
}

func (f *fakeSignals) ProcessError(_ context.Context, job string, s processor.ErrorSignal) bool {
	f.note("error", job)
	f.mu.Lock()
	f.errors[job] = s
	f.mu.Unlock()
	return true
}

func (f *fakeSignals) ProcessCompletion(_ context.Context, job string, _ processor.CompletionSignal) bool {
	f.note("completion", job)
	return true
}

type fakeGrants map[string]string

func (g fakeGrants) GrantJobAccess(user, job string) bool {
	if user == "" || job == "" || user == "nobody" {
		return false
	}
	g[user] = job
	return true
}

type fakeDeadLetters struct {
	items    []delivery.DeadLetter
	replayed []string
}

func (f *fakeDeadLetters) DeadLetters(limit int) []delivery.DeadLetter {
	if limit < len(f.items) {
		return f.items[:limit]
	}
	return f.items
}

func (f *fakeDeadLetters) Replay(_ context.Context, id string) bool {
	for _, dl := range f.items {
		if dl.ID == id {
			f.replayed = append(f.replayed, id)
			return true
		}
	}
	return false
}

type fixture struct {
	h       http.Handler
	signals *fakeSignals
	grants  fakeGrants
	dead    *fakeDeadLetters
	healthy map[string]bool
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		signals: newFakeSignals(),
		grants:  fakeGrants{},
		dead: &fakeDeadLetters{items: []delivery.DeadLetter{
			{NotificationError: delivery.NotificationError{ID: "dl-1", Type: delivery.ErrorTransport}, Reason: "retries exhausted"},
			{NotificationError: delivery.NotificationError{ID: "dl-2", Type: delivery.ErrorBroker}, Reason: "non-retryable"},
		}},
		healthy: map[string]bool{"broker": true, "authz": true},
	}
	deps := Deps{
		WS: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
		Signals:     f.signals,
		Grants:      f.grants,
		DeadLetters: f.dead,
		Health:      func(context.Context) map[string]bool { return f.healthy },
		Stats:       func() any { return map[string]int{"connections": 3} },
	}
	f.h = New(cfg, deps, logx.Nop()).Handler()
	return f
}

func (f *fixture) do(method, path, body, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestPublicRoutes(t *testing.T) {
	f := newFixture(Config{InternalToken: token})

	assert.Equal(t, http.StatusTeapot, f.do(http.MethodGet, "/ws/notifications", "", "").Code)

	rec := f.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var h Health
	decode(t, rec, &h)
	assert.Equal(t, "ok", h.Status)
	assert.True(t, h.Components["broker"])

	f.healthy["broker"] = false
	rec = f.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	decode(t, rec, &h)
	assert.Equal(t, "degraded", h.Status)

	rec = f.do(http.MethodGet, "/stats", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"connections":3}`, rec.Body.String())
}

func TestInternalRequiresToken(t *testing.T) {
	f := newFixture(Config{InternalToken: token})

	rec := f.do(http.MethodPost, "/internal/analyses/job-1/status", `{}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	rec = f.do(http.MethodPost, "/internal/analyses/job-1/status", `{}`, "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.signals.calls)
}

func TestInternalDisabledWithoutToken(t *testing.T) {
	f := newFixture(Config{})
	rec := f.do(http.MethodPost, "/internal/analyses/job-1/status", `{}`, "Bearer ")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSignalIngestion(t *testing.T) {
	f := newFixture(Config{InternalToken: token})
	auth := "Bearer " + token

	rec := f.do(http.MethodPost, "/internal/analyses/job-1/status",
		`{"status":"processing","progress":55,"current_stage":"inference","target_clients":["c1"],"ttl_seconds":30}`, auth)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"published":true}`, rec.Body.String())
	got := f.signals.status["job-1"]
	assert.Equal(t, 55.0, got.Progress)
	assert.Equal(t, "inference", got.Stage)
	assert.Equal(t, []string{"c1"}, got.TargetClients)
	assert.Equal(t, 30.0, got.TTLSeconds)

	rec = f.do(http.MethodPost, "/internal/analyses/job-1/error",
		`{"error_message":"gpu lost","error_type":"ResourceError","severity":"critical"}`, auth)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "gpu lost", f.signals.errors["job-1"].Message)

	rec = f.do(http.MethodPost, "/internal/analyses/job-1/stage", `{}`, auth)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"published":false}`, rec.Body.String())

	for _, p := range []string{"result", "completion"} {
		assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/internal/analyses/job-2/"+p, `{"status":"completed"}`, auth).Code)
	}
	assert.Equal(t, []string{"status:job-1", "error:job-1", "stage:job-1", "result:job-2", "completion:job-2"}, f.signals.calls)

	rec = f.do(http.MethodPost, "/internal/analyses/job-1/status", `{"progress":`, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBodyLimit(t *testing.T) {
	f := newFixture(Config{InternalToken: token, MaxBodyBytes: 16})
	rec := f.do(http.MethodPost, "/internal/analyses/job-1/status",
		`{"status":"processing","message":"`+strings.Repeat("x", 64)+`"}`, "Bearer "+token)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestIngestRateLimit(t *testing.T) {
	f := newFixture(Config{InternalToken: token, IngestRate: 0.001, IngestBurst: 2})
	auth := "Bearer " + token
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/internal/analyses/j/status", `{}`, auth).Code)
	}
	rec := f.do(http.MethodPost, "/internal/analyses/j/status", `{}`, auth)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestGrantAndDeadLetters(t *testing.T) {
	f := newFixture(Config{InternalToken: token})
	auth := "Bearer " + token

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodPost, "/internal/users/alice/analyses/job-1/grant", "", auth).Code)
	assert.Equal(t, "job-1", f.grants["alice"])
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/internal/users/nobody/analyses/job-1/grant", "", auth).Code)

	rec := f.do(http.MethodGet, "/internal/dead-letters?limit=1", "", auth)
	assert.Equal(t, http.StatusOK, rec.Code)
	var items []delivery.DeadLetter
	decode(t, rec, &items)
	require.Len(t, items, 1)
	assert.Equal(t, "dl-1", items[0].ID)

	rec = f.do(http.MethodPost, "/internal/dead-letters/dl-2/replay", "", auth)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"dl-2"}, f.dead.replayed)

	rec = f.do(http.MethodPost, "/internal/dead-letters/missing/replay", "", auth)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPprofMountedBehindToken(t *testing.T) {
	f := newFixture(Config{InternalToken: token, Pprof: true})
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/internal/debug/pprof/", "", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/internal/debug/pprof/", "", "Bearer "+token).Code)

	f = newFixture(Config{InternalToken: token})
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/internal/debug/pprof/", "", "Bearer "+token).Code)
}

func TestServiceLifecycle(t *testing.T) {
	svc := New(Config{Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	svc.Start(context.Background())
	svc.Start(context.Background())

	select {
	case <-svc.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}
	addr := svc.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))
	assert.Nil(t, svc.Supervisor())
	require.NoError(t, svc.Stop(ctx))
}
