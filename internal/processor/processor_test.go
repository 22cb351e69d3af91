package processor

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/eventbus"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/notification"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/pkg/logx"
)

var t0 = time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)

type published struct {
	channel string
	ev      notification.Event
}

type fakePublisher struct {
	mu   sync.Mutex
	fail map[string]bool
	out  []published
}

func (p *fakePublisher) Publish(_ context.Context, ch string, payload []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[ch] {
		return false
	}
	ev, err := notification.Decode(payload)
	if err != nil {
		return false
	}
	p.out = append(p.out, published{channel: ch, ev: ev})
	return true
}

func (p *fakePublisher) last(t *testing.T) published {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.out)
	return p.out[len(p.out)-1]
}

type failures struct {
	channels []string
}

func (f *failures) HandlePublishFailure(_ context.Context, ch string, _ notification.Event, payload []byte) {
	if len(payload) > 0 {
		f.channels = append(f.channels, ch)
	}
}

type localFanout struct{ events []notification.Event }

func (l *localFanout) Fanout(_ context.Context, ev notification.Event) int {
	l.events = append(l.events, ev)
	return 1
}

func newProcessor(opts ...Option) (*Processor, *fakePublisher) {
	pub := &fakePublisher{fail: map[string]bool{}}
	opts = append([]Option{WithClock(func() time.Time { return t0 })}, opts...)
	return New(Config{Source: "pipeline"}, pub, logx.Nop(), opts...), pub
}

func TestStatusUpdateClampsAndPopulatesMetadata(t *testing.T) {
	p, pub := newProcessor()
	ctx := context.Background()

	require.True(t, p.ProcessStatusUpdate(ctx, "job-1", StatusSignal{Status: "processing", Progress: 140, Stage: "decode", Message: "going"}))
	got := pub.last(t)
	assert.Equal(t, notification.JobChannel(notification.KindStatusUpdate, "job-1"), got.channel)

	su := got.ev.(*notification.StatusUpdate)
	assert.Equal(t, 100.0, su.Progress)
	assert.Equal(t, "decode", su.CurrentStage)
	require.NotNil(t, su.StageInfo)
	assert.Equal(t, "decode", su.StageInfo.StageName)
	assert.Equal(t, t0, *su.StageInfo.StartedAt)

	m := su.Metadata
	assert.NotEmpty(t, m.NotificationID)
	assert.Equal(t, "pipeline", m.Source)
	assert.Equal(t, notification.PriorityNormal, m.Priority)
	assert.Equal(t, t0, m.Timestamp)
	assert.False(t, m.BroadcastToAll)
	assert.Equal(t, notification.StatusDelivered, m.DeliveryStatus, "status is stamped before the payload is encoded")
	assert.Zero(t, m.RetryCount)

	require.True(t, p.ProcessStatusUpdate(ctx, "job-1", StatusSignal{Progress: math.NaN()}))
	assert.Equal(t, 0.0, pub.last(t).ev.(*notification.StatusUpdate).Progress)
}

func TestResultUpdateClampsConfidence(t *testing.T) {
	p, pub := newProcessor()
	require.True(t, p.ProcessResultUpdate(context.Background(), "job-1", ResultSignal{
		Status:         "completed",
		Confidence:     1.7,
		IsPositive:     true,
		ProcessingTime: -3,
		FramesAnalyzed: 120,
		Summary:        map[string]any{"verdict": "fake"},
	}))
	ru := pub.last(t).ev.(*notification.ResultUpdate)
	assert.Equal(t, 1.0, ru.Confidence)
	assert.Equal(t, 0.0, ru.ProcessingTime)
	assert.Equal(t, 120, ru.FramesAnalyzed)
	assert.Equal(t, notification.PriorityHigh, ru.Metadata.Priority)
}

func TestStageTransitionRemembersPreviousStage(t *testing.T) {
	p, pub := newProcessor()
	ctx := context.Background()

	require.True(t, p.ProcessStageTransition(ctx, "job-1", StageSignal{ToStage: "decode", OverallProgress: 5}))
	require.True(t, p.ProcessStageTransition(ctx, "job-1", StageSignal{ToStage: "inference", OverallProgress: 40,
		Extra: map[string]any{"total_frames": 300, "processing_rate_fps": 24.0}}))

	st := pub.last(t).ev.(*notification.StageTransition)
	assert.Equal(t, "decode", st.FromStage)
	assert.Equal(t, "inference", st.ToStage)
	require.NotNil(t, st.StageInfo)
	require.NotNil(t, st.StageInfo.TotalFrames)
	assert.Equal(t, 300, *st.StageInfo.TotalFrames)
	require.NotNil(t, st.StageInfo.ProcessingRate)
	assert.Equal(t, 24.0, *st.StageInfo.ProcessingRate)

	assert.False(t, p.ProcessStageTransition(ctx, "job-1", StageSignal{}))
}

func TestErrorIsAlwaysBroadcast(t *testing.T) {
	p, pub := newProcessor()
	ctx := context.Background()
	require.True(t, p.ProcessStageTransition(ctx, "job-1", StageSignal{ToStage: "inference"}))

	require.True(t, p.ProcessError(ctx, "job-1", ErrorSignal{Message: "gpu lost", ErrorType: "ResourceError", ErrorCode: "E_GPU", Severity: notification.SeverityCritical}))
	got := pub.last(t)
	assert.Equal(t, notification.BroadcastChannel(notification.KindError), got.channel)
	en := got.ev.(*notification.ErrorNotification)
	assert.True(t, en.Metadata.BroadcastToAll)
	assert.Equal(t, notification.PriorityCritical, en.Metadata.Priority)
	assert.Equal(t, "inference", en.Context.AffectedStage)
	assert.Equal(t, "E_GPU", en.Context.ErrorCode)

	require.True(t, p.ProcessError(ctx, "job-1", ErrorSignal{Message: "x", Severity: "bogus"}))
	en = pub.last(t).ev.(*notification.ErrorNotification)
	assert.Equal(t, notification.SeverityError, en.Context.Severity)
	assert.Equal(t, notification.PriorityHigh, en.Metadata.Priority)
}

func TestTargetedSignalsUseClientChannels(t *testing.T) {
	p, pub := newProcessor()
	require.True(t, p.ProcessCompletion(context.Background(), "job-1", CompletionSignal{
		Routing: Routing{TargetClients: []string{"c1", "c2"}, CorrelationID: "req-7", TTLSeconds: 60},
		Status:  "completed",
	}))
	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.out, 2)
	assert.Equal(t, notification.ClientChannel(notification.KindCompletion, "c1"), pub.out[0].channel)
	assert.Equal(t, notification.ClientChannel(notification.KindCompletion, "c2"), pub.out[1].channel)
	m := pub.out[0].ev.Meta()
	assert.Equal(t, "req-7", m.CorrelationID)
	require.NotNil(t, m.ExpiresAt)
	assert.Equal(t, t0.Add(time.Minute), *m.ExpiresAt)
}

func TestBlankTargetsAreRejected(t *testing.T) {
	p, pub := newProcessor()
	assert.False(t, p.ProcessCompletion(context.Background(), "job-1", CompletionSignal{
		Routing: Routing{TargetClients: []string{" ", ""}},
		Status:  "completed",
	}))
	assert.Empty(t, pub.out)
	assert.Equal(t, uint64(1), p.Stats().Rejected)
	assert.Zero(t, p.Stats().Published)
}

func TestCompletionForgetsJob(t *testing.T) {
	p, _ := newProcessor()
	ctx := context.Background()
	p.ProcessStatusUpdate(ctx, "job-1", StatusSignal{Stage: "decode"})
	p.ProcessStatusUpdate(ctx, "job-2", StatusSignal{Stage: "decode"})
	assert.Equal(t, 2, p.Stats().TrackedJobs)

	p.ProcessCompletion(ctx, "job-1", CompletionSignal{Status: "completed", FramesProcessed: -1})
	assert.Equal(t, 1, p.Stats().TrackedJobs)
	assert.Equal(t, 1, p.PruneJobs(t0.Add(time.Second)))
	assert.Zero(t, p.Stats().TrackedJobs)
}

func TestPublishFailureFallsBackWithoutPanicking(t *testing.T) {
	fh := &failures{}
	local := &localFanout{}
	bus := eventbus.New()
	events, unsub := bus.SubscribePrefix("processor.", 4)
	defer unsub()

	p, pub := newProcessor(WithFailureHandler(fh), WithLocal(local), WithBus(bus))
	ch := notification.JobChannel(notification.KindStatusUpdate, "job-1")
	pub.fail[ch] = true

	var hooked []bool
	p.AddHandler(func(_ context.Context, _ notification.Event, ok bool) { hooked = append(hooked, ok) })
	p.AddHandler(func(context.Context, notification.Event, bool) { panic("observer bug") })

	assert.False(t, p.ProcessStatusUpdate(context.Background(), "job-1", StatusSignal{Progress: 10}))
	assert.Equal(t, []string{ch}, fh.channels)
	require.Len(t, local.events, 1)
	assert.Equal(t, notification.StatusFailed, local.events[0].Meta().DeliveryStatus)
	assert.Equal(t, []bool{false}, hooked)

	st := p.Stats()
	assert.Equal(t, uint64(1), st.PublishFailed)
	assert.Equal(t, uint64(1), st.LocalFallbacks)
	assert.Equal(t, uint64(1), st.HandlerPanics)

	select {
	case e := <-events:
		assert.Equal(t, "processor.publish_failed", e.Type)
	case <-time.After(time.Second):
		t.Fatal("no lifecycle event")
	}
}

func TestMissingJobIDIsRejected(t *testing.T) {
	p, pub := newProcessor()
	assert.False(t, p.ProcessStatusUpdate(context.Background(), "  ", StatusSignal{}))
	assert.False(t, p.ProcessResultUpdate(context.Background(), "", ResultSignal{}))
	assert.Empty(t, pub.out)
	assert.Equal(t, uint64(2), p.Stats().Rejected)
}
