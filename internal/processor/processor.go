package processor

import (
	"context"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/eventbus"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/notification"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/pkg/logx"
)

// Publisher sends a serialized event to a broker channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) bool
}

// FailureHandler takes over channels whose publish failed.
type FailureHandler interface {
	HandlePublishFailure(ctx context.Context, channel string, ev notification.Event, payload []byte)
}

// Local delivers straight to clients connected to this process. It is the
// fallback when the broker is unreachable.
type Local interface {
	Fanout(ctx context.Context, ev notification.Event) int
}

// Handler runs after every publish attempt, successful or not.
type Handler func(ctx context.Context, ev notification.Event, published bool)

type Config struct {
	Source         string
	PublishTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Source) == "" {
		c.Source = "event_processor"
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 3 * time.Second
	}
	return c
}

type Stats struct {
	Processed      uint64 `json:"processed"`
	Published      uint64 `json:"published"`
	PublishFailed  uint64 `json:"publish_failed"`
	Rejected       uint64 `json:"rejected"`
	LocalFallbacks uint64 `json:"local_fallbacks"`
	HandlerPanics  uint64 `json:"handler_panics"`
	TrackedJobs    int    `json:"tracked_jobs"`
}

// Processor is the only place notifications are built from raw lifecycle
// signals.
type Processor struct {
	cfg     Config
	pub     Publisher
	failure FailureHandler
	local   Local
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	hmu      sync.RWMutex
	handlers []Handler

	jobs *tracker

	processed      atomic.Uint64
	published      atomic.Uint64
	publishFailed  atomic.Uint64
	rejected       atomic.Uint64
	localFallbacks atomic.Uint64
	handlerPanics  atomic.Uint64
}

type Option func(*Processor)

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

func WithBus(bus eventbus.Bus) Option {
	return func(p *Processor) { p.bus = bus }
}

func WithFailureHandler(h FailureHandler) Option {
	return func(p *Processor) { p.failure = h }
}

func WithLocal(l Local) Option {
	return func(p *Processor) { p.local = l }
}

func New(cfg Config, pub Publisher, log logx.Logger, opts ...Option) *Processor {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Processor{
		cfg: cfg.withDefaults(),
		pub: pub,
		log: log,
		now: time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	p.jobs = newTracker()
	return p
}

// AddHandler registers a post-publish hook.
func (p *Processor) AddHandler(h Handler) {
	if h == nil {
		return
	}
	p.hmu.Lock()
	p.handlers = append(p.handlers, h)
	p.hmu.Unlock()
}

func (p *Processor) meta(r Routing, def notification.Priority, now time.Time) notification.Metadata {
	m := notification.NewMetadata(p.cfg.Source, def, now)
	r.apply(&m, now)
	return m
}

func (p *Processor) ProcessStatusUpdate(ctx context.Context, jobID string, s StatusSignal) bool {
	jobID, ok := p.accept(jobID)
	if !ok {
		return false
	}
	now := p.now()
	progress := clamp(s.Progress, 0, 100)
	tr := p.jobs.observe(jobID, s.Stage, progress, now)

	ev := &notification.StatusUpdate{
		AnalysisID:   jobID,
		Status:       s.Status,
		Progress:     progress,
		CurrentStage: s.Stage,
		Message:      s.Message,
		Extra:        s.Extra,
		Metadata:     p.meta(s.Routing, notification.PriorityNormal, now),
	}
	if s.Stage != "" {
		ev.StageInfo = stageInfo(s.Stage, "in_progress", progress, tr.stageStarted, s.Extra)
	}
	return p.Publish(ctx, ev)
}

func (p *Processor) ProcessResultUpdate(ctx context.Context, jobID string, s ResultSignal) bool {
	jobID, ok := p.accept(jobID)
	if !ok {
		return false
	}
	now := p.now()
	frames := s.FramesAnalyzed
	if frames < 0 {
		frames = 0
	}
	ev := &notification.ResultUpdate{
		AnalysisID:     jobID,
		Status:         s.Status,
		Confidence:     clamp(s.Confidence, 0, 1),
		IsPositive:     s.IsPositive,
		ProcessingTime: math.Max(0, finite(s.ProcessingTime)),
		FramesAnalyzed: frames,
		Summary:        s.Summary,
		Extra:          s.Extra,
		Metadata:       p.meta(s.Routing, notification.PriorityHigh, now),
	}
	return p.Publish(ctx, ev)
}

func (p *Processor) ProcessStageTransition(ctx context.Context, jobID string, s StageSignal) bool {
	jobID, ok := p.accept(jobID)
	if !ok {
		return false
	}
	if strings.TrimSpace(s.ToStage) == "" {
		p.reject(jobID, "missing to_stage")
		return false
	}
	now := p.now()
	progress := clamp(s.OverallProgress, 0, 100)
	from := s.FromStage
	prev := p.jobs.transition(jobID, s.ToStage, progress, now)
	if from == "" {
		from = prev
	}
	ev := &notification.StageTransition{
		AnalysisID:      jobID,
		FromStage:       from,
		ToStage:         s.ToStage,
		OverallProgress: progress,
		StageInfo:       stageInfo(s.ToStage, "started", 0, now, s.Extra),
		Extra:           s.Extra,
		Metadata:        p.meta(s.Routing, notification.PriorityNormal, now),
	}
	return p.Publish(ctx, ev)
}

func (p *Processor) ProcessError(ctx context.Context, jobID string, s ErrorSignal) bool {
	jobID, ok := p.accept(jobID)
	if !ok {
		return false
	}
	now := p.now()
	sev := s.Severity
	if !sev.Valid() {
		sev = notification.SeverityError
	}
	stage := s.AffectedStage
	if stage == "" {
		stage = p.jobs.stage(jobID)
	}
	meta := p.meta(s.Routing, notification.PriorityHigh, now)
	if !meta.Targeted() {
		meta.BroadcastToAll = true
	}
	ev := &notification.ErrorNotification{
		AnalysisID: jobID,
		Message:    s.Message,
		Context: notification.ErrorContext{
			ErrorType:      s.ErrorType,
			ErrorCode:      s.ErrorCode,
			Severity:       sev,
			AffectedStage:  stage,
			RecoveryAction: s.RecoveryAction,
			RetryCount:     s.RetryCount,
			MaxRetries:     s.MaxRetries,
			Context:        s.Extra,
		},
		Extra:    s.Extra,
		Metadata: meta,
	}
	if sev == notification.SeverityCritical && !s.Priority.Valid() {
		ev.Metadata.Priority = notification.PriorityCritical
	}
	return p.Publish(ctx, ev)
}

// ProcessCompletion publishes the final event of a job and forgets its
// tracked progress.
func (p *Processor) ProcessCompletion(ctx context.Context, jobID string, s CompletionSignal) bool {
	jobID, ok := p.accept(jobID)
	if !ok {
		return false
	}
	now := p.now()
	ev := &notification.CompletionNotification{
		AnalysisID:      jobID,
		Status:          s.Status,
		TotalTime:       math.Max(0, finite(s.TotalTime)),
		FramesProcessed: nonNegative(s.FramesProcessed),
		TotalErrors:     nonNegative(s.TotalErrors),
		TotalRetries:    nonNegative(s.TotalRetries),
		Extra:           s.Extra,
		Metadata:        p.meta(s.Routing, notification.PriorityHigh, now),
	}
	ok = p.Publish(ctx, ev)
	p.jobs.forget(jobID)
	return ok
}

// Publish sends ev to every channel it routes to. A channel that fails is
// handed to the failure handler, and local clients are served directly so
// they do not wait for the broker to recover. It never panics on handler
// errors and reports false on any failure.
func (p *Processor) Publish(ctx context.Context, ev notification.Event) bool {
	if ev == nil {
		return false
	}
	if err := ev.Meta().Validate(); err != nil {
		p.rejected.Add(1)
		p.log.Warn("notification rejected", logx.String("event_type", string(ev.Kind())), logx.Err(err))
		return false
	}
	ev.Meta().DeliveryStatus = notification.StatusDelivered
	payload, err := notification.Encode(ev)
	if err != nil {
		ev.Meta().DeliveryStatus = notification.StatusFailed
		p.rejected.Add(1)
		p.log.Error("notification not serializable", logx.String("event_type", string(ev.Kind())), logx.Err(err))
		return false
	}
	p.processed.Add(1)

	ok := true
	for _, ch := range notification.ChannelsFor(ev) {
		pctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
		sent := p.pub.Publish(pctx, ch, payload)
		cancel()
		if sent {
			continue
		}
		ok = false
		p.log.Warn("publish failed", logx.String("channel", ch), logx.String("notification_id", ev.Meta().NotificationID))
		if p.failure != nil {
			p.failure.HandlePublishFailure(ctx, ch, ev, payload)
		}
	}

	if ok {
		p.published.Add(1)
	} else {
		p.publishFailed.Add(1)
		ev.Meta().DeliveryStatus = notification.StatusFailed
		if p.local != nil {
			p.localFallbacks.Add(1)
			n := p.local.Fanout(ctx, ev)
			p.log.Debug("local fallback delivery", logx.String("notification_id", ev.Meta().NotificationID), logx.Int("clients", n))
		}
	}

	p.runHandlers(ctx, ev, ok)
	if p.bus != nil {
		typ := "processor.published"
		if !ok {
			typ = "processor.publish_failed"
		}
		p.bus.Publish(eventbus.Event{Type: typ, Data: map[string]string{
			"event_type":      string(ev.Kind()),
			"analysis_id":     ev.JobID(),
			"notification_id": ev.Meta().NotificationID,
		}})
	}
	return ok
}

func (p *Processor) runHandlers(ctx context.Context, ev notification.Event, ok bool) {
	p.hmu.RLock()
	hs := append([]Handler(nil), p.handlers...)
	p.hmu.RUnlock()
	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.handlerPanics.Add(1)
					p.log.Error("post-publish handler panicked", logx.Any("panic", r))
				}
			}()
			h(ctx, ev, ok)
		}()
	}
}

func (p *Processor) accept(jobID string) (string, bool) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		p.reject("", "missing analysis_id")
		return "", false
	}
	return jobID, true
}

func (p *Processor) reject(jobID, reason string) {
	p.rejected.Add(1)
	p.log.Warn("lifecycle signal rejected", logx.String("analysis_id", jobID), logx.String("reason", reason))
}

// PruneJobs forgets progress of jobs not heard from since cutoff.
func (p *Processor) PruneJobs(cutoff time.Time) int { return p.jobs.prune(cutoff) }

func (p *Processor) Stats() Stats {
	return Stats{
		Processed:      p.processed.Load(),
		Published:      p.published.Load(),
		PublishFailed:  p.publishFailed.Load(),
		Rejected:       p.rejected.Load(),
		LocalFallbacks: p.localFallbacks.Load(),
		HandlerPanics:  p.handlerPanics.Load(),
		TrackedJobs:    p.jobs.len(),
	}
}

func clamp(v, lo, hi float64) float64 {
	v = finite(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
