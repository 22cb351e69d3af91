package processor

import (
	"sync"
	"time"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/notification"
)

type jobTrack struct {
	stage        string
	stageStarted time.Time
	progress     float64
	lastSeen     time.Time
}

// tracker remembers the current stage of running jobs so that status and
// error events can carry stage timing.
type tracker struct {
	mu   sync.Mutex
	jobs map[string]*jobTrack
}

func newTracker() *tracker {
	return &tracker{jobs: map[string]*jobTrack{}}
}

// observe records a status update and returns the job's state after it. A
// new stage name restarts the stage clock.
func (t *tracker) observe(jobID, stage string, progress float64, now time.Time) jobTrack {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr := t.jobs[jobID]
	if tr == nil {
		tr = &jobTrack{stageStarted: now}
		t.jobs[jobID] = tr
	}
	if stage != "" && stage != tr.stage {
		tr.stage = stage
		tr.stageStarted = now
	}
	tr.progress = progress
	tr.lastSeen = now
	return *tr
}

// transition moves the job to stage and returns the previous one.
func (t *tracker) transition(jobID, stage string, progress float64, now time.Time) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr := t.jobs[jobID]
	if tr == nil {
		tr = &jobTrack{}
		t.jobs[jobID] = tr
	}
	prev := tr.stage
	tr.stage = stage
	tr.stageStarted = now
	tr.progress = progress
	tr.lastSeen = now
	return prev
}

func (t *tracker) stage(jobID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr := t.jobs[jobID]; tr != nil {
		return tr.stage
	}
	return ""
}

func (t *tracker) forget(jobID string) {
	t.mu.Lock()
	delete(t.jobs, jobID)
	t.mu.Unlock()
}

func (t *tracker) prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, tr := range t.jobs {
		if tr.lastSeen.Before(cutoff) {
			delete(t.jobs, id)
			n++
		}
	}
	return n
}

func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// stageInfo builds progress info for stage, reading optional frame counters
// and resource usage from extra.
func stageInfo(stage, status string, pct float64, started time.Time, extra map[string]any) *notification.StageProgressInfo {
	info := &notification.StageProgressInfo{
		StageName:            stage,
		StageStatus:          status,
		CompletionPercentage: pct,
	}
	if !started.IsZero() {
		s := started.UTC()
		info.StartedAt = &s
	}
	if v, ok := number(extra["estimated_duration_seconds"]); ok {
		info.EstimatedDuration = v
	}
	if v, ok := number(extra["frames_processed"]); ok {
		n := int(v)
		info.FramesProcessed = &n
	}
	if v, ok := number(extra["total_frames"]); ok {
		n := int(v)
		info.TotalFrames = &n
	}
	if v, ok := number(extra["processing_rate_fps"]); ok {
		info.ProcessingRate = &v
	}
	if ru, ok := extra["resource_usage"].(map[string]any); ok {
		info.ResourceUsage = map[string]float64{}
		for k, raw := range ru {
			if v, ok := number(raw); ok {
				info.ResourceUsage[k] = v
			}
		}
	}
	return info
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return finite(n), true
	case float32:
		return finite(float64(n)), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
