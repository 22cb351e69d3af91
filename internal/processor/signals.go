package processor

import (
	"time"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/notification"
)

// Routing carries the optional addressing shared by every signal.
type Routing struct {
	TargetClients  []string              `json:"target_clients,omitempty"`
	BroadcastToAll bool                  `json:"broadcast_to_all,omitempty"`
	Priority       notification.Priority `json:"priority,omitempty"`
	CorrelationID  string                `json:"correlation_id,omitempty"`
	TTLSeconds     float64               `json:"ttl_seconds,omitempty"`
}

// StatusSignal reports job progress.
type StatusSignal struct {
	Routing
	Status   string         `json:"status"`
	Progress float64        `json:"progress"`
	Stage    string         `json:"current_stage"`
	Message  string         `json:"message"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// ResultSignal carries a finished analysis result.
type ResultSignal struct {
	Routing
	Status         string         `json:"status"`
	Confidence     float64        `json:"confidence_score"`
	IsPositive     bool           `json:"is_positive"`
	ProcessingTime float64        `json:"processing_time_seconds"`
	FramesAnalyzed int            `json:"frames_analyzed"`
	Summary        map[string]any `json:"result_summary,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

type StageSignal struct {
	Routing
	FromStage       string         `json:"from_stage,omitempty"`
	ToStage         string         `json:"to_stage"`
	OverallProgress float64        `json:"overall_progress"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// ErrorSignal describes a job failure. Error notifications always go to
// every authorized client.
type ErrorSignal struct {
	Routing
	Message        string                `json:"error_message"`
	ErrorType      string                `json:"error_type"`
	ErrorCode      string                `json:"error_code"`
	Severity       notification.Severity `json:"severity,omitempty"`
	AffectedStage  string                `json:"affected_stage,omitempty"`
	RecoveryAction string                `json:"recovery_action,omitempty"`
	RetryCount     int                   `json:"retry_count,omitempty"`
	MaxRetries     int                   `json:"max_retries,omitempty"`
	Extra          map[string]any        `json:"extra,omitempty"`
}

type CompletionSignal struct {
	Routing
	Status          string         `json:"status"`
	TotalTime       float64        `json:"total_processing_time_seconds"`
	FramesProcessed int            `json:"frames_processed"`
	TotalErrors     int            `json:"total_errors"`
	TotalRetries    int            `json:"total_retries"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// apply stamps routing onto freshly built metadata.
func (r Routing) apply(m *notification.Metadata, now time.Time) {
	if r.Priority.Valid() {
		m.Priority = r.Priority
	}
	if len(r.TargetClients) > 0 {
		m.TargetClients = append([]string(nil), r.TargetClients...)
	}
	if r.BroadcastToAll {
		m.BroadcastToAll = true
	}
	m.CorrelationID = r.CorrelationID
	if r.TTLSeconds > 0 {
		exp := now.Add(time.Duration(r.TTLSeconds * float64(time.Second)))
		m.ExpiresAt = &exp
	}
}
