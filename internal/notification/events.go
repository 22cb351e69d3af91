package notification

import (
	"encoding/json"
	"time"
)

// Event is the closed set of notifications. Only types in this package
// implement it.
type Event interface {
	Kind() Kind
	// JobID is empty for heartbeats.
	JobID() string
	Meta() *Metadata
	isEvent()
}

// StageProgressInfo describes progress within a single processing stage.
type StageProgressInfo struct {
	StageName            string             `json:"stage_name"`
	StageStatus          string             `json:"stage_status"`
	CompletionPercentage float64            `json:"completion_percentage"`
	StartedAt            *time.Time         `json:"started_at,omitempty"`
	EstimatedDuration    float64            `json:"estimated_duration_seconds,omitempty"`
	FramesProcessed      *int               `json:"frames_processed,omitempty"`
	TotalFrames          *int               `json:"total_frames,omitempty"`
	ProcessingRate       *float64           `json:"processing_rate_fps,omitempty"`
	ResourceUsage        map[string]float64 `json:"resource_usage,omitempty"`
}

// ErrorContext carries the details of a job failure.
type ErrorContext struct {
	ErrorType      string         `json:"error_type"`
	ErrorCode      string         `json:"error_code"`
	Severity       Severity       `json:"severity"`
	AffectedStage  string         `json:"affected_stage,omitempty"`
	RecoveryAction string         `json:"recovery_action,omitempty"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	Context        map[string]any `json:"context,omitempty"`
}

type StatusUpdate struct {
	AnalysisID   string             `json:"analysis_id"`
	Status       string             `json:"status"`
	Progress     float64            `json:"progress"`
	CurrentStage string             `json:"current_stage"`
	Message      string             `json:"message"`
	StageInfo    *StageProgressInfo `json:"stage_info,omitempty"`
	Extra        map[string]any     `json:"extra,omitempty"`
	Metadata     Metadata           `json:"metadata"`
}

type ResultUpdate struct {
	AnalysisID     string         `json:"analysis_id"`
	Status         string         `json:"status"`
	Confidence     float64        `json:"confidence_score"`
	IsPositive     bool           `json:"is_positive"`
	ProcessingTime float64        `json:"processing_time_seconds"`
	FramesAnalyzed int            `json:"frames_analyzed"`
	Summary        map[string]any `json:"result_summary,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
	Metadata       Metadata       `json:"metadata"`
}

type StageTransition struct {
	AnalysisID      string             `json:"analysis_id"`
	FromStage       string             `json:"from_stage,omitempty"`
	ToStage         string             `json:"to_stage"`
	OverallProgress float64            `json:"overall_progress"`
	StageInfo       *StageProgressInfo `json:"stage_info,omitempty"`
	Extra           map[string]any     `json:"extra,omitempty"`
	Metadata        Metadata           `json:"metadata"`
}

type ErrorNotification struct {
	AnalysisID string         `json:"analysis_id"`
	Message    string         `json:"error_message"`
	Context    ErrorContext   `json:"error_context"`
	Extra      map[string]any `json:"extra,omitempty"`
	Metadata   Metadata       `json:"metadata"`
}

type CompletionNotification struct {
	AnalysisID      string         `json:"analysis_id"`
	Status          string         `json:"status"`
	TotalTime       float64        `json:"total_processing_time_seconds"`
	FramesProcessed int            `json:"frames_processed"`
	TotalErrors     int            `json:"total_errors"`
	TotalRetries    int            `json:"total_retries"`
	Extra           map[string]any `json:"extra,omitempty"`
	Metadata        Metadata       `json:"metadata"`
}

type Heartbeat struct {
	ServerTime        time.Time `json:"server_time"`
	ActiveConnections int       `json:"active_connections"`
	Metadata          Metadata  `json:"metadata"`
}

func (*StatusUpdate) Kind() Kind           { return KindStatusUpdate }
func (*ResultUpdate) Kind() Kind           { return KindResultUpdate }
func (*StageTransition) Kind() Kind        { return KindStageTransition }
func (*ErrorNotification) Kind() Kind      { return KindError }
func (*CompletionNotification) Kind() Kind { return KindCompletion }
func (*Heartbeat) Kind() Kind              { return KindHeartbeat }

func (e *StatusUpdate) JobID() string           { return e.AnalysisID }
func (e *ResultUpdate) JobID() string           { return e.AnalysisID }
func (e *StageTransition) JobID() string        { return e.AnalysisID }
func (e *ErrorNotification) JobID() string      { return e.AnalysisID }
func (e *CompletionNotification) JobID() string { return e.AnalysisID }
func (*Heartbeat) JobID() string                { return "" }

func (e *StatusUpdate) Meta() *Metadata           { return &e.Metadata }
func (e *ResultUpdate) Meta() *Metadata           { return &e.Metadata }
func (e *StageTransition) Meta() *Metadata        { return &e.Metadata }
func (e *ErrorNotification) Meta() *Metadata      { return &e.Metadata }
func (e *CompletionNotification) Meta() *Metadata { return &e.Metadata }
func (e *Heartbeat) Meta() *Metadata              { return &e.Metadata }

func (*StatusUpdate) isEvent()           {}
func (*ResultUpdate) isEvent()           {}
func (*StageTransition) isEvent()        {}
func (*ErrorNotification) isEvent()      {}
func (*CompletionNotification) isEvent() {}
func (*Heartbeat) isEvent()              {}

// Each variant marshals with its event_type tag inlined.

func (e StatusUpdate) MarshalJSON() ([]byte, error) {
	type plain StatusUpdate
	return json.Marshal(struct {
		EventType Kind `json:"event_type"`
		plain
	}{KindStatusUpdate, plain(e)})
}

func (e ResultUpdate) MarshalJSON() ([]byte, error) {
	type plain ResultUpdate
	return json.Marshal(struct {
		EventType Kind `json:"event_type"`
		plain
	}{KindResultUpdate, plain(e)})
}

func (e StageTransition) MarshalJSON() ([]byte, error) {
	type plain StageTransition
	return json.Marshal(struct {
		EventType Kind `json:"event_type"`
		plain
	}{KindStageTransition, plain(e)})
}

func (e ErrorNotification) MarshalJSON() ([]byte, error) {
	type plain ErrorNotification
	return json.Marshal(struct {
		EventType Kind `json:"event_type"`
		plain
	}{KindError, plain(e)})
}

func (e CompletionNotification) MarshalJSON() ([]byte, error) {
	type plain CompletionNotification
	return json.Marshal(struct {
		EventType Kind `json:"event_type"`
		plain
	}{KindCompletion, plain(e)})
}

func (e Heartbeat) MarshalJSON() ([]byte, error) {
	type plain Heartbeat
	return json.Marshal(struct {
		EventType Kind `json:"event_type"`
		plain
	}{KindHeartbeat, plain(e)})
}
