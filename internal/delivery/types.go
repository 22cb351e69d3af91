package delivery

import (
	"encoding/json"
	"time"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/notification"
)

// NotificationError is one failed delivery, addressed either to a client or
// to a broker channel.
type NotificationError struct {
	ID             string            `json:"id"`
	Type           ErrorType         `json:"error_type"`
	Severity       Severity          `json:"severity"`
	Message        string            `json:"message"`
	NotificationID string            `json:"notification_id,omitempty"`
	Kind           notification.Kind `json:"event_type,omitempty"`
	JobID          string            `json:"analysis_id,omitempty"`
	ClientID       string            `json:"client_id,omitempty"`
	Channel        string            `json:"channel,omitempty"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	RetryCount     int               `json:"retry_count"`
	MaxRetries     int               `json:"max_retries"`
	OccurredAt     time.Time         `json:"occurred_at"`
	LastAttemptAt  time.Time         `json:"last_attempt_at,omitempty"`
	NotBefore      time.Time         `json:"not_before"`

	// Event is the decoded notification when it is at hand. It is not
	// persisted; Payload is authoritative.
	Event notification.Event `json:"-"`
}

// Eligible reports whether the error may be retried again.
func (e *NotificationError) Eligible() bool {
	return e.RetryCount < e.MaxRetries && e.Severity != SeverityCritical
}

// Target names the recipient for logs.
func (e *NotificationError) Target() string {
	if e.Channel != "" {
		return "channel:" + e.Channel
	}
	return "client:" + e.ClientID
}

// DeadLetter is a failure that will not be retried. It keeps the full
// payload for replay.
type DeadLetter struct {
	NotificationError
	Reason         string    `json:"reason"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

type Stats struct {
	Delivered      uint64               `json:"delivered"`
	Failed         uint64               `json:"failed"`
	RetryAttempts  uint64               `json:"retry_attempts"`
	RetrySucceeded uint64               `json:"retry_succeeded"`
	DeadLettered   uint64               `json:"dead_lettered"`
	Evicted        uint64               `json:"dead_letters_evicted"`
	Replayed       uint64               `json:"replayed"`
	Expired        uint64               `json:"expired"`
	FallbacksRun   uint64               `json:"fallbacks_run"`
	PersistDropped uint64               `json:"persist_dropped"`
	FailuresByType map[ErrorType]uint64 `json:"failures_by_type"`
	PendingRetries int                  `json:"pending_retries"`
	DeadLetters    int                  `json:"dead_letters"`
}
