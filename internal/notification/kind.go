package notification

import "fmt"

// Kind is the wire tag of a notification (`event_type`).
type Kind string

const (
	KindStatusUpdate    Kind = "status_update"
	KindResultUpdate    Kind = "result_update"
	KindStageTransition Kind = "stage_transition"
	KindError           Kind = "error_notification"
	KindCompletion      Kind = "completion_notification"
	KindHeartbeat       Kind = "heartbeat"
)

var allKinds = []Kind{
	KindStatusUpdate,
	KindResultUpdate,
	KindStageTransition,
	KindError,
	KindCompletion,
	KindHeartbeat,
}

// Kinds returns every known kind in declaration order.
func Kinds() []Kind {
	return append([]Kind(nil), allKinds...)
}

// JobKinds returns the kinds that carry a job id (all but heartbeat).
func JobKinds() []Kind {
	return append([]Kind(nil), allKinds[:len(allKinds)-1]...)
}

func (k Kind) Valid() bool {
	for _, known := range allKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseKind validates a kind received from a client or config.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
	StatusRetrying  DeliveryStatus = "retrying"
)

// Severity grades an ErrorContext.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}
