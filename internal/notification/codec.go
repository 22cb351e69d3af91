package notification

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownKind  = errors.New("notification: unknown event kind")
	ErrMissingKind  = errors.New("notification: missing event_type")
	ErrMissingJobID = errors.New("notification: missing analysis_id")
)

// New returns an empty event of the given kind.
func New(k Kind) (Event, error) {
	switch k {
	case KindStatusUpdate:
		return &StatusUpdate{}, nil
	case KindResultUpdate:
		return &ResultUpdate{}, nil
	case KindStageTransition:
		return &StageTransition{}, nil
	case KindError:
		return &ErrorNotification{}, nil
	case KindCompletion:
		return &CompletionNotification{}, nil
	case KindHeartbeat:
		return &Heartbeat{}, nil
	case "":
		return nil, ErrMissingKind
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(k))
	}
}

// Encode serializes an event with its event_type tag.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("notification: nil event")
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("notification: encode %s: %w", ev.Kind(), err)
	}
	return b, nil
}

// Decode parses a serialized event. Unknown or missing tags are errors, and
// every kind except heartbeat must name a job.
func Decode(b []byte) (Event, error) {
	var head struct {
		EventType Kind `json:"event_type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, fmt.Errorf("notification: decode: %w", err)
	}
	ev, err := New(head.EventType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, ev); err != nil {
		return nil, fmt.Errorf("notification: decode %s: %w", head.EventType, err)
	}
	if ev.Kind() != KindHeartbeat && ev.JobID() == "" {
		return nil, ErrMissingJobID
	}
	return ev, nil
}

// Clone returns a deep copy of ev through its wire form.
func Clone(ev Event) (Event, error) {
	b, err := Encode(ev)
	if err != nil {
		return nil, err
	}
	return Decode(b)
}
