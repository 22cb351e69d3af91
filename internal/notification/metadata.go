package notification

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Metadata is the envelope carried by every notification.
//
// A non-empty TargetClients list wins over BroadcastToAll.
type Metadata struct {
	NotificationID string         `json:"notification_id"`
	Source         string         `json:"source"`
	Timestamp      time.Time      `json:"timestamp"`
	Priority       Priority       `json:"priority"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	RetryCount     int            `json:"retry_count"`
	TargetClients  []string       `json:"target_clients,omitempty"`
	BroadcastToAll bool           `json:"broadcast_to_all"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
}

// NewMetadata fills the required fields: a fresh id, the source, the
// timestamp and the priority.
func NewMetadata(source string, priority Priority, now time.Time) Metadata {
	if !priority.Valid() {
		priority = PriorityNormal
	}
	return Metadata{
		NotificationID: uuid.NewString(),
		Source:         source,
		Timestamp:      now.UTC(),
		Priority:       priority,
		DeliveryStatus: StatusPending,
	}
}

func (m Metadata) Targeted() bool { return len(m.TargetClients) > 0 }

// IsBroadcast reports whether the event goes to every authorized client.
func (m Metadata) IsBroadcast() bool { return !m.Targeted() && m.BroadcastToAll }

func (m Metadata) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

// Validate checks the fields every published notification must carry.
func (m Metadata) Validate() error {
	var errs []error
	if strings.TrimSpace(m.NotificationID) == "" {
		errs = append(errs, errors.New("metadata.notification_id is required"))
	}
	if strings.TrimSpace(m.Source) == "" {
		errs = append(errs, errors.New("metadata.source is required"))
	}
	if m.Timestamp.IsZero() {
		errs = append(errs, errors.New("metadata.timestamp is required"))
	}
	if !m.Priority.Valid() {
		errs = append(errs, errors.New("metadata.priority is invalid"))
	}
	if m.RetryCount < 0 {
		errs = append(errs, errors.New("metadata.retry_count must be >= 0"))
	}
	for i, id := range m.TargetClients {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, fmt.Errorf("metadata.target_clients[%d] is blank", i))
		}
	}
	return errors.Join(errs...)
}
