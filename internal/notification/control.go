package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Inbound client message types.
const (
	MsgPing        = "ping"
	MsgPong        = "pong"
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgGetStats    = "get_stats"
)

// Outbound control message types.
const (
	MsgConnectionEstablished   = "connection_established"
	MsgSubscriptionConfirmed   = "subscription_confirmed"
	MsgUnsubscriptionConfirmed = "unsubscription_confirmed"
	MsgStats                   = "stats"
	MsgError                   = "error"
	MsgDisconnecting           = "disconnecting"
)

// Error codes sent in `error` control messages.
const (
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeSubscriptionFailed = "SUBSCRIPTION_FAILED"
)

var ErrInvalidMessage = errors.New("notification: invalid client message")

// ClientMessage is a control message received from a connected client.
type ClientMessage struct {
	Type       string `json:"type"`
	AnalysisID string `json:"analysis_id,omitempty"`
	EventTypes []Kind `json:"event_types,omitempty"`
}

// ParseClientMessage decodes and validates an inbound control message.
func ParseClientMessage(b []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	msg.Type = strings.TrimSpace(msg.Type)
	msg.AnalysisID = strings.TrimSpace(msg.AnalysisID)
	switch msg.Type {
	case MsgPing, MsgPong, MsgGetStats:
	case MsgSubscribe, MsgUnsubscribe:
		if msg.AnalysisID == "" {
			return ClientMessage{}, fmt.Errorf("%w: %s requires analysis_id", ErrInvalidMessage, msg.Type)
		}
		for _, k := range msg.EventTypes {
			if !k.Valid() {
				return ClientMessage{}, fmt.Errorf("%w: unknown event type %q", ErrInvalidMessage, string(k))
			}
		}
	case "":
		return ClientMessage{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	default:
		return msg, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
	}
	return msg, nil
}

// ControlMessage is a connection lifecycle message sent to a client.
type ControlMessage struct {
	Type         string    `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	ClientID     string    `json:"client_id,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	AnalysisID   string    `json:"analysis_id,omitempty"`
	EventTypes   []Kind    `json:"event_types,omitempty"`
	Success      *bool     `json:"success,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Permissions  any       `json:"permissions,omitempty"`
	Stats        any       `json:"stats,omitempty"`
}

func (m ControlMessage) Encode() []byte {
	b, err := json.Marshal(m)
	if err != nil {
		// Only Permissions/Stats can fail; drop them rather than the message.
		m.Permissions, m.Stats = nil, nil
		b, _ = json.Marshal(m)
	}
	return b
}

func Established(clientID, userID string, permissions any, now time.Time) ControlMessage {
	return ControlMessage{Type: MsgConnectionEstablished, Timestamp: now.UTC(), ClientID: clientID, UserID: userID, Permissions: permissions}
}

func SubscriptionConfirmed(jobID string, kinds []Kind, now time.Time) ControlMessage {
	ok := true
	return ControlMessage{Type: MsgSubscriptionConfirmed, Timestamp: now.UTC(), AnalysisID: jobID, EventTypes: kinds, Success: &ok}
}

func UnsubscriptionConfirmed(jobID string, now time.Time) ControlMessage {
	ok := true
	return ControlMessage{Type: MsgUnsubscriptionConfirmed, Timestamp: now.UTC(), AnalysisID: jobID, Success: &ok}
}

func Pong(now time.Time) ControlMessage {
	return ControlMessage{Type: MsgPong, Timestamp: now.UTC()}
}

func StatsMessage(stats any, now time.Time) ControlMessage {
	return ControlMessage{Type: MsgStats, Timestamp: now.UTC(), Stats: stats}
}

func Disconnecting(reason string, now time.Time) ControlMessage {
	return ControlMessage{Type: MsgDisconnecting, Timestamp: now.UTC(), Reason: reason}
}

func ErrorMessage(code, message string, now time.Time) ControlMessage {
	return ControlMessage{Type: MsgError, Timestamp: now.UTC(), ErrorCode: code, ErrorMessage: message}
}
