package broker

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("broker: backend closed")

// Message is one payload received on a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Backend is a concrete pub/sub transport.
//
// Messages must return the same channel for the lifetime of the backend,
// including across Reconnect.
type Backend interface {
	Name() string
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	Messages() <-chan Message
	Ping(ctx context.Context) error
	// Reconnect re-establishes the connection and subscribes channels.
	Reconnect(ctx context.Context, channels []string) error
	Close() error
}
