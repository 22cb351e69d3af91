package ws

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/registry"
)

var (
	ErrClosed       = errors.New("ws: connection closed")
	ErrCloseTimeout = errors.New("ws: close handshake timed out")
)

// conn adapts a websocket connection to registry.Conn. Writes are
// serialized by the registry's per-client writer; websocket.Conn is safe for
// one concurrent reader and writer.
type conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	closeWait    time.Duration
	closed       atomic.Bool
}

// defaultCloseWait caps how long Close waits for the peer to echo the close frame.
const defaultCloseWait = time.Second

var (
	_ registry.Conn   = (*conn)(nil)
	_ registry.Pinger = (*conn)(nil)
)

func newConn(c *websocket.Conn, writeTimeout time.Duration) *conn {
	return &conn{ws: c, writeTimeout: writeTimeout, closeWait: defaultCloseWait}
}

func (c *conn) Send(ctx context.Context, payload []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	if err := c.ws.Write(ctx, websocket.MessageText, payload); err != nil {
		if websocket.CloseStatus(err) != -1 {
			c.closed.Store(true)
		}
		return err
	}
	return nil
}

// Close sends the close frame and waits at most closeWait for the peer's
// reply. After that the handshake finishes in the background under the
// library's own timeout.
func (c *conn) Close(code int, reason string) error {
	if c.closed.Swap(true) {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- c.ws.Close(websocket.StatusCode(code), reason) }()

	t := time.NewTimer(c.closeWait)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		return ErrCloseTimeout
	}
}

func (c *conn) Alive() bool { return !c.closed.Load() }

func (c *conn) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.ws.Ping(ctx)
}

func (c *conn) markClosed() { c.closed.Store(true) }
