package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/broker"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/delivery"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/notification"
)

// Conn is the transport side of a client connection.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
	Close(code int, reason string) error
	Alive() bool
}

// Pinger is implemented by connections that support a transport-level
// liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type outItem struct {
	ev     notification.Event
	raw    []byte
	result chan bool
}

// client is one live connection. Items in out are written in order by a
// single writer goroutine.
type client struct {
	id          string
	userID      string
	conn        Conn
	connectedAt time.Time

	mu     sync.RWMutex
	closed bool
	out    chan outItem
	gone   atomic.Bool

	// Guarded by Registry.mu.
	subs    map[string]map[notification.Kind]struct{}
	handles []broker.SubscriptionID

	lastActivity atomic.Int64
	sent         atomic.Uint64
	failed       atomic.Uint64
	denied       atomic.Uint64
	dropped      atomic.Uint64
}

var _ delivery.Recipient = (*client)(nil)

func newClient(id, userID string, conn Conn, outbox int, now time.Time) *client {
	c := &client{
		id:          id,
		userID:      userID,
		conn:        conn,
		connectedAt: now,
		out:         make(chan outItem, outbox),
		subs:        map[string]map[notification.Kind]struct{}{},
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

func (c *client) ClientID() string { return c.id }

func (c *client) Send(ctx context.Context, payload []byte) error {
	if c.gone.Load() {
		return delivery.ErrRecipientGone
	}
	return c.conn.Send(ctx, payload)
}

// enqueue never blocks: a full outbox is backpressure.
func (c *client) enqueue(it outItem) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return delivery.ErrRecipientGone
	}
	select {
	case c.out <- it:
		return nil
	default:
		return delivery.ErrBackpressure
	}
}

// shutdown stops accepting items. The writer drains what is left and
// reports it as failed.
func (c *client) shutdown() {
	c.gone.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
}

func (c *client) touch(now time.Time) { c.lastActivity.Store(now.UnixNano()) }

func (c *client) activity() time.Time { return time.Unix(0, c.lastActivity.Load()) }

func (c *client) wants(k notification.Kind, jobID string) bool {
	kinds, ok := c.subs[jobID]
	if !ok {
		return false
	}
	if len(kinds) == 0 {
		return true
	}
	_, ok = kinds[k]
	return ok
}

func reply(ch chan bool, ok bool) {
	if ch != nil {
		ch <- ok
	}
}
