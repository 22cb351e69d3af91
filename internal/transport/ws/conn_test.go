package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// acceptOne returns the server side of a single websocket connection whose
// peer never reads.
func acceptOne(t *testing.T, closeWait time.Duration) *conn {
	t.Helper()
	accepted := make(chan *conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wc, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c := newConn(wc, time.Second)
		c.closeWait = closeWait
		accepted <- c
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	peer, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.CloseNow() })

	select {
	case c := <-accepted:
		return c
	case <-ctx.Done():
		t.Fatal("server never accepted")
		return nil
	}
}

func TestCloseDoesNotWaitOnSilentPeer(t *testing.T) {
	c := acceptOne(t, 100*time.Millisecond)

	start := time.Now()
	assert.ErrorIs(t, c.Close(4000, "heartbeat timeout"), ErrCloseTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, c.Alive())
	assert.ErrorIs(t, c.Send(context.Background(), []byte("{}")), ErrClosed)
}

func TestCloseIsIdempotent(t *testing.T) {
	c := acceptOne(t, 50*time.Millisecond)
	_ = c.Close(1000, "bye")
	assert.NoError(t, c.Close(1000, "again"))
}
