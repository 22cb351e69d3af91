// Package ws serves the client-facing WebSocket endpoint: it authenticates
// the connection, registers it and turns inbound control messages into
// registry calls.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/authz"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/notification"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/registry"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/pkg/logx"
)

// Close codes used by the endpoint.
const (
	CloseAuthFailed = 4001
	CloseCapacity   = int(websocket.StatusTryAgainLater)
)

// Authenticator establishes client identity.
type Authenticator interface {
	Authenticate(ctx context.Context, clientID, token string, info authz.ClientInfo) (*authz.ClientContext, error)
	Deauthenticate(clientID string) bool
}

// Registry is the connection registry as seen by the endpoint.
type Registry interface {
	Register(ctx context.Context, conn registry.Conn, clientID, userID string, perm *authz.Permission) error
	Disconnect(ctx context.Context, clientID string) bool
	Subscribe(ctx context.Context, clientID, jobID string, kinds []notification.Kind) bool
	Unsubscribe(ctx context.Context, clientID, jobID string) bool
	SendControl(clientID string, msg notification.ControlMessage) bool
	ClientStats(clientID string) (registry.ClientStats, bool)
	Touch(clientID string)
}

type Config struct {
	ReadLimit    int64
	WriteTimeout time.Duration

	// OriginPatterns lists extra allowed Origin hosts; same-origin is
	// always allowed.
	OriginPatterns []string

	// MessageRate caps inbound control messages per connection per second.
	MessageRate  float64
	MessageBurst int
}

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MessageRate <= 0 {
		c.MessageRate = 20
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = 40
	}
	return c
}

type Handler struct {
	cfg  Config
	auth Authenticator
	reg  Registry
	log  logx.Logger
	now  func() time.Time
}

type Option func(*Handler)

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func NewHandler(cfg Config, auth Authenticator, reg Registry, log logx.Logger, opts ...Option) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handler{cfg: cfg.withDefaults(), auth: auth, reg: reg, log: log, now: time.Now}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := Token(r)

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.cfg.OriginPatterns})
	if err != nil {
		h.log.Debug("websocket accept failed", logx.Err(err))
		return
	}
	c.SetReadLimit(h.cfg.ReadLimit)
	ctx := r.Context()

	clientID := uuid.NewString()
	cc, err := h.auth.Authenticate(ctx, clientID, token, authz.ClientInfo{IP: remoteIP(r), UserAgent: r.UserAgent()})
	if err != nil {
		h.log.Info("connection refused", logx.String("client_id", clientID), logx.String("ip", remoteIP(r)), logx.Err(err))
		_ = c.Close(websocket.StatusCode(CloseAuthFailed), "authentication failed")
		return
	}

	wc := newConn(c, h.cfg.WriteTimeout)
	if err := h.reg.Register(ctx, wc, clientID, cc.UserID, nil); err != nil {
		h.auth.Deauthenticate(clientID)
		code, reason := int(websocket.StatusInternalError), "registration failed"
		if errors.Is(err, registry.ErrCapacity) || errors.Is(err, registry.ErrUserCapacity) {
			code, reason = CloseCapacity, "server at capacity"
		}
		if errors.Is(err, registry.ErrShuttingDown) {
			code, reason = int(websocket.StatusGoingAway), "server shutting down"
		}
		h.log.Info("connection rejected", logx.String("client_id", clientID), logx.String("user_id", cc.UserID), logx.Err(err))
		_ = wc.Close(code, reason)
		return
	}
	defer func() {
		h.reg.Disconnect(context.Background(), clientID)
		_ = wc.Close(int(websocket.StatusNormalClosure), "")
		_ = wc.ws.CloseNow()
	}()

	var perms any
	if cc.Permission != nil {
		perms = cc.Permission.Snapshot()
	}
	h.reg.SendControl(clientID, notification.Established(clientID, cc.UserID, perms, h.now()))

	h.readLoop(ctx, wc, clientID)
}

func (h *Handler) readLoop(ctx context.Context, wc *conn, clientID string) {
	limiter := rate.NewLimiter(rate.Limit(h.cfg.MessageRate), h.cfg.MessageBurst)
	for {
		typ, data, err := wc.ws.Read(ctx)
		if err != nil {
			wc.markClosed()
			if st := websocket.CloseStatus(err); st == -1 && ctx.Err() == nil {
				h.log.Debug("websocket read failed", logx.String("client_id", clientID), logx.Err(err))
			}
			return
		}
		h.reg.Touch(clientID)
		if !limiter.Allow() {
			h.reg.SendControl(clientID, notification.ErrorMessage(notification.CodeInvalidMessage, "too many messages", h.now()))
			continue
		}
		if typ != websocket.MessageText {
			h.reg.SendControl(clientID, notification.ErrorMessage(notification.CodeInvalidMessage, "text frames only", h.now()))
			continue
		}
		h.handle(ctx, clientID, data)
	}
}

func (h *Handler) handle(ctx context.Context, clientID string, data []byte) {
	now := h.now()
	msg, err := notification.ParseClientMessage(data)
	if err != nil {
		code := notification.CodeInvalidMessage
		if msg.Type != "" {
			code = notification.CodeUnknownMessageType
		}
		h.reg.SendControl(clientID, notification.ErrorMessage(code, err.Error(), now))
		return
	}

	switch msg.Type {
	case notification.MsgPing:
		h.reg.SendControl(clientID, notification.Pong(now))
	case notification.MsgPong:
	case notification.MsgSubscribe:
		if !h.reg.Subscribe(ctx, clientID, msg.AnalysisID, msg.EventTypes) {
			h.reg.SendControl(clientID, notification.ErrorMessage(notification.CodeUnauthorized,
				"not authorized to subscribe to analysis "+msg.AnalysisID, now))
			return
		}
		kinds := msg.EventTypes
		if len(kinds) == 0 {
			kinds = notification.JobKinds()
		}
		h.reg.SendControl(clientID, notification.SubscriptionConfirmed(msg.AnalysisID, kinds, now))
	case notification.MsgUnsubscribe:
		if !h.reg.Unsubscribe(ctx, clientID, msg.AnalysisID) {
			h.reg.SendControl(clientID, notification.ErrorMessage(notification.CodeSubscriptionFailed,
				"not subscribed to analysis "+msg.AnalysisID, now))
			return
		}
		h.reg.SendControl(clientID, notification.UnsubscriptionConfirmed(msg.AnalysisID, now))
	case notification.MsgGetStats:
		st, ok := h.reg.ClientStats(clientID)
		if !ok {
			return
		}
		h.reg.SendControl(clientID, notification.StatsMessage(st, now))
	}
}

// Token extracts the bearer token from the Authorization header, falling
// back to the token query parameter for browser clients.
func Token(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
