package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a Redis pub/sub backend.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Addr is used when URL is empty.
	URL      string
	Addr     string
	Password string
	DB       int
	Buffer   int
}

// Redis is a backend over Redis PUBLISH/SUBSCRIBE.
type Redis struct {
	client redis.UniversalClient
	owned  bool
	out    chan Message

	mu       sync.Mutex
	pubsub   *redis.PubSub
	pumpStop chan struct{}
	pumpDone chan struct{}
	closed   bool
}

// DialRedis builds a client from cfg and wraps it.
func DialRedis(cfg RedisConfig) (*Redis, error) {
	var opts *redis.Options
	if u := strings.TrimSpace(cfg.URL); u != "" {
		parsed, err := redis.ParseURL(u)
		if err != nil {
			return nil, fmt.Errorf("broker: redis url: %w", err)
		}
		opts = parsed
	} else {
		addr := strings.TrimSpace(cfg.Addr)
		if addr == "" {
			addr = "127.0.0.1:6379"
		}
		opts = &redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB}
	}
	r := NewRedis(redis.NewClient(opts), cfg.Buffer)
	r.owned = true
	return r, nil
}

// NewRedis wraps an existing client. The caller keeps ownership of client.
func NewRedis(client redis.UniversalClient, buffer int) *Redis {
	if buffer <= 0 {
		buffer = 1024
	}
	r := &Redis{client: client, out: make(chan Message, buffer)}
	r.mu.Lock()
	r.attachLocked(client.Subscribe(context.Background()))
	r.mu.Unlock()
	return r
}

func (r *Redis) attachLocked(ps *redis.PubSub) {
	r.pubsub = ps
	r.pumpStop = make(chan struct{})
	r.pumpDone = make(chan struct{})
	go r.pump(ps.Channel(), r.pumpStop, r.pumpDone)
}

func (r *Redis) detachLocked() error {
	if r.pubsub == nil {
		return nil
	}
	close(r.pumpStop)
	err := r.pubsub.Close()
	<-r.pumpDone
	r.pubsub = nil
	return err
}

func (r *Redis) pump(in <-chan *redis.Message, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			select {
			case r.out <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
			case <-stop:
				return
			}
		}
	}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *Redis) current() (*redis.PubSub, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.pubsub == nil {
		return nil, ErrClosed
	}
	return r.pubsub, nil
}

func (r *Redis) Subscribe(ctx context.Context, channels ...string) error {
	ps, err := r.current()
	if err != nil {
		return err
	}
	return ps.Subscribe(ctx, channels...)
}

func (r *Redis) Unsubscribe(ctx context.Context, channels ...string) error {
	ps, err := r.current()
	if err != nil {
		return err
	}
	return ps.Unsubscribe(ctx, channels...)
}

func (r *Redis) Messages() <-chan Message { return r.out }

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Reconnect replaces the pub/sub connection with a fresh one holding
// channels. The message stream stays the same.
func (r *Redis) Reconnect(ctx context.Context, channels []string) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return err
	}
	ps := r.client.Subscribe(ctx)
	if len(channels) > 0 {
		if err := ps.Subscribe(ctx, channels...); err != nil {
			_ = ps.Close()
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		_ = ps.Close()
		return ErrClosed
	}
	_ = r.detachLocked()
	r.attachLocked(ps)
	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	err := r.detachLocked()
	r.mu.Unlock()
	if r.owned {
		err = errors.Join(err, r.client.Close())
	}
	return err
}
