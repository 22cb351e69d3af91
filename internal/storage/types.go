package storage

import (
	"context"
	"errors"
	"time"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/delivery"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal plus periodic snapshot
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store persists dead letters across restarts. It satisfies delivery.Store.
type Store interface {
	SaveDeadLetter(ctx context.Context, dl delivery.DeadLetter) error
	DeleteDeadLetter(ctx context.Context, id string) error
	// ListDeadLetters returns up to limit entries, newest first. A limit
	// of zero or less returns everything.
	ListDeadLetters(ctx context.Context, limit int) ([]delivery.DeadLetter, error)
	PruneDeadLetters(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

var _ delivery.Store = Store(nil)
