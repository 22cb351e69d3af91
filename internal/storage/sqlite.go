package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/delivery"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveDeadLetter(ctx context.Context, dl delivery.DeadLetter) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(dl.ID) == "" {
		return errors.New("dead letter id is required")
	}
	body, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	// Re-saving an id moves it to the end of the insertion order.
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO dead_letters(id, dead_lettered_at, error_type, client_id, channel, analysis_id, reason, body)
		 VALUES(?,?,?,?,?,?,?,?)`,
		dl.ID, dl.DeadLetteredAt.UnixNano(), string(dl.Type),
		nullStr(dl.ClientID), nullStr(dl.Channel), nullStr(dl.JobID), nullStr(dl.Reason), string(body),
	)
	return err
}

func (s *sqliteStore) DeleteDeadLetter(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) ListDeadLetters(ctx context.Context, limit int) ([]delivery.DeadLetter, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM dead_letters ORDER BY dead_lettered_at DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []delivery.DeadLetter
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var dl delivery.DeadLetter
		if err := json.Unmarshal([]byte(body), &dl); err != nil {
			s.log.Warn("skipping unreadable dead letter", logx.Err(err))
			continue
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneDeadLetters(ctx context.Context, cutoff time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE dead_lettered_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
