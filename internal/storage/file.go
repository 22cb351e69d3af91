package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/delivery"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/pkg/logx"
)

const compactEvery = 500

// fileStore keeps dead letters in memory and on disk.
//
// Files:
//   - <prefix>.deadletters.snapshot.json (periodic snapshot)
//   - <prefix>.deadletters.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File

	entries map[string]fileEntry
	seq     uint64
	writes  int
}

type fileEntry struct {
	Seq    uint64              `json:"seq"`
	Letter delivery.DeadLetter `json:"letter"`
}

type journalRecord struct {
	Op     string               `json:"op"`
	ID     string               `json:"id"`
	Letter *delivery.DeadLetter `json:"letter,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".deadletters.snapshot.json",
		entries:      map[string]fileEntry{},
	}
	journalPath := prefix + ".deadletters.journal.jsonl"
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("dead letter snapshot unreadable", logx.Err(err))
	}
	if err := s.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("dead letter journal unreadable", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) SaveDeadLetter(_ context.Context, dl delivery.DeadLetter) error {
	if strings.TrimSpace(dl.ID) == "" {
		return errors.New("dead letter id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	s.seq++
	s.entries[dl.ID] = fileEntry{Seq: s.seq, Letter: dl}
	return s.appendLocked(journalRecord{Op: "put", ID: dl.ID, Letter: &dl})
}

func (s *fileStore) DeleteDeadLetter(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.entries[id]; !ok {
		return nil
	}
	delete(s.entries, id)
	return s.appendLocked(journalRecord{Op: "del", ID: id})
}

func (s *fileStore) ListDeadLetters(_ context.Context, limit int) ([]delivery.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	all := make([]fileEntry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i].Letter.DeadLetteredAt, all[j].Letter.DeadLetteredAt
		if !a.Equal(b) {
			return a.After(b)
		}
		return all[i].Seq > all[j].Seq
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]delivery.DeadLetter, len(all))
	for i, e := range all {
		out[i] = e.Letter
	}
	return out, nil
}

func (s *fileStore) PruneDeadLetters(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	n := 0
	for id, e := range s.entries {
		if e.Letter.DeadLetteredAt.Before(cutoff) {
			delete(s.entries, id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.compactLocked()
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dead letter compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.entries); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]fileEntry
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for id, e := range m {
		s.entries[id] = e
		if e.Seq > s.seq {
			s.seq = e.Seq
		}
	}
	return nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		switch r.Op {
		case "put":
			if r.Letter != nil {
				s.seq++
				s.entries[r.ID] = fileEntry{Seq: s.seq, Letter: *r.Letter}
			}
		case "del":
			delete(s.entries, r.ID)
		}
	}
	return sc.Err()
}
