package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"kiwi/pkg/logx"
)

// fileStore appends records to <prefix>.fires.jsonl and keeps the newest
// Retain records in memory for queries. When the file holds twice Retain
// lines it is rewritten with just the in-memory tail.
type fileStore struct {
	log    logx.Logger
	retain int

	mu     sync.Mutex
	path   string
	f      *os.File
	recent []FireRecord // oldest first, len <= retain
	lines  int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:    log,
		retain: cfg.retain(),
		path:   filepath.Join(dir, base) + ".fires.jsonl",
	}
	if err := s.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	return s, nil
}

// load replays the file into the in-memory tail. Corrupt lines are skipped.
func (s *fileStore) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	skipped := 0
	for sc.Scan() {
		s.lines++
		var r FireRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			skipped++
			continue
		}
		s.push(r)
	}
	if skipped > 0 {
		s.log.Warn("skipped corrupt history lines", logx.String("path", s.path), logx.Int("count", skipped))
	}
	return sc.Err()
}

func (s *fileStore) push(r FireRecord) {
	s.recent = append(s.recent, r)
	if over := len(s.recent) - s.retain; over > 0 {
		s.recent = slices.Delete(s.recent, 0, over)
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendFire(_ context.Context, r FireRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if _, err := s.f.Write(b); err != nil {
		return err
	}
	s.lines++
	s.push(r)

	if s.lines >= 2*s.retain {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("history compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentFires(_ context.Context, timer string, limit int) ([]FireRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrClosed
	}
	var out []FireRecord
	for i := len(s.recent) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if timer == "" || s.recent[i].Timer == timer {
			out = append(out, s.recent[i])
		}
	}
	return out, nil
}

// compactLocked rewrites the file with the in-memory tail via tmp+rename.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range s.recent {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.f.Close()
	s.f = nf
	s.lines = len(s.recent)
	s.log.Debug("history compacted", logx.Int("kept", s.lines))
	return nil
}
