package journal

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "repartibot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.queue.snapshot.json
//
// Every save rewrites the whole snapshot through a tmp file + rename so a
// crash mid-write leaves the previous snapshot intact.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("journal.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	return &fileStore{
		log:  log,
		path: prefix + ".queue.snapshot.json",
	}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	_ = ctx
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) LoadSnapshot(ctx context.Context) (Snapshot, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}
	defer f.Close()

	var snap Snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		// A torn snapshot should not keep the process from starting.
		s.log.Warn("journal snapshot unreadable; starting empty", logx.String("path", s.path), logx.Err(err))
		return Snapshot{}, false, nil
	}
	return snap, true, nil
}
