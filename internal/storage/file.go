package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"wablast/internal/kit"
	logx "wablast/pkg/logx"
)

// fileStore is a dependency-free JSON Lines backend. One entry per line,
// append-only; Clear truncates.
type fileStore struct {
	log  logx.Logger
	path string

	mu   sync.Mutex
	file *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path, file: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *fileStore) Append(ctx context.Context, e kit.LogEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("log file closed")
	}
	return json.NewEncoder(s.file).Encode(e)
}

// Recent reads the whole file and returns the newest entries first.
// The log is small (one line per sent message); a reverse scan is not
// worth the complexity.
func (s *fileStore) Recent(ctx context.Context, limit int) ([]kit.LogEntry, error) {
	_ = ctx
	if limit <= 0 {
		limit = 500
	}

	s.mu.Lock()
	path := s.path
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var all []kit.LogEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e kit.LogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			s.log.Debug("skipping malformed log line", logx.Err(err))
			continue
		}
		all = append(all, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	// Newest first.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *fileStore) Clear(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("log file closed")
	}
	if err := s.file.Truncate(0); err != nil {
		return err
	}
	_, err := s.file.Seek(0, 2)
	return err
}
