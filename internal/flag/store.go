// Package flag persists the "previously verified" flag of a widget.
//
// A flag is set on the first confirmed pairing, expires after a fixed TTL and
// is never cleared explicitly.
package flag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultTTL is the lifetime of a verification flag.
const DefaultTTL = 365 * 24 * time.Hour

// Store is implemented by every flag backend.
type Store interface {
	Mark(ctx context.Context, subject string) error
	IsMarked(ctx context.Context, subject string) (bool, error)
}

var ErrEmptySubject = errors.New("flag subject must not be empty")

// MemoryStore keeps flags for the life of the process.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	expires map[string]time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{ttl: ttl, now: time.Now, expires: make(map[string]time.Time)}
}

func (s *MemoryStore) Mark(ctx context.Context, subject string) error {
	if subject == "" {
		return ErrEmptySubject
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.expires[subject]; ok && s.now().Before(exp) {
		return nil
	}
	s.expires[subject] = s.now().Add(s.ttl)
	return nil
}

func (s *MemoryStore) IsMarked(ctx context.Context, subject string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exp, ok := s.expires[subject]
	return ok && s.now().Before(exp), nil
}

type fileEntry struct {
	Subject   string    `json:"subject"`
	MarkedAt  time.Time `json:"marked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FileStore keeps flags in a JSON file so the terminal widget remembers a
// verification across runs.
type FileStore struct {
	filePath string
	ttl      time.Duration
	now      func() time.Time
	mu       sync.RWMutex
}

func NewFileStore(path string, ttl time.Duration) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("flag file path is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create flag directory: %w", err)
		}
	}
	return &FileStore{filePath: path, ttl: ttl, now: time.Now}, nil
}

func (s *FileStore) Mark(ctx context.Context, subject string) error {
	if subject == "" {
		return ErrEmptySubject
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}

	now := s.now()
	live := entries[:0]
	for _, e := range entries {
		if e.Subject == subject && now.Before(e.ExpiresAt) {
			return nil
		}
		if e.Subject != subject && now.Before(e.ExpiresAt) {
			live = append(live, e)
		}
	}
	live = append(live, fileEntry{Subject: subject, MarkedAt: now, ExpiresAt: now.Add(s.ttl)})

	data, err := json.MarshalIndent(live, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write flag file: %w", err)
	}
	return os.Rename(tmp, s.filePath)
}

func (s *FileStore) IsMarked(ctx context.Context, subject string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := s.load()
	if err != nil {
		return false, err
	}
	now := s.now()
	for _, e := range entries {
		if e.Subject == subject && now.Before(e.ExpiresAt) {
			return true, nil
		}
	}
	return false, nil
}

func (s *FileStore) load() ([]fileEntry, error) {
	data, err := os.ReadFile(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read flag file: %w", err)
	}
	var entries []fileEntry
	if len(data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode flag file: %w", err)
	}
	return entries, nil
}
