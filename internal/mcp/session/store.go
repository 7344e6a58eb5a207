// Package session persists MCP sessions and tasks across restarts. The
// default store is a single JSON file per record kind, rewritten atomically
// under an advisory lock.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Session is one MCP client session. SelectedBook and LogLevel are the
// mutable client state the protocol stores server-side.
type Session struct {
	ID              string     `json:"id"`
	CreatedAt       time.Time  `json:"created_at"`
	LastAccessAt    time.Time  `json:"last_access_at"`
	ClientInfo      ClientInfo `json:"client_info"`
	ProtocolVersion string     `json:"protocol_version"`
	SelectedBook    string     `json:"selected_book,omitempty"`
	LogLevel        string     `json:"log_level,omitempty"`
}

type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Task statuses. The last three are terminal.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Task is one trackable server-side job.
type Task struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Result    any            `json:"result,omitempty"`
}

// Terminal reports whether the task can no longer change state.
func (t Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed || t.Status == StatusCancelled
}

// NewID returns 128 random bits as lowercase hex.
func NewID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// Store is the persistence contract for one record kind. Implementations
// must make Put/Remove durable before returning.
type Store[T any] interface {
	LoadAll() (map[string]T, error)
	Put(id string, v T) error
	Remove(id string) error
}

// FileStore keeps all records in a single JSON object keyed by id. Every
// mutation rewrites the file via temp-then-rename while holding an advisory
// flock, so concurrent processes never observe a torn file.
type FileStore[T any] struct {
	path string
	lock *flock.Flock
	mu   sync.Mutex
}

func NewFileStore[T any](path string) *FileStore[T] {
	return &FileStore[T]{path: path, lock: flock.New(path + ".lock")}
}

func (s *FileStore[T]) LoadAll() (map[string]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return nil, fmt.Errorf("lock %s: %w", s.path, err)
	}
	defer s.lock.Unlock()
	return s.readLocked()
}

func (s *FileStore[T]) Put(id string, v T) error {
	return s.mutate(func(m map[string]T) {
		m[id] = v
	})
}

func (s *FileStore[T]) Remove(id string) error {
	return s.mutate(func(m map[string]T) {
		delete(m, id)
	})
}

func (s *FileStore[T]) mutate(apply func(map[string]T)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", s.path, err)
	}
	defer s.lock.Unlock()

	m, err := s.readLocked()
	if err != nil {
		return err
	}
	apply(m)
	return s.writeLocked(m)
}

func (s *FileStore[T]) readLocked() (map[string]T, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]T{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return map[string]T{}, nil
	}
	var m map[string]T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if m == nil {
		m = map[string]T{}
	}
	return m, nil
}

func (s *FileStore[T]) writeLocked(m map[string]T) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.path, err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
