package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/owner888/smartbook/internal/metrics"
)

const (
	// sessions idle longer than this are dropped at startup
	sessionMaxAge = 24 * time.Hour
	// terminal tasks linger this long after their last update
	taskTerminalTTL = time.Hour
)

// ErrTaskTerminal rejects cancellation of finished tasks.
var ErrTaskTerminal = errors.New("task already in terminal state")

// ErrTaskNotFound signals an unknown task id.
var ErrTaskNotFound = errors.New("task not found")

// Manager owns the in-memory session and task tables and mirrors every
// mutation to the backing stores.
type Manager struct {
	sessions Store[Session]
	tasks    Store[Task]
	logger   *zap.Logger

	mu      sync.RWMutex
	byID    map[string]Session
	taskIDs map[string]Task
}

// NewManager loads both stores, purging sessions idle beyond 24h and
// expired terminal tasks.
func NewManager(sessions Store[Session], tasks Store[Task], logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		sessions: sessions,
		tasks:    tasks,
		logger:   logger,
		byID:     map[string]Session{},
		taskIDs:  map[string]Task{},
	}

	loaded, err := sessions.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	now := time.Now()
	for id, s := range loaded {
		if now.Sub(s.LastAccessAt) > sessionMaxAge {
			if err := sessions.Remove(id); err != nil {
				logger.Warn("purge stale session failed", zap.String("id", id), zap.Error(err))
			}
			continue
		}
		m.byID[id] = s
	}

	loadedTasks, err := tasks.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	for id, t := range loadedTasks {
		if t.Terminal() && now.Sub(t.UpdatedAt) > taskTerminalTTL {
			if err := tasks.Remove(id); err != nil {
				logger.Warn("purge expired task failed", zap.String("id", id), zap.Error(err))
			}
			continue
		}
		m.taskIDs[id] = t
	}

	logger.Info("session store loaded",
		zap.Int("sessions", len(m.byID)),
		zap.Int("tasks", len(m.taskIDs)))
	return m, nil
}

// Create allocates a fresh session.
func (m *Manager) Create(info ClientInfo, protocolVersion string) Session {
	s := Session{
		ID:              NewID(),
		CreatedAt:       time.Now(),
		LastAccessAt:    time.Now(),
		ClientInfo:      info,
		ProtocolVersion: protocolVersion,
	}
	m.put(s)
	metrics.SessionsCreated.Inc()
	return s
}

// GetOrRecreate returns the session for id, silently recreating an empty
// one when the id is unknown. Tolerates server data-file loss.
func (m *Manager) GetOrRecreate(id string) Session {
	m.mu.RLock()
	s, ok := m.byID[id]
	m.mu.RUnlock()
	if ok {
		return m.touch(s)
	}
	s = Session{ID: id, CreatedAt: time.Now(), LastAccessAt: time.Now()}
	m.put(s)
	metrics.SessionsRecovered.Inc()
	m.logger.Info("recreated unknown session", zap.String("id", id))
	return s
}

// Get returns the session without recreating it.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	return s, ok
}

// Update applies fn to the session and persists the result.
func (m *Manager) Update(id string, fn func(*Session)) Session {
	m.mu.Lock()
	s, ok := m.byID[id]
	if !ok {
		s = Session{ID: id, CreatedAt: time.Now()}
	}
	fn(&s)
	s.LastAccessAt = time.Now()
	m.byID[id] = s
	m.mu.Unlock()

	if err := m.sessions.Put(id, s); err != nil {
		m.logger.Warn("session persist failed", zap.String("id", id), zap.Error(err))
	}
	return s
}

// Delete removes the session.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	delete(m.byID, id)
	m.mu.Unlock()
	if err := m.sessions.Remove(id); err != nil {
		m.logger.Warn("session remove failed", zap.String("id", id), zap.Error(err))
	}
}

func (m *Manager) touch(s Session) Session {
	return m.Update(s.ID, func(*Session) {})
}

func (m *Manager) put(s Session) {
	m.mu.Lock()
	m.byID[s.ID] = s
	m.mu.Unlock()
	if err := m.sessions.Put(s.ID, s); err != nil {
		m.logger.Warn("session persist failed", zap.String("id", s.ID), zap.Error(err))
	}
}

// CreateTask registers a new pending task.
func (m *Manager) CreateTask(taskType string, metadata map[string]any) Task {
	t := Task{
		ID:        NewID(),
		Type:      taskType,
		Status:    StatusPending,
		Metadata:  metadata,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	m.putTask(t)
	return t
}

// GetTask returns a task, expiring stale terminal entries on access.
func (m *Manager) GetTask(id string) (Task, error) {
	m.sweepTasks()
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.taskIDs[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return t, nil
}

// ListTasks returns all live tasks ordered by creation time.
func (m *Manager) ListTasks() []Task {
	m.sweepTasks()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Task, 0, len(m.taskIDs))
	for _, t := range m.taskIDs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// UpdateTask transitions a task and persists it.
func (m *Manager) UpdateTask(id string, fn func(*Task)) (Task, error) {
	m.mu.Lock()
	t, ok := m.taskIDs[id]
	if !ok {
		m.mu.Unlock()
		return Task{}, ErrTaskNotFound
	}
	fn(&t)
	t.UpdatedAt = time.Now()
	m.taskIDs[id] = t
	m.mu.Unlock()

	if err := m.tasks.Put(id, t); err != nil {
		m.logger.Warn("task persist failed", zap.String("id", id), zap.Error(err))
	}
	return t, nil
}

// CancelTask moves a non-terminal task to cancelled.
func (m *Manager) CancelTask(id string) (Task, error) {
	m.mu.Lock()
	t, ok := m.taskIDs[id]
	if !ok {
		m.mu.Unlock()
		return Task{}, ErrTaskNotFound
	}
	if t.Terminal() {
		m.mu.Unlock()
		return Task{}, ErrTaskTerminal
	}
	t.Status = StatusCancelled
	t.UpdatedAt = time.Now()
	m.taskIDs[id] = t
	m.mu.Unlock()

	if err := m.tasks.Put(id, t); err != nil {
		m.logger.Warn("task persist failed", zap.String("id", id), zap.Error(err))
	}
	return t, nil
}

func (m *Manager) putTask(t Task) {
	m.mu.Lock()
	m.taskIDs[t.ID] = t
	m.mu.Unlock()
	if err := m.tasks.Put(t.ID, t); err != nil {
		m.logger.Warn("task persist failed", zap.String("id", t.ID), zap.Error(err))
	}
}

// sweepTasks drops terminal tasks older than the expiry window.
func (m *Manager) sweepTasks() {
	now := time.Now()
	var expired []string
	m.mu.Lock()
	for id, t := range m.taskIDs {
		if t.Terminal() && now.Sub(t.UpdatedAt) > taskTerminalTTL {
			delete(m.taskIDs, id)
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()
	for _, id := range expired {
		if err := m.tasks.Remove(id); err != nil {
			m.logger.Warn("task remove failed", zap.String("id", id), zap.Error(err))
		}
	}
}
