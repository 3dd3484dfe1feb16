package a2a

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/titanmem/titan/internal/domain"
)

// LockManagerConfig carries the lock table limits.
type LockManagerConfig struct {
	LockExpiry       time.Duration
	LockTimeout      time.Duration
	MaxLocksPerAgent int
	MaxWaitQueueSize int
}

// waiter is one queued acquire. The manager signals grant or failure by
// closing/sending on done exactly once.
type waiter struct {
	agentID string
	mode    domain.LockMode
	done    chan *domain.Lock
	expired bool
}

// lockEntry is the state of one resource: its current holders plus the FIFO
// wait queue.
type lockEntry struct {
	holders []*domain.Lock
	queue   []*waiter
}

// LockManager grants exclusive and shared locks over resources. One coarse
// mutex guards the whole table; expiry is swept on every access and on the
// server's periodic tick.
type LockManager struct {
	mu     sync.Mutex
	cfg    LockManagerConfig
	table  map[string]*lockEntry
	byID   map[string]*domain.Lock
	agents map[string]map[string]*domain.Lock
	logger *zap.Logger

	// onRelease is notified (outside the lock) whenever a lock leaves the
	// table, so the server can broadcast lock_released.
	onRelease func(lock domain.Lock)
}

func NewLockManager(cfg LockManagerConfig, logger *zap.Logger) *LockManager {
	return &LockManager{
		cfg:    cfg,
		table:  make(map[string]*lockEntry),
		byID:   make(map[string]*domain.Lock),
		agents: make(map[string]map[string]*domain.Lock),
		logger: logger,
	}
}

// OnRelease registers the release broadcast hook.
func (m *LockManager) OnRelease(fn func(lock domain.Lock)) {
	m.mu.Lock()
	m.onRelease = fn
	m.mu.Unlock()
}

// Acquire requests a lock, blocking in the resource's FIFO queue up to the
// configured timeout. Re-entrant requests in a compatible mode return the
// existing lock.
func (m *LockManager) Acquire(agentID string, resource domain.LockResource, mode domain.LockMode) (*domain.Lock, *Error) {
	if !domain.ValidLockMode(string(mode)) {
		return nil, NewError(CodeInvalidMessage, "unknown lock mode "+string(mode))
	}
	key := resource.String()

	m.mu.Lock()
	swept, _ := m.sweepLocked(time.Now())
	defer func() {
		for _, lock := range swept {
			m.notifyReleased(lock)
		}
	}()

	// Re-entrancy: a compatible lock already held by this agent is reused.
	if held := m.heldByLocked(agentID, key); held != nil {
		if held.Mode == mode || held.Mode == domain.LockExclusive {
			held.ExpiresAt = time.Now().Add(m.cfg.LockExpiry)
			view := *held
			m.mu.Unlock()
			return &view, nil
		}
		m.mu.Unlock()
		return nil, NewError(CodeLockFailed, "lock held in incompatible mode")
	}

	if len(m.agents[agentID]) >= m.cfg.MaxLocksPerAgent {
		m.mu.Unlock()
		return nil, NewError(CodeLockFailed, "per-agent lock limit reached")
	}

	entry := m.table[key]
	if entry == nil {
		entry = &lockEntry{}
		m.table[key] = entry
	}

	if m.grantableLocked(entry, mode) && len(entry.queue) == 0 {
		lock := m.grantLocked(agentID, resource, mode, entry)
		view := *lock
		m.mu.Unlock()
		return &view, nil
	}

	if len(entry.queue) >= m.cfg.MaxWaitQueueSize {
		m.mu.Unlock()
		return nil, NewError(CodeRateLimited, "lock wait queue full")
	}
	w := &waiter{agentID: agentID, mode: mode, done: make(chan *domain.Lock, 1)}
	entry.queue = append(entry.queue, w)
	m.mu.Unlock()

	select {
	case lock := <-w.done:
		if lock == nil {
			return nil, NewError(CodeLockFailed, "lock request aborted")
		}
		return lock, nil
	case <-time.After(m.cfg.LockTimeout):
		m.abandonWaiter(key, w)
		return nil, NewError(CodeTimeout, "lock request timed out")
	}
}

// abandonWaiter removes a timed-out waiter, coping with the race where a
// grant was already in flight.
func (m *LockManager) abandonWaiter(key string, w *waiter) {
	m.mu.Lock()
	entry := m.table[key]
	if entry != nil {
		for i, queued := range entry.queue {
			if queued == w {
				entry.queue = append(entry.queue[:i], entry.queue[i+1:]...)
				w.expired = true
				m.mu.Unlock()
				return
			}
		}
	}
	m.mu.Unlock()

	// The grant raced the timeout; give the lock back.
	select {
	case lock := <-w.done:
		if lock != nil {
			m.Release(lock.HolderAgentID, lock.LockID)
		}
	default:
	}
}

// grantableLocked reports whether mode can be granted given current holders.
func (m *LockManager) grantableLocked(entry *lockEntry, mode domain.LockMode) bool {
	if len(entry.holders) == 0 {
		return true
	}
	if mode == domain.LockExclusive {
		return false
	}
	for _, h := range entry.holders {
		if h.Mode == domain.LockExclusive {
			return false
		}
	}
	return true
}

func (m *LockManager) grantLocked(agentID string, resource domain.LockResource, mode domain.LockMode, entry *lockEntry) *domain.Lock {
	now := time.Now()
	lock := &domain.Lock{
		LockID:        uuid.NewString(),
		Resource:      resource,
		Mode:          mode,
		HolderAgentID: agentID,
		GrantedAt:     now,
		ExpiresAt:     now.Add(m.cfg.LockExpiry),
	}
	entry.holders = append(entry.holders, lock)
	m.byID[lock.LockID] = lock
	held := m.agents[agentID]
	if held == nil {
		held = make(map[string]*domain.Lock)
		m.agents[agentID] = held
	}
	held[lock.LockID] = lock
	return lock
}

func (m *LockManager) heldByLocked(agentID, resourceKey string) *domain.Lock {
	for _, lock := range m.agents[agentID] {
		if lock.Resource.String() == resourceKey {
			return lock
		}
	}
	return nil
}

// Release frees a lock held by the agent and promotes waiters.
func (m *LockManager) Release(agentID, lockID string) *Error {
	m.mu.Lock()
	lock, ok := m.byID[lockID]
	if !ok {
		m.mu.Unlock()
		return NewError(CodeNotFound, "unknown lock "+lockID)
	}
	if lock.HolderAgentID != agentID {
		m.mu.Unlock()
		return NewError(CodeUnauthorized, "lock held by another agent")
	}
	released := m.removeLocked(lock)
	promoted := m.promoteLocked(lock.Resource.String())
	m.mu.Unlock()

	m.notifyReleased(released)
	m.deliver(promoted)
	return nil
}

// ReleaseAgent frees every lock and queued wait held by a disconnecting
// agent.
func (m *LockManager) ReleaseAgent(agentID string) {
	m.mu.Lock()
	var released []domain.Lock
	var promoted []*waiter
	for _, lock := range m.agents[agentID] {
		released = append(released, m.removeLocked(lock))
		promoted = append(promoted, m.promoteLocked(lock.Resource.String())...)
	}
	delete(m.agents, agentID)
	for key, entry := range m.table {
		kept := entry.queue[:0]
		for _, w := range entry.queue {
			if w.agentID == agentID {
				w.done <- nil
				continue
			}
			kept = append(kept, w)
		}
		entry.queue = kept
		if len(entry.holders) == 0 && len(entry.queue) == 0 {
			delete(m.table, key)
		}
	}
	m.mu.Unlock()

	for _, lock := range released {
		m.notifyReleased(lock)
	}
	m.deliver(promoted)
}

// removeLocked detaches the lock from every index and returns a copy.
func (m *LockManager) removeLocked(lock *domain.Lock) domain.Lock {
	key := lock.Resource.String()
	if entry := m.table[key]; entry != nil {
		for i, h := range entry.holders {
			if h.LockID == lock.LockID {
				entry.holders = append(entry.holders[:i], entry.holders[i+1:]...)
				break
			}
		}
		if len(entry.holders) == 0 && len(entry.queue) == 0 {
			delete(m.table, key)
		}
	}
	delete(m.byID, lock.LockID)
	if held := m.agents[lock.HolderAgentID]; held != nil {
		delete(held, lock.LockID)
		if len(held) == 0 {
			delete(m.agents, lock.HolderAgentID)
		}
	}
	return *lock
}

// promoteLocked grants queued waiters that are now compatible, preserving
// FIFO order: promotion stops at the first waiter that cannot be granted.
func (m *LockManager) promoteLocked(key string) []*waiter {
	entry := m.table[key]
	if entry == nil {
		return nil
	}
	var granted []*waiter
	for len(entry.queue) > 0 {
		next := entry.queue[0]
		if !m.grantableLocked(entry, next.mode) {
			break
		}
		entry.queue = entry.queue[1:]
		resource, err := domain.ParseLockResource(key)
		if err != nil {
			next.done <- nil
			continue
		}
		lock := m.grantLocked(next.agentID, resource, next.mode, entry)
		view := *lock
		next.done <- &view
		granted = append(granted, next)
	}
	return granted
}

func (m *LockManager) deliver(granted []*waiter) {
	for _, w := range granted {
		m.logger.Debug("queued lock granted", zap.String("agent", w.agentID))
	}
}

func (m *LockManager) notifyReleased(lock domain.Lock) {
	m.mu.Lock()
	fn := m.onRelease
	m.mu.Unlock()
	if fn != nil {
		fn(lock)
	}
}

// SweepExpired drops expired locks and promotes waiters. Called on a
// periodic tick; Acquire also sweeps inline.
func (m *LockManager) SweepExpired() int {
	m.mu.Lock()
	released, promoted := m.sweepLocked(time.Now())
	m.mu.Unlock()

	for _, lock := range released {
		m.notifyReleased(lock)
	}
	m.deliver(promoted)
	return len(released)
}

func (m *LockManager) sweepLocked(now time.Time) ([]domain.Lock, []*waiter) {
	var released []domain.Lock
	var promoted []*waiter
	for _, lock := range m.byID {
		if lock.Expired(now) {
			released = append(released, m.removeLocked(lock))
			promoted = append(promoted, m.promoteLocked(lock.Resource.String())...)
		}
	}
	return released, promoted
}

// Held returns a copy of the lock, or nil.
func (m *LockManager) Held(lockID string) *domain.Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.byID[lockID]
	if !ok {
		return nil
	}
	view := *lock
	return &view
}

// HeldByAgent lists copies of the agent's current locks.
func (m *LockManager) HeldByAgent(agentID string) []domain.Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Lock
	for _, lock := range m.agents[agentID] {
		out = append(out, *lock)
	}
	return out
}

// Count returns the number of granted locks.
func (m *LockManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}
