package a2a

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/titanmem/titan/internal/domain"
	"github.com/titanmem/titan/internal/service"
)

// CoordinatedOpts tunes one coordinated operation.
type CoordinatedOpts struct {
	RequireLock bool
	Mode        domain.LockMode
	MaxRetries  int
}

func (o CoordinatedOpts) mode() domain.LockMode {
	if o.Mode == "" {
		return domain.LockExclusive
	}
	return o.Mode
}

// CoordinatedMemory wraps a local memory core with distributed locks and
// event emission. The core owns the stores; the wrapper holds a non-owning
// handle plus its own held-lock cache.
type CoordinatedMemory struct {
	core   *service.Core
	client *Client
	logger *zap.Logger

	mu   sync.Mutex
	held map[string]*domain.Lock
}

func NewCoordinatedMemory(core *service.Core, client *Client, logger *zap.Logger) *CoordinatedMemory {
	return &CoordinatedMemory{
		core:   core,
		client: client,
		logger: logger,
		held:   make(map[string]*domain.Lock),
	}
}

// acquire returns a cached still-valid lock for the resource or requests a
// fresh one, retrying recoverable failures per the recovery policy.
func (m *CoordinatedMemory) acquire(ctx context.Context, resource domain.LockResource, mode domain.LockMode, maxRetries int) (*domain.Lock, error) {
	key := resource.String()
	m.mu.Lock()
	if lock, ok := m.held[key]; ok {
		if !lock.Expired(time.Now()) && (lock.Mode == mode || lock.Mode == domain.LockExclusive) {
			m.mu.Unlock()
			return lock, nil
		}
		delete(m.held, key)
	}
	m.mu.Unlock()

	var lastErr error
	attempts := maxRetries
	if attempts <= 0 {
		attempts = PolicyFor(CodeLockFailed).MaxRetries
	}
	for attempt := 0; attempt < attempts; attempt++ {
		lock, err := m.client.AcquireLock(ctx, resource, mode)
		if err == nil {
			m.mu.Lock()
			m.held[key] = lock
			m.mu.Unlock()
			return lock, nil
		}
		lastErr = err
		a2aErr, ok := err.(*Error)
		if !ok || !a2aErr.Recoverable {
			return nil, err
		}
		policy := PolicyFor(a2aErr.Code)
		if policy.Action != ActionRetry {
			return nil, err
		}
		select {
		case <-time.After(policy.Backoff(attempt)):
		case <-ctx.Done():
			return nil, NewError(CodeTimeout, ctx.Err().Error())
		}
	}
	return nil, lastErr
}

func (m *CoordinatedMemory) release(ctx context.Context, lock *domain.Lock) {
	m.mu.Lock()
	delete(m.held, lock.Resource.String())
	m.mu.Unlock()
	if err := m.client.ReleaseLock(ctx, lock.LockID); err != nil {
		m.logger.Warn("lock release failed",
			zap.String("resource", lock.Resource.String()),
			zap.Error(err))
	}
}

// Add stores content through the local core, under a project lock when
// requested, and emits memory.added.
func (m *CoordinatedMemory) Add(ctx context.Context, content string, meta domain.Metadata, opts CoordinatedOpts) (*service.AddResult, error) {
	locked := false
	if opts.RequireLock && meta.ProjectID != "" {
		lock, err := m.acquire(ctx, domain.ProjectResource(meta.ProjectID), opts.mode(), opts.MaxRetries)
		if err != nil {
			return nil, err
		}
		locked = true
		defer m.release(ctx, lock)
	}

	result, err := m.core.Add(ctx, content, meta)
	if err != nil {
		return nil, err
	}
	if result.Entry != nil {
		m.emit(domain.EventMemoryAdded, map[string]any{
			"memory_id": result.Entry.ID,
			"layer":     string(result.Entry.Layer),
			"tags":      result.Entry.Metadata.Tags,
			"locked":    locked,
		})
	}
	return result, nil
}

// Delete removes a memory under its memory lock and emits memory.deleted.
func (m *CoordinatedMemory) Delete(ctx context.Context, id, reason string, opts CoordinatedOpts) (bool, error) {
	lock, err := m.acquire(ctx, domain.MemoryResource(id), opts.mode(), opts.MaxRetries)
	if err != nil {
		return false, err
	}
	defer m.release(ctx, lock)

	removed, err := m.core.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if removed {
		m.emit(domain.EventMemoryDeleted, map[string]any{
			"memory_id": id,
			"reason":    reason,
			"locked":    true,
		})
	}
	return removed, nil
}

// Recall queries the local core without locks and emits memory.recalled.
func (m *CoordinatedMemory) Recall(ctx context.Context, query string, opts service.FuseOptions) (*service.RecallResult, error) {
	result, err := m.core.Recall(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	m.emit(domain.EventMemoryRecalled, map[string]any{
		"query":         query,
		"returned":      len(result.FusedMemories),
		"query_time_ms": result.TotalQueryTimeMs,
	})
	return result, nil
}

// WithLock runs op while holding the resource lock, releasing it on every
// exit path including panics and cancellation.
func (m *CoordinatedMemory) WithLock(ctx context.Context, resource domain.LockResource, mode domain.LockMode, op func(ctx context.Context) error) error {
	lock, err := m.acquire(ctx, resource, mode, 0)
	if err != nil {
		return err
	}
	defer m.release(ctx, lock)
	return op(ctx)
}

// HeldLocks returns copies of the wrapper's cached locks.
func (m *CoordinatedMemory) HeldLocks() []domain.Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Lock, 0, len(m.held))
	for _, lock := range m.held {
		out = append(out, *lock)
	}
	return out
}

func (m *CoordinatedMemory) emit(eventType domain.EventType, payload map[string]any) {
	if err := m.client.Send(eventType, payload); err != nil {
		m.logger.Warn("event emit failed",
			zap.String("type", string(eventType)),
			zap.Error(err))
	}
}
