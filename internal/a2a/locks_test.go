package a2a

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/titanmem/titan/internal/domain"
)

func newTestLockManager(t *testing.T, cfg LockManagerConfig) *LockManager {
	t.Helper()
	if cfg.LockExpiry == 0 {
		cfg.LockExpiry = time.Minute
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = 2 * time.Second
	}
	if cfg.MaxLocksPerAgent == 0 {
		cfg.MaxLocksPerAgent = 10
	}
	if cfg.MaxWaitQueueSize == 0 {
		cfg.MaxWaitQueueSize = 10
	}
	return NewLockManager(cfg, zap.NewNop())
}

type acquireResult struct {
	lock *domain.Lock
	err  *Error
}

// acquireAsync runs Acquire on its own goroutine and reports the outcome.
func acquireAsync(m *LockManager, agentID string, res domain.LockResource, mode domain.LockMode) chan acquireResult {
	ch := make(chan acquireResult, 1)
	go func() {
		lock, err := m.Acquire(agentID, res, mode)
		ch <- acquireResult{lock: lock, err: err}
	}()
	return ch
}

func TestAcquireExclusive(t *testing.T) {
	m := newTestLockManager(t, LockManagerConfig{})
	res := domain.MemoryResource("m-1")

	lock, err := m.Acquire("a1", res, domain.LockExclusive)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lock.LockID == "" || lock.HolderAgentID != "a1" || lock.Mode != domain.LockExclusive {
		t.Fatalf("lock = %+v", lock)
	}
	if !lock.ExpiresAt.After(lock.GrantedAt) {
		t.Fatal("expiry not after grant")
	}
	if m.Count() != 1 {
		t.Fatalf("count = %d", m.Count())
	}
	if held := m.Held(lock.LockID); held == nil || held.LockID != lock.LockID {
		t.Fatalf("Held = %+v", held)
	}
}

func TestInvalidLockMode(t *testing.T) {
	m := newTestLockManager(t, LockManagerConfig{})
	_, err := m.Acquire("a1", domain.GlobalResource(), "read")
	if err == nil || err.Code != CodeInvalidMessage {
		t.Fatalf("err = %v, want INVALID_MESSAGE", err)
	}
}

func TestSharedLocksCoexist(t *testing.T) {
	m := newTestLockManager(t, LockManagerConfig{})
	res := domain.LayerResource(domain.LayerFactual)

	l1, err := m.Acquire("a1", res, domain.LockShared)
	if err != nil {
		t.Fatal(err)
	}
	l2, err := m.Acquire("a2", res, domain.LockShared)
	if err != nil {
		t.Fatalf("second shared acquire: %v", err)
	}
	if l1.LockID == l2.LockID {
		t.Fatal("shared holders got the same lock")
	}
	if m.Count() != 2 {
		t.Fatalf("count = %d, want 2", m.Count())
	}
}

func TestExclusiveWaitsForSharedHolders(t *testing.T) {
	m := newTestLockManager(t, LockManagerConfig{})
	res := domain.ProjectResource("p1")

	shared, err := m.Acquire("reader", res, domain.LockShared)
	if err != nil {
		t.Fatal(err)
	}
	pending := acquireAsync(m, "writer", res, domain.LockExclusive)
	select {
	case r := <-pending:
		t.Fatalf("exclusive granted while shared held: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	if rerr := m.Release("reader", shared.LockID); rerr != nil {
		t.Fatalf("Release: %v", rerr)
	}
	select {
	case r := <-pending:
		if r.err != nil {
			t.Fatalf("promoted acquire failed: %v", r.err)
		}
		if r.lock.HolderAgentID != "writer" || r.lock.Mode != domain.LockExclusive {
			t.Fatalf("promoted lock = %+v", r.lock)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never promoted")
	}
}

func TestPromotionIsFIFO(t *testing.T) {
	m := newTestLockManager(t, LockManagerConfig{})
	res := domain.MemoryResource("m-1")

	first, err := m.Acquire("a1", res, domain.LockExclusive)
	if err != nil {
		t.Fatal(err)
	}

	second := acquireAsync(m, "a2", res, domain.LockExclusive)
	time.Sleep(20 * time.Millisecond)
	third := acquireAsync(m, "a3", res, domain.LockShared)
	time.Sleep(20 * time.Millisecond)

	// Releasing the holder promotes only the head of the queue: a3's shared
	// request stays behind a2's exclusive grant.
	if rerr := m.Release("a1", first.LockID); rerr != nil {
		t.Fatal(rerr)
	}
	var promoted acquireResult
	select {
	case promoted = <-second:
	case <-time.After(time.Second):
		t.Fatal("head waiter never promoted")
	}
	if promoted.err != nil || promoted.lock.HolderAgentID != "a2" {
		t.Fatalf("promoted = %+v", promoted)
	}
	select {
	case r := <-third:
		t.Fatalf("queued shared request jumped the exclusive holder: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	if rerr := m.Release("a2", promoted.lock.LockID); rerr != nil {
		t.Fatal(rerr)
	}
	select {
	case r := <-third:
		if r.err != nil || r.lock.HolderAgentID != "a3" {
			t.Fatalf("final promotion = %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("tail waiter never promoted")
	}
}

func TestReentrantAcquireExtendsExpiry(t *testing.T) {
	m := newTestLockManager(t, LockManagerConfig{})
	res := domain.MemoryResource("m-1")

	first, err := m.Acquire("a1", res, domain.LockExclusive)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	again, err := m.Acquire("a1", res, domain.LockExclusive)
	if err != nil {
		t.Fatalf("re-entrant acquire: %v", err)
	}
	if again.LockID != first.LockID {
		t.Fatal("re-entrant acquire minted a new lock")
	}
	if !again.ExpiresAt.After(first.ExpiresAt) {
		t.Fatal("re-entrant acquire did not extend expiry")
	}
	if m.Count() != 1 {
		t.Fatalf("count = %d", m.Count())
	}

	// An exclusive holder covers shared requests for the same resource.
	shared, err := m.Acquire("a1", res, domain.LockShared)
	if err != nil {
		t.Fatalf("shared under exclusive: %v", err)
	}
	if shared.LockID != first.LockID {
		t.Fatal("shared request under exclusive minted a new lock")
	}
}

func TestUpgradeSharedToExclusiveFails(t *testing.T) {
	m := newTestLockManager(t, LockManagerConfig{})
	res := domain.MemoryResource("m-1")

	if _, err := m.Acquire("a1", res, domain.LockShared); err != nil {
		t.Fatal(err)
	}
	_, err := m.Acquire("a1", res, domain.LockExclusive)
	if err == nil || err.Code != CodeLockFailed {
		t.Fatalf("upgrade = %v, want LOCK_FAILED", err)
	}
}

func TestPerAgentLockLimit(t *testing.T) {
	m := newTestLockManager(t, LockManagerConfig{MaxLocksPerAgent: 2})

	if _, err := m.Acquire("a1", domain.MemoryResource("m-1"), domain.LockExclusive); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acquire("a1", domain.MemoryResource("m-2"), domain.LockExclusive); err != nil {
		t.Fatal(err)
	}
	_, err := m.Acquire("a1", domain.MemoryResource("m-3"), domain.LockExclusive)
	if err == nil || err.Code != CodeLockFailed {
		t.Fatalf("over-limit acquire = %v, want LOCK_FAILED", err)
	}
	// Other agents are unaffected.
	if _, err := m.Acquire("a2", domain.MemoryResource("m-3"), domain.LockExclusive); err != nil {
		t.Fatalf("unrelated agent blocked: %v", err)
	}
}

func TestWaitQueueCap(t *testing.T) {
	m := newTestLockManager(t, LockManagerConfig{MaxWaitQueueSize: 1})
	res := domain.MemoryResource("m-1")

	holder, err := m.Acquire("a1", res, domain.LockExclusive)
	if err != nil {
		t.Fatal(err)
	}
	queued := acquireAsync(m, "a2", res, domain.LockExclusive)
	time.Sleep(20 * time.Millisecond)

	_, qerr := m.Acquire("a3", res, domain.LockExclusive)
	if qerr == nil || qerr.Code != CodeRateLimited {
		t.Fatalf("full-queue acquire = %v, want RATE_LIMITED", qerr)
	}

	if rerr := m.Release("a1", holder.LockID); rerr != nil {
		t.Fatal(rerr)
	}
	if r := <-queued; r.err != nil {
		t.Fatalf("queued acquire failed: %v", r.err)
	}
}

func TestAcquireTimeout(t *testing.T) {
	m := newTestLockManager(t, LockManagerConfig{LockTimeout: 50 * time.Millisecond})
	res := domain.MemoryResource("m-1")

	if _, err := m.Acquire("a1", res, domain.LockExclusive); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	_, err := m.Acquire("a2", res, domain.LockExclusive)
	if err == nil || err.Code != CodeTimeout {
		t.Fatalf("blocked acquire = %v, want TIMEOUT", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("timed out too early")
	}
}

func TestReleaseErrors(t *testing.T) {
	m := newTestLockManager(t, LockManagerConfig{})

	if err := m.Release("a1", "no-such-lock"); err == nil || err.Code != CodeNotFound {
		t.Fatalf("unknown release = %v, want NOT_FOUND", err)
	}
	lock, err := m.Acquire("a1", domain.MemoryResource("m-1"), domain.LockExclusive)
	if err != nil {
		t.Fatal(err)
	}
	if rerr := m.Release("impostor", lock.LockID); rerr == nil || rerr.Code != CodeUnauthorized {
		t.Fatalf("non-holder release = %v, want UNAUTHORIZED", rerr)
	}
	// The rightful holder still can.
	if rerr := m.Release("a1", lock.LockID); rerr != nil {
		t.Fatalf("holder release = %v", rerr)
	}
	if m.Count() != 0 {
		t.Fatalf("count = %d after release", m.Count())
	}
}

func TestReleaseAgent(t *testing.T) {
	m := newTestLockManager(t, LockManagerConfig{})
	res := domain.MemoryResource("m-1")

	if _, err := m.Acquire("a1", res, domain.LockExclusive); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acquire("a1", domain.MemoryResource("m-2"), domain.LockExclusive); err != nil {
		t.Fatal(err)
	}
	waiting := acquireAsync(m, "a2", res, domain.LockExclusive)
	time.Sleep(20 * time.Millisecond)

	m.ReleaseAgent("a1")
	if locks := m.HeldByAgent("a1"); len(locks) != 0 {
		t.Fatalf("a1 still holds %d locks", len(locks))
	}
	// The disconnect promotes a2's queued request.
	select {
	case r := <-waiting:
		if r.err != nil || r.lock.HolderAgentID != "a2" {
			t.Fatalf("promotion after disconnect = %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never promoted after disconnect")
	}
}

func TestReleaseAgentAbortsItsWaiters(t *testing.T) {
	m := newTestLockManager(t, LockManagerConfig{})
	res := domain.MemoryResource("m-1")

	if _, err := m.Acquire("a1", res, domain.LockExclusive); err != nil {
		t.Fatal(err)
	}
	waiting := acquireAsync(m, "a2", res, domain.LockExclusive)
	time.Sleep(20 * time.Millisecond)

	m.ReleaseAgent("a2")
	select {
	case r := <-waiting:
		if r.err == nil || r.err.Code != CodeLockFailed {
			t.Fatalf("aborted wait = %+v, want LOCK_FAILED", r)
		}
	case <-time.After(time.Second):
		t.Fatal("aborted waiter never signalled")
	}
}

func TestSweepExpiredLocks(t *testing.T) {
	m := newTestLockManager(t, LockManagerConfig{LockExpiry: 10 * time.Millisecond})

	var released []domain.Lock
	m.OnRelease(func(lock domain.Lock) { released = append(released, lock) })

	lock, err := m.Acquire("a1", domain.MemoryResource("m-1"), domain.LockExclusive)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	if n := m.SweepExpired(); n != 1 {
		t.Fatalf("swept %d locks, want 1", n)
	}
	if m.Held(lock.LockID) != nil {
		t.Fatal("expired lock still held")
	}
	if len(released) != 1 || released[0].LockID != lock.LockID {
		t.Fatalf("release hook saw %+v", released)
	}
}

func TestExpiredLockSweptOnNextAcquire(t *testing.T) {
	m := newTestLockManager(t, LockManagerConfig{LockExpiry: 10 * time.Millisecond})
	res := domain.MemoryResource("m-1")

	if _, err := m.Acquire("a1", res, domain.LockExclusive); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	// The inline sweep clears the stale holder, so the grant is immediate.
	lock, err := m.Acquire("a2", res, domain.LockExclusive)
	if err != nil {
		t.Fatalf("acquire over expired lock: %v", err)
	}
	if lock.HolderAgentID != "a2" {
		t.Fatalf("holder = %s", lock.HolderAgentID)
	}
}
