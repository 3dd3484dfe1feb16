package a2a

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/titanmem/titan/internal/domain"
	"github.com/titanmem/titan/internal/service"
)

func newTestCoordinated(t *testing.T, ts *httptest.Server, agentID string) *CoordinatedMemory {
	t.Helper()
	core, err := service.NewCore(service.CoreOptions{
		DataDir: t.TempDir(),
		Logger:  zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	t.Cleanup(func() { _ = core.Close() })
	client := newTestClient(t, ts, agentID, nil)
	return NewCoordinatedMemory(core, client, zap.NewNop())
}

func TestCoordinatedAddEmitsEvent(t *testing.T) {
	_, ts := newTestServer(t, nil)

	received := make(chan Message, 8)
	observer := newTestClient(t, ts, "observer", func(msg Message) { received <- msg })
	if _, err := observer.Subscribe(context.Background(), domain.SubscriptionFilter{
		EventTypes: []domain.EventType{domain.EventMemoryAdded},
	}); err != nil {
		t.Fatal(err)
	}

	cm := newTestCoordinated(t, ts, "writer")
	result, err := cm.Add(context.Background(), "the deploy pipeline completed without errors", domain.Metadata{}, CoordinatedOpts{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if result.Entry == nil {
		t.Fatal("no entry stored")
	}

	select {
	case msg := <-received:
		if msg.Payload["memory_id"] != result.Entry.ID {
			t.Fatalf("event memory_id = %v, want %s", msg.Payload["memory_id"], result.Entry.ID)
		}
		if msg.Payload["locked"] != false {
			t.Fatalf("locked flag = %v", msg.Payload["locked"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("memory.added broadcast never arrived")
	}
}

func TestCoordinatedAddWithProjectLock(t *testing.T) {
	s, ts := newTestServer(t, nil)
	cm := newTestCoordinated(t, ts, "writer")

	result, err := cm.Add(context.Background(), "the cutover to blue completed",
		domain.Metadata{ProjectID: "deploy"},
		CoordinatedOpts{RequireLock: true})
	if err != nil {
		t.Fatalf("Add under lock: %v", err)
	}
	if result.Entry == nil {
		t.Fatal("no entry stored")
	}
	// The project lock is released before Add returns.
	if s.locks.Count() != 0 {
		t.Fatalf("locks still held = %d", s.locks.Count())
	}
	if len(cm.HeldLocks()) != 0 {
		t.Fatalf("lock cache not cleared: %v", cm.HeldLocks())
	}
}

func TestCoordinatedDelete(t *testing.T) {
	s, ts := newTestServer(t, nil)
	cm := newTestCoordinated(t, ts, "writer")
	ctx := context.Background()

	result, err := cm.Add(ctx, "the index rebuild completed", domain.Metadata{}, CoordinatedOpts{})
	if err != nil {
		t.Fatal(err)
	}
	removed, err := cm.Delete(ctx, result.Entry.ID, "stale", CoordinatedOpts{})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !removed {
		t.Fatal("delete reported nothing removed")
	}
	if s.locks.Count() != 0 {
		t.Fatalf("memory lock leaked: %d", s.locks.Count())
	}

	// Deleting again is not an error, just a no-op.
	removed, err = cm.Delete(ctx, result.Entry.ID, "stale", CoordinatedOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Fatal("second delete reported success")
	}
}

func TestCoordinatedRecallEmits(t *testing.T) {
	_, ts := newTestServer(t, nil)

	received := make(chan Message, 8)
	observer := newTestClient(t, ts, "observer", func(msg Message) { received <- msg })
	if _, err := observer.Subscribe(context.Background(), domain.SubscriptionFilter{
		EventTypes: []domain.EventType{domain.EventMemoryRecalled},
	}); err != nil {
		t.Fatal(err)
	}

	cm := newTestCoordinated(t, ts, "reader")
	ctx := context.Background()
	if _, err := cm.Add(ctx, "a failover drill is defined as a planned switchover", domain.Metadata{}, CoordinatedOpts{}); err != nil {
		t.Fatal(err)
	}
	result, err := cm.Recall(ctx, "what is a failover drill", service.FuseOptions{Limit: 5})
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(result.FusedMemories) == 0 {
		t.Fatal("recall found nothing")
	}

	select {
	case msg := <-received:
		if msg.Payload["query"] != "what is a failover drill" {
			t.Fatalf("event payload = %v", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("memory.recalled broadcast never arrived")
	}
}

func TestWithLockHoldsAndReleases(t *testing.T) {
	s, ts := newTestServer(t, nil)
	cm := newTestCoordinated(t, ts, "worker")
	resource := domain.LayerResource(domain.LayerSemantic)

	ran := false
	err := cm.WithLock(context.Background(), resource, domain.LockExclusive, func(ctx context.Context) error {
		ran = true
		if s.locks.Count() != 1 {
			t.Errorf("lock not held inside op: count = %d", s.locks.Count())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}
	if !ran {
		t.Fatal("op never ran")
	}
	if s.locks.Count() != 0 {
		t.Fatalf("lock leaked after WithLock: %d", s.locks.Count())
	}
}

func TestWithLockContention(t *testing.T) {
	// A zero wait queue turns contention into an immediate RATE_LIMITED
	// denial, which the wrapper does not retry.
	s, ts := newTestServer(t, func(cfg *ServerConfig) {
		cfg.MaxWaitQueueSize = 0
	})
	holder := newTestClient(t, ts, "holder", nil)
	if _, err := holder.AcquireLock(context.Background(), domain.GlobalResource(), domain.LockExclusive); err != nil {
		t.Fatal(err)
	}

	cm := newTestCoordinated(t, ts, "worker")
	err := cm.WithLock(context.Background(), domain.GlobalResource(), domain.LockExclusive, func(ctx context.Context) error {
		t.Error("op ran without the lock")
		return nil
	})
	if err == nil {
		t.Fatal("contended WithLock succeeded")
	}
	if s.locks.Count() != 1 {
		t.Fatalf("holder lost its lock: count = %d", s.locks.Count())
	}
}
