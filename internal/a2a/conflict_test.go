package a2a

import (
	"testing"

	"github.com/titanmem/titan/internal/domain"
)

func newTestDetector(strategy domain.ConflictStrategy) (*ConflictDetector, *[]domain.Event) {
	broker := NewBroker()
	var events []domain.Event
	broker.Subscribe("observer", domain.SubscriptionFilter{
		EventTypes: []domain.EventType{domain.EventConflictDetected},
	}, func(ev domain.Event) { events = append(events, ev) })
	return NewConflictDetector(strategy, broker), &events
}

func TestObserveWriteNoConflict(t *testing.T) {
	d, events := newTestDetector(domain.ConflictLastWriteWins)

	if d.ObserveWrite("m-1", "a1", nil) {
		t.Fatal("first write flagged as conflict")
	}
	// Same agent writing again is not a conflict.
	if d.ObserveWrite("m-1", "a1", nil) {
		t.Fatal("same-agent rewrite flagged as conflict")
	}
	// Different memory ids never collide.
	if d.ObserveWrite("m-2", "a2", nil) {
		t.Fatal("unrelated write flagged as conflict")
	}
	if d.Detected() != 0 || len(*events) != 0 {
		t.Fatalf("detected = %d, events = %d", d.Detected(), len(*events))
	}
}

func TestObserveWriteDetectsConflict(t *testing.T) {
	d, events := newTestDetector(domain.ConflictLastWriteWins)

	d.ObserveWrite("m-1", "a1", map[string]any{"content": "first"})
	if !d.ObserveWrite("m-1", "a2", map[string]any{"content": "second"}) {
		t.Fatal("concurrent write from another agent not detected")
	}
	if d.Detected() != 1 {
		t.Fatalf("detected = %d", d.Detected())
	}

	if len(*events) != 1 {
		t.Fatalf("published %d events, want 1", len(*events))
	}
	ev := (*events)[0]
	if ev.Type != domain.EventConflictDetected || ev.Sender != "a2" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Payload["memory_id"] != "m-1" {
		t.Fatalf("payload = %v", ev.Payload)
	}
	// Last write wins: the second writer is the winner.
	if ev.Payload["winner"] != "a2" {
		t.Fatalf("winner = %v", ev.Payload["winner"])
	}
	first := ev.Payload["first"].(map[string]any)
	second := ev.Payload["second"].(map[string]any)
	if first["agent_id"] != "a1" || second["agent_id"] != "a2" {
		t.Fatalf("writer records = %v / %v", first, second)
	}
}

func TestFirstWriteWinsStrategy(t *testing.T) {
	d, events := newTestDetector(domain.ConflictFirstWriteWins)

	d.ObserveWrite("m-1", "a1", nil)
	d.ObserveWrite("m-1", "a2", nil)

	if len(*events) != 1 {
		t.Fatalf("published %d events", len(*events))
	}
	if (*events)[0].Payload["winner"] != "a1" {
		t.Fatalf("winner = %v, want first writer", (*events)[0].Payload["winner"])
	}
}

func TestDefaultStrategy(t *testing.T) {
	d := NewConflictDetector("", NewBroker())
	if d.Strategy() != domain.ConflictLastWriteWins {
		t.Fatalf("default strategy = %s", d.Strategy())
	}
}

func TestConflictChaining(t *testing.T) {
	d, _ := newTestDetector(domain.ConflictLastWriteWins)

	d.ObserveWrite("m-1", "a1", nil)
	d.ObserveWrite("m-1", "a2", nil)
	// The second write became the reference; a third agent conflicts with it.
	if !d.ObserveWrite("m-1", "a3", nil) {
		t.Fatal("third writer not flagged against the latest write")
	}
	if d.Detected() != 2 {
		t.Fatalf("detected = %d, want 2", d.Detected())
	}
}
