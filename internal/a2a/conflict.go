package a2a

import (
	"sync"
	"time"

	"github.com/titanmem/titan/internal/domain"
)

// conflictWindow is how close two unlocked writes to the same memory must
// be to count as a conflict.
const conflictWindow = 5 * time.Second

// write is one observed unlocked write.
type write struct {
	agentID string
	at      time.Time
	payload map[string]any
}

// ConflictDetector watches unlocked writes per memory id and emits
// conflict.detected when two different agents collide within the window.
type ConflictDetector struct {
	mu       sync.Mutex
	strategy domain.ConflictStrategy
	recent   map[string]write
	broker   *Broker
	detected int
}

func NewConflictDetector(strategy domain.ConflictStrategy, broker *Broker) *ConflictDetector {
	if strategy == "" {
		strategy = domain.ConflictLastWriteWins
	}
	return &ConflictDetector{
		strategy: strategy,
		recent:   make(map[string]write),
		broker:   broker,
	}
}

// ObserveWrite records an unlocked write and reports whether it conflicted
// with a recent write from another agent. On conflict the detector
// publishes conflict.detected with both writers' payloads and the winner
// chosen by the strategy.
func (d *ConflictDetector) ObserveWrite(memoryID, agentID string, payload map[string]any) bool {
	now := time.Now()
	d.mu.Lock()
	prev, seen := d.recent[memoryID]
	current := write{agentID: agentID, at: now, payload: payload}
	d.recent[memoryID] = current
	conflicting := seen && prev.agentID != agentID && now.Sub(prev.at) <= conflictWindow
	if conflicting {
		d.detected++
	}
	strategy := d.strategy
	d.mu.Unlock()

	if !conflicting {
		return false
	}

	winner := agentID
	if strategy == domain.ConflictFirstWriteWins {
		winner = prev.agentID
	}
	d.broker.Publish(domain.EventConflictDetected, agentID, map[string]any{
		"memory_id": memoryID,
		"strategy":  string(strategy),
		"winner":    winner,
		"first":     map[string]any{"agent_id": prev.agentID, "at": prev.at, "payload": prev.payload},
		"second":    map[string]any{"agent_id": agentID, "at": now, "payload": payload},
	})
	return true
}

// Strategy returns the configured resolution strategy.
func (d *ConflictDetector) Strategy() domain.ConflictStrategy {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.strategy
}

// Detected returns how many conflicts have been observed.
func (d *ConflictDetector) Detected() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detected
}

// Sweep drops stale write records; called on the server's periodic tick.
func (d *ConflictDetector) Sweep() {
	cutoff := time.Now().Add(-conflictWindow)
	d.mu.Lock()
	for id, w := range d.recent {
		if w.at.Before(cutoff) {
			delete(d.recent, id)
		}
	}
	d.mu.Unlock()
}
