package store

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/titanmem/titan/internal/domain"
)

// DefaultNoopLogSize bounds the NOOP decision ring.
const DefaultNoopLogSize = 10_000

// NoopLog is an append-only bounded ring of skip decisions persisted to
// noop-log.json.
type NoopLog struct {
	mu        sync.RWMutex
	path      string
	maxSize   int
	decisions []domain.NoopDecision
	writes    int
}

type noopState struct {
	Decisions []domain.NoopDecision `json:"decisions"`
	Writes    int                   `json:"writes"`
}

// NewNoopLog opens (or creates) the NOOP log at paths. maxSize <= 0 uses
// the default bound.
func NewNoopLog(paths Paths, maxSize int) (*NoopLog, error) {
	if maxSize <= 0 {
		maxSize = DefaultNoopLogSize
	}
	l := &NoopLog{path: paths.NoopLogFile(), maxSize: maxSize}
	var state noopState
	if err := ReadJSON(l.path, &state); err != nil {
		if err != ErrNotFound {
			return nil, err
		}
	} else {
		l.decisions = state.Decisions
		l.writes = state.Writes
		if len(l.decisions) > maxSize {
			l.decisions = l.decisions[len(l.decisions)-maxSize:]
		}
	}
	return l, nil
}

// Record appends a skip decision, truncating the preview and evicting the
// oldest entry when the ring is full.
func (l *NoopLog) Record(reason domain.NoopReason, content, sessionID, projectID string) (domain.NoopDecision, error) {
	preview := content
	if len([]rune(preview)) > domain.NoopPreviewLength {
		preview = string([]rune(preview)[:domain.NoopPreviewLength])
	}
	d := domain.NoopDecision{
		ID:             uuid.NewString(),
		Reason:         reason,
		Timestamp:      time.Now(),
		ContentPreview: preview,
		SessionID:      sessionID,
		ProjectID:      projectID,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.decisions = append(l.decisions, d)
	if len(l.decisions) > l.maxSize {
		l.decisions = l.decisions[len(l.decisions)-l.maxSize:]
	}
	if err := l.persistLocked(); err != nil {
		return domain.NoopDecision{}, err
	}
	return d, nil
}

// CountWrite bumps the stored-memory counter feeding memoryWriteRatio.
func (l *NoopLog) CountWrite() {
	l.mu.Lock()
	l.writes++
	_ = l.persistLocked()
	l.mu.Unlock()
}

// Recent returns up to n decisions, newest last.
func (l *NoopLog) Recent(n int) []domain.NoopDecision {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > len(l.decisions) {
		n = len(l.decisions)
	}
	out := make([]domain.NoopDecision, n)
	copy(out, l.decisions[len(l.decisions)-n:])
	return out
}

// Len returns the current ring occupancy.
func (l *NoopLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.decisions)
}

// Stats aggregates totals, per-reason counts, 24h/7d windows and the
// write ratio writes / (writes + noops).
func (l *NoopLog) Stats() domain.NoopStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := domain.NoopStats{
		Total:    len(l.decisions),
		ByReason: make(map[domain.NoopReason]int),
		Writes:   l.writes,
	}
	now := time.Now()
	for _, d := range l.decisions {
		stats.ByReason[d.Reason]++
		age := now.Sub(d.Timestamp)
		if age <= 24*time.Hour {
			stats.Last24h++
		}
		if age <= 7*24*time.Hour {
			stats.Last7d++
		}
	}
	if total := l.writes + len(l.decisions); total > 0 {
		stats.MemoryWriteRatio = float64(l.writes) / float64(total)
	}
	return stats
}

func (l *NoopLog) persistLocked() error {
	return WriteJSONAtomic(l.path, noopState{Decisions: l.decisions, Writes: l.writes})
}
