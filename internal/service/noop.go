package service

import (
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/titanmem/titan/internal/domain"
	"github.com/titanmem/titan/internal/store"
)

const (
	// feedbackDedupeSize bounds the (memoryId, sessionId) idempotency set.
	feedbackDedupeSize = 4096
	// feedbackDedupeTTL ages idempotency entries out by time.
	feedbackDedupeTTL = 24 * time.Hour
	// MinFeedbackForPruning is the signal count required before utility
	// pruning may consider an entry.
	MinFeedbackForPruning = 3
)

var ErrInvalidNoopReason = errors.New("invalid noop reason")

// NoopService records explicit skip decisions for analytics.
type NoopService struct {
	log    *store.NoopLog
	logger *zap.Logger
}

func NewNoopService(log *store.NoopLog, logger *zap.Logger) *NoopService {
	return &NoopService{log: log, logger: logger}
}

// RecordSkip logs a decision not to store content.
func (s *NoopService) RecordSkip(reason domain.NoopReason, content, sessionID, projectID string) (*domain.NoopDecision, error) {
	if !domain.ValidNoopReason(string(reason)) {
		return nil, ErrInvalidNoopReason
	}
	d, err := s.log.Record(reason, content, sessionID, projectID)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("noop recorded", zap.String("reason", string(reason)))
	return &d, nil
}

// CountWrite feeds the write side of memoryWriteRatio.
func (s *NoopService) CountWrite() {
	s.log.CountWrite()
}

// Stats returns the aggregated NOOP analytics.
func (s *NoopService) Stats() domain.NoopStats {
	return s.log.Stats()
}

// Recent returns up to n recent decisions.
func (s *NoopService) Recent(n int) []domain.NoopDecision {
	return s.log.Recent(n)
}

type feedbackKey struct {
	MemoryID  string
	SessionID string
}

// UtilityTracker enforces per-session feedback idempotency and computes the
// recall utility weighting.
type UtilityTracker struct {
	seen *expirable.LRU[feedbackKey, time.Time]
}

func NewUtilityTracker() *UtilityTracker {
	return &UtilityTracker{
		seen: expirable.NewLRU[feedbackKey, time.Time](feedbackDedupeSize, nil, feedbackDedupeTTL),
	}
}

// MarkRecorded registers the (memoryID, sessionID) pair and reports whether
// it was new. A repeated pair within the retention window returns false.
// An empty session id never deduplicates.
func (t *UtilityTracker) MarkRecorded(memoryID, sessionID string) bool {
	if sessionID == "" {
		return true
	}
	key := feedbackKey{MemoryID: memoryID, SessionID: sessionID}
	if _, ok := t.seen.Get(key); ok {
		return false
	}
	t.seen.Add(key, time.Now())
	return true
}

// Unmark releases a (memoryID, sessionID) pair so the session can retry,
// used when the feedback turned out not to apply.
func (t *UtilityTracker) Unmark(memoryID, sessionID string) {
	if sessionID == "" {
		return
	}
	t.seen.Remove(feedbackKey{MemoryID: memoryID, SessionID: sessionID})
}

// WeightScore applies the utility weighting to a base fusion score:
// base × (1 + (utility − 0.5)). Entries without feedback pass through.
func WeightScore(base float64, meta domain.Metadata) float64 {
	if meta.UtilityScore == nil {
		return base
	}
	return base * (1 + (*meta.UtilityScore - 0.5))
}
