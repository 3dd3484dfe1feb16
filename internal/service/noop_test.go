package service

import (
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/titanmem/titan/internal/domain"
	"github.com/titanmem/titan/internal/store"
)

func newTestNoopService(t *testing.T) *NoopService {
	t.Helper()
	log, err := store.NewNoopLog(store.Paths{DataDir: t.TempDir()}, 0)
	if err != nil {
		t.Fatalf("NewNoopLog: %v", err)
	}
	return NewNoopService(log, zap.NewNop())
}

func TestRecordSkipValidatesReason(t *testing.T) {
	s := newTestNoopService(t)

	if _, err := s.RecordSkip("nonsense", "content", "", ""); err != ErrInvalidNoopReason {
		t.Fatalf("invalid reason = %v, want ErrInvalidNoopReason", err)
	}

	d, err := s.RecordSkip(domain.NoopDuplicate, "seen this before", "s1", "")
	if err != nil {
		t.Fatalf("RecordSkip: %v", err)
	}
	if d.Reason != domain.NoopDuplicate {
		t.Fatalf("reason = %s", d.Reason)
	}
	if s.Stats().Total != 1 {
		t.Fatalf("total = %d", s.Stats().Total)
	}
}

func TestUtilityTrackerIdempotency(t *testing.T) {
	tr := NewUtilityTracker()

	if !tr.MarkRecorded("m1", "s1") {
		t.Fatal("first mark should succeed")
	}
	if tr.MarkRecorded("m1", "s1") {
		t.Fatal("repeat mark in same session should be rejected")
	}
	if !tr.MarkRecorded("m1", "s2") {
		t.Fatal("different session should be independent")
	}
	if !tr.MarkRecorded("m2", "s1") {
		t.Fatal("different memory should be independent")
	}
}

func TestUtilityTrackerEmptySessionNeverDedupes(t *testing.T) {
	tr := NewUtilityTracker()
	for i := 0; i < 3; i++ {
		if !tr.MarkRecorded("m1", "") {
			t.Fatal("empty session id must never deduplicate")
		}
	}
}

func TestWeightScore(t *testing.T) {
	helpful := 1.0
	harmful := 0.0
	neutral := 0.5

	tests := []struct {
		name string
		meta domain.Metadata
		want float64
	}{
		{"no feedback passes through", domain.Metadata{}, 2.0},
		{"fully helpful boosts by half", domain.Metadata{UtilityScore: &helpful}, 3.0},
		{"fully harmful halves", domain.Metadata{UtilityScore: &harmful}, 1.0},
		{"neutral unchanged", domain.Metadata{UtilityScore: &neutral}, 2.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WeightScore(2.0, tt.meta)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("WeightScore = %v, want %v", got, tt.want)
			}
		})
	}
}
