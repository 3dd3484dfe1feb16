package store

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/titanmem/titan/internal/domain"
)

const (
	// DefaultDecayRate halves a memory's effective score roughly every two
	// weeks when left untouched.
	DefaultDecayRate = 0.05
	// momentumWindow is how many recent surprise scores feed the rolling
	// momentum average.
	momentumWindow = 20
	// DefaultSurprise is assumed when an entry carries no surprise score.
	DefaultSurprise = 0.5
)

// LongTermStore is the default sink. Every entry carries a surprise score
// and decay factor; stale low-surprise entries are pruned by PruneDecayed.
type LongTermStore struct {
	mu       sync.RWMutex
	path     string
	entries  map[string]domain.MemoryEntry
	momentum []float64 // ring of recent surprise scores, newest last
	logger   *zap.Logger
}

type longTermState struct {
	Entries  map[string]domain.MemoryEntry `json:"entries"`
	Momentum []float64                     `json:"momentum,omitempty"`
}

// NewLongTermStore opens (or creates) the long-term layer at paths.
func NewLongTermStore(paths Paths, logger *zap.Logger) (*LongTermStore, error) {
	s := &LongTermStore{
		path:    paths.LongTermFile(),
		entries: make(map[string]domain.MemoryEntry),
		logger:  logger,
	}
	var state longTermState
	if err := ReadJSON(s.path, &state); err != nil {
		if err != ErrNotFound {
			return nil, err
		}
	} else {
		s.entries = state.Entries
		s.momentum = state.Momentum
	}
	return s, nil
}

func (s *LongTermStore) Layer() domain.Layer { return domain.LayerLongTerm }

func (s *LongTermStore) Store(ctx context.Context, entry domain.MemoryEntry) (domain.MemoryEntry, error) {
	if err := domain.ValidateContent(entry.Content); err != nil {
		return domain.MemoryEntry{}, err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.Layer = domain.LayerLongTerm
	if entry.Metadata.SurpriseScore == 0 {
		entry.Metadata.SurpriseScore = DefaultSurprise
	}
	if entry.Metadata.DecayFactor == 0 {
		entry.Metadata.DecayFactor = DefaultDecayRate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry.Clone()
	s.momentum = append(s.momentum, entry.Metadata.SurpriseScore)
	if len(s.momentum) > momentumWindow {
		s.momentum = s.momentum[len(s.momentum)-momentumWindow:]
	}
	if err := s.persistLocked(); err != nil {
		delete(s.entries, entry.ID)
		return domain.MemoryEntry{}, err
	}
	return entry, nil
}

func (s *LongTermStore) Get(ctx context.Context, id string) (*domain.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	out := e.Clone()
	return &out, nil
}

func (s *LongTermStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return false, nil
	}
	delete(s.entries, id)
	if err := s.persistLocked(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *LongTermStore) Query(ctx context.Context, text string, opts domain.QueryOpts) (*domain.QueryResult, error) {
	start := time.Now()
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	var matched []domain.MemoryEntry
	if strings.TrimSpace(text) == "" {
		matched = recentEntries(s.entries, opts)
	} else {
		matched = rankByOverlap(s.entries, text, opts)
	}
	s.mu.RUnlock()

	total := len(matched)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return &domain.QueryResult{
		Memories:    matched,
		Layer:       domain.LayerLongTerm,
		QueryTimeMs: float64(time.Since(start).Microseconds()) / 1000.0,
		TotalFound:  total,
	}, nil
}

func (s *LongTermStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// EffectiveScore is the surprise score dampened by exponential decay over
// the entry's age in days.
func EffectiveScore(e domain.MemoryEntry, now time.Time) float64 {
	surprise := e.Metadata.SurpriseScore
	if surprise == 0 {
		surprise = DefaultSurprise
	}
	rate := e.Metadata.DecayFactor
	if rate == 0 {
		rate = DefaultDecayRate
	}
	days := now.Sub(e.Timestamp).Hours() / 24
	if days < 0 {
		days = 0
	}
	return surprise * math.Exp(-rate*days)
}

// PruneDecayed removes entries whose effective score fell below threshold
// and returns the removed ids. A zero threshold prunes nothing.
func (s *LongTermStore) PruneDecayed(ctx context.Context, threshold float64) ([]string, error) {
	if threshold <= 0 {
		return nil, nil
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	var pruned []string
	for id, e := range s.entries {
		if EffectiveScore(e, now) < threshold {
			pruned = append(pruned, id)
		}
	}
	if len(pruned) == 0 {
		return nil, nil
	}
	for _, id := range pruned {
		delete(s.entries, id)
	}
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	s.logger.Debug("pruned decayed long-term entries", zap.Int("count", len(pruned)))
	return pruned, nil
}

// GetCurrentMomentum is the rolling average of recent surprise scores; 0
// when nothing was stored yet.
func (s *LongTermStore) GetCurrentMomentum() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.momentum) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range s.momentum {
		sum += v
	}
	return sum / float64(len(s.momentum))
}

func (s *LongTermStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *LongTermStore) persistLocked() error {
	return WriteJSONAtomic(s.path, longTermState{Entries: s.entries, Momentum: s.momentum})
}
