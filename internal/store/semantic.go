package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/titanmem/titan/internal/domain"
)

// PatternType classifies a semantic entry by its reuse shape.
type PatternType string

const (
	PatternHowTo      PatternType = "how_to"
	PatternPreference PatternType = "preference"
	PatternSolution   PatternType = "solution"
	PatternGeneral    PatternType = "general"
)

// patternRecord wraps an entry with its reuse bookkeeping.
type patternRecord struct {
	Entry       domain.MemoryEntry `json:"entry"`
	PatternType PatternType        `json:"pattern_type"`
	UpdateCount int                `json:"update_count"`
	FirstStored time.Time          `json:"first_stored"`
	LastUpdated time.Time          `json:"last_updated"`
}

// SemanticStore is the pattern-indexed layer for reusable knowledge.
type SemanticStore struct {
	mu      sync.RWMutex
	path    string
	records map[string]patternRecord
	logger  *zap.Logger
}

type semanticState struct {
	Records map[string]patternRecord `json:"records"`
}

// NewSemanticStore opens (or creates) the semantic layer at paths.
func NewSemanticStore(paths Paths, logger *zap.Logger) (*SemanticStore, error) {
	s := &SemanticStore{
		path:    paths.SemanticFile(),
		records: make(map[string]patternRecord),
		logger:  logger,
	}
	var state semanticState
	if err := ReadJSON(s.path, &state); err != nil {
		if err != ErrNotFound {
			return nil, err
		}
	} else {
		s.records = state.Records
	}
	return s, nil
}

func (s *SemanticStore) Layer() domain.Layer { return domain.LayerSemantic }

func (s *SemanticStore) Store(ctx context.Context, entry domain.MemoryEntry) (domain.MemoryEntry, error) {
	if err := domain.ValidateContent(entry.Content); err != nil {
		return domain.MemoryEntry{}, err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.Layer = domain.LayerSemantic

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, exists := s.records[entry.ID]
	if exists {
		rec.Entry = entry.Clone()
		rec.UpdateCount++
		rec.LastUpdated = time.Now()
	} else {
		rec = patternRecord{
			Entry:       entry.Clone(),
			PatternType: ClassifyPattern(entry.Content),
			UpdateCount: 1,
			FirstStored: entry.Timestamp,
			LastUpdated: entry.Timestamp,
		}
	}
	s.records[entry.ID] = rec
	if err := s.persistLocked(); err != nil {
		if exists {
			return domain.MemoryEntry{}, err
		}
		delete(s.records, entry.ID)
		return domain.MemoryEntry{}, err
	}
	return entry, nil
}

func (s *SemanticStore) Get(ctx context.Context, id string) (*domain.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	out := rec.Entry.Clone()
	return &out, nil
}

func (s *SemanticStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return false, nil
	}
	delete(s.records, id)
	if err := s.persistLocked(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SemanticStore) Query(ctx context.Context, text string, opts domain.QueryOpts) (*domain.QueryResult, error) {
	start := time.Now()
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	entries := make(map[string]domain.MemoryEntry, len(s.records))
	for id, rec := range s.records {
		entries[id] = rec.Entry
	}
	s.mu.RUnlock()

	var matched []domain.MemoryEntry
	if strings.TrimSpace(text) == "" {
		matched = recentEntries(entries, opts)
	} else {
		matched = rankByOverlap(entries, text, opts)
	}

	total := len(matched)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return &domain.QueryResult{
		Memories:    matched,
		Layer:       domain.LayerSemantic,
		QueryTimeMs: float64(time.Since(start).Microseconds()) / 1000.0,
		TotalFound:  total,
	}, nil
}

func (s *SemanticStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// PatternInfo reports the reuse bookkeeping for one entry. UpdateFrequency
// is updates per day since the entry was first stored.
type PatternInfo struct {
	PatternType     PatternType `json:"pattern_type"`
	UpdateCount     int         `json:"update_count"`
	UpdateFrequency float64     `json:"update_frequency"`
}

func (s *SemanticStore) GetPatternInfo(id string) (*PatternInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	days := time.Since(rec.FirstStored).Hours() / 24
	if days < 1 {
		days = 1
	}
	return &PatternInfo{
		PatternType:     rec.PatternType,
		UpdateCount:     rec.UpdateCount,
		UpdateFrequency: float64(rec.UpdateCount) / days,
	}, nil
}

func (s *SemanticStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *SemanticStore) persistLocked() error {
	return WriteJSONAtomic(s.path, semanticState{Records: s.records})
}

// ClassifyPattern buckets content into a reuse shape by keyword cues.
func ClassifyPattern(content string) PatternType {
	lower := strings.ToLower(content)
	switch {
	case strings.Contains(lower, "how to") || strings.Contains(lower, "steps") || strings.Contains(lower, "approach"):
		return PatternHowTo
	case strings.Contains(lower, "prefer") || strings.Contains(lower, "style") || strings.Contains(lower, "convention"):
		return PatternPreference
	case strings.Contains(lower, "fix") || strings.Contains(lower, "solved") || strings.Contains(lower, "solution") || strings.Contains(lower, "workaround"):
		return PatternSolution
	default:
		return PatternGeneral
	}
}
