package store

import (
	"context"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/titanmem/titan/internal/domain"
)

const (
	// factualNgramSize is the word n-gram width used for the hash index.
	factualNgramSize = 3
	// factualBuckets bounds the hash index; collisions are tolerated and
	// reported via GetHashStats.
	factualBuckets = 1 << 16
)

// HashStats reports the health of the factual n-gram index.
type HashStats struct {
	Buckets       int     `json:"buckets"`
	UsedBuckets   int     `json:"used_buckets"`
	Entries       int     `json:"entries"`
	Collisions    int     `json:"collisions"`
	CollisionRate float64 `json:"collision_rate"`
}

// FactualStore persists definitional memories keyed by a hash index over
// content n-grams. Intended for exact-ish definitional lookups.
type FactualStore struct {
	mu      sync.RWMutex
	path    string
	entries map[string]domain.MemoryEntry
	index   map[uint32][]string // bucket -> memory ids
	logger  *zap.Logger
}

type factualState struct {
	Entries map[string]domain.MemoryEntry `json:"entries"`
}

// NewFactualStore opens (or creates) the factual layer at paths.
func NewFactualStore(paths Paths, logger *zap.Logger) (*FactualStore, error) {
	s := &FactualStore{
		path:    paths.FactualFile(),
		entries: make(map[string]domain.MemoryEntry),
		index:   make(map[uint32][]string),
		logger:  logger,
	}
	var state factualState
	if err := ReadJSON(s.path, &state); err != nil {
		if err != ErrNotFound {
			return nil, err
		}
	} else {
		s.entries = state.Entries
		for id, e := range s.entries {
			s.indexEntry(id, e.Content)
		}
	}
	return s, nil
}

func (s *FactualStore) Layer() domain.Layer { return domain.LayerFactual }

func (s *FactualStore) Store(ctx context.Context, entry domain.MemoryEntry) (domain.MemoryEntry, error) {
	if err := domain.ValidateContent(entry.Content); err != nil {
		return domain.MemoryEntry{}, err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.Layer = domain.LayerFactual

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry.Clone()
	s.indexEntry(entry.ID, entry.Content)
	if err := s.persistLocked(); err != nil {
		delete(s.entries, entry.ID)
		return domain.MemoryEntry{}, err
	}
	return entry, nil
}

func (s *FactualStore) Get(ctx context.Context, id string) (*domain.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	out := e.Clone()
	return &out, nil
}

func (s *FactualStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return false, nil
	}
	delete(s.entries, id)
	s.rebuildIndexLocked()
	if err := s.persistLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// Query matches on n-gram bucket overlap between the query and stored
// content. An empty query returns the most recent entries.
func (s *FactualStore) Query(ctx context.Context, text string, opts domain.QueryOpts) (*domain.QueryResult, error) {
	start := time.Now()
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []domain.MemoryEntry
	if strings.TrimSpace(text) == "" {
		matched = recentEntries(s.entries, opts)
	} else {
		overlap := make(map[string]int)
		for _, bucket := range ngramBuckets(text) {
			for _, id := range s.index[bucket] {
				overlap[id]++
			}
		}
		// Token fallback keeps short queries ("what is X") useful when they
		// carry fewer words than the n-gram width.
		if len(overlap) == 0 {
			for id, e := range s.entries {
				if tokenOverlap(text, e.Content) > 0 {
					overlap[id]++
				}
			}
		}
		type scored struct {
			entry domain.MemoryEntry
			hits  int
		}
		var candidates []scored
		for id, hits := range overlap {
			e, ok := s.entries[id]
			if !ok || !matchesOpts(e, opts) {
				continue
			}
			candidates = append(candidates, scored{entry: e, hits: hits})
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].hits != candidates[j].hits {
				return candidates[i].hits > candidates[j].hits
			}
			return candidates[i].entry.ID < candidates[j].entry.ID
		})
		for _, c := range candidates {
			matched = append(matched, c.entry.Clone())
		}
	}

	total := len(matched)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return &domain.QueryResult{
		Memories:    matched,
		Layer:       domain.LayerFactual,
		QueryTimeMs: float64(time.Since(start).Microseconds()) / 1000.0,
		TotalFound:  total,
	}, nil
}

func (s *FactualStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// GetHashStats reports index occupancy and the collision rate (buckets that
// hold ids from more than one memory).
func (s *FactualStore) GetHashStats() HashStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := HashStats{Buckets: factualBuckets, Entries: len(s.entries)}
	for _, ids := range s.index {
		stats.UsedBuckets++
		distinct := make(map[string]bool, len(ids))
		for _, id := range ids {
			distinct[id] = true
		}
		if len(distinct) > 1 {
			stats.Collisions++
		}
	}
	if stats.UsedBuckets > 0 {
		stats.CollisionRate = float64(stats.Collisions) / float64(stats.UsedBuckets)
	}
	return stats
}

func (s *FactualStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *FactualStore) persistLocked() error {
	return WriteJSONAtomic(s.path, factualState{Entries: s.entries})
}

func (s *FactualStore) indexEntry(id, content string) {
	for _, bucket := range ngramBuckets(content) {
		s.index[bucket] = append(s.index[bucket], id)
	}
}

func (s *FactualStore) rebuildIndexLocked() {
	s.index = make(map[uint32][]string)
	for id, e := range s.entries {
		s.indexEntry(id, e.Content)
	}
}

// ngramBuckets hashes every word n-gram of text into the bucket space.
func ngramBuckets(text string) []uint32 {
	words := tokenize(text)
	if len(words) == 0 {
		return nil
	}
	n := factualNgramSize
	if len(words) < n {
		n = len(words)
	}
	seen := make(map[uint32]bool)
	var buckets []uint32
	for i := 0; i+n <= len(words); i++ {
		h := fnv.New32a()
		h.Write([]byte(strings.Join(words[i:i+n], " ")))
		b := h.Sum32() % factualBuckets
		if !seen[b] {
			seen[b] = true
			buckets = append(buckets, b)
		}
	}
	return buckets
}
