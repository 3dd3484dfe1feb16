package service

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/titanmem/titan/internal/domain"
	"github.com/titanmem/titan/internal/store"
)

// Adaptive configuration constants. Exposed so callers can reason about the
// importance formula; AdaptiveConfig overrides them per instance.
const (
	WeightRecency      = 0.35
	WeightFrequency    = 0.25
	WeightRelevance    = 0.20
	WeightConnectivity = 0.10
	WeightSurprise     = 0.10

	// RecencyDecayRate is the per-day multiplier for the recency factor.
	RecencyDecayRate = 0.95

	DefaultContextWindowSize = 50
	DefaultAccessRingSize    = 100

	DefaultConsolidationThreshold = 0.85
	DefaultClusterThreshold       = 0.5
	// ConsolidationScanCap bounds the O(N²) candidate scan.
	ConsolidationScanCap = 100

	importanceCacheSize = 2048
	importanceCacheTTL  = 10 * time.Minute
)

// AdaptiveConfig carries the tunable knobs of the adaptive manager.
type AdaptiveConfig struct {
	ContextWindowSize      int
	AccessRingSize         int
	ConsolidationThreshold float64
	ClusterThreshold       float64
	RecencyDecayRate       float64
}

func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		ContextWindowSize:      DefaultContextWindowSize,
		AccessRingSize:         DefaultAccessRingSize,
		ConsolidationThreshold: DefaultConsolidationThreshold,
		ClusterThreshold:       DefaultClusterThreshold,
		RecencyDecayRate:       RecencyDecayRate,
	}
}

// AdaptiveManager tracks accesses, scores dynamic importance, and maintains
// the context window of currently hot memories.
type AdaptiveManager struct {
	mu        sync.Mutex
	cfg       AdaptiveConfig
	path      string
	accessLog map[string][]domain.AccessEvent
	window    domain.ContextWindow
	cache     *expirable.LRU[string, float64]
	embedder  domain.EmbeddingProvider
	logger    *zap.Logger
}

type adaptiveState struct {
	AccessLog map[string][]domain.AccessEvent `json:"access_log"`
	Window    domain.ContextWindow            `json:"window"`
}

// NewAdaptiveManager opens the adaptive state at paths.
func NewAdaptiveManager(paths store.Paths, cfg AdaptiveConfig, logger *zap.Logger) (*AdaptiveManager, error) {
	if cfg.ContextWindowSize <= 0 {
		cfg.ContextWindowSize = DefaultContextWindowSize
	}
	if cfg.AccessRingSize <= 0 {
		cfg.AccessRingSize = DefaultAccessRingSize
	}
	if cfg.ConsolidationThreshold <= 0 {
		cfg.ConsolidationThreshold = DefaultConsolidationThreshold
	}
	if cfg.ClusterThreshold <= 0 {
		cfg.ClusterThreshold = DefaultClusterThreshold
	}
	if cfg.RecencyDecayRate <= 0 {
		cfg.RecencyDecayRate = RecencyDecayRate
	}

	m := &AdaptiveManager{
		cfg:       cfg,
		path:      paths.AdaptiveFile(),
		accessLog: make(map[string][]domain.AccessEvent),
		window: domain.ContextWindow{
			MaxSize:    cfg.ContextWindowSize,
			Priorities: make(map[string]int),
		},
		cache:  expirable.NewLRU[string, float64](importanceCacheSize, nil, importanceCacheTTL),
		logger: logger,
	}

	var state adaptiveState
	if err := store.ReadJSON(m.path, &state); err != nil {
		if err != store.ErrNotFound {
			return nil, err
		}
	} else {
		if state.AccessLog != nil {
			m.accessLog = state.AccessLog
		}
		if state.Window.Priorities != nil {
			m.window = state.Window
			m.window.MaxSize = cfg.ContextWindowSize
		}
	}
	return m, nil
}

// SetEmbeddingProvider switches consolidation similarity from Jaccard to
// embedding cosine.
func (m *AdaptiveManager) SetEmbeddingProvider(p domain.EmbeddingProvider) {
	m.mu.Lock()
	m.embedder = p
	m.mu.Unlock()
}

// RecordAccess appends an access event to the memory's bounded ring,
// invalidates its cached importance, and promotes it in the context window.
func (m *AdaptiveManager) RecordAccess(memoryID, contextQuery string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := append(m.accessLog[memoryID], domain.AccessEvent{
		MemoryID:     memoryID,
		Timestamp:    time.Now(),
		ContextQuery: contextQuery,
	})
	if len(events) > m.cfg.AccessRingSize {
		events = events[len(events)-m.cfg.AccessRingSize:]
	}
	m.accessLog[memoryID] = events
	m.cache.Remove(memoryID)
	m.promoteLocked(memoryID, len(events))

	if err := m.persistLocked(); err != nil {
		m.logger.Warn("failed to persist adaptive state", zap.Error(err))
	}
}

// promoteLocked inserts the id into the context window with priority equal
// to its access count, evicting the lowest-priority ids when over capacity.
func (m *AdaptiveManager) promoteLocked(memoryID string, accessCount int) {
	if _, active := m.window.Priorities[memoryID]; !active {
		m.window.ActiveIDs = append(m.window.ActiveIDs, memoryID)
	}
	m.window.Priorities[memoryID] = accessCount

	for len(m.window.ActiveIDs) > m.window.MaxSize {
		lowestIdx := 0
		for i, id := range m.window.ActiveIDs {
			if m.window.Priorities[id] < m.window.Priorities[m.window.ActiveIDs[lowestIdx]] {
				lowestIdx = i
			}
		}
		evicted := m.window.ActiveIDs[lowestIdx]
		m.window.ActiveIDs = append(m.window.ActiveIDs[:lowestIdx], m.window.ActiveIDs[lowestIdx+1:]...)
		delete(m.window.Priorities, evicted)
	}
}

// AccessCount returns how many accesses are in the memory's ring.
func (m *AdaptiveManager) AccessCount(memoryID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accessLog[memoryID])
}

// AccessEvents returns a copy of the memory's access ring.
func (m *AdaptiveManager) AccessEvents(memoryID string) []domain.AccessEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AccessEvent(nil), m.accessLog[memoryID]...)
}

// Window returns a snapshot of the context window.
func (m *AdaptiveManager) Window() domain.ContextWindow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := domain.ContextWindow{
		ActiveIDs:  append([]string(nil), m.window.ActiveIDs...),
		MaxSize:    m.window.MaxSize,
		Priorities: make(map[string]int, len(m.window.Priorities)),
	}
	for k, v := range m.window.Priorities {
		out.Priorities[k] = v
	}
	return out
}

// Forget drops all adaptive state for a deleted memory.
func (m *AdaptiveManager) Forget(memoryID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accessLog, memoryID)
	m.cache.Remove(memoryID)
	if _, active := m.window.Priorities[memoryID]; active {
		delete(m.window.Priorities, memoryID)
		m.window.ActiveIDs = removeID(m.window.ActiveIDs, memoryID)
	}
	if err := m.persistLocked(); err != nil {
		m.logger.Warn("failed to persist adaptive state", zap.Error(err))
	}
}

// ComputeImportance scores an entry on the weighted factor formula.
// Context-free scores are cached per memory id; a context query bypasses
// the cache.
func (m *AdaptiveManager) ComputeImportance(entry domain.MemoryEntry, contextQuery string) float64 {
	if contextQuery == "" {
		if v, ok := m.cache.Get(entry.ID); ok {
			return v
		}
	}
	factors := m.ComputeFactors(entry, contextQuery)
	importance := clamp01(WeightRecency*factors.Recency +
		WeightFrequency*factors.Frequency +
		WeightRelevance*factors.Relevance +
		WeightConnectivity*factors.Connectivity +
		WeightSurprise*factors.Surprise)
	if contextQuery == "" {
		m.cache.Add(entry.ID, importance)
	}
	return importance
}

// ComputeFactors exposes the raw importance factors, mostly for stats and
// tests.
func (m *AdaptiveManager) ComputeFactors(entry domain.MemoryEntry, contextQuery string) domain.ImportanceFactors {
	m.mu.Lock()
	events := m.accessLog[entry.ID]
	accessCount := len(events)
	var lastAccess time.Time
	if accessCount > 0 {
		lastAccess = events[accessCount-1].Timestamp
	}
	decayRate := m.cfg.RecencyDecayRate
	m.mu.Unlock()

	factors := domain.ImportanceFactors{}

	// Recency: decayRate^daysSinceLastAccess, 0.5 when never accessed.
	if lastAccess.IsZero() {
		factors.Recency = 0.5
	} else {
		days := time.Since(lastAccess).Hours() / 24
		if days < 0 {
			days = 0
		}
		factors.Recency = clamp01(math.Pow(decayRate, days))
	}

	// Frequency: min(1, log10(accesses+1)/2).
	factors.Frequency = math.Min(1, math.Log10(float64(accessCount)+1)/2)

	// Relevance: Jaccard against the context query, 0.5 without one.
	if contextQuery == "" {
		factors.Relevance = 0.5
	} else {
		factors.Relevance = Jaccard(entry.Content, contextQuery)
	}

	// Connectivity: tag count plus a project bonus.
	factors.Connectivity = math.Min(1, float64(len(entry.Metadata.Tags))*0.2)
	if entry.Metadata.ProjectID != "" {
		factors.Connectivity = math.Min(1, factors.Connectivity+0.2)
	}

	// Surprise: stored score, 0.5 when absent.
	if entry.Metadata.SurpriseScore > 0 {
		factors.Surprise = clamp01(entry.Metadata.SurpriseScore)
	} else {
		factors.Surprise = 0.5
	}
	return factors
}

// similarity uses embedding cosine when a provider is wired, Jaccard
// otherwise.
func (m *AdaptiveManager) similarity(ctx context.Context, a, b string) float64 {
	m.mu.Lock()
	embedder := m.embedder
	m.mu.Unlock()
	if embedder != nil {
		va, errA := embedder.Embed(ctx, a)
		vb, errB := embedder.Embed(ctx, b)
		if errA == nil && errB == nil {
			return CosineF32(va, vb)
		}
		m.logger.Debug("embedding similarity failed, falling back to jaccard")
	}
	return Jaccard(a, b)
}

// Cluster greedily groups memories: each unassigned seed absorbs any
// unassigned memory above the cluster threshold; singleton clusters are
// discarded. The centroid is the member with the highest total similarity
// to the rest.
func (m *AdaptiveManager) Cluster(ctx context.Context, memories []domain.MemoryEntry) []domain.MemoryCluster {
	assigned := make(map[string]bool)
	var clusters []domain.MemoryCluster

	for i, seed := range memories {
		if assigned[seed.ID] {
			continue
		}
		members := []domain.MemoryEntry{seed}
		for j := i + 1; j < len(memories); j++ {
			cand := memories[j]
			if assigned[cand.ID] {
				continue
			}
			if m.similarity(ctx, seed.Content, cand.Content) > m.cfg.ClusterThreshold {
				members = append(members, cand)
				assigned[cand.ID] = true
			}
		}
		if len(members) < 2 {
			continue
		}
		assigned[seed.ID] = true
		clusters = append(clusters, m.buildCluster(ctx, members))
	}
	return clusters
}

func (m *AdaptiveManager) buildCluster(ctx context.Context, members []domain.MemoryEntry) domain.MemoryCluster {
	cluster := domain.MemoryCluster{
		ID:            "cluster-" + members[0].ID,
		TimespanStart: members[0].Timestamp,
		TimespanEnd:   members[0].Timestamp,
	}

	// Pairwise similarity totals pick the centroid and give cohesion.
	totals := make([]float64, len(members))
	var pairSum float64
	var pairs int
	for i := range members {
		for j := i + 1; j < len(members); j++ {
			sim := m.similarity(ctx, members[i].Content, members[j].Content)
			totals[i] += sim
			totals[j] += sim
			pairSum += sim
			pairs++
		}
	}
	best := 0
	for i, t := range totals {
		if t > totals[best] {
			best = i
		}
		cluster.MemberIDs = append(cluster.MemberIDs, members[i].ID)
		cluster.AvgImportance += m.ComputeImportance(members[i], "")
		if members[i].Timestamp.Before(cluster.TimespanStart) {
			cluster.TimespanStart = members[i].Timestamp
		}
		if members[i].Timestamp.After(cluster.TimespanEnd) {
			cluster.TimespanEnd = members[i].Timestamp
		}
	}
	cluster.CentroidContent = members[best].Content
	cluster.AvgImportance /= float64(len(members))
	if pairs > 0 {
		cluster.Cohesion = clamp01(pairSum / float64(pairs))
	}
	cluster.CommonTags = commonTags(members)
	sort.Strings(cluster.CommonTags)
	return cluster
}

func commonTags(members []domain.MemoryEntry) []string {
	if len(members) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, m := range members {
		for _, t := range m.Metadata.Tags {
			counts[t]++
		}
	}
	var out []string
	for t, c := range counts {
		if c == len(members) {
			out = append(out, t)
		}
	}
	return out
}

// Stats summarises the adaptive state.
type AdaptiveStats struct {
	TrackedMemories int `json:"tracked_memories"`
	TotalAccesses   int `json:"total_accesses"`
	WindowSize      int `json:"window_size"`
	WindowMax       int `json:"window_max"`
}

func (m *AdaptiveManager) Stats() AdaptiveStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, events := range m.accessLog {
		total += len(events)
	}
	return AdaptiveStats{
		TrackedMemories: len(m.accessLog),
		TotalAccesses:   total,
		WindowSize:      len(m.window.ActiveIDs),
		WindowMax:       m.window.MaxSize,
	}
}

// Close persists the adaptive state.
func (m *AdaptiveManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistLocked()
}

func (m *AdaptiveManager) persistLocked() error {
	return store.WriteJSONAtomic(m.path, adaptiveState{AccessLog: m.accessLog, Window: m.window})
}
