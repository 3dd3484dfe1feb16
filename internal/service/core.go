package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/titanmem/titan/internal/domain"
	"github.com/titanmem/titan/internal/store"
	"github.com/titanmem/titan/internal/world"
)

var (
	// ErrStorageFailure wraps a failed primary-layer write.
	ErrStorageFailure = errors.New("primary layer write failed")
	ErrCoreClosed     = errors.New("memory core closed")
)

// lowValueImportance is the importance below which default-routed,
// unsurprising content is skipped instead of stored.
const lowValueImportance = 0.3

// CoreOptions configures a memory core.
type CoreOptions struct {
	DataDir           string
	ProjectID         string
	SurpriseThreshold float64
	// PriorityWeight overrides the fusion priority-layer weight.
	PriorityWeight float64
	Adaptive       AdaptiveConfig
	Embedder       domain.EmbeddingProvider
	LLM            domain.LLMClient
	Logger         *zap.Logger
}

// project bundles every per-project component; switching the active project
// swaps the whole bundle.
type project struct {
	id       string
	paths    store.Paths
	stores   map[domain.Layer]domain.LayerStore
	factual  *store.FactualStore
	longterm *store.LongTermStore
	semantic *store.SemanticStore
	episodic *store.EpisodicStore
	noop     *NoopService
	adaptive *AdaptiveManager
	consol   *Consolidator
	graph    *CausalGraph
	world    *world.Model
	fuser    *Fuser
	surprise *SurpriseScorer
}

// Core is the memory manager: it routes adds, fans out recalls, and owns
// every per-project component.
type Core struct {
	mu      sync.RWMutex
	opts    CoreOptions
	p       *project
	tracker *UtilityTracker
	intents *IntentDetector
	tasks   *TaskRunner
	logger  *zap.Logger
	closed  bool
}

// NewCore opens (or creates) the project under opts.DataDir.
func NewCore(opts CoreOptions) (*Core, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SurpriseThreshold <= 0 {
		opts.SurpriseThreshold = DefaultSurpriseThreshold
	}
	c := &Core{
		opts:    opts,
		tracker: NewUtilityTracker(),
		intents: NewIntentDetector(),
		tasks:   NewTaskRunner(opts.Logger),
		logger:  opts.Logger,
	}
	p, err := c.openProject(opts.ProjectID)
	if err != nil {
		return nil, err
	}
	c.p = p
	c.tasks.Start()
	return c, nil
}

func (c *Core) openProject(projectID string) (*project, error) {
	paths := store.Paths{DataDir: c.opts.DataDir, ProjectID: projectID}

	factual, err := store.NewFactualStore(paths, c.logger)
	if err != nil {
		return nil, err
	}
	longterm, err := store.NewLongTermStore(paths, c.logger)
	if err != nil {
		return nil, err
	}
	semantic, err := store.NewSemanticStore(paths, c.logger)
	if err != nil {
		return nil, err
	}
	episodic, err := store.NewEpisodicStore(paths, c.logger)
	if err != nil {
		return nil, err
	}
	if c.opts.LLM != nil {
		episodic.SetLLMClient(c.opts.LLM)
	}

	noopLog, err := store.NewNoopLog(paths, store.DefaultNoopLogSize)
	if err != nil {
		return nil, err
	}
	adaptive, err := NewAdaptiveManager(paths, c.opts.Adaptive, c.logger)
	if err != nil {
		return nil, err
	}
	if c.opts.Embedder != nil {
		adaptive.SetEmbeddingProvider(c.opts.Embedder)
	}
	graph, err := NewCausalGraph(paths, c.logger)
	if err != nil {
		return nil, err
	}
	wm, err := world.NewModel(paths, c.logger)
	if err != nil {
		return nil, err
	}

	stores := map[domain.Layer]domain.LayerStore{
		domain.LayerFactual:  factual,
		domain.LayerLongTerm: longterm,
		domain.LayerSemantic: semantic,
		domain.LayerEpisodic: episodic,
	}
	return &project{
		id:       projectID,
		paths:    paths,
		stores:   stores,
		factual:  factual,
		longterm: longterm,
		semantic: semantic,
		episodic: episodic,
		noop:     NewNoopService(noopLog, c.logger),
		adaptive: adaptive,
		consol:   NewConsolidator(adaptive),
		graph:    graph,
		world:    wm,
		fuser:    NewFuser(stores, adaptive),
		surprise: NewSurpriseScorer(),
	}, nil
}

func (c *Core) current() (*project, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrCoreClosed
	}
	return c.p, nil
}

// AddResult reports what an add did.
type AddResult struct {
	Entry    *domain.MemoryEntry  `json:"entry,omitempty"`
	Skipped  bool                 `json:"skipped"`
	Noop     *domain.NoopDecision `json:"noop,omitempty"`
	Reason   string               `json:"reason"`
	Warnings []string             `json:"warnings,omitempty"`
}

// Add validates, routes, and persists new content. The primary write must
// succeed; mirror writes and post-store side-effects are best-effort.
func (c *Core) Add(ctx context.Context, content string, meta domain.Metadata) (*AddResult, error) {
	if err := domain.ValidateContent(content); err != nil {
		return nil, err
	}
	p, err := c.current()
	if err != nil {
		return nil, err
	}

	surprise := p.surprise.Score(content)
	if meta.SurpriseScore == 0 {
		meta.SurpriseScore = surprise
	}
	decision := GateStore(content)

	// Default-routed content that is neither surprising nor important is
	// not worth a write; record the skip instead.
	if decision.Reason == ReasonDefault &&
		surprise < c.opts.SurpriseThreshold &&
		decision.Importance < lowValueImportance {
		noop, nerr := p.noop.RecordSkip(domain.NoopLowValue, content, meta.SessionID, meta.ProjectID)
		if nerr != nil {
			c.logger.Warn("failed to record noop", zap.Error(nerr))
		}
		return &AddResult{Skipped: true, Noop: noop, Reason: "low value"}, nil
	}

	// Active contexts pass their shared tags down to every new memory.
	if common := p.world.CommonTags(); len(common) > 0 {
		meta.AddTags(common...)
	}
	meta.RoutingReason = decision.Reason

	warnings := qualityWarnings(content)
	entry := domain.MemoryEntry{
		ID:        uuid.NewString(),
		Content:   content,
		Layer:     decision.Primary,
		Timestamp: time.Now(),
		Metadata:  meta,
	}

	stored, err := p.stores[decision.Primary].Store(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	p.noop.CountWrite()

	for _, mirror := range decision.Mirrors {
		mirrorEntry := entry.Clone()
		mirrorEntry.Layer = mirror
		if _, merr := p.stores[mirror].Store(ctx, mirrorEntry); merr != nil {
			c.logger.Warn("mirror write failed",
				zap.String("layer", string(mirror)),
				zap.Error(merr))
		}
	}

	c.schedulePostStore(p, stored)
	return &AddResult{Entry: &stored, Reason: decision.Reason, Warnings: warnings}, nil
}

// AddToLayer bypasses routing and writes directly to the named layer.
func (c *Core) AddToLayer(ctx context.Context, layer domain.Layer, content string, meta domain.Metadata) (*domain.MemoryEntry, error) {
	if err := domain.ValidateContent(content); err != nil {
		return nil, err
	}
	if !domain.ValidLayer(string(layer)) {
		return nil, domain.ErrInvalidLayer
	}
	p, err := c.current()
	if err != nil {
		return nil, err
	}
	if meta.SurpriseScore == 0 {
		meta.SurpriseScore = p.surprise.Score(content)
	}
	entry := domain.MemoryEntry{
		ID:        uuid.NewString(),
		Content:   content,
		Layer:     layer,
		Timestamp: time.Now(),
		Metadata:  meta,
	}
	stored, err := p.stores[layer].Store(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	p.noop.CountWrite()
	c.schedulePostStore(p, stored)
	return &stored, nil
}

// schedulePostStore queues the non-fatal side-effects of a write.
func (c *Core) schedulePostStore(p *project, entry domain.MemoryEntry) {
	c.tasks.Submit(Task{
		Name: "adaptive-access",
		Run: func(ctx context.Context) error {
			p.adaptive.RecordAccess(entry.ID, "")
			return nil
		},
	})
	c.tasks.Submit(Task{
		Name: "causal-detect",
		Run: func(ctx context.Context) error {
			return detectCausalLinks(p.graph, entry)
		},
	})
}

// detectCausalLinks turns explicit metadata hints into graph edges.
func detectCausalLinks(graph *CausalGraph, entry domain.MemoryEntry) error {
	if entry.Metadata.Extra == nil {
		return nil
	}
	if causedBy, ok := entry.Metadata.Extra["causedBy"].(string); ok && causedBy != "" {
		if _, err := graph.Link(causedBy, entry.ID, domain.RelationCauses, LinkOpts{Source: domain.EdgeSourceInferred}); err != nil {
			return err
		}
	}
	if causes, ok := entry.Metadata.Extra["causes"].(string); ok && causes != "" {
		if _, err := graph.Link(entry.ID, causes, domain.RelationCauses, LinkOpts{Source: domain.EdgeSourceInferred}); err != nil {
			return err
		}
	}
	return nil
}

// qualityWarnings runs best-effort content checks. Issues never block the
// write.
func qualityWarnings(content string) []string {
	var warnings []string
	trimmed := strings.TrimSpace(content)
	if len(trimmed) < 10 {
		warnings = append(warnings, "content is very short")
	}
	if trimmed == strings.ToUpper(trimmed) && strings.ContainsAny(trimmed, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		warnings = append(warnings, "content is all uppercase")
	}
	for _, marker := range []string{"TBD", "TODO", "???", "<placeholder>"} {
		if strings.Contains(content, marker) {
			warnings = append(warnings, "content contains unresolved marker "+marker)
			break
		}
	}
	return warnings
}

// Recall classifies the query, gates the layers, and runs the fused
// fan-out.
func (c *Core) Recall(ctx context.Context, query string, opts FuseOptions) (*RecallResult, error) {
	p, err := c.current()
	if err != nil {
		return nil, err
	}
	intent := c.intents.Detect(query)
	plan := GateQuery(query)
	if opts.PriorityWeight <= 0 {
		opts.PriorityWeight = c.opts.PriorityWeight
	}
	result, err := p.fuser.Recall(ctx, query, plan, opts)
	if err != nil {
		return nil, err
	}
	result.Intent = intent
	return &result, nil
}

// Get looks the id up across every layer; a missing id yields nil, not an
// error.
func (c *Core) Get(ctx context.Context, id string) (*domain.MemoryEntry, error) {
	p, err := c.current()
	if err != nil {
		return nil, err
	}
	for _, layer := range domain.AllLayers {
		e, gerr := p.stores[layer].Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if e != nil {
			return e, nil
		}
	}
	return nil, nil
}

// Delete removes the id from every layer that holds it. Per-layer failures
// are logged, never aborted on.
func (c *Core) Delete(ctx context.Context, id string) (bool, error) {
	p, err := c.current()
	if err != nil {
		return false, err
	}
	removed := false
	for _, layer := range domain.AllLayers {
		ok, derr := p.stores[layer].Delete(ctx, id)
		if derr != nil {
			c.logger.Warn("layer delete failed",
				zap.String("layer", string(layer)),
				zap.Error(derr))
			continue
		}
		removed = removed || ok
	}
	if removed {
		p.adaptive.Forget(id)
		if gerr := p.graph.RemoveMemory(id); gerr != nil {
			c.logger.Warn("failed to drop causal edges", zap.Error(gerr))
		}
	}
	return removed, nil
}

// PruneOptions selects the prune passes. A nil DecayThreshold means the
// default decay cutoff; an explicit zero disables the decay pass. A nil
// UtilityThreshold skips the utility pass.
type PruneOptions struct {
	DecayThreshold   *float64
	UtilityThreshold *float64
}

type PruneResult struct {
	Pruned          int `json:"pruned"`
	PrunedByDecay   int `json:"pruned_by_decay"`
	PrunedByUtility int `json:"pruned_by_utility"`
}

// Prune removes decayed long-term entries and, when a utility threshold is
// given, low-utility entries with enough feedback across all layers.
func (c *Core) Prune(ctx context.Context, opts PruneOptions) (*PruneResult, error) {
	p, err := c.current()
	if err != nil {
		return nil, err
	}
	result := &PruneResult{}

	threshold := store.DefaultDecayRate
	if opts.DecayThreshold != nil {
		threshold = *opts.DecayThreshold
	}
	prunedIDs, perr := p.longterm.PruneDecayed(ctx, threshold)
	if perr != nil {
		return nil, perr
	}
	result.PrunedByDecay = len(prunedIDs)
	for _, id := range prunedIDs {
		p.adaptive.Forget(id)
	}

	if opts.UtilityThreshold != nil {
		for _, layer := range domain.AllLayers {
			s := p.stores[layer]
			qr, qerr := s.Query(ctx, "", domain.QueryOpts{Limit: s.Count()})
			if qerr != nil {
				c.logger.Warn("utility prune scan failed",
					zap.String("layer", string(layer)),
					zap.Error(qerr))
				continue
			}
			for _, m := range qr.Memories {
				feedback := m.Metadata.HelpfulCount + m.Metadata.HarmfulCount
				if feedback < MinFeedbackForPruning || m.Metadata.UtilityScore == nil {
					continue
				}
				if *m.Metadata.UtilityScore >= *opts.UtilityThreshold {
					continue
				}
				if ok, derr := s.Delete(ctx, m.ID); derr == nil && ok {
					result.PrunedByUtility++
					p.adaptive.Forget(m.ID)
				}
			}
		}
	}
	result.Pruned = result.PrunedByDecay + result.PrunedByUtility
	return result, nil
}

// FeedbackResult reports whether feedback was applied.
type FeedbackResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// RecordFeedback applies helpful/harmful feedback to a memory once per
// session, then re-persists so layer indexes refresh.
func (c *Core) RecordFeedback(ctx context.Context, id string, helpful bool, sessionID string) (*FeedbackResult, error) {
	p, err := c.current()
	if err != nil {
		return nil, err
	}
	if !c.tracker.MarkRecorded(id, sessionID) {
		return &FeedbackResult{Success: false, Message: "already recorded"}, nil
	}

	applied := false
	for _, layer := range domain.AllLayers {
		s := p.stores[layer]
		e, gerr := s.Get(ctx, id)
		if gerr != nil || e == nil {
			continue
		}
		updated := e.Clone()
		updated.Metadata.RecordFeedback(helpful, time.Now())

		// Delete-and-store so the layer rebuilds whatever index it keeps.
		if _, derr := s.Delete(ctx, id); derr != nil {
			c.logger.Warn("feedback re-persist delete failed", zap.Error(derr))
			continue
		}
		if _, serr := s.Store(ctx, updated); serr != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageFailure, serr)
		}
		applied = true
	}
	if !applied {
		// The pair must not stay consumed, or a retry for an id that shows
		// up later in the same session would be refused.
		c.tracker.Unmark(id, sessionID)
		return &FeedbackResult{Success: false, Message: "memory not found"}, nil
	}
	return &FeedbackResult{Success: true}, nil
}

// FlushPreCompaction persists a summary of today's episodes so context
// compaction loses nothing.
func (c *Core) FlushPreCompaction(ctx context.Context) ([]domain.MemoryEntry, error) {
	p, err := c.current()
	if err != nil {
		return nil, err
	}
	return p.episodic.FlushPreCompaction(ctx)
}

// Curate appends content to the human-curated markdown file.
func (c *Core) Curate(content, section string) error {
	p, err := c.current()
	if err != nil {
		return err
	}
	return p.episodic.AddToCurated(content, section)
}

// exportDump is the export file shape.
type exportDump struct {
	ProjectID  string                                `json:"project_id,omitempty"`
	ExportedAt time.Time                             `json:"exported_at"`
	Layers     map[domain.Layer][]domain.MemoryEntry `json:"layers"`
	Edges      []domain.CausalEdge                   `json:"causal_edges,omitempty"`
}

// Export streams a JSON dump of every layer plus the causal graph.
func (c *Core) Export(ctx context.Context, w io.Writer) error {
	p, err := c.current()
	if err != nil {
		return err
	}
	dump := exportDump{
		ProjectID:  p.id,
		ExportedAt: time.Now(),
		Layers:     make(map[domain.Layer][]domain.MemoryEntry),
	}
	for _, layer := range domain.AllLayers {
		s := p.stores[layer]
		qr, qerr := s.Query(ctx, "", domain.QueryOpts{Limit: s.Count()})
		if qerr != nil {
			return qerr
		}
		dump.Layers[layer] = qr.Memories
	}
	dump.Edges = p.graph.Edges()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(dump)
}

// SetActiveProject closes the current project bundle and opens the named
// one. An empty id selects the default project.
func (c *Core) SetActiveProject(projectID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCoreClosed
	}
	if c.p != nil && c.p.id == projectID {
		return nil
	}
	next, err := c.openProject(projectID)
	if err != nil {
		return err
	}
	if c.p != nil {
		c.closeProjectLocked(c.p)
	}
	c.p = next
	c.logger.Info("active project switched", zap.String("project", projectID))
	return nil
}

// ActiveProject returns the current project id.
func (c *Core) ActiveProject() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.p == nil {
		return ""
	}
	return c.p.id
}

// CoreStats aggregates every component's statistics.
type CoreStats struct {
	ProjectID   string               `json:"project_id,omitempty"`
	LayerCounts map[domain.Layer]int `json:"layer_counts"`
	Momentum    float64              `json:"momentum"`
	HashStats   store.HashStats      `json:"hash_stats"`
	Noop        domain.NoopStats     `json:"noop"`
	Graph       domain.GraphStats    `json:"graph"`
	Adaptive    AdaptiveStats        `json:"adaptive"`
}

func (c *Core) Stats() (*CoreStats, error) {
	p, err := c.current()
	if err != nil {
		return nil, err
	}
	stats := &CoreStats{
		ProjectID:   p.id,
		LayerCounts: make(map[domain.Layer]int),
		Momentum:    p.longterm.GetCurrentMomentum(),
		HashStats:   p.factual.GetHashStats(),
		Noop:        p.noop.Stats(),
		Graph:       p.graph.Stats(),
		Adaptive:    p.adaptive.Stats(),
	}
	for _, layer := range domain.AllLayers {
		stats.LayerCounts[layer] = p.stores[layer].Count()
	}
	return stats, nil
}

// Component passthroughs.

func (c *Core) Adaptive() *AdaptiveManager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.p.adaptive
}

func (c *Core) Consolidator() *Consolidator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.p.consol
}

func (c *Core) Graph() *CausalGraph {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.p.graph
}

func (c *Core) Noop() *NoopService {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.p.noop
}

func (c *Core) World() *world.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.p.world
}

func (c *Core) Episodic() *store.EpisodicStore {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.p.episodic
}

// Close drains background tasks and closes every component.
func (c *Core) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.tasks.Close()
	if c.p != nil {
		c.closeProjectLocked(c.p)
		c.p = nil
	}
	return nil
}

func (c *Core) closeProjectLocked(p *project) {
	for _, layer := range domain.AllLayers {
		if err := p.stores[layer].Close(); err != nil {
			c.logger.Warn("store close failed",
				zap.String("layer", string(layer)),
				zap.Error(err))
		}
	}
	if err := p.adaptive.Close(); err != nil {
		c.logger.Warn("adaptive close failed", zap.Error(err))
	}
}
