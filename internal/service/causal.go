package service

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/titanmem/titan/internal/domain"
	"github.com/titanmem/titan/internal/store"
)

const (
	// DefaultTraceDepth bounds trace and why traversals.
	DefaultTraceDepth = 5
	// DefaultEdgeStrength applies when a link carries no strength.
	DefaultEdgeStrength = 0.5
)

var (
	ErrInvalidRelation = errors.New("invalid causal relationship")
	ErrEdgeNotFound    = errors.New("causal edge not found")
	ErrSelfLink        = errors.New("memory cannot cause itself")
)

// CausalGraph is a typed directed multi-graph between memories with two
// inverted indexes for O(1) neighbour lookup. The edge map and both
// indexes are updated atomically under one mutex.
type CausalGraph struct {
	mu             sync.RWMutex
	path           string
	edges          map[string]*domain.CausalEdge
	fromIndex      map[string][]string // from -> edge ids
	toIndex        map[string][]string // to -> edge ids
	cyclesDetected int
	logger         *zap.Logger
}

type causalState struct {
	Edges          []domain.CausalEdge `json:"edges"`
	CyclesDetected int                 `json:"cycles_detected"`
}

// NewCausalGraph opens (or creates) the graph persisted at paths.
func NewCausalGraph(paths store.Paths, logger *zap.Logger) (*CausalGraph, error) {
	g := &CausalGraph{
		path:      paths.CausalFile(),
		edges:     make(map[string]*domain.CausalEdge),
		fromIndex: make(map[string][]string),
		toIndex:   make(map[string][]string),
		logger:    logger,
	}
	var state causalState
	if err := store.ReadJSON(g.path, &state); err != nil {
		if err != store.ErrNotFound {
			return nil, err
		}
	} else {
		g.cyclesDetected = state.CyclesDetected
		for i := range state.Edges {
			e := state.Edges[i]
			g.edges[e.ID] = &e
			g.fromIndex[e.From] = append(g.fromIndex[e.From], e.ID)
			g.toIndex[e.To] = append(g.toIndex[e.To], e.ID)
		}
	}
	return g, nil
}

// LinkOpts carries the optional link fields.
type LinkOpts struct {
	Strength float64
	Evidence string
	Source   domain.EdgeSource
}

// Link creates or merges the (from, to, relationship) edge. Re-linking
// merges by keeping max strength and updating evidence. An edge that makes
// from reachable from to is still stored but flagged cyclic.
func (g *CausalGraph) Link(from, to string, relationship domain.CausalRelation, opts LinkOpts) (*domain.CausalEdge, error) {
	if from == "" || to == "" {
		return nil, ErrEdgeNotFound
	}
	if from == to {
		return nil, ErrSelfLink
	}
	if !domain.ValidCausalRelation(string(relationship)) {
		return nil, ErrInvalidRelation
	}
	strength := opts.Strength
	if strength <= 0 {
		strength = DefaultEdgeStrength
	}
	strength = clamp01(strength)
	source := opts.Source
	if source == "" {
		source = domain.EdgeSourceInferred
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Merge an existing triple.
	for _, id := range g.fromIndex[from] {
		e := g.edges[id]
		if e.To == to && e.Relationship == relationship {
			if strength > e.Strength {
				e.Strength = strength
			}
			if opts.Evidence != "" {
				e.Evidence = opts.Evidence
			}
			if err := g.persistLocked(); err != nil {
				return nil, err
			}
			out := *e
			return &out, nil
		}
	}

	edge := &domain.CausalEdge{
		ID:           uuid.NewString(),
		From:         from,
		To:           to,
		Relationship: relationship,
		Strength:     strength,
		CreatedAt:    time.Now(),
		Evidence:     opts.Evidence,
		Source:       source,
	}
	// Reachability from `to` back to `from` means this edge closes a loop.
	if g.reachableLocked(to, from) {
		edge.Cyclic = true
		g.cyclesDetected++
		g.logger.Debug("cycle-creating causal edge stored",
			zap.String("from", from), zap.String("to", to), zap.String("relationship", string(relationship)))
	}

	g.edges[edge.ID] = edge
	g.fromIndex[from] = append(g.fromIndex[from], edge.ID)
	g.toIndex[to] = append(g.toIndex[to], edge.ID)
	if err := g.persistLocked(); err != nil {
		delete(g.edges, edge.ID)
		g.fromIndex[from] = removeID(g.fromIndex[from], edge.ID)
		g.toIndex[to] = removeID(g.toIndex[to], edge.ID)
		return nil, err
	}
	out := *edge
	return &out, nil
}

// reachableLocked runs a BFS over forward edges from start looking for
// target.
func (g *CausalGraph) reachableLocked(start, target string) bool {
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, id := range g.fromIndex[node] {
			next := g.edges[id].To
			if next == target {
				return true
			}
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// Unlink removes one edge by id.
func (g *CausalGraph) Unlink(edgeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.edges[edgeID]
	if !ok {
		return ErrEdgeNotFound
	}
	delete(g.edges, edgeID)
	g.fromIndex[e.From] = removeID(g.fromIndex[e.From], edgeID)
	g.toIndex[e.To] = removeID(g.toIndex[e.To], edgeID)
	return g.persistLocked()
}

// RemoveMemory drops every edge touching the memory.
func (g *CausalGraph) RemoveMemory(memoryID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := append(append([]string(nil), g.fromIndex[memoryID]...), g.toIndex[memoryID]...)
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		e, ok := g.edges[id]
		if !ok {
			continue
		}
		delete(g.edges, id)
		g.fromIndex[e.From] = removeID(g.fromIndex[e.From], id)
		g.toIndex[e.To] = removeID(g.toIndex[e.To], id)
	}
	delete(g.fromIndex, memoryID)
	delete(g.toIndex, memoryID)
	return g.persistLocked()
}

// Trace walks the graph from memoryID with a bounded DFS. TotalStrength is
// the product of edge strengths along the discovered chain; traversal stops
// at cycle-flagged edges and already-visited nodes and reports HasCycle.
func (g *CausalGraph) Trace(memoryID string, opts domain.TraceOpts) *domain.TraceResult {
	if opts.Depth <= 0 {
		opts.Depth = DefaultTraceDepth
	}
	if opts.Direction == "" {
		opts.Direction = domain.TraceForward
	}
	relFilter := make(map[domain.CausalRelation]bool, len(opts.RelationTypes))
	for _, r := range opts.RelationTypes {
		relFilter[r] = true
	}

	result := &domain.TraceResult{Root: memoryID, TotalStrength: 1}

	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := map[string]bool{memoryID: true}
	var walk func(node string, depth int)
	walk = func(node string, depth int) {
		if depth >= opts.Depth {
			return
		}
		for _, edgeID := range g.neighboursLocked(node, opts.Direction) {
			e := g.edges[edgeID]
			if len(relFilter) > 0 && !relFilter[e.Relationship] {
				continue
			}
			if opts.MinStrength > 0 && e.Strength < opts.MinStrength {
				continue
			}
			next := e.To
			if opts.Direction == domain.TraceBackward {
				next = e.From
			} else if opts.Direction == domain.TraceBoth && next == node {
				next = e.From
			}
			if e.Cyclic || visited[next] {
				result.HasCycle = true
				if e.Cyclic {
					// Report the closing edge but do not follow it.
					result.Steps = append(result.Steps, domain.TraceStep{Edge: *e, Depth: depth + 1})
				}
				continue
			}
			visited[next] = true
			result.Steps = append(result.Steps, domain.TraceStep{Edge: *e, Depth: depth + 1})
			result.TotalStrength *= e.Strength
			walk(next, depth+1)
		}
	}
	walk(memoryID, 0)

	if len(result.Steps) == 0 {
		result.TotalStrength = 0
	}
	return result
}

func (g *CausalGraph) neighboursLocked(node string, dir domain.TraceDirection) []string {
	switch dir {
	case domain.TraceForward:
		return g.fromIndex[node]
	case domain.TraceBackward:
		return g.toIndex[node]
	default:
		return append(append([]string(nil), g.fromIndex[node]...), g.toIndex[node]...)
	}
}

// Why explains a memory through its causal predecessors, restricted to the
// causes/enables/requires relationships. Root causes are nodes with no
// further matching predecessors; confidence is the mean strength of all
// discovered causal edges.
func (g *CausalGraph) Why(memoryID string, maxDepth int) *domain.WhyResult {
	if maxDepth <= 0 {
		maxDepth = DefaultTraceDepth
	}
	result := &domain.WhyResult{MemoryID: memoryID}

	g.mu.RLock()
	defer g.mu.RUnlock()

	causalEdgesTo := func(node string) []*domain.CausalEdge {
		var out []*domain.CausalEdge
		for _, id := range g.toIndex[node] {
			e := g.edges[id]
			if domain.CausalRelations[e.Relationship] {
				out = append(out, e)
			}
		}
		return out
	}

	direct := causalEdgesTo(memoryID)
	for _, e := range direct {
		result.DirectCauses = append(result.DirectCauses, *e)
	}

	// BFS over predecessor frontiers.
	visited := map[string]bool{memoryID: true}
	frontier := make([]string, 0, len(direct))
	for _, e := range direct {
		if !visited[e.From] {
			visited[e.From] = true
			frontier = append(frontier, e.From)
		}
	}
	var strengths []float64
	for _, e := range direct {
		strengths = append(strengths, e.Strength)
	}
	for depth := 1; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, node := range frontier {
			preds := causalEdgesTo(node)
			if len(preds) == 0 {
				result.RootCauses = append(result.RootCauses, node)
				continue
			}
			for _, e := range preds {
				result.IndirectCauses = append(result.IndirectCauses, *e)
				strengths = append(strengths, e.Strength)
				if !visited[e.From] {
					visited[e.From] = true
					next = append(next, e.From)
				}
			}
		}
		frontier = next
	}
	// Whatever remains on the frontier at max depth counts as roots too.
	for _, node := range frontier {
		if len(causalEdgesTo(node)) == 0 {
			result.RootCauses = append(result.RootCauses, node)
		}
	}

	if len(strengths) > 0 {
		sum := 0.0
		for _, s := range strengths {
			sum += s
		}
		result.Confidence = sum / float64(len(strengths))
	}
	return result
}

// FindContradictions returns every contradicts/refutes edge touching the
// memory.
func (g *CausalGraph) FindContradictions(memoryID string) []domain.CausalEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []domain.CausalEdge
	seen := make(map[string]bool)
	for _, id := range append(append([]string(nil), g.fromIndex[memoryID]...), g.toIndex[memoryID]...) {
		if seen[id] {
			continue
		}
		seen[id] = true
		e := g.edges[id]
		if domain.ContradictionRelations[e.Relationship] {
			out = append(out, *e)
		}
	}
	return out
}

// Edges returns a snapshot of every edge.
func (g *CausalGraph) Edges() []domain.CausalEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]domain.CausalEdge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, *e)
	}
	return out
}

// Stats summarises the graph.
func (g *CausalGraph) Stats() domain.GraphStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	nodes := make(map[string]bool)
	for _, e := range g.edges {
		nodes[e.From] = true
		nodes[e.To] = true
	}
	return domain.GraphStats{
		Edges:          len(g.edges),
		Nodes:          len(nodes),
		CyclesDetected: g.cyclesDetected,
	}
}

func (g *CausalGraph) persistLocked() error {
	state := causalState{CyclesDetected: g.cyclesDetected}
	for _, e := range g.edges {
		state.Edges = append(state.Edges, *e)
	}
	return store.WriteJSONAtomic(g.path, state)
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
