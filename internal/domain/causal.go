package domain

import "time"

type CausalRelation string

const (
	RelationCauses      CausalRelation = "causes"
	RelationEnables     CausalRelation = "enables"
	RelationBlocks      CausalRelation = "blocks"
	RelationFollows     CausalRelation = "follows"
	RelationContradicts CausalRelation = "contradicts"
	RelationRequires    CausalRelation = "requires"
	RelationSupports    CausalRelation = "supports"
	RelationRefutes     CausalRelation = "refutes"
)

func ValidCausalRelation(r string) bool {
	switch CausalRelation(r) {
	case RelationCauses, RelationEnables, RelationBlocks, RelationFollows,
		RelationContradicts, RelationRequires, RelationSupports, RelationRefutes:
		return true
	}
	return false
}

// CausalRelations are the relationships followed by Why queries.
var CausalRelations = map[CausalRelation]bool{
	RelationCauses:   true,
	RelationEnables:  true,
	RelationRequires: true,
}

// ContradictionRelations mark edges surfaced by FindContradictions.
var ContradictionRelations = map[CausalRelation]bool{
	RelationContradicts: true,
	RelationRefutes:     true,
}

type EdgeSource string

const (
	EdgeSourceInferred EdgeSource = "inferred"
	EdgeSourceExplicit EdgeSource = "explicit"
	EdgeSourceUser     EdgeSource = "user"
)

// CausalEdge is a typed directed edge between two memories. Re-linking the
// same (from, to, relationship) triple merges by keeping max strength.
type CausalEdge struct {
	ID           string         `json:"id"`
	From         string         `json:"from"`
	To           string         `json:"to"`
	Relationship CausalRelation `json:"relationship"`
	Strength     float64        `json:"strength"`
	CreatedAt    time.Time      `json:"created_at"`
	Evidence     string         `json:"evidence,omitempty"`
	Source       EdgeSource     `json:"source"`
	Cyclic       bool           `json:"cyclic,omitempty"`
}

type TraceDirection string

const (
	TraceForward  TraceDirection = "forward"
	TraceBackward TraceDirection = "backward"
	TraceBoth     TraceDirection = "both"
)

// TraceOpts bounds a causal trace.
type TraceOpts struct {
	Depth         int
	Direction     TraceDirection
	MinStrength   float64
	RelationTypes []CausalRelation
}

// TraceStep is one hop of a discovered chain.
type TraceStep struct {
	Edge  CausalEdge `json:"edge"`
	Depth int        `json:"depth"`
}

// TraceResult is a bounded DFS over the graph from a starting memory.
// TotalStrength is the product of edge strengths along the chain.
type TraceResult struct {
	Root          string      `json:"root"`
	Steps         []TraceStep `json:"steps"`
	TotalStrength float64     `json:"total_strength"`
	HasCycle      bool        `json:"has_cycle"`
}

// WhyResult explains a memory through its causal predecessors.
type WhyResult struct {
	MemoryID       string       `json:"memory_id"`
	DirectCauses   []CausalEdge `json:"direct_causes"`
	IndirectCauses []CausalEdge `json:"indirect_causes"`
	RootCauses     []string     `json:"root_causes"`
	Confidence     float64      `json:"confidence"`
}

// GraphStats summarises the causal graph.
type GraphStats struct {
	Edges          int `json:"edges"`
	Nodes          int `json:"nodes"`
	CyclesDetected int `json:"cycles_detected"`
}
