package service

import (
	"testing"

	"go.uber.org/zap"

	"github.com/titanmem/titan/internal/domain"
	"github.com/titanmem/titan/internal/store"
)

func newTestGraph(t *testing.T) *CausalGraph {
	t.Helper()
	g, err := NewCausalGraph(store.Paths{DataDir: t.TempDir()}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewCausalGraph: %v", err)
	}
	return g
}

func TestLinkValidation(t *testing.T) {
	g := newTestGraph(t)

	if _, err := g.Link("a", "a", domain.RelationCauses, LinkOpts{}); err != ErrSelfLink {
		t.Fatalf("self link = %v, want ErrSelfLink", err)
	}
	if _, err := g.Link("a", "b", "implies", LinkOpts{}); err != ErrInvalidRelation {
		t.Fatalf("bad relation = %v, want ErrInvalidRelation", err)
	}
	if _, err := g.Link("", "b", domain.RelationCauses, LinkOpts{}); err == nil {
		t.Fatal("empty endpoint accepted")
	}
}

func TestLinkDefaultsAndMerge(t *testing.T) {
	g := newTestGraph(t)

	e, err := g.Link("a", "b", domain.RelationCauses, LinkOpts{})
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if e.Strength != DefaultEdgeStrength {
		t.Fatalf("strength = %v, want default %v", e.Strength, DefaultEdgeStrength)
	}
	if e.Source != domain.EdgeSourceInferred {
		t.Fatalf("source = %s", e.Source)
	}

	// Re-linking the same triple merges: max strength wins, evidence updates.
	merged, err := g.Link("a", "b", domain.RelationCauses, LinkOpts{Strength: 0.9, Evidence: "observed twice"})
	if err != nil {
		t.Fatal(err)
	}
	if merged.ID != e.ID {
		t.Fatal("merge created a new edge")
	}
	if merged.Strength != 0.9 || merged.Evidence != "observed twice" {
		t.Fatalf("merged edge = %+v", merged)
	}
	weaker, err := g.Link("a", "b", domain.RelationCauses, LinkOpts{Strength: 0.2})
	if err != nil {
		t.Fatal(err)
	}
	if weaker.Strength != 0.9 {
		t.Fatalf("weaker relink lowered strength to %v", weaker.Strength)
	}
	if g.Stats().Edges != 1 {
		t.Fatalf("edges = %d, want 1", g.Stats().Edges)
	}

	// A different relationship between the same nodes is a distinct edge.
	if _, err := g.Link("a", "b", domain.RelationEnables, LinkOpts{}); err != nil {
		t.Fatal(err)
	}
	if g.Stats().Edges != 2 {
		t.Fatalf("edges = %d, want 2", g.Stats().Edges)
	}
}

func TestLinkFlagsCycles(t *testing.T) {
	g := newTestGraph(t)

	if _, err := g.Link("x", "y", domain.RelationCauses, LinkOpts{Strength: 0.8}); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Link("y", "z", domain.RelationCauses, LinkOpts{Strength: 0.8}); err != nil {
		t.Fatal(err)
	}
	closing, err := g.Link("z", "x", domain.RelationCauses, LinkOpts{Strength: 0.8})
	if err != nil {
		t.Fatalf("cycle-closing link rejected: %v", err)
	}
	if !closing.Cyclic {
		t.Fatal("closing edge not flagged cyclic")
	}
	if g.Stats().CyclesDetected != 1 {
		t.Fatalf("cycles detected = %d", g.Stats().CyclesDetected)
	}

	trace := g.Trace("x", domain.TraceOpts{})
	if !trace.HasCycle {
		t.Fatal("trace should report the cycle")
	}
}

func TestTraceForward(t *testing.T) {
	g := newTestGraph(t)

	if _, err := g.Link("a", "b", domain.RelationCauses, LinkOpts{Strength: 0.8}); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Link("b", "c", domain.RelationEnables, LinkOpts{Strength: 0.5}); err != nil {
		t.Fatal(err)
	}

	trace := g.Trace("a", domain.TraceOpts{})
	if trace.Root != "a" {
		t.Fatalf("root = %s", trace.Root)
	}
	if len(trace.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(trace.Steps))
	}
	if trace.Steps[0].Depth != 1 || trace.Steps[1].Depth != 2 {
		t.Fatalf("depths = %d, %d", trace.Steps[0].Depth, trace.Steps[1].Depth)
	}
	if trace.TotalStrength != 0.8*0.5 {
		t.Fatalf("total strength = %v", trace.TotalStrength)
	}
	if trace.HasCycle {
		t.Fatal("acyclic chain reported a cycle")
	}
}

func TestTraceDepthAndFilters(t *testing.T) {
	g := newTestGraph(t)

	if _, err := g.Link("a", "b", domain.RelationCauses, LinkOpts{Strength: 0.9}); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Link("b", "c", domain.RelationBlocks, LinkOpts{Strength: 0.2}); err != nil {
		t.Fatal(err)
	}

	// Depth 1 stops after the first hop.
	if trace := g.Trace("a", domain.TraceOpts{Depth: 1}); len(trace.Steps) != 1 {
		t.Fatalf("depth-1 steps = %d", len(trace.Steps))
	}
	// Relation filter skips the blocks edge.
	trace := g.Trace("a", domain.TraceOpts{RelationTypes: []domain.CausalRelation{domain.RelationCauses}})
	if len(trace.Steps) != 1 {
		t.Fatalf("filtered steps = %d", len(trace.Steps))
	}
	// Strength filter skips the weak edge.
	trace = g.Trace("a", domain.TraceOpts{MinStrength: 0.5})
	if len(trace.Steps) != 1 {
		t.Fatalf("min-strength steps = %d", len(trace.Steps))
	}
}

func TestTraceBackward(t *testing.T) {
	g := newTestGraph(t)
	if _, err := g.Link("a", "b", domain.RelationCauses, LinkOpts{Strength: 0.6}); err != nil {
		t.Fatal(err)
	}
	trace := g.Trace("b", domain.TraceOpts{Direction: domain.TraceBackward})
	if len(trace.Steps) != 1 || trace.Steps[0].Edge.From != "a" {
		t.Fatalf("backward trace = %+v", trace.Steps)
	}
}

func TestTraceEmpty(t *testing.T) {
	g := newTestGraph(t)
	trace := g.Trace("lonely", domain.TraceOpts{})
	if len(trace.Steps) != 0 || trace.TotalStrength != 0 {
		t.Fatalf("empty trace = %+v", trace)
	}
}

func TestWhyFindsRootCauses(t *testing.T) {
	g := newTestGraph(t)

	// root -> mid -> leaf, plus a follows edge that Why must ignore.
	if _, err := g.Link("root", "mid", domain.RelationCauses, LinkOpts{Strength: 0.8}); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Link("mid", "leaf", domain.RelationEnables, LinkOpts{Strength: 0.6}); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Link("noise", "leaf", domain.RelationFollows, LinkOpts{Strength: 0.9}); err != nil {
		t.Fatal(err)
	}

	why := g.Why("leaf", 0)
	if len(why.DirectCauses) != 1 || why.DirectCauses[0].From != "mid" {
		t.Fatalf("direct causes = %+v", why.DirectCauses)
	}
	if len(why.IndirectCauses) != 1 || why.IndirectCauses[0].From != "root" {
		t.Fatalf("indirect causes = %+v", why.IndirectCauses)
	}
	found := false
	for _, r := range why.RootCauses {
		if r == "root" {
			found = true
		}
	}
	if !found {
		t.Fatalf("root causes = %v, want root", why.RootCauses)
	}
	want := (0.8 + 0.6) / 2
	if why.Confidence != want {
		t.Fatalf("confidence = %v, want %v", why.Confidence, want)
	}
}

func TestWhyNoCauses(t *testing.T) {
	g := newTestGraph(t)
	why := g.Why("orphan", 3)
	if len(why.DirectCauses) != 0 || why.Confidence != 0 {
		t.Fatalf("orphan why = %+v", why)
	}
}

func TestFindContradictions(t *testing.T) {
	g := newTestGraph(t)

	if _, err := g.Link("a", "b", domain.RelationContradicts, LinkOpts{}); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Link("c", "a", domain.RelationRefutes, LinkOpts{}); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Link("a", "d", domain.RelationSupports, LinkOpts{}); err != nil {
		t.Fatal(err)
	}

	got := g.FindContradictions("a")
	if len(got) != 2 {
		t.Fatalf("contradictions = %d, want 2", len(got))
	}
	for _, e := range got {
		if !domain.ContradictionRelations[e.Relationship] {
			t.Fatalf("non-contradiction surfaced: %s", e.Relationship)
		}
	}
}

func TestUnlinkAndRemoveMemory(t *testing.T) {
	g := newTestGraph(t)

	e, err := g.Link("a", "b", domain.RelationCauses, LinkOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.Link("b", "c", domain.RelationEnables, LinkOpts{}); err != nil {
		t.Fatal(err)
	}

	if err := g.Unlink(e.ID); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if err := g.Unlink(e.ID); err != ErrEdgeNotFound {
		t.Fatalf("double unlink = %v, want ErrEdgeNotFound", err)
	}

	if err := g.RemoveMemory("b"); err != nil {
		t.Fatalf("RemoveMemory: %v", err)
	}
	if g.Stats().Edges != 0 {
		t.Fatalf("edges = %d after removal", g.Stats().Edges)
	}
}

func TestCausalGraphPersistsAcrossReopen(t *testing.T) {
	paths := store.Paths{DataDir: t.TempDir()}
	g, err := NewCausalGraph(paths, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.Link("a", "b", domain.RelationCauses, LinkOpts{Strength: 0.7}); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewCausalGraph(paths, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	edges := reopened.Edges()
	if len(edges) != 1 || edges[0].From != "a" || edges[0].Strength != 0.7 {
		t.Fatalf("edges lost across reopen: %+v", edges)
	}
	// Indexes rebuilt: the trace still works.
	if trace := reopened.Trace("a", domain.TraceOpts{}); len(trace.Steps) != 1 {
		t.Fatal("index not rebuilt on reopen")
	}
}
