package service

import (
	"context"
	"strings"
	"testing"

	"github.com/titanmem/titan/internal/domain"
)

func newTestConsolidator(t *testing.T) *Consolidator {
	t.Helper()
	return NewConsolidator(newTestAdaptive(t))
}

func TestFindCandidates(t *testing.T) {
	c := newTestConsolidator(t)
	ctx := context.Background()

	memories := []domain.MemoryEntry{
		createTestMemory("a", "the cache invalidation happens on write"),
		createTestMemory("b", "the cache invalidation happens on write always"),
		createTestMemory("c", "unrelated note about sprint planning"),
	}
	candidates := c.FindCandidates(ctx, memories)
	if len(candidates) != 1 {
		t.Fatalf("got %d candidates, want 1", len(candidates))
	}
	got := candidates[0]
	if got.FirstID != "a" || got.SecondID != "b" {
		t.Fatalf("candidate pair = %s/%s", got.FirstID, got.SecondID)
	}
	if got.Similarity < DefaultConsolidationThreshold {
		t.Fatalf("similarity %v below threshold", got.Similarity)
	}
}

func TestFindCandidatesSortedBySimilarity(t *testing.T) {
	c := newTestConsolidator(t)
	ctx := context.Background()

	memories := []domain.MemoryEntry{
		createTestMemory("a", "one two three four five six"),
		createTestMemory("b", "one two three four five six"),
		createTestMemory("c", "one two three four five six seven"),
	}
	candidates := c.FindCandidates(ctx, memories)
	if len(candidates) < 2 {
		t.Fatalf("got %d candidates", len(candidates))
	}
	for i := 1; i < len(candidates); i++ {
		if candidates[i-1].Similarity < candidates[i].Similarity {
			t.Fatalf("candidates not sorted descending: %v", candidates)
		}
	}
	// The identical pair leads.
	if candidates[0].Similarity != 1 {
		t.Fatalf("top similarity = %v", candidates[0].Similarity)
	}
}

func TestFindCandidatesNoneBelowThreshold(t *testing.T) {
	c := newTestConsolidator(t)
	memories := []domain.MemoryEntry{
		createTestMemory("a", "entirely about databases"),
		createTestMemory("b", "entirely about frontends"),
	}
	if got := c.FindCandidates(context.Background(), memories); len(got) != 0 {
		t.Fatalf("got %d candidates, want 0", len(got))
	}
}

func TestConsolidateMergesSentences(t *testing.T) {
	c := newTestConsolidator(t)

	a := createTestMemory("a", "Retries use exponential backoff. The cap is thirty seconds.", "retries")
	a.Metadata.ProjectID = "svc"
	a.Metadata.SurpriseScore = 0.4
	b := createTestMemory("b", "Retries use exponential backoff. Jitter is applied per attempt.", "jitter")
	b.Metadata.SurpriseScore = 0.7

	merged := c.Consolidate(a, b)
	if len(merged.SourceIDs) != 2 || merged.SourceIDs[0] != "a" || merged.SourceIDs[1] != "b" {
		t.Fatalf("source ids = %v", merged.SourceIDs)
	}
	// The shared sentence appears once.
	if strings.Count(merged.Content, "exponential backoff") != 1 {
		t.Fatalf("duplicate sentence kept: %q", merged.Content)
	}
	if !strings.Contains(merged.Content, "thirty seconds") || !strings.Contains(merged.Content, "Jitter") {
		t.Fatalf("unique sentences lost: %q", merged.Content)
	}
	if merged.Summary != "Retries use exponential backoff." {
		t.Fatalf("summary = %q", merged.Summary)
	}
	// Tags union, max surprise, project carried over.
	if !merged.Metadata.HasTag("retries") || !merged.Metadata.HasTag("jitter") {
		t.Fatalf("tags = %v", merged.Metadata.Tags)
	}
	if merged.Metadata.SurpriseScore != 0.7 {
		t.Fatalf("surprise = %v, want max 0.7", merged.Metadata.SurpriseScore)
	}
	if merged.Metadata.ProjectID != "svc" {
		t.Fatalf("project = %q", merged.Metadata.ProjectID)
	}
	if merged.ID == "" || merged.ConsolidatedAt.IsZero() {
		t.Fatal("identity fields not set")
	}
}

func TestConsolidateSummaryTruncated(t *testing.T) {
	c := newTestConsolidator(t)

	long := strings.Repeat("word ", 40) + "end."
	merged := c.Consolidate(createTestMemory("a", long), createTestMemory("b", "short note."))
	if got := len([]rune(merged.Summary)); got > ConsolidationSummaryLength {
		t.Fatalf("summary length = %d, want <= %d", got, ConsolidationSummaryLength)
	}
}

func TestFuseEmptyAndSingle(t *testing.T) {
	c := newTestConsolidator(t)
	ctx := context.Background()

	empty := c.Fuse(ctx, nil, domain.FusionMerge)
	if empty.FusedContent != "" || empty.Confidence != 0 {
		t.Fatalf("empty fuse = %+v", empty)
	}

	single := c.Fuse(ctx, []domain.MemoryEntry{createTestMemory("a", "only one thing to say.")}, domain.FusionSummarize)
	if single.FusedContent != "only one thing to say." {
		t.Fatalf("single content = %q", single.FusedContent)
	}
	if single.Confidence != 1 {
		t.Fatalf("single confidence = %v, want 1", single.Confidence)
	}
	if len(single.SourceIDs) != 1 {
		t.Fatalf("source ids = %v", single.SourceIDs)
	}
}

func TestFuseMerge(t *testing.T) {
	c := newTestConsolidator(t)
	ctx := context.Background()

	memories := []domain.MemoryEntry{
		createTestMemory("a", "The scheduler runs every minute. It skips empty queues."),
		createTestMemory("b", "The scheduler runs every minute. Backpressure pauses it."),
	}
	fused := c.Fuse(ctx, memories, domain.FusionMerge)
	if fused.Strategy != domain.FusionMerge {
		t.Fatalf("strategy = %s", fused.Strategy)
	}
	if strings.Count(fused.FusedContent, "scheduler runs every minute") != 1 {
		t.Fatalf("duplicate sentence in merge: %q", fused.FusedContent)
	}
	if fused.Confidence < fuseFloorConfidence || fused.Confidence > 1 {
		t.Fatalf("confidence = %v", fused.Confidence)
	}
}

func TestFuseMergeConfidenceFloor(t *testing.T) {
	c := newTestConsolidator(t)
	// Dissimilar sources: the average pairwise similarity is near zero, so
	// the floor applies.
	fused := c.Fuse(context.Background(), []domain.MemoryEntry{
		createTestMemory("a", "databases shard by tenant."),
		createTestMemory("b", "frontend bundles lazily load."),
	}, domain.FusionMerge)
	if fused.Confidence != fuseFloorConfidence {
		t.Fatalf("confidence = %v, want floor %v", fused.Confidence, fuseFloorConfidence)
	}
}

func TestFuseSummarize(t *testing.T) {
	c := newTestConsolidator(t)

	fused := c.Fuse(context.Background(), []domain.MemoryEntry{
		createTestMemory("a", "Deploys are gated on green CI. Extra detail here."),
		createTestMemory("b", "Rollbacks take one click. More detail there."),
	}, domain.FusionSummarize)
	if fused.Strategy != domain.FusionSummarize {
		t.Fatalf("strategy = %s", fused.Strategy)
	}
	if fused.Confidence != 0.8 {
		t.Fatalf("confidence = %v, want 0.8", fused.Confidence)
	}
	if !strings.Contains(fused.FusedContent, "Deploys are gated on green CI.") ||
		!strings.Contains(fused.FusedContent, "Rollbacks take one click.") {
		t.Fatalf("summaries lost: %q", fused.FusedContent)
	}
	if strings.Contains(fused.FusedContent, "Extra detail") {
		t.Fatalf("non-headline content leaked: %q", fused.FusedContent)
	}
}

func TestFuseExtractPicksMostImportant(t *testing.T) {
	adaptive := newTestAdaptive(t)
	c := NewConsolidator(adaptive)
	ctx := context.Background()

	plain := createTestMemory("plain", "ordinary note about the weather.")
	hot := createTestMemory("hot", "frequently used operational runbook.")
	// Access history makes "hot" more important.
	for i := 0; i < 20; i++ {
		adaptive.RecordAccess("hot", "")
	}

	fused := c.Fuse(ctx, []domain.MemoryEntry{plain, hot}, domain.FusionExtract)
	if fused.FusedContent != hot.Content {
		t.Fatalf("extract picked %q", fused.FusedContent)
	}
	if fused.Confidence != 0.9 {
		t.Fatalf("confidence = %v, want 0.9", fused.Confidence)
	}
	if len(fused.SourceIDs) != 2 {
		t.Fatalf("source ids = %v", fused.SourceIDs)
	}
}
