package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/titanmem/titan/internal/domain"
)

const (
	// SentenceDedupeThreshold is the similarity above which two sentences
	// are treated as the same statement during consolidation.
	SentenceDedupeThreshold = 0.8
	// ConsolidationSummaryLength caps the generated summary in runes.
	ConsolidationSummaryLength = 100
	// fuseFloorConfidence is the minimum confidence reported by the merge
	// strategy.
	fuseFloorConfidence = 0.5
)

// Consolidator finds near-duplicate memories and merges them.
type Consolidator struct {
	adaptive *AdaptiveManager
}

func NewConsolidator(adaptive *AdaptiveManager) *Consolidator {
	return &Consolidator{adaptive: adaptive}
}

// FindCandidates scans pairwise for memories whose similarity meets the
// consolidation threshold. The scan is capped to keep the O(N²) pass
// bounded; results are sorted by similarity descending.
func (c *Consolidator) FindCandidates(ctx context.Context, memories []domain.MemoryEntry) []domain.ConsolidationCandidate {
	if len(memories) > ConsolidationScanCap {
		memories = memories[:ConsolidationScanCap]
	}
	threshold := c.adaptive.cfg.ConsolidationThreshold

	var candidates []domain.ConsolidationCandidate
	for i := range memories {
		for j := i + 1; j < len(memories); j++ {
			sim := c.adaptive.similarity(ctx, memories[i].Content, memories[j].Content)
			if sim >= threshold {
				candidates = append(candidates, domain.ConsolidationCandidate{
					FirstID:    memories[i].ID,
					SecondID:   memories[j].ID,
					Similarity: sim,
				})
			}
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].Similarity != candidates[b].Similarity {
			return candidates[a].Similarity > candidates[b].Similarity
		}
		return candidates[a].FirstID < candidates[b].FirstID
	})
	return candidates
}

// Consolidate merges two memories into one. Content is the sentence union
// of both, with near-duplicate sentences dropped; the summary is the first
// sentence of the merged content. Originals are left in place.
func (c *Consolidator) Consolidate(a, b domain.MemoryEntry) domain.ConsolidatedMemory {
	merged := dedupeSentences(append(SplitSentences(a.Content), SplitSentences(b.Content)...))
	content := strings.Join(merged, " ")

	meta := a.Metadata.Clone()
	meta.AddTags(b.Metadata.Tags...)
	if meta.ProjectID == "" {
		meta.ProjectID = b.Metadata.ProjectID
	}
	if b.Metadata.SurpriseScore > meta.SurpriseScore {
		meta.SurpriseScore = b.Metadata.SurpriseScore
	}

	importance := c.adaptive.ComputeImportance(a, "")
	if other := c.adaptive.ComputeImportance(b, ""); other > importance {
		importance = other
	}

	return domain.ConsolidatedMemory{
		ID:             uuid.NewString(),
		SourceIDs:      []string{a.ID, b.ID},
		Content:        content,
		Summary:        FirstSentence(content, ConsolidationSummaryLength),
		Layer:          a.Layer,
		Importance:     importance,
		ConsolidatedAt: time.Now(),
		Metadata:       meta,
	}
}

// dedupeSentences keeps each sentence only if it is not a near-duplicate of
// an already-kept one.
func dedupeSentences(sentences []string) []string {
	var kept []string
	for _, s := range sentences {
		dup := false
		for _, k := range kept {
			if Jaccard(s, k) > SentenceDedupeThreshold {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, s)
		}
	}
	return kept
}

// Fuse combines memories into one response using the requested strategy.
// Zero inputs yield an empty fusion with zero confidence; a single input
// passes through with full confidence.
func (c *Consolidator) Fuse(ctx context.Context, memories []domain.MemoryEntry, strategy domain.FusionStrategy) domain.FusedMemory {
	if len(memories) == 0 {
		return domain.FusedMemory{Strategy: strategy}
	}
	ids := make([]string, 0, len(memories))
	for _, m := range memories {
		ids = append(ids, m.ID)
	}
	if len(memories) == 1 {
		return domain.FusedMemory{
			FusedContent: memories[0].Content,
			SourceIDs:    ids,
			Strategy:     strategy,
			Confidence:   1,
		}
	}

	// Both merge and extract need the memories ranked by importance.
	ranked := append([]domain.MemoryEntry(nil), memories...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return c.adaptive.ComputeImportance(ranked[i], "") > c.adaptive.ComputeImportance(ranked[j], "")
	})

	switch strategy {
	case domain.FusionSummarize:
		// One headline sentence per source, deduplicated.
		var lines []string
		for _, m := range memories {
			if s := FirstSentence(m.Content, ConsolidationSummaryLength); s != "" {
				lines = append(lines, s)
			}
		}
		return domain.FusedMemory{
			FusedContent: strings.Join(dedupeSentences(lines), " "),
			SourceIDs:    ids,
			Strategy:     strategy,
			Confidence:   0.8,
		}

	case domain.FusionExtract:
		// The single most important memory stands in for the whole set.
		return domain.FusedMemory{
			FusedContent: ranked[0].Content,
			SourceIDs:    ids,
			Strategy:     strategy,
			Confidence:   0.9,
		}

	default: // merge
		var sentences []string
		for _, m := range ranked {
			sentences = append(sentences, SplitSentences(m.Content)...)
		}
		merged := dedupeSentences(sentences)

		// Confidence is the average pairwise similarity, floored so a
		// merge of loosely related sources is still usable.
		var sum float64
		var pairs int
		for i := range memories {
			for j := i + 1; j < len(memories); j++ {
				sum += c.adaptive.similarity(ctx, memories[i].Content, memories[j].Content)
				pairs++
			}
		}
		confidence := fuseFloorConfidence
		if pairs > 0 {
			if avg := sum / float64(pairs); avg > confidence {
				confidence = avg
			}
		}
		return domain.FusedMemory{
			FusedContent: strings.Join(merged, " "),
			SourceIDs:    ids,
			Strategy:     domain.FusionMerge,
			Confidence:   clamp01(confidence),
		}
	}
}
