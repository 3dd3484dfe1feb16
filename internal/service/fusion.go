package service

import (
	"context"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/titanmem/titan/internal/domain"
)

const (
	// DefaultPriorityWeight is the layer weight applied to the priority
	// layer during fusion; other layers weigh 1.0.
	DefaultPriorityWeight = 1.5
	// PositionDecay discounts results by their rank within a layer.
	PositionDecay = 0.9
	// SummaryLength is the content cut for summary disclosure.
	SummaryLength = 100
)

// DisclosureMode controls how much of each memory a recall returns.
type DisclosureMode string

const (
	DisclosureFull     DisclosureMode = "full"
	DisclosureSummary  DisclosureMode = "summary"
	DisclosureMetadata DisclosureMode = "metadata"
)

// FuseOptions tunes a single recall.
type FuseOptions struct {
	Limit      int
	ProjectID  string
	SessionID  string
	Tags       []string
	Disclosure DisclosureMode
	// PriorityWeight overrides DefaultPriorityWeight when > 0.
	PriorityWeight float64
}

// FusedEntry is one ranked recall result.
type FusedEntry struct {
	Memory        domain.MemoryEntry `json:"memory"`
	Score         float64            `json:"score"`
	SourceLayer   domain.Layer       `json:"source_layer"`
	Summary       string             `json:"summary,omitempty"`
	TokenEstimate int                `json:"token_estimate,omitempty"`
}

// LayerReport is the per-layer accounting of a recall, reported even when a
// layer returned nothing.
type LayerReport struct {
	Layer       domain.Layer `json:"layer"`
	Count       int          `json:"count"`
	QueryTimeMs float64      `json:"query_time_ms"`
}

// RecallResult is the full fused response.
type RecallResult struct {
	FusedMemories    []FusedEntry        `json:"fused_memories"`
	Results          []LayerReport       `json:"results"`
	Intent           domain.IntentResult `json:"intent"`
	TotalQueryTimeMs int64               `json:"total_query_time_ms"`
}

// Fuser fans a query out to the selected layers and fuses the results.
type Fuser struct {
	stores   map[domain.Layer]domain.LayerStore
	adaptive *AdaptiveManager
}

func NewFuser(stores map[domain.Layer]domain.LayerStore, adaptive *AdaptiveManager) *Fuser {
	return &Fuser{stores: stores, adaptive: adaptive}
}

// dedupKey identifies content by a 32-bit hash paired with its length, so
// two documents sharing a hashed prefix still separate.
func dedupKey(content string) string {
	h := fnv.New32a()
	h.Write([]byte(content))
	return strconv.FormatUint(uint64(h.Sum32()), 36) + "_" + strconv.Itoa(len(content))
}

type layerHits struct {
	layer  domain.Layer
	hits   []domain.MemoryEntry
	timeMs float64
}

// Recall runs the fan-out and fusion pipeline for an already-gated plan.
// Each layer is asked for twice the limit so fusion has slack to dedupe.
func (f *Fuser) Recall(ctx context.Context, query string, plan QueryPlan, opts FuseOptions) (RecallResult, error) {
	started := time.Now()
	result := RecallResult{}
	if opts.Limit <= 0 {
		for _, layer := range plan.Layers {
			result.Results = append(result.Results, LayerReport{Layer: layer})
		}
		return result, nil
	}

	priorityWeight := opts.PriorityWeight
	if priorityWeight <= 0 {
		priorityWeight = DefaultPriorityWeight
	}

	var mu sync.Mutex
	perLayer := make([]layerHits, 0, len(plan.Layers))

	g, gctx := errgroup.WithContext(ctx)
	for _, layer := range plan.Layers {
		layer := layer
		s, ok := f.stores[layer]
		if !ok {
			continue
		}
		g.Go(func() error {
			qr, err := s.Query(gctx, query, domain.QueryOpts{
				Limit:     opts.Limit * 2,
				ProjectID: opts.ProjectID,
				SessionID: opts.SessionID,
				Tags:      opts.Tags,
			})
			if err != nil {
				return err
			}
			lh := layerHits{layer: layer}
			if qr != nil {
				lh.hits = qr.Memories
				lh.timeMs = qr.QueryTimeMs
			}
			mu.Lock()
			perLayer = append(perLayer, lh)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RecallResult{}, err
	}

	// Deterministic layer order in the report.
	sort.Slice(perLayer, func(i, j int) bool {
		return layerOrder(perLayer[i].layer) < layerOrder(perLayer[j].layer)
	})

	fused := f.fuse(perLayer, plan.Priority, priorityWeight, query, opts.Limit)
	for _, lh := range perLayer {
		result.Results = append(result.Results, LayerReport{
			Layer:       lh.layer,
			Count:       len(lh.hits),
			QueryTimeMs: lh.timeMs,
		})
	}
	result.FusedMemories = applyDisclosure(fused, opts.Disclosure)
	result.TotalQueryTimeMs = time.Since(started).Milliseconds()

	// Access bookkeeping is a side-effect of a successful recall.
	for _, e := range result.FusedMemories {
		f.adaptive.RecordAccess(e.Memory.ID, query)
	}
	return result, nil
}

// fuse scores, dedupes, utility-weights and re-ranks the layer results.
func (f *Fuser) fuse(perLayer []layerHits, priority domain.Layer, priorityWeight float64, query string, limit int) []FusedEntry {
	type scored struct {
		entry      FusedEntry
		importance float64
	}
	byKey := make(map[string]scored)

	for _, lh := range perLayer {
		layerWeight := 1.0
		if lh.layer == priority {
			layerWeight = priorityWeight
		}
		decay := 1.0
		for _, m := range lh.hits {
			score := layerWeight * decay
			decay *= PositionDecay

			key := dedupKey(m.Content)
			prev, seen := byKey[key]
			if seen && prev.entry.Score >= score {
				continue
			}
			byKey[key] = scored{entry: FusedEntry{Memory: m, Score: score, SourceLayer: lh.layer}}
		}
	}

	candidates := make([]scored, 0, len(byKey))
	for _, s := range byKey {
		s.entry.Score = WeightScore(s.entry.Score, s.entry.Memory.Metadata)
		s.importance = f.adaptive.ComputeImportance(s.entry.Memory, query)
		candidates = append(candidates, s)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].entry.Score != candidates[j].entry.Score {
			return candidates[i].entry.Score > candidates[j].entry.Score
		}
		if candidates[i].importance != candidates[j].importance {
			return candidates[i].importance > candidates[j].importance
		}
		return candidates[i].entry.Memory.ID < candidates[j].entry.Memory.ID
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]FusedEntry, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.entry)
	}
	return out
}

// applyDisclosure shapes entries per the requested mode.
func applyDisclosure(entries []FusedEntry, mode DisclosureMode) []FusedEntry {
	if mode == "" || mode == DisclosureFull {
		return entries
	}
	for i := range entries {
		content := entries[i].Memory.Content
		entries[i].TokenEstimate = (len(content) + 3) / 4
		if mode == DisclosureSummary {
			entries[i].Summary = truncateRunes(content, SummaryLength)
		}
		entries[i].Memory.Content = ""
	}
	return entries
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

func layerOrder(l domain.Layer) int {
	for i, known := range domain.AllLayers {
		if l == known {
			return i
		}
	}
	return len(domain.AllLayers)
}
