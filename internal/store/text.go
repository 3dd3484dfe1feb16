package store

import (
	"sort"
	"strings"

	"github.com/titanmem/titan/internal/domain"
)

// tokenize lowercases and splits text on non-alphanumeric runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
}

// tokenOverlap counts query tokens present in content.
func tokenOverlap(query, content string) int {
	contentTokens := make(map[string]bool)
	for _, t := range tokenize(content) {
		contentTokens[t] = true
	}
	overlap := 0
	for _, t := range tokenize(query) {
		if contentTokens[t] {
			overlap++
		}
	}
	return overlap
}

// matchesOpts applies the shared query filters.
func matchesOpts(e domain.MemoryEntry, opts domain.QueryOpts) bool {
	if opts.ProjectID != "" && e.Metadata.ProjectID != opts.ProjectID {
		return false
	}
	if opts.SessionID != "" && e.Metadata.SessionID != opts.SessionID {
		return false
	}
	for _, tag := range opts.Tags {
		if !e.Metadata.HasTag(tag) {
			return false
		}
	}
	return true
}

// recentEntries returns matching entries newest-first; the answer for an
// empty query.
func recentEntries(entries map[string]domain.MemoryEntry, opts domain.QueryOpts) []domain.MemoryEntry {
	var out []domain.MemoryEntry
	for _, e := range entries {
		if matchesOpts(e, opts) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// rankByOverlap scores entries by token overlap with the query and returns
// them best-first, ties broken by id so ordering is deterministic.
func rankByOverlap(entries map[string]domain.MemoryEntry, query string, opts domain.QueryOpts) []domain.MemoryEntry {
	type scored struct {
		entry   domain.MemoryEntry
		overlap int
	}
	var candidates []scored
	for _, e := range entries {
		if !matchesOpts(e, opts) {
			continue
		}
		if ov := tokenOverlap(query, e.Content); ov > 0 {
			candidates = append(candidates, scored{entry: e, overlap: ov})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].overlap != candidates[j].overlap {
			return candidates[i].overlap > candidates[j].overlap
		}
		return candidates[i].entry.ID < candidates[j].entry.ID
	})
	out := make([]domain.MemoryEntry, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.entry.Clone())
	}
	return out
}
