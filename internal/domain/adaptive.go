package domain

import "time"

// AccessEvent records one read of a memory, optionally with the query that
// triggered it. Kept in a bounded ring per memory.
type AccessEvent struct {
	MemoryID     string    `json:"memory_id"`
	Timestamp    time.Time `json:"timestamp"`
	ContextQuery string    `json:"context_query,omitempty"`
}

// ImportanceFactors are the normalised inputs to the importance formula.
// All factors are in [0,1].
type ImportanceFactors struct {
	Recency      float64 `json:"recency"`
	Frequency    float64 `json:"frequency"`
	Relevance    float64 `json:"relevance"`
	Connectivity float64 `json:"connectivity"`
	Surprise     float64 `json:"surprise"`
}

// ConsolidatedMemory is the merge of two near-duplicate memories. The
// originals remain; SourceIDs are preserved for audit.
type ConsolidatedMemory struct {
	ID             string    `json:"id"`
	SourceIDs      []string  `json:"source_ids"`
	Content        string    `json:"content"`
	Summary        string    `json:"summary"`
	Layer          Layer     `json:"layer"`
	Importance     float64   `json:"importance"`
	ConsolidatedAt time.Time `json:"consolidated_at"`
	Metadata       Metadata  `json:"metadata"`
}

// ConsolidationCandidate is a pair of memories above the similarity
// threshold, sorted descending by similarity.
type ConsolidationCandidate struct {
	FirstID    string  `json:"first_id"`
	SecondID   string  `json:"second_id"`
	Similarity float64 `json:"similarity"`
}

type FusionStrategy string

const (
	FusionMerge     FusionStrategy = "merge"
	FusionSummarize FusionStrategy = "summarize"
	FusionExtract   FusionStrategy = "extract"
)

func ValidFusionStrategy(s string) bool {
	switch FusionStrategy(s) {
	case FusionMerge, FusionSummarize, FusionExtract:
		return true
	}
	return false
}

// FusedMemory is the result of combining several memories into one response.
type FusedMemory struct {
	FusedContent string         `json:"fused_content"`
	SourceIDs    []string       `json:"source_ids"`
	Strategy     FusionStrategy `json:"strategy"`
	Confidence   float64        `json:"confidence"`
}

// MemoryCluster groups related memories found by greedy single-pass
// clustering.
type MemoryCluster struct {
	ID              string    `json:"id"`
	MemberIDs       []string  `json:"member_ids"`
	CentroidContent string    `json:"centroid_content"`
	AvgImportance   float64   `json:"avg_importance"`
	CommonTags      []string  `json:"common_tags,omitempty"`
	TimespanStart   time.Time `json:"timespan_start"`
	TimespanEnd     time.Time `json:"timespan_end"`
	Cohesion        float64   `json:"cohesion"`
}

// ContextWindow is the ordered set of currently hot memory ids.
// Invariant: len(ActiveIDs) <= MaxSize and Priorities holds exactly the
// active id set.
type ContextWindow struct {
	ActiveIDs  []string       `json:"active_ids"`
	MaxSize    int            `json:"max_size"`
	Priorities map[string]int `json:"priorities"`
}
