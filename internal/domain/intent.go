package domain

type Intent string

const (
	IntentFactualLookup   Intent = "factual_lookup"
	IntentPatternMatch    Intent = "pattern_match"
	IntentTimelineQuery   Intent = "timeline_query"
	IntentPreferenceCheck Intent = "preference_check"
	IntentErrorLookup     Intent = "error_lookup"
	IntentDecisionReview  Intent = "decision_review"
	IntentExploration     Intent = "exploration"
)

type SearchStrategy string

const (
	SearchExact    SearchStrategy = "exact"
	SearchSemantic SearchStrategy = "semantic"
	SearchTemporal SearchStrategy = "temporal"
	SearchHybrid   SearchStrategy = "hybrid"
)

// IntentResult is the classification of a recall query. LowConfidence marks
// intents scored below the confidence threshold but above the fallback cut.
type IntentResult struct {
	Intent        Intent         `json:"intent"`
	PriorityLayer Layer          `json:"priority_layer"`
	Strategy      SearchStrategy `json:"strategy"`
	Confidence    float64        `json:"confidence"`
	LowConfidence bool           `json:"low_confidence"`
	Signals       []string       `json:"signals,omitempty"`
}
