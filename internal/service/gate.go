package service

import (
	"regexp"
	"strings"

	"github.com/titanmem/titan/internal/domain"
)

const (
	// gateImportanceThreshold routes high-importance content to Semantic.
	gateImportanceThreshold = 0.7
	// gatePatternThreshold routes pattern-like content to Semantic.
	gatePatternThreshold = 0.3
)

// Routing reason tags recorded in Metadata.RoutingReason.
const (
	ReasonHighValuePattern  = "high-value pattern"
	ReasonFactualDefinition = "factual definition"
	ReasonEventEpisode      = "event/episode"
	ReasonDefault           = "default + surprise filter"
)

var definitionCues = []string{
	"is defined as",
	"means",
	"refers to",
	"is a ",
	"is an ",
	"is the",
}

var eventCues = []string{
	"happened",
	"occurred",
	"did",
	"completed",
	"started",
	"finished",
}

// RoutingDecision is the outcome of store-time gating.
type RoutingDecision struct {
	Primary      domain.Layer
	Mirrors      []domain.Layer
	Reason       string
	Importance   float64
	PatternBoost float64
}

// GateStore classifies content into its primary layer and any mirror
// layers. First matching rule wins.
func GateStore(content string) RoutingDecision {
	importance := ScoreImportance(content)
	patternBoost := CalculatePatternBoost(content)
	lower := strings.ToLower(content)

	decision := RoutingDecision{Importance: importance, PatternBoost: patternBoost}

	switch {
	case importance > gateImportanceThreshold || patternBoost > gatePatternThreshold:
		decision.Primary = domain.LayerSemantic
		decision.Mirrors = []domain.Layer{domain.LayerLongTerm}
		decision.Reason = ReasonHighValuePattern
	case containsAny(lower, definitionCues):
		decision.Primary = domain.LayerFactual
		decision.Reason = ReasonFactualDefinition
	case containsAny(lower, eventCues):
		decision.Primary = domain.LayerEpisodic
		decision.Reason = ReasonEventEpisode
	default:
		decision.Primary = domain.LayerLongTerm
		decision.Reason = ReasonDefault
	}
	return decision
}

func containsAny(lower string, cues []string) bool {
	for _, cue := range cues {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}

// Query-time cue sets. Each matched cue adds its layers; the first layer of
// the first matching cue becomes the priority layer.
type queryCue struct {
	pattern *regexp.Regexp
	layers  []domain.Layer
}

var queryCues = []queryCue{
	{regexp.MustCompile(`(?i)what is|define|definition of|meaning of`), []domain.Layer{domain.LayerFactual}},
	{regexp.MustCompile(`(?i)how to|why|because|pattern|approach|strategy`), []domain.Layer{domain.LayerSemantic}},
	{regexp.MustCompile(`(?i)yesterday|today|last week|when did|history of`), []domain.Layer{domain.LayerEpisodic}},
	{regexp.MustCompile(`(?i)i prefer|\bmy\b|user wants|style|preference`), []domain.Layer{domain.LayerEpisodic, domain.LayerSemantic}},
}

// QueryPlan is the outcome of recall-time gating.
type QueryPlan struct {
	Layers   []domain.Layer
	Priority domain.Layer
	Broad    bool
}

// GateQuery picks the layers to search for a query. LongTerm is always
// included as a fallback; if cue matching narrowed the plan to a single
// layer beyond that fallback, the plan widens to all four (broad mode).
func GateQuery(query string) QueryPlan {
	cueMatched := make(map[domain.Layer]bool)
	var priority domain.Layer

	for _, cue := range queryCues {
		if !cue.pattern.MatchString(query) {
			continue
		}
		if priority == "" {
			priority = cue.layers[0]
		}
		for _, l := range cue.layers {
			cueMatched[l] = true
		}
	}

	if priority == "" {
		priority = domain.LayerLongTerm
	}

	// With at most one cue-matched layer the plan is too narrow to trust:
	// search everything.
	if len(cueMatched) <= 1 {
		return QueryPlan{Layers: domain.AllLayers, Priority: priority, Broad: true}
	}

	cueMatched[domain.LayerLongTerm] = true
	var layers []domain.Layer
	for _, l := range domain.AllLayers {
		if cueMatched[l] {
			layers = append(layers, l)
		}
	}
	return QueryPlan{Layers: layers, Priority: priority}
}
