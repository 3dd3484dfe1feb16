package service

import (
	"regexp"

	"github.com/titanmem/titan/internal/domain"
)

const (
	// IntentConfidenceThreshold marks intents below it low-confidence.
	IntentConfidenceThreshold = 0.7
	// IntentFallbackThreshold drops to the exploration fallback below it.
	IntentFallbackThreshold = 0.5
)

// intentProfile binds an intent to its regex signal set, priority layer and
// search strategy. Confidence is the fraction of signals matched.
type intentProfile struct {
	intent   domain.Intent
	signals  []*regexp.Regexp
	layer    domain.Layer
	strategy domain.SearchStrategy
}

var intentProfiles = []intentProfile{
	{
		intent: domain.IntentFactualLookup,
		signals: compileSignals(
			`(?i)what is`,
			`(?i)\bdefine\b`,
			`(?i)definition of`,
			`(?i)meaning of`,
		),
		layer:    domain.LayerFactual,
		strategy: domain.SearchExact,
	},
	{
		intent: domain.IntentPatternMatch,
		signals: compileSignals(
			`(?i)how (to|do|did|should)`,
			`(?i)\bpattern\b`,
			`(?i)\bapproach\b`,
			`(?i)\bstrategy\b`,
			`(?i)best way`,
		),
		layer:    domain.LayerSemantic,
		strategy: domain.SearchSemantic,
	},
	{
		intent: domain.IntentTimelineQuery,
		signals: compileSignals(
			`(?i)\byesterday\b`,
			`(?i)\btoday\b`,
			`(?i)last (week|month|time)`,
			`(?i)when did`,
			`(?i)history of`,
			`(?i)\btimeline\b`,
		),
		layer:    domain.LayerEpisodic,
		strategy: domain.SearchTemporal,
	},
	{
		intent: domain.IntentPreferenceCheck,
		signals: compileSignals(
			`(?i)i prefer`,
			`(?i)\bmy\b`,
			`(?i)user wants`,
			`(?i)\bstyle\b`,
			`(?i)\bpreference\b`,
		),
		layer:    domain.LayerEpisodic,
		strategy: domain.SearchHybrid,
	},
	{
		intent: domain.IntentErrorLookup,
		signals: compileSignals(
			`(?i)\berror\b`,
			`(?i)\bfail(ed|ure)?\b`,
			`(?i)\bbug\b`,
			`(?i)\bbroken\b`,
			`(?i)\bexception\b`,
		),
		layer:    domain.LayerSemantic,
		strategy: domain.SearchHybrid,
	},
	{
		intent: domain.IntentDecisionReview,
		signals: compileSignals(
			`(?i)why did (we|i)`,
			`(?i)\bdecided?\b`,
			`(?i)\bdecision\b`,
			`(?i)\brationale\b`,
			`(?i)\bchose\b`,
		),
		layer:    domain.LayerSemantic,
		strategy: domain.SearchHybrid,
	},
}

func compileSignals(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

// IntentDetector classifies recall queries into an intent tag that picks
// the priority layer and search strategy.
type IntentDetector struct{}

func NewIntentDetector() *IntentDetector {
	return &IntentDetector{}
}

// Detect scores every profile and returns the best. Confidence is the
// fraction of the winning profile's signals that matched; when no intent
// clears the fallback threshold the query is classified as exploration.
func (d *IntentDetector) Detect(query string) domain.IntentResult {
	best := domain.IntentResult{
		Intent:        domain.IntentExploration,
		PriorityLayer: domain.LayerLongTerm,
		Strategy:      domain.SearchHybrid,
	}
	bestScore := 0.0

	for _, p := range intentProfiles {
		var matched []string
		for _, re := range p.signals {
			if re.MatchString(query) {
				matched = append(matched, re.String())
			}
		}
		if len(matched) == 0 {
			continue
		}
		score := float64(len(matched)) / float64(len(p.signals))
		if score > bestScore {
			bestScore = score
			best = domain.IntentResult{
				Intent:        p.intent,
				PriorityLayer: p.layer,
				Strategy:      p.strategy,
				Confidence:    score,
				Signals:       matched,
			}
		}
	}

	// A profile has to score strictly above the fallback threshold to win;
	// an even split stays exploratory.
	if bestScore <= IntentFallbackThreshold {
		return domain.IntentResult{
			Intent:        domain.IntentExploration,
			PriorityLayer: domain.LayerLongTerm,
			Strategy:      domain.SearchHybrid,
			Confidence:    bestScore,
		}
	}
	best.LowConfidence = best.Confidence < IntentConfidenceThreshold
	return best
}
