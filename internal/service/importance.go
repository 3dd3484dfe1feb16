package service

import "strings"

// Importance cue tables. The score is the sum of matched cue weights,
// clamped to [0,1].
var importanceCues = map[string]float64{
	"critical":  0.4,
	"important": 0.35,
	"must":      0.3,
	"never":     0.3,
	"always":    0.3,
	"decided":   0.3,
	"decision":  0.3,
	"because":   0.2,
	"breaking":  0.3,
	"security":  0.35,
	"bug":       0.2,
	"fix":       0.15,
	"root cause": 0.35,
	"learned":   0.25,
	"insight":   0.3,
	"convention": 0.25,
}

// patternCues signal reusable know-how worth a semantic-layer boost.
var patternCues = map[string]float64{
	"how to":     0.2,
	"pattern":    0.2,
	"approach":   0.15,
	"strategy":   0.15,
	"workaround": 0.2,
	"solution":   0.15,
	"steps":      0.1,
	"recipe":     0.15,
	"whenever":   0.1,
	"in general": 0.1,
}

// ScoreImportance estimates how much a piece of content matters from
// keyword cues alone. Deliberately cheap; the adaptive manager refines the
// estimate once access history exists.
func ScoreImportance(content string) float64 {
	lower := strings.ToLower(content)
	score := 0.0
	for cue, weight := range importanceCues {
		if strings.Contains(lower, cue) {
			score += weight
		}
	}
	return clamp01(score)
}

// CalculatePatternBoost scores how strongly content reads like reusable
// knowledge.
func CalculatePatternBoost(content string) float64 {
	lower := strings.ToLower(content)
	boost := 0.0
	for cue, weight := range patternCues {
		if strings.Contains(lower, cue) {
			boost += weight
		}
	}
	return clamp01(boost)
}
