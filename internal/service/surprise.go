package service

import (
	"math"
	"sync"
	"time"
)

const (
	// surpriseWindow is how many recent contents the scorer compares
	// against when judging novelty.
	surpriseWindow = 50
	// DefaultSurpriseThreshold gates the long-term default sink.
	DefaultSurpriseThreshold = 0.3
)

// SurpriseScorer judges how novel a piece of content is relative to what
// was recently stored. Scores are in [0,1]; higher means more informative.
type SurpriseScorer struct {
	mu     sync.Mutex
	recent []string
	scores []float64
}

func NewSurpriseScorer() *SurpriseScorer {
	return &SurpriseScorer{}
}

// Score computes novelty as one minus the best Jaccard similarity against
// the recent window, then records the content.
func (s *SurpriseScorer) Score(content string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	best := 0.0
	for _, prev := range s.recent {
		if sim := Jaccard(content, prev); sim > best {
			best = sim
		}
	}
	score := clamp01(1 - best)

	s.recent = append(s.recent, content)
	s.scores = append(s.scores, score)
	if len(s.recent) > surpriseWindow {
		s.recent = s.recent[len(s.recent)-surpriseWindow:]
		s.scores = s.scores[len(s.scores)-surpriseWindow:]
	}
	return score
}

// Momentum is the rolling average of recent surprise scores.
func (s *SurpriseScorer) Momentum() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.scores) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range s.scores {
		sum += v
	}
	return sum / float64(len(s.scores))
}

// DecayByAge returns exp(-rate × ageDays), the monotone non-increasing
// weight applied to stale memories.
func DecayByAge(age time.Duration, rate float64) float64 {
	days := age.Hours() / 24
	if days < 0 {
		days = 0
	}
	return math.Exp(-rate * days)
}
