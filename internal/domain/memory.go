package domain

import (
	"errors"
	"time"
)

type Layer string

const (
	LayerFactual  Layer = "factual"
	LayerLongTerm Layer = "longterm"
	LayerSemantic Layer = "semantic"
	LayerEpisodic Layer = "episodic"
)

// AllLayers lists every layer in fan-out order.
var AllLayers = []Layer{LayerFactual, LayerLongTerm, LayerSemantic, LayerEpisodic}

func ValidLayer(l string) bool {
	switch Layer(l) {
	case LayerFactual, LayerLongTerm, LayerSemantic, LayerEpisodic:
		return true
	}
	return false
}

// MaxContentLength is the hard cap on memory content size in characters.
const MaxContentLength = 100_000

var (
	ErrContentEmpty   = errors.New("content is required")
	ErrContentTooLong = errors.New("content exceeds maximum length")
	ErrInvalidLayer   = errors.New("invalid layer")
)

// Metadata is the typed envelope for the recognised per-memory fields.
// Project-specific extensions go into Extra.
type Metadata struct {
	ProjectID     string         `json:"project_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	SurpriseScore float64        `json:"surprise_score,omitempty"`
	HelpfulCount  int            `json:"helpful_count,omitempty"`
	HarmfulCount  int            `json:"harmful_count,omitempty"`
	LastHelpful   *time.Time     `json:"last_helpful,omitempty"`
	LastHarmful   *time.Time     `json:"last_harmful,omitempty"`
	UtilityScore  *float64       `json:"utility_score,omitempty"`
	DecayFactor   float64        `json:"decay_factor,omitempty"`
	LastAccessed  *time.Time     `json:"last_accessed,omitempty"`
	Category      string         `json:"category,omitempty"`
	RoutingReason string         `json:"routing_reason,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// Clone returns a deep copy so stores can hand out entries without aliasing
// their internal state.
func (m Metadata) Clone() Metadata {
	out := m
	if m.Tags != nil {
		out.Tags = append([]string(nil), m.Tags...)
	}
	if m.Extra != nil {
		out.Extra = make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	if m.LastHelpful != nil {
		t := *m.LastHelpful
		out.LastHelpful = &t
	}
	if m.LastHarmful != nil {
		t := *m.LastHarmful
		out.LastHarmful = &t
	}
	if m.UtilityScore != nil {
		u := *m.UtilityScore
		out.UtilityScore = &u
	}
	if m.LastAccessed != nil {
		t := *m.LastAccessed
		out.LastAccessed = &t
	}
	return out
}

// HasTag reports whether the tag set contains tag.
func (m Metadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTags appends tags that are not already present, preserving order.
func (m *Metadata) AddTags(tags ...string) {
	for _, t := range tags {
		if t == "" || m.HasTag(t) {
			continue
		}
		m.Tags = append(m.Tags, t)
	}
}

// RecordFeedback applies a helpful/harmful signal and recomputes the
// utility score: helpful / max(1, helpful+harmful).
func (m *Metadata) RecordFeedback(helpful bool, at time.Time) {
	if helpful {
		m.HelpfulCount++
		m.LastHelpful = &at
	} else {
		m.HarmfulCount++
		m.LastHarmful = &at
	}
	total := m.HelpfulCount + m.HarmfulCount
	if total < 1 {
		total = 1
	}
	u := float64(m.HelpfulCount) / float64(total)
	m.UtilityScore = &u
}

// MemoryEntry is the unit of knowledge. A memory belongs to exactly one
// primary layer but may be mirrored into secondary layers; each mirror is a
// distinct row with the same ID.
type MemoryEntry struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Layer     Layer     `json:"layer"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  Metadata  `json:"metadata"`
}

// Clone returns a deep copy of the entry.
func (e MemoryEntry) Clone() MemoryEntry {
	out := e
	out.Metadata = e.Metadata.Clone()
	return out
}

// ValidateContent enforces the content invariants shared by every layer.
func ValidateContent(content string) error {
	if content == "" {
		return ErrContentEmpty
	}
	if len([]rune(content)) > MaxContentLength {
		return ErrContentTooLong
	}
	return nil
}
