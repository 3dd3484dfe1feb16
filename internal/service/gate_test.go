package service

import (
	"testing"

	"github.com/titanmem/titan/internal/domain"
)

func TestGateStoreRouting(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		wantPrimary domain.Layer
		wantReason  string
		wantMirror  bool
	}{
		{
			name:        "high importance goes semantic",
			content:     "critical security decision: never log raw tokens",
			wantPrimary: domain.LayerSemantic,
			wantReason:  ReasonHighValuePattern,
			wantMirror:  true,
		},
		{
			name:        "pattern boost goes semantic",
			content:     "how to apply the circuit breaker pattern here",
			wantPrimary: domain.LayerSemantic,
			wantReason:  ReasonHighValuePattern,
			wantMirror:  true,
		},
		{
			name:        "definition goes factual",
			content:     "a monad is defined as a monoid in the category of endofunctors",
			wantPrimary: domain.LayerFactual,
			wantReason:  ReasonFactualDefinition,
		},
		{
			name:        "event goes episodic",
			content:     "the migration completed without downtime",
			wantPrimary: domain.LayerEpisodic,
			wantReason:  ReasonEventEpisode,
		},
		{
			name:        "plain content defaults to longterm",
			content:     "the build takes about four minutes",
			wantPrimary: domain.LayerLongTerm,
			wantReason:  ReasonDefault,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := GateStore(tt.content)
			if d.Primary != tt.wantPrimary {
				t.Fatalf("primary = %s, want %s", d.Primary, tt.wantPrimary)
			}
			if d.Reason != tt.wantReason {
				t.Fatalf("reason = %q, want %q", d.Reason, tt.wantReason)
			}
			if tt.wantMirror {
				if len(d.Mirrors) != 1 || d.Mirrors[0] != domain.LayerLongTerm {
					t.Fatalf("mirrors = %v, want [longterm]", d.Mirrors)
				}
			} else if len(d.Mirrors) != 0 {
				t.Fatalf("unexpected mirrors: %v", d.Mirrors)
			}
		})
	}
}

func TestGateStoreFirstMatchWins(t *testing.T) {
	// Content that is both a definition and high-value: the semantic rule is
	// checked first.
	d := GateStore("a critical security convention is defined as never committing secrets")
	if d.Primary != domain.LayerSemantic {
		t.Fatalf("primary = %s, want semantic", d.Primary)
	}
}

func TestGateQueryCueRouting(t *testing.T) {
	tests := []struct {
		name         string
		query        string
		wantLayers   []domain.Layer
		wantPriority domain.Layer
		wantBroad    bool
	}{
		{
			name:         "definition cue alone widens to broad",
			query:        "what is a resume token",
			wantLayers:   domain.AllLayers,
			wantPriority: domain.LayerFactual,
			wantBroad:    true,
		},
		{
			name:         "no cues searches everything",
			query:        "distributed locking",
			wantLayers:   domain.AllLayers,
			wantPriority: domain.LayerLongTerm,
			wantBroad:    true,
		},
		{
			name:         "preference cue spans episodic and semantic",
			query:        "i prefer explicit error wrapping",
			wantLayers:   []domain.Layer{domain.LayerLongTerm, domain.LayerSemantic, domain.LayerEpisodic},
			wantPriority: domain.LayerEpisodic,
		},
		{
			name:         "mixed cues keep a narrow plan",
			query:        "how to check what happened yesterday",
			wantLayers:   []domain.Layer{domain.LayerLongTerm, domain.LayerSemantic, domain.LayerEpisodic},
			wantPriority: domain.LayerSemantic,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := GateQuery(tt.query)
			if plan.Priority != tt.wantPriority {
				t.Fatalf("priority = %s, want %s", plan.Priority, tt.wantPriority)
			}
			if plan.Broad != tt.wantBroad {
				t.Fatalf("broad = %v, want %v", plan.Broad, tt.wantBroad)
			}
			if len(plan.Layers) != len(tt.wantLayers) {
				t.Fatalf("layers = %v, want %v", plan.Layers, tt.wantLayers)
			}
			got := make(map[domain.Layer]bool)
			for _, l := range plan.Layers {
				got[l] = true
			}
			for _, l := range tt.wantLayers {
				if !got[l] {
					t.Fatalf("layers = %v, missing %s", plan.Layers, l)
				}
			}
		})
	}
}

func TestGateQueryAlwaysIncludesLongTerm(t *testing.T) {
	for _, q := range []string{
		"what is the lock hierarchy",
		"how to fix the flaky test from yesterday",
		"anything at all",
	} {
		plan := GateQuery(q)
		found := false
		for _, l := range plan.Layers {
			if l == domain.LayerLongTerm {
				found = true
			}
		}
		if !found {
			t.Fatalf("plan for %q dropped the longterm fallback: %v", q, plan.Layers)
		}
	}
}
