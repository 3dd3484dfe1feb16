package service

import (
	"math"
	"testing"
)

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "the quick fox", "the quick fox", 1},
		{"disjoint", "alpha beta", "gamma delta", 0},
		{"both empty", "", "", 1},
		{"one empty", "alpha", "", 0},
		{"half overlap", "a b c d", "c d e f", 1.0 / 3.0},
		{"case insensitive", "Hello World", "hello world", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Jaccard(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("Jaccard(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("Hello, World! v1.2-rc")
	want := []string{"hello", "world", "v1", "2", "rc"}
	if len(got) != len(want) {
		t.Fatalf("Tokenize = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Tokenize = %v, want %v", got, want)
		}
	}
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"empty", "", 0},
		{"single no terminator", "no punctuation here", 1},
		{"three terminators", "One. Two! Three?", 3},
		{"trailing fragment", "Done. almost", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SplitSentences(tt.in); len(got) != tt.want {
				t.Fatalf("SplitSentences(%q) = %v, want %d sentences", tt.in, got, tt.want)
			}
		})
	}
}

func TestFirstSentence(t *testing.T) {
	if got := FirstSentence("", 100); got != "" {
		t.Fatalf("empty text = %q", got)
	}
	if got := FirstSentence("First one. Second one.", 100); got != "First one." {
		t.Fatalf("got %q", got)
	}
	long := "aaaaaaaaaa bbbbbbbbbb cccccccccc."
	if got := FirstSentence(long, 10); len([]rune(got)) != 10 {
		t.Fatalf("truncation gave %q", got)
	}
}

func TestCosineF32(t *testing.T) {
	if got := CosineF32([]float32{1, 0}, []float32{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Fatalf("parallel vectors = %v", got)
	}
	if got := CosineF32([]float32{1, 0}, []float32{0, 1}); math.Abs(got) > 1e-9 {
		t.Fatalf("orthogonal vectors = %v", got)
	}
	if got := CosineF32(nil, nil); got != 0 {
		t.Fatalf("empty vectors = %v", got)
	}
	if got := CosineF32([]float32{1}, []float32{1, 2}); got != 0 {
		t.Fatalf("mismatched lengths = %v", got)
	}
}

func TestScoreImportance(t *testing.T) {
	if got := ScoreImportance("nothing remarkable here"); got != 0 {
		t.Fatalf("plain content = %v", got)
	}
	// "critical" + "security" stacks cues.
	high := ScoreImportance("critical security issue in the auth flow")
	low := ScoreImportance("minor fix")
	if high <= low {
		t.Fatalf("stacked cues %v should outrank single cue %v", high, low)
	}
	if got := ScoreImportance("critical important must never always decided"); got != 1 {
		t.Fatalf("score not clamped: %v", got)
	}
}

func TestCalculatePatternBoost(t *testing.T) {
	if got := CalculatePatternBoost("plain statement"); got != 0 {
		t.Fatalf("plain content boost = %v", got)
	}
	if got := CalculatePatternBoost("how to apply the retry pattern"); got <= 0.3 {
		t.Fatalf("how-to + pattern boost = %v, want > 0.3", got)
	}
}
