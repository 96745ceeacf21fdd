package semantic

import "testing"

func findPattern(ctx SemanticContext, typ, name string) (Pattern, bool) {
	for _, p := range ctx.Patterns {
		if p.Type == typ && p.Name == name {
			return p, true
		}
	}
	return Pattern{}, false
}

// TestAnalyze_PatternEmergesAfterThreshold mirrors scenario S3.
func TestAnalyze_PatternEmergesAfterThreshold(t *testing.T) {
	history := []Utterance{
		{Text: "I've been feeling anxious about the move"},
		{Text: "still anxious today"},
		{Text: "anxious again this morning"},
	}
	current := Utterance{Text: "anxious about tomorrow's meeting"}

	ctx := Analyze(current, history)
	p, ok := findPattern(ctx, "emotion", "anxiety")
	if !ok {
		t.Fatal("expected an anxiety emotion pattern")
	}
	if p.Occurrences != 4 {
		t.Errorf("expected 4 occurrences, got %d", p.Occurrences)
	}
	if p.Confidence < 0.8 {
		t.Errorf("expected confidence >= 0.8, got %f", p.Confidence)
	}
	count := 0
	for _, pp := range ctx.Patterns {
		if pp.Type == "emotion" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly 1 emotion pattern, got %d", count)
	}
}

func TestAnalyze_EmotionalTensionDetected(t *testing.T) {
	history := []Utterance{
		{Text: "I feel anxious about work"},
		{Text: "anxious again"},
		{Text: "but also feeling calm about it honestly"},
		{Text: "still calm"},
	}
	ctx := Analyze(Utterance{Text: "calm and anxious at once"}, history)
	found := false
	for _, tn := range ctx.Tensions {
		if tn.Type == "emotional" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an emotional tension, got %+v", ctx.Tensions)
	}
}

func TestAnalyze_Deterministic(t *testing.T) {
	history := []Utterance{{Text: "work stress again"}, {Text: "so much work"}, {Text: "work deadline looming"}}
	c := Utterance{Text: "more work today"}
	a := Analyze(c, history)
	b := Analyze(c, history)
	if len(a.Patterns) != len(b.Patterns) || len(a.Tensions) != len(b.Tensions) {
		t.Fatalf("Analyze is not deterministic across calls")
	}
}
