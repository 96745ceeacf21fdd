package expression

import (
	"testing"

	"github.com/reflectcore/reflectd/internal/semantic"
)

func TestLeaveabilityEnforce_Idempotent(t *testing.T) {
	text := "You should keep using this. We'll miss you if you go. You should try journaling tonight."
	once := LeaveabilityEnforce(text)
	twice := LeaveabilityEnforce(once)
	if once != twice {
		t.Errorf("leave-ability enforcement not idempotent:\nonce:  %q\ntwice: %q", once, twice)
	}
}

func TestShape_BalancedIsIdentityAfterLeaveability(t *testing.T) {
	text := "You should try journaling tonight. It might help."
	enforced := LeaveabilityEnforce(text)
	shaped := Shape(text, Preferences{Tone: ToneBalanced, DetailLevel: DetailModerate}, semantic.SemanticContext{})
	if shaped != enforced {
		t.Errorf("Shape(x, balanced) != LeaveabilityEnforce(x):\nshaped:   %q\nenforced: %q", shaped, enforced)
	}
}

func TestShape_ValidatePostCondition(t *testing.T) {
	text := "You should keep using this every day, and we'll miss you if you go."
	shaped := Shape(text, Preferences{Tone: ToneWarm, DetailLevel: DetailModerate}, semantic.SemanticContext{})
	violations := Validate(shaped)
	if len(violations) != 0 {
		t.Errorf("expected Validate(Shape(x)) = [], got %+v (shaped=%q)", violations, shaped)
	}
}

func TestShape_DetailBriefKeepsFirstTwoSentences(t *testing.T) {
	text := "First sentence. Second sentence. Third sentence. Fourth sentence."
	shaped := Shape(text, Preferences{Tone: ToneBalanced, DetailLevel: DetailBrief}, semantic.SemanticContext{})
	if shaped != "First sentence. Second sentence." {
		t.Errorf("unexpected brief shaping: %q", shaped)
	}
}

func TestCapLength_TruncatesAtSentenceBoundary(t *testing.T) {
	text := "Hello there friend. More text after this that is much longer than the limit."
	shaped := capLength(text, 20)
	if shaped != "Hello there friend." {
		t.Errorf("expected truncation at sentence boundary, got %q", shaped)
	}
}

func TestCapLength_HardTruncatesWithEllipsis(t *testing.T) {
	text := "Thisisoneveryveryverylongwordwithoutanysentenceboundarywhatsoeveranditkeepsgoing"
	shaped := capLength(text, 20)
	if len(shaped) > 20 {
		t.Errorf("expected truncated length <= 20, got %d (%q)", len(shaped), shaped)
	}
	if shaped[len(shaped)-3:] != "..." {
		t.Errorf("expected ellipsis suffix, got %q", shaped)
	}
}
