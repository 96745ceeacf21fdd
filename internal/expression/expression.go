// Package expression implements the L3 layer (spec C7): pure string
// rewriting that enforces leave-ability and adapts tone/detail/length. No
// external calls. Grounded in
// _examples/original_source/packages/mirror-core/layers/l3_expression.py's
// ToneAdapter substitution-table design, generalized to the five-step
// algorithm in spec §4.7 (leave-ability is mandatory and runs before tone,
// not optional/interleaved as in the Python original).
package expression

import (
	"regexp"
	"strings"

	"github.com/reflectcore/reflectd/internal/constitution"
	"github.com/reflectcore/reflectd/internal/semantic"
)

type Tone string

const (
	ToneWarm     Tone = "warm"
	ToneClinical Tone = "clinical"
	ToneDirect   Tone = "direct"
	ToneBalanced Tone = "balanced"
)

type DetailLevel string

const (
	DetailBrief    DetailLevel = "brief"
	DetailModerate DetailLevel = "moderate"
	DetailDetailed DetailLevel = "detailed"
)

// Preferences mirrors spec §4.7.
type Preferences struct {
	Tone         Tone
	DetailLevel  DetailLevel
	UseQuestions bool
	MaxLength    int // 0 means no cap
}

// necessityPhrases and exitGuiltPhrases back leave-ability enforcement
// (spec §4.7 step 1). A sentence containing any of these is dropped
// entirely, rather than edited, because there is no safe partial rewrite
// of "you need this" or "we'll miss you".
var necessityPhrases = []string{"you need mirror", "keep using", "come back"}
var exitGuiltPhrases = []string{"we'll miss you", "you'll lose progress", "you'll lose your progress"}

// directiveSoftenings are applied in order; each is a case-insensitive
// phrase substitution, and the replacement is inserted exactly as written
// here (lower case) whatever the case of the matched text.
var directiveSoftenings = []struct{ from, to string }{
	{"you should", "you could"},
	{"you must", "you might"},
	{"you have to", "you might want to"},
	{"you need to", "you could consider"},
}

func splitSentences(text string) []string {
	re := regexp.MustCompile(`[^.!?]*[.!?]+|[^.!?]+$`)
	var out []string
	for _, s := range re.FindAllString(text, -1) {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func containsPhrase(sentence string, phrases []string) bool {
	lower := strings.ToLower(sentence)
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// LeaveabilityEnforce applies directive-softening and removes
// necessity/exit-guilt sentences. It is idempotent (spec property 4):
// applying it twice yields the same result as applying it once, because a
// softened sentence no longer matches any softening pattern, and a
// necessity/exit-guilt sentence is removed outright on the first pass.
func LeaveabilityEnforce(text string) string {
	sentences := splitSentences(text)
	var kept []string
	for _, s := range sentences {
		if containsPhrase(s, necessityPhrases) || containsPhrase(s, exitGuiltPhrases) {
			continue
		}
		softened := s
		for _, sub := range directiveSoftenings {
			softened = replaceCaseInsensitive(softened, sub.from, sub.to)
		}
		kept = append(kept, softened)
	}
	return strings.TrimSpace(strings.Join(kept, " "))
}

func replaceCaseInsensitive(s, from, to string) string {
	re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(from))
	return re.ReplaceAllString(s, to)
}

// toneSubstitutions, one table per non-balanced tone (balanced is identity,
// spec property 5).
var warmPrefixes = []string{"I hear you. "}
var clinicalRemovals = []string{"feeling", "i'm so", "i am so"}
var clinicalSubstitutions = []struct{ from, to string }{
	{"i hear", "i observe"},
	{"it sounds like", "it appears"},
	{"feeling", "experiencing"},
}
var directHedges = []string{"it seems that", "i think that", "perhaps", "maybe", "it sounds like"}

func applyTone(text string, tone Tone) string {
	switch tone {
	case ToneWarm:
		if !strings.Contains(strings.ToLower(text), "i hear you") {
			return warmPrefixes[0] + text
		}
		return text
	case ToneClinical:
		out := text
		for _, sub := range clinicalSubstitutions {
			out = replaceCaseInsensitive(out, sub.from, sub.to)
		}
		return out
	case ToneDirect:
		out := text
		for _, h := range directHedges {
			out = replaceCaseInsensitive(out, h+" ", "")
			out = replaceCaseInsensitive(out, h, "")
		}
		return strings.Join(strings.Fields(out), " ")
	default: // balanced: identity
		return text
	}
}

func adjustDetail(text string, level DetailLevel) string {
	if level != DetailBrief {
		return text
	}
	sentences := splitSentences(text)
	if len(sentences) <= 2 {
		return text
	}
	return strings.Join(sentences[:2], " ")
}

// capLength truncates at the nearest sentence boundary <= maxLength. If no
// boundary falls within the last 30% of the window, it hard-truncates with
// an ellipsis (spec §4.7 step 4).
func capLength(text string, maxLength int) string {
	if maxLength <= 0 || len(text) <= maxLength {
		return text
	}
	window := text[:maxLength]
	cutoffStart := int(float64(maxLength) * 0.7)
	lastBoundary := -1
	for i := len(window) - 1; i >= cutoffStart && i >= 0; i-- {
		if window[i] == '.' || window[i] == '!' || window[i] == '?' {
			lastBoundary = i
			break
		}
	}
	if lastBoundary >= 0 {
		return strings.TrimSpace(window[:lastBoundary+1])
	}
	if maxLength <= 3 {
		return window
	}
	return strings.TrimSpace(window[:maxLength-3]) + "..."
}

// softenOneMoreStep applies one extra round of directive softening
// (spec §4.7 step 5: context awareness strengthens softening further when
// a strong anxiety pattern is present).
func softenOneMoreStep(text string) string {
	out := text
	for _, sub := range directiveSoftenings {
		out = replaceCaseInsensitive(out, sub.to, "it might help to "+strings.TrimPrefix(sub.to, "you "))
	}
	return out
}

// Shape runs the five-step algorithm of spec §4.7 over candidateText.
func Shape(candidateText string, prefs Preferences, semCtx semantic.SemanticContext) string {
	text := LeaveabilityEnforce(candidateText)
	text = applyTone(text, prefs.Tone)
	text = adjustDetail(text, prefs.DetailLevel)
	if semCtx.HasStrongPattern("emotion", "anxiety") {
		text = softenOneMoreStep(text)
	}
	text = capLength(text, prefs.MaxLength)
	return text
}

// Validate re-runs the constitutional registry's phrase-based checks for
// the leave-ability axioms (I6, I7) against text, satisfying the
// post-condition Validate(Shape(x, ...)) = [] (spec §4.7, property 3).
// Tone/detail/length adjustments never reintroduce necessity or exit-guilt
// language, so this only needs to re-check what LeaveabilityEnforce removes.
func Validate(text string) []constitution.Violation {
	var violations []constitution.Violation
	lower := strings.ToLower(text)
	for _, p := range necessityPhrases {
		if strings.Contains(lower, p) {
			violations = append(violations, constitution.Violation{
				AxiomID: constitution.I6, Severity: "fatal", Evidence: p,
				Reason: "necessity language survived expression shaping",
			})
		}
	}
	for _, p := range exitGuiltPhrases {
		if strings.Contains(lower, p) {
			violations = append(violations, constitution.Violation{
				AxiomID: constitution.I7, Severity: "fatal", Evidence: p,
				Reason: "exit-guilt language survived expression shaping",
			})
		}
	}
	return violations
}
