// Package semantic implements the L2 layer (spec C6): pattern and tension
// detection over the current reflection plus history. Detection is
// deterministic — no randomness, no clock-dependent logic (spec §4.6).
package semantic

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// Utterance is the minimal view of a reflection (current or historical)
// the semantic layer needs.
type Utterance struct {
	Text      string
	Timestamp string // RFC3339; not read by Analyze, which keeps input order
}

// Pattern mirrors spec §3.1 (duplicated from replay.Pattern's shape so this
// package has no dependency on replay; the pipeline orchestrator maps
// between the two when it emits pattern_detected events).
type Pattern struct {
	Type        string   `json:"type"` // emotion | topic | behavior
	Name        string   `json:"name"`
	Occurrences int      `json:"occurrences"`
	Confidence  float64  `json:"confidence"`
	Contexts    []string `json:"contexts"`
}

// Tension mirrors spec §3.1.
type Tension struct {
	Type        string   `json:"type"` // emotional | behavioral | value | temporal | explicit_contradiction
	Description string   `json:"description"`
	Severity    float64  `json:"severity"`
	Evidence    []string `json:"evidence"`
}

// SemanticContext is the output of Analyze (spec §4.6).
type SemanticContext struct {
	Patterns         []Pattern      `json:"patterns"`
	Tensions         []Tension      `json:"tensions"`
	RecurringThemes  []string       `json:"recurring_themes"`
	EmotionalBaseline float64       `json:"emotional_baseline"`
	Metadata         map[string]any `json:"metadata"`
}

// HasStrongPattern reports whether a pattern named name at type typ has
// occurrences >= 5 ("strong" per spec §3.1 thresholds), used by the
// expression layer's context-awareness step.
func (c SemanticContext) HasStrongPattern(typ, name string) bool {
	for _, p := range c.Patterns {
		if p.Type == typ && p.Name == name && p.Occurrences >= 5 {
			return true
		}
	}
	return false
}

// emotionVocabulary maps an emotion name to the surface forms that count as
// an occurrence of it.
var emotionVocabulary = map[string][]string{
	"anxiety":   {"anxious", "anxiety", "nervous", "on edge", "worried", "worry"},
	"joy":       {"happy", "joy", "joyful", "glad", "excited"},
	"sadness":   {"sad", "sadness", "down", "blue", "grief"},
	"anger":     {"angry", "anger", "frustrated", "furious", "irritated"},
	"calm":      {"calm", "at peace", "relaxed", "settled"},
	"stress":    {"stressed", "stress", "overwhelmed", "burnt out"},
	"fear":      {"afraid", "scared", "fearful", "terrified"},
	"gratitude": {"grateful", "thankful", "appreciative"},
}

// topicBuckets maps a topic name to its keyword lemmas.
var topicBuckets = map[string][]string{
	"work":          {"work", "job", "boss", "deadline", "meeting", "office", "career"},
	"health":        {"health", "doctor", "sleep", "exercise", "diet", "pain", "sick"},
	"relationships": {"partner", "friend", "family", "relationship", "spouse", "parent"},
	"finances":      {"money", "debt", "bills", "budget", "rent", "savings"},
}

// behaviorStems maps a behavior name to a regex matching its verb forms.
var behaviorStems = map[string]*regexp.Regexp{
	"run":       regexp.MustCompile(`(?i)\b(run|ran|running|runs)\b`),
	"exercise":  regexp.MustCompile(`(?i)\b(exercise|exercised|exercising|exercises|work(ed|ing)? out)\b`),
	"avoid":     regexp.MustCompile(`(?i)\b(avoid|avoided|avoiding|avoids)\b`),
	"apologize": regexp.MustCompile(`(?i)\b(apologize|apologized|apologizing|apologizes)\b`),
}

// opposingEmotions pairs emotions whose simultaneous presence is a tension
// signal (spec §4.6 emotional tension sub-mapper).
var opposingEmotions = [][2]string{
	{"anxiety", "calm"},
	{"joy", "sadness"},
	{"anger", "calm"},
}

var intentionPhrase = regexp.MustCompile(`(?i)\b(i should|i need to|i ought to) (\w+)`)
var contradictionMarkers = regexp.MustCompile(`(?i)\b(but|however|used to .* now|though)\b`)

func tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

func containsAny(text string, phrases []string) (bool, string) {
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true, p
		}
	}
	return false, ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Analyze runs the three pattern sub-detectors and three tension
// sub-mappers over tokens of current ∪ history (spec §4.6).
func Analyze(current Utterance, history []Utterance) SemanticContext {
	all := append([]Utterance{current}, history...)

	ctx := SemanticContext{Metadata: map[string]any{}}

	emotionCounts := map[string]int{}
	emotionContexts := map[string][]string{}
	for _, u := range all {
		for emotion, forms := range emotionVocabulary {
			if ok, _ := containsAny(u.Text, forms); ok {
				emotionCounts[emotion]++
				if len(emotionContexts[emotion]) < 3 {
					emotionContexts[emotion] = append(emotionContexts[emotion], truncate(u.Text, 80))
				}
			}
		}
	}
	topicCounts := map[string]int{}
	topicContexts := map[string][]string{}
	for _, u := range all {
		for topic, words := range topicBuckets {
			if ok, _ := containsAny(u.Text, words); ok {
				topicCounts[topic]++
				if len(topicContexts[topic]) < 3 {
					topicContexts[topic] = append(topicContexts[topic], truncate(u.Text, 80))
				}
			}
		}
	}
	behaviorCounts := map[string]int{}
	behaviorContexts := map[string][]string{}
	for _, u := range all {
		for behavior, re := range behaviorStems {
			if re.MatchString(u.Text) {
				behaviorCounts[behavior]++
				if len(behaviorContexts[behavior]) < 3 {
					behaviorContexts[behavior] = append(behaviorContexts[behavior], truncate(u.Text, 80))
				}
			}
		}
	}

	appendPatterns := func(typ string, counts map[string]int, contexts map[string][]string) {
		names := make([]string, 0, len(counts))
		for n := range counts {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, name := range names {
			occ := counts[name]
			if occ < 2 {
				continue
			}
			confidence := 0.2 * float64(occ)
			if confidence > 1.0 {
				confidence = 1.0
			}
			ctx.Patterns = append(ctx.Patterns, Pattern{
				Type:        typ,
				Name:        name,
				Occurrences: occ,
				Confidence:  confidence,
				Contexts:    contexts[name],
			})
		}
	}
	appendPatterns("emotion", emotionCounts, emotionContexts)
	appendPatterns("topic", topicCounts, topicContexts)
	appendPatterns("behavior", behaviorCounts, behaviorContexts)

	ctx.Tensions = detectTensions(all, ctx.Patterns)
	ctx.RecurringThemes = recurringThemes(topicCounts)
	ctx.EmotionalBaseline = ShannonEntropy(emotionCounts)

	return ctx
}

func recurringThemes(topicCounts map[string]int) []string {
	var themes []string
	for name, occ := range topicCounts {
		if occ >= 3 {
			themes = append(themes, name)
		}
	}
	sort.Strings(themes)
	return themes
}

const tensionConfidenceThreshold = 0.5

func detectTensions(all []Utterance, patterns []Pattern) []Tension {
	var tensions []Tension

	byName := map[string]Pattern{}
	for _, p := range patterns {
		if p.Type == "emotion" {
			byName[p.Name] = p
		}
	}
	for _, pair := range opposingEmotions {
		a, aok := byName[pair[0]]
		b, bok := byName[pair[1]]
		if aok && bok && a.Confidence >= tensionConfidenceThreshold && b.Confidence >= tensionConfidenceThreshold {
			// Severity starts from the plain average, then gets boosted by
			// how far the (confidence_a, confidence_b) pair sits from the
			// threshold baseline — two patterns both sitting right at 0.5
			// are weaker evidence than two both sitting at 0.9, even though
			// the average alone can't tell those apart from e.g. 0.3/1.0.
			distance := MahalanobisDistance(
				[]float64{a.Confidence, b.Confidence},
				[]float64{tensionConfidenceThreshold, tensionConfidenceThreshold},
				[]float64{0.0625, 0.0625},
			)
			severity := math.Min(1.0, (a.Confidence+b.Confidence)/2+0.05*distance)
			tensions = append(tensions, Tension{
				Type:        "emotional",
				Description: pair[0] + " co-occurring with " + pair[1],
				Severity:    severity,
				Evidence:    append(append([]string{}, a.Contexts...), b.Contexts...),
			})
		}
	}

	// Behavioral tension: an intention phrase ("should X"/"need to X")
	// without a matching action pattern for X anywhere in history.
	actionSeen := map[string]bool{}
	for name := range byName {
		actionSeen[name] = true
	}
	for behaviorName := range behaviorStemsSeen(all) {
		actionSeen[behaviorName] = true
	}
	for _, u := range all {
		matches := intentionPhrase.FindAllStringSubmatch(u.Text, -1)
		for _, m := range matches {
			verb := strings.ToLower(m[2])
			if !actionSeen[verb] {
				tensions = append(tensions, Tension{
					Type:        "behavioral",
					Description: "stated intention '" + m[1] + " " + verb + "' without a matching action pattern",
					Severity:    0.4,
					Evidence:    []string{truncate(u.Text, 80)},
				})
			}
		}
	}

	// Explicit/value/temporal contradiction markers.
	for _, u := range all {
		if loc := contradictionMarkers.FindStringIndex(u.Text); loc != nil {
			tensions = append(tensions, Tension{
				Type:        "explicit_contradiction",
				Description: "contradiction marker present",
				Severity:    0.3,
				Evidence:    []string{truncate(u.Text, 80)},
			})
		}
	}

	return tensions
}

func behaviorStemsSeen(all []Utterance) map[string]bool {
	seen := map[string]bool{}
	for _, u := range all {
		for name, re := range behaviorStems {
			if re.MatchString(u.Text) {
				seen[name] = true
			}
		}
	}
	return seen
}
