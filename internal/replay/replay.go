// Package replay implements the pure fold from an event stream to an
// IdentitySnapshot (spec C3). Replay never touches the clock or network:
// the same ordered events always produce byte-identical snapshots, which is
// what lets a cached snapshot be thrown away and rebuilt with confidence.
package replay

import (
	"sort"

	"github.com/reflectcore/reflectd/internal/codec"
	"github.com/reflectcore/reflectd/internal/eventlog"
)

// Pattern mirrors spec §3.1. Strength is derived, not stored independently,
// so two replays of the same events can never disagree about it.
type Pattern struct {
	Type        string   `json:"type"`
	Name        string   `json:"name"`
	Occurrences int      `json:"occurrences"`
	FirstSeen   string   `json:"first_seen"`
	LastSeen    string   `json:"last_seen"`
	Confidence  float64  `json:"confidence"`
	Contexts    []string `json:"contexts"`
}

// Strength buckets occurrences per spec §3.1 thresholds: 1, 2, 3, 5+.
func (p Pattern) Strength() string {
	switch {
	case p.Occurrences >= 5:
		return "strong"
	case p.Occurrences >= 3:
		return "moderate"
	case p.Occurrences >= 2:
		return "emerging"
	default:
		return "weak"
	}
}

// Tension mirrors spec §3.1.
type Tension struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Severity    float64  `json:"severity"`
	Evidence    []string `json:"evidence"`
}

// IdentitySnapshot is the derived view recomputed from events (spec §3.1).
// It is never the source of truth — only ReplayEvents produces one.
type IdentitySnapshot struct {
	UserID            string            `json:"user_id"`
	Patterns          []Pattern         `json:"patterns"`
	Tensions          []Tension         `json:"tensions"`
	Beliefs           []string          `json:"beliefs"`
	RecurringThemes   []string          `json:"recurring_themes"`
	DominantEmotion   string            `json:"dominant_emotion"`
	SourceMerkleRoot  string            `json:"source_merkle_root"`
	UnknownEventsSeen []string          `json:"unknown_events_seen,omitempty"`
	EventsApplied     int               `json:"events_applied"`
	patternIndex      map[string]int    // name -> index into Patterns, not exported
	emotionCounts     map[string]int
}

// transition applies a single event to a working accumulator. Unknown event
// types do not mutate state and are recorded as warnings only (forward
// compatibility, spec §4.3).
func transition(acc *IdentitySnapshot, e eventlog.Event) {
	acc.EventsApplied++

	if !eventlog.IsKnown(e.EventType) {
		acc.UnknownEventsSeen = append(acc.UnknownEventsSeen, string(e.EventType))
		return
	}

	switch e.EventType {
	case eventlog.EventPatternDetected:
		applyPattern(acc, e)
	case eventlog.EventTensionDetected:
		applyTension(acc, e)
	case eventlog.EventReflectionCreated:
		applyThemes(acc, e)
	default:
		// reflection_created-adjacent bookkeeping events (voice_transcribed,
		// safety_signal, violation_detected, response_shaped, and the
		// governance/update event types) do not affect identity state; they
		// still count toward EventsApplied and source_merkle_root above.
	}
}

func applyPattern(acc *IdentitySnapshot, e eventlog.Event) {
	name, _ := e.Payload["name"].(string)
	typ, _ := e.Payload["type"].(string)
	if name == "" {
		return
	}
	key := typ + ":" + name
	if acc.patternIndex == nil {
		acc.patternIndex = make(map[string]int)
	}
	ts := e.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z")
	if idx, ok := acc.patternIndex[key]; ok {
		p := &acc.Patterns[idx]
		p.Occurrences++
		p.LastSeen = ts
		p.Confidence = confidenceFor(p.Occurrences)
		if ctx, ok := e.Payload["context"].(string); ok && len(p.Contexts) < 3 {
			p.Contexts = append(p.Contexts, truncate(ctx, 80))
		}
		return
	}
	p := Pattern{
		Type:        typ,
		Name:        name,
		Occurrences: 1,
		FirstSeen:   ts,
		LastSeen:    ts,
		Confidence:  confidenceFor(1),
	}
	if ctx, ok := e.Payload["context"].(string); ok {
		p.Contexts = append(p.Contexts, truncate(ctx, 80))
	}
	acc.patternIndex[key] = len(acc.Patterns)
	acc.Patterns = append(acc.Patterns, p)

	if typ == "emotion" {
		if acc.emotionCounts == nil {
			acc.emotionCounts = make(map[string]int)
		}
		acc.emotionCounts[name]++
	}
}

func confidenceFor(occurrences int) float64 {
	c := 0.2 * float64(occurrences)
	if c > 1.0 {
		c = 1.0
	}
	return c
}

func applyTension(acc *IdentitySnapshot, e eventlog.Event) {
	typ, _ := e.Payload["type"].(string)
	desc, _ := e.Payload["description"].(string)
	sev, _ := e.Payload["severity"].(float64)
	var evidence []string
	if raw, ok := e.Payload["evidence"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				evidence = append(evidence, s)
			}
		}
	}
	acc.Tensions = append(acc.Tensions, Tension{
		Type:        typ,
		Description: desc,
		Severity:    sev,
		Evidence:    evidence,
	})
}

func applyThemes(acc *IdentitySnapshot, e eventlog.Event) {
	if theme, ok := e.Payload["theme"].(string); ok && theme != "" {
		for _, existing := range acc.RecurringThemes {
			if existing == theme {
				return
			}
		}
		acc.RecurringThemes = append(acc.RecurringThemes, theme)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ReplayEvents folds events (assumed already in append order for a single
// (instance, user) stream) into an IdentitySnapshot. Given the same ordered
// input, it returns byte-identical output on any platform (spec property 2).
func ReplayEvents(userID string, events []eventlog.Event) IdentitySnapshot {
	acc := IdentitySnapshot{UserID: userID}

	ordered := make([]eventlog.Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	var hashes []string
	for _, e := range ordered {
		transition(&acc, e)
		hashes = append(hashes, e.EventHash)
	}

	acc.DominantEmotion = dominantEmotion(acc.emotionCounts)
	acc.SourceMerkleRoot = codec.MerkleRootOf(hashes)
	acc.patternIndex = nil
	acc.emotionCounts = nil
	return acc
}

func dominantEmotion(counts map[string]int) string {
	best, bestN := "", -1
	// Iterate over a sorted key list so ties resolve deterministically
	// regardless of Go's randomized map iteration order.
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if counts[k] > bestN {
			best, bestN = k, counts[k]
		}
	}
	return best
}
