package replay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/reflectcore/reflectd/internal/eventlog"
)

func sampleEvents() []eventlog.Event {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(i int, typ eventlog.EventType, payload map[string]any) eventlog.Event {
		return eventlog.Event{
			ID:         "e" + string(rune('a'+i)),
			Timestamp:  base.Add(time.Duration(i) * time.Hour),
			EventType:  typ,
			InstanceID: "inst1",
			UserID:     "u1",
			Payload:    payload,
			EventHash:  "hash" + string(rune('a'+i)),
			Sequence:   uint64(i),
		}
	}
	return []eventlog.Event{
		mk(0, eventlog.EventPatternDetected, map[string]any{"type": "emotion", "name": "anxiety", "context": "feeling anxious about work"}),
		mk(1, eventlog.EventPatternDetected, map[string]any{"type": "emotion", "name": "anxiety", "context": "still anxious"}),
		mk(2, eventlog.EventPatternDetected, map[string]any{"type": "emotion", "name": "anxiety", "context": "anxious again"}),
		mk(3, eventlog.EventPatternDetected, map[string]any{"type": "emotion", "name": "anxiety", "context": "anxious today too"}),
		mk(4, eventlog.EventTensionDetected, map[string]any{"type": "emotional", "description": "anxiety vs calm", "severity": 0.6, "evidence": []any{"e1", "e2"}}),
		mk(5, "some_future_event_type", map[string]any{"x": 1}),
	}
}

func TestReplayDeterministic(t *testing.T) {
	events := sampleEvents()
	s1 := ReplayEvents("u1", events)
	s2 := ReplayEvents("u1", events)

	b1, err := json.Marshal(s1)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b2, err := json.Marshal(s2)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("replay not deterministic:\n%s\nvs\n%s", b1, b2)
	}
}

func TestReplayPatternEmergesAtThreshold(t *testing.T) {
	snap := ReplayEvents("u1", sampleEvents())
	if len(snap.Patterns) != 1 {
		t.Fatalf("expected exactly 1 pattern, got %d", len(snap.Patterns))
	}
	p := snap.Patterns[0]
	if p.Type != "emotion" || p.Name != "anxiety" {
		t.Fatalf("unexpected pattern: %+v", p)
	}
	if p.Occurrences != 4 {
		t.Errorf("expected 4 occurrences, got %d", p.Occurrences)
	}
	// 4 occurrences buckets as "moderate" under the general 1/2/3/5+
	// threshold formula (Pattern.Strength's >=5 "strong" cutoff) — see
	// DESIGN.md for why the general formula wins over a scenario
	// narrative's looser wording.
	if p.Strength() != "moderate" {
		t.Errorf("expected strength 'moderate', got %q", p.Strength())
	}
	if p.Confidence < 0.8 {
		t.Errorf("expected confidence >= 0.8, got %f", p.Confidence)
	}
}

func TestReplayUnknownEventIsWarningNotError(t *testing.T) {
	snap := ReplayEvents("u1", sampleEvents())
	found := false
	for _, u := range snap.UnknownEventsSeen {
		if u == "some_future_event_type" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected unknown event type to be recorded as a warning")
	}
	if snap.EventsApplied != len(sampleEvents()) {
		t.Errorf("expected EventsApplied=%d, got %d", len(sampleEvents()), snap.EventsApplied)
	}
}

func TestReplayOrderIndependentOfInputOrder(t *testing.T) {
	events := sampleEvents()
	shuffled := make([]eventlog.Event, len(events))
	// Reverse order in the slice passed in; ReplayEvents must still sort by
	// Sequence before folding.
	for i, e := range events {
		shuffled[len(events)-1-i] = e
	}
	s1 := ReplayEvents("u1", events)
	s2 := ReplayEvents("u1", shuffled)
	b1, _ := json.Marshal(s1)
	b2, _ := json.Marshal(s2)
	if string(b1) != string(b2) {
		t.Fatalf("replay depends on input slice order, not Sequence:\n%s\nvs\n%s", b1, b2)
	}
}
