package pipeline

import (
	"crypto/ed25519"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/reflectcore/reflectd/internal/audit"
	"github.com/reflectcore/reflectd/internal/codec"
	"github.com/reflectcore/reflectd/internal/constitution"
	"github.com/reflectcore/reflectd/internal/eventlog"
	"github.com/reflectcore/reflectd/internal/expression"
	"github.com/reflectcore/reflectd/internal/semantic"
)

type staticResolver struct{ pub ed25519.PublicKey }

func (r staticResolver) ResolveSigningKey(instance string) (ed25519.PublicKey, bool) {
	return r.pub, true
}

func newOrchestrator(t *testing.T, gen Generator) *Orchestrator {
	t.Helper()
	pub, priv, err := codec.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	events, err := eventlog.Open(filepath.Join(t.TempDir(), "events.db"), staticResolver{pub: pub}, zap.NewNop())
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	t.Cleanup(func() { _ = events.Close() })
	trail, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { _ = trail.Close() })

	return &Orchestrator{
		Logger:       zap.NewNop(),
		Events:       events,
		Audit:        trail,
		Constitution: constitution.NewRegistry(),
		Generator:    gen,
		Signer: func(fields map[string]any) ([]byte, error) {
			b, err := codec.Canonicalize(fields)
			if err != nil {
				return nil, err
			}
			return codec.Sign(priv, b), nil
		},
	}
}

func echoGenerator(response string) Generator {
	return GeneratorFunc(func(req constitution.Request, semCtx semantic.SemanticContext) (string, error) {
		return response, nil
	})
}

func TestProcess_HappyPathEmitsEventAndReturnsShapedResponse(t *testing.T) {
	o := newOrchestrator(t, echoGenerator("That sounds like a hard week. It might help to rest."))
	result := o.Process(Request{
		InstanceID:  "inst-1",
		UserID:      "user-1",
		Content:     "I've had a rough week at work",
		Mode:        constitution.ModeGuidance,
		Preferences: expression.Preferences{Tone: expression.ToneBalanced, DetailLevel: expression.DetailModerate},
	})
	if !result.Success {
		t.Fatalf("expected success, got violations=%+v stage=%s", result.Violations, result.StageReached)
	}
	if result.StageReached != StageComplete {
		t.Errorf("expected StageComplete, got %s", result.StageReached)
	}
	events, err := o.Events.ReadAll("inst-1", "user-1")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(events) != 2 || events[0].EventType != eventlog.EventReflectionCreated || events[1].EventType != eventlog.EventResponseShaped {
		t.Fatalf("expected a reflection_created event followed by a response_shaped event, got %+v", events)
	}
}

func TestProcess_ConstitutionViolationBlocksAndEmitsNoReflectionEvent(t *testing.T) {
	o := newOrchestrator(t, echoGenerator("You are definitely depressed and you need Mirror every day."))
	result := o.Process(Request{
		InstanceID: "inst-1",
		UserID:     "user-1",
		Content:    "I feel off today",
		Mode:       constitution.ModeGuidance,
	})
	if result.Success {
		t.Fatal("expected failure on diagnosis and necessity violations")
	}
	if result.StageReached != StageConstitutionResponse {
		t.Errorf("expected StageConstitutionResponse, got %s", result.StageReached)
	}
	var gotI4, gotI6 bool
	for _, v := range result.Violations {
		switch v.AxiomID {
		case constitution.I4:
			gotI4 = true
		case constitution.I6:
			gotI6 = true
		}
	}
	if !gotI4 {
		t.Error("expected an I4 (diagnosis) violation for 'you are definitely depressed'")
	}
	if !gotI6 {
		t.Error("expected an I6 (necessity) violation for 'you need mirror every day'")
	}
	events, err := o.Events.ReadAll("inst-1", "user-1")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no reflection events on a blocked response, got %d", len(events))
	}
}

func TestProcess_AdmissionRejectsEmptyContent(t *testing.T) {
	o := newOrchestrator(t, echoGenerator("ok"))
	result := o.Process(Request{InstanceID: "inst-1", UserID: "user-1", Content: ""})
	if result.Success {
		t.Fatal("expected admission failure on empty content")
	}
	if result.StageReached != StageAdmission {
		t.Errorf("expected StageAdmission, got %s", result.StageReached)
	}
}

func TestProcess_GeneratorErrorIsNonFatalToProcess(t *testing.T) {
	o := newOrchestrator(t, GeneratorFunc(func(constitution.Request, semantic.SemanticContext) (string, error) {
		return "", errGenFail
	}))
	result := o.Process(Request{InstanceID: "inst-1", UserID: "user-1", Content: "hello"})
	if result.Success {
		t.Fatal("expected failure when generation errors")
	}
	if result.StageReached != StageGeneration {
		t.Errorf("expected StageGeneration, got %s", result.StageReached)
	}
}

func TestProcess_CriticalSignalShortCircuitsBeforeGeneration(t *testing.T) {
	generatorCalled := false
	o := newOrchestrator(t, GeneratorFunc(func(constitution.Request, semantic.SemanticContext) (string, error) {
		generatorCalled = true
		return "unused", nil
	}))
	result := o.Process(Request{
		InstanceID: "inst-1",
		UserID:     "u1",
		Content:    "I want to kill myself",
		Mode:       constitution.ModePostAction,
	})
	if !result.Success {
		t.Fatalf("expected success (crisis template returned), got violations=%+v", result.Violations)
	}
	if !result.CrisisDetected {
		t.Error("expected CrisisDetected=true")
	}
	if !strings.Contains(result.Response, "988") {
		t.Errorf("expected crisis template to contain 988, got %q", result.Response)
	}
	if generatorCalled {
		t.Error("expected L2/generation to never run on a critical signal")
	}
	events, err := o.Events.ReadAll("inst-1", "u1")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	safetyEvents := 0
	for _, e := range events {
		if e.EventType == eventlog.EventSafetySignal {
			safetyEvents++
		}
	}
	if safetyEvents != 1 {
		t.Errorf("expected exactly one safety_signal event, got %d", safetyEvents)
	}
}

var errGenFail = genError("generation backend unavailable")

type genError string

func (e genError) Error() string { return string(e) }
