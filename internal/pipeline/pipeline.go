// Package pipeline implements C8: the orchestrator that sequences L0-L3
// and the event/audit trails into the single fail-closed request/response
// flow of spec §4.8. The stage order mirrors the teacher octoreflex
// agent's operator command-dispatch loop, which also recovers panics at a
// single boundary and converts them to a typed result rather than letting
// a single bad request crash the process.
package pipeline

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/reflectcore/reflectd/internal/audit"
	"github.com/reflectcore/reflectd/internal/constitution"
	"github.com/reflectcore/reflectd/internal/eventlog"
	"github.com/reflectcore/reflectd/internal/expression"
	"github.com/reflectcore/reflectd/internal/safety"
	"github.com/reflectcore/reflectd/internal/semantic"
)

// Generator produces a candidate response given the inbound request and
// the semantic context derived from history. Swappable so tests can stub
// it without a real model backend (spec §4.8 step 5 is out of scope for
// this package — it only defines the seam).
type Generator interface {
	Generate(req constitution.Request, semCtx semantic.SemanticContext) (string, error)
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(req constitution.Request, semCtx semantic.SemanticContext) (string, error)

func (f GeneratorFunc) Generate(req constitution.Request, semCtx semantic.SemanticContext) (string, error) {
	return f(req, semCtx)
}

// Stage enumerates the pipeline stages of spec §4.8, in order.
type Stage string

const (
	StageAdmission          Stage = "admission"
	StageSafetyRequest      Stage = "safety_request"
	StageConstitutionRequest Stage = "constitution_request"
	StageSemanticAnalysis   Stage = "semantic_analysis"
	StageGeneration         Stage = "generation"
	StageConstitutionResponse Stage = "constitution_response"
	StageExpressionShape    Stage = "expression_shape"
	StageExpressionValidate Stage = "expression_validate"
	StageEventEmission      Stage = "event_emission"
	StageComplete           Stage = "complete"
)

// Result is the outcome of Process (spec §4.8).
type Result struct {
	Success        bool                     `json:"success"`
	Response       string                   `json:"response,omitempty"`
	Violations     []constitution.Violation `json:"violations,omitempty"`
	Signals        []safety.Signal          `json:"signals,omitempty"`
	CrisisDetected bool                     `json:"crisis_detected"`
	StageReached   Stage                    `json:"stage_reached"`
	ExecutionTime  time.Duration            `json:"execution_time"`
}

// CrisisTemplate is returned verbatim whenever L1 detects a critical signal
// (spec §4.4 escalation policy, scenario S1). It always names the 988
// Suicide & Crisis Lifeline so property 10 ("no silent safety drop") has a
// literal string to assert on.
const CrisisTemplate = "I'm concerned about what you just shared, and I want you to have real support right now: please call or text 988 (Suicide & Crisis Lifeline), available 24/7. You don't have to go through this alone."

// GuardianNotifier is the external hook of spec §6.4 "Guardian notification
// hook". Swappable so tests can assert on calls without a real notifier.
type GuardianNotifier interface {
	Notify(userID string, level safety.Level, categories []string, resources []string)
}

// Orchestrator wires C2-C7 into the single Process entry point.
type Orchestrator struct {
	Logger       *zap.Logger
	Events       *eventlog.Store
	Audit        *audit.Trail
	Constitution *constitution.Registry
	Generator    Generator
	Notifier     GuardianNotifier
	Signer       func(map[string]any) ([]byte, error)
}

// Request is the minimal view of an inbound submit_reflection call.
type Request struct {
	InstanceID  string
	UserID      string
	Content     string
	Mode        constitution.Mode
	Preferences expression.Preferences
	History     []semantic.Utterance
}

// Process runs the ten-stage sequence of spec §4.8. Any violation at any
// stage is fatal and short-circuits: the response is never emitted, and no
// event is appended for a blocked request beyond the violation record
// itself. A panic anywhere in the stage chain is recovered at this
// boundary and reported as a StageReached-preserving failure, never a
// crash (spec §4.8 fail-closed guarantee).
func (o *Orchestrator) Process(req Request) (result Result) {
	start := timeNow()
	defer func() {
		result.ExecutionTime = timeNow().Sub(start)
		if r := recover(); r != nil {
			o.Logger.Error("pipeline panic recovered", zap.Any("panic", r), zap.String("stage", string(result.StageReached)))
			result.Success = false
			result.Violations = append(result.Violations, constitution.Violation{
				AxiomID: "", Severity: "fatal", Reason: fmt.Sprintf("internal error at stage %s", result.StageReached),
			})
		}
	}()

	cReq := constitution.Request{Content: req.Content, Mode: req.Mode}

	o.enterStage(&result, req.UserID, StageAdmission)
	if req.UserID == "" || req.Content == "" {
		result.Violations = append(result.Violations, constitution.Violation{
			Severity: "fatal", Reason: "admission: user_id and content are required",
		})
		return result
	}

	o.enterStage(&result, req.UserID, StageSafetyRequest)
	signals := safety.Check(req.Content)
	result.Signals = signals
	for _, s := range signals {
		o.emitAudit(audit.EventSafetySignal, req.UserID, map[string]any{"category": string(s.Category), "level": s.Level.String()})
		if o.Events != nil {
			if _, err := o.Events.Append(eventlog.Event{
				InstanceID: req.InstanceID,
				UserID:     req.UserID,
				EventType:  eventlog.EventSafetySignal,
				Payload:    map[string]any{"category": string(s.Category), "level": s.Level.String(), "evidence": s.Evidence},
			}, o.Signer); err != nil {
				o.Logger.Warn("safety event append failed", zap.Error(err))
			}
		}
		switch s.Level {
		case safety.LevelCritical, safety.LevelAlert:
			if o.Notifier != nil {
				o.Notifier.Notify(req.UserID, s.Level, []string{string(s.Category)}, s.Resources)
			}
		}
	}

	// Escalation policy (spec §4.4): a critical signal short-circuits the
	// pipeline here. L2 never runs; the crisis template is returned
	// directly and no response_shaped event is emitted.
	if highest := safety.HighestLevel(signals); highest == safety.LevelCritical {
		result.CrisisDetected = true
		o.enterStage(&result, req.UserID, StageComplete)
		result.Success = true
		result.Response = CrisisTemplate
		return result
	}

	o.enterStage(&result, req.UserID, StageConstitutionRequest)
	if reqViolations := o.Constitution.CheckRequest(cReq); len(reqViolations) > 0 {
		result.Violations = append(result.Violations, reqViolations...)
		o.emitViolations(req.UserID, reqViolations)
		return result
	}

	o.enterStage(&result, req.UserID, StageSemanticAnalysis)
	current := semantic.Utterance{Text: req.Content}
	semCtx := semantic.Analyze(current, req.History)
	o.emitAudit(audit.EventSemanticAnalysisComplete, req.UserID, map[string]any{
		"patterns": len(semCtx.Patterns), "tensions": len(semCtx.Tensions),
	})

	o.enterStage(&result, req.UserID, StageGeneration)
	candidate, err := o.Generator.Generate(cReq, semCtx)
	if err != nil {
		result.Violations = append(result.Violations, constitution.Violation{
			Severity: "fatal", Reason: "generation failed: " + err.Error(),
		})
		return result
	}

	o.enterStage(&result, req.UserID, StageConstitutionResponse)
	if respViolations := o.Constitution.CheckResponse(cReq, candidate); len(respViolations) > 0 {
		result.Violations = append(result.Violations, respViolations...)
		o.emitViolations(req.UserID, respViolations)
		return result
	}

	o.enterStage(&result, req.UserID, StageExpressionShape)
	shaped := expression.Shape(candidate, req.Preferences, semCtx)

	o.enterStage(&result, req.UserID, StageExpressionValidate)
	if shapeViolations := expression.Validate(shaped); len(shapeViolations) > 0 {
		result.Violations = append(result.Violations, shapeViolations...)
		o.emitViolations(req.UserID, shapeViolations)
		return result
	}
	o.emitAudit(audit.EventExpressionShapingComplete, req.UserID, map[string]any{"length": len(shaped)})

	o.enterStage(&result, req.UserID, StageEventEmission)
	if err := o.emitReflectionEvents(req, semCtx, shaped); err != nil {
		result.Violations = append(result.Violations, constitution.Violation{
			Severity: "fatal", Reason: "event emission failed: " + err.Error(),
		})
		return result
	}

	o.enterStage(&result, req.UserID, StageComplete)
	result.Success = true
	result.Response = shaped
	return result
}

// enterStage records the stage transition on result and audits it (spec
// §4.9's stage_entered trail), so a post-hoc audit read can reconstruct
// exactly how far a request got even when the full Result isn't retained.
func (o *Orchestrator) enterStage(result *Result, userID string, stage Stage) {
	result.StageReached = stage
	o.emitAudit(audit.EventStageEntered, userID, map[string]any{"stage": string(stage)})
}

func (o *Orchestrator) emitViolations(userID string, violations []constitution.Violation) {
	for _, v := range violations {
		o.emitAudit(audit.EventAxiomViolation, userID, map[string]any{"axiom_id": string(v.AxiomID), "reason": v.Reason})
	}
}

func (o *Orchestrator) emitAudit(t audit.EventType, userID string, data map[string]any) {
	if o.Audit == nil {
		return
	}
	if _, err := o.Audit.Append(audit.Event{EventType: t, UserID: userID, Data: data}); err != nil {
		o.Logger.Warn("audit append failed", zap.Error(err))
	}
}

// emitReflectionEvents appends the reflection_created and response_shaped
// events plus one pattern_detected/tension_detected event per item the semantic layer
// surfaced, exactly as spec §4.8 stage 9 describes. Event emission runs
// after every check has passed, never before (spec ordering guarantee).
func (o *Orchestrator) emitReflectionEvents(req Request, semCtx semantic.SemanticContext, response string) error {
	if o.Events == nil {
		return nil
	}
	if _, err := o.Events.Append(eventlog.Event{
		InstanceID: req.InstanceID,
		UserID:     req.UserID,
		EventType:  eventlog.EventReflectionCreated,
		Payload:    map[string]any{"content": req.Content, "response": response},
	}, o.Signer); err != nil {
		return err
	}
	if _, err := o.Events.Append(eventlog.Event{
		InstanceID: req.InstanceID,
		UserID:     req.UserID,
		EventType:  eventlog.EventResponseShaped,
		Payload:    map[string]any{"response": response},
	}, o.Signer); err != nil {
		return err
	}
	for _, p := range semCtx.Patterns {
		if _, err := o.Events.Append(eventlog.Event{
			InstanceID: req.InstanceID,
			UserID:     req.UserID,
			EventType:  eventlog.EventPatternDetected,
			Payload: map[string]any{
				"type": p.Type, "name": p.Name, "occurrences": p.Occurrences, "confidence": p.Confidence,
			},
		}, o.Signer); err != nil {
			return err
		}
	}
	for _, tn := range semCtx.Tensions {
		if _, err := o.Events.Append(eventlog.Event{
			InstanceID: req.InstanceID,
			UserID:     req.UserID,
			EventType:  eventlog.EventTensionDetected,
			Payload:    map[string]any{"type": tn.Type, "description": tn.Description, "severity": tn.Severity},
		}, o.Signer); err != nil {
			return err
		}
	}
	return nil
}

// timeNow is a package-level var so tests can stub it.
var timeNow = time.Now
