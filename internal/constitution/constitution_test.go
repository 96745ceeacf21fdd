package constitution

import "testing"

func hasAxiom(violations []Violation, id AxiomID) bool {
	for _, v := range violations {
		if v.AxiomID == id {
			return true
		}
	}
	return false
}

// TestCheckResponse_DiagnosisAndNecessity mirrors scenario S2.
func TestCheckResponse_DiagnosisAndNecessity(t *testing.T) {
	reg := NewRegistry()
	req := Request{Content: "Feeling stressed", Mode: ModePostAction}
	resp := "You are definitely depressed and you need Mirror every day."

	violations := reg.CheckResponse(req, resp)
	if !hasAxiom(violations, I4) {
		t.Errorf("expected I4 (diagnosis) violation, got %+v", violations)
	}
	if !hasAxiom(violations, I6) {
		t.Errorf("expected I6 (necessity) violation, got %+v", violations)
	}
}

func TestCheckResponse_I9AllowedInGuidanceMode(t *testing.T) {
	reg := NewRegistry()
	req := Request{Content: "What should I do?", Mode: ModeGuidance}
	resp := "You should try writing down three things you're grateful for."
	violations := reg.CheckResponse(req, resp)
	if hasAxiom(violations, I9) {
		t.Errorf("expected I9 to pass in GUIDANCE mode, got %+v", violations)
	}
}

func TestCheckResponse_I9BlockedOutsideGuidanceMode(t *testing.T) {
	reg := NewRegistry()
	req := Request{Content: "What happened today", Mode: ModePostAction}
	resp := "You should try writing down three things you're grateful for."
	violations := reg.CheckResponse(req, resp)
	if !hasAxiom(violations, I9) {
		t.Errorf("expected I9 violation outside GUIDANCE mode, got %+v", violations)
	}
}

func TestCheckResponse_CleanResponseHasNoViolations(t *testing.T) {
	reg := NewRegistry()
	req := Request{Content: "Had a hard day", Mode: ModePostAction}
	resp := "It sounds like today was difficult. I'm here with whatever you want to explore next."
	violations := reg.CheckResponse(req, resp)
	if len(violations) != 0 {
		t.Errorf("expected no violations, got %+v", violations)
	}
}

func TestCheckResponse_ExitGuiltBlocked(t *testing.T) {
	reg := NewRegistry()
	req := Request{Content: "I think I want to stop using this", Mode: ModePostAction}
	resp := "We'll miss you, and you'll lose your progress if you leave now."
	violations := reg.CheckResponse(req, resp)
	if !hasAxiom(violations, I7) {
		t.Errorf("expected I7 (exit-freedom) violation, got %+v", violations)
	}
}
