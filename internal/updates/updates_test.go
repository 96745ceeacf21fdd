package updates

import (
	"path/filepath"
	"testing"
)

type stubVerifier struct {
	singleOK    bool
	thresholdOK bool
}

func (v stubVerifier) Verify(fields map[string]any, signature string, requireThreshold bool) (bool, error) {
	if requireThreshold {
		return v.thresholdOK, nil
	}
	return v.singleOK, nil
}

func newTestRegistry(t *testing.T, verifier Verifier) *Registry {
	t.Helper()
	reg, err := Open(filepath.Join(t.TempDir(), "updates.db"), verifier)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func TestRegister_OrdinarySectionNeedsOnlySingleSignature(t *testing.T) {
	reg := newTestRegistry(t, stubVerifier{singleOK: true, thresholdOK: false})
	id, err := reg.Register(Manifest{
		Version: "1.1.0", Section: SectionWorkers, Channel: ChannelStable, Signature: "sig",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := reg.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Section != SectionWorkers {
		t.Errorf("expected section workers, got %s", got.Section)
	}
}

func TestRegister_ConstitutionSectionRequiresThreshold(t *testing.T) {
	reg := newTestRegistry(t, stubVerifier{singleOK: true, thresholdOK: false})
	_, err := reg.Register(Manifest{
		Version: "2.0.0", Section: SectionConstitution, Channel: ChannelStable, Signature: "sig",
	})
	if err != ErrThresholdRequired {
		t.Fatalf("expected ErrThresholdRequired, got %v", err)
	}
}

func TestAvailable_FiltersByVersionRangeChannelAndApplied(t *testing.T) {
	reg := newTestRegistry(t, stubVerifier{singleOK: true})
	old, _ := reg.Register(Manifest{
		Version: "1.5.0", Section: SectionOrchestration, Channel: ChannelStable,
		MinVersion: "1.0.0", MaxVersion: "1.9.9", Signature: "sig",
	})
	future, _ := reg.Register(Manifest{
		Version: "3.0.0", Section: SectionOrchestration, Channel: ChannelStable,
		MinVersion: "2.0.0", Signature: "sig",
	})
	_, _ = reg.Register(Manifest{
		Version: "1.6.0", Section: SectionOrchestration, Channel: ChannelBeta,
		MinVersion: "1.0.0", MaxVersion: "1.9.9", Signature: "sig",
	})

	avail, err := reg.Available("inst-1", "1.2.0", SectionOrchestration, ChannelStable)
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	if len(avail) != 1 || avail[0].UpdateID != old {
		t.Fatalf("expected only %s in range, got %+v", old, avail)
	}

	if err := reg.MarkApplied("inst-1", old); err != nil {
		t.Fatalf("MarkApplied: %v", err)
	}
	avail, err = reg.Available("inst-1", "1.2.0", SectionOrchestration, ChannelStable)
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	if len(avail) != 0 {
		t.Errorf("expected applied update to be excluded, got %+v", avail)
	}

	_ = future // exercised implicitly by the range filter above
}

func TestMarkFailed_WithRollbackManifestReturnsRollbackID(t *testing.T) {
	reg := newTestRegistry(t, stubVerifier{singleOK: true})
	rollback, _ := reg.Register(Manifest{
		Version: "1.0.0", Section: SectionWorkers, Channel: ChannelStable, Signature: "sig",
	})
	broken, _ := reg.Register(Manifest{
		Version: "1.1.0", Section: SectionWorkers, Channel: ChannelStable,
		RollbackManifest: rollback, Signature: "sig",
	})

	got, err := reg.MarkFailed("inst-1", broken, "artifact hash mismatch")
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if got != rollback {
		t.Errorf("expected rollback id %s, got %s", rollback, got)
	}
	rec, ok := reg.AppliedStatus("inst-1", broken)
	if !ok || rec.Status != StatusRolledBack {
		t.Errorf("expected rolled_back status, got %+v (found=%v)", rec, ok)
	}
}

func TestMarkFailed_WithoutRollbackManifestRecordsFailed(t *testing.T) {
	reg := newTestRegistry(t, stubVerifier{singleOK: true})
	id, _ := reg.Register(Manifest{
		Version: "1.0.0", Section: SectionWorkers, Channel: ChannelStable, Signature: "sig",
	})

	rollback, err := reg.MarkFailed("inst-1", id, "timeout")
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if rollback != "" {
		t.Errorf("expected no rollback id, got %s", rollback)
	}
	rec, ok := reg.AppliedStatus("inst-1", id)
	if !ok || rec.Status != StatusFailed {
		t.Errorf("expected failed status, got %+v (found=%v)", rec, ok)
	}
}
