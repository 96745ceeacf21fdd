package workers

import (
	"path/filepath"
	"testing"
)

type stubApprover struct {
	singleOK    bool
	thresholdOK bool
}

func (a stubApprover) Verify(fields map[string]any, signature string, requireThreshold bool) (bool, error) {
	if requireThreshold {
		return a.thresholdOK, nil
	}
	return a.singleOK, nil
}

func newTestRegistry(t *testing.T, approver Approver) *Registry {
	t.Helper()
	reg, err := Open(filepath.Join(t.TempDir(), "workers.db"), approver, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func newTestRegistryWithAllowlist(t *testing.T, approver Approver, allowed []string) *Registry {
	t.Helper()
	reg, err := Open(filepath.Join(t.TempDir(), "workers.db"), approver, allowed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func TestRegister_LandsInProposed(t *testing.T) {
	reg := newTestRegistry(t, stubApprover{singleOK: true})
	id, err := reg.Register(Manifest{Name: "journal-summarizer", Version: "1.0.0"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	m, err := reg.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.Status != StatusProposed {
		t.Errorf("expected proposed, got %s", m.Status)
	}
}

func TestApprove_OrdinaryWorkerNeedsOnlySingleApproval(t *testing.T) {
	reg := newTestRegistry(t, stubApprover{singleOK: true, thresholdOK: false})
	id, _ := reg.Register(Manifest{Name: "w", RequiredPermissions: []string{"read_reflections"}})
	if err := reg.Approve(id, "sig"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	m, _ := reg.Get(id)
	if m.Status != StatusApproved {
		t.Errorf("expected approved, got %s", m.Status)
	}
}

func TestApprove_ProtectedSurfaceRequiresThreshold(t *testing.T) {
	reg := newTestRegistry(t, stubApprover{singleOK: true, thresholdOK: false})
	id, _ := reg.Register(Manifest{Name: "w", RequiredPermissions: []string{"governance"}})
	err := reg.Approve(id, "sig")
	if err == nil {
		t.Fatal("expected approval to fail without a threshold signature")
	}
}

func TestRevoke_IsTerminal(t *testing.T) {
	reg := newTestRegistry(t, stubApprover{singleOK: true})
	id, _ := reg.Register(Manifest{Name: "w"})
	if err := reg.Approve(id, "sig"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := reg.Revoke(id); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	m, _ := reg.Get(id)
	if m.Status != StatusRevoked {
		t.Errorf("expected revoked, got %s", m.Status)
	}
}

func TestApprove_RejectsPermissionOutsideAllowlist(t *testing.T) {
	reg := newTestRegistryWithAllowlist(t, stubApprover{singleOK: true}, []string{"read_reflections"})
	id, _ := reg.Register(Manifest{Name: "w", RequiredPermissions: []string{"read_reflections", "write_events"}})
	if err := reg.Approve(id, "sig"); err == nil {
		t.Fatal("expected approval to fail when a required permission is outside the allowlist")
	}
	m, _ := reg.Get(id)
	if m.Status != StatusProposed {
		t.Errorf("expected manifest to remain proposed, got %s", m.Status)
	}
}

func TestApprove_AllowsPermissionWithinAllowlist(t *testing.T) {
	reg := newTestRegistryWithAllowlist(t, stubApprover{singleOK: true}, []string{"read_reflections", "write_events"})
	id, _ := reg.Register(Manifest{Name: "w", RequiredPermissions: []string{"read_reflections"}})
	if err := reg.Approve(id, "sig"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
}

func TestList_FiltersByStatus(t *testing.T) {
	reg := newTestRegistry(t, stubApprover{singleOK: true})
	a, _ := reg.Register(Manifest{Name: "a"})
	_, _ = reg.Register(Manifest{Name: "b"})
	_ = reg.Approve(a, "sig")

	approved, err := reg.List(StatusApproved)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(approved) != 1 || approved[0].WorkerID != a {
		t.Errorf("expected exactly worker %s approved, got %+v", a, approved)
	}
}
