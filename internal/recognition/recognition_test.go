package recognition

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/reflectcore/reflectd/internal/codec"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	pub, priv, err := codec.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer := func(fields map[string]any) (string, error) {
		b, err := codec.Canonicalize(fields)
		if err != nil {
			return "", err
		}
		return codec.HexEncode(codec.Sign(priv, b)), nil
	}
	svc, err := Open(filepath.Join(t.TempDir(), "recognition.db"), pub, signer)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc, codec.HexEncode(pub)
}

// TestCertifyVerifyRevoke mirrors scenario S5.
func TestCertifyVerifyRevoke(t *testing.T) {
	svc, issuerHex := newTestService(t)
	cert, err := svc.Certify("i1", "u1", "personal", 30*24*time.Hour, issuerHex)
	if err != nil {
		t.Fatalf("Certify: %v", err)
	}
	got, ok := svc.Verify(cert.CertID)
	if !ok {
		t.Fatal("expected certificate to verify")
	}
	if got.CertID != cert.CertID {
		t.Errorf("unexpected cert returned: %+v", got)
	}

	if _, err := svc.Revoke(cert.CertID, CauseUserRequest, "user asked to leave", "guardian-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, ok := svc.Verify(cert.CertID); ok {
		t.Fatal("expected Verify to return false after revocation")
	}
	if _, ok := svc.Verify(cert.CertID); ok {
		t.Fatal("expected Verify to remain false on a second check")
	}
}

func TestRevoke_IsMonotone(t *testing.T) {
	svc, issuerHex := newTestService(t)
	cert, _ := svc.Certify("i1", "u1", "personal", time.Hour, issuerHex)
	if _, err := svc.Revoke(cert.CertID, CauseSecurityBreach, "compromise", "guardian-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := svc.Revoke(cert.CertID, CauseSecurityBreach, "compromise again", "guardian-1"); err != ErrAlreadyRevoked {
		t.Fatalf("expected ErrAlreadyRevoked, got %v", err)
	}
}

func TestVerify_FailsOnExpiredCertificate(t *testing.T) {
	svc, issuerHex := newTestService(t)
	cert, _ := svc.Certify("i1", "u1", "personal", -time.Hour, issuerHex)
	if _, ok := svc.Verify(cert.CertID); ok {
		t.Fatal("expected expired certificate to fail verification")
	}
}

func TestVerify_FailsOnUntrustedIssuer(t *testing.T) {
	svc, _ := newTestService(t)
	otherPub, _, _ := codec.GenerateKey()
	cert, _ := svc.Certify("i1", "u1", "personal", time.Hour, codec.HexEncode(otherPub))
	if _, ok := svc.Verify(cert.CertID); ok {
		t.Fatal("expected untrusted-issuer certificate to fail verification")
	}
}

func TestIssueROK_IsTrustedAndValidates(t *testing.T) {
	svc, _ := newTestService(t)
	rokPub, _, err := codec.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	rok, err := svc.IssueROK(24*time.Hour, rokPub)
	if err != nil {
		t.Fatalf("IssueROK: %v", err)
	}
	if !svc.ValidateROK(rok.KeyID, rokPub) {
		t.Error("expected freshly issued ROK to validate")
	}
}
