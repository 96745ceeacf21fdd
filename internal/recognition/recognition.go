// Package recognition implements C12: Ed25519-signed recognition
// certificates with issue/verify/revoke/heartbeat lifecycle and rotating
// operational keys (ROKs). Grounded in
// _examples/original_source/mirrorx-engine's certification flow and, for
// the signed-record-with-status-transition storage shape, the teacher's
// internal/storage/bolt.go key-value layout (also used by
// internal/workers and internal/eventlog in this tree).
package recognition

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"github.com/google/uuid"

	"github.com/reflectcore/reflectd/internal/codec"
)

// Tier is opaque metadata (spec §9 Open Questions: tier enforcement is
// out of scope here; it is carried through unexamined).
type Tier string

// Status is the certificate lifecycle state (spec §3.1).
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
	StatusExpired   Status = "expired"
)

// Certificate mirrors spec §3.1's recognition-certificate tuple.
type Certificate struct {
	CertID           string    `json:"cert_id"`
	InstanceID       string    `json:"instance_id"`
	UserID           string    `json:"user_id"`
	Tier             Tier      `json:"tier"`
	IssuedAt         time.Time `json:"issued_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	IssuerPublicKey  string    `json:"issuer_public_key"` // hex
	Signature        string    `json:"signature"`         // hex
	Status           Status    `json:"status"`
}

// signedFields is every field of the tuple that precedes signature: the
// seven fields cert_id through issuer_public_key.
func (c *Certificate) signedFields() map[string]any {
	return map[string]any{
		"cert_id":           c.CertID,
		"instance_id":       c.InstanceID,
		"user_id":           c.UserID,
		"tier":              string(c.Tier),
		"issued_at":         c.IssuedAt.UTC().Format(time.RFC3339Nano),
		"expires_at":        c.ExpiresAt.UTC().Format(time.RFC3339Nano),
		"issuer_public_key": c.IssuerPublicKey,
	}
}

// RevocationCause is the closed cause enumeration (spec §3.1).
type RevocationCause string

const (
	CauseConstitutionalViolation RevocationCause = "constitutional_violation"
	CausePaymentFailure          RevocationCause = "payment_failure"
	CauseUserRequest             RevocationCause = "user_request"
	CauseSecurityBreach          RevocationCause = "security_breach"
	CauseGuardianDiscretion      RevocationCause = "guardian_discretion"
)

// Revocation is a signed, monotone record (spec §4.12): once revoked, a
// certificate is never re-activated.
type Revocation struct {
	RevocationID string          `json:"revocation_id"`
	CertID       string          `json:"cert_id"`
	Cause        RevocationCause `json:"cause"`
	Reason       string          `json:"reason"`
	RevokedAt    time.Time       `json:"revoked_at"`
	RevokedBy    string          `json:"revoked_by"`
	Signature    string          `json:"signature"`
}

// ROK is a short-lived rotating operational key signed by a guardian's
// long-term key (spec §3.1).
type ROK struct {
	KeyID     string    `json:"key_id"`
	PublicKey string    `json:"public_key"` // hex
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Status    Status    `json:"status"`
	Signature string    `json:"signature"` // guardian signature over the above
}

func (k *ROK) signedFields() map[string]any {
	return map[string]any{
		"key_id":     k.KeyID,
		"public_key": k.PublicKey,
		"issued_at":  k.IssuedAt.UTC().Format(time.RFC3339Nano),
		"expires_at": k.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
}

var (
	ErrNotFound       = errors.New("recognition: not found")
	ErrAlreadyRevoked = errors.New("recognition: certificate already revoked")
)

const (
	certBucket = "certificates"
	revBucket  = "revocations"
	rokBucket  = "roks"
)

// Service is a BoltDB-backed recognition service signed by a single
// guardian (or ROK) key pair supplied at construction time.
type Service struct {
	db          *bolt.DB
	guardianPub ed25519.PublicKey
	signer      func(fields map[string]any) (string, error) // returns hex signature
	trustedKeys map[string]bool                             // hex-encoded trusted issuer public keys
	mu          sync.Mutex

	lastHeartbeat map[string]time.Time
	hbMu          sync.Mutex
}

// Open builds a Service. signer produces a hex-encoded Ed25519 signature
// over fields using whichever key (guardian root or current ROK) the
// caller wants day-to-day signing to use; guardianPub is the trust anchor
// every certificate and ROK signature is ultimately verified against
// unless an ROK has separately been trusted via TrustKey.
func Open(path string, guardianPub ed25519.PublicKey, signer func(map[string]any) (string, error)) (*Service, error) {
	bdb, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("recognition: bolt.Open(%q): %w", path, err)
	}
	if err := bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{certBucket, revBucket, rokBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("recognition: schema init: %w", err)
	}
	return &Service{
		db:            bdb,
		guardianPub:   guardianPub,
		signer:        signer,
		trustedKeys:   map[string]bool{codec.HexEncode(guardianPub): true},
		lastHeartbeat: map[string]time.Time{},
	}, nil
}

func (s *Service) Close() error { return s.db.Close() }

// TrustKey adds an additional hex-encoded public key (e.g. a live ROK) to
// the trust set used by Verify.
func (s *Service) TrustKey(pubHex string) { s.mu.Lock(); s.trustedKeys[pubHex] = true; s.mu.Unlock() }

// UntrustKey removes a key from the trust set (e.g. an expired ROK).
func (s *Service) UntrustKey(pubHex string) {
	s.mu.Lock()
	delete(s.trustedKeys, pubHex)
	s.mu.Unlock()
}

// Certify issues and persists a new active certificate (spec §4.12).
func (s *Service) Certify(instance, user string, tier Tier, duration time.Duration, issuerPubHex string) (Certificate, error) {
	now := timeNow()
	c := Certificate{
		CertID:          uuid.NewString(),
		InstanceID:      instance,
		UserID:          user,
		Tier:            tier,
		IssuedAt:        now,
		ExpiresAt:       now.Add(duration),
		IssuerPublicKey: issuerPubHex,
		Status:          StatusActive,
	}
	sig, err := s.signer(c.signedFields())
	if err != nil {
		return Certificate{}, fmt.Errorf("recognition: sign certificate: %w", err)
	}
	c.Signature = sig
	if err := s.putCert(&c); err != nil {
		return Certificate{}, err
	}
	return c, nil
}

// Verify implements spec §4.12's verify algorithm exactly: status=active
// AND now<expires_at AND issuer key trusted AND signature valid. Any
// failure returns (Certificate{}, false) rather than an error — a
// verification miss is an ordinary outcome, not a fault.
func (s *Service) Verify(certID string) (Certificate, bool) {
	c, err := s.getCert(certID)
	if err != nil {
		return Certificate{}, false
	}
	if c.Status != StatusActive {
		return Certificate{}, false
	}
	if !timeNow().Before(c.ExpiresAt) {
		return Certificate{}, false
	}
	s.mu.Lock()
	trusted := s.trustedKeys[c.IssuerPublicKey]
	s.mu.Unlock()
	if !trusted {
		return Certificate{}, false
	}
	pub, err := codec.HexDecode(c.IssuerPublicKey)
	if err != nil {
		return Certificate{}, false
	}
	sig, err := codec.HexDecode(c.Signature)
	if err != nil {
		return Certificate{}, false
	}
	ok, err := codec.VerifyCanonical(pub, c.signedFields(), sig)
	if err != nil || !ok {
		return Certificate{}, false
	}
	return *c, true
}

// Revoke is monotone: once a certificate is revoked, Revoke on it again
// fails with ErrAlreadyRevoked and Verify keeps returning false forever
// (spec §4.12).
func (s *Service) Revoke(certID string, cause RevocationCause, reason, revokedBy string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.getCert(certID)
	if err != nil {
		return "", err
	}
	if c.Status == StatusRevoked {
		return "", ErrAlreadyRevoked
	}
	c.Status = StatusRevoked
	if err := s.putCertLocked(c); err != nil {
		return "", err
	}

	rev := Revocation{
		RevocationID: uuid.NewString(),
		CertID:       certID,
		Cause:        cause,
		Reason:       reason,
		RevokedAt:    timeNow(),
		RevokedBy:    revokedBy,
	}
	sig, err := s.signer(map[string]any{
		"revocation_id": rev.RevocationID, "cert_id": rev.CertID, "cause": string(rev.Cause),
		"reason": rev.Reason, "revoked_at": rev.RevokedAt.UTC().Format(time.RFC3339Nano), "revoked_by": rev.RevokedBy,
	})
	if err != nil {
		return "", fmt.Errorf("recognition: sign revocation: %w", err)
	}
	rev.Signature = sig
	data, err := json.Marshal(rev)
	if err != nil {
		return "", err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(revBucket)).Put([]byte(rev.RevocationID), data)
	}); err != nil {
		return "", err
	}
	return rev.RevocationID, nil
}

// IssueROK mints a new operational key signed by the service's guardian
// signer and trusts it immediately.
func (s *Service) IssueROK(duration time.Duration, rokPub ed25519.PublicKey) (ROK, error) {
	now := timeNow()
	rok := ROK{
		KeyID:     uuid.NewString(),
		PublicKey: codec.HexEncode(rokPub),
		IssuedAt:  now,
		ExpiresAt: now.Add(duration),
		Status:    StatusActive,
	}
	sig, err := s.signer(rok.signedFields())
	if err != nil {
		return ROK{}, fmt.Errorf("recognition: sign rok: %w", err)
	}
	rok.Signature = sig
	data, err := json.Marshal(rok)
	if err != nil {
		return ROK{}, err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(rokBucket)).Put([]byte(rok.KeyID), data)
	}); err != nil {
		return ROK{}, err
	}
	s.TrustKey(rok.PublicKey)
	return rok, nil
}

// ValidateROK reports whether keyID's stored public key matches pub,
// the key is active, and it has not expired.
func (s *Service) ValidateROK(keyID string, pub ed25519.PublicKey) bool {
	var rok ROK
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(rokBucket)).Get([]byte(keyID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rok)
	})
	if err != nil || !found {
		return false
	}
	if rok.Status != StatusActive || !timeNow().Before(rok.ExpiresAt) {
		return false
	}
	return rok.PublicKey == codec.HexEncode(pub)
}

// RecordHeartbeat and LastHeartbeat track per-instance liveness in
// memory; heartbeats are a liveness signal, not an append-only record, so
// they are intentionally not persisted to BoltDB.
func (s *Service) RecordHeartbeat(instance string, _ map[string]any) {
	s.hbMu.Lock()
	s.lastHeartbeat[instance] = timeNow()
	s.hbMu.Unlock()
}

func (s *Service) LastHeartbeat(instance string) (time.Time, bool) {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	t, ok := s.lastHeartbeat[instance]
	return t, ok
}

func (s *Service) getCert(certID string) (*Certificate, error) {
	var c Certificate
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(certBucket)).Get([]byte(certID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &c)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *Service) putCert(c *Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putCertLocked(c)
}

func (s *Service) putCertLocked(c *Certificate) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(certBucket)).Put([]byte(c.CertID), data)
	})
}

// timeNow is a package-level var so tests can stub it.
var timeNow = time.Now
