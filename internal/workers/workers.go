// Package workers implements C11: the proposed/approved/revoked worker
// manifest registry. Grounded in
// _examples/original_source/packages/mirror-core's worker-manifest shape
// (register → threshold-approve → execute) and, for the registry storage
// pattern itself, the teacher's internal/storage/bolt.go key-value layout
// (one bucket, canonical-JSON values, primary-key lookup).
package workers

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
	"github.com/google/uuid"

	"github.com/reflectcore/reflectd/internal/codec"
)

// Status is the worker manifest lifecycle (spec §3.2).
type Status string

const (
	StatusProposed Status = "proposed"
	StatusApproved Status = "approved"
	StatusSuspended Status = "suspended"
	StatusRevoked  Status = "revoked"
)

// Manifest mirrors spec §3.2's worker manifest tuple.
type Manifest struct {
	WorkerID            string         `json:"worker_id"`
	Name                string         `json:"name"`
	Version              string         `json:"version"`
	Code                 string         `json:"code"`
	Entrypoint           string         `json:"entrypoint"`
	RequiredPermissions  []string       `json:"required_permissions"`
	InputSchema          map[string]any `json:"input_schema"`
	OutputSchema         map[string]any `json:"output_schema"`
	Author               string         `json:"author"`
	Signature            string         `json:"signature"` // hex
	Status               Status         `json:"status"`

	// ChannelPublicKey is an optional hex-encoded X25519 public key a
	// worker pins for sandbox-channel key agreement (SPEC_FULL §3): when
	// set, the sandbox executor seals stdin to this key instead of writing
	// it in the clear into the scratch directory. Not part of the signed
	// fields — it names a transport-confidentiality parameter, not a
	// behavioral capability, and rotating it does not require re-approval.
	ChannelPublicKey string `json:"channel_public_key,omitempty"`
}

func (m *Manifest) signedFields() map[string]any {
	return map[string]any{
		"worker_id":            m.WorkerID,
		"name":                 m.Name,
		"version":              m.Version,
		"code":                 m.Code,
		"entrypoint":           m.Entrypoint,
		"required_permissions": m.RequiredPermissions,
		"input_schema":         m.InputSchema,
		"output_schema":        m.OutputSchema,
		"author":               m.Author,
	}
}

var (
	ErrNotFound           = errors.New("workers: manifest not found")
	ErrSignatureInvalid   = errors.New("workers: signature invalid")
	ErrNotApproved        = errors.New("workers: worker is not approved")
	ErrNotThresholdReady  = errors.New("workers: protected surface requires threshold approval")
	ErrPermissionNotAllowed = errors.New("workers: required_permissions exceeds the instance's allowed-permissions list")
)

// protectedSurfaces names RequiredPermissions values that require a
// threshold (not single-approver) approval, per spec §3.2 "requires
// threshold signature for workers touching protected surfaces".
var protectedSurfaces = map[string]bool{
	"governance": true,
	"constitution": true,
	"updates":    true,
}

const bucketName = "workers"

// Approver verifies a threshold (or single-guardian) signature over a
// manifest's signed fields for a given approver set. The governance
// package (C13) supplies the concrete implementation; workers only needs
// the seam.
type Approver interface {
	Verify(fields map[string]any, signature string, requireThreshold bool) (bool, error)
}

// Registry is a BoltDB-backed worker manifest store.
type Registry struct {
	db                 *bolt.DB
	approver           Approver
	allowedPermissions map[string]bool
	mu                 sync.Mutex
}

// Open builds a Registry. allowedPermissions is the instance's configured
// whitelist (SPEC_FULL §4 "capability contract validation", grounded in
// _examples/original_source/packages/mirror-core/worker_framework.py's
// CapabilityContract/CapabilityValidator): a manifest's RequiredPermissions
// must be a subset of this set before Approve will transition it out of
// StatusProposed. A nil or empty map allows every permission (no whitelist
// configured).
func Open(path string, approver Approver, allowedPermissions []string) (*Registry, error) {
	bdb, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("workers: bolt.Open(%q): %w", path, err)
	}
	if err := bdb.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("workers: schema init: %w", err)
	}
	allowed := make(map[string]bool, len(allowedPermissions))
	for _, p := range allowedPermissions {
		allowed[p] = true
	}
	return &Registry{db: bdb, approver: approver, allowedPermissions: allowed}, nil
}

// capabilityContractSatisfied reports whether every permission m requires
// is in the instance's allowed-permissions whitelist. An empty whitelist
// (no permissions configured as allowed) is treated as "no restriction" —
// callers that want an instance locked down to zero capabilities should
// configure an explicit, non-empty allow-list instead.
func (r *Registry) capabilityContractSatisfied(m *Manifest) bool {
	if len(r.allowedPermissions) == 0 {
		return true
	}
	for _, p := range m.RequiredPermissions {
		if !r.allowedPermissions[p] {
			return false
		}
	}
	return true
}

func (r *Registry) Close() error { return r.db.Close() }

func requiresThreshold(m *Manifest) bool {
	for _, p := range m.RequiredPermissions {
		if protectedSurfaces[p] {
			return true
		}
	}
	return false
}

// Register stores the manifest in StatusProposed, assigning a WorkerID when
// none is set. It does not check the author signature;
// VerifyAuthorSignature does that separately.
func (r *Registry) Register(m Manifest) (string, error) {
	if m.WorkerID == "" {
		m.WorkerID = uuid.NewString()
	}
	m.Status = StatusProposed

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.put(&m); err != nil {
		return "", err
	}
	return m.WorkerID, nil
}

// Approve transitions a proposed worker to approved, requiring a
// threshold signature when the manifest touches a protected surface
// (spec §3.2).
func (r *Registry) Approve(workerID, approvalSignature string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.getLocked(workerID)
	if err != nil {
		return err
	}
	if m.Status == StatusRevoked {
		return fmt.Errorf("workers: approve %s: worker is revoked", workerID)
	}
	if !r.capabilityContractSatisfied(m) {
		return fmt.Errorf("workers: approve %s: %w", workerID, ErrPermissionNotAllowed)
	}
	needsThreshold := requiresThreshold(m)
	ok, err := r.approver.Verify(m.signedFields(), approvalSignature, needsThreshold)
	if err != nil {
		return fmt.Errorf("workers: approve %s: %w", workerID, err)
	}
	if !ok {
		if needsThreshold {
			return fmt.Errorf("workers: approve %s: %w", workerID, ErrNotThresholdReady)
		}
		return fmt.Errorf("workers: approve %s: %w", workerID, ErrSignatureInvalid)
	}
	m.Status = StatusApproved
	m.Signature = approvalSignature
	return r.put(m)
}

// Suspend and Revoke move a worker out of the approved state. Revocation
// is terminal: a revoked worker_id is never re-approved (spec §3.2 "a new
// version is a new worker_id").
func (r *Registry) Suspend(workerID string) error { return r.setStatus(workerID, StatusSuspended) }
func (r *Registry) Revoke(workerID string) error  { return r.setStatus(workerID, StatusRevoked) }

func (r *Registry) setStatus(workerID string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.getLocked(workerID)
	if err != nil {
		return err
	}
	m.Status = status
	return r.put(m)
}

// Get returns the stored manifest for workerID. It does not re-verify the
// stored signature.
func (r *Registry) Get(workerID string) (Manifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.getLocked(workerID)
	if err != nil {
		return Manifest{}, err
	}
	return *m, nil
}

// List returns every manifest whose Status equals statusFilter, or every
// manifest if statusFilter is "".
func (r *Registry) List(statusFilter Status) ([]Manifest, error) {
	var out []Manifest
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.ForEach(func(_, v []byte) error {
			var m Manifest
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if statusFilter == "" || m.Status == statusFilter {
				out = append(out, m)
			}
			return nil
		})
	})
	return out, err
}

func (r *Registry) getLocked(workerID string) (*Manifest, error) {
	var m Manifest
	found := false
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		v := b.Get([]byte(workerID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &m)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (r *Registry) put(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.Put([]byte(m.WorkerID), data)
	})
}

// VerifyAuthorSignature checks a manifest's Signature against its author
// key using the codec package's canonical-JSON + Ed25519 primitives
// directly (no Approver indirection — this guards the Register step,
// before any governance concept applies).
func VerifyAuthorSignature(m Manifest, authorPubKeyHex string) (bool, error) {
	pub, err := codec.HexDecode(authorPubKeyHex)
	if err != nil {
		return false, err
	}
	sig, err := codec.HexDecode(m.Signature)
	if err != nil {
		return false, err
	}
	return codec.VerifyCanonical(pub, m.signedFields(), sig)
}
