// Package updates implements C14: signed update manifests registered per
// section/channel, queried by an instance's current version, and tracked
// through an applied/failed/rolled-back lifecycle per instance. Grounded
// in the teacher's internal/storage/bolt.go key-value layout (one bucket
// per entity kind, canonical-JSON values) and, for the rollback-on-failure
// behavior, _examples/original_source/.../update_system.py's ROLLED_BACK
// status (spec.md §4.14, SPEC_FULL.md §4 "Update rollback-manifest
// application").
package updates

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"github.com/google/uuid"

	"github.com/reflectcore/reflectd/internal/codec"
)

// Section and Channel are the closed enumerations of spec §3.1.
type Section string

const (
	SectionOrchestration Section = "orchestration"
	SectionWorkers       Section = "workers"
	SectionGovernance    Section = "governance"
	SectionConstitution  Section = "constitution"
	SectionUI            Section = "ui"
	SectionProtocol      Section = "protocol"
)

type Channel string

const (
	ChannelStable Channel = "stable"
	ChannelBeta   Channel = "beta"
	ChannelDev    Channel = "dev"
)

// thresholdSections are the Section values spec §3.1 requires to be
// threshold-signed rather than single-guardian-signed.
var thresholdSections = map[Section]bool{
	SectionConstitution: true,
	SectionGovernance:   true,
}

// RequiresThreshold reports whether a manifest targeting section must
// carry a threshold (not single-guardian) signature.
func RequiresThreshold(section Section) bool { return thresholdSections[section] }

// Manifest mirrors spec §3.1's update-manifest tuple.
type Manifest struct {
	UpdateID         string            `json:"update_id"`
	Version          string            `json:"version"`
	Section          Section           `json:"section"`
	Channel          Channel           `json:"channel"`
	Title            string            `json:"title"`
	Description      string            `json:"description"`
	Changes          []string          `json:"changes"`
	Artifacts        map[string]string `json:"artifacts"` // filename -> sha256
	Dependencies     []string          `json:"dependencies"` // update_ids
	Conflicts        []string          `json:"conflicts"`    // update_ids
	MinVersion       string            `json:"min_version"`
	MaxVersion       string            `json:"max_version,omitempty"` // empty = unbounded
	RollbackManifest string            `json:"rollback_manifest,omitempty"` // update_id to revert to
	IssuedAt         time.Time         `json:"issued_at"`
	IssuedBy         string            `json:"issued_by"`
	Signature        string            `json:"signature"` // hex
}

// SignedFields returns every manifest field except Signature, in the
// canonical-JSON shape spec §6.2 specifies ("canonical JSON of every
// manifest field except signature").
func (m *Manifest) SignedFields() map[string]any {
	return map[string]any{
		"update_id":         m.UpdateID,
		"version":           m.Version,
		"section":           string(m.Section),
		"channel":           string(m.Channel),
		"title":             m.Title,
		"description":       m.Description,
		"changes":           m.Changes,
		"artifacts":         m.Artifacts,
		"dependencies":      m.Dependencies,
		"conflicts":         m.Conflicts,
		"min_version":       m.MinVersion,
		"max_version":       m.MaxVersion,
		"rollback_manifest": m.RollbackManifest,
		"issued_at":         m.IssuedAt.UTC().Format(time.RFC3339Nano),
		"issued_by":         m.IssuedBy,
	}
}

// ApplyStatus is the per-instance application outcome.
type ApplyStatus string

const (
	StatusApplied     ApplyStatus = "applied"
	StatusFailed      ApplyStatus = "failed"
	StatusRolledBack  ApplyStatus = "rolled_back"
)

// ApplyRecord tracks one instance's outcome for one update_id.
type ApplyRecord struct {
	InstanceID string      `json:"instance_id"`
	UpdateID   string      `json:"update_id"`
	Status     ApplyStatus `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	RecordedAt time.Time   `json:"recorded_at"`
}

var (
	ErrNotFound           = errors.New("updates: manifest not found")
	ErrSignatureInvalid   = errors.New("updates: manifest signature invalid")
	ErrThresholdRequired  = errors.New("updates: section requires a threshold signature")
)

// Verifier checks a manifest's signature, distinguishing single-guardian
// from threshold verification the same way workers.Approver does for C11
// manifests. The governance package (C13) supplies the concrete
// implementation.
type Verifier interface {
	Verify(fields map[string]any, signature string, requireThreshold bool) (bool, error)
}

const (
	manifestBucket = "manifests"
	applyBucket    = "applied" // key: instance\x00update_id
	indexBucket    = "index"   // key: section\x00channel\x00version -> update_id
)

// Registry is a BoltDB-backed update manifest store.
type Registry struct {
	db       *bolt.DB
	verifier Verifier
	mu       sync.Mutex
}

// Open builds a Registry over path.
func Open(path string, verifier Verifier) (*Registry, error) {
	bdb, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("updates: bolt.Open(%q): %w", path, err)
	}
	if err := bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{manifestBucket, applyBucket, indexBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("updates: schema init: %w", err)
	}
	return &Registry{db: bdb, verifier: verifier}, nil
}

func (r *Registry) Close() error { return r.db.Close() }

// Register verifies manifest's signature (threshold-required for
// constitution/governance sections, spec §3.1) and stores it, indexed by
// (section, channel, version) for Available's lookup.
func (r *Registry) Register(m Manifest) (string, error) {
	if m.UpdateID == "" {
		m.UpdateID = uuid.NewString()
	}
	needsThreshold := RequiresThreshold(m.Section)
	ok, err := r.verifier.Verify(m.SignedFields(), m.Signature, needsThreshold)
	if err != nil {
		return "", fmt.Errorf("updates: register %s: %w", m.UpdateID, err)
	}
	if !ok {
		if needsThreshold {
			return "", ErrThresholdRequired
		}
		return "", ErrSignatureInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := tx.Bucket([]byte(manifestBucket)).Put([]byte(m.UpdateID), data); err != nil {
			return err
		}
		idxKey := []byte(string(m.Section) + "\x00" + string(m.Channel) + "\x00" + m.Version)
		return tx.Bucket([]byte(indexBucket)).Put(idxKey, []byte(m.UpdateID))
	}); err != nil {
		return "", fmt.Errorf("updates: register %s: %w", m.UpdateID, err)
	}
	return m.UpdateID, nil
}

// Get returns the stored manifest for updateID.
func (r *Registry) Get(updateID string) (Manifest, error) {
	var m Manifest
	found := false
	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(manifestBucket)).Get([]byte(updateID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &m)
	})
	if err != nil {
		return Manifest{}, err
	}
	if !found {
		return Manifest{}, ErrNotFound
	}
	return m, nil
}

// Available returns every manifest in channel/section whose version range
// covers currentVersion and that instance has not already applied (spec
// §4.14).
func (r *Registry) Available(instance, currentVersion string, section Section, channel Channel) ([]Manifest, error) {
	var out []Manifest
	err := r.db.View(func(tx *bolt.Tx) error {
		applyB := tx.Bucket([]byte(applyBucket))
		return tx.Bucket([]byte(manifestBucket)).ForEach(func(_, v []byte) error {
			var m Manifest
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.Section != section || m.Channel != channel {
				return nil
			}
			if !versionInRange(currentVersion, m.MinVersion, m.MaxVersion) {
				return nil
			}
			applyKey := []byte(instance + "\x00" + m.UpdateID)
			if rec := applyB.Get(applyKey); rec != nil {
				var ar ApplyRecord
				if err := json.Unmarshal(rec, &ar); err == nil && ar.Status == StatusApplied {
					return nil
				}
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

// versionInRange does a lexicographic comparison, matching the teacher's
// string-keyed BoltDB ordering rather than introducing a semver parser
// the spec never requires (version strings are opaque identifiers per
// spec §3.1; only ordering is needed here).
func versionInRange(current, min, max string) bool {
	if min != "" && current < min {
		return false
	}
	if max != "" && current > max {
		return false
	}
	return true
}

// MarkApplied records a successful application for instance/updateID.
func (r *Registry) MarkApplied(instance, updateID string) error {
	return r.recordOutcome(instance, updateID, StatusApplied, "")
}

// MarkFailed records a failed application. If the manifest names a
// rollback_manifest, the caller is told to apply it via the returned
// rollbackUpdateID and the instance's own record is stored as
// rolled_back rather than failed once the rollback is known (spec
// SPEC_FULL.md §4: "MarkFailed triggers an explicit rollback-manifest
// lookup and a RollbackRequired result").
func (r *Registry) MarkFailed(instance, updateID, reason string) (rollbackUpdateID string, err error) {
	m, err := r.Get(updateID)
	if err != nil {
		return "", err
	}
	if m.RollbackManifest != "" {
		if err := r.recordOutcome(instance, updateID, StatusRolledBack, reason); err != nil {
			return "", err
		}
		return m.RollbackManifest, nil
	}
	return "", r.recordOutcome(instance, updateID, StatusFailed, reason)
}

func (r *Registry) recordOutcome(instance, updateID string, status ApplyStatus, reason string) error {
	rec := ApplyRecord{InstanceID: instance, UpdateID: updateID, Status: status, Reason: reason, RecordedAt: timeNow()}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := []byte(instance + "\x00" + updateID)
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(applyBucket)).Put(key, data)
	})
}

// AppliedStatus returns the recorded outcome for instance/updateID, if any.
func (r *Registry) AppliedStatus(instance, updateID string) (ApplyRecord, bool) {
	var rec ApplyRecord
	found := false
	_ = r.db.View(func(tx *bolt.Tx) error {
		key := []byte(instance + "\x00" + updateID)
		v := tx.Bucket([]byte(applyBucket)).Get(key)
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	return rec, found
}

// VerifyManifestSignature re-checks a stored manifest's signature against
// a raw public key, independent of the Verifier seam (used by external
// appliers per spec §4.14's apply protocol: "verify manifest signature").
func VerifyManifestSignature(m Manifest, issuerPubKeyHex string) (bool, error) {
	pub, err := codec.HexDecode(issuerPubKeyHex)
	if err != nil {
		return false, err
	}
	sig, err := codec.HexDecode(m.Signature)
	if err != nil {
		return false, err
	}
	return codec.VerifyCanonical(pub, m.SignedFields(), sig)
}

var timeNow = time.Now
