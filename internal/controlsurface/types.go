package controlsurface

import (
	"time"

	"github.com/reflectcore/reflectd/internal/constitution"
	"github.com/reflectcore/reflectd/internal/eventlog"
	"github.com/reflectcore/reflectd/internal/expression"
	"github.com/reflectcore/reflectd/internal/governance"
	"github.com/reflectcore/reflectd/internal/pipeline"
	"github.com/reflectcore/reflectd/internal/recognition"
	"github.com/reflectcore/reflectd/internal/replay"
	"github.com/reflectcore/reflectd/internal/sandbox"
	"github.com/reflectcore/reflectd/internal/semantic"
	"github.com/reflectcore/reflectd/internal/updates"
	"github.com/reflectcore/reflectd/internal/workers"
)

// Request is the JSON structure for every control-surface command (spec
// §6.3). Fields not relevant to Cmd are left zero.
type Request struct {
	Cmd string `json:"cmd"`

	// submit_reflection
	User        string                 `json:"user,omitempty"`
	Content     string                 `json:"content,omitempty"`
	Mode        constitution.Mode      `json:"mode,omitempty"`
	Modality    string                 `json:"modality,omitempty"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
	Preferences expression.Preferences `json:"preferences,omitempty"`
	History     []semantic.Utterance   `json:"history,omitempty"`

	// get_history / verify_chain
	Limit  int    `json:"limit,omitempty"`
	Cursor string `json:"cursor,omitempty"`

	// certify
	Tier           recognition.Tier `json:"tier,omitempty"`
	DurationSecs   int64            `json:"duration_seconds,omitempty"`
	IssuerPubKeyHex string          `json:"issuer_public_key,omitempty"`

	// verify_cert / revoke
	CertID     string                      `json:"cert_id,omitempty"`
	Cause      recognition.RevocationCause `json:"cause,omitempty"`
	Reason     string                      `json:"reason,omitempty"`
	RevokedBy  string                      `json:"revoked_by,omitempty"`

	// propose
	Type        string         `json:"type,omitempty"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Changes     map[string]any `json:"changes,omitempty"`
	ProposedBy  string         `json:"proposed_by,omitempty"`

	// vote
	ProposalID  string    `json:"proposal_id,omitempty"`
	GuardianID  string    `json:"guardian_id,omitempty"`
	Approve     bool      `json:"approve,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
	VoteSig     string    `json:"vote_signature,omitempty"`

	// register_update / available_updates / mark_applied
	Manifest   *updates.Manifest `json:"manifest,omitempty"`
	Section    updates.Section   `json:"section,omitempty"`
	Channel    updates.Channel   `json:"channel,omitempty"`
	UpdateID   string            `json:"update_id,omitempty"`
	AppVersion string            `json:"current_version,omitempty"`
	Failed     bool              `json:"failed,omitempty"`

	// register_worker / approve_worker / execute_worker / list_workers
	WorkerManifest    *workers.Manifest `json:"worker_manifest,omitempty"`
	AuthorPubKeyHex   string            `json:"author_public_key,omitempty"`
	WorkerID          string            `json:"worker_id,omitempty"`
	ApprovalSignature string            `json:"approval_signature,omitempty"`
	StatusFilter      workers.Status    `json:"status_filter,omitempty"`
	Input             map[string]any    `json:"input,omitempty"`
	Quotas            sandbox.Quotas    `json:"quotas,omitempty"`
}

// Response is the JSON structure for every control-surface response.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	Result *pipeline.Result `json:"result,omitempty"`

	Events     []eventlog.Event `json:"events,omitempty"`
	NextCursor string           `json:"next_cursor,omitempty"`

	ChainOK    bool   `json:"chain_ok,omitempty"`
	FirstBadID string `json:"first_bad_id,omitempty"`

	Certificate *recognition.Certificate `json:"certificate,omitempty"`
	Valid       bool                     `json:"valid,omitempty"`
	RevocationID string                  `json:"revocation_id,omitempty"`

	Proposal *governance.Proposal `json:"proposal,omitempty"`

	UpdateIDOut     string              `json:"update_id_out,omitempty"`
	AvailableUpdates []updates.Manifest `json:"available_updates,omitempty"`
	RollbackUpdateID string             `json:"rollback_update_id,omitempty"`

	WorkerIDOut string             `json:"worker_id_out,omitempty"`
	Worker      *workers.Manifest  `json:"worker,omitempty"`
	Workers     []workers.Manifest `json:"workers,omitempty"`
	WorkerOutput map[string]any    `json:"worker_output,omitempty"`

	Snapshot *replay.IdentitySnapshot `json:"snapshot,omitempty"`
}
