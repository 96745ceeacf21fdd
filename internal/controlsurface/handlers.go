// Package controlsurface — handlers.go
//
// Handlers implements spec §6.3's abstract control surface by wiring
// together the orchestrator (C8), event log (C2), recognition service
// (C12), governance council (C13), update registry (C14), worker
// registry/sandbox (C10/C11), and the identity-snapshot replay fold (C3).
// Dispatch mirrors the teacher octoreflex agent's operator command-dispatch
// switch, generalized from a fixed PID-state command set to these
// seventeen §6.3 operations.
package controlsurface

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/reflectcore/reflectd/internal/audit"
	"github.com/reflectcore/reflectd/internal/eventlog"
	"github.com/reflectcore/reflectd/internal/governance"
	"github.com/reflectcore/reflectd/internal/pipeline"
	"github.com/reflectcore/reflectd/internal/recognition"
	"github.com/reflectcore/reflectd/internal/replay"
	"github.com/reflectcore/reflectd/internal/sandbox"
	"github.com/reflectcore/reflectd/internal/updates"
	"github.com/reflectcore/reflectd/internal/workers"
)

// Handlers bundles every collaborator Dispatch needs to serve the seventeen
// §6.3 operations. A nil collaborator disables the commands that need it;
// Dispatch reports "unavailable" rather than panicking (fail-closed at the
// boundary, same posture as pipeline.Process's recover).
type Handlers struct {
	Instance     string
	Orchestrator *pipeline.Orchestrator
	Events       *eventlog.Store
	Audit        *audit.Trail
	Recognition  *recognition.Service
	Governance   *governance.Council
	Updates      *updates.Registry
	Workers      *workers.Registry
	Sandbox      *sandbox.Executor
	Signer       func(map[string]any) ([]byte, error)
	Logger       *zap.Logger
}

// Dispatch routes one decoded Request to its handler, exactly as the
// teacher octoreflex agent's operator.Server.dispatch routes a decoded
// Request by Cmd.
func (h *Handlers) Dispatch(req Request) Response {
	switch req.Cmd {
	case "submit_reflection":
		return h.submitReflection(req)
	case "get_history":
		return h.getHistory(req)
	case "verify_chain":
		return h.verifyChain(req)
	case "certify":
		return h.certify(req)
	case "verify_cert":
		return h.verifyCert(req)
	case "revoke":
		return h.revoke(req)
	case "propose":
		return h.propose(req)
	case "vote":
		return h.vote(req)
	case "execute":
		return h.execute(req)
	case "register_update":
		return h.registerUpdate(req)
	case "available_updates":
		return h.availableUpdates(req)
	case "mark_applied":
		return h.markApplied(req)
	case "register_worker":
		return h.registerWorker(req)
	case "approve_worker":
		return h.approveWorker(req)
	case "execute_worker":
		return h.executeWorker(req)
	case "list_workers":
		return h.listWorkers(req)
	case "get_snapshot":
		return h.getSnapshot(req)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (h *Handlers) submitReflection(req Request) Response {
	if h.Orchestrator == nil {
		return Response{OK: false, Error: "submit_reflection: orchestrator unavailable"}
	}
	if req.User == "" || req.Content == "" {
		return Response{OK: false, Error: "submit_reflection: user and content are required"}
	}
	result := h.Orchestrator.Process(pipeline.Request{
		InstanceID:  h.Instance,
		UserID:      req.User,
		Content:     req.Content,
		Mode:        req.Mode,
		Preferences: req.Preferences,
		History:     req.History,
	})
	return Response{OK: true, Result: &result}
}

func (h *Handlers) getHistory(req Request) Response {
	if h.Events == nil {
		return Response{OK: false, Error: "get_history: event log unavailable"}
	}
	if req.User == "" {
		return Response{OK: false, Error: "get_history: user is required"}
	}
	events, err := h.Events.Read(h.Instance, req.User, req.Cursor, req.Limit)
	if err != nil {
		return Response{OK: false, Error: "get_history: " + err.Error()}
	}
	var nextCursor string
	if len(events) > 0 {
		nextCursor = events[len(events)-1].ID
	}
	return Response{OK: true, Events: events, NextCursor: nextCursor}
}

func (h *Handlers) verifyChain(req Request) Response {
	if h.Events == nil {
		return Response{OK: false, Error: "verify_chain: event log unavailable"}
	}
	if req.User == "" {
		return Response{OK: false, Error: "verify_chain: user is required"}
	}
	ok, firstBadID, err := h.Events.VerifyChain(h.Instance, req.User)
	if err != nil {
		return Response{OK: false, Error: "verify_chain: " + err.Error()}
	}
	return Response{OK: true, ChainOK: ok, FirstBadID: firstBadID}
}

func (h *Handlers) certify(req Request) Response {
	if h.Recognition == nil {
		return Response{OK: false, Error: "certify: recognition service unavailable"}
	}
	if req.User == "" || req.DurationSecs <= 0 {
		return Response{OK: false, Error: "certify: user and duration_seconds are required"}
	}
	cert, err := h.Recognition.Certify(h.Instance, req.User, req.Tier, time.Duration(req.DurationSecs)*time.Second, req.IssuerPubKeyHex)
	if err != nil {
		return Response{OK: false, Error: "certify: " + err.Error()}
	}
	return Response{OK: true, Certificate: &cert}
}

func (h *Handlers) verifyCert(req Request) Response {
	if h.Recognition == nil {
		return Response{OK: false, Error: "verify_cert: recognition service unavailable"}
	}
	if req.CertID == "" {
		return Response{OK: false, Error: "verify_cert: cert_id is required"}
	}
	cert, ok := h.Recognition.Verify(req.CertID)
	if !ok {
		return Response{OK: true, Valid: false}
	}
	return Response{OK: true, Valid: true, Certificate: &cert}
}

func (h *Handlers) revoke(req Request) Response {
	if h.Recognition == nil {
		return Response{OK: false, Error: "revoke: recognition service unavailable"}
	}
	if req.CertID == "" {
		return Response{OK: false, Error: "revoke: cert_id is required"}
	}
	revocationID, err := h.Recognition.Revoke(req.CertID, req.Cause, req.Reason, req.RevokedBy)
	if err != nil {
		return Response{OK: false, Error: "revoke: " + err.Error()}
	}
	return Response{OK: true, RevocationID: revocationID}
}

func (h *Handlers) propose(req Request) Response {
	if h.Governance == nil {
		return Response{OK: false, Error: "propose: governance council unavailable"}
	}
	if req.Type == "" || req.ProposedBy == "" {
		return Response{OK: false, Error: "propose: type and proposed_by are required"}
	}
	p, err := h.Governance.CreateProposal(req.Type, req.Title, req.Description, req.Changes, req.ProposedBy)
	if err != nil {
		return Response{OK: false, Error: "propose: " + err.Error()}
	}
	h.auditGovernance("proposal_created", map[string]any{"proposal_id": p.ProposalID, "type": p.Type})
	return Response{OK: true, Proposal: &p}
}

func (h *Handlers) vote(req Request) Response {
	if h.Governance == nil {
		return Response{OK: false, Error: "vote: governance council unavailable"}
	}
	if req.ProposalID == "" || req.GuardianID == "" {
		return Response{OK: false, Error: "vote: proposal_id and guardian_id are required"}
	}
	if err := h.Governance.Vote(req.ProposalID, req.GuardianID, req.Approve, req.Timestamp, req.VoteSig); err != nil {
		return Response{OK: false, Error: "vote: " + err.Error()}
	}
	p, err := h.Governance.Get(req.ProposalID)
	if err != nil {
		return Response{OK: false, Error: "vote: " + err.Error()}
	}
	h.auditGovernance("vote_recorded", map[string]any{"proposal_id": req.ProposalID, "guardian_id": req.GuardianID, "status": string(p.Status)})
	return Response{OK: true, Proposal: &p}
}

func (h *Handlers) execute(req Request) Response {
	if h.Governance == nil {
		return Response{OK: false, Error: "execute: governance council unavailable"}
	}
	if req.ProposalID == "" {
		return Response{OK: false, Error: "execute: proposal_id is required"}
	}
	p, err := h.Governance.Get(req.ProposalID)
	if err != nil {
		return Response{OK: false, Error: "execute: " + err.Error()}
	}
	// The effect closure applies the proposal's declared change. Membership
	// mutations (add_guardian/remove_guardian) and update-manifest
	// registration (the rest of spec §2's governance data flow: "on
	// threshold, invokes C14 to register a signed update manifest") are the
	// only two effect shapes this control surface exposes; anything else is
	// a no-op acknowledgement, matching spec §4.13's "effects the documented
	// change" without inventing an effect the proposal didn't declare.
	err = h.Governance.ExecuteProposal(req.ProposalID, func(p governance.Proposal) error {
		switch p.Type {
		case "add_guardian":
			return h.applyAddGuardian(p)
		case "remove_guardian":
			return h.applyRemoveGuardian(p)
		case "update_manifest":
			return h.applyUpdateManifest(p)
		default:
			return nil
		}
	})
	if err != nil {
		return Response{OK: false, Error: "execute: " + err.Error()}
	}
	h.auditGovernance("proposal_executed", map[string]any{"proposal_id": req.ProposalID, "type": p.Type})
	return Response{OK: true, Proposal: &p}
}

func (h *Handlers) applyAddGuardian(p governance.Proposal) error {
	if h.Governance == nil {
		return fmt.Errorf("governance council unavailable")
	}
	id, _ := p.ProposedChanges["guardian_id"].(string)
	name, _ := p.ProposedChanges["name"].(string)
	pubKey, _ := p.ProposedChanges["public_key"].(string)
	role, _ := p.ProposedChanges["role"].(string)
	if id == "" || pubKey == "" {
		return fmt.Errorf("add_guardian: proposed_changes missing guardian_id/public_key")
	}
	weight := 1
	if w, ok := p.ProposedChanges["voting_weight"].(float64); ok {
		weight = int(w)
	}
	h.Governance.AddGuardian(governance.Guardian{
		GuardianID: id, Name: name, PublicKey: pubKey, Role: role,
		JoinedAt: timeNow(), VotingWeight: weight, Status: "active",
	})
	return nil
}

func (h *Handlers) applyRemoveGuardian(p governance.Proposal) error {
	if h.Governance == nil {
		return fmt.Errorf("governance council unavailable")
	}
	id, _ := p.ProposedChanges["guardian_id"].(string)
	if id == "" {
		return fmt.Errorf("remove_guardian: proposed_changes missing guardian_id")
	}
	h.Governance.RemoveGuardian(id)
	return nil
}

// applyUpdateManifest completes the governance-path data flow of spec §2:
// a passed threshold proposal whose proposed_changes embeds a manifest
// registers that manifest with C14 (constitution/governance sections
// require the threshold signature Register already enforces via
// updates.RequiresThreshold).
func (h *Handlers) applyUpdateManifest(p governance.Proposal) error {
	if h.Updates == nil {
		return fmt.Errorf("update registry unavailable")
	}
	// proposed_changes arrives JSON-decoded, so the manifest is a generic map.
	raw, ok := p.ProposedChanges["manifest"]
	data, err := json.Marshal(raw)
	var m updates.Manifest
	if !ok || err != nil || json.Unmarshal(data, &m) != nil {
		return fmt.Errorf("update_manifest: proposed_changes missing manifest")
	}
	if m.Signature == "" {
		m.Signature = p.ProposalID // threshold-verified by Verifier via proposal id, see governance.Council.Verify
	}
	_, err := h.Updates.Register(m)
	return err
}

func (h *Handlers) registerUpdate(req Request) Response {
	if h.Updates == nil {
		return Response{OK: false, Error: "register_update: update registry unavailable"}
	}
	if req.Manifest == nil {
		return Response{OK: false, Error: "register_update: manifest is required"}
	}
	id, err := h.Updates.Register(*req.Manifest)
	if err != nil {
		return Response{OK: false, Error: "register_update: " + err.Error()}
	}
	if h.Events != nil && h.Signer != nil {
		_, _ = h.Events.Append(eventlog.Event{
			InstanceID: h.Instance, UserID: "", EventType: eventlog.EventUpdateRegistered,
			Payload: map[string]any{"update_id": id, "section": string(req.Manifest.Section), "channel": string(req.Manifest.Channel)},
		}, h.Signer)
	}
	return Response{OK: true, UpdateIDOut: id}
}

func (h *Handlers) availableUpdates(req Request) Response {
	if h.Updates == nil {
		return Response{OK: false, Error: "available_updates: update registry unavailable"}
	}
	manifests, err := h.Updates.Available(h.Instance, req.AppVersion, req.Section, req.Channel)
	if err != nil {
		return Response{OK: false, Error: "available_updates: " + err.Error()}
	}
	return Response{OK: true, AvailableUpdates: manifests}
}

func (h *Handlers) markApplied(req Request) Response {
	if h.Updates == nil {
		return Response{OK: false, Error: "mark_applied: update registry unavailable"}
	}
	if req.UpdateID == "" {
		return Response{OK: false, Error: "mark_applied: update_id is required"}
	}
	if req.Failed {
		rollbackID, err := h.Updates.MarkFailed(h.Instance, req.UpdateID, req.Reason)
		if err != nil {
			return Response{OK: false, Error: "mark_applied: " + err.Error()}
		}
		return Response{OK: true, RollbackUpdateID: rollbackID}
	}
	if err := h.Updates.MarkApplied(h.Instance, req.UpdateID); err != nil {
		return Response{OK: false, Error: "mark_applied: " + err.Error()}
	}
	return Response{OK: true}
}

// registerWorker lands a new worker manifest in StatusProposed after
// checking its author signature directly (spec §3.2: Register "validates
// the manifest's signature... before any governance concept applies"),
// mirroring workers.VerifyAuthorSignature's own doc comment.
func (h *Handlers) registerWorker(req Request) Response {
	if h.Workers == nil {
		return Response{OK: false, Error: "register_worker: worker registry unavailable"}
	}
	if req.WorkerManifest == nil || req.AuthorPubKeyHex == "" {
		return Response{OK: false, Error: "register_worker: worker_manifest and author_public_key are required"}
	}
	ok, err := workers.VerifyAuthorSignature(*req.WorkerManifest, req.AuthorPubKeyHex)
	if err != nil || !ok {
		return Response{OK: false, Error: "register_worker: author signature invalid"}
	}
	id, err := h.Workers.Register(*req.WorkerManifest)
	if err != nil {
		return Response{OK: false, Error: "register_worker: " + err.Error()}
	}
	h.auditGovernance("worker_registered", map[string]any{"worker_id": id, "name": req.WorkerManifest.Name})
	return Response{OK: true, WorkerIDOut: id}
}

// approveWorker transitions a proposed worker to approved, re-verifying
// the approval signature against the governance council (threshold
// required for protected-surface workers, spec §3.2).
func (h *Handlers) approveWorker(req Request) Response {
	if h.Workers == nil {
		return Response{OK: false, Error: "approve_worker: worker registry unavailable"}
	}
	if req.WorkerID == "" || req.ApprovalSignature == "" {
		return Response{OK: false, Error: "approve_worker: worker_id and approval_signature are required"}
	}
	if err := h.Workers.Approve(req.WorkerID, req.ApprovalSignature); err != nil {
		return Response{OK: false, Error: "approve_worker: " + err.Error()}
	}
	m, err := h.Workers.Get(req.WorkerID)
	if err != nil {
		return Response{OK: false, Error: "approve_worker: " + err.Error()}
	}
	h.auditGovernance("worker_approved", map[string]any{"worker_id": req.WorkerID})
	return Response{OK: true, Worker: &m}
}

// executeWorker runs an approved worker's code in the sandbox (C10),
// admitting it against the shared pool cap (spec §4.10 "concurrent
// executions are capped by a global worker-pool size").
func (h *Handlers) executeWorker(req Request) Response {
	if h.Workers == nil || h.Sandbox == nil {
		return Response{OK: false, Error: "execute_worker: worker registry or sandbox unavailable"}
	}
	if req.WorkerID == "" {
		return Response{OK: false, Error: "execute_worker: worker_id is required"}
	}
	m, err := h.Workers.Get(req.WorkerID)
	if err != nil {
		return Response{OK: false, Error: "execute_worker: " + err.Error()}
	}
	out, err := h.Sandbox.Execute(context.Background(), m, req.Input, req.Quotas)
	if err != nil {
		h.auditGovernance("worker_execution_failed", map[string]any{"worker_id": req.WorkerID, "error": err.Error()})
		return Response{OK: false, Error: "execute_worker: " + err.Error()}
	}
	h.auditGovernance("worker_executed", map[string]any{"worker_id": req.WorkerID})
	return Response{OK: true, WorkerOutput: out}
}

func (h *Handlers) listWorkers(req Request) Response {
	if h.Workers == nil {
		return Response{OK: false, Error: "list_workers: worker registry unavailable"}
	}
	list, err := h.Workers.List(req.StatusFilter)
	if err != nil {
		return Response{OK: false, Error: "list_workers: " + err.Error()}
	}
	return Response{OK: true, Workers: list}
}

// getSnapshot recomputes a user's IdentitySnapshot (C3) by replaying their
// full event stream. Never reads from a cache: spec §3.1's snapshot is
// always a pure fold over the event log, so a stale or discarded cache
// entry is indistinguishable from one freshly rebuilt here.
func (h *Handlers) getSnapshot(req Request) Response {
	if h.Events == nil {
		return Response{OK: false, Error: "get_snapshot: event log unavailable"}
	}
	if req.User == "" {
		return Response{OK: false, Error: "get_snapshot: user is required"}
	}
	events, err := h.Events.ReadAll(h.Instance, req.User)
	if err != nil {
		return Response{OK: false, Error: "get_snapshot: " + err.Error()}
	}
	snap := replay.ReplayEvents(req.User, events)
	return Response{OK: true, Snapshot: &snap}
}

func (h *Handlers) auditGovernance(kind string, data map[string]any) {
	if h.Audit == nil {
		return
	}
	data["kind"] = kind
	if _, err := h.Audit.Append(audit.Event{EventType: audit.EventStageEntered, UserID: "", Data: data}); err != nil && h.Logger != nil {
		h.Logger.Warn("controlsurface: audit append failed", zap.Error(err))
	}
}

var timeNow = time.Now
