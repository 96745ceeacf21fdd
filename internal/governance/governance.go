// Package governance implements C13: M-of-N threshold-signed guardian
// proposals, voting, and execution. The package name and the
// "reproducibility > authority: all decisions must be cryptographically
// verifiable" stance are carried over from the teacher's constitutional
// kernel (formerly at this path; see DESIGN.md for why its own axiom set
// was folded into internal/constitution instead of kept here) — a
// governance decision in this tree is valid only if it can be re-derived
// from signed votes, exactly as the teacher's kernel required an
// escalation decision to be re-derivable from its inputs.
package governance

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

// Guardian mirrors spec §3.1.
type Guardian struct {
	GuardianID   string    `json:"guardian_id"`
	Name         string    `json:"name"`
	PublicKey    string    `json:"public_key"` // hex
	Role         string    `json:"role"`
	JoinedAt     time.Time `json:"joined_at"`
	VotingWeight int       `json:"voting_weight"`
	Status       string    `json:"status"` // active | removed
}

// ProposalStatus is the proposal lifecycle (spec §3.1).
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// Vote is one guardian's signed ballot on a proposal.
type Vote struct {
	GuardianID string    `json:"guardian_id"`
	Approve    bool      `json:"approve"`
	Timestamp  time.Time `json:"timestamp"`
	Signature  string    `json:"signature"` // hex
}

// Proposal mirrors spec §3.1's constitutional-proposal tuple.
type Proposal struct {
	ProposalID      string         `json:"proposal_id"`
	Type            string         `json:"type"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	ProposedChanges map[string]any `json:"proposed_changes"`
	ProposedBy      string         `json:"proposed_by"`
	ProposedAt      time.Time      `json:"proposed_at"`
	VotingDeadline  time.Time      `json:"voting_deadline"`
	Threshold       int            `json:"threshold"`
	Status          ProposalStatus `json:"status"`
	Votes           map[string]Vote `json:"votes"` // guardian_id -> vote
}

var (
	ErrNotFound            = errors.New("governance: proposal not found")
	ErrUnknownGuardian     = errors.New("governance: guardian is not a current council member")
	ErrAlreadyVoted        = errors.New("governance: guardian has already voted on this proposal")
	ErrVotingClosed        = errors.New("governance: voting deadline has passed")
	ErrSignatureInvalid    = errors.New("governance: vote signature invalid")
	ErrNotApproved         = errors.New("governance: proposal is not approved")
	ErrAlreadyExecuted     = errors.New("governance: proposal already executed")
	ErrThresholdNotReached = errors.New("governance: threshold signature count not reached")
)

const proposalBucket = "proposals"

// trustSet is a read-often/write-rare copy-on-write snapshot of the
// current council membership (spec §5 "global trust state... reads never
// lock; writes are rare and governance-gated").
type trustSet struct {
	guardians map[string]Guardian // guardian_id -> Guardian
}

// Council is the governance service: proposal creation, voting, and
// execution over a BoltDB-backed proposal store plus an in-memory,
// atomically-swapped guardian trust set.
type Council struct {
	db                 *bolt.DB
	defaultThreshold   int
	defaultVotingPeriod time.Duration

	trust atomicTrust

	mu        sync.Mutex
	executed  map[string]bool
}

// atomicTrust is a minimal read-copy-update cell: Load never blocks a
// concurrent Store.
type atomicTrust struct {
	mu    sync.RWMutex
	value trustSet
}

func (a *atomicTrust) Load() trustSet {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.value
}

func (a *atomicTrust) Store(v trustSet) {
	a.mu.Lock()
	a.value = v
	a.mu.Unlock()
}

// Open builds a Council over path with the given initial guardian set.
func Open(path string, guardians []Guardian, defaultThreshold int, defaultVotingPeriod time.Duration) (*Council, error) {
	bdb, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("governance: bolt.Open(%q): %w", path, err)
	}
	if err := bdb.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(proposalBucket))
		return err
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("governance: schema init: %w", err)
	}
	by := make(map[string]Guardian, len(guardians))
	for _, g := range guardians {
		by[g.GuardianID] = g
	}
	c := &Council{
		db: bdb, defaultThreshold: defaultThreshold, defaultVotingPeriod: defaultVotingPeriod,
		executed: map[string]bool{},
	}
	c.trust.Store(trustSet{guardians: by})
	return c, nil
}

func (c *Council) Close() error { return c.db.Close() }

// CreateProposal lands a new pending proposal (spec §4.13).
func (c *Council) CreateProposal(typ, title, description string, changes map[string]any, proposer string) (Proposal, error) {
	now := timeNow()
	p := Proposal{
		ProposalID:      uuid.NewString(),
		Type:            typ,
		Title:           title,
		Description:     description,
		ProposedChanges: changes,
		ProposedBy:      proposer,
		ProposedAt:      now,
		VotingDeadline:  now.Add(c.defaultVotingPeriod),
		Threshold:       c.defaultThreshold,
		Status:          ProposalPending,
		Votes:           map[string]Vote{},
	}
	if err := c.put(&p); err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// voteSignedFields is exactly spec §4.13's invariant (a): the canonical
// payload {proposal_id, guardian_id, approve, timestamp}.
func voteSignedFields(proposalID, guardianID string, approve bool, ts time.Time) map[string]any {
	return map[string]any{
		"proposal_id": proposalID,
		"guardian_id": guardianID,
		"approve":     approve,
		"timestamp":   ts.UTC().Format(time.RFC3339Nano),
	}
}

// Vote records guardianID's signed ballot. timestamp must be the exact
// value the guardian signed over (spec invariant a's payload includes
// timestamp, so the server cannot substitute its own clock reading
// without invalidating the signature). A guardian may vote exactly once
// (invariant b); a vote after the deadline is rejected (invariant c).
func (c *Council) Vote(proposalID, guardianID string, approve bool, timestamp time.Time, signature string) error {
	trust := c.trust.Load()
	guardian, ok := trust.guardians[guardianID]
	if !ok || guardian.Status != "active" {
		return ErrUnknownGuardian
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.get(proposalID)
	if err != nil {
		return err
	}
	if timeNow().After(p.VotingDeadline) {
		c.settleLocked(p, trust)
		return ErrVotingClosed
	}
	if _, already := p.Votes[guardianID]; already {
		return ErrAlreadyVoted
	}

	pub, err := codec.HexDecode(guardian.PublicKey)
	if err != nil {
		return ErrSignatureInvalid
	}
	sig, err := codec.HexDecode(signature)
	if err != nil {
		return ErrSignatureInvalid
	}
	ok2, err := codec.VerifyCanonical(pub, voteSignedFields(proposalID, guardianID, approve, timestamp), sig)
	if err != nil || !ok2 {
		return ErrSignatureInvalid
	}

	p.Votes[guardianID] = Vote{GuardianID: guardianID, Approve: approve, Timestamp: timestamp, Signature: signature}
	c.settleLocked(p, trust)
	return c.put(p)
}

// settleLocked re-tallies p against trust and transitions its status,
// per spec §4.13: approved once approving votes reach threshold; rejected
// once the remaining unvoted guardians can no longer raise approvals to
// threshold, or once the deadline has passed without reaching it.
func (c *Council) settleLocked(p *Proposal, trust trustSet) {
	if p.Status != ProposalPending {
		return
	}
	approvals := weightedApprovals(p, trust)
	if approvals >= p.Threshold {
		p.Status = ProposalApproved
		return
	}
	// totalWeight and votedWeight are counted in voting weight, not raw
	// guardian count, so an emeritus guardian (voting_weight = 0) voting
	// never moves a proposal toward either outcome.
	totalWeight, votedWeight := 0, 0
	for _, g := range trust.guardians {
		if g.Status != "active" {
			continue
		}
		totalWeight += g.VotingWeight
		if _, voted := p.Votes[g.GuardianID]; voted {
			votedWeight += g.VotingWeight
		}
	}
	unvotedWeight := totalWeight - votedWeight
	if approvals+unvotedWeight < p.Threshold {
		p.Status = ProposalRejected
		return
	}
	if timeNow().After(p.VotingDeadline) {
		p.Status = ProposalRejected
	}
}

// weightedApprovals sums VotingWeight (not raw vote count) across
// approving votes cast by guardians currently active in trust — an
// emeritus guardian's weight-0 vote never contributes (SPEC_FULL §4
// "Guardian roles").
func weightedApprovals(p *Proposal, trust trustSet) int {
	approvals := 0
	for guardianID, v := range p.Votes {
		if !v.Approve {
			continue
		}
		g, ok := trust.guardians[guardianID]
		if !ok || g.Status != "active" {
			continue
		}
		approvals += g.VotingWeight
	}
	return approvals
}

// Tally re-verifies every approving vote's signature against the current
// trust set and returns the summed voting weight of the active guardians
// whose signatures verify. ExecuteProposal and Verify use it to re-check
// stored votes before acting (so a tampered vote record, e.g. a flipped
// approve field after storage, is not counted even if it slipped past Vote
// itself); settleLocked counts approvals with weightedApprovals instead.
func (c *Council) Tally(p *Proposal) (validApprovals int) {
	trust := c.trust.Load()
	for guardianID, v := range p.Votes {
		if !v.Approve {
			continue
		}
		guardian, ok := trust.guardians[guardianID]
		if !ok || guardian.Status != "active" {
			continue
		}
		pub, err := codec.HexDecode(guardian.PublicKey)
		if err != nil {
			continue
		}
		sig, err := codec.HexDecode(v.Signature)
		if err != nil {
			continue
		}
		ok2, err := codec.VerifyCanonical(pub, voteSignedFields(p.ProposalID, guardianID, v.Approve, v.Timestamp), sig)
		if err == nil && ok2 {
			validApprovals += guardian.VotingWeight
		}
	}
	return validApprovals
}

// ExecuteProposal effects changes only if p.Status is approved AND a
// fresh Tally independently confirms the threshold (spec §4.13,
// exercised by scenario S6's tamper-detection requirement).
func (c *Council) ExecuteProposal(proposalID string, effect func(p Proposal) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.get(proposalID)
	if err != nil {
		return err
	}
	if p.Status != ProposalApproved {
		return ErrNotApproved
	}
	if c.executed[proposalID] {
		return ErrAlreadyExecuted
	}
	if c.Tally(p) < p.Threshold {
		return ErrThresholdNotReached
	}
	if err := effect(*p); err != nil {
		return err
	}
	c.executed[proposalID] = true
	return nil
}

// AddGuardian and RemoveGuardian are membership mutations; spec invariant
// (d) requires a threshold signature from the existing council, so both
// are implemented as ExecuteProposal effects rather than direct Council
// methods — callers create a proposal of type "add_guardian" /
// "remove_guardian", carry it through the normal vote/execute path, and
// the effect closure calls these to apply the mutation.
func (c *Council) AddGuardian(g Guardian) {
	trust := c.trust.Load()
	next := make(map[string]Guardian, len(trust.guardians)+1)
	for k, v := range trust.guardians {
		next[k] = v
	}
	next[g.GuardianID] = g
	c.trust.Store(trustSet{guardians: next})
}

func (c *Council) RemoveGuardian(guardianID string) {
	trust := c.trust.Load()
	next := make(map[string]Guardian, len(trust.guardians))
	for k, v := range trust.guardians {
		if k == guardianID {
			g := v
			g.Status = "removed"
			next[k] = g
			continue
		}
		next[k] = v
	}
	c.trust.Store(trustSet{guardians: next})
}

// Get returns a copy of the stored proposal.
func (c *Council) Get(proposalID string) (Proposal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.get(proposalID)
	if err != nil {
		return Proposal{}, err
	}
	return *p, nil
}

func (c *Council) get(proposalID string) (*Proposal, error) {
	var p Proposal
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(proposalBucket)).Get([]byte(proposalID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &p)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (c *Council) put(p *Proposal) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(proposalBucket)).Put([]byte(p.ProposalID), data)
	})
}

// SignVote is a convenience helper for test/CLI callers holding a raw
// Ed25519 private key: it produces the hex signature Vote expects.
func SignVote(priv ed25519.PrivateKey, proposalID, guardianID string, approve bool, ts time.Time) (string, error) {
	canon, err := codec.Canonicalize(voteSignedFields(proposalID, guardianID, approve, ts))
	if err != nil {
		return "", err
	}
	return codec.HexEncode(codec.Sign(priv, canon)), nil
}

// Verify implements the workers.Approver / updates.Verifier seam: a
// single-guardian approval is a raw Ed25519 signature (hex) over fields,
// checked against every currently trusted guardian key; a threshold
// approval is the approved proposal_id whose proposed_changes carried
// fields, re-tallied fresh so a tampered vote record is caught the same
// way ExecuteProposal catches one (spec §3.2/§3.1's "requires threshold
// signature" for protected surfaces and governance-touching manifests).
func (c *Council) Verify(fields map[string]any, signature string, requireThreshold bool) (bool, error) {
	if requireThreshold {
		p, err := c.Get(signature)
		if err != nil {
			return false, nil
		}
		if p.Status != ProposalApproved {
			return false, nil
		}
		return c.Tally(&p) >= p.Threshold, nil
	}

	sig, err := codec.HexDecode(signature)
	if err != nil {
		return false, nil
	}
	trust := c.trust.Load()
	for _, g := range trust.guardians {
		if g.Status == "removed" {
			continue
		}
		pub, err := codec.HexDecode(g.PublicKey)
		if err != nil {
			continue
		}
		ok, err := codec.VerifyCanonical(pub, fields, sig)
		if err == nil && ok {
			return true, nil
		}
	}
	return false, nil
}

// timeNow is a package-level var so tests can stub it.
var timeNow = time.Now
