package governance

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"

	"github.com/reflectcore/reflectd/internal/codec"
)

type testGuardian struct {
	id   string
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newCouncilOfFive(t *testing.T, threshold int) (*Council, []testGuardian) {
	t.Helper()
	guardians := make([]Guardian, 0, 5)
	keys := make([]testGuardian, 0, 5)
	for i := 0; i < 5; i++ {
		pub, priv, err := codec.GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		id := "guardian-" + string(rune('a'+i))
		keys = append(keys, testGuardian{id: id, pub: pub, priv: priv})
		guardians = append(guardians, Guardian{
			GuardianID: id, Name: id, PublicKey: codec.HexEncode(pub), Role: "elected",
			JoinedAt: time.Now(), VotingWeight: 1, Status: "active",
		})
	}
	c, err := Open(filepath.Join(t.TempDir(), "governance.db"), guardians, threshold, 24*time.Hour)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, keys
}

func castVote(t *testing.T, c *Council, g testGuardian, proposalID string, approve bool) {
	t.Helper()
	ts := time.Now().UTC()
	sig, err := SignVote(g.priv, proposalID, g.id, approve, ts)
	if err != nil {
		t.Fatalf("SignVote: %v", err)
	}
	if err := c.Vote(proposalID, g.id, approve, ts, sig); err != nil {
		t.Fatalf("Vote(%s): %v", g.id, err)
	}
}

// TestProposalReachesThreshold mirrors scenario S6: a council of 5
// guardians with threshold 3 approves a proposal on the third approving
// vote and executes it; afterwards a stored vote flipped from reject to
// approve without re-signing is not counted by Tally.
func TestProposalReachesThreshold(t *testing.T) {
	c, guardians := newCouncilOfFive(t, 3)
	p, err := c.CreateProposal("policy_change", "raise threshold", "test", nil, guardians[0].id)
	if err != nil {
		t.Fatalf("CreateProposal: %v", err)
	}

	castVote(t, c, guardians[0], p.ProposalID, true)
	castVote(t, c, guardians[1], p.ProposalID, false)
	got, err := c.Get(p.ProposalID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != ProposalPending {
		t.Fatalf("expected pending after 1 approve + 1 reject, got %s", got.Status)
	}

	castVote(t, c, guardians[2], p.ProposalID, true)
	castVote(t, c, guardians[3], p.ProposalID, false)
	castVote(t, c, guardians[4], p.ProposalID, true)

	got, err = c.Get(p.ProposalID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != ProposalApproved {
		t.Fatalf("expected approved after third approval, got %s", got.Status)
	}

	if err := c.ExecuteProposal(p.ProposalID, func(Proposal) error { return nil }); err != nil {
		t.Fatalf("ExecuteProposal: %v", err)
	}

	tampered, err := c.Get(p.ProposalID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	v := tampered.Votes[guardians[1].id]
	v.Approve = true // flip a reject vote to approve without re-signing
	tampered.Votes[guardians[1].id] = v
	if err := c.put(&tampered); err != nil {
		t.Fatalf("put: %v", err)
	}

	if tally := c.Tally(&tampered); tally < tampered.Threshold {
		t.Fatalf("expected tamper-free tally to still show %d valid approvals, got %d", tampered.Threshold, tally)
	}
	// The tampered vote's stored Approve=true still carries its original
	// signature over Approve=false, so Tally must not count it: forging
	// approval requires forging a signature, not just flipping a field.
	trust := c.trust.Load()
	validApprovals := 0
	for gid, vote := range tampered.Votes {
		if !vote.Approve {
			continue
		}
		g, ok := trust.guardians[gid]
		if !ok {
			continue
		}
		pub, _ := codec.HexDecode(g.PublicKey)
		sig, _ := codec.HexDecode(vote.Signature)
		ok2, _ := codec.VerifyCanonical(pub, voteSignedFields(tampered.ProposalID, gid, vote.Approve, vote.Timestamp), sig)
		if ok2 {
			validApprovals++
		}
	}
	if validApprovals == len(tampered.Votes) {
		t.Fatal("expected the flipped vote's signature verification to fail")
	}
}

func TestVote_RejectsUnknownGuardian(t *testing.T) {
	c, guardians := newCouncilOfFive(t, 3)
	p, err := c.CreateProposal("policy_change", "x", "x", nil, guardians[0].id)
	if err != nil {
		t.Fatalf("CreateProposal: %v", err)
	}
	_, strangerPriv, _ := codec.GenerateKey()
	ts := time.Now().UTC()
	sig, _ := SignVote(strangerPriv, p.ProposalID, "not-a-guardian", true, ts)
	if err := c.Vote(p.ProposalID, "not-a-guardian", true, ts, sig); err != ErrUnknownGuardian {
		t.Fatalf("expected ErrUnknownGuardian, got %v", err)
	}
}

func TestVote_RejectsDoubleVote(t *testing.T) {
	c, guardians := newCouncilOfFive(t, 3)
	p, err := c.CreateProposal("policy_change", "x", "x", nil, guardians[0].id)
	if err != nil {
		t.Fatalf("CreateProposal: %v", err)
	}
	castVote(t, c, guardians[0], p.ProposalID, true)
	ts := time.Now().UTC()
	sig, _ := SignVote(guardians[0].priv, p.ProposalID, guardians[0].id, true, ts)
	if err := c.Vote(p.ProposalID, guardians[0].id, true, ts, sig); err != ErrAlreadyVoted {
		t.Fatalf("expected ErrAlreadyVoted, got %v", err)
	}
}

func TestExecuteProposal_RequiresFreshThreshold(t *testing.T) {
	c, guardians := newCouncilOfFive(t, 3)
	p, err := c.CreateProposal("policy_change", "x", "x", nil, guardians[0].id)
	if err != nil {
		t.Fatalf("CreateProposal: %v", err)
	}
	if err := c.ExecuteProposal(p.ProposalID, func(Proposal) error { return nil }); err != ErrNotApproved {
		t.Fatalf("expected ErrNotApproved before any votes, got %v", err)
	}
}

// TestEmeritusVoteDoesNotCountTowardThreshold exercises SPEC_FULL §4's
// guardian-role refinement: an emeritus guardian's voting_weight is 0, so
// its approving vote never moves a proposal toward approval.
func TestEmeritusVoteDoesNotCountTowardThreshold(t *testing.T) {
	c, guardians := newCouncilOfFive(t, 3)
	trust := c.trust.Load()
	emeritusID := guardians[4].id
	g := trust.guardians[emeritusID]
	g.Role = "emeritus"
	g.VotingWeight = 0
	c.AddGuardian(g) // re-store with weight 0 (AddGuardian upserts)

	p, err := c.CreateProposal("policy_change", "x", "x", nil, guardians[0].id)
	if err != nil {
		t.Fatalf("CreateProposal: %v", err)
	}
	castVote(t, c, guardians[0], p.ProposalID, true)
	castVote(t, c, guardians[1], p.ProposalID, true)
	castVote(t, c, guardians[4], p.ProposalID, true) // emeritus, weight 0

	got, err := c.Get(p.ProposalID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != ProposalPending {
		t.Fatalf("expected pending (2 weighted approvals < threshold 3), got %s", got.Status)
	}

	castVote(t, c, guardians[2], p.ProposalID, true)
	got, err = c.Get(p.ProposalID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != ProposalApproved {
		t.Fatalf("expected approved after third full-weight approval, got %s", got.Status)
	}
}

func TestAddRemoveGuardian_AtomicSwap(t *testing.T) {
	c, guardians := newCouncilOfFive(t, 3)
	newPub, _, _ := codec.GenerateKey()
	c.AddGuardian(Guardian{GuardianID: "new-guardian", PublicKey: codec.HexEncode(newPub), Status: "active", VotingWeight: 1})
	trust := c.trust.Load()
	if _, ok := trust.guardians["new-guardian"]; !ok {
		t.Fatal("expected new guardian to be present after AddGuardian")
	}
	c.RemoveGuardian(guardians[0].id)
	trust = c.trust.Load()
	if trust.guardians[guardians[0].id].Status != "removed" {
		t.Fatal("expected removed guardian's status to be \"removed\"")
	}
}
