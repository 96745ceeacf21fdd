package gossip

import "sync/atomic"

// TrustSet is the read-often/write-rare set of trusted genesis hashes and
// known peers (spec §5 "Shared resources": "protected by a read-write lock
// or copy-on-write snapshot read by checkers"). Writers build a new
// snapshot and atomically swap it in; readers never block.
type TrustSet struct {
	v atomic.Pointer[trustSnapshot]
}

type trustSnapshot struct {
	genesisHashes map[string]bool
	peers         map[string]Peer // instance_id -> Peer
}

// NewTrustSet creates a TrustSet seeded with the configured trusted
// genesis hashes (spec §6.5).
func NewTrustSet(trustedGenesisHashes []string) *TrustSet {
	snap := &trustSnapshot{
		genesisHashes: make(map[string]bool, len(trustedGenesisHashes)),
		peers:         make(map[string]Peer),
	}
	for _, h := range trustedGenesisHashes {
		snap.genesisHashes[h] = true
	}
	t := &TrustSet{}
	t.v.Store(snap)
	return t
}

func (t *TrustSet) snapshot() *trustSnapshot { return t.v.Load() }

// IsTrustedGenesis reports whether hash matches a configured trusted
// genesis value.
func (t *TrustSet) IsTrustedGenesis(hash string) bool {
	return t.snapshot().genesisHashes[hash]
}

// Peers returns every peer currently tracked (verified and unverified).
func (t *TrustSet) Peers() []Peer {
	snap := t.snapshot()
	out := make([]Peer, 0, len(snap.peers))
	for _, p := range snap.peers {
		out = append(out, p)
	}
	return out
}

// VerifiedPeers returns only peers admitted to the verified set (spec
// §4.15: "Unverified peers are tracked but not trusted for gossip").
func (t *TrustSet) VerifiedPeers() []Peer {
	snap := t.snapshot()
	out := make([]Peer, 0, len(snap.peers))
	for _, p := range snap.peers {
		if p.Verified {
			out = append(out, p)
		}
	}
	return out
}

// Get returns the tracked peer for instanceID, if any.
func (t *TrustSet) Get(instanceID string) (Peer, bool) {
	p, ok := t.snapshot().peers[instanceID]
	return p, ok
}

// Upsert records or updates a peer, admitting it to the verified set iff
// its genesis hash matches a trusted value (spec §4.15 peer discovery).
// Copy-on-write: builds a new snapshot and swaps it in.
func (t *TrustSet) Upsert(p Peer) Peer {
	p.Verified = t.IsTrustedGenesis(p.GenesisHash)
	if p.Verified && p.TrustScore == 0 {
		p.TrustScore = 1.0
	}

	old := t.snapshot()
	next := &trustSnapshot{
		genesisHashes: old.genesisHashes,
		peers:         make(map[string]Peer, len(old.peers)+1),
	}
	for id, existing := range old.peers {
		next.peers[id] = existing
	}
	next.peers[p.InstanceID] = p
	t.v.Store(next)
	return p
}
