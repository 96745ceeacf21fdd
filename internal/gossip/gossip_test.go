package gossip

import (
	"testing"
	"time"
)

func TestTrustSet_UpsertAdmitsOnlyMatchingGenesisHash(t *testing.T) {
	ts := NewTrustSet([]string{"good-hash"})

	verified := ts.Upsert(Peer{InstanceID: "peer-a", GenesisHash: "good-hash", Endpoint: "a:1"})
	if !verified.Verified {
		t.Fatal("expected peer with matching genesis hash to be verified")
	}
	if verified.TrustScore != 1.0 {
		t.Fatalf("expected newly verified peer to get trust score 1.0, got %v", verified.TrustScore)
	}

	unverified := ts.Upsert(Peer{InstanceID: "peer-b", GenesisHash: "bad-hash", Endpoint: "b:1"})
	if unverified.Verified {
		t.Fatal("expected peer with mismatched genesis hash to be unverified")
	}

	if len(ts.Peers()) != 2 {
		t.Fatalf("expected 2 tracked peers, got %d", len(ts.Peers()))
	}
	if len(ts.VerifiedPeers()) != 1 {
		t.Fatalf("expected 1 verified peer, got %d", len(ts.VerifiedPeers()))
	}
}

func TestTrustSet_UpsertIsCopyOnWrite(t *testing.T) {
	ts := NewTrustSet([]string{"good-hash"})
	before := ts.snapshot()
	ts.Upsert(Peer{InstanceID: "peer-a", GenesisHash: "good-hash"})
	after := ts.snapshot()
	if before == after {
		t.Fatal("expected Upsert to swap in a new snapshot, not mutate in place")
	}
	if len(before.peers) != 0 {
		t.Fatal("expected the pre-Upsert snapshot to remain unmodified")
	}
}

func TestDedup_SuppressesRepeatedMessageID(t *testing.T) {
	d := NewDedup(time.Hour)
	defer d.Close()

	if d.SeenBefore("m1") {
		t.Fatal("first observation of m1 should not be reported as seen before")
	}
	if !d.SeenBefore("m1") {
		t.Fatal("second observation of m1 within TTL should be suppressed")
	}
	if d.SeenBefore("m2") {
		t.Fatal("a distinct message_id should not be suppressed")
	}
}

func TestPartitionMonitor_EntersIsolatedModeBelowThreshold(t *testing.T) {
	sink := NewChannelPartitionSink(4)
	pm := NewPartitionMonitor(PartitionConfig{TotalPeers: 10, Threshold: 0.5, RecalibrationFraction: 0.5, Sink: sink})

	mode := pm.UpdateReachable(8) // 0.8 >= 0.5
	if mode != PartitionModeNormal {
		t.Fatalf("expected normal mode at 80%% reachability, got %v", mode)
	}

	mode = pm.UpdateReachable(2) // 0.2 < 0.5
	if mode != PartitionModeIsolated {
		t.Fatalf("expected isolated mode at 20%% reachability, got %v", mode)
	}
	gotMode, recalibratedMin, reachable := pm.State()
	if gotMode != PartitionModeIsolated || reachable != 2 {
		t.Fatalf("unexpected state: mode=%v reachable=%d", gotMode, reachable)
	}
	if recalibratedMin != 1 { // floor(2*0.5) = 1
		t.Fatalf("expected recalibrated min 1, got %d", recalibratedMin)
	}

	select {
	case evt := <-sink.C:
		if evt.Mode != PartitionModeIsolated {
			t.Fatalf("expected isolated transition event, got %v", evt.Mode)
		}
	default:
		t.Fatal("expected a PartitionEvent to be emitted on the normal->isolated transition")
	}
}

func TestPartitionMonitor_NoTotalPeersAlwaysNormal(t *testing.T) {
	pm := NewPartitionMonitor(PartitionConfig{TotalPeers: 0})
	if mode := pm.UpdateReachable(0); mode != PartitionModeNormal {
		t.Fatalf("expected single-node deployment to stay normal, got %v", mode)
	}
}

func TestIsBroadcast(t *testing.T) {
	if !IsBroadcast(MessageCommonsPublish) {
		t.Error("commons_publish should be a broadcast type")
	}
	if IsBroadcast(MessagePing) {
		t.Error("ping should not be a broadcast type")
	}
}
