package eventlog

import (
	"crypto/ed25519"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/reflectcore/reflectd/internal/codec"
)

type staticResolver struct {
	pub ed25519.PublicKey
}

func (r staticResolver) ResolveSigningKey(instance string) (ed25519.PublicKey, bool) {
	return r.pub, true
}

func newTestStore(t *testing.T) (*Store, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := codec.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	path := filepath.Join(t.TempDir(), "events.db")
	store, err := Open(path, staticResolver{pub: pub}, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, priv
}

func signer(priv ed25519.PrivateKey) func(map[string]any) ([]byte, error) {
	return func(fields map[string]any) ([]byte, error) {
		b, err := codec.Canonicalize(fields)
		if err != nil {
			return nil, err
		}
		return codec.Sign(priv, b), nil
	}
}

func appendN(t *testing.T, store *Store, priv ed25519.PrivateKey, instance, user string, n int) []string {
	t.Helper()
	prev := codec.ZeroHash
	var hashes []string
	for i := 0; i < n; i++ {
		e := Event{
			ID:           uuidLike(i),
			Timestamp:    time.Now().Add(time.Duration(i) * time.Millisecond),
			EventType:    EventReflectionCreated,
			InstanceID:   instance,
			UserID:       user,
			Payload:      map[string]any{"n": i},
			PreviousHash: prev,
		}
		h, err := store.Append(e, signer(priv))
		if err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
		hashes = append(hashes, h)
		prev = h
	}
	return hashes
}

func uuidLike(i int) string {
	return "evt-" + string(rune('a'+i))
}

func TestAppendAndVerifyChain(t *testing.T) {
	store, priv := newTestStore(t)
	appendN(t, store, priv, "inst1", "u1", 5)

	ok, bad, err := store.VerifyChain("inst1", "u1")
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !ok {
		t.Fatalf("expected chain ok, first bad = %q", bad)
	}
}

func TestAppend_ChainMismatch(t *testing.T) {
	store, priv := newTestStore(t)
	appendN(t, store, priv, "inst1", "u1", 1)

	e := Event{
		ID:           "evt-bad",
		Timestamp:    time.Now(),
		EventType:    EventReflectionCreated,
		InstanceID:   "inst1",
		UserID:       "u1",
		Payload:      map[string]any{},
		PreviousHash: "not-the-real-tail",
	}
	_, err := store.Append(e, signer(priv))
	if err == nil {
		t.Fatal("expected ChainMismatch error")
	}
}

func TestAppend_GenesisViolation(t *testing.T) {
	store, priv := newTestStore(t)
	e := Event{
		ID:           "evt-0",
		Timestamp:    time.Now(),
		EventType:    EventReflectionCreated,
		InstanceID:   "inst1",
		UserID:       "u2",
		Payload:      map[string]any{},
		PreviousHash: "deadbeef",
	}
	_, err := store.Append(e, signer(priv))
	if err == nil {
		t.Fatal("expected GenesisViolation error")
	}
}

// TestVerifyChain_TamperDetected mirrors scenario S4: mutate a stored
// event's payload in place, then confirm VerifyChain reports that event
// itself as the first bad event, since its recomputed hash no longer matches
// the stored one.
func TestVerifyChain_TamperDetected(t *testing.T) {
	store, priv := newTestStore(t)
	appendN(t, store, priv, "inst1", "u3", 5)

	events, err := store.ReadAll("inst1", "u3")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	tampered := events[2]
	tampered.Payload = map[string]any{"n": 9999}

	bucketName := []byte(bucketEventsTop + "/" + streamKey("inst1", "u3"))
	data, err := json.Marshal(tampered)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := store.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put(seqKey(tampered.Sequence), data)
	}); err != nil {
		t.Fatalf("tamper write: %v", err)
	}

	ok, bad, err := store.VerifyChain("inst1", "u3")
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if ok {
		t.Fatal("expected chain to be reported broken after tamper")
	}
	if bad != tampered.ID {
		t.Errorf("expected first bad id %q, got %q", tampered.ID, bad)
	}
}
