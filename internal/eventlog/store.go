package eventlog

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/reflectcore/reflectd/internal/codec"
)

// Schema (BoltDB bucket layout), following the teacher's storage doc
// convention in internal/storage/bolt.go:
//
//	/events/{instance}\x00{user}
//	    key:   big-endian uint64 sequence number
//	    value: JSON-encoded Event
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
const (
	SchemaVersion   = "1"
	bucketEventsTop = "events"
	bucketMeta      = "meta"
)

// KeyResolver resolves the Ed25519 public key that must have signed events
// for a given instance. One operational key per instance is the common
// case; a recognition-service-backed resolver can rotate it via ROKs (C12)
// without the event log needing to know about certificates.
type KeyResolver interface {
	ResolveSigningKey(instanceID string) (ed25519.PublicKey, bool)
}

// Store is a per-process handle on the BoltDB-backed event log.
// All appends to a given (instance, user) stream are serialized through a
// per-stream mutex (spec §5 "per-user serialization"); reads take a
// consistent BoltDB snapshot (bbolt's MVCC View transactions) and therefore
// never observe a partially-written event.
type Store struct {
	db       *bolt.DB
	logger   *zap.Logger
	resolver KeyResolver

	mu          sync.Mutex // guards streamLocks map itself
	streamLocks map[string]*sync.Mutex
}

// Open opens (or creates) the BoltDB file at path and prepares the event
// log schema.
func Open(path string, resolver KeyResolver, logger *zap.Logger) (*Store, error) {
	bdb, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("eventlog: bolt.Open(%q): %w", path, err)
	}
	if err := bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketEventsTop, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(SchemaVersion))
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("eventlog: schema init: %w", err)
	}

	return &Store{
		db:          bdb,
		logger:      logger,
		resolver:    resolver,
		streamLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func streamKey(instance, user string) string { return instance + "\x00" + user }

func (s *Store) lockFor(instance, user string) *sync.Mutex {
	key := streamKey(instance, user)
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.streamLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.streamLocks[key] = l
	}
	return l
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// Append appends event to the (instance, user) stream. The caller must have
// set ID, Timestamp, EventType, InstanceID, UserID and Payload; PreviousHash,
// EventHash, Sequence and Signature are computed/validated here.
//
// event.PreviousHash must equal the current tail's EventHash (or ZeroHash
// for an empty stream) — ErrChainMismatch otherwise. event.Signature must be
// a valid Ed25519 signature over the canonical hash fields, verified against
// the resolver's key for InstanceID — ErrSignatureInvalid otherwise. A
// non-zero PreviousHash on an empty stream is ErrGenesisViolation.
func (s *Store) Append(event Event, signer func(canonical map[string]any) (sig []byte, err error)) (string, error) {
	lock := s.lockFor(event.InstanceID, event.UserID)
	lock.Lock()
	defer lock.Unlock()

	tailHash, count, err := s.tailLocked(event.InstanceID, event.UserID)
	if err != nil {
		return "", err
	}

	if count == 0 {
		if event.PreviousHash != "" && event.PreviousHash != codec.ZeroHash {
			return "", &ChainError{EventID: event.ID, Err: ErrGenesisViolation}
		}
		event.PreviousHash = codec.ZeroHash
	} else {
		if event.PreviousHash != tailHash {
			return "", &ChainError{EventID: event.ID, Err: ErrChainMismatch}
		}
	}

	eventHash, err := codec.HashCanonical(event.hashFields())
	if err != nil {
		return "", fmt.Errorf("eventlog: hash event: %w", err)
	}
	event.EventHash = eventHash

	sig, err := signer(event.hashFields())
	if err != nil {
		return "", fmt.Errorf("eventlog: sign event: %w", err)
	}
	event.Signature = codec.HexEncode(sig)

	if pub, ok := s.resolver.ResolveSigningKey(event.InstanceID); ok {
		rawSig, decErr := codec.HexDecode(event.Signature)
		if decErr != nil {
			return "", &ChainError{EventID: event.ID, Err: ErrSignatureInvalid}
		}
		canonBytes, cerr := codec.Canonicalize(event.hashFields())
		if cerr != nil {
			return "", fmt.Errorf("eventlog: canonicalize for verify: %w", cerr)
		}
		if !codec.Verify(pub, canonBytes, rawSig) {
			return "", &ChainError{EventID: event.ID, Err: ErrSignatureInvalid}
		}
	}

	event.Sequence = count

	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("eventlog: marshal event: %w", err)
	}

	bucketName := []byte(bucketEventsTop + "/" + streamKey(event.InstanceID, event.UserID))
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		return b.Put(seqKey(event.Sequence), data)
	}); err != nil {
		return "", fmt.Errorf("eventlog: append: %w", err)
	}

	s.logger.Debug("event appended",
		zap.String("instance", event.InstanceID),
		zap.String("user", event.UserID),
		zap.String("event_type", string(event.EventType)),
		zap.Uint64("sequence", event.Sequence),
		zap.String("hash", event.EventHash[:16]),
	)

	return event.EventHash, nil
}

// tailLocked returns the last event's hash and the stream's event count.
// Must be called with the stream lock held.
func (s *Store) tailLocked(instance, user string) (tailHash string, count uint64, err error) {
	bucketName := []byte(bucketEventsTop + "/" + streamKey(instance, user))
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var n uint64
		var last Event
		for k, v := c.First(); k != nil; k, v = c.Next() {
			n++
			if err := json.Unmarshal(v, &last); err != nil {
				return fmt.Errorf("eventlog: corrupt record at seq %d: %w", n-1, err)
			}
		}
		count = n
		if n > 0 {
			tailHash = last.EventHash
		}
		return nil
	})
	return tailHash, count, err
}

// ReadAll returns every event in the stream, in append order.
func (s *Store) ReadAll(instance, user string) ([]Event, error) {
	return s.Read(instance, user, "", 0)
}

// Read returns events after the event with id afterID (exclusive), up to
// limit events (0 = unbounded), in append order.
func (s *Store) Read(instance, user string, afterID string, limit int) ([]Event, error) {
	bucketName := []byte(bucketEventsTop + "/" + streamKey(instance, user))
	var events []Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		skipping := afterID != ""
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Event
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("eventlog: corrupt record: %w", err)
			}
			if skipping {
				if e.ID == afterID {
					skipping = false
				}
				continue
			}
			events = append(events, e)
			if limit > 0 && len(events) >= limit {
				break
			}
		}
		return nil
	})
	return events, err
}

// VerifyChain walks the stream in order, recomputing each event's hash,
// checking it against the stored value, checking previous_hash linkage, and
// checking the signature against the resolver's trusted key. It returns
// (true, "") if the chain is intact, or (false, firstBadEventID) otherwise.
func (s *Store) VerifyChain(instance, user string) (ok bool, firstBadID string, err error) {
	events, err := s.ReadAll(instance, user)
	if err != nil {
		return false, "", err
	}

	pub, hasKey := s.resolver.ResolveSigningKey(instance)
	expectedPrev := codec.ZeroHash

	for _, e := range events {
		recomputed, herr := codec.HashCanonical(e.hashFields())
		if herr != nil {
			return false, e.ID, nil
		}
		if recomputed != e.EventHash {
			return false, e.ID, nil
		}
		if e.PreviousHash != expectedPrev {
			return false, e.ID, nil
		}
		if hasKey {
			canonBytes, cerr := codec.Canonicalize(e.hashFields())
			if cerr != nil {
				return false, e.ID, nil
			}
			rawSig, decErr := codec.HexDecode(e.Signature)
			if decErr != nil || !codec.Verify(pub, canonBytes, rawSig) {
				return false, e.ID, nil
			}
		}
		expectedPrev = e.EventHash
	}
	return true, "", nil
}
