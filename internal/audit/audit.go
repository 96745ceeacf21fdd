// Package audit implements C9: a hash-chained log of internal pipeline
// decisions, parallel to the per-user event log (C2) but scoped to
// observability rather than identity state. Construction is grounded in
// _examples/original_source/packages/mirror-core/engine/audit.py's
// AuditEvent shape, using the same chain construction as C2 (spec §4.9).
package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/reflectcore/reflectd/internal/codec"
)

// EventType enumerates internal pipeline-decision events (spec §4.9).
type EventType string

const (
	EventStageEntered             EventType = "stage_entered"
	EventSafetySignal             EventType = "safety_signal"
	EventAxiomViolation           EventType = "axiom_violation"
	EventSemanticAnalysisComplete EventType = "semantic_analysis_complete"
	EventExpressionShapingComplete EventType = "expression_shaping_complete"
)

// Event is one entry in the audit trail.
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	EventType    EventType      `json:"event_type"`
	UserID       string         `json:"user_id"`
	Data         map[string]any `json:"data"`
	PreviousHash string         `json:"previous_hash"`
	EventHash    string         `json:"event_hash"`
	Sequence     uint64         `json:"sequence"`
}

func (e *Event) hashFields() map[string]any {
	return map[string]any{
		"timestamp":     e.Timestamp.UTC().Format(time.RFC3339Nano),
		"event_type":    string(e.EventType),
		"user_id":       e.UserID,
		"data":          e.Data,
		"previous_hash": e.PreviousHash,
	}
}

const bucketName = "audit"

// timeNow is a package-level var so tests can stub it.
var timeNow = time.Now

// Trail is a BoltDB-backed, single-stream, hash-chained audit log (one
// chain per process, not per user — spec §4.9 "parallel to C2 but scoped
// to internal pipeline decisions").
type Trail struct {
	db     *bolt.DB
	logger *zap.Logger
	mu     sync.Mutex
}

func Open(path string, logger *zap.Logger) (*Trail, error) {
	bdb, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("audit: bolt.Open(%q): %w", path, err)
	}
	if err := bdb.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("audit: schema init: %w", err)
	}
	return &Trail{db: bdb, logger: logger}, nil
}

func (t *Trail) Close() error { return t.db.Close() }

// Append appends event, computing its hash chain fields under the trail's
// single-writer lock (spec §5 linearization applies per chain, and an
// audit trail has exactly one chain).
func (t *Trail) Append(event Event) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var tail string
	var count uint64
	if err := t.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		c := b.Cursor()
		var last Event
		for k, v := c.First(); k != nil; k, v = c.Next() {
			count++
			if err := json.Unmarshal(v, &last); err != nil {
				return err
			}
		}
		if count > 0 {
			tail = last.EventHash
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("audit: read tail: %w", err)
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = timeNow()
	}
	if count == 0 {
		event.PreviousHash = codec.ZeroHash
	} else {
		event.PreviousHash = tail
	}
	event.Sequence = count

	hash, err := codec.HashCanonical(event.hashFields())
	if err != nil {
		return "", fmt.Errorf("audit: hash: %w", err)
	}
	event.EventHash = hash

	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("audit: marshal: %w", err)
	}

	key := make([]byte, 8)
	seq := count
	for i := 7; i >= 0; i-- {
		key[i] = byte(seq)
		seq >>= 8
	}

	if err := t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.Put(key, data)
	}); err != nil {
		return "", fmt.Errorf("audit: append: %w", err)
	}

	t.logger.Debug("audit event appended",
		zap.String("event_type", string(event.EventType)),
		zap.String("user_id", event.UserID),
	)
	return hash, nil
}

// ReadAll returns every audit event in append order.
func (t *Trail) ReadAll() ([]Event, error) {
	var events []Event
	err := t.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.ForEach(func(_, v []byte) error {
			var e Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			events = append(events, e)
			return nil
		})
	})
	return events, err
}

// VerifyIntegrity walks the chain recomputing each event's hash and checking
// its link to the previous one. Audit events carry no signature, so unlike
// C2's VerifyChain it checks no signatures.
func (t *Trail) VerifyIntegrity() (ok bool, firstBadID string, err error) {
	events, err := t.ReadAll()
	if err != nil {
		return false, "", err
	}
	expectedPrev := codec.ZeroHash
	for _, e := range events {
		recomputed, herr := codec.HashCanonical(e.hashFields())
		if herr != nil || recomputed != e.EventHash || e.PreviousHash != expectedPrev {
			return false, e.ID, nil
		}
		expectedPrev = e.EventHash
	}
	return true, "", nil
}

// ExportJSON writes every event as a JSON array to w.
func (t *Trail) ExportJSON(w io.Writer) error {
	events, err := t.ReadAll()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	return enc.Encode(events)
}

// ExportCSV writes every event as CSV rows (id, timestamp, event_type,
// user_id, event_hash, previous_hash) to w.
func (t *Trail) ExportCSV(w io.Writer) error {
	events, err := t.ReadAll()
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "timestamp", "event_type", "user_id", "event_hash", "previous_hash"}); err != nil {
		return err
	}
	for _, e := range events {
		if err := cw.Write([]string{
			e.ID,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			string(e.EventType),
			e.UserID,
			e.EventHash,
			e.PreviousHash,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
