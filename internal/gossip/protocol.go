// Package gossip implements C15: peer discovery and gossip of
// publications, proposals, and announcements between reflectd instances
// (spec §4.15). Message shape, the mTLS transport, and the
// signature-verification-then-dispatch pipeline are grounded in the
// teacher's internal/gossip/server.go gRPC mTLS envelope server; the
// duplicate-suppression mechanic is grounded in the teacher's
// internal/gossip/quorum.go TTL-windowed, mutex-protected,
// background-pruned map, repurposed here from anomaly-report quorum
// counting to message_id dedup (spec §4.15 "duplicates ... are
// suppressed").
package gossip

import "time"

// MessageType is the closed enumeration of spec §4.15.
type MessageType string

const (
	MessageDiscovery            MessageType = "discovery"
	MessageCommonsPublish       MessageType = "commons_publish"
	MessageCommonsQuery         MessageType = "commons_query"
	MessageForkAnnounce         MessageType = "fork_announce"
	MessageVerificationRequest  MessageType = "verification_request"
	MessageVerificationResponse MessageType = "verification_response"
	MessageAmendmentProposal    MessageType = "amendment_proposal"
	MessageVoteCast             MessageType = "vote_cast"
	MessagePing                 MessageType = "ping"
)

// broadcastTypes are gossiped to every verified peer (spec §4.15 "Gossip
// semantics"); the rest are point-to-point.
var broadcastTypes = map[MessageType]bool{
	MessageCommonsPublish:    true,
	MessageForkAnnounce:      true,
	MessageAmendmentProposal: true,
	MessageVoteCast:          true,
}

// IsBroadcast reports whether messages of type t are gossiped to every
// verified peer rather than sent point-to-point.
func IsBroadcast(t MessageType) bool { return broadcastTypes[t] }

// Envelope is the wire message of spec §4.15 / §6.2: signature is computed
// over the canonical JSON of every other field.
type Envelope struct {
	MessageID          string         `json:"message_id"`
	Type               MessageType    `json:"type"`
	SenderInstanceID   string         `json:"sender_instance_id"`
	RecipientInstance  string         `json:"recipient_instance_id,omitempty"` // empty = broadcast
	Payload            map[string]any `json:"payload"`
	TimestampUnixNanos int64          `json:"timestamp"`
	Signature          string         `json:"signature,omitempty"` // hex, excluded from its own signed form
}

// SignedFields returns the subset of the envelope that is covered by
// Signature, in the shape codec.Canonicalize expects (spec §6.2: "canonical
// JSON of all fields except signature").
func (e Envelope) SignedFields() map[string]any {
	return map[string]any{
		"message_id":           e.MessageID,
		"type":                 string(e.Type),
		"sender_instance_id":   e.SenderInstanceID,
		"recipient_instance_id": e.RecipientInstance,
		"payload":              e.Payload,
		"timestamp":            e.TimestampUnixNanos,
	}
}

// DiscoveryRequest is sent to each bootstrap endpoint on startup.
type DiscoveryRequest struct {
	SenderInstanceID string `json:"sender_instance_id"`
	GenesisHash      string `json:"genesis_hash"`
	PublicKeyHex     string `json:"public_key_hex"`
}

// DiscoveryResponse carries the responder's genesis hash; a peer is
// admitted to the known set iff it matches a trusted value (spec §4.15).
type DiscoveryResponse struct {
	InstanceID   string `json:"instance_id"`
	GenesisHash  string `json:"genesis_hash"`
	PublicKeyHex string `json:"public_key_hex"`
	Endpoint     string `json:"endpoint"`
}

// Ack is returned for point-to-point and broadcast sends.
type Ack struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Peer mirrors spec §3.1.
type Peer struct {
	InstanceID   string    `json:"instance_id"`
	GenesisHash  string    `json:"genesis_hash"`
	PublicKeyHex string    `json:"public_key_hex"`
	Endpoint     string    `json:"endpoint"`
	LastSeen     time.Time `json:"last_seen"`
	Verified     bool      `json:"verified"`
	TrustScore   float64   `json:"trust_score"`
}
