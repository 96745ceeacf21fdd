package gossip

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName is registered in place of "proto" (spec §4.15 transport is
// gRPC, but envelope/message payloads are plain Go structs, not
// protoc-generated types — there is no generated code to fabricate).
const jsonCodecName = "reflectd-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements google.golang.org/grpc/encoding.Codec by marshaling
// any Go value as JSON. Registering it lets the gossip service exchange
// Envelope, DiscoveryRequest, DiscoveryResponse, and Ack values over a real
// grpc.Server/grpc.ClientConn without depending on protoc-generated
// bindings.
type jsonCodec struct{}

func (jsonCodec) Name() string { return jsonCodecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("gossip: jsonCodec marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("gossip: jsonCodec unmarshal: %w", err)
	}
	return nil
}
