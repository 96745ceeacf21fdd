package gossip

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/reflectcore/reflectd/internal/codec"
)

// serviceName and method names define the hand-built grpc.ServiceDesc below
// in place of protoc-generated bindings (see jsoncodec.go). Grounded in the
// teacher's internal/gossip/server.go mTLS gRPC envelope server; the method
// shape is repurposed from anomaly-baseline exchange to discovery + gossip
// dispatch (spec §4.15).
const (
	serviceName    = "reflectd.gossip.Gossip"
	methodDiscover = "Discover"
	methodSend     = "Send"
)

// Dispatcher hands an accepted, verified Envelope to the component that
// owns its message type (governance for amendment_proposal/vote_cast,
// eventlog/replay for fork_announce, etc). Kept as an interface so the
// gossip package never imports governance/eventlog directly.
type Dispatcher interface {
	Dispatch(ctx context.Context, env Envelope) error
}

// MetricsSink is the minimal subset of observability.Metrics the server
// touches, kept as an interface so gossip never imports observability.
type MetricsSink interface {
	ObserveGossipReceived(accepted bool)
	ObserveGossipSent()
	SetVerifiedPeers(n int)
}

// Server is the C15 P2P gRPC server: mTLS transport, Ed25519 envelope
// signatures, genesis-hash peer verification, and message_id dedup (spec
// §4.15, §6.2).
type Server struct {
	instanceID   string
	genesisHash  string
	publicKeyHex string
	trust        *TrustSet
	dedup        *Dedup
	dispatcher   Dispatcher
	envelopeTTL  time.Duration
	logger       *zap.Logger
	metrics      MetricsSink

	grpc *grpc.Server
}

// ServerConfig configures NewServer.
type ServerConfig struct {
	InstanceID           string
	GenesisHash          string
	PublicKeyHex         string
	TrustedGenesisHashes []string
	EnvelopeTTL          time.Duration
	TLSCertFile          string
	TLSKeyFile           string
	TLSCAFile            string
	Dispatcher           Dispatcher
	Logger               *zap.Logger
	Metrics              MetricsSink
}

// NewServer builds a Server and its underlying *grpc.Server with mTLS
// credentials. The CA file is used both to verify inbound client certs and
// to trust the peers this instance dials.
func NewServer(cfg ServerConfig) (*Server, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("gossip: load server keypair: %w", err)
	}
	caPEM, err := os.ReadFile(cfg.TLSCAFile)
	if err != nil {
		return nil, fmt.Errorf("gossip: read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("gossip: no certificates parsed from %s", cfg.TLSCAFile)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}

	ttl := cfg.EnvelopeTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	s := &Server{
		instanceID:   cfg.InstanceID,
		genesisHash:  cfg.GenesisHash,
		publicKeyHex: cfg.PublicKeyHex,
		trust:        NewTrustSet(cfg.TrustedGenesisHashes),
		dedup:        NewDedup(2 * ttl),
		dispatcher:   cfg.Dispatcher,
		envelopeTTL:  ttl,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}

	s.grpc = grpc.NewServer(
		grpc.Creds(credentials.NewTLS(tlsConfig)),
		grpc.ForceServerCodec(jsonCodec{}),
	)
	s.grpc.RegisterService(&serviceDesc, s)
	return s, nil
}

// TrustSet exposes the server's peer trust table, e.g. for the control
// surface's status command.
func (s *Server) TrustSet() *TrustSet { return s.trust }

// Serve blocks serving gRPC on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.grpc.GracefulStop()
	}()
	if err := s.grpc.Serve(lis); err != nil && ctx.Err() == nil {
		return fmt.Errorf("gossip: serve: %w", err)
	}
	return nil
}

// discover handles the Discover RPC: admits the caller to the trust table
// if its genesis hash matches, and returns our own identity.
func (s *Server) discover(ctx context.Context, req *DiscoveryRequest) (*DiscoveryResponse, error) {
	if req.SenderInstanceID == "" {
		return nil, status.Error(codes.InvalidArgument, "sender_instance_id required")
	}
	peer := s.trust.Upsert(Peer{
		InstanceID:   req.SenderInstanceID,
		GenesisHash:  req.GenesisHash,
		PublicKeyHex: req.PublicKeyHex,
		LastSeen:     time.Now(),
	})
	if s.metrics != nil {
		s.metrics.SetVerifiedPeers(len(s.trust.VerifiedPeers()))
	}
	if s.logger != nil {
		s.logger.Info("peer discovery",
			zap.String("peer_instance_id", peer.InstanceID),
			zap.Bool("verified", peer.Verified))
	}
	return &DiscoveryResponse{
		InstanceID:   s.instanceID,
		GenesisHash:  s.genesisHash,
		PublicKeyHex: s.publicKeyHex,
	}, nil
}

// send handles the Send RPC: verifies the envelope's signature and
// freshness, suppresses duplicates, and dispatches to the owning
// component (spec §4.15 "Gossip semantics").
func (s *Server) send(ctx context.Context, env *Envelope) (*Ack, error) {
	reject := func(reason string) (*Ack, error) {
		if s.metrics != nil {
			s.metrics.ObserveGossipReceived(false)
		}
		return &Ack{Accepted: false, Reason: reason}, nil
	}

	peer, known := s.trust.Get(env.SenderInstanceID)
	if !known || !peer.Verified {
		return reject("sender not a verified peer")
	}

	age := time.Since(time.Unix(0, env.TimestampUnixNanos))
	if age < 0 {
		age = -age
	}
	if age > s.envelopeTTL {
		return reject("envelope outside ttl")
	}

	if env.Signature == "" {
		return reject("missing signature")
	}
	sig, err := codec.HexDecode(env.Signature)
	if err != nil {
		return reject("malformed signature")
	}
	pub, err := codec.HexDecode(peer.PublicKeyHex)
	if err != nil {
		return reject("unknown peer public key")
	}
	ok, err := codec.VerifyCanonical(pub, env.SignedFields(), sig)
	if err != nil || !ok {
		return reject("signature verification failed")
	}

	if s.metrics != nil {
		s.metrics.ObserveGossipReceived(true)
	}

	if s.dedup.SeenBefore(env.MessageID) {
		return &Ack{Accepted: true, Reason: "duplicate, already processed"}, nil
	}

	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, *env); err != nil {
			if s.logger != nil {
				s.logger.Warn("dispatch failed", zap.Error(err), zap.String("message_id", env.MessageID))
			}
			return &Ack{Accepted: false, Reason: err.Error()}, nil
		}
	}

	return &Ack{Accepted: true}, nil
}

func discoverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DiscoveryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).discover(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + methodDiscover}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).discover(ctx, req.(*DiscoveryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + methodSend}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).send(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// serviceDesc is the hand-built replacement for a protoc-generated
// *_grpc.pb.go ServiceDesc (the spec forbids fabricating generated code;
// this wires the real google.golang.org/grpc library against plain Go
// structs via jsonCodec instead of protobuf messages).
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodDiscover, Handler: discoverHandler},
		{MethodName: methodSend, Handler: sendHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "reflectd/gossip.proto",
}
