package gossip

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/reflectcore/reflectd/internal/codec"
	"github.com/reflectcore/reflectd/internal/sandbox"
)

// ClientConfig configures NewClient. The egress rate limiter reuses
// internal/sandbox.Bucket (spec §6.5 "p2p.egress_rate_limit"): gossip
// sends are just another admission-gated resource, the same shape as
// sandbox worker executions.
type ClientConfig struct {
	InstanceID         string
	GenesisHash        string
	PrivateKey         ed25519.PrivateKey
	TLSCertFile        string
	TLSKeyFile         string
	TLSCAFile          string
	EgressRateLimit    int
	EgressRefillPeriod time.Duration
	Logger             *zap.Logger
	Metrics            MetricsSink
}

// Client dials peers and sends discovery/gossip RPCs over the same mTLS +
// JSON-codec transport the Server exposes.
type Client struct {
	instanceID  string
	genesisHash string
	priv        ed25519.PrivateKey
	tlsConfig   *tls.Config
	egress      *sandbox.Bucket
	logger      *zap.Logger
	metrics     MetricsSink

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn // endpoint -> conn
}

// NewClient builds a Client with a dedicated egress token bucket.
func NewClient(cfg ClientConfig) (*Client, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("gossip: load client keypair: %w", err)
	}
	caPEM, err := os.ReadFile(cfg.TLSCAFile)
	if err != nil {
		return nil, fmt.Errorf("gossip: read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("gossip: no certificates parsed from %s", cfg.TLSCAFile)
	}

	limit := cfg.EgressRateLimit
	if limit <= 0 {
		limit = 100
	}
	refill := cfg.EgressRefillPeriod
	if refill <= 0 {
		refill = time.Minute
	}

	return &Client{
		instanceID:  cfg.InstanceID,
		genesisHash: cfg.GenesisHash,
		priv:        cfg.PrivateKey,
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      pool,
			MinVersion:   tls.VersionTLS13,
		},
		egress:  sandbox.NewBucket(limit, refill),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		conns:   make(map[string]*grpc.ClientConn),
	}, nil
}

// Close releases dialed connections and stops the egress bucket.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.egress.Close()
	var firstErr error
	for _, cc := range c.conns {
		if err := cc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Client) dial(endpoint string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.conns[endpoint]; ok {
		return cc, nil
	}
	cc, err := grpc.Dial(endpoint, //nolint:staticcheck // grpc.NewClient requires grpc-go >= 1.63
		grpc.WithTransportCredentials(credentials.NewTLS(c.tlsConfig)),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("gossip: dial %s: %w", endpoint, err)
	}
	c.conns[endpoint] = cc
	return cc, nil
}

// Discover sends a discovery request to endpoint and returns the peer it
// learns about.
func (c *Client) Discover(ctx context.Context, endpoint string) (Peer, error) {
	cc, err := c.dial(endpoint)
	if err != nil {
		return Peer{}, err
	}
	req := &DiscoveryRequest{
		SenderInstanceID: c.instanceID,
		GenesisHash:      c.genesisHash,
		PublicKeyHex:     codec.HexEncode(c.priv.Public().(ed25519.PublicKey)),
	}
	resp := new(DiscoveryResponse)
	if err := cc.Invoke(ctx, "/"+serviceName+"/"+methodDiscover, req, resp); err != nil {
		return Peer{}, fmt.Errorf("gossip: discover %s: %w", endpoint, err)
	}
	return Peer{
		InstanceID:   resp.InstanceID,
		GenesisHash:  resp.GenesisHash,
		PublicKeyHex: resp.PublicKeyHex,
		Endpoint:     endpoint,
		LastSeen:     time.Now(),
	}, nil
}

// Send signs and delivers env to endpoint, consuming one egress token.
// Returns the peer's Ack, or an error if the egress bucket is exhausted or
// the RPC fails.
func (c *Client) Send(ctx context.Context, endpoint string, env Envelope) (*Ack, error) {
	if !c.egress.ConsumeForClass(sandbox.ClassLight) {
		return nil, fmt.Errorf("gossip: egress rate limit exceeded for %s", endpoint)
	}

	_, rawSig, err := codec.SignCanonical(c.priv, env.SignedFields())
	if err != nil {
		return nil, fmt.Errorf("gossip: sign envelope: %w", err)
	}
	env.Signature = codec.HexEncode(rawSig)

	cc, err := c.dial(endpoint)
	if err != nil {
		return nil, err
	}
	ack := new(Ack)
	if err := cc.Invoke(ctx, "/"+serviceName+"/"+methodSend, &env, ack); err != nil {
		return nil, fmt.Errorf("gossip: send to %s: %w", endpoint, err)
	}
	if c.metrics != nil {
		c.metrics.ObserveGossipSent()
	}
	return ack, nil
}

// Broadcast sends env to every endpoint, continuing past individual
// failures and returning the accumulated errors (spec §4.15: a send to
// one unreachable peer must not block gossip to the rest).
func (c *Client) Broadcast(ctx context.Context, endpoints []string, env Envelope) []error {
	var errs []error
	for _, ep := range endpoints {
		if _, err := c.Send(ctx, ep, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
