// Package main — cmd/reflectd/main.go
//
// reflectd instance entrypoint. CLI surface is cobra (teacher's
// cmd/octoreflex/main.go parses bare flags; this binary instead follows
// certenIO-certen-validator's cobra-subcommand shape, grounded per
// SPEC_FULL.md's ambient CLI stack): `serve` runs the long-running
// instance, `verify-chain` and `replay` are read-only maintenance
// subcommands over an existing data directory.
//
// serve's startup sequence (spec §6.5 "all are read once at startup;
// runtime changes are governance-mediated"):
//  1. Load and validate config.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Open event log (C2), audit trail (C9), recognition service (C12),
//     governance council (C13), worker registry (C11), update registry
//     (C14), and create the sandbox executor with its admission pool.
//  4. Build the constitutional registry (C5) and wire the pipeline
//     orchestrator (C8).
//  5. Start the Prometheus metrics server.
//  6. Start the control-surface Unix domain socket (§6.3).
//  7. Start the P2P gossip server and dial bootstrap peers, if enabled.
//  8. Register a SIGHUP handler that re-reads and validates the config.
//  9. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence mirrors the teacher's octoreflex agent: cancel the
// root context, drain in-flight work with a bounded timeout, close every
// store, flush the logger, exit 0. On config validation failure or a
// storage open failure: exit 1 immediately (no partial state).
package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/reflectcore/reflectd/internal/audit"
	"github.com/reflectcore/reflectd/internal/codec"
	"github.com/reflectcore/reflectd/internal/config"
	"github.com/reflectcore/reflectd/internal/constitution"
	"github.com/reflectcore/reflectd/internal/controlsurface"
	"github.com/reflectcore/reflectd/internal/eventlog"
	"github.com/reflectcore/reflectd/internal/gossip"
	"github.com/reflectcore/reflectd/internal/governance"
	"github.com/reflectcore/reflectd/internal/observability"
	"github.com/reflectcore/reflectd/internal/pipeline"
	"github.com/reflectcore/reflectd/internal/recognition"
	"github.com/reflectcore/reflectd/internal/replay"
	"github.com/reflectcore/reflectd/internal/safety"
	"github.com/reflectcore/reflectd/internal/sandbox"
	"github.com/reflectcore/reflectd/internal/semantic"
	"github.com/reflectcore/reflectd/internal/updates"
	"github.com/reflectcore/reflectd/internal/workers"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "reflectd",
		Short: "reflectd runs one reflective-intelligence engine instance",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/reflectd/config.yaml", "path to config.yaml")

	root.AddCommand(serveCmd(), verifyChainCmd(), replayCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolvedConfigPath() string {
	if v := os.Getenv("REFLECTD_CONFIG"); v != "" {
		return v
	}
	return configPath
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the long-running reflectd instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			runServe()
			return nil
		},
	}
}

// verifyChainCmd opens the event log read-write (bbolt requires a
// writable handle even for read-only callers) and runs VerifyChain for
// one (instance, user) pair, exiting non-zero on the first bad link
// (spec §4.3 scenario S4, exposed here as an operator maintenance tool).
func verifyChainCmd() *cobra.Command {
	var instance, user string
	cmd := &cobra.Command{
		Use:   "verify-chain",
		Short: "verify one user's event hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolvedConfigPath())
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			if instance == "" {
				instance = cfg.InstanceID
			}
			store, err := eventlog.Open(cfg.Storage.EventsDir+"/events.db", noopResolver{}, zap.NewNop())
			if err != nil {
				return fmt.Errorf("event log open: %w", err)
			}
			defer store.Close() //nolint:errcheck
			ok, firstBadID, err := store.VerifyChain(instance, user)
			if err != nil {
				return err
			}
			if ok {
				fmt.Printf("chain OK for %s/%s\n", instance, user)
				return nil
			}
			fmt.Printf("chain BROKEN for %s/%s: first bad event %s\n", instance, user, firstBadID)
			return fmt.Errorf("chain verification failed")
		},
	}
	cmd.Flags().StringVar(&instance, "instance", "", "instance id (default: config instance_id)")
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.MarkFlagRequired("user") //nolint:errcheck
	return cmd
}

// replayCmd recomputes and prints a user's IdentitySnapshot (C3) without
// starting the full instance — the same fold the control surface's
// get_snapshot command runs internally.
func replayCmd() *cobra.Command {
	var instance, user string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "recompute a user's identity snapshot from the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolvedConfigPath())
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			if instance == "" {
				instance = cfg.InstanceID
			}
			store, err := eventlog.Open(cfg.Storage.EventsDir+"/events.db", noopResolver{}, zap.NewNop())
			if err != nil {
				return fmt.Errorf("event log open: %w", err)
			}
			defer store.Close() //nolint:errcheck
			events, err := store.ReadAll(instance, user)
			if err != nil {
				return err
			}
			snap := replay.ReplayEvents(user, events)
			fmt.Printf("%+v\n", snap)
			return nil
		},
	}
	cmd.Flags().StringVar(&instance, "instance", "", "instance id (default: config instance_id)")
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.MarkFlagRequired("user") //nolint:errcheck
	return cmd
}

// noopResolver satisfies eventlog.KeyResolver for read-only maintenance
// commands that never append new events and so never need a signing key.
type noopResolver struct{}

func (noopResolver) ResolveSigningKey(instanceID string) (ed25519.PublicKey, bool) { return nil, false }

func runServe() {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("reflectd starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("instance_id", cfg.InstanceID),
		zap.String("config", configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: storage ───────────────────────────────────────────────────
	guardianPub, guardianPriv, err := resolveGuardianKey(cfg)
	if err != nil {
		log.Fatal("guardian key resolution failed", zap.Error(err))
	}
	signFn := func(fields map[string]any) ([]byte, error) {
		canon, err := codec.Canonicalize(fields)
		if err != nil {
			return nil, err
		}
		return codec.Sign(guardianPriv, canon), nil
	}
	hexSignFn := func(fields map[string]any) (string, error) {
		sig, err := signFn(fields)
		if err != nil {
			return "", err
		}
		return codec.HexEncode(sig), nil
	}
	eventSigner = signFn

	recog, err := recognition.Open(cfg.Storage.GovernanceDBPath+".recognition", guardianPub, hexSignFn)
	if err != nil {
		log.Fatal("recognition service open failed", zap.Error(err))
	}
	defer recog.Close() //nolint:errcheck

	resolver := &recognitionKeyResolver{svc: recog, instance: cfg.InstanceID, guardianPub: guardianPub}

	events, err := eventlog.Open(cfg.Storage.EventsDir+"/events.db", resolver, log)
	if err != nil {
		log.Fatal("event log open failed", zap.Error(err))
	}
	defer events.Close() //nolint:errcheck

	auditTrail, err := audit.Open(cfg.Storage.AuditDBPath, log)
	if err != nil {
		log.Fatal("audit trail open failed", zap.Error(err))
	}
	defer auditTrail.Close() //nolint:errcheck

	guardians := make([]governance.Guardian, 0, len(cfg.Governance.GuardianPublicKeys))
	for _, pk := range cfg.Governance.GuardianPublicKeys {
		guardians = append(guardians, governance.Guardian{
			GuardianID: pk, Name: pk, PublicKey: pk, Role: "guardian",
			JoinedAt: time.Now(), VotingWeight: 1, Status: "active",
		})
	}
	council, err := governance.Open(cfg.Storage.GovernanceDBPath, guardians, cfg.Governance.DefaultThreshold, cfg.Governance.DefaultVotingPeriod)
	if err != nil {
		log.Fatal("governance council open failed", zap.Error(err))
	}
	defer council.Close() //nolint:errcheck

	workerRegistry, err := workers.Open(cfg.Storage.WorkersDBPath, council, cfg.Sandbox.AllowedPermissions)
	if err != nil {
		log.Fatal("worker registry open failed", zap.Error(err))
	}
	defer workerRegistry.Close() //nolint:errcheck

	updateRegistry, err := updates.Open(cfg.Storage.WorkersDBPath+".updates", council)
	if err != nil {
		log.Fatal("update registry open failed", zap.Error(err))
	}
	defer updateRegistry.Close() //nolint:errcheck

	sandboxExec := sandbox.NewExecutor("python3", cfg.Sandbox.ScratchDir, cfg.Sandbox.PoolSize, cfg.P2P.EgressRefillPeriod)
	defer sandboxExec.Close()

	// ── Step 4: pipeline ──────────────────────────────────────────────────
	orchestrator := &pipeline.Orchestrator{
		Logger:       log,
		Events:       events,
		Audit:        auditTrail,
		Constitution: constitution.NewRegistry(),
		Generator:    pipeline.GeneratorFunc(echoGenerator),
		Notifier:     &logNotifier{log: log},
		Signer:       signFn,
	}

	// ── Step 5: metrics ───────────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 6: control surface ───────────────────────────────────────────
	if cfg.ControlSurface.Enabled {
		handlers := &controlsurface.Handlers{
			Instance:     cfg.InstanceID,
			Orchestrator: orchestrator,
			Events:       events,
			Audit:        auditTrail,
			Recognition:  recog,
			Governance:   council,
			Updates:      updateRegistry,
			Workers:      workerRegistry,
			Sandbox:      sandboxExec,
			Signer:       signFn,
			Logger:       log,
		}
		csServer := controlsurface.NewServer(cfg.ControlSurface.SocketPath, handlers, log)
		go func() {
			if err := csServer.ListenAndServe(ctx); err != nil {
				log.Error("control surface server error", zap.Error(err))
			}
		}()
		log.Info("control surface listening", zap.String("socket", cfg.ControlSurface.SocketPath))
	}

	// ── Step 7: P2P gossip ─────────────────────────────────────────────────
	var gossipServer *gossip.Server
	var gossipClient *gossip.Client
	if cfg.P2P.Enabled {
		genesisHash, gErr := computeGenesisHash(cfg.InstanceID)
		if gErr != nil {
			log.Fatal("genesis hash computation failed", zap.Error(gErr))
		}
		dispatcher := &gossipDispatcher{instance: cfg.InstanceID, events: events, governance: council, logger: log}
		gossipServer, err = gossip.NewServer(gossip.ServerConfig{
			InstanceID:           cfg.InstanceID,
			GenesisHash:          genesisHash,
			PublicKeyHex:         codec.HexEncode(guardianPub),
			TrustedGenesisHashes: cfg.P2P.TrustedGenesisHashes,
			EnvelopeTTL:          cfg.P2P.EnvelopeTTL,
			TLSCertFile:          cfg.P2P.TLSCertFile,
			TLSKeyFile:           cfg.P2P.TLSKeyFile,
			TLSCAFile:            cfg.P2P.TLSCAFile,
			Dispatcher:           dispatcher,
			Logger:               log,
			Metrics:              metrics,
		})
		if err != nil {
			log.Fatal("gossip server build failed", zap.Error(err))
		}
		lis, lErr := net.Listen("tcp", cfg.P2P.ListenAddr)
		if lErr != nil {
			log.Fatal("gossip listen failed", zap.Error(lErr))
		}
		go func() {
			if err := gossipServer.Serve(ctx, lis); err != nil {
				log.Error("gossip server error", zap.Error(err))
			}
		}()
		log.Info("gossip server started", zap.String("addr", cfg.P2P.ListenAddr))

		gossipClient, err = gossip.NewClient(gossip.ClientConfig{
			InstanceID:         cfg.InstanceID,
			GenesisHash:        genesisHash,
			PrivateKey:         guardianPriv,
			TLSCertFile:        cfg.P2P.TLSCertFile,
			TLSKeyFile:         cfg.P2P.TLSKeyFile,
			TLSCAFile:          cfg.P2P.TLSCAFile,
			EgressRateLimit:    cfg.P2P.EgressRateLimit,
			EgressRefillPeriod: cfg.P2P.EgressRefillPeriod,
			Logger:             log,
			Metrics:            metrics,
		})
		if err != nil {
			log.Fatal("gossip client build failed", zap.Error(err))
		}
		defer gossipClient.Close() //nolint:errcheck

		for _, endpoint := range cfg.P2P.BootstrapPeers {
			peer, dErr := gossipClient.Discover(ctx, endpoint)
			if dErr != nil {
				log.Warn("bootstrap discovery failed", zap.String("endpoint", endpoint), zap.Error(dErr))
				continue
			}
			gossipServer.TrustSet().Upsert(peer)
			log.Info("bootstrap peer discovered", zap.String("instance", peer.InstanceID), zap.Bool("verified", peer.Verified))
		}

		partitionSink := gossip.NewChannelPartitionSink(8)
		partitionMonitor := gossip.NewPartitionMonitor(gossip.PartitionConfig{
			TotalPeers: len(cfg.P2P.BootstrapPeers),
			Sink:       partitionSink,
		})
		partitionMonitor.Update(gossipServer.TrustSet())
		go func() {
			for evt := range partitionSink.C {
				log.Warn("gossip partition mode transition",
					zap.Int32("mode", int32(evt.Mode)),
					zap.Int("reachable_peers", evt.ReachablePeers),
					zap.Int("total_peers", evt.TotalPeers),
					zap.Int("recalibrated_min", evt.RecalibratedMin))
			}
		}()
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					partitionMonitor.Update(gossipServer.TrustSet())
				}
			}
		}()
	} else {
		log.Info("gossip disabled (standalone mode)")
	}

	// ── Step 8: SIGHUP config re-read ─────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			if _, err := config.Load(resolvedConfigPath()); err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			log.Info("config re-read and valid; running components keep their startup values until restart")
		}
	}()

	// ── Step 9: shutdown ───────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))
	cancel()

	time.Sleep(200 * time.Millisecond) // let in-flight gRPC/socket handlers observe ctx.Done()
	log.Info("reflectd shutdown complete")
}

// echoGenerator is the default §6.4 Generator used when no external
// response-generation provider is wired up: it ignores its inputs and
// returns one fixed open question, giving the pipeline a concrete (if
// minimal) candidate to run L0/L3 over. Real
// deployments replace this with an adapter to whatever LLM backend is
// configured (spec §6.4: "the core treats returned text as a candidate").
func echoGenerator(req constitution.Request, semCtx semantic.SemanticContext) (string, error) {
	return "It sounds like there's a lot here. What feels most important to you about this right now?", nil
}

// logNotifier implements pipeline.GuardianNotifier by logging at warn
// level; a production deployment wires this to the real external
// guardian notification hook of spec §6.4.
type logNotifier struct{ log *zap.Logger }

func (n *logNotifier) Notify(userID string, level safety.Level, categories []string, resources []string) {
	n.log.Warn("guardian notification",
		zap.String("user_id", userID),
		zap.String("level", level.String()),
		zap.Strings("categories", categories),
	)
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	if format != "json" {
		cfg.Encoding = "console"
	}
	return cfg.Build()
}

// resolveGuardianKey loads or mints the instance's guardian signing
// keypair. Spec §9 Open Questions leaves ROK/guardian private-key custody
// undecided ("return once, store securely... implementations must define a
// key-custody policy"); this entrypoint's policy is environment-based: read
// REFLECTD_GUARDIAN_KEY (hex-encoded 64-byte seed+pub) from the
// environment, or mint an ephemeral key for standalone/test runs.
func resolveGuardianKey(cfg *config.Config) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if hexKey := os.Getenv("REFLECTD_GUARDIAN_KEY"); hexKey != "" {
		raw, err := codec.HexDecode(hexKey)
		if err != nil || len(raw) != ed25519.PrivateKeySize {
			return nil, nil, fmt.Errorf("REFLECTD_GUARDIAN_KEY must be a hex-encoded %d-byte Ed25519 private key", ed25519.PrivateKeySize)
		}
		priv := ed25519.PrivateKey(raw)
		return priv.Public().(ed25519.PublicKey), priv, nil
	}
	pub, priv, err := codec.GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// recognitionKeyResolver implements eventlog.KeyResolver: it resolves every
// instance to the guardian public key loaded at startup. It does not
// consult svc or any ROK.
type recognitionKeyResolver struct {
	svc         *recognition.Service
	instance    string
	guardianPub ed25519.PublicKey
}

func (r *recognitionKeyResolver) ResolveSigningKey(instanceID string) (ed25519.PublicKey, bool) {
	return r.guardianPub, true
}

// computeGenesisHash derives this instance's genesis hash from its
// instance ID, the well-known constant spec §4.15 peers compare against to
// admit each other ("a peer is admitted... iff the hash matches a trusted
// genesis value"). A real deployment instead hashes the constitution's
// canonical bytes at version 1 so genesis identifies a constitutional
// lineage rather than an instance name; that wiring is deployment-specific
// (spec §9: "genesis hash... identifying a compatible constitutional
// lineage") and left to config's trusted_genesis_hashes list.
func computeGenesisHash(instanceID string) (string, error) {
	return codec.SHA256Hex([]byte("reflectd-genesis-v1:" + instanceID)), nil
}

var eventSigner func(map[string]any) ([]byte, error)
