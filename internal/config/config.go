// Package config provides configuration loading, validation, and hot-reload
// for the reflectd instance.
//
// Configuration file: /etc/reflectd/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Instance listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml, and log the outcome.
//   - The re-read values are not applied: every running component keeps
//     the configuration it was started with, and a changed value takes
//     effect on the next restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The instance does NOT crash on invalid hot-reload
//     config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric minimums enforced: pool size, default time quota and default
//     threshold >= 1; voting period and certificate duration >= 1m; egress
//     rate limit >= 1 when P2P is enabled.
//   - File paths are not checked for being absolute.
//   - Invalid config on startup: instance refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for reflectd (spec §6.5).
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// InstanceID uniquely identifies this reflectd instance. Used as the
	// `instance_id` field on every event, certificate, and P2P message.
	// Default: hostname.
	InstanceID string `yaml:"instance_id"`

	// Storage configures the directory roots for the event log, audit
	// trail, and structured stores (spec §6.1).
	Storage StorageConfig `yaml:"storage"`

	// Sandbox configures C10 quotas and pool size.
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Governance configures C13 default voting period and threshold.
	Governance GovernanceConfig `yaml:"governance"`

	// Recognition configures C12 certificate and ROK durations.
	Recognition RecognitionConfig `yaml:"recognition"`

	// P2P configures C15 peer discovery and gossip.
	P2P P2PConfig `yaml:"p2p"`

	// ControlSurface configures the §6.3 control socket.
	ControlSurface ControlSurfaceConfig `yaml:"control_surface"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`
}

// StorageConfig holds directory roots (spec §6.1 file/persistence layout).
type StorageConfig struct {
	// EventsDir holds events.db, the single BoltDB file backing the event
	// log (C2) for every (instance, user) stream.
	EventsDir string `yaml:"events_dir"`

	// AuditDBPath is the BoltDB file backing the audit trail (C9).
	AuditDBPath string `yaml:"audit_db_path"`

	// GovernanceDBPath is the BoltDB file backing guardians/proposals (C13);
	// certificates/ROKs (C12) live in a sibling file with the suffix
	// ".recognition".
	GovernanceDBPath string `yaml:"governance_db_path"`

	// WorkersDBPath is the BoltDB file backing worker manifests (C11);
	// update manifests (C14) live in a sibling file with the suffix
	// ".updates".
	WorkersDBPath string `yaml:"workers_db_path"`

	// SnapshotsDir is not read by reflectd: no snapshot cache is kept, and
	// snapshots are always recomputed from the event log.
	SnapshotsDir string `yaml:"snapshots_dir"`
}

// SandboxConfig holds C10 quota defaults and pool sizing.
type SandboxConfig struct {
	// PoolSize bounds concurrent worker executions (spec §5 "global
	// worker-pool size"). Default: 8.
	PoolSize int `yaml:"pool_size"`

	// AdmissionTimeout is validated and defaulted but not read by the
	// sandbox executor, which keeps no admission queue: an execution that
	// finds the pool bucket empty is refused at once. Default: 5s.
	AdmissionTimeout time.Duration `yaml:"admission_timeout"`

	// DefaultTimeMS is the default wall-clock quota per execution.
	DefaultTimeMS int `yaml:"default_time_ms"`

	// DefaultOutputBytes is the default output-size quota per execution.
	DefaultOutputBytes int `yaml:"default_output_bytes"`

	// ScratchDir is the root under which each execution gets an isolated
	// scratch subdirectory.
	ScratchDir string `yaml:"scratch_dir"`

	// AllowedPermissions is the capability whitelist a worker manifest's
	// required_permissions must be a subset of before it can transition
	// from proposed to approved (SPEC_FULL §4 "capability contract
	// validation"). Empty means no restriction.
	AllowedPermissions []string `yaml:"allowed_permissions"`
}

// GovernanceConfig holds C13 council defaults.
type GovernanceConfig struct {
	// DefaultThreshold is M in the default M-of-N vote requirement.
	DefaultThreshold int `yaml:"default_threshold"`

	// DefaultVotingPeriod bounds how long a proposal accepts votes.
	DefaultVotingPeriod time.Duration `yaml:"default_voting_period"`

	// GuardianPublicKeys is the trusted guardian bundle at startup (spec
	// §6.5); hex-encoded Ed25519 public keys. Council membership mutations
	// after startup are threshold-signature mediated, not config-mediated.
	GuardianPublicKeys []string `yaml:"guardian_public_keys"`
}

// RecognitionConfig holds C12 lifecycle defaults.
type RecognitionConfig struct {
	// DefaultCertDuration is how long a freshly issued certificate is valid.
	DefaultCertDuration time.Duration `yaml:"default_cert_duration"`

	// ROKDuration is how long a rotating operational key is valid before
	// it must be re-derived from the guardian key.
	ROKDuration time.Duration `yaml:"rok_duration"`

	// HeartbeatStaleAfter is the threshold past which a missing heartbeat
	// is surfaced as stale (spec §4.12 heartbeat policy — never grounds
	// for revocation on its own).
	HeartbeatStaleAfter time.Duration `yaml:"heartbeat_stale_after"`
}

// P2PConfig holds C15 peer discovery and gossip parameters.
type P2PConfig struct {
	// Enabled controls whether the P2P layer is active. Default: false
	// (standalone mode — single instance, no peers).
	Enabled bool `yaml:"enabled"`

	// ListenAddr is the gRPC listen address for inbound peer connections.
	ListenAddr string `yaml:"listen_addr"`

	// BootstrapPeers is the static list of bootstrap endpoints contacted
	// with a discovery message on startup (spec §4.15).
	BootstrapPeers []string `yaml:"bootstrap_peers"`

	// TrustedGenesisHashes is the allowlist of genesis hashes a peer's
	// discovery response must match to be admitted as verified.
	TrustedGenesisHashes []string `yaml:"trusted_genesis_hashes"`

	// EnvelopeTTL bounds the age of an accepted message envelope.
	EnvelopeTTL time.Duration `yaml:"envelope_ttl"`

	// EgressRateLimit bounds outbound gossip sends per peer per interval,
	// reusing the same token-bucket admission mechanism as the sandbox
	// (internal/sandbox.Bucket).
	EgressRateLimit    int           `yaml:"egress_rate_limit"`
	EgressRefillPeriod time.Duration `yaml:"egress_refill_period"`

	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	TLSCAFile   string `yaml:"tls_ca_file"`
}

// ControlSurfaceConfig holds the §6.3 control socket parameters.
type ControlSurfaceConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		InstanceID:    hostname,
		Storage: StorageConfig{
			EventsDir:        "/var/lib/reflectd/events",
			AuditDBPath:      "/var/lib/reflectd/audit.db",
			GovernanceDBPath: "/var/lib/reflectd/governance.db",
			WorkersDBPath:    "/var/lib/reflectd/workers.db",
		},
		Sandbox: SandboxConfig{
			PoolSize:           8,
			AdmissionTimeout:   5 * time.Second,
			DefaultTimeMS:      2000,
			DefaultOutputBytes: 65536,
			ScratchDir:         "/var/lib/reflectd/scratch",
		},
		Governance: GovernanceConfig{
			DefaultThreshold:    3,
			DefaultVotingPeriod: 72 * time.Hour,
		},
		Recognition: RecognitionConfig{
			DefaultCertDuration: 30 * 24 * time.Hour,
			ROKDuration:         7 * 24 * time.Hour,
			HeartbeatStaleAfter: 10 * time.Minute,
		},
		P2P: P2PConfig{
			Enabled:            false,
			ListenAddr:         "0.0.0.0:9443",
			EnvelopeTTL:        30 * time.Second,
			EgressRateLimit:    100,
			EgressRefillPeriod: 60 * time.Second,
		},
		ControlSurface: ControlSurfaceConfig{
			Enabled:    true,
			SocketPath: "/run/reflectd/control.sock",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks all config fields for correctness, returning a
// descriptive error listing every violation found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.InstanceID == "" {
		errs = append(errs, "instance_id must not be empty")
	}
	if cfg.Storage.EventsDir == "" {
		errs = append(errs, "storage.events_dir must not be empty")
	}
	if cfg.Storage.AuditDBPath == "" {
		errs = append(errs, "storage.audit_db_path must not be empty")
	}
	if cfg.Sandbox.PoolSize < 1 {
		errs = append(errs, fmt.Sprintf("sandbox.pool_size must be >= 1, got %d", cfg.Sandbox.PoolSize))
	}
	if cfg.Sandbox.DefaultTimeMS < 1 {
		errs = append(errs, "sandbox.default_time_ms must be >= 1")
	}
	if cfg.Governance.DefaultThreshold < 1 {
		errs = append(errs, fmt.Sprintf("governance.default_threshold must be >= 1, got %d", cfg.Governance.DefaultThreshold))
	}
	if cfg.Governance.DefaultVotingPeriod < time.Minute {
		errs = append(errs, "governance.default_voting_period must be >= 1m")
	}
	if cfg.Recognition.DefaultCertDuration < time.Minute {
		errs = append(errs, "recognition.default_cert_duration must be >= 1m")
	}
	if cfg.P2P.Enabled {
		if cfg.P2P.TLSCertFile == "" || cfg.P2P.TLSKeyFile == "" || cfg.P2P.TLSCAFile == "" {
			errs = append(errs, "p2p.tls_cert_file, tls_key_file, and tls_ca_file are required when p2p is enabled")
		}
		if len(cfg.P2P.TrustedGenesisHashes) == 0 {
			errs = append(errs, "p2p.trusted_genesis_hashes must be non-empty when p2p is enabled")
		}
		if cfg.P2P.EgressRateLimit < 1 {
			errs = append(errs, "p2p.egress_rate_limit must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
