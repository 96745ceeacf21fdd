// Package observability — metrics.go
//
// Prometheus metrics for reflectd.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: reflectd_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for reflectd.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Pipeline (C8) ────────────────────────────────────────────────────────

	// RequestsProcessedTotal counts submit_reflection calls, by outcome
	// (success, blocked, crisis, internal_error).
	RequestsProcessedTotal *prometheus.CounterVec

	// StageLatencySeconds records per-stage wall-clock latency.
	// Labels: stage (safety_request, constitution_request, ...)
	StageLatencySeconds *prometheus.HistogramVec

	// ─── Safety (C4) ──────────────────────────────────────────────────────────

	// SafetySignalsTotal counts signals emitted, by level and category.
	SafetySignalsTotal *prometheus.CounterVec

	// ─── Constitution (C5) ────────────────────────────────────────────────────

	// ViolationsTotal counts violations raised, by axiom_id.
	ViolationsTotal *prometheus.CounterVec

	// ─── Event log / audit (C2, C9) ───────────────────────────────────────────

	// EventsAppendedTotal counts events appended to the per-user log.
	EventsAppendedTotal prometheus.Counter

	// ChainVerifyFailuresTotal counts VerifyChain calls that found a bad
	// event.
	ChainVerifyFailuresTotal prometheus.Counter

	// ─── Sandbox (C10) ────────────────────────────────────────────────────────

	// SandboxExecutionsTotal counts Execute calls, by outcome (success,
	// timeout, oom, signal, exit_nonzero, output_too_large).
	SandboxExecutionsTotal *prometheus.CounterVec

	// SandboxAdmissionQueueDepth is the current depth of queued admissions.
	SandboxAdmissionQueueDepth prometheus.Gauge

	// ─── Governance (C13) ─────────────────────────────────────────────────────

	// ProposalsByStatus is the current count of proposals, by status.
	ProposalsByStatus *prometheus.GaugeVec

	// ─── Recognition (C12) ────────────────────────────────────────────────────

	// CertificatesByStatus is the current count of certificates, by status.
	CertificatesByStatus *prometheus.GaugeVec

	// ─── P2P (C15) ────────────────────────────────────────────────────────────

	// GossipMessagesReceivedTotal counts received gossip messages, by
	// acceptance ("true"/"false").
	GossipMessagesReceivedTotal *prometheus.CounterVec

	// GossipMessagesSentTotal counts messages sent to peers.
	GossipMessagesSentTotal prometheus.Counter

	// VerifiedPeers is the current number of peers admitted to the
	// verified set.
	VerifiedPeers prometheus.Gauge

	// ─── Instance ─────────────────────────────────────────────────────────────

	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all reflectd Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reflectd", Subsystem: "pipeline", Name: "requests_processed_total",
			Help: "Total submit_reflection calls, by outcome.",
		}, []string{"outcome"}),

		StageLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reflectd", Subsystem: "pipeline", Name: "stage_latency_seconds",
			Help: "Per-stage latency of the pipeline orchestrator.", Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),

		SafetySignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reflectd", Subsystem: "safety", Name: "signals_total",
			Help: "Total L1 safety signals, by level and category.",
		}, []string{"level", "category"}),

		ViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reflectd", Subsystem: "constitution", Name: "violations_total",
			Help: "Total L0 violations raised, by axiom_id.",
		}, []string{"axiom_id"}),

		EventsAppendedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reflectd", Subsystem: "eventlog", Name: "appended_total",
			Help: "Total events appended to per-user logs.",
		}),

		ChainVerifyFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reflectd", Subsystem: "eventlog", Name: "verify_failures_total",
			Help: "Total VerifyChain calls that found a tampered or broken chain.",
		}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reflectd", Subsystem: "sandbox", Name: "executions_total",
			Help: "Total sandbox executions, by outcome.",
		}, []string{"outcome"}),

		SandboxAdmissionQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reflectd", Subsystem: "sandbox", Name: "admission_queue_depth",
			Help: "Current depth of queued sandbox admissions.",
		}),

		ProposalsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "reflectd", Subsystem: "governance", Name: "proposals",
			Help: "Current count of proposals, by status.",
		}, []string{"status"}),

		CertificatesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "reflectd", Subsystem: "recognition", Name: "certificates",
			Help: "Current count of certificates, by status.",
		}, []string{"status"}),

		GossipMessagesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reflectd", Subsystem: "p2p", Name: "messages_received_total",
			Help: "Total P2P messages received, by acceptance.",
		}, []string{"accepted"}),

		GossipMessagesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reflectd", Subsystem: "p2p", Name: "messages_sent_total",
			Help: "Total P2P messages sent to peers.",
		}),

		VerifiedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reflectd", Subsystem: "p2p", Name: "verified_peers",
			Help: "Current number of peers admitted to the verified set.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reflectd", Subsystem: "instance", Name: "uptime_seconds",
			Help: "Seconds since the instance started.",
		}),
	}

	reg.MustRegister(
		m.RequestsProcessedTotal,
		m.StageLatencySeconds,
		m.SafetySignalsTotal,
		m.ViolationsTotal,
		m.EventsAppendedTotal,
		m.ChainVerifyFailuresTotal,
		m.SandboxExecutionsTotal,
		m.SandboxAdmissionQueueDepth,
		m.ProposalsByStatus,
		m.CertificatesByStatus,
		m.GossipMessagesReceivedTotal,
		m.GossipMessagesSentTotal,
		m.VerifiedPeers,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// ObserveGossipReceived records an inbound gossip message, by acceptance.
// Satisfies gossip.MetricsSink.
func (m *Metrics) ObserveGossipReceived(accepted bool) {
	label := "false"
	if accepted {
		label = "true"
	}
	m.GossipMessagesReceivedTotal.WithLabelValues(label).Inc()
}

// ObserveGossipSent records an outbound gossip message. Satisfies
// gossip.MetricsSink.
func (m *Metrics) ObserveGossipSent() {
	m.GossipMessagesSentTotal.Inc()
}

// SetVerifiedPeers updates the current verified-peer gauge. Satisfies
// gossip.MetricsSink.
func (m *Metrics) SetVerifiedPeers(n int) {
	m.VerifiedPeers.Set(float64(n))
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
