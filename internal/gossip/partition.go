package gossip

import (
	"math"
	"sync"
	"time"
)

// PartitionMode describes whether this instance currently sees enough of
// the verified-peer set to trust gossip-derived signals at full strength
// (SPEC_FULL §4 "Partition-aware quorum fallback", grounded in the
// teacher's internal/gossip/quorum.go — there the same recalibration
// protects an anomaly-detection quorum; here it protects trust-set
// confidence against gossip-derived peer reputation updates).
type PartitionMode int32

const (
	// PartitionModeNormal — the configured quorum fraction is in effect.
	PartitionModeNormal PartitionMode = 0
	// PartitionModeIsolated — reachability dropped below threshold; the
	// instance recalibrates to local-only evidence.
	PartitionModeIsolated PartitionMode = 1
)

// PartitionEvent is emitted on every mode transition (spec §4.15's
// "instance recalibrates to local-only evidence and emits a
// PartitionEvent").
type PartitionEvent struct {
	Mode             PartitionMode
	ReachablePeers   int
	TotalPeers       int
	RecalibratedMin  int
	Timestamp        time.Time
}

// PartitionSink receives PartitionEvents. Implementations must be
// non-blocking.
type PartitionSink interface {
	Emit(PartitionEvent)
}

// ChannelPartitionSink is a non-blocking PartitionSink backed by a
// channel; events are dropped (and Dropped incremented) if the channel is
// full, matching the teacher's observation-quorum sink.
type ChannelPartitionSink struct {
	mu      sync.Mutex
	C       chan PartitionEvent
	Dropped uint64
}

func NewChannelPartitionSink(buffer int) *ChannelPartitionSink {
	return &ChannelPartitionSink{C: make(chan PartitionEvent, buffer)}
}

func (s *ChannelPartitionSink) Emit(evt PartitionEvent) {
	select {
	case s.C <- evt:
	default:
		s.mu.Lock()
		s.Dropped++
		s.mu.Unlock()
	}
}

// PartitionConfig configures PartitionMonitor.
type PartitionConfig struct {
	// TotalPeers is the total number of configured peers (bootstrap set
	// size), excluding self.
	TotalPeers int

	// Threshold is the fraction of peers below which partition mode
	// activates. Default 0.5.
	Threshold float64

	// RecalibrationFraction is applied to reachable peers to compute the
	// recalibrated minimum-confidence denominator while isolated. Default
	// 0.5.
	RecalibrationFraction float64

	Sink PartitionSink
}

// PartitionMonitor tracks verified-peer reachability and flips between
// PartitionModeNormal and PartitionModeIsolated, emitting a PartitionEvent
// on every transition. Safe for concurrent use.
type PartitionMonitor struct {
	mu             sync.RWMutex
	cfg            PartitionConfig
	mode           PartitionMode
	reachable      int
	recalibratedMin int
}

func NewPartitionMonitor(cfg PartitionConfig) *PartitionMonitor {
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = 0.5
	}
	if cfg.RecalibrationFraction <= 0 || cfg.RecalibrationFraction > 1 {
		cfg.RecalibrationFraction = 0.5
	}
	return &PartitionMonitor{cfg: cfg, recalibratedMin: 1}
}

// Update recomputes partition state from the current verified-peer count
// of a TrustSet (spec §4.15: called after every discovery cycle / gossip
// round). Returns the resulting mode.
func (p *PartitionMonitor) Update(trust *TrustSet) PartitionMode {
	return p.UpdateReachable(len(trust.VerifiedPeers()))
}

// UpdateReachable is the lower-level entry point so callers that track
// reachability outside a TrustSet (e.g. a raw dial-success count) can
// still drive the monitor.
func (p *PartitionMonitor) UpdateReachable(reachablePeers int) PartitionMode {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.reachable = reachablePeers
	total := p.cfg.TotalPeers

	var newMode PartitionMode
	var newMin int
	switch {
	case total == 0:
		newMode, newMin = PartitionModeNormal, 1
	default:
		frac := float64(reachablePeers) / float64(total)
		if frac < p.cfg.Threshold {
			recalibrated := int(math.Floor(float64(reachablePeers) * p.cfg.RecalibrationFraction))
			if recalibrated < 1 {
				recalibrated = 1
			}
			newMode, newMin = PartitionModeIsolated, recalibrated
		} else {
			newMode, newMin = PartitionModeNormal, p.cfg.TotalPeers
		}
	}

	p.recalibratedMin = newMin
	if newMode != p.mode {
		p.mode = newMode
		if p.cfg.Sink != nil {
			p.cfg.Sink.Emit(PartitionEvent{
				Mode:            newMode,
				ReachablePeers:  reachablePeers,
				TotalPeers:      total,
				RecalibratedMin: newMin,
				Timestamp:       time.Now(),
			})
		}
	}
	return p.mode
}

// State returns the current mode and recalibrated minimum, for callers
// (e.g. trust-score aggregation) that need to condition behavior on
// partition state without re-deriving it.
func (p *PartitionMonitor) State() (mode PartitionMode, recalibratedMin, reachable int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mode, p.recalibratedMin, p.reachable
}
