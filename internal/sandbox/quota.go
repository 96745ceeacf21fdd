// Quota admission control, adapted from the teacher's
// internal/budget/token_bucket.go. The refill-to-full-capacity and
// atomic-consume mechanics are kept verbatim; the cost model is
// repurposed from escalation-state transition costs to sandbox execution
// classes (spec §4.10's "concurrent executions are capped by a global
// worker-pool size; admissions beyond the cap queue").
package sandbox

import (
	"sync"
	"sync/atomic"
	"time"
)

// ExecClass buckets worker executions by resource weight, the way the
// teacher's escalation.State bucketed containment actions by severity.
type ExecClass string

const (
	ClassLight  ExecClass = "light"  // short, low-memory workers
	ClassNormal ExecClass = "normal"
	ClassHeavy  ExecClass = "heavy" // long wall-clock or large output budgets
)

// CostModel assigns a token cost per execution class.
var CostModel = map[ExecClass]int{
	ClassLight:  1,
	ClassNormal: 5,
	ClassHeavy:  20,
}

// Bucket is a thread-safe token bucket gating sandbox admission.
type Bucket struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration

	consumedTotal atomic.Uint64
	refillCount   atomic.Uint64

	stop chan struct{}
}

// NewBucket creates a Bucket with the given capacity and starts the
// refill goroutine. Call Close to stop it.
func NewBucket(capacity int, refillPeriod time.Duration) *Bucket {
	if capacity <= 0 {
		panic("sandbox.Bucket: capacity must be > 0")
	}
	if refillPeriod <= 0 {
		panic("sandbox.Bucket: refillPeriod must be > 0")
	}
	b := &Bucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		stop:         make(chan struct{}),
	}
	go b.refillLoop()
	return b
}

func (b *Bucket) refillLoop() {
	ticker := time.NewTicker(b.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.tokens = b.capacity
			b.mu.Unlock()
			b.refillCount.Add(1)
		case <-b.stop:
			return
		}
	}
}

// Consume attempts to withdraw cost tokens. Returns false if insufficient
// tokens remain. Nothing is queued: Executor.Execute refuses such an
// admission at once with ErrQuotaExceeded.
func (b *Bucket) Consume(cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens >= cost {
		b.tokens -= cost
		b.consumedTotal.Add(uint64(cost))
		return true
	}
	return false
}

// ConsumeForClass consumes the standard cost for class.
func (b *Bucket) ConsumeForClass(class ExecClass) bool {
	cost, ok := CostModel[class]
	if !ok {
		cost = CostModel[ClassNormal]
	}
	return b.Consume(cost)
}

func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

func (b *Bucket) Capacity() int { return b.capacity }

func (b *Bucket) ConsumedTotal() uint64 { return b.consumedTotal.Load() }

func (b *Bucket) RefillCount() uint64 { return b.refillCount.Load() }

// Close stops the refill goroutine. Safe to call once.
func (b *Bucket) Close() { close(b.stop) }
