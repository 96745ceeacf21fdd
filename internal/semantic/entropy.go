package semantic

import "math"

// ShannonEntropy computes H = -sum(p(i) * log2(p(i))) over a distribution of
// non-negative counts. Adapted from the teacher's
// internal/anomaly/entropy.go, which computed entropy over kernel-event-type
// counts for exfiltration detection; here the same formula scores how
// concentrated a user's emotional vocabulary is across history, feeding
// SemanticContext.EmotionalBaseline (a uniform emotional mix gives high
// entropy; a single dominant emotion gives low entropy).
//
// Returns 0.0 for an empty or degenerate (single-category) distribution.
func ShannonEntropy(counts map[string]int) float64 {
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return 0.0
	}
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}

// MahalanobisDistance computes a diagonal-covariance Mahalanobis distance
// sum((x[i]-mean[i])^2 / variance[i]), falling back to plain squared
// Euclidean distance for any dimension whose variance is ~0 (an
// under-observed feature, or a baseline built from a single sample).
// Adapted from the teacher's internal/anomaly/mahalanobis.go, which used a
// full n×n covariance matrix (Cholesky-inverted) over kernel-event feature
// vectors; reflections don't carry a comparable joint feature space, so
// this keeps the formula's shape — deviation from baseline, scaled by
// spread — while dropping the cross-feature covariance terms (see
// DESIGN.md for why the full matrix form doesn't fit here).
//
// Used to score how far a tension's current evidence (e.g. two opposing
// emotion-pattern confidences) sits from the expected independence
// baseline, rather than the flat average spec.md's formula alone would
// give.
func MahalanobisDistance(x, mean, variance []float64) float64 {
	n := len(x)
	if len(mean) != n || len(variance) != n {
		return 0.0
	}
	var sum float64
	for i := 0; i < n; i++ {
		diff := x[i] - mean[i]
		v := variance[i]
		if v < 1e-9 {
			sum += diff * diff
			continue
		}
		sum += (diff * diff) / v
	}
	return sum
}
