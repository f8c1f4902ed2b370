// Package order computes fractional order keys for sibling positioning.
// It is pure and stateless; the structure store owns all persisted keys.
package order

import "math"

// Epsilon is the minimum gap between a freshly computed key and its
// neighbors. When Between produces a tighter gap the caller must rebalance
// the parent before (or after) using the key.
const Epsilon = 1e-4

// Step is the distance used when only one neighbor bounds the new key.
const Step = 1.0

// Between returns a finite key strictly between prev and next. A nil bound
// means absent: no previous sibling, or no next sibling. With both bounds
// absent the first key is 1.0. Between is deterministic: the midpoint of the
// same bounds is always the same key.
func Between(prev, next *float64) float64 {
	switch {
	case prev == nil && next == nil:
		return 1.0
	case prev == nil:
		return *next - Step
	case next == nil:
		return *prev + Step
	default:
		return *prev + (*next-*prev)/2
	}
}

// TooTight reports whether key sits closer than Epsilon to either bound, or
// escaped the bounds entirely (float underflow on pathological inputs).
// Callers react by rebalancing the parent's children.
func TooTight(prev, next *float64, key float64) bool {
	if math.IsInf(key, 0) || math.IsNaN(key) {
		return true
	}
	if prev != nil {
		if key-*prev < Epsilon {
			return true
		}
	}
	if next != nil {
		if *next-key < Epsilon {
			return true
		}
	}
	return false
}

// Sequence returns n evenly spaced integer-valued keys 1.0, 2.0, ... n.0,
// the target layout of a rebalance.
func Sequence(n int) []float64 {
	keys := make([]float64, n)
	for i := range keys {
		keys[i] = float64(i + 1)
	}
	return keys
}

// IsSequence reports whether keys already are the exact rebalance target
// layout, in which case a rebalance is a no-op and must not emit changes.
func IsSequence(keys []float64) bool {
	for i, k := range keys {
		if k != float64(i+1) {
			return false
		}
	}
	return true
}
