package core

import (
	"math"
	"sync/atomic"
)

// AtomicFloat64 is a float64 accumulator that supports lock-free concurrent
// updates via compare-and-swap over the value's bit pattern. Many writers may
// add into the same accumulator without blocking.
type AtomicFloat64 struct {
	bits atomic.Uint64
}

// Load returns the current value
func (a *AtomicFloat64) Load() float64 {
	return math.Float64frombits(a.bits.Load())
}

// Store replaces the current value
func (a *AtomicFloat64) Store(v float64) {
	a.bits.Store(math.Float64bits(v))
}

// Add atomically adds delta to the current value using a compare-and-retry loop
func (a *AtomicFloat64) Add(delta float64) {
	for {
		old := a.bits.Load()
		new := math.Float64bits(math.Float64frombits(old) + delta)
		if a.bits.CompareAndSwap(old, new) {
			return
		}
	}
}

// StoreMax atomically raises the current value to v if v is larger
func (a *AtomicFloat64) StoreMax(v float64) {
	for {
		old := a.bits.Load()
		if v <= math.Float64frombits(old) {
			return
		}
		if a.bits.CompareAndSwap(old, math.Float64bits(v)) {
			return
		}
	}
}

// StoreMin atomically lowers the current value to v if v is smaller
func (a *AtomicFloat64) StoreMin(v float64) {
	for {
		old := a.bits.Load()
		if v >= math.Float64frombits(old) {
			return
		}
		if a.bits.CompareAndSwap(old, math.Float64bits(v)) {
			return
		}
	}
}
