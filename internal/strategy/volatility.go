package strategy

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const volatilitySamples = 64

// VolatilityTracker measures recent price movement per symbol as
// (max - min) / min * 100 over a sliding time window.
// Uses a fixed ring buffer per symbol so the hot path does not allocate.
type VolatilityTracker struct {
	mu      sync.Mutex
	window  time.Duration
	symbols map[string]*priceRing
}

type priceSample struct {
	at  time.Time
	mid decimal.Decimal
}

type priceRing struct {
	samples [volatilitySamples]priceSample
	head    int // Next write position
	count   int
	last    map[string]time.Time // Latest sample time per venue
}

// NewVolatilityTracker creates a tracker over window.
func NewVolatilityTracker(window time.Duration) *VolatilityTracker {
	return &VolatilityTracker{window: window, symbols: make(map[string]*priceRing)}
}

// Observe records a mid price for symbol as seen on venue. A quote that was
// already sampled (same or older timestamp) is skipped, so repeated scans of an
// idle book do not push real movement out of the ring.
func (v *VolatilityTracker) Observe(symbol, venue string, mid decimal.Decimal, at time.Time) {
	if !mid.IsPositive() {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	r, ok := v.symbols[symbol]
	if !ok {
		r = &priceRing{last: make(map[string]time.Time)}
		v.symbols[symbol] = r
	}
	if prev, seen := r.last[venue]; seen && !at.After(prev) {
		return
	}
	r.last[venue] = at
	r.samples[r.head] = priceSample{at: at, mid: mid}
	r.head = (r.head + 1) % volatilitySamples
	if r.count < volatilitySamples {
		r.count++
	}
}

// Volatility returns the movement of symbol within the window ending at now,
// zero with fewer than two samples.
func (v *VolatilityTracker) Volatility(symbol string, now time.Time) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()

	r, ok := v.symbols[symbol]
	if !ok {
		return decimal.Zero
	}

	cutoff := now.Add(-v.window)
	var lo, hi decimal.Decimal
	n := 0
	// Walk backwards from the latest sample
	idx := r.head
	for i := 0; i < r.count; i++ {
		idx--
		if idx < 0 {
			idx = volatilitySamples - 1
		}
		s := r.samples[idx]
		if s.at.Before(cutoff) {
			continue
		}
		if n == 0 || s.mid.LessThan(lo) {
			lo = s.mid
		}
		if n == 0 || s.mid.GreaterThan(hi) {
			hi = s.mid
		}
		n++
	}
	if n < 2 || lo.IsZero() {
		return decimal.Zero
	}
	return hi.Sub(lo).Div(lo).Mul(hundred)
}
