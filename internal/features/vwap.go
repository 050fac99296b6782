// Package features holds rolling calculations over the live tick stream.
package features

import (
	"container/ring"
	"math"
	"sync"
	"time"
)

type sample struct {
	p, v float64
	t    time.Time
}

// VWAP is a volume-weighted average price over a time window, backed by a
// fixed-size ring of the most recent samples.
type VWAP struct {
	win  time.Duration
	ring *ring.Ring
	last time.Time
	mu   sync.RWMutex
}

func NewVWAP(win time.Duration, size int) *VWAP {
	if size <= 0 {
		size = 1
	}
	return &VWAP{win: win, ring: ring.New(size)}
}

// Add records a trade at time at. Non-positive volumes count as 1, since
// producers do not always report size.
func (v *VWAP) Add(price, volume float64, at time.Time) {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return
	}
	if volume <= 0 || math.IsNaN(volume) || math.IsInf(volume, 0) {
		volume = 1
	}
	v.mu.Lock()
	v.ring.Value = sample{price, volume, at}
	v.ring = v.ring.Next()
	if at.After(v.last) {
		v.last = at
	}
	v.mu.Unlock()
}

// Calc returns the VWAP of samples within the window ending at the newest
// sample, or 0 when there are none.
func (v *VWAP) Calc() float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var pv, vv float64
	cutoff := v.last.Add(-v.win)

	v.ring.Do(func(x any) {
		if s, ok := x.(sample); ok && !s.t.Before(cutoff) {
			pv += s.p * s.v
			vv += s.v
		}
	})

	if vv == 0 {
		return 0
	}
	return pv / vv
}
