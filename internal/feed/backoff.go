package feed

import (
	"time"

	"qalgo-terminal/internal/common"
)

// Backoff is the linear, capped reconnect policy of the live feed client.
type Backoff struct {
	Step time.Duration // delay added per consecutive failure
	Max  time.Duration // ceiling for the base delay
}

// DefaultBackoff steps by 2.5s and saturates at 60s.
var DefaultBackoff = Backoff{
	Step: common.ReconnectStepMillis * time.Millisecond,
	Max:  common.ReconnectMaxMillis * time.Millisecond,
}

// Base returns min(Step*max(r,1), Max).
func (b Backoff) Base(r int) time.Duration {
	if r < 1 {
		r = 1
	}
	// Saturate before multiplying so huge retry counts cannot overflow.
	if b.Step > 0 && time.Duration(r) > b.Max/b.Step {
		return b.Max
	}
	d := b.Step * time.Duration(r)
	if d > b.Max {
		return b.Max
	}
	return d
}

// BaseDelay is DefaultBackoff.Base.
func BaseDelay(r int) time.Duration {
	return DefaultBackoff.Base(r)
}

// JitterDelay scales base into [0.5*base, base] for u in [0,1).
func JitterDelay(base time.Duration, u float64) time.Duration {
	if u < 0 {
		u = 0
	}
	if u > 1 {
		u = 1
	}
	return time.Duration(float64(base) * (0.5 + 0.5*u))
}
