// Package backoff implements bounded exponential backoff with jitter for
// the producer's RPC and broker retry loops (spec.md §4.5, §7). None of
// the example repos import a backoff library for their own retry loops
// (the teacher's runBackfill sleeps a fixed 5s); this is the same
// hand-rolled shape, generalized to grow between attempts.
package backoff

import (
	"math/rand"
	"time"
)

// Policy describes a bounded exponential backoff schedule.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

// DefaultPolicy is used by the producer for transient RPC and broker
// errors: starts at 200ms, doubles each attempt, caps at 30s.
var DefaultPolicy = Policy{
	Base:   200 * time.Millisecond,
	Max:    30 * time.Second,
	Factor: 2.0,
}

// Duration returns the delay before retry attempt n (0-indexed): the
// exponential delay is capped at Max, then +/-20% jitter is applied, so
// the result can reach 1.2*Max.
func (p Policy) Duration(attempt int) time.Duration {
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
	}
	capped := d
	if capped > float64(p.Max) {
		capped = float64(p.Max)
	}
	jitter := capped * (0.8 + 0.4*rand.Float64())
	return time.Duration(jitter)
}
