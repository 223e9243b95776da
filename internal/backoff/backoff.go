package backoff

import (
	"math/rand"
	"time"
)

// Policy computes retry delays: Base doubled on each attempt, capped at Max,
// then spread by ±Jitter (a fraction, 0.2 = ±20%).
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// rnd returns a float in [0,1). Nil uses math/rand.
	rnd func() float64
}

// New returns a policy. Base must be > 0; a Max below Base is raised to Base.
func New(base, max time.Duration, jitter float64) Policy {
	if max < base {
		max = base
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	return Policy{Base: base, Max: max, Jitter: jitter}
}

// WithRand returns a copy using fn as the random source.
func (p Policy) WithRand(fn func() float64) Policy {
	p.rnd = fn
	return p
}

// Delay returns the wait before retry number attempt (1-based).
// Attempt 1 waits Base, attempt 2 waits 2*Base and so on, up to Max.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max || d <= 0 {
			d = p.Max
			break
		}
	}
	if d > p.Max {
		d = p.Max
	}
	return p.spread(d)
}

func (p Policy) spread(d time.Duration) time.Duration {
	if p.Jitter == 0 || d <= 0 {
		return d
	}
	r := rand.Float64
	if p.rnd != nil {
		r = p.rnd
	}
	// factor in [1-jitter, 1+jitter)
	factor := 1 - p.Jitter + 2*p.Jitter*r()
	return time.Duration(float64(d) * factor)
}

// Sequence iterates delays for a retry loop that does not track attempts.
type Sequence struct {
	policy  Policy
	attempt int
}

// Sequence starts a new delay sequence.
func (p Policy) Sequence() *Sequence {
	return &Sequence{policy: p}
}

// Next returns the next delay.
func (s *Sequence) Next() time.Duration {
	s.attempt++
	return s.policy.Delay(s.attempt)
}

// Attempt returns how many delays have been handed out.
func (s *Sequence) Attempt() int { return s.attempt }
