// Package backoff holds the retry delay policies used by the radio connection loops.
package backoff

import (
	"context"
	"time"
)

// Policy computes the wait before the next attempt after n failures.
// Delay grows as Initial*Multiplier^(n-1) + Step*(n-1) and never exceeds Max.
type Policy struct {
	Initial    time.Duration
	Multiplier float64
	Step       time.Duration
	Max        time.Duration
}

// Linear is the initial-connect policy: min(failures*2s, 30s).
func Linear() Policy {
	return Policy{Initial: 2 * time.Second, Multiplier: 1, Step: 2 * time.Second, Max: 30 * time.Second}
}

// Exponential is the reconnect policy: 5s doubling up to 300s.
func Exponential() Policy {
	return Policy{Initial: 5 * time.Second, Multiplier: 2, Max: 300 * time.Second}
}

// Delay returns the wait after the given number of failed attempts (1-based).
func (p Policy) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.Initial)
	for i := 1; i < failures; i++ {
		d = d*mult + float64(p.Step)
		if p.Max > 0 && d >= float64(p.Max) {
			return p.Max
		}
	}
	if p.Max > 0 && d > float64(p.Max) {
		return p.Max
	}

	return time.Duration(d)
}

// Sequence steps through a policy one failure at a time.
type Sequence struct {
	policy   Policy
	failures int
}

func (p Policy) Start() *Sequence {
	return &Sequence{policy: p}
}

// Next records a failure and returns the wait before the next attempt.
func (s *Sequence) Next() time.Duration {
	s.failures++
	return s.policy.Delay(s.failures)
}

func (s *Sequence) Failures() int {
	return s.failures
}

func (s *Sequence) Reset() {
	s.failures = 0
}

// Sleep waits for d or until ctx is done. It reports whether the full wait elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
