// Package backoff implements the shared retry policy used by the polling
// loops: exponential delay growth with a hard cap and a bounded budget.
package backoff

import "time"

type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	attempt    int
}

// NewPolicy returns the default policy: 5 attempts, 1s base, 60s cap.
func NewPolicy() *Policy {
	return &Policy{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: time.Minute}
}

// NextDelay returns the delay for the current attempt and advances the
// attempt counter.
func (p *Policy) NextDelay() time.Duration {
	d := p.BaseDelay << p.attempt
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	p.attempt++
	return d
}

// ShouldRetry reports whether the retry budget still has attempts left.
func (p *Policy) ShouldRetry() bool {
	return p.attempt < p.MaxRetries
}

// Reset clears the attempt counter after a success or an exhausted budget.
func (p *Policy) Reset() {
	p.attempt = 0
}

// Attempt returns the number of delays handed out since the last reset.
func (p *Policy) Attempt() int {
	return p.attempt
}
