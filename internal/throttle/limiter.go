// Package throttle spaces outbound marketplace calls. One Limiter is shared by
// every caller in the process; the upstream budget is per account.
package throttle

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRPM applies when the configured rate is missing or not positive.
	DefaultRPM = 40
	// MaxRPM caps the configured rate regardless of configuration.
	MaxRPM = 40
)

// EffectiveRPM normalises a configured requests-per-minute value.
func EffectiveRPM(configured int) int {
	if configured <= 0 {
		return DefaultRPM
	}
	if configured > MaxRPM {
		return MaxRPM
	}
	return configured
}

// Limiter grants acquisitions no closer together than its interval.
type Limiter struct {
	interval time.Duration
	lim      *rate.Limiter
	onWait   func(time.Duration)
}

// New returns a Limiter for the given requests-per-minute budget.
func New(rpm int) *Limiter {
	return Every(time.Minute / time.Duration(EffectiveRPM(rpm)))
}

// Every returns a Limiter with an explicit spacing between acquisitions.
func Every(interval time.Duration) *Limiter {
	return &Limiter{
		interval: interval,
		lim:      rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Interval reports the minimum spacing between acquisitions.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// OnWait registers an observer for the time each acquisition spent waiting.
func (l *Limiter) OnWait(fn func(time.Duration)) {
	l.onWait = fn
}

// Wait blocks until the caller may issue one outbound call. The slot is reserved
// before sleeping and is not returned on cancellation, so the next allowed
// instant only moves forward.
func (l *Limiter) Wait(ctx context.Context) error {
	r := l.lim.Reserve()
	delay := r.Delay()
	if l.onWait != nil {
		l.onWait(delay)
	}
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Acquire is Wait for callers without a context.
func (l *Limiter) Acquire() {
	_ = l.Wait(context.Background())
}
