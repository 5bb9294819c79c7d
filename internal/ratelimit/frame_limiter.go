// Package ratelimit bounds inbound signaling frames per connection.
package ratelimit

import (
	"sync"
	"time"
)

// One frame is 1e9 nano-frames, so a rate of N frames/sec refills N
// nano-frames per elapsed nanosecond. Fixed point avoids float drift.
const nanosPerFrame = int64(time.Second)

// FrameLimiter admits at most perSecond frames per second, with a burst of
// one full second's allowance. A fresh limiter starts full.
type FrameLimiter struct {
	mu sync.Mutex

	clock     Clock
	perSecond int64

	available int64 // nano-frames
	last      time.Time
}

// NewFrameLimiter builds a limiter for perSecond frames/sec. perSecond must
// be positive; config validation enforces that before a limiter is built.
func NewFrameLimiter(clock Clock, perSecond int) *FrameLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	return &FrameLimiter{
		clock:     clock,
		perSecond: int64(perSecond),
		available: int64(perSecond) * nanosPerFrame,
		last:      clock.Now(),
	}
}

// Allow consumes one frame's worth of allowance if available.
func (l *FrameLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked(l.clock.Now())

	if l.available < nanosPerFrame {
		return false
	}
	l.available -= nanosPerFrame
	return true
}

func (l *FrameLimiter) refillLocked(now time.Time) {
	if now.Before(l.last) {
		// Time went backwards. Avoid refilling and move the reference point.
		l.last = now
		return
	}

	elapsed := now.Sub(l.last)
	if elapsed <= 0 {
		return
	}
	l.last = now

	// A second or more restores the full allowance, which also keeps the
	// multiplication below within range for any idle gap.
	full := l.perSecond * nanosPerFrame
	if elapsed >= time.Second {
		l.available = full
		return
	}

	l.available += elapsed.Nanoseconds() * l.perSecond
	if l.available > full {
		l.available = full
	}
}
