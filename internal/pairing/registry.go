// Package pairing issues and verifies the short-lived numeric codes two
// peers use to find each other's room.
package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/secure-chat/pairing-relay/internal/metrics"
)

const (
	codeMin = 10000
	codeMax = 99999

	// maxIssueAttempts bounds the collision retry loop. With 90k live codes
	// this is effectively unreachable before the space is exhausted.
	maxIssueAttempts = 100
)

var (
	ErrNotFound = errors.New("pairing code not found")
	ErrExpired  = errors.New("pairing code expired")

	// ErrSpaceExhausted is returned when issuance cannot find a free code.
	ErrSpaceExhausted = errors.New("pairing code space exhausted")
)

// Code is one issued pairing record. Records are never mutated after
// issuance.
type Code struct {
	Code      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Registry owns the live pairing codes.
//
// Expiry is lazy by contract: Verify computes validity from ExpiresAt and
// never deletes, so a code that has expired but is still resident reports
// ErrExpired rather than ErrNotFound. Issue reuses expired slots, which
// bounds the map at the size of the code space.
type Registry struct {
	ttl     time.Duration
	now     func() time.Time
	draw    func() (string, error)
	metrics *metrics.Metrics

	mu    sync.Mutex
	codes map[string]Code
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithCodeSource replaces the random code generator, for tests.
func WithCodeSource(draw func() (string, error)) Option {
	return func(r *Registry) { r.draw = draw }
}

// WithMetrics attaches a counter registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates a Registry whose codes are valid for ttl after
// issuance.
func NewRegistry(ttl time.Duration, opts ...Option) *Registry {
	r := &Registry{
		ttl:   ttl,
		now:   time.Now,
		draw:  drawCode,
		codes: make(map[string]Code),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Issue generates a fresh pairing code valid for the registry's TTL.
//
// The code is drawn uniformly from the 5-digit space. A draw that collides
// with a still-live code is retried rather than silently granting two
// parties the same code; expired entries are overwritten.
func (r *Registry) Issue() (Code, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		value, err := r.draw()
		if err != nil {
			return Code{}, fmt.Errorf("draw pairing code: %w", err)
		}

		if existing, ok := r.codes[value]; ok && now.Before(existing.ExpiresAt) {
			r.metrics.Inc(metrics.PairingIssueCollision)
			continue
		}

		code := Code{
			Code:      value,
			IssuedAt:  now,
			ExpiresAt: now.Add(r.ttl),
		}
		r.codes[value] = code
		r.metrics.Inc(metrics.PairingIssued)
		return code, nil
	}

	return Code{}, ErrSpaceExhausted
}

// Verify looks up code and reports its expiry.
//
// It returns ErrNotFound for codes never issued and ErrExpired once
// now >= ExpiresAt. Verification is not single-use: the code is a room
// identifier, not a one-time token, so repeated calls before expiry all
// succeed. Verify has no side effects on the registry.
func (r *Registry) Verify(code string) (time.Time, error) {
	r.mu.Lock()
	rec, ok := r.codes[code]
	r.mu.Unlock()

	if !ok {
		r.metrics.Inc(metrics.VerifyNotFound)
		return time.Time{}, ErrNotFound
	}
	if !r.now().Before(rec.ExpiresAt) {
		r.metrics.Inc(metrics.VerifyExpired)
		return time.Time{}, ErrExpired
	}
	r.metrics.Inc(metrics.VerifyOK)
	return rec.ExpiresAt, nil
}

// drawCode returns a uniformly random 5-digit code using crypto/rand.
func drawCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeMax-codeMin+1))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(codeMin+n.Int64(), 10), nil
}
