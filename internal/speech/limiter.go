// Package speech is the client for the external speech service: batch and
// streaming transcription, synthesis, and the shared token-bucket rate
// limiter protecting the service from bursts.
package speech

import (
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when the local rate limiter denies a request.
// Callers must back off; nothing was consumed or sent.
var ErrRateLimited = errors.New("speech: rate limited")

// LimiterConfig bounds traffic to the speech service in three dimensions.
// Units are characters for synthesis and audio-seconds for transcription.
type LimiterConfig struct {
	RequestsPerMinute int
	RequestsPerHour   int
	UnitsPerHour      int
}

// DefaultLimiterConfig matches the service's published free-tier limits.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		RequestsPerMinute: 60,
		RequestsPerHour:   1000,
		UnitsPerHour:      36000,
	}
}

// Limiter admits requests only when all three buckets agree. Buckets refill
// proportionally to elapsed time; denial consumes nothing.
type Limiter struct {
	perMinute *rate.Limiter
	perHour   *rate.Limiter
	units     *rate.Limiter
	nowFunc   func() time.Time
	denied    atomic.Uint64
}

// NewLimiter creates a limiter with burst capacity equal to each window's
// full allowance.
func NewLimiter(cfg LimiterConfig) *Limiter {
	return &Limiter{
		perMinute: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60), cfg.RequestsPerMinute),
		perHour:   rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerHour)/3600), cfg.RequestsPerHour),
		units:     rate.NewLimiter(rate.Limit(float64(cfg.UnitsPerHour)/3600), cfg.UnitsPerHour),
		nowFunc:   time.Now,
	}
}

// Admit reserves one request and the given number of units. If any bucket
// cannot supply its tokens right now, every reservation is rolled back and
// ErrRateLimited is returned.
func (l *Limiter) Admit(units int) error {
	if units < 1 {
		units = 1
	}
	now := l.nowFunc()

	reservations := make([]*rate.Reservation, 0, 3)
	admit := func(lim *rate.Limiter, n int) bool {
		r := lim.ReserveN(now, n)
		if !r.OK() {
			return false
		}
		if r.DelayFrom(now) > 0 {
			r.CancelAt(now)
			return false
		}
		reservations = append(reservations, r)
		return true
	}

	if admit(l.perMinute, 1) && admit(l.perHour, 1) && admit(l.units, units) {
		return nil
	}

	for _, r := range reservations {
		r.CancelAt(now)
	}
	l.denied.Add(1)
	return ErrRateLimited
}

// Denied returns how many admissions the limiter has refused.
func (l *Limiter) Denied() uint64 {
	return l.denied.Load()
}
