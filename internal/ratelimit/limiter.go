// Package ratelimit keeps one token bucket per profile.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter manages rate limits for multiple profiles
type Limiter struct {
	limiters        map[string]*rate.Limiter
	mu              sync.Mutex
	rate            rate.Limit
	burst           int
	requestsPerHour int
}

// NewLimiter creates a limiter allowing requestsPerHour per profile,
// with bursts of up to burst requests.
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	return &Limiter{
		limiters:        make(map[string]*rate.Limiter),
		rate:            rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:           burst,
		requestsPerHour: requestsPerHour,
	}
}

// GetLimiter returns the bucket of a profile, creating it on first use
func (l *Limiter) GetLimiter(profileID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[profileID]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[profileID] = limiter
	}
	return limiter
}

// Allow reports whether one more request of the profile may proceed now
func (l *Limiter) Allow(profileID string) bool {
	return l.GetLimiter(profileID).Allow()
}

// Tokens returns the tokens currently left for a profile
func (l *Limiter) Tokens(profileID string) float64 {
	return l.GetLimiter(profileID).Tokens()
}

// RequestsPerHour is the configured sustained rate
func (l *Limiter) RequestsPerHour() int {
	return l.requestsPerHour
}

// Forget drops the bucket of a deleted profile
func (l *Limiter) Forget(profileID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, profileID)
}
