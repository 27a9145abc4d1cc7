package netutil

import (
	"github.com/sony/gobreaker"
)

// Breaker trip thresholds: the breaker opens once more than
// MaxFailingRequests requests were made in the current window and at
// least FailingRatio of them failed.
const (
	MaxFailingRequests = 10
	FailingRatio       = 0.6
)

// NewCircuitBreaker returns a breaker named name with the ratio based trip
// policy above.
func NewCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	return NewCircuitBreakerWith(name, MaxFailingRequests, FailingRatio)
}

// NewCircuitBreakerWith returns a breaker with explicit thresholds.
func NewCircuitBreakerWith(name string, maxRequests int, ratio float64) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 {
				return false
			}
			failing := float64(counts.TotalFailures) / float64(counts.Requests)
			return int(counts.Requests) > maxRequests && failing >= ratio
		},
	})
}
