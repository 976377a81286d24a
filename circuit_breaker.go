package memcache

import (
	"time"

	"github.com/sony/gobreaker/v2"
)

// NewCircuitBreakerConfig returns a function that creates circuit breakers for servers.
// This is a helper for common use cases.
//
// The breaker guards connection establishment: dials made on demand and
// reconnects requested by lost connections both go through it, so a dead
// server is not hammered by reconnect attempts.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(string) *gobreaker.CircuitBreaker[*Connection] {
	return func(serverAddr string) *gobreaker.CircuitBreaker[*Connection] {
		settings := gobreaker.Settings{
			Name:        serverAddr,
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
		}
		return gobreaker.NewCircuitBreaker[*Connection](settings)
	}
}
