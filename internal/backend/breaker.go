package backend

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/klingon-exchange/klingon-wallet/pkg/logging"
)

// newBreaker trips once more than ten requests in the current interval saw
// a failure ratio of 60% or more.
func newBreaker(name string, log *logging.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests > 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			switch {
			case to == gobreaker.StateOpen:
				log.Warn("Endpoint seems down, stop allowing requests", "name", name)
			case from == gobreaker.StateOpen && to == gobreaker.StateHalfOpen:
				log.Info("Checking endpoint status", "name", name)
			case from == gobreaker.StateHalfOpen && to == gobreaker.StateClosed:
				log.Info("Endpoint seems ok, restart allowing requests", "name", name)
			}
		},
	})
}

// NewBreaker returns a breaker with the indexer settings for other HTTP
// clients in the module.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return newBreaker(name, logging.GetDefault().Component("breaker"))
}
