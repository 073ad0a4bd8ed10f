// Package resilience provides circuit breaker support for remote
// operations, backed by sony/gobreaker.
package resilience

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/querymesh/querycache/pkg/observability"
)

// CircuitBreakerConfig holds configuration for circuit breakers
type CircuitBreakerConfig struct {
	Name         string        `mapstructure:"name"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

// NewCircuitBreaker creates a circuit breaker with the given name,
// applying defaults for any zero-valued settings. State changes are
// logged through the provided logger.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger observability.Logger) *gobreaker.CircuitBreaker {
	if logger == nil {
		logger = observability.NewLogger("resilience")
	}

	if config.Name == "" {
		config.Name = name
	}
	if config.MaxRequests == 0 {
		config.MaxRequests = 5
	}
	if config.Interval == 0 {
		config.Interval = 30 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.FailureRatio == 0 {
		config.FailureRatio = 0.5
	}
	if config.MinRequests == 0 {
		config.MinRequests = 5
	}

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= config.MinRequests && failureRatio >= config.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state change", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	}

	return gobreaker.NewCircuitBreaker(settings)
}
