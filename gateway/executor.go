package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// ExecutorConfig tunes retries and the circuit breaker around gateway calls.
type ExecutorConfig struct {
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay" yaml:"max_delay"`

	// DisableCircuitBreaker turns the breaker off, mainly for tests.
	DisableCircuitBreaker bool `json:"disable_circuit_breaker" yaml:"disable_circuit_breaker"`
}

// DefaultExecutorConfig returns the retry settings used by New.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxRetries: 2,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   2 * time.Second,
	}
}

func normalizeExecutorConfig(cfg ExecutorConfig) ExecutorConfig {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return cfg
}

// retryable reports whether an attempt should be repeated. Only transport
// failures qualify: status codes drive the create/update fallback and must
// reach the caller untouched.
func retryable(_ *http.Response, err error) bool {
	return err != nil
}

// NewExecutor builds a failsafe executor with a transport-error retry policy
// and, unless disabled, a circuit breaker that trips on transport errors and
// 5xx responses.
//
//nolint:bodyclose // *http.Response is a type parameter here, not a live response
func NewExecutor(cfg ExecutorConfig) failsafe.Executor[*http.Response] {
	cfg = normalizeExecutorConfig(cfg)

	retry := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(retryable).
		Build()

	if cfg.DisableCircuitBreaker {
		return failsafe.With(retry)
	}

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		WithFailureThresholdRatio(5, 10).
		WithDelay(15 * time.Second).
		WithSuccessThreshold(1).
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp != nil && resp.StatusCode >= http.StatusInternalServerError
		}).
		Build()

	return failsafe.With(retry, breaker)
}

func execute(ctx context.Context, executor failsafe.Executor[*http.Response], fn func() (*http.Response, error)) (*http.Response, error) {
	return executor.WithContext(ctx).Get(fn)
}
