// Package retry implements ELSPETH's bounded-exponential-backoff retry loop
// for a single node, plus a circuit breaker that trips a node open after a
// sustained run of consecutive failed attempts, retryable or not. The two
// controls are orthogonal:
// backoff governs how a single row's retries are spaced, the breaker governs
// whether a node attempts more rows at all.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when a node's breaker is open and Manager.Do
// refuses to attempt the call.
var ErrCircuitOpen = errors.New("retry: circuit open")

// Config governs one node's retry behavior, per spec.md §4.9.
type Config struct {
	// MaxAttempts bounds the number of attempts (the original try plus
	// retries). A value of 1 disables retrying.
	MaxAttempts int
	// InitialDelay is the backoff before the first retry (k=0).
	InitialDelay time.Duration
	// MaxDelay caps delay*2^k.
	MaxDelay time.Duration

	// BreakerMaxRequests, BreakerInterval, BreakerTimeout, and
	// BreakerFailureThreshold configure the companion circuit breaker the
	// way gobreaker.Settings does; BreakerFailureThreshold is the consecutive
	// failure count that trips the breaker open.
	BreakerMaxRequests      uint32
	BreakerInterval         time.Duration
	BreakerTimeout          time.Duration
	BreakerFailureThreshold uint32
}

// DefaultConfig mirrors the coordinator's reconnect defaults, generalized
// from connection attempts to node-attempt retries.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:             3,
		InitialDelay:            100 * time.Millisecond,
		MaxDelay:                10 * time.Second,
		BreakerMaxRequests:      1,
		BreakerInterval:         0,
		BreakerTimeout:          30 * time.Second,
		BreakerFailureThreshold: 5,
	}
}

// Attempt is what Manager.Do invokes once per try. It returns the operation's
// result, a retryable flag for this specific failure (ignored on success),
// and an error.
type Attempt[R any] func(ctx context.Context, attemptNum int) (R, bool, error)

// Manager drives the bounded-backoff retry loop for a single node, gated by
// that node's circuit breaker. One Manager is created per node at pipeline
// build time; it is safe for concurrent use by multiple in-flight rows
// because gobreaker.CircuitBreaker itself is.
type Manager[R any] struct {
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	logger  *logrus.Entry
}

// NewManager builds a Manager for a node named name, logging state
// transitions the way coordinator.go logs reconnection attempts.
func NewManager[R any](name string, cfg Config, logger *logrus.Entry) *Manager[R] {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{"node": name, "from": from, "to": to}).Warn("circuit breaker state change")
		},
	}
	return &Manager[R]{cfg: cfg, breaker: gobreaker.NewCircuitBreaker(settings), logger: logger}
}

// Do runs attempt at most cfg.MaxAttempts times in all, retrying only
// retryable failures, with delay*2^k backoff capped at cfg.MaxDelay. Each try is routed through
// the node's circuit breaker, which can refuse the call outright
// (ErrCircuitOpen) before attempt is invoked at all.
func (m *Manager[R]) Do(ctx context.Context, attempt Attempt[R]) (R, error) {
	var zero R
	delay := m.cfg.InitialDelay

	for n := 0; n < m.cfg.MaxAttempts; n++ {
		attemptNum := n
		var retryable bool

		raw, err := m.breaker.Execute(func() (interface{}, error) {
			res, isRetryable, attemptErr := attempt(ctx, attemptNum)
			retryable = isRetryable
			return res, attemptErr
		})
		if err == nil {
			return raw.(R), nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
		}

		if !retryable || n == m.cfg.MaxAttempts-1 {
			return zero, err
		}

		m.logger.WithFields(logrus.Fields{"attempt": attemptNum, "delay": delay}).Warn("retrying after failure")
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > m.cfg.MaxDelay {
			delay = m.cfg.MaxDelay
		}
	}
	return zero, fmt.Errorf("retry: exhausted %d attempts", m.cfg.MaxAttempts)
}
