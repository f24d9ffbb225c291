package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned by a Guarded store while its circuit is open.
var ErrUnavailable = errors.New("stream: store unavailable")

// BreakerConfig tunes the circuit breaker placed in front of Append.
type BreakerConfig struct {
	// Failures is the number of consecutive append failures that opens the
	// circuit. Zero disables the breaker.
	Failures uint32
	// OpenTimeout is how long the circuit stays open before a trial append
	// is let through.
	OpenTimeout time.Duration
}

// Guarded wraps a Store so that a run of append failures fails subsequent
// appends fast with ErrUnavailable instead of queueing them on a sick disk.
// Reads, trims and metadata calls pass straight through.
type Guarded struct {
	Store
	cb *gobreaker.CircuitBreaker
}

// WithBreaker returns s guarded by a circuit breaker, or s itself when
// cfg.Failures is zero.
func WithBreaker(s Store, cfg BreakerConfig, logger *slog.Logger) Store {
	if cfg.Failures == 0 {
		return s
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        "stream-append",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Failures
		},
		IsSuccessful: func(err error) bool {
			// Caller-side errors say nothing about the health of the store.
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) ||
				errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("stream circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}
	return &Guarded{Store: s, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Append forwards to the wrapped store through the circuit breaker.
func (g *Guarded) Append(ctx context.Context, id ID, data []byte) (int64, error) {
	v, err := g.cb.Execute(func() (interface{}, error) {
		return g.Store.Append(ctx, id, data)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return 0, err
	}
	return v.(int64), nil
}

// State reports the breaker state, for health endpoints and tests.
func (g *Guarded) State() string { return g.cb.State().String() }
