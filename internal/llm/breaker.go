package llm

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"resource-pipeline/internal/errs"
	"resource-pipeline/internal/logging"
	"resource-pipeline/internal/telemetry"
)

// tripAfter consecutive upstream failures opens the breaker.
const tripAfter = 5

// Breaker guards a Completer with a circuit breaker. Caller errors do not count as failures.
type Breaker struct {
	next Completer
	cb   *gobreaker.CircuitBreaker[Completion]
	name string
}

func NewBreaker(next Completer, name string) *Breaker {
	return newBreaker(next, name, 2*time.Minute)
}

func newBreaker(next Completer, name string, timeout time.Duration) *Breaker {
	cbName := "llm-" + name
	telemetry.CircuitBreakerState.WithLabelValues(cbName).Set(0)

	cb := gobreaker.NewCircuitBreaker[Completion](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			trip := counts.ConsecutiveFailures >= tripAfter
			if trip {
				logging.Warn().Str("breaker", cbName).Uint32("consecutive_failures", counts.ConsecutiveFailures).Msg("opening completion circuit")
			}
			return trip
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errs.KindOf(err) == errs.KindCaller || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state transition")
			telemetry.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			telemetry.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})
	return &Breaker{next: next, cb: cb, name: cbName}
}

func (b *Breaker) Model() string { return b.next.Model() }

// State reports the breaker state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

func (b *Breaker) Complete(ctx context.Context, req Request) (Completion, error) {
	out, err := b.cb.Execute(func() (Completion, error) {
		return b.next.Complete(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Completion{}, errs.Transient(err, "completion circuit open")
	}
	return out, err
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
