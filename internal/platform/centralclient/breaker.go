package centralclient

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/rxsync/rxsync/internal/domain/patient"
)

// ErrUnavailable is returned while the breaker is open and calls are short-circuited.
var ErrUnavailable = errors.New("central unavailable")

type BreakerConfig struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// Breaker fails fast while central keeps failing. It counts transport errors
// and 5xx responses; 4xx responses are answers, not failures. It never retries.
type Breaker struct {
	next Gateway
	cb   *gobreaker.CircuitBreaker[*Result]
}

// serverError carries a 5xx result through the breaker so it counts as a failure.
type serverError struct {
	res *Result
}

func (e *serverError) Error() string { return "central server error" }

func NewBreaker(next Gateway, cfg BreakerConfig, logger zerolog.Logger) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	log := logger.With().Str("component", "breaker").Logger()
	cb := gobreaker.NewCircuitBreaker[*Result](gobreaker.Settings{
		Name:        "central",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) Create(ctx context.Context, rec patient.Record) (*Result, error) {
	return b.call(func() (*Result, error) { return b.next.Create(ctx, rec) })
}

func (b *Breaker) Update(ctx context.Context, rec patient.Record) (*Result, error) {
	return b.call(func() (*Result, error) { return b.next.Update(ctx, rec) })
}

func (b *Breaker) Get(ctx context.Context, id patient.ID) (*Result, error) {
	return b.call(func() (*Result, error) { return b.next.Get(ctx, id) })
}

func (b *Breaker) Delete(ctx context.Context, id patient.ID) (*Result, error) {
	return b.call(func() (*Result, error) { return b.next.Delete(ctx, id) })
}

// State reports the breaker state: "closed", "half-open" or "open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func (b *Breaker) call(fn func() (*Result, error)) (*Result, error) {
	res, err := b.cb.Execute(func() (*Result, error) {
		res, err := fn()
		if err != nil {
			return nil, err
		}
		if res.StatusCode >= 500 {
			return nil, &serverError{res: res}
		}
		return res, nil
	})
	var se *serverError
	switch {
	case errors.As(err, &se):
		return se.res, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, ErrUnavailable
	}
	return res, err
}
