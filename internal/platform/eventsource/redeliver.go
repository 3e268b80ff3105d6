// Package eventsource presents journaled patient events to a handler at least
// once. Events of one identity are presented in sequence order, and a failed
// event is presented again, after a growing delay, until the handler accepts it.
package eventsource

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/rxsync/rxsync/internal/domain/patient"
)

// Handler consumes one envelope. A nil error acknowledges it.
type Handler func(ctx context.Context, env patient.Envelope) error

type RedeliveryConfig struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

func (c RedeliveryConfig) withDefaults() RedeliveryConfig {
	if c.MinDelay <= 0 {
		c.MinDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	return c
}

func (c RedeliveryConfig) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.MinDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// redeliver presents env to h until h succeeds or ctx ends. It returns the
// number of attempts and ctx.Err() when it gave up.
func redeliver(ctx context.Context, env patient.Envelope, h Handler, cfg RedeliveryConfig, logger zerolog.Logger) (int, error) {
	var b *backoff.ExponentialBackOff
	for attempt := 1; ; attempt++ {
		err := h(ctx, env)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if b == nil {
			b = cfg.newBackOff()
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			delay = cfg.MaxDelay
		}
		logger.Warn().
			Err(err).
			Str("id", env.ID.String()).
			Int64("seq", env.Seq).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("handler failed, redelivering")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, ctx.Err()
		case <-t.C:
		}
	}
}
