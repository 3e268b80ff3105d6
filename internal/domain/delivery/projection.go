package delivery

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Projection counts required and delivered updates from ledger transitions.
// Both counters only grow, so Pending never goes negative.
type Projection struct {
	required  atomic.Int64
	delivered atomic.Int64
	metrics   *Metrics
	logger    zerolog.Logger
}

// NewProjection seeds the counters from the ledger and subscribes to its
// transitions. metrics may be nil.
func NewProjection(ctx context.Context, ledger Ledger, metrics *Metrics, logger zerolog.Logger) (*Projection, error) {
	p := &Projection{metrics: metrics, logger: logger.With().Str("component", "projection").Logger()}

	seed, err := ledger.SeedAndSubscribe(ctx, p.apply)
	if err != nil {
		return nil, fmt.Errorf("seed delivery counts: %w", err)
	}
	// Transitions may already be arriving, so the seed is added, not stored.
	p.required.Add(seed.Required)
	p.delivered.Add(seed.Delivered)
	if metrics != nil {
		metrics.Required.Add(float64(seed.Required))
		metrics.Delivered.Add(float64(seed.Delivered))
		metrics.Pending.Add(float64(seed.Pending()))
	}
	p.logger.Info().Int64("required", seed.Required).Int64("delivered", seed.Delivered).Msg("delivery counts seeded")
	return p, nil
}

func (p *Projection) apply(t Transition, e Entry) {
	switch t {
	case TransitionRequired:
		p.required.Add(1)
		if p.metrics != nil {
			p.metrics.Required.Inc()
			p.metrics.Pending.Inc()
		}
	case TransitionDelivered:
		p.delivered.Add(1)
		if p.metrics != nil {
			p.metrics.Delivered.Inc()
			p.metrics.Pending.Dec()
		}
	}
	p.logger.Debug().Str("update_id", e.UpdateID).Stringer("transition", t).Msg("ledger transition")
}

// Counts returns the current totals. Delivered is read first so a concurrent
// transition can only make Pending look larger, never negative.
func (p *Projection) Counts() Counts {
	delivered := p.delivered.Load()
	required := p.required.Load()
	return Counts{Required: required, Delivered: delivered}
}
