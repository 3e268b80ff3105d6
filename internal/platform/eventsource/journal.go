package eventsource

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rxsync/rxsync/internal/domain/patient"
)

type JournalConfig struct {
	// Workers caps concurrent handler calls. Every identity with pending
	// envelopes gets its own lane, so a failing identity never waits on a slot
	// held by another.
	Workers      int
	PollInterval time.Duration
	BatchSize    int
	// Lookback re-reads this many positions behind the cursor on every poll so
	// that appends committed out of position order are still picked up.
	Lookback int64
	// IdleTTL is how long an identity with nothing pending keeps its lane.
	IdleTTL    time.Duration
	Redelivery RedeliveryConfig
}

func (c JournalConfig) withDefaults() JournalConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.Lookback < 0 {
		c.Lookback = 0
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = time.Minute
	}
	c.Redelivery = c.Redelivery.withDefaults()
	return c
}

// JournalSource tails the patient journal and hands each envelope to its
// identity's lane.
type JournalSource struct {
	journal patient.Journal
	offsets OffsetStore
	cfg     JournalConfig
	logger  zerolog.Logger
	lanes   *lanes
}

func NewJournalSource(journal patient.Journal, offsets OffsetStore, handler Handler, cfg JournalConfig, logger zerolog.Logger) *JournalSource {
	cfg = cfg.withDefaults()
	logger = logger.With().Str("component", "journal-source").Logger()
	return &JournalSource{
		journal: journal,
		offsets: offsets,
		cfg:     cfg,
		logger:  logger,
		lanes:   newLanes(handler, cfg.Workers, cfg.Redelivery, cfg.IdleTTL, logger),
	}
}

// Run blocks until ctx ends. In-flight envelopes are abandoned unacknowledged
// and presented again on the next run.
func (s *JournalSource) Run(ctx context.Context) error {
	defer s.lanes.wait()

	s.logger.Info().Int("workers", s.cfg.Workers).Msg("journal source started")
	var cursor int64
	for {
		n, err := s.poll(ctx, &cursor)
		if ctx.Err() != nil {
			s.logger.Info().Int64("cursor", cursor).Msg("journal source stopped")
			return nil
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("journal poll failed")
		}
		s.lanes.sweep()
		if n > 0 {
			continue
		}
		t := time.NewTimer(s.cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
}

// poll hands new envelopes to their lanes and returns how many it handed. It
// never waits on a lane.
func (s *JournalSource) poll(ctx context.Context, cursor *int64) (int, error) {
	from := *cursor - s.cfg.Lookback
	if from < 0 {
		from = 0
	}
	envs, err := s.journal.ReadFrom(ctx, from, int(s.cfg.Lookback)+s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	handed := 0
	for _, env := range envs {
		queued, err := s.lanes.offer(ctx, job{env: env, done: s.ack(env)}, s.offsets.Acked)
		if err != nil {
			return handed, err
		}
		if env.Position > *cursor {
			*cursor = env.Position
		}
		if queued {
			handed++
		}
	}
	return handed, nil
}

func (s *JournalSource) ack(env patient.Envelope) func(context.Context) {
	return func(ctx context.Context) {
		if err := s.offsets.Ack(ctx, env.ID, env.Seq); err != nil {
			s.logger.Warn().Err(err).Str("id", env.ID.String()).Int64("seq", env.Seq).Msg("ack failed")
		}
	}
}
