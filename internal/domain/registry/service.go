package registry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rxsync/rxsync/internal/platform/auth"
	"github.com/rxsync/rxsync/internal/platform/keylock"
)

// Service handles pharmacy commands one pharmacy at a time and journals one
// event per accepted command.
type Service struct {
	journal Journal
	locks   *keylock.Map
	logger  zerolog.Logger
}

func NewService(journal Journal, logger zerolog.Logger) *Service {
	return &Service{
		journal: journal,
		locks:   keylock.New(),
		logger:  logger.With().Str("component", "registry").Logger(),
	}
}

func (s *Service) Create(ctx context.Context, p Pharmacy) error {
	return s.execute(ctx, p.PharmacyID, func(st State) (Event, error) {
		if st.Deleted {
			return Event{}, ErrExpunged
		}
		if st.Pharmacy != nil {
			return Event{}, ErrAlreadyExists
		}
		return Event{Type: EventCreated, Pharmacy: &p}, nil
	})
}

func (s *Service) Update(ctx context.Context, p Pharmacy) error {
	return s.execute(ctx, p.PharmacyID, func(st State) (Event, error) {
		if st.Deleted {
			return Event{}, ErrExpunged
		}
		if st.Pharmacy == nil {
			return Event{}, ErrNotFound
		}
		return Event{Type: EventUpdated, Pharmacy: &p}, nil
	})
}

// Delete tombstones the pharmacy. Deleting it again fails with ErrExpunged.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.execute(ctx, id, func(st State) (Event, error) {
		if st.Deleted {
			return Event{}, ErrExpunged
		}
		if st.Pharmacy == nil {
			return Event{}, ErrNotFound
		}
		return Event{Type: EventDeleted}, nil
	})
}

func (s *Service) Get(ctx context.Context, id string) (Pharmacy, error) {
	st, err := s.journal.Load(ctx, id)
	if err != nil {
		return Pharmacy{}, err
	}
	if st.Deleted {
		return Pharmacy{}, ErrExpunged
	}
	if st.Pharmacy == nil {
		return Pharmacy{}, ErrNotFound
	}
	return *st.Pharmacy, nil
}

func (s *Service) execute(ctx context.Context, id string, decide func(State) (Event, error)) error {
	if err := (Pharmacy{PharmacyID: id}).Validate(); err != nil {
		return err
	}
	if caller := auth.PharmacyIDFromContext(ctx); caller != "" && caller != id {
		return ErrForbidden
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	st, err := s.journal.Load(ctx, id)
	if err != nil {
		return err
	}
	ev, err := decide(st)
	if err != nil {
		s.logger.Info().Str("pharmacy_id", id).Err(err).Msg("command rejected")
		return err
	}
	env, err := s.journal.Append(ctx, id, st.Seq, ev)
	if err != nil {
		return fmt.Errorf("append %s: %w", id, err)
	}
	s.logger.Info().Str("pharmacy_id", id).Str("event", string(ev.Type)).Int64("seq", env.Seq).Msg("pharmacy event journaled")
	return nil
}

