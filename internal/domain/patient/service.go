package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rxsync/rxsync/internal/platform/keylock"
)

// Service owns the per-identity command handling. Every operation runs under
// the identity's lock and persists its events in a single Append.
type Service struct {
	journal Journal
	locks   *keylock.Map
	logger  zerolog.Logger
}

func NewService(journal Journal, logger zerolog.Logger) *Service {
	return &Service{
		journal: journal,
		locks:   keylock.New(),
		logger:  logger.With().Str("component", "patient").Logger(),
	}
}

// Create stores a new record under id. The record's own identity fields are ignored.
func (s *Service) Create(ctx context.Context, id ID, rec Record) ([]Envelope, error) {
	return s.execute(ctx, id, func(st State) ([]Event, error) {
		if st.Deleted {
			return nil, ErrExpunged
		}
		if st.Record != nil {
			return nil, ErrAlreadyExists
		}
		rec = rec.WithID(id)
		if err := rec.Validate(); err != nil {
			return nil, err
		}
		events := []Event{Created{Record: rec}}
		if rec.SmsOptInPref {
			events = append(events, SmsOptedIn{Record: rec})
		}
		return events, nil
	})
}

func (s *Service) Update(ctx context.Context, id ID, rec Record) ([]Envelope, error) {
	return s.execute(ctx, id, func(st State) ([]Event, error) {
		if st.Deleted {
			return nil, ErrExpunged
		}
		if st.Record == nil {
			return nil, ErrNotFound
		}
		rec = rec.WithID(id)
		if err := rec.Validate(); err != nil {
			return nil, err
		}
		events := []Event{Updated{Record: rec}}
		if !st.Record.SmsOptInPref && rec.SmsOptInPref {
			events = append(events, SmsOptedIn{Record: rec})
		}
		return events, nil
	})
}

// Delete tombstones id. A tombstoned identity rejects every later command.
func (s *Service) Delete(ctx context.Context, id ID) ([]Envelope, error) {
	return s.execute(ctx, id, func(st State) ([]Event, error) {
		if st.Deleted {
			return nil, ErrExpunged
		}
		if st.Record == nil {
			return nil, ErrNotFound
		}
		return []Event{Deleted{PharmacyID: id.PharmacyID, PatientID: id.PatientID}}, nil
	})
}

// Merge replaces the record with updated, recording which patient was folded into it.
func (s *Service) Merge(ctx context.Context, id ID, updated Record, mergedPatientID string) ([]Envelope, error) {
	return s.execute(ctx, id, func(st State) ([]Event, error) {
		if st.Deleted {
			return nil, ErrExpunged
		}
		if st.Record == nil {
			return nil, ErrNotFound
		}
		updated = updated.WithID(id)
		err := updated.Validate()
		mergedPatientID = strings.TrimSpace(mergedPatientID)
		if mergedPatientID == "" || mergedPatientID == id.PatientID {
			var ve *ValidationError
			if !errors.As(err, &ve) {
				ve = &ValidationError{}
			}
			ve.Fields = append(ve.Fields, "merged patient id must name another patient")
			err = ve
		}
		if err != nil {
			return nil, err
		}
		return []Event{
			Merged{Updated: updated, MergedPatientID: mergedPatientID},
			Updated{Record: updated},
		}, nil
	})
}

func (s *Service) GetRecord(ctx context.Context, id ID) (Record, error) {
	st, err := s.journal.Load(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if st.Deleted {
		return Record{}, ErrExpunged
	}
	if st.Record == nil {
		return Record{}, ErrNotFound
	}
	return *st.Record, nil
}

func (s *Service) execute(ctx context.Context, id ID, decide func(State) ([]Event, error)) ([]Envelope, error) {
	if strings.Contains(id.PharmacyID, "-") || id.PharmacyID == "" || id.PatientID == "" {
		return nil, &ValidationError{Fields: []string{fmt.Sprintf("invalid patient record id %q", id.String())}}
	}

	unlock := s.locks.Lock(id.String())
	defer unlock()

	st, err := s.journal.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := decide(st)
	if err != nil {
		s.logger.Info().Str("id", id.String()).Err(err).Msg("command rejected")
		return nil, err
	}
	envs, err := s.journal.Append(ctx, id, st.Seq, events)
	if err != nil {
		return nil, fmt.Errorf("append %s: %w", id, err)
	}
	s.logger.Debug().Str("id", id.String()).Int("events", len(envs)).Int64("seq", envs[len(envs)-1].Seq).Msg("events journaled")
	return envs, nil
}
