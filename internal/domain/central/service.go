package central

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rxsync/rxsync/internal/domain/patient"
	"github.com/rxsync/rxsync/internal/platform/auth"
)

type Service struct {
	repo   Repository
	logger zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger.With().Str("component", "central").Logger()}
}

func (s *Service) Create(ctx context.Context, rec patient.Record) error {
	if err := s.check(ctx, rec); err != nil {
		return err
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		return err
	}
	s.logger.Info().Str("id", rec.ID().String()).Msg("record created")
	return nil
}

func (s *Service) Update(ctx context.Context, rec patient.Record) error {
	if err := s.check(ctx, rec); err != nil {
		return err
	}
	if err := s.repo.Replace(ctx, rec); err != nil {
		return err
	}
	s.logger.Info().Str("id", rec.ID().String()).Msg("record updated")
	return nil
}

func (s *Service) Get(ctx context.Context, id patient.ID) (patient.Record, error) {
	return s.repo.Get(ctx, id)
}

// Expunge is idempotent: expunging an expunged record succeeds.
func (s *Service) Expunge(ctx context.Context, id patient.ID) error {
	if err := authorize(ctx, id.PharmacyID); err != nil {
		return err
	}
	already, err := s.repo.Expunge(ctx, id)
	if err != nil {
		return err
	}
	if already {
		s.logger.Debug().Str("id", id.String()).Msg("record already expunged")
		return nil
	}
	s.logger.Info().Str("id", id.String()).Msg("record expunged")
	return nil
}

func (s *Service) check(ctx context.Context, rec patient.Record) error {
	var fields []string
	if rec.PharmacyID == "" || strings.Contains(rec.PharmacyID, "-") {
		fields = append(fields, "pharmacy id must be non-empty and contain no dash")
	}
	if rec.PatientID == "" {
		fields = append(fields, "patient id cannot be empty")
	}
	var ve *patient.ValidationError
	if errors.As(rec.Validate(), &ve) {
		fields = append(fields, ve.Fields...)
	}
	if len(fields) > 0 {
		return &patient.ValidationError{Fields: fields}
	}
	return authorize(ctx, rec.PharmacyID)
}

// authorize rejects writes from an authenticated store on behalf of another
// pharmacy. Unauthenticated deployments accept every write.
func authorize(ctx context.Context, pharmacyID string) error {
	caller := auth.PharmacyIDFromContext(ctx)
	if caller != "" && caller != pharmacyID {
		return ErrForbidden
	}
	return nil
}
