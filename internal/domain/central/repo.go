// Package central is the receiving side of store replication. It keeps one
// record per pharmacyId-patientId; an expunged record keeps its identity so it
// can never be recreated.
package central

import (
	"context"
	"errors"

	"github.com/rxsync/rxsync/internal/domain/patient"
)

var (
	ErrAlreadyExists = errors.New("record already exists")
	ErrNotFound      = errors.New("record not found")
	ErrExpunged      = errors.New("record expunged")
	ErrForbidden     = errors.New("caller may not write records of another pharmacy")
)

// Repository operations are atomic per identity.
type Repository interface {
	// Insert fails with ErrAlreadyExists or ErrExpunged when the identity is taken.
	Insert(ctx context.Context, rec patient.Record) error
	// Replace fails with ErrNotFound or ErrExpunged.
	Replace(ctx context.Context, rec patient.Record) error
	Get(ctx context.Context, id patient.ID) (patient.Record, error)
	// Expunge drops the record data and keeps a tombstone. It reports whether
	// the identity was already expunged and fails with ErrNotFound.
	Expunge(ctx context.Context, id patient.ID) (bool, error)
}
