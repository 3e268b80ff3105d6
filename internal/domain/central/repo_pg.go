package central

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rxsync/rxsync/internal/domain/patient"
	"github.com/rxsync/rxsync/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepoPG returns a Repository backed by the central_patient_record table.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *repoPG) Insert(ctx context.Context, rec patient.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	var inserted bool
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO central_patient_record (pharmacy_id, patient_id, record)
		VALUES ($1, $2, $3)
		ON CONFLICT (pharmacy_id, patient_id) DO NOTHING
		RETURNING true`,
		rec.PharmacyID, rec.PatientID, data).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		expunged, err := r.expunged(ctx, rec.ID())
		if err != nil {
			return err
		}
		if expunged {
			return ErrExpunged
		}
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert central record %s: %w", rec.ID(), err)
	}
	return nil
}

func (r *repoPG) Replace(ctx context.Context, rec patient.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE central_patient_record SET record = $3, updated_at = NOW()
		WHERE pharmacy_id = $1 AND patient_id = $2 AND NOT expunged`,
		rec.PharmacyID, rec.PatientID, data)
	if err != nil {
		return fmt.Errorf("update central record %s: %w", rec.ID(), err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	expunged, err := r.expunged(ctx, rec.ID())
	if err != nil {
		return err
	}
	if expunged {
		return ErrExpunged
	}
	return ErrNotFound
}

func (r *repoPG) Get(ctx context.Context, id patient.ID) (patient.Record, error) {
	var (
		data     []byte
		expunged bool
	)
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT record, expunged FROM central_patient_record
		WHERE pharmacy_id = $1 AND patient_id = $2`,
		id.PharmacyID, id.PatientID).Scan(&data, &expunged)
	if errors.Is(err, pgx.ErrNoRows) {
		return patient.Record{}, ErrNotFound
	}
	if err != nil {
		return patient.Record{}, fmt.Errorf("get central record %s: %w", id, err)
	}
	if expunged {
		return patient.Record{}, ErrExpunged
	}
	var rec patient.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return patient.Record{}, fmt.Errorf("unmarshal central record %s: %w", id, err)
	}
	return rec, nil
}

func (r *repoPG) Expunge(ctx context.Context, id patient.ID) (bool, error) {
	var wasExpunged bool
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE central_patient_record c SET record = NULL, expunged = true, updated_at = NOW()
		FROM (SELECT expunged FROM central_patient_record
		      WHERE pharmacy_id = $1 AND patient_id = $2 FOR UPDATE) prev
		WHERE c.pharmacy_id = $1 AND c.patient_id = $2
		RETURNING prev.expunged`,
		id.PharmacyID, id.PatientID).Scan(&wasExpunged)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("expunge central record %s: %w", id, err)
	}
	return wasExpunged, nil
}

func (r *repoPG) expunged(ctx context.Context, id patient.ID) (bool, error) {
	var expunged bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT expunged FROM central_patient_record
		WHERE pharmacy_id = $1 AND patient_id = $2`,
		id.PharmacyID, id.PatientID).Scan(&expunged)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load central record %s: %w", id, err)
	}
	return expunged, nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
