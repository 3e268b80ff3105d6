package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rxsync/rxsync/internal/platform/db"
)

type journalPG struct {
	pool *pgxpool.Pool
}

func NewJournalPG(pool *pgxpool.Pool) Journal {
	return &journalPG{pool: pool}
}

func (r *journalPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *journalPG) begin(ctx context.Context) (pgx.Tx, error) {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx.Begin(ctx)
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c.Begin(ctx)
	}
	return r.pool.Begin(ctx)
}

func (r *journalPG) Load(ctx context.Context, id ID) (State, error) {
	st, err := scanState(r.conn(ctx).QueryRow(ctx, `
		SELECT record, deleted, seq FROM patient_record
		WHERE pharmacy_id = $1 AND patient_id = $2`,
		id.PharmacyID, id.PatientID))
	if err != nil {
		return State{}, fmt.Errorf("patient journal load %s: %w", id, err)
	}
	return st, nil
}

func (r *journalPG) Append(ctx context.Context, id ID, expectedSeq int64, events []Event) ([]Envelope, error) {
	tx, err := r.begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	st, err := scanState(tx.QueryRow(ctx, `
		SELECT record, deleted, seq FROM patient_record
		WHERE pharmacy_id = $1 AND patient_id = $2
		FOR UPDATE`,
		id.PharmacyID, id.PatientID))
	if err != nil {
		return nil, fmt.Errorf("patient journal lock %s: %w", id, err)
	}
	if st.Seq != expectedSeq {
		return nil, ErrConcurrentUpdate
	}

	out := make([]Envelope, 0, len(events))
	for _, ev := range events {
		t, payload, err := MarshalEvent(ev)
		if err != nil {
			return nil, err
		}
		st = st.Apply(ev)
		st.Seq++

		env := Envelope{ID: id, Seq: st.Seq, Event: ev}
		err = tx.QueryRow(ctx, `
			INSERT INTO patient_record_event (pharmacy_id, patient_id, seq, event_type, payload)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING position, recorded_at`,
			id.PharmacyID, id.PatientID, st.Seq, string(t), payload,
		).Scan(&env.Position, &env.RecordedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, ErrConcurrentUpdate
			}
			return nil, fmt.Errorf("insert %s event: %w", t, err)
		}
		out = append(out, env)
	}

	var record []byte
	if st.Record != nil {
		record, err = json.Marshal(st.Record)
		if err != nil {
			return nil, fmt.Errorf("marshal record: %w", err)
		}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO patient_record (pharmacy_id, patient_id, record, deleted, seq)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pharmacy_id, patient_id) DO UPDATE SET
			record = EXCLUDED.record, deleted = EXCLUDED.deleted, seq = EXCLUDED.seq, updated_at = NOW()`,
		id.PharmacyID, id.PatientID, record, st.Deleted, st.Seq,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConcurrentUpdate
		}
		return nil, fmt.Errorf("upsert patient record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func (r *journalPG) ReadFrom(ctx context.Context, after int64, limit int) ([]Envelope, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT position, pharmacy_id, patient_id, seq, event_type, payload, recorded_at
		FROM patient_record_event
		WHERE position > $1
		ORDER BY position
		LIMIT $2`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("read patient journal: %w", err)
	}
	defer rows.Close()

	var out []Envelope
	for rows.Next() {
		var (
			env     Envelope
			t       string
			payload []byte
		)
		if err := rows.Scan(&env.Position, &env.ID.PharmacyID, &env.ID.PatientID, &env.Seq, &t, &payload, &env.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		env.Event, err = UnmarshalEvent(EventType(t), payload)
		if err != nil {
			return nil, fmt.Errorf("journal position %d: %w", env.Position, err)
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return out, nil
}

func scanState(row pgx.Row) (State, error) {
	var (
		st     State
		record []byte
	)
	err := row.Scan(&record, &st.Deleted, &st.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return State{}, nil
	}
	if err != nil {
		return State{}, err
	}
	if len(record) > 0 {
		var rec Record
		if err := json.Unmarshal(record, &rec); err != nil {
			return State{}, fmt.Errorf("unmarshal record: %w", err)
		}
		st.Record = &rec
	}
	return st, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
