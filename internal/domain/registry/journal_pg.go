package registry

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

// NewJournalPG returns a Journal backed by the central_pharmacy and
// central_pharmacy_event tables.
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

func (r *journalPG) Load(ctx context.Context, id string) (State, error) {
	st, err := scanState(r.conn(ctx).QueryRow(ctx, `
		SELECT pharmacy, deleted, seq FROM central_pharmacy WHERE pharmacy_id = $1`, id))
	if err != nil {
		return State{}, fmt.Errorf("pharmacy journal load %s: %w", id, err)
	}
	return st, nil
}

func (r *journalPG) Append(ctx context.Context, id string, expectedSeq int64, ev Event) (Envelope, error) {
	tx, err := r.begin(ctx)
	if err != nil {
		return Envelope{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	st, err := scanState(tx.QueryRow(ctx, `
		SELECT pharmacy, deleted, seq FROM central_pharmacy
		WHERE pharmacy_id = $1 FOR UPDATE`, id))
	if err != nil {
		return Envelope{}, fmt.Errorf("pharmacy journal lock %s: %w", id, err)
	}
	if st.Seq != expectedSeq {
		return Envelope{}, ErrConcurrentUpdate
	}

	payload, err := marshalPharmacy(ev.Pharmacy)
	if err != nil {
		return Envelope{}, err
	}
	st = st.Apply(ev)
	st.Seq++

	env := Envelope{PharmacyID: id, Seq: st.Seq, Event: ev}
	err = tx.QueryRow(ctx, `
		INSERT INTO central_pharmacy_event (pharmacy_id, seq, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING recorded_at`,
		id, st.Seq, string(ev.Type), payload,
	).Scan(&env.RecordedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Envelope{}, ErrConcurrentUpdate
		}
		return Envelope{}, fmt.Errorf("insert %s event: %w", ev.Type, err)
	}

	state, err := marshalPharmacy(st.Pharmacy)
	if err != nil {
		return Envelope{}, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO central_pharmacy (pharmacy_id, pharmacy, deleted, seq)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (pharmacy_id) DO UPDATE SET
			pharmacy = EXCLUDED.pharmacy, deleted = EXCLUDED.deleted, seq = EXCLUDED.seq, updated_at = NOW()`,
		id, state, st.Deleted, st.Seq,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Envelope{}, ErrConcurrentUpdate
		}
		return Envelope{}, fmt.Errorf("upsert pharmacy %s: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Envelope{}, fmt.Errorf("commit: %w", err)
	}
	return env, nil
}

func scanState(row pgx.Row) (State, error) {
	var (
		st   State
		data []byte
	)
	err := row.Scan(&data, &st.Deleted, &st.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return State{}, nil
	}
	if err != nil {
		return State{}, err
	}
	st.Pharmacy, err = unmarshalPharmacy(data)
	return st, err
}

func marshalPharmacy(p *Pharmacy) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal pharmacy: %w", err)
	}
	return data, nil
}

func unmarshalPharmacy(data []byte) (*Pharmacy, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var p Pharmacy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pharmacy: %w", err)
	}
	return &p, nil
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
