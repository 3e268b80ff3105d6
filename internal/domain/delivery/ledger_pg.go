package delivery

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

type ledgerPG struct {
	listeners
	pool *pgxpool.Pool
}

// NewLedgerPG returns a Ledger backed by the delivery_ledger table. The
// conditional statements make both mutations idempotent across processes.
func NewLedgerPG(pool *pgxpool.Pool) Ledger {
	return &ledgerPG{pool: pool}
}

func (r *ledgerPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const ledgerCols = `update_id, update_type, record, pharmacy_id, patient_id, delivered, required_at, delivered_at`

func (r *ledgerPG) scanEntry(row pgx.Row) (Entry, error) {
	var (
		e      Entry
		t      string
		record []byte
	)
	err := row.Scan(&e.UpdateID, &t, &record, &e.PharmacyID, &e.PatientID, &e.Delivered, &e.RequiredAt, &e.DeliveredAt)
	if err != nil {
		return Entry{}, err
	}
	e.UpdateType = UpdateType(t)
	if len(record) > 0 {
		var rec patient.Record
		if err := json.Unmarshal(record, &rec); err != nil {
			return Entry{}, fmt.Errorf("unmarshal ledger record: %w", err)
		}
		e.Record = &rec
	}
	return e, nil
}

func (r *ledgerPG) Create(ctx context.Context, req Requirement) (bool, error) {
	var record []byte
	if req.Record != nil {
		var err error
		if record, err = json.Marshal(req.Record); err != nil {
			return false, fmt.Errorf("marshal ledger record: %w", err)
		}
	}
	defer r.mutate()()
	e, err := r.scanEntry(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO delivery_ledger (update_id, update_type, record, pharmacy_id, patient_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (update_id) DO NOTHING
		RETURNING `+ledgerCols,
		req.UpdateID, string(req.UpdateType), record, req.PharmacyID, req.PatientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create ledger entry %s: %w", req.UpdateID, err)
	}
	r.publish(TransitionRequired, e)
	return true, nil
}

func (r *ledgerPG) MarkDelivered(ctx context.Context, updateID string) (bool, error) {
	defer r.mutate()()
	e, err := r.scanEntry(r.conn(ctx).QueryRow(ctx, `
		UPDATE delivery_ledger SET delivered = TRUE, delivered_at = NOW()
		WHERE update_id = $1 AND NOT delivered
		RETURNING `+ledgerCols, updateID))
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark ledger entry %s delivered: %w", updateID, err)
	}
	r.publish(TransitionDelivered, e)
	return true, nil
}

func (r *ledgerPG) Get(ctx context.Context, updateID string) (Entry, error) {
	e, err := r.scanEntry(r.conn(ctx).QueryRow(ctx, `
		SELECT `+ledgerCols+` FROM delivery_ledger WHERE update_id = $1`, updateID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get ledger entry %s: %w", updateID, err)
	}
	return e, nil
}

func (r *ledgerPG) SeedAndSubscribe(ctx context.Context, fn Listener) (Counts, error) {
	return r.seedAndSubscribe(ctx, r.Counts, fn)
}

func (r *ledgerPG) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE delivered) FROM delivery_ledger`,
	).Scan(&c.Required, &c.Delivered)
	if err != nil {
		return Counts{}, fmt.Errorf("count ledger entries: %w", err)
	}
	return c, nil
}

func (r *ledgerPG) ListEntries(ctx context.Context, pendingOnly bool, limit, offset int) ([]Entry, int, error) {
	where := ""
	if pendingOnly {
		where = " WHERE NOT delivered"
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM delivery_ledger`+where).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count ledger entries: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+ledgerCols+` FROM delivery_ledger`+where+`
		ORDER BY required_at, update_id
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
