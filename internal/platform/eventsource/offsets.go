package eventsource

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rxsync/rxsync/internal/domain/patient"
)

// OffsetStore remembers the highest acknowledged seq per identity.
type OffsetStore interface {
	Acked(ctx context.Context, id patient.ID) (int64, error)
	// Ack records seq; a lower seq than the stored one is ignored.
	Ack(ctx context.Context, id patient.ID, seq int64) error
}

// MemoryOffsets is a thread-safe, in-memory OffsetStore.
type MemoryOffsets struct {
	mu   sync.RWMutex
	acks map[patient.ID]int64
}

func NewMemoryOffsets() *MemoryOffsets {
	return &MemoryOffsets{acks: make(map[patient.ID]int64)}
}

func (m *MemoryOffsets) Acked(_ context.Context, id patient.ID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.acks[id], nil
}

func (m *MemoryOffsets) Ack(_ context.Context, id patient.ID, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq > m.acks[id] {
		m.acks[id] = seq
	}
	return nil
}

type offsetsPG struct {
	pool     *pgxpool.Pool
	consumer string
}

// NewOffsetsPG stores offsets in delivery_offset, scoped to a consumer name
// so several sources can share the table.
func NewOffsetsPG(pool *pgxpool.Pool, consumer string) OffsetStore {
	return &offsetsPG{pool: pool, consumer: consumer}
}

func (r *offsetsPG) Acked(ctx context.Context, id patient.ID) (int64, error) {
	var seq int64
	err := r.pool.QueryRow(ctx, `
		SELECT seq FROM delivery_offset
		WHERE consumer = $1 AND pharmacy_id = $2 AND patient_id = $3`,
		r.consumer, id.PharmacyID, id.PatientID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read offset %s: %w", id, err)
	}
	return seq, nil
}

func (r *offsetsPG) Ack(ctx context.Context, id patient.ID, seq int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO delivery_offset (consumer, pharmacy_id, patient_id, seq)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (consumer, pharmacy_id, patient_id)
		DO UPDATE SET seq = GREATEST(delivery_offset.seq, EXCLUDED.seq), updated_at = NOW()`,
		r.consumer, id.PharmacyID, id.PatientID, seq)
	if err != nil {
		return fmt.Errorf("ack offset %s@%d: %w", id, seq, err)
	}
	return nil
}
