package registry

import (
	"context"
	"time"
)

// Envelope is one journaled event of a pharmacy.
type Envelope struct {
	PharmacyID string
	Seq        int64
	Event      Event
	RecordedAt time.Time
}

// Journal persists each pharmacy's events together with the folded state.
type Journal interface {
	// Load returns the current state of id; the zero State when nothing was journaled.
	Load(ctx context.Context, id string) (State, error)
	// Append stores ev after expectedSeq. It fails with ErrConcurrentUpdate
	// when the stored seq moved on.
	Append(ctx context.Context, id string, expectedSeq int64, ev Event) (Envelope, error)
}
