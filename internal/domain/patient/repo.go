package patient

import "context"

// Journal persists each identity's events together with the folded state.
type Journal interface {
	// Load returns the current state of id; the zero State when nothing was journaled.
	Load(ctx context.Context, id ID) (State, error)
	// Append stores events after expectedSeq, assigning the following sequence
	// numbers. It fails with ErrConcurrentUpdate when the stored seq moved on.
	Append(ctx context.Context, id ID, expectedSeq int64, events []Event) ([]Envelope, error)
	// ReadFrom returns up to limit envelopes with Position > after, in position order.
	ReadFrom(ctx context.Context, after int64, limit int) ([]Envelope, error)
}
