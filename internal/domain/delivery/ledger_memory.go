package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/rxsync/rxsync/internal/platform/keylock"
)

// MemoryLedger is a thread-safe, in-memory Ledger. Mutations of one update id
// are serialized by a per-key lock; the map lock is only held for the lookup
// and the store.
type MemoryLedger struct {
	listeners
	locks   *keylock.Map
	mu      sync.RWMutex
	entries map[string]*Entry
	// ordered keys for deterministic pagination
	order []string
	now   func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		locks:   keylock.New(),
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

func (l *MemoryLedger) Create(_ context.Context, req Requirement) (bool, error) {
	unlock := l.locks.Lock(req.UpdateID)
	defer unlock()
	defer l.mutate()()

	if _, ok := l.lookup(req.UpdateID); ok {
		return false, nil
	}
	e := &Entry{
		UpdateID:   req.UpdateID,
		UpdateType: req.UpdateType,
		Record:     req.Record,
		PharmacyID: req.PharmacyID,
		PatientID:  req.PatientID,
		RequiredAt: l.now().UTC(),
	}
	l.mu.Lock()
	l.entries[req.UpdateID] = e
	l.order = append(l.order, req.UpdateID)
	l.mu.Unlock()

	l.publish(TransitionRequired, *e)
	return true, nil
}

func (l *MemoryLedger) MarkDelivered(_ context.Context, updateID string) (bool, error) {
	unlock := l.locks.Lock(updateID)
	defer unlock()
	defer l.mutate()()

	l.mu.Lock()
	e, ok := l.entries[updateID]
	if !ok || e.Delivered {
		l.mu.Unlock()
		return false, nil
	}
	at := l.now().UTC()
	e.Delivered = true
	e.DeliveredAt = &at
	snapshot := *e
	l.mu.Unlock()

	l.publish(TransitionDelivered, snapshot)
	return true, nil
}

func (l *MemoryLedger) Get(_ context.Context, updateID string) (Entry, error) {
	e, ok := l.lookup(updateID)
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return e, nil
}

func (l *MemoryLedger) Counts(_ context.Context) (Counts, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c := Counts{Required: int64(len(l.entries))}
	for _, e := range l.entries {
		if e.Delivered {
			c.Delivered++
		}
	}
	return c, nil
}

func (l *MemoryLedger) SeedAndSubscribe(ctx context.Context, fn Listener) (Counts, error) {
	return l.seedAndSubscribe(ctx, l.Counts, fn)
}

func (l *MemoryLedger) ListEntries(_ context.Context, pendingOnly bool, limit, offset int) ([]Entry, int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var filtered []Entry
	for _, id := range l.order {
		e := l.entries[id]
		if pendingOnly && e.Delivered {
			continue
		}
		filtered = append(filtered, *e)
	}
	total := len(filtered)
	if offset >= total {
		return []Entry{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

func (l *MemoryLedger) lookup(updateID string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[updateID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}
