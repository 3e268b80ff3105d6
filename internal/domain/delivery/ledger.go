// Package delivery forwards patient record events to central effectively once.
// The ledger records every update that must reach central, the dispatcher
// performs the remote call, and the projection counts both.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rxsync/rxsync/internal/domain/patient"
)

var ErrEntryNotFound = errors.New("ledger entry not found")

// UpdateType names the kind of update a ledger entry stands for.
type UpdateType string

const (
	UpdateCreated    UpdateType = "created"
	UpdateUpdated    UpdateType = "updated"
	UpdateDeleted    UpdateType = "deleted"
	UpdateMerged     UpdateType = "merged"
	UpdateSmsOptedIn UpdateType = "sms-opted-in"
)

// UpdateID is the stable key of one update: "<pharmacyId>-<patientId>_<seq>".
func UpdateID(id patient.ID, seq int64) string {
	return fmt.Sprintf("%s_%d", id.String(), seq)
}

// Requirement describes an update that must reach central.
type Requirement struct {
	UpdateID   string
	UpdateType UpdateType
	Record     *patient.Record
	PharmacyID string
	PatientID  string
}

// Entry is the ledger's record of one update.
type Entry struct {
	UpdateID    string          `json:"updateId"`
	UpdateType  UpdateType      `json:"updateType"`
	Record      *patient.Record `json:"record,omitempty"`
	PharmacyID  string          `json:"pharmacyId"`
	PatientID   string          `json:"patientId"`
	Delivered   bool            `json:"delivered"`
	RequiredAt  time.Time       `json:"requiredAt"`
	DeliveredAt *time.Time      `json:"deliveredAt,omitempty"`
}

// Counts is a snapshot of ledger totals.
type Counts struct {
	Required  int64 `json:"required"`
	Delivered int64 `json:"delivered"`
}

func (c Counts) Pending() int64 {
	return c.Required - c.Delivered
}

// Transition is a ledger state change published to listeners.
type Transition int

const (
	TransitionRequired Transition = iota + 1
	TransitionDelivered
)

func (t Transition) String() string {
	switch t {
	case TransitionRequired:
		return "required"
	case TransitionDelivered:
		return "delivered"
	default:
		return "unknown"
	}
}

// Listener observes ledger transitions. It is called synchronously after the
// transition is stored and must not block.
type Listener func(Transition, Entry)

// Ledger is the persistent record of required and delivered updates. Both
// mutations are idempotent and report whether they changed anything.
type Ledger interface {
	// Create stores a pending entry unless one already exists in any state.
	Create(ctx context.Context, req Requirement) (bool, error)
	// MarkDelivered moves a pending entry to delivered. Missing or already
	// delivered entries are left alone.
	MarkDelivered(ctx context.Context, updateID string) (bool, error)
	Get(ctx context.Context, updateID string) (Entry, error)
	Counts(ctx context.Context) (Counts, error)
	ListEntries(ctx context.Context, pendingOnly bool, limit, offset int) ([]Entry, int, error)
	Subscribe(l Listener)
	// SeedAndSubscribe reads Counts and subscribes l as one step: every
	// transition is either included in the returned counts or delivered to l,
	// never both and never neither.
	SeedAndSubscribe(ctx context.Context, l Listener) (Counts, error)
}

// ---------------------------------------------------------------------------
// listeners
// ---------------------------------------------------------------------------

type listeners struct {
	mu  sync.RWMutex
	fns []Listener
	// gate is read-held by a mutation from its store through its publish and
	// write-held while seeding, so no mutation straddles a seed.
	gate sync.RWMutex
}

// mutate holds the gate for one mutation. Mutations share it.
func (l *listeners) mutate() func() {
	l.gate.RLock()
	return l.gate.RUnlock
}

func (l *listeners) seedAndSubscribe(ctx context.Context, counts func(context.Context) (Counts, error), fn Listener) (Counts, error) {
	l.gate.Lock()
	defer l.gate.Unlock()
	c, err := counts(ctx)
	if err != nil {
		return Counts{}, err
	}
	l.Subscribe(fn)
	return c, nil
}

func (l *listeners) Subscribe(fn Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fns = append(l.fns, fn)
}

func (l *listeners) publish(t Transition, e Entry) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, fn := range l.fns {
		fn(t, e)
	}
}
