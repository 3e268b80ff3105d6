package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/rxsync/rxsync/internal/domain/patient"
	"github.com/rxsync/rxsync/internal/platform/centralclient"
)

// -- Fake gateway --

type call struct {
	op string
	id patient.ID
}

type fakeGateway struct {
	mu     sync.Mutex
	status map[string]int
	err    error
	calls  []call
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{status: map[string]int{}}
}

func (g *fakeGateway) setStatus(op string, code int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status[op] = code
}

func (g *fakeGateway) respond(op string, id patient.ID) (*centralclient.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call{op: op, id: id})
	if g.err != nil {
		return nil, g.err
	}
	code, ok := g.status[op]
	if !ok {
		code = 200
	}
	return &centralclient.Result{StatusCode: code}, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGateway) Create(_ context.Context, rec patient.Record) (*centralclient.Result, error) {
	return g.respond(opCreate, rec.ID())
}

func (g *fakeGateway) Update(_ context.Context, rec patient.Record) (*centralclient.Result, error) {
	return g.respond(opUpdate, rec.ID())
}

func (g *fakeGateway) Get(_ context.Context, id patient.ID) (*centralclient.Result, error) {
	return g.respond("get", id)
}

func (g *fakeGateway) Delete(_ context.Context, id patient.ID) (*centralclient.Result, error) {
	return g.respond(opDelete, id)
}

// -- Harness --

type harness struct {
	svc        *patient.Service
	ledger     *MemoryLedger
	gateway    *fakeGateway
	dispatcher *Dispatcher
	projection *Projection
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ledger := NewMemoryLedger()
	gw := newFakeGateway()
	metrics := NewMetrics(prometheus.NewRegistry())
	proj, err := NewProjection(context.Background(), ledger, metrics, zerolog.Nop())
	if err != nil {
		t.Fatalf("projection: %v", err)
	}
	return &harness{
		svc:        patient.NewService(patient.NewMemoryJournal(), zerolog.Nop()),
		ledger:     ledger,
		gateway:    gw,
		dispatcher: NewDispatcher(ledger, gw, metrics, zerolog.Nop()),
		projection: proj,
	}
}

var p1 = patient.ID{PharmacyID: "101", PatientID: "p1"}

func validRecord() patient.Record {
	return patient.Record{FirstName: "Ada", LastName: "Lovelace", PhoneNumber: "555-0100"}
}

func (h *harness) assertCounts(t *testing.T, required, delivered int64) {
	t.Helper()
	c := h.projection.Counts()
	if c.Required != required || c.Delivered != delivered {
		t.Errorf("expected counts (%d,%d), got (%d,%d)", required, delivered, c.Required, c.Delivered)
	}
	stored, _ := h.ledger.Counts(context.Background())
	pending, _, _ := h.ledger.ListEntries(context.Background(), true, 0, 0)
	if c.Pending() != int64(len(pending)) || stored != c {
		t.Errorf("projection %+v disagrees with ledger %+v / %d pending", c, stored, len(pending))
	}
}

func TestDispatcher_CreateDeliveredOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bad := validRecord()
	bad.FirstName = ""
	if _, err := h.svc.Create(ctx, p1, bad); err == nil {
		t.Fatal("expected validation failure")
	}
	h.assertCounts(t, 0, 0)

	envs, err := h.svc.Create(ctx, p1, validRecord())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.dispatcher.Handle(ctx, envs[0]); err != nil {
		t.Fatalf("handle: %v", err)
	}
	h.assertCounts(t, 1, 1)

	entry, err := h.ledger.Get(ctx, "101-p1_1")
	if err != nil || !entry.Delivered || entry.UpdateType != UpdateCreated {
		t.Fatalf("unexpected entry %+v %v", entry, err)
	}

	if err := h.dispatcher.Handle(ctx, envs[0]); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if h.gateway.callCount() != 1 {
		t.Errorf("redelivery reached central: %d calls", h.gateway.callCount())
	}
	h.assertCounts(t, 1, 1)
}

func TestDispatcher_FailureThenRedelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	envs, _ := h.svc.Create(ctx, p1, validRecord())

	h.gateway.setStatus(opCreate, 503)
	err := h.dispatcher.Handle(ctx, envs[0])
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if de.StatusCode != 503 || de.Op != opCreate || de.UpdateID != "101-p1_1" {
		t.Errorf("unexpected error %+v", de)
	}
	h.assertCounts(t, 1, 0)

	h.gateway.setStatus(opCreate, 200)
	if err := h.dispatcher.Handle(ctx, envs[0]); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	h.assertCounts(t, 1, 1)
}

func TestDispatcher_TransportError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	envs, _ := h.svc.Create(ctx, p1, validRecord())

	h.gateway.err = errors.New("connection refused")
	err := h.dispatcher.Handle(ctx, envs[0])
	var de *DeliveryError
	if !errors.As(err, &de) || de.Err == nil {
		t.Fatalf("expected DeliveryError with cause, got %v", err)
	}
	h.assertCounts(t, 1, 0)
}

func TestDispatcher_CreateAlreadyAtCentral(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	envs, _ := h.svc.Create(ctx, p1, validRecord())

	h.gateway.setStatus(opCreate, 400)
	if err := h.dispatcher.Handle(ctx, envs[0]); err != nil {
		t.Fatalf("expected 400 on create to settle, got %v", err)
	}
	h.assertCounts(t, 1, 1)
}

func TestDispatcher_UpdateRejectedIsFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.svc.Create(ctx, p1, validRecord())
	envs, _ := h.svc.Update(ctx, p1, validRecord())

	h.gateway.setStatus(opUpdate, 400)
	if err := h.dispatcher.Handle(ctx, envs[0]); err == nil {
		t.Fatal("expected 400 on update to fail")
	}
	h.gateway.setStatus(opUpdate, 404)
	if err := h.dispatcher.Handle(ctx, envs[0]); err == nil {
		t.Fatal("expected 404 on update to fail")
	}
	h.assertCounts(t, 1, 0)
}

func TestDispatcher_EventMapping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := validRecord()
	rec.SmsOptInPref = true
	var all []patient.Envelope
	envs, _ := h.svc.Create(ctx, p1, rec)
	all = append(all, envs...)
	envs, _ = h.svc.Merge(ctx, p1, rec, "p2")
	all = append(all, envs...)
	envs, _ = h.svc.Delete(ctx, p1)
	all = append(all, envs...)

	for _, env := range all {
		if err := h.dispatcher.Handle(ctx, env); err != nil {
			t.Fatalf("handle seq %d: %v", env.Seq, err)
		}
	}

	// created, opted-in (no call), merged, updated, deleted
	wantOps := []string{opCreate, opUpdate, opUpdate, opDelete}
	if len(h.gateway.calls) != len(wantOps) {
		t.Fatalf("expected %d calls, got %+v", len(wantOps), h.gateway.calls)
	}
	for i, op := range wantOps {
		if h.gateway.calls[i].op != op || h.gateway.calls[i].id != p1 {
			t.Errorf("call %d: expected %s on %v, got %+v", i, op, p1, h.gateway.calls[i])
		}
	}
	h.assertCounts(t, 5, 5)

	optIn, _ := h.ledger.Get(ctx, "101-p1_2")
	if optIn.UpdateType != UpdateSmsOptedIn || !optIn.Delivered {
		t.Errorf("unexpected opt-in entry %+v", optIn)
	}
	merged, _ := h.ledger.Get(ctx, "101-p1_3")
	if merged.UpdateType != UpdateMerged || merged.Record == nil {
		t.Errorf("unexpected merged entry %+v", merged)
	}
	deleted, _ := h.ledger.Get(ctx, "101-p1_5")
	if deleted.UpdateType != UpdateDeleted || deleted.Record != nil {
		t.Errorf("unexpected deleted entry %+v", deleted)
	}
}

func TestDispatcher_ConcurrentRedelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	envs, _ := h.svc.Create(ctx, p1, validRecord())

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.dispatcher.Handle(ctx, envs[0])
		}()
	}
	wg.Wait()

	h.assertCounts(t, 1, 1)
	all, total, _ := h.ledger.ListEntries(ctx, false, 0, 0)
	if total != 1 || len(all) != 1 {
		t.Errorf("expected a single ledger entry, got %d", total)
	}
}

// foreignEvent satisfies patient.Event without being one of its known kinds.
type foreignEvent struct{ patient.Event }

func (foreignEvent) Type() patient.EventType { return "Foreign" }

func TestDispatcher_UnknownEventIsError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, env := range []patient.Envelope{
		{ID: p1, Seq: 1, Event: foreignEvent{}},
		{ID: p1, Seq: 2},
	} {
		err := h.dispatcher.Handle(ctx, env)
		var de *DeliveryError
		if !errors.As(err, &de) || !errors.Is(err, ErrUnknownEvent) {
			t.Fatalf("seq %d: expected DeliveryError wrapping ErrUnknownEvent, got %v", env.Seq, err)
		}
	}
	if h.gateway.callCount() != 0 {
		t.Errorf("expected no central calls, got %d", h.gateway.callCount())
	}
	h.assertCounts(t, 0, 0)
}
