package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rxsync/rxsync/internal/domain/patient"
	"github.com/rxsync/rxsync/internal/platform/centralclient"
)

// DeliveryError reports an update that did not reach central on this attempt.
// The event source presents the same envelope again later.
type DeliveryError struct {
	Op         string
	UpdateID   string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("deliver %s: %s: %v", e.UpdateID, e.Op, e.Err)
	}
	return fmt.Sprintf("deliver %s: %s returned status %d", e.UpdateID, e.Op, e.StatusCode)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ErrUnknownEvent marks an envelope whose event has no central operation.
var ErrUnknownEvent = errors.New("unknown event type")

const (
	opCreate = "create"
	opUpdate = "update"
	opDelete = "delete"
)

// acceptable lists the statuses that settle an update per operation. A 400 on
// create means central already has the record.
var acceptable = map[string]map[int]bool{
	opCreate: {http.StatusOK: true, http.StatusBadRequest: true},
	opUpdate: {http.StatusOK: true},
	opDelete: {http.StatusOK: true},
}

// Dispatcher turns journal envelopes into calls to central, recording each
// update in the ledger before the call and confirming it after.
type Dispatcher struct {
	ledger  Ledger
	gateway centralclient.Gateway
	metrics *Metrics
	tracer  trace.Tracer
	logger  zerolog.Logger
}

// NewDispatcher builds a dispatcher. metrics may be nil.
func NewDispatcher(ledger Ledger, gateway centralclient.Gateway, metrics *Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		ledger:  ledger,
		gateway: gateway,
		metrics: metrics,
		tracer:  otel.Tracer("github.com/rxsync/rxsync/internal/domain/delivery"),
		logger:  logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Handle processes one envelope. A nil return acknowledges it; any error asks
// for redelivery. Handle never retries on its own.
func (d *Dispatcher) Handle(ctx context.Context, env patient.Envelope) (err error) {
	updateID := UpdateID(env.ID, env.Seq)
	if env.Event == nil {
		d.outcome("rejected")
		return &DeliveryError{Op: "dispatch", UpdateID: updateID, Err: fmt.Errorf("%w: envelope has no event", ErrUnknownEvent)}
	}
	op, call, err := d.callFor(env)
	if err != nil {
		d.logger.Error().Err(err).Str("update_id", updateID).Msg("cannot dispatch update")
		d.outcome("rejected")
		return &DeliveryError{Op: "dispatch", UpdateID: updateID, Err: err}
	}

	ctx, span := d.tracer.Start(ctx, "delivery.Handle", trace.WithAttributes(
		attribute.String("update.id", updateID),
		attribute.String("event.type", string(env.Event.Type())),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	log := d.logger.With().Str("update_id", updateID).Str("event", string(env.Event.Type())).Logger()

	existing, err := d.ledger.Get(ctx, updateID)
	switch {
	case err == nil && existing.Delivered:
		log.Debug().Msg("already delivered")
		d.outcome("duplicate")
		return nil
	case err != nil && !errors.Is(err, ErrEntryNotFound):
		return fmt.Errorf("ledger lookup %s: %w", updateID, err)
	}

	req := requirementFor(updateID, env)
	if _, err := d.ledger.Create(ctx, req); err != nil {
		return fmt.Errorf("ledger create %s: %w", updateID, err)
	}

	if call == nil {
		log.Debug().Msg("local-only update")
		return d.confirm(ctx, updateID, "local")
	}

	start := time.Now()
	res, callErr := call(ctx)
	d.observe(op, res, time.Since(start))
	if callErr != nil {
		log.Warn().Err(callErr).Str("op", op).Msg("central call failed")
		d.outcome("failed")
		return &DeliveryError{Op: op, UpdateID: updateID, Err: callErr}
	}
	span.SetAttributes(attribute.Int("central.status_code", res.StatusCode))

	if !acceptable[op][res.StatusCode] {
		log.Warn().Str("op", op).Int("status", res.StatusCode).Msg("central rejected update")
		d.outcome("rejected")
		return &DeliveryError{Op: op, UpdateID: updateID, StatusCode: res.StatusCode}
	}
	log.Debug().Str("op", op).Int("status", res.StatusCode).Msg("central accepted update")
	return d.confirm(ctx, updateID, "delivered")
}

func (d *Dispatcher) confirm(ctx context.Context, updateID, outcome string) error {
	if _, err := d.ledger.MarkDelivered(ctx, updateID); err != nil {
		return fmt.Errorf("ledger mark delivered %s: %w", updateID, err)
	}
	d.outcome(outcome)
	return nil
}

type gatewayCall func(ctx context.Context) (*centralclient.Result, error)

// callFor maps an event to its central call. SmsOptedIn has no call.
func (d *Dispatcher) callFor(env patient.Envelope) (string, gatewayCall, error) {
	switch e := env.Event.(type) {
	case patient.Created:
		return opCreate, func(ctx context.Context) (*centralclient.Result, error) { return d.gateway.Create(ctx, e.Record) }, nil
	case patient.Updated:
		return opUpdate, func(ctx context.Context) (*centralclient.Result, error) { return d.gateway.Update(ctx, e.Record) }, nil
	case patient.Merged:
		return opUpdate, func(ctx context.Context) (*centralclient.Result, error) { return d.gateway.Update(ctx, e.Updated) }, nil
	case patient.Deleted:
		id := patient.ID{PharmacyID: e.PharmacyID, PatientID: e.PatientID}
		return opDelete, func(ctx context.Context) (*centralclient.Result, error) { return d.gateway.Delete(ctx, id) }, nil
	case patient.SmsOptedIn:
		return "", nil, nil
	default:
		return "", nil, fmt.Errorf("%w %T", ErrUnknownEvent, env.Event)
	}
}

func requirementFor(updateID string, env patient.Envelope) Requirement {
	req := Requirement{UpdateID: updateID, PharmacyID: env.ID.PharmacyID, PatientID: env.ID.PatientID}
	switch e := env.Event.(type) {
	case patient.Created:
		req.UpdateType, req.Record = UpdateCreated, &e.Record
	case patient.Updated:
		req.UpdateType, req.Record = UpdateUpdated, &e.Record
	case patient.Merged:
		req.UpdateType, req.Record = UpdateMerged, &e.Updated
	case patient.Deleted:
		req.UpdateType = UpdateDeleted
	case patient.SmsOptedIn:
		req.UpdateType, req.Record = UpdateSmsOptedIn, &e.Record
	}
	return req
}

func (d *Dispatcher) outcome(o string) {
	if d.metrics != nil {
		d.metrics.Dispatched.WithLabelValues(o).Inc()
	}
}

func (d *Dispatcher) observe(op string, res *centralclient.Result, took time.Duration) {
	if d.metrics == nil {
		return
	}
	status := 0
	if res != nil {
		status = res.StatusCode
	}
	d.metrics.GatewayRequests.WithLabelValues(op, strconv.Itoa(status)).Inc()
	d.metrics.GatewayDuration.WithLabelValues(op).Observe(took.Seconds())
}
