package patient

import (
	"encoding/json"
	"fmt"
)

// EventType is the journal type name of an event.
type EventType string

const (
	TypeCreated    EventType = "patient-record-created"
	TypeUpdated    EventType = "patient-record-updated"
	TypeDeleted    EventType = "patient-record-deleted"
	TypeMerged     EventType = "patient-record-merged"
	TypeSmsOptedIn EventType = "patient-opted-in-for-sms"
)

// Event is the sealed set of patient record events. Consumers switch on the
// concrete type and must handle every case.
type Event interface {
	Type() EventType
	isEvent()
}

type Created struct {
	Record Record `json:"patientRecord"`
}

type Updated struct {
	Record Record `json:"patientRecord"`
}

type Deleted struct {
	PharmacyID string `json:"pharmacyId"`
	PatientID  string `json:"patientId"`
}

type Merged struct {
	Updated         Record `json:"updated"`
	MergedPatientID string `json:"mergedWithPatientId"`
}

// SmsOptedIn is local-only; it has no remote effect.
type SmsOptedIn struct {
	Record Record `json:"patientRecord"`
}

func (Created) Type() EventType    { return TypeCreated }
func (Updated) Type() EventType    { return TypeUpdated }
func (Deleted) Type() EventType    { return TypeDeleted }
func (Merged) Type() EventType     { return TypeMerged }
func (SmsOptedIn) Type() EventType { return TypeSmsOptedIn }

func (Created) isEvent()    {}
func (Updated) isEvent()    {}
func (Deleted) isEvent()    {}
func (Merged) isEvent()     {}
func (SmsOptedIn) isEvent() {}

// MarshalEvent encodes the event payload; the type travels separately.
func MarshalEvent(ev Event) (EventType, []byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", nil, fmt.Errorf("marshal %s: %w", ev.Type(), err)
	}
	return ev.Type(), payload, nil
}

// UnmarshalEvent decodes a payload previously produced by MarshalEvent.
func UnmarshalEvent(t EventType, payload []byte) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch t {
	case TypeCreated:
		var e Created
		err = json.Unmarshal(payload, &e)
		ev = e
	case TypeUpdated:
		var e Updated
		err = json.Unmarshal(payload, &e)
		ev = e
	case TypeDeleted:
		var e Deleted
		err = json.Unmarshal(payload, &e)
		ev = e
	case TypeMerged:
		var e Merged
		err = json.Unmarshal(payload, &e)
		ev = e
	case TypeSmsOptedIn:
		var e SmsOptedIn
		err = json.Unmarshal(payload, &e)
		ev = e
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", t, err)
	}
	return ev, nil
}

// wireEnvelope is the self-describing JSON form used on external transports.
type wireEnvelope struct {
	ID         ID              `json:"id"`
	Seq        int64           `json:"seq"`
	Position   int64           `json:"position"`
	Type       EventType       `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	RecordedAt json.RawMessage `json:"recordedAt"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	t, payload, err := MarshalEvent(e.Event)
	if err != nil {
		return nil, err
	}
	at, err := json.Marshal(e.RecordedAt)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{
		ID:         e.ID,
		Seq:        e.Seq,
		Position:   e.Position,
		Type:       t,
		Payload:    payload,
		RecordedAt: at,
	})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ev, err := UnmarshalEvent(w.Type, w.Payload)
	if err != nil {
		return err
	}
	e.ID = w.ID
	e.Seq = w.Seq
	e.Position = w.Position
	e.Event = ev
	if len(w.RecordedAt) > 0 {
		if err := json.Unmarshal(w.RecordedAt, &e.RecordedAt); err != nil {
			return fmt.Errorf("unmarshal recordedAt: %w", err)
		}
	}
	return nil
}
