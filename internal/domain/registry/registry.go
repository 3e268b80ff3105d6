// Package registry is central's event-sourced directory of pharmacies. A
// deleted pharmacy keeps its tombstone, so its id can never be registered again.
package registry

import (
	"errors"
	"strings"

	"github.com/rxsync/rxsync/internal/domain/patient"
)

var (
	ErrAlreadyExists    = errors.New("pharmacy already exists")
	ErrNotFound         = errors.New("pharmacy not found")
	ErrExpunged         = errors.New("pharmacy expunged")
	ErrForbidden        = errors.New("caller may not write another pharmacy")
	ErrConcurrentUpdate = errors.New("pharmacy modified concurrently")
)

type Pharmacy struct {
	PharmacyID  string `json:"pharmacyId"`
	Address     string `json:"address"`
	PhoneNumber string `json:"phoneNumber"`
	Version     int64  `json:"version"`
}

func (p Pharmacy) Validate() error {
	var fields []string
	if p.PharmacyID == "" || strings.Contains(p.PharmacyID, "-") {
		fields = append(fields, "pharmacy id must be non-empty and contain no dash")
	}
	if len(fields) > 0 {
		return &patient.ValidationError{Fields: fields}
	}
	return nil
}

type EventType string

const (
	EventCreated EventType = "PharmacyCreated"
	EventUpdated EventType = "PharmacyUpdated"
	EventDeleted EventType = "PharmacyDeleted"
)

// Event carries the full pharmacy for Created and Updated; Deleted has none.
type Event struct {
	Type     EventType
	Pharmacy *Pharmacy
}

type State struct {
	Pharmacy *Pharmacy
	Deleted  bool
	Seq      int64
}

// Apply folds ev into the state. Seq is left to the journal.
func (s State) Apply(ev Event) State {
	switch ev.Type {
	case EventCreated, EventUpdated:
		p := *ev.Pharmacy
		s.Pharmacy = &p
	case EventDeleted:
		s.Pharmacy = nil
		s.Deleted = true
	}
	return s
}
