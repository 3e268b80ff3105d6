package patient

import (
	"fmt"
	"strings"
	"time"
)

// ID identifies one patient record across the store and central.
type ID struct {
	PharmacyID string `json:"pharmacyId"`
	PatientID  string `json:"patientId"`
}

func (id ID) String() string {
	return id.PharmacyID + "-" + id.PatientID
}

// ParseID splits a "pharmacyId-patientId" key. Pharmacy ids never contain a dash,
// patient ids (uuids) may.
func ParseID(s string) (ID, error) {
	pharmacyID, patientID, ok := strings.Cut(s, "-")
	if !ok || pharmacyID == "" || patientID == "" {
		return ID{}, fmt.Errorf("invalid patient record id %q", s)
	}
	return ID{PharmacyID: pharmacyID, PatientID: patientID}, nil
}

// Record is an immutable patient record value. A mutation replaces the whole record.
type Record struct {
	PharmacyID       string  `json:"pharmacyId"`
	PatientID        string  `json:"patientId"`
	FirstName        string  `json:"firstName"`
	LastName         string  `json:"lastName"`
	PrefName         *string `json:"prefName"`
	DateOfBirth      string  `json:"dateOfBirth"`
	PhoneNumber      string  `json:"phoneNumber"`
	ProvHealthNumber string  `json:"provHealthNumber"`
	UnitNumber       *string `json:"unitNumber"`
	StreetNumber     string  `json:"streetNumber"`
	StreetName       string  `json:"streetName"`
	City             string  `json:"city"`
	Province         string  `json:"province"`
	PostalCode       string  `json:"postalCode"`
	Country          string  `json:"country"`
	LangPref         string  `json:"langPref"`
	SmsOptInPref     bool    `json:"smsOptInPref"`
}

func (r Record) ID() ID {
	return ID{PharmacyID: r.PharmacyID, PatientID: r.PatientID}
}

// WithID returns a copy of r addressed to id.
func (r Record) WithID(id ID) Record {
	r.PharmacyID = id.PharmacyID
	r.PatientID = id.PatientID
	return r
}

// Validate checks the fields every stored record must carry.
func (r Record) Validate() error {
	var fields []string
	if strings.TrimSpace(r.FirstName) == "" {
		fields = append(fields, "first name cannot be empty")
	}
	if strings.TrimSpace(r.LastName) == "" {
		fields = append(fields, "last name cannot be empty")
	}
	if strings.TrimSpace(r.PhoneNumber) == "" {
		fields = append(fields, "phone number cannot be empty")
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// State is the fold of an identity's events.
type State struct {
	Record  *Record
	Deleted bool
	Seq     int64
}

// Exists reports whether a live (non-tombstoned) record is present.
func (s State) Exists() bool {
	return s.Record != nil && !s.Deleted
}

// Apply folds one event into the state. Seq is advanced by the journal, not here.
func (s State) Apply(ev Event) State {
	switch e := ev.(type) {
	case Created:
		rec := e.Record
		s.Record = &rec
	case Updated:
		rec := e.Record
		s.Record = &rec
	case Merged:
		rec := e.Updated
		s.Record = &rec
	case Deleted:
		s.Deleted = true
	case SmsOptedIn:
	}
	return s
}

// Envelope is one journaled event as presented to consumers.
type Envelope struct {
	ID         ID        `json:"id"`
	Seq        int64     `json:"seq"`
	Position   int64     `json:"position"`
	Event      Event     `json:"-"`
	RecordedAt time.Time `json:"recordedAt"`
}
