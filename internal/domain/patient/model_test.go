package patient

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestParseID(t *testing.T) {
	id, err := ParseID("101-1b4e28ba-2fa1-11d2-883f-0016d3cca427")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.PharmacyID != "101" || id.PatientID != "1b4e28ba-2fa1-11d2-883f-0016d3cca427" {
		t.Errorf("unexpected id %+v", id)
	}
	if id.String() != "101-1b4e28ba-2fa1-11d2-883f-0016d3cca427" {
		t.Errorf("round trip mismatch: %s", id)
	}

	for _, bad := range []string{"", "101", "-abc", "101-"} {
		if _, err := ParseID(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestState_Apply(t *testing.T) {
	rec := sampleRecord().WithID(testID)
	var st State
	if st.Exists() {
		t.Fatal("zero state should not exist")
	}
	st = st.Apply(Created{Record: rec})
	if !st.Exists() {
		t.Fatal("expected record after Created")
	}
	st = st.Apply(SmsOptedIn{Record: rec})
	if st.Record.LastName != "Lovelace" {
		t.Error("opt-in must not change the record")
	}
	merged := rec
	merged.LastName = "King"
	st = st.Apply(Merged{Updated: merged, MergedPatientID: "p-2"})
	if st.Record.LastName != "King" {
		t.Errorf("expected King, got %s", st.Record.LastName)
	}
	st = st.Apply(Deleted{PharmacyID: "101", PatientID: "p-1"})
	if st.Exists() || !st.Deleted {
		t.Error("expected tombstone after Deleted")
	}
}

func TestRecord_NullableFieldsJSON(t *testing.T) {
	rec := sampleRecord()
	data, _ := json.Marshal(rec)
	var m map[string]any
	json.Unmarshal(data, &m)
	if v, ok := m["prefName"]; !ok || v != nil {
		t.Errorf("expected prefName null, got %v", v)
	}

	unit := "4B"
	rec.UnitNumber = &unit
	data, _ = json.Marshal(rec)
	var back Record
	json.Unmarshal(data, &back)
	if back.UnitNumber == nil || *back.UnitNumber != "4B" {
		t.Errorf("unit number lost: %v", back.UnitNumber)
	}
}

func TestEnvelope_JSON(t *testing.T) {
	env := Envelope{
		ID:         testID,
		Seq:        3,
		Position:   42,
		Event:      Merged{Updated: sampleRecord().WithID(testID), MergedPatientID: "p-2"},
		RecordedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	json.Unmarshal(data, &m)
	if m["type"] != string(TypeMerged) {
		t.Errorf("expected type %s, got %v", TypeMerged, m["type"])
	}

	var back Envelope
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	merged, ok := back.Event.(Merged)
	if !ok || merged.MergedPatientID != "p-2" {
		t.Errorf("unexpected event %#v", back.Event)
	}
	if back.Seq != 3 || back.Position != 42 || !back.RecordedAt.Equal(env.RecordedAt) {
		t.Errorf("unexpected envelope %+v", back)
	}
}

func TestUnmarshalEvent_Unknown(t *testing.T) {
	if _, err := UnmarshalEvent("patient-record-renamed", []byte(`{}`)); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestMemoryJournal_ReadFrom(t *testing.T) {
	j := NewMemoryJournal()
	ctx := context.Background()
	other := ID{PharmacyID: "101", PatientID: "p-2"}

	j.Append(ctx, testID, 0, []Event{Created{Record: sampleRecord()}})
	j.Append(ctx, other, 0, []Event{Created{Record: sampleRecord()}})
	j.Append(ctx, testID, 1, []Event{Updated{Record: sampleRecord()}})

	all, _ := j.ReadFrom(ctx, 0, 0)
	if len(all) != 3 {
		t.Fatalf("expected 3 envelopes, got %d", len(all))
	}
	for i, env := range all {
		if env.Position != int64(i+1) {
			t.Errorf("expected position %d, got %d", i+1, env.Position)
		}
	}
	if all[2].ID != testID || all[2].Seq != 2 {
		t.Errorf("unexpected third envelope %+v", all[2])
	}

	page, _ := j.ReadFrom(ctx, 1, 1)
	if len(page) != 1 || page[0].ID != other {
		t.Errorf("unexpected page %+v", page)
	}

	if _, err := j.Append(ctx, testID, 1, []Event{Updated{Record: sampleRecord()}}); err != ErrConcurrentUpdate {
		t.Errorf("expected ErrConcurrentUpdate, got %v", err)
	}
}
