package mapping

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/minasoft/hl7-bridge/internal/fhir"
	"github.com/minasoft/hl7-bridge/internal/hl7"
)

func testMapper() *WriteBackMapper {
	m := NewWriteBackMapper("", "", "", "")
	m.Now = func() time.Time { return time.Date(2026, 1, 29, 9, 30, 0, 0, time.UTC) }
	m.NewControlID = func() string { return "MSG0000000000000001" }
	return m
}

func bookedAppointment() *fhir.Appointment {
	return &fhir.Appointment{
		ResourceType:    fhir.ResourceAppointment,
		ID:              "apt-12345",
		Status:          "booked",
		Description:     "Consultation générale",
		Start:           "2026-01-29T10:00:00Z",
		End:             "2026-01-29T10:30:00Z",
		MinutesDuration: 30,
		AppointmentType: &fhir.CodeableConcept{Coding: []fhir.Coding{{Code: "ROUTINE", Display: "Routine"}}},
		ServiceType:     []fhir.CodeableConcept{{Coding: []fhir.Coding{{Code: "CON", Display: "Consultation"}}}},
	}
}

func insPatient() *fhir.Patient {
	return &fhir.Patient{
		ResourceType: fhir.ResourcePatient,
		ID:           "pat-123456789012345",
		Identifier:   []fhir.Identifier{{System: fhir.SystemINS, Value: "123456789012345"}},
		Name:         []fhir.HumanName{{Family: "DUBOIS", Given: []string{"JEAN"}}},
		BirthDate:    "1985-05-12",
		Gender:       "male",
	}
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		in    string
		want  Action
		event string
	}{
		{"", ActionCreate, "SIU^S12^SIU_S12"},
		{"create", ActionCreate, "SIU^S12^SIU_S12"},
		{"update", ActionUpdate, "SIU^S13^SIU_S12"},
		{"Cancel", ActionCancel, "SIU^S15^SIU_S12"},
	}
	for _, tt := range tests {
		got, err := ParseAction(tt.in)
		if err != nil {
			t.Fatalf("ParseAction(%q): %v", tt.in, err)
		}
		if got != tt.want || got.MessageType() != tt.event {
			t.Errorf("ParseAction(%q) = %s (%s)", tt.in, got, got.MessageType())
		}
	}

	if _, err := ParseAction("delete"); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("expected ErrInvalidAction, got %v", err)
	}
}

func TestBuildScheduleSegment(t *testing.T) {
	sch := BuildScheduleSegment(bookedAppointment())

	checks := map[int]string{
		1:  "12345",
		6:  "ROUTINE^Routine^HL70276",
		7:  "Consultation générale",
		8:  "ROUTINE",
		9:  "30",
		10: "min^^UCUM",
		11: "^^^20260129100000^20260129103000",
		25: "Booked",
	}
	for i, want := range checks {
		if got := sch.Field(i); got != want {
			t.Errorf("SCH-%d = %q, want %q", i, got, want)
		}
	}
	if sch.Len() != 26 {
		t.Errorf("expected fields through SCH-25, got %d", sch.Len())
	}
}

func TestBuildScheduleSegment_Defaults(t *testing.T) {
	sch := BuildScheduleSegment(&fhir.Appointment{
		ID:    "apt-1",
		Start: "2026-01-29T10:00:00+01:00",
		End:   "2026-01-29T11:15:00+01:00",
	})
	if sch.Field(6) != "ROUTINE^Routine appointment^HL70276" {
		t.Errorf("unexpected default event reason %q", sch.Field(6))
	}
	if sch.Field(7) != "Consultation" || sch.Field(8) != "ROUTINE" {
		t.Errorf("unexpected defaults %q %q", sch.Field(7), sch.Field(8))
	}
	if sch.Field(9) != "75" {
		t.Errorf("expected duration from start/end, got %q", sch.Field(9))
	}
	if sch.Field(11) != "^^^20260129090000^20260129101500" {
		t.Errorf("expected UTC timestamps, got %q", sch.Field(11))
	}
}

func TestBuildScheduleSegment_EscapesFreeText(t *testing.T) {
	appt := bookedAppointment()
	appt.ReasonCode = []fhir.CodeableConcept{{Coding: []fhir.Coding{{Display: "Bilan | suivi"}}}}
	sch := BuildScheduleSegment(appt)
	if sch.Field(7) != `Bilan \F\ suivi` {
		t.Errorf("expected escaped reason, got %q", sch.Field(7))
	}
}

func TestMapResourceToOutbound_Create(t *testing.T) {
	msg, err := testMapper().MapResourceToOutbound(bookedAppointment(), insPatient(), ActionCreate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "MSH|^~\\&|PFI|FACILITY|HIS|RECEIVER|20260129093000||SIU^S12^SIU_S12|MSG0000000000000001|P|2.5|||AL|NE||8859/1"
	if got := msg.Header().String(); got != want {
		t.Errorf("unexpected MSH:\n got %s\nwant %s", got, want)
	}

	var tags []string
	for _, s := range msg.Segments() {
		tags = append(tags, s.Tag())
	}
	if strings.Join(tags, ",") != "MSH,SCH,TQ1,PID,PV1,RGS,AIS" {
		t.Errorf("unexpected segments: %v", tags)
	}

	pid, _ := msg.Segment("PID")
	if pid.String() != "PID|1||123456789012345^^^INS~pat-123456789012345^^^LOCAL||DUBOIS^JEAN||19850512|M" {
		t.Errorf("unexpected PID: %s", pid)
	}
	tq1, _ := msg.Segment("TQ1")
	if tq1.String() != "TQ1|1||30^min^^UCUM||20260129100000" {
		t.Errorf("unexpected TQ1: %s", tq1)
	}
	ais, _ := msg.Segment("AIS")
	if ais.Field(3) != "CON^Consultation^L" || ais.Field(10) != "Confirmed" {
		t.Errorf("unexpected AIS: %s", ais)
	}
}

func TestMapResourceToOutbound_CancelOverridesStatus(t *testing.T) {
	appt := bookedAppointment()
	msg, err := testMapper().MapResourceToOutbound(appt, insPatient(), ActionCancel)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.MessageType() != "SIU^S15^SIU_S12" {
		t.Errorf("unexpected message type %s", msg.MessageType())
	}
	sch, _ := msg.Segment("SCH")
	if sch.Field(25) != "Cancelled" {
		t.Errorf("expected SCH-25 Cancelled, got %q", sch.Field(25))
	}
	ais, _ := msg.Segment("AIS")
	if ais.Field(10) != "Cancelled" {
		t.Errorf("expected AIS status Cancelled, got %q", ais.Field(10))
	}
	if appt.Status != "booked" {
		t.Errorf("input appointment must not be modified, got %s", appt.Status)
	}
}

func TestMapResourceToOutbound_ResourceSegments(t *testing.T) {
	appt := bookedAppointment()
	appt.Participant = []fhir.AppointmentParticipant{
		{Actor: fhir.Ref(fhir.ResourcePatient, "pat-1")},
		{Actor: fhir.Ref(fhir.ResourceLocation, "ROOM12")},
		{Actor: fhir.Ref(fhir.ResourcePractitioner, "DR42")},
	}
	msg, err := testMapper().MapResourceToOutbound(appt, insPatient(), ActionUpdate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ail, ok := msg.Segment("AIL")
	if !ok || ail.String() != "AIL|1|A|ROOM12^ROOM^L|||20260129100000||30|min^^UCUM" {
		t.Errorf("unexpected AIL: %s", ail)
	}
	aip, ok := msg.Segment("AIP")
	if !ok || aip.String() != "AIP|1|A|DR42^DOCTOR^L|||20260129100000||30|min^^UCUM" {
		t.Errorf("unexpected AIP: %s", aip)
	}
}

func TestMapResourceToOutbound_Errors(t *testing.T) {
	m := testMapper()
	if _, err := m.MapResourceToOutbound(bookedAppointment(), insPatient(), "reschedule"); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("expected ErrInvalidAction, got %v", err)
	}
	if _, err := m.MapResourceToOutbound(nil, insPatient(), ActionCreate); !errors.Is(err, ErrMissingResource) {
		t.Errorf("expected ErrMissingResource, got %v", err)
	}
	if _, err := m.MapResourceToOutbound(bookedAppointment(), nil, ActionCreate); !errors.Is(err, ErrMissingResource) {
		t.Errorf("expected ErrMissingResource, got %v", err)
	}
}

func TestWriteBack_RoundTrip(t *testing.T) {
	in := mustDecode(t, siuMessage)
	patient := in.Resources[0].(*fhir.Patient)
	appt := in.Resources[3].(*fhir.Appointment)

	msg, err := testMapper().MapResourceToOutbound(appt, patient, ActionUpdate)
	if err != nil {
		t.Fatalf("write-back: %v", err)
	}

	out, err := DecodeMessage(msg)
	if err != nil {
		t.Fatalf("decode write-back: %v", err)
	}
	backPatient := out.Resources[0].(*fhir.Patient)
	backAppt := out.Resources[3].(*fhir.Appointment)

	ins, _ := backPatient.NationalID()
	if ins.Value != "123456789012345" || backPatient.ID != patient.ID {
		t.Errorf("national id lost in round trip: %+v", backPatient.Identifier)
	}
	if backAppt.ID != appt.ID {
		t.Errorf("appointment id changed: %s -> %s", appt.ID, backAppt.ID)
	}
	if backAppt.Start != appt.Start || backAppt.End != appt.End || backAppt.Status != appt.Status {
		t.Errorf("timing or status changed: %+v -> %+v", appt, backAppt)
	}
	if backAppt.FillerID() != appt.FillerID() {
		t.Errorf("filler id changed: %s -> %s", appt.FillerID(), backAppt.FillerID())
	}
}

func TestHL7Time(t *testing.T) {
	tests := map[string]string{
		"":                          "",
		"2026-01-29T10:00:00Z":      "20260129100000",
		"2026-01-29T10:00:00+02:00": "20260129080000",
		"2026-01-29":                "20260129",
		"2026-01-29T10:00":          "202601291000",
	}
	for in, want := range tests {
		if got := hl7Time(in); got != want {
			t.Errorf("hl7Time(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMapResourceToOutbound_Parses(t *testing.T) {
	msg, err := testMapper().MapResourceToOutbound(bookedAppointment(), insPatient(), ActionCreate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parsed, err := hl7.ParseMessage(hl7.WrapMLLP(msg.Bytes()))
	if err != nil {
		t.Fatalf("outbound message does not parse: %v", err)
	}
	if parsed.ControlID() != "MSG0000000000000001" {
		t.Errorf("unexpected control id %s", parsed.ControlID())
	}
}
