// Package mapping translates between legacy HL7 v2 messages and the
// resources exchanged with the gateway, in both directions.
package mapping

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/minasoft/hl7-bridge/internal/fhir"
	"github.com/minasoft/hl7-bridge/internal/hl7"
)

// MessageFamily is the closed set of message families the bridge decodes.
type MessageFamily int

const (
	FamilyUnsupported MessageFamily = iota
	FamilyADT
	FamilyORU
	FamilySIU
)

func (f MessageFamily) String() string {
	switch f {
	case FamilyADT:
		return "ADT"
	case FamilyORU:
		return "ORU"
	case FamilySIU:
		return "SIU"
	default:
		return "unsupported"
	}
}

// Classify returns the family of a raw MSH-9 value such as "ORU^R01".
func Classify(messageType string) MessageFamily {
	switch strings.ToUpper(strings.TrimSpace(hl7.ComponentAt(messageType, 1))) {
	case "ADT":
		return FamilyADT
	case "ORU":
		return FamilyORU
	case "SIU":
		return FamilySIU
	default:
		return FamilyUnsupported
	}
}

var (
	ErrEmptyMessage           = errors.New("empty message")
	ErrUnsupportedMessageType = errors.New("unsupported message type")
	ErrMissingSegment         = errors.New("missing mandatory segment")
)

// DecodeError reports why a message could not be turned into resources.
// Segment is set when a mandatory segment was absent.
type DecodeError struct {
	MessageType string
	Segment     string
	Err         error
}

func (e *DecodeError) Error() string {
	msg := "decode"
	if e.MessageType != "" {
		msg += " " + e.MessageType
	}
	if e.Segment != "" {
		return fmt.Sprintf("%s: %v: %s", msg, e.Err, e.Segment)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoded is the output of a successful decode. Resources are ordered:
// Patient first, then the family-specific resources.
type Decoded struct {
	Family      MessageFamily
	MessageType string
	ControlID   string
	Resources   []fhir.Resource
}

const (
	defaultAppointmentMinutes = 30
	defaultDescription        = "Consultation"

	systemAppointmentReason = "http://terminology.hl7.org/CodeSystem/v2-0276"

	loincLabReport = "11502-2"
)

// Decode parses a raw message and maps it to resources. Either every
// resource is returned or none is.
func Decode(raw []byte) (*Decoded, error) {
	msg, err := hl7.ParseMessage(raw)
	switch {
	case errors.Is(err, hl7.ErrEmptyMessage):
		return nil, &DecodeError{Err: ErrEmptyMessage}
	case errors.Is(err, hl7.ErrNoHeader):
		return nil, &DecodeError{Segment: "MSH", Err: ErrMissingSegment}
	case err != nil:
		return nil, &DecodeError{Err: err}
	}
	return DecodeMessage(msg)
}

// DecodeMessage maps an already parsed message.
func DecodeMessage(msg *hl7.Message) (*Decoded, error) {
	messageType := msg.MessageType()
	out := &Decoded{
		Family:      Classify(messageType),
		MessageType: messageType,
		ControlID:   msg.ControlID(),
	}

	var (
		resources []fhir.Resource
		err       error
	)
	switch out.Family {
	case FamilyADT:
		var p *fhir.Patient
		p, err = decodePatient(msg)
		if err == nil {
			resources = []fhir.Resource{p}
		}
	case FamilyORU:
		resources, err = decodeResults(msg)
	case FamilySIU:
		resources, err = decodeSchedule(msg)
	default:
		err = ErrUnsupportedMessageType
	}
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			de.MessageType = messageType
			return nil, de
		}
		return nil, &DecodeError{MessageType: messageType, Err: err}
	}

	out.Resources = resources
	return out, nil
}

func missing(tag string) error {
	return &DecodeError{Segment: tag, Err: ErrMissingSegment}
}

func decodePatient(msg *hl7.Message) (*fhir.Patient, error) {
	pid, ok := msg.Segment("PID")
	if !ok {
		return nil, missing("PID")
	}

	p := &fhir.Patient{ResourceType: fhir.ResourcePatient}
	var ins, local string
	for _, rep := range pid.Repetitions(3) {
		value := hl7.ComponentAt(rep, 1)
		if value == "" {
			continue
		}
		authority := hl7.ComponentAt(rep, 4)
		if authority == fhir.AuthorityINS || authority == fhir.OIDINS {
			// Only a qualified value marks the identity as validated; an
			// unqualified one still identifies the patient locally.
			if ins == "" && fhir.IsQualifiedINS(value) {
				ins = value
			} else if local == "" {
				local = value
			}
			p.Identifier = append(p.Identifier, fhir.Identifier{
				Type: &fhir.CodeableConcept{Coding: []fhir.Coding{
					{System: fhir.SystemIdentifierType, Code: fhir.IdentifierTypeINS},
				}},
				System: fhir.SystemINS,
				Value:  value,
			})
			continue
		}
		if local == "" {
			local = value
		}
		p.Identifier = append(p.Identifier, fhir.Identifier{System: fhir.SystemLocalID, Value: value})
	}

	switch {
	case ins != "":
		p.ID = "pat-" + ins
		p.Extension = []fhir.Extension{
			{URL: fhir.ExtensionIdentityStatus, ValueCode: fhir.IdentityStatusValidated},
		}
	case local != "":
		p.ID = "pat-local-" + local
	default:
		p.ID = "pat-" + nameUUID(pid)
	}

	p.Name = []fhir.HumanName{{
		Use:    "official",
		Family: strings.ToUpper(hl7.Unescape(pid.Component(5, 1))),
		Given:  strings.Fields(hl7.Unescape(pid.Component(5, 2))),
	}}
	p.BirthDate = formatDate(pid.Field(7))
	p.Gender = decodeGender(pid.Field(8))
	return p, nil
}

// nameUUID derives a stable id from the segment text so that decoding the
// same message twice yields the same resource ids.
func nameUUID(s hl7.Segment) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(s.String())).String()
}

func decodeGender(v string) string {
	switch v {
	case "M":
		return "male"
	case "F":
		return "female"
	default:
		return "other"
	}
}

func decodeResults(msg *hl7.Message) ([]fhir.Resource, error) {
	patient, err := decodePatient(msg)
	if err != nil {
		return nil, err
	}
	resources := []fhir.Resource{patient}

	obr, ok := msg.Segment("OBR")
	if !ok {
		return resources, nil
	}

	rid := obr.Component(3, 1)
	if rid == "" {
		rid = obr.Component(2, 1)
	}
	if rid == "" {
		rid = nameUUID(obr)
	}

	subject := fhir.Ref(fhir.ResourcePatient, patient.ID)
	effective := formatDateTime(obr.Field(7))
	report := &fhir.DiagnosticReport{
		ResourceType:      fhir.ResourceDiagnosticReport,
		ID:                "dr-" + rid,
		Status:            "final",
		Code:              codedElement(obr.Field(4)),
		Subject:           &subject,
		EffectiveDateTime: effective,
	}

	for i, obx := range msg.All("OBX") {
		if obx.Field(2) == "ED" {
			data := obx.Component(5, 5)
			if data == "" {
				data = obx.Field(5)
			}
			att := fhir.Attachment{ContentType: "application/pdf", Data: data, Title: "Compte-rendu PDF"}
			resources = append(resources, &fhir.DocumentReference{
				ResourceType: fhir.ResourceDocumentReference,
				ID:           fmt.Sprintf("doc-%s-%d", rid, i),
				Status:       "current",
				Type: &fhir.CodeableConcept{Coding: []fhir.Coding{
					{System: fhir.SystemLOINC, Code: loincLabReport, Display: "Laboratory report"},
				}},
				Subject: &subject,
				Content: []fhir.DocumentContent{{Attachment: att}},
			})
			report.PresentedForm = append(report.PresentedForm, att)
			continue
		}

		obs := decodeObservation(obx, fmt.Sprintf("obs-%s-%d", rid, i), effective)
		obs.Subject = &subject
		resources = append(resources, obs)
		report.Result = append(report.Result, fhir.Ref(fhir.ResourceObservation, obs.ID))
	}

	return append(resources, report), nil
}

func decodeObservation(obx hl7.Segment, id, reportEffective string) *fhir.Observation {
	obs := &fhir.Observation{
		ResourceType:      fhir.ResourceObservation,
		ID:                id,
		Status:            decodeResultStatus(obx.Field(11)),
		Code:              codedElement(obx.Field(3)),
		EffectiveDateTime: formatDateTime(obx.Field(14)),
	}
	if obs.EffectiveDateTime == "" {
		obs.EffectiveDateTime = reportEffective
	}

	unit := obx.Component(6, 2)
	if unit == "" {
		unit = obx.Component(6, 1)
	}

	switch obx.Field(2) {
	case "NM":
		raw := strings.TrimSpace(obx.Field(5))
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			obs.ValueString = raw
			break
		}
		q := &fhir.Quantity{Value: v, Unit: unit, Code: obx.Component(6, 1)}
		if obx.Component(6, 3) == "UCUM" {
			q.System = fhir.SystemUCUM
		}
		obs.ValueQuantity = q
	case "ST", "TX", "FT":
		obs.ValueString = hl7.Unescape(obx.Field(5))
	}

	if rr, ok := decodeRange(obx.Field(7), unit); ok {
		obs.ReferenceRange = []fhir.ReferenceRange{rr}
	}
	return obs
}

func decodeResultStatus(v string) string {
	switch v {
	case "F":
		return "final"
	case "P":
		return "preliminary"
	case "C":
		return "corrected"
	default:
		return "unknown"
	}
}

var rangePattern = regexp.MustCompile(`^\s*(-?\d+(?:\.\d+)?)\s*-\s*(-?\d+(?:\.\d+)?)\s*$`)

// decodeRange reads an OBX-7 reference range. "low-high" becomes a
// bounded range; any other non-empty text is kept as text.
func decodeRange(v, unit string) (fhir.ReferenceRange, bool) {
	if strings.TrimSpace(v) == "" {
		return fhir.ReferenceRange{}, false
	}
	m := rangePattern.FindStringSubmatch(v)
	if m == nil {
		return fhir.ReferenceRange{Text: hl7.Unescape(v)}, true
	}
	low, _ := strconv.ParseFloat(m[1], 64)
	high, _ := strconv.ParseFloat(m[2], 64)
	return fhir.ReferenceRange{
		Low:  &fhir.Quantity{Value: low, Unit: unit},
		High: &fhir.Quantity{Value: high, Unit: unit},
	}, true
}

// codedElement maps a CE/CWE field. Laboratory senders code in LOINC
// whether or not component 3 says "LN".
func codedElement(v string) fhir.CodeableConcept {
	if v == "" {
		return fhir.CodeableConcept{Text: "Unknown"}
	}
	return fhir.CodeableConcept{Coding: []fhir.Coding{{
		System:  fhir.SystemLOINC,
		Code:    hl7.ComponentAt(v, 1),
		Display: hl7.Unescape(hl7.ComponentAt(v, 2)),
	}}}
}

func decodeSchedule(msg *hl7.Message) ([]fhir.Resource, error) {
	patient, err := decodePatient(msg)
	if err != nil {
		return nil, err
	}
	resources := []fhir.Resource{patient}

	sch, ok := msg.Segment("SCH")
	if !ok {
		return resources, nil
	}

	id := sch.Component(1, 1)
	if id == "" {
		id = sch.Component(2, 1)
	}
	if id == "" {
		id = nameUUID(sch)
	}

	timing := sch.Component(11, 4)
	if timing == "" {
		timing = sch.Field(11)
	}
	minutes, err := strconv.Atoi(strings.TrimSpace(sch.Field(9)))
	if err != nil || minutes <= 0 {
		minutes = defaultAppointmentMinutes
	}
	var start, end string
	if t, _, ok := parseTimestamp(timing); ok {
		start = t.Format(time.RFC3339)
		end = t.Add(time.Duration(minutes) * time.Minute).Format(time.RFC3339)
	}

	description := hl7.Unescape(sch.Field(7))
	if description == "" {
		description = defaultDescription
	}

	appt := &fhir.Appointment{
		ResourceType:    fhir.ResourceAppointment,
		ID:              "apt-" + id,
		Status:          FromLegacyStatus(sch.Field(25)),
		Description:     description,
		Start:           start,
		End:             end,
		MinutesDuration: minutes,
		Participant: []fhir.AppointmentParticipant{
			{Actor: fhir.Ref(fhir.ResourcePatient, patient.ID), Status: "accepted"},
		},
	}
	if filler := sch.Component(2, 1); filler != "" {
		appt.Identifier = []fhir.Identifier{{
			Type: &fhir.CodeableConcept{Coding: []fhir.Coding{
				{System: fhir.SystemIdentifierType, Code: fhir.IdentifierTypeFiller},
			}},
			Value: filler,
		}}
	}
	if code := sch.Component(8, 1); code != "" {
		appt.AppointmentType = &fhir.CodeableConcept{Coding: []fhir.Coding{
			{System: systemAppointmentReason, Code: code, Display: hl7.Unescape(sch.Component(8, 2))},
		}}
	}
	if ais, ok := msg.Segment("AIS"); ok && ais.Component(3, 1) != "" {
		appt.ServiceType = []fhir.CodeableConcept{{Coding: []fhir.Coding{
			{Code: ais.Component(3, 1), Display: hl7.Unescape(ais.Component(3, 2))},
		}}}
	}
	if ail, ok := msg.Segment("AIL"); ok && ail.Component(3, 1) != "" {
		appt.Participant = append(appt.Participant, fhir.AppointmentParticipant{
			Actor: fhir.Ref(fhir.ResourceLocation, ail.Component(3, 1)), Status: "accepted",
		})
	}

	practitioner := fhir.Ref(fhir.ResourcePractitioner, "example")
	if aip, ok := msg.Segment("AIP"); ok && aip.Component(3, 1) != "" {
		practitioner = fhir.Ref(fhir.ResourcePractitioner, aip.Component(3, 1))
		appt.Participant = append(appt.Participant, fhir.AppointmentParticipant{
			Actor: practitioner, Status: "accepted",
		})
	}

	schedule := &fhir.Schedule{
		ResourceType: fhir.ResourceSchedule,
		ID:           "sch-" + id,
		Active:       true,
		Actor:        []fhir.Reference{practitioner},
	}
	slot := &fhir.Slot{
		ResourceType: fhir.ResourceSlot,
		ID:           "slot-" + id,
		Schedule:     fhir.Ref(fhir.ResourceSchedule, schedule.ID),
		Status:       "busy",
		Start:        start,
		End:          end,
	}
	appt.Slot = []fhir.Reference{fhir.Ref(fhir.ResourceSlot, slot.ID)}

	return append(resources, schedule, slot, appt), nil
}

// parseTimestamp reads the leading digits of an HL7 DTM value. hasTime
// is false when only a date was present. Offsets are ignored and the
// value is taken as UTC.
func parseTimestamp(v string) (t time.Time, hasTime bool, ok bool) {
	digits := v
	for i, r := range v {
		if r < '0' || r > '9' {
			digits = v[:i]
			break
		}
	}

	var layout string
	switch n := len(digits); {
	case n >= 14:
		digits, layout = digits[:14], "20060102150405"
	case n >= 12:
		digits, layout = digits[:12], "200601021504"
	case n >= 8:
		digits, layout = digits[:8], "20060102"
	default:
		return time.Time{}, false, false
	}

	t, err := time.ParseInLocation(layout, digits, time.UTC)
	if err != nil {
		return time.Time{}, false, false
	}
	return t, len(digits) > 8, true
}

func formatDate(v string) string {
	t, _, ok := parseTimestamp(v)
	if !ok {
		return ""
	}
	return t.Format(time.DateOnly)
}

func formatDateTime(v string) string {
	t, hasTime, ok := parseTimestamp(v)
	switch {
	case !ok:
		return ""
	case !hasTime:
		return t.Format(time.DateOnly)
	default:
		return t.Format(time.RFC3339)
	}
}
