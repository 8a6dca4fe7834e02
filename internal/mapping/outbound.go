package mapping

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/minasoft/hl7-bridge/internal/fhir"
	"github.com/minasoft/hl7-bridge/internal/hl7"
)

// Action selects the SIU trigger event of a write-back.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionCancel Action = "cancel"
)

var (
	ErrInvalidAction   = errors.New("invalid write-back action")
	ErrMissingResource = errors.New("missing resource")
)

// ParseAction accepts create, update and cancel. An empty value means
// create.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return ActionCreate, nil
	case ActionCreate, ActionUpdate, ActionCancel:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
	}
}

// Event returns the trigger event code, e.g. "S12".
func (a Action) Event() string {
	switch a {
	case ActionUpdate:
		return "S13"
	case ActionCancel:
		return "S15"
	default:
		return "S12"
	}
}

// MessageType returns the MSH-9 value for the action.
func (a Action) MessageType() string {
	return "SIU^" + a.Event() + "^SIU_S12"
}

const (
	hl7TimeLayout    = "20060102150405"
	durationUnits    = "min^^UCUM"
	defaultEventCode = "ROUTINE"
	defaultService   = "CON"
)

// BuildScheduleSegment serializes the scheduling fields of an appointment
// into an SCH segment.
func BuildScheduleSegment(appt *fhir.Appointment) hl7.Segment {
	minutes := appointmentMinutes(appt)

	eventReason := defaultEventCode + "^Routine appointment^HL70276"
	if appt.AppointmentType != nil {
		c := appt.AppointmentType.First()
		display := c.Display
		if display == "" {
			display = "Appointment"
		}
		eventReason = hl7.Escape(c.Code) + "^" + hl7.Escape(display) + "^HL70276"
	}

	reason := ""
	if len(appt.ReasonCode) > 0 {
		reason = appt.ReasonCode[0].First().Display
	}
	if reason == "" {
		reason = appt.Description
	}
	if reason == "" {
		reason = defaultDescription
	}

	apptType := appt.AppointmentType.First().Code
	if apptType == "" {
		apptType = defaultEventCode
	}

	return hl7.NewSegment("SCH").
		WithField(1, hl7.Escape(strings.TrimPrefix(appt.ID, "apt-"))).
		WithField(2, hl7.Escape(appt.FillerID())).
		WithField(6, eventReason).
		WithField(7, hl7.Escape(reason)).
		WithField(8, hl7.Escape(apptType)).
		WithField(9, strconv.Itoa(minutes)).
		WithField(10, durationUnits).
		WithField(11, "^^^"+hl7Time(appt.Start)+"^"+hl7Time(appt.End)).
		WithField(25, ToLegacyStatus(appt.Status))
}

// WriteBackMapper builds outbound SIU messages. The zero value is not
// usable; use NewWriteBackMapper.
type WriteBackMapper struct {
	SendingApp        string
	SendingFacility   string
	ReceivingApp      string
	ReceivingFacility string

	Now          func() time.Time
	NewControlID func() string
}

func NewWriteBackMapper(sendingApp, sendingFacility, receivingApp, receivingFacility string) *WriteBackMapper {
	return &WriteBackMapper{
		SendingApp:        orDefault(sendingApp, "PFI"),
		SendingFacility:   orDefault(sendingFacility, "FACILITY"),
		ReceivingApp:      orDefault(receivingApp, "HIS"),
		ReceivingFacility: orDefault(receivingFacility, "RECEIVER"),
		Now:               time.Now,
		NewControlID:      newControlID,
	}
}

func newControlID() string {
	return "MSG" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:16]
}

// MapResourceToOutbound builds the SIU message for an appointment. A
// cancel always serializes the appointment as cancelled, whatever its
// stored status.
func (m *WriteBackMapper) MapResourceToOutbound(appt *fhir.Appointment, patient *fhir.Patient, action Action) (*hl7.Message, error) {
	action, err := ParseAction(string(action))
	if err != nil {
		return nil, err
	}
	if appt == nil {
		return nil, fmt.Errorf("%w: appointment", ErrMissingResource)
	}
	if patient == nil {
		return nil, fmt.Errorf("%w: patient", ErrMissingResource)
	}

	scheduled := *appt
	if action == ActionCancel {
		scheduled.Status = StatusCancelled
	}

	minutes := strconv.Itoa(appointmentMinutes(&scheduled))
	start := hl7Time(scheduled.Start)

	msh := hl7.NewSegment("MSH", hl7.EncodingCharacters,
		m.SendingApp, m.SendingFacility, m.ReceivingApp, m.ReceivingFacility,
		m.Now().UTC().Format(hl7TimeLayout), "", action.MessageType(), m.NewControlID(),
		"P", "2.5", "", "", "AL", "NE", "", "8859/1")

	tq1 := hl7.NewSegment("TQ1", "1", "", minutes+"^min^^UCUM", "", start)
	pv1 := hl7.NewSegment("PV1", "1", "O").WithField(20, "V1")
	rgs := hl7.NewSegment("RGS", "1", "A")

	service, display := defaultService, defaultDescription
	if len(scheduled.ServiceType) > 0 {
		c := scheduled.ServiceType[0].First()
		if c.Code != "" {
			service = c.Code
		}
		if c.Display != "" {
			display = c.Display
		}
	}
	aisStatus := "Confirmed"
	if action == ActionCancel {
		aisStatus = "Cancelled"
	}
	ais := hl7.NewSegment("AIS", "1", "A", hl7.Escape(service)+"^"+hl7.Escape(display)+"^L", start).
		WithField(7, minutes).
		WithField(8, durationUnits).
		WithField(10, aisStatus)

	segments := []hl7.Segment{msh, BuildScheduleSegment(&scheduled), tq1, buildPatientSegment(patient), pv1, rgs, ais}

	if p, ok := scheduled.ParticipantOf(fhir.ResourceLocation); ok {
		_, id := p.Actor.Target()
		segments = append(segments, resourceSegment("AIL", id, "ROOM", start, minutes))
	}
	if p, ok := scheduled.ParticipantOf(fhir.ResourcePractitioner); ok {
		_, id := p.Actor.Target()
		segments = append(segments, resourceSegment("AIP", id, "DOCTOR", start, minutes))
	}

	return hl7.NewMessage(segments...), nil
}

func resourceSegment(tag, id, kind, start, minutes string) hl7.Segment {
	return hl7.NewSegment(tag, "1", "A", hl7.Escape(id)+"^"+kind+"^L").
		WithField(6, start).
		WithField(8, minutes).
		WithField(9, durationUnits)
}

func buildPatientSegment(p *fhir.Patient) hl7.Segment {
	var ids []string
	if ins, ok := p.NationalID(); ok && ins.Value != "" {
		ids = append(ids, hl7.Escape(ins.Value)+"^^^"+fhir.AuthorityINS)
	}
	local := p.ID
	if id, ok := p.LocalID(); ok {
		local = id.Value
	}
	if local != "" {
		ids = append(ids, hl7.Escape(local)+"^^^LOCAL")
	}

	name := p.OfficialName()
	if name == nil && len(p.Name) > 0 {
		name = &p.Name[0]
	}
	var family, given string
	if name != nil {
		family = name.Family
		given = strings.Join(name.Given, " ")
	}

	gender := "U"
	switch p.Gender {
	case "male":
		gender = "M"
	case "female":
		gender = "F"
	}

	return hl7.NewSegment("PID", "1", "",
		strings.Join(ids, hl7.RepetitionSeparator), "",
		hl7.Escape(family)+"^"+hl7.Escape(given), "",
		strings.ReplaceAll(p.BirthDate, "-", ""), gender)
}

// appointmentMinutes prefers the explicit duration, then the start/end
// difference, then the default.
func appointmentMinutes(appt *fhir.Appointment) int {
	if appt.MinutesDuration > 0 {
		return appt.MinutesDuration
	}
	start, err1 := time.Parse(time.RFC3339, appt.Start)
	end, err2 := time.Parse(time.RFC3339, appt.End)
	if err1 == nil && err2 == nil {
		if d := int(math.Round(end.Sub(start).Minutes())); d > 0 {
			return d
		}
	}
	return defaultAppointmentMinutes
}

var isoPunctuation = strings.NewReplacer("-", "", ":", "", "T", "", "Z", "")

// hl7Time converts an RFC 3339 instant to a UTC DTM. Values that do not
// parse are stripped of ISO punctuation instead.
func hl7Time(v string) string {
	if v == "" {
		return ""
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC().Format(hl7TimeLayout)
	}
	s := isoPunctuation.Replace(v)
	if len(s) > 14 {
		s = s[:14]
	}
	return s
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
