package fhir

type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Extension    []Extension  `json:"extension,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
	Gender       string       `json:"gender,omitempty"`
	BirthDate    string       `json:"birthDate,omitempty"`
}

func (p *Patient) GetResourceType() string { return ResourcePatient }
func (p *Patient) GetID() string           { return p.ID }

// OfficialName returns the name with use "official", or nil.
func (p *Patient) OfficialName() *HumanName {
	for i := range p.Name {
		if p.Name[i].Use == "official" {
			return &p.Name[i]
		}
	}
	return nil
}

// NationalID returns the first identifier in the INS system.
func (p *Patient) NationalID() (Identifier, bool) {
	for _, id := range p.Identifier {
		if IsINSSystem(id.System) {
			return id, true
		}
	}
	return Identifier{}, false
}

// LocalID returns the first identifier outside the INS system.
func (p *Patient) LocalID() (Identifier, bool) {
	for _, id := range p.Identifier {
		if !IsINSSystem(id.System) && id.Value != "" {
			return id, true
		}
	}
	return Identifier{}, false
}

type DiagnosticReport struct {
	ResourceType      string          `json:"resourceType"`
	ID                string          `json:"id,omitempty"`
	Status            string          `json:"status,omitempty"`
	Code              CodeableConcept `json:"code"`
	Subject           *Reference      `json:"subject,omitempty"`
	EffectiveDateTime string          `json:"effectiveDateTime,omitempty"`
	Issued            string          `json:"issued,omitempty"`
	Result            []Reference     `json:"result,omitempty"`
	PresentedForm     []Attachment    `json:"presentedForm,omitempty"`
}

func (r *DiagnosticReport) GetResourceType() string { return ResourceDiagnosticReport }
func (r *DiagnosticReport) GetID() string           { return r.ID }

type Observation struct {
	ResourceType      string           `json:"resourceType"`
	ID                string           `json:"id,omitempty"`
	Status            string           `json:"status,omitempty"`
	Code              CodeableConcept  `json:"code"`
	Subject           *Reference       `json:"subject,omitempty"`
	EffectiveDateTime string           `json:"effectiveDateTime,omitempty"`
	ValueQuantity     *Quantity        `json:"valueQuantity,omitempty"`
	ValueString       string           `json:"valueString,omitempty"`
	ReferenceRange    []ReferenceRange `json:"referenceRange,omitempty"`
}

func (o *Observation) GetResourceType() string { return ResourceObservation }
func (o *Observation) GetID() string           { return o.ID }

type DocumentContent struct {
	Attachment Attachment `json:"attachment"`
	Format     *Coding    `json:"format,omitempty"`
}

type DocumentContext struct {
	Related []Reference `json:"related,omitempty"`
}

type DocumentReference struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id,omitempty"`
	Status       string            `json:"status,omitempty"`
	Type         *CodeableConcept  `json:"type,omitempty"`
	Subject      *Reference        `json:"subject,omitempty"`
	Date         string            `json:"date,omitempty"`
	Description  string            `json:"description,omitempty"`
	Content      []DocumentContent `json:"content"`
	Context      *DocumentContext  `json:"context,omitempty"`
}

func (d *DocumentReference) GetResourceType() string { return ResourceDocumentReference }
func (d *DocumentReference) GetID() string           { return d.ID }

type AppointmentParticipant struct {
	Actor  Reference `json:"actor"`
	Status string    `json:"status,omitempty"`
}

type Appointment struct {
	ResourceType    string                   `json:"resourceType"`
	ID              string                   `json:"id,omitempty"`
	Identifier      []Identifier             `json:"identifier,omitempty"`
	Status          string                   `json:"status,omitempty"`
	ServiceType     []CodeableConcept        `json:"serviceType,omitempty"`
	AppointmentType *CodeableConcept         `json:"appointmentType,omitempty"`
	ReasonCode      []CodeableConcept        `json:"reasonCode,omitempty"`
	Description     string                   `json:"description,omitempty"`
	Start           string                   `json:"start,omitempty"`
	End             string                   `json:"end,omitempty"`
	MinutesDuration int                      `json:"minutesDuration,omitempty"`
	Slot            []Reference              `json:"slot,omitempty"`
	Participant     []AppointmentParticipant `json:"participant,omitempty"`
}

func (a *Appointment) GetResourceType() string { return ResourceAppointment }
func (a *Appointment) GetID() string           { return a.ID }

// ParticipantOf returns the first participant whose actor references the
// given resource type.
func (a *Appointment) ParticipantOf(resourceType string) (AppointmentParticipant, bool) {
	for _, p := range a.Participant {
		if t, _ := p.Actor.Target(); t == resourceType {
			return p, true
		}
	}
	return AppointmentParticipant{}, false
}

// FillerID returns the identifier typed FILL, the id assigned by the
// legacy scheduling system.
func (a *Appointment) FillerID() string {
	for _, id := range a.Identifier {
		if id.Type.First().Code == IdentifierTypeFiller {
			return id.Value
		}
	}
	return ""
}

type Schedule struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id,omitempty"`
	Active       bool        `json:"active"`
	Actor        []Reference `json:"actor,omitempty"`
}

func (s *Schedule) GetResourceType() string { return ResourceSchedule }
func (s *Schedule) GetID() string           { return s.ID }

type Slot struct {
	ResourceType string    `json:"resourceType"`
	ID           string    `json:"id,omitempty"`
	Schedule     Reference `json:"schedule"`
	Status       string    `json:"status,omitempty"`
	Start        string    `json:"start,omitempty"`
	End          string    `json:"end,omitempty"`
}

func (s *Slot) GetResourceType() string { return ResourceSlot }
func (s *Slot) GetID() string           { return s.ID }
