// Package fhir holds the subset of FHIR R4 resources exchanged by the
// bridge, plus the French national identifier systems they carry.
package fhir

import (
	"regexp"
	"strings"
)

// Identifier authorities.
const (
	OIDINS    = "1.2.250.1.213.1.4.5"
	OIDRPPS   = "1.2.250.1.71.4.2.1"
	OIDFINESS = "1.2.250.1.71.4.2.2"

	// AuthorityINS is the assigning authority label legacy senders put in
	// PID-3.4 for a national identifier.
	AuthorityINS = "INS"

	SystemINS     = "urn:oid:" + OIDINS
	SystemLocalID = "https://plincare.io/id/local"
)

// Code systems and extension URLs.
const (
	SystemLOINC          = "http://loinc.org"
	SystemUCUM           = "http://unitsofmeasure.org"
	SystemIdentifierType = "http://terminology.hl7.org/CodeSystem/v2-0203"

	IdentifierTypeINS    = "INS-NIR"
	IdentifierTypeFiller = "FILL"

	ExtensionIdentityStatus = "http://interopsante.org/fhir/StructureDefinition/FrPatientIdentStatus"
	IdentityStatusValidated = "VALIDATED"
)

const (
	ResourcePatient           = "Patient"
	ResourceDiagnosticReport  = "DiagnosticReport"
	ResourceObservation       = "Observation"
	ResourceDocumentReference = "DocumentReference"
	ResourceAppointment       = "Appointment"
	ResourceSchedule          = "Schedule"
	ResourceSlot              = "Slot"

	// Referenced only, never produced.
	ResourceLocation     = "Location"
	ResourcePractitioner = "Practitioner"
)

// Resource is implemented by every resource the bridge produces.
type Resource interface {
	GetResourceType() string
	GetID() string
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// First returns the first coding, or a zero Coding.
func (c *CodeableConcept) First() Coding {
	if c == nil || len(c.Coding) == 0 {
		return Coding{}
	}
	return c.Coding[0]
}

type Identifier struct {
	Use    string           `json:"use,omitempty"`
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

type Extension struct {
	URL       string `json:"url"`
	ValueCode string `json:"valueCode,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

// Ref builds a relative reference such as "Patient/pat-1".
func Ref(resourceType, id string) Reference {
	return Reference{Reference: resourceType + "/" + id}
}

// Target splits a relative reference into its type and id.
func (r Reference) Target() (resourceType, id string) {
	resourceType, id, _ = strings.Cut(r.Reference, "/")
	return resourceType, id
}

type Quantity struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit,omitempty"`
	System string  `json:"system,omitempty"`
	Code   string  `json:"code,omitempty"`
}

type ReferenceRange struct {
	Low  *Quantity `json:"low,omitempty"`
	High *Quantity `json:"high,omitempty"`
	Text string    `json:"text,omitempty"`
}

type Attachment struct {
	ContentType string `json:"contentType,omitempty"`
	Data        string `json:"data,omitempty"`
	Title       string `json:"title,omitempty"`
}

var insPattern = regexp.MustCompile(`^\d{15}$`)

// IsQualifiedINS reports whether v has the shape of a qualified national
// identifier: exactly 15 digits.
func IsQualifiedINS(v string) bool {
	return insPattern.MatchString(v)
}

// IsINSSystem accepts both the urn:oid form and the bare OID.
func IsINSSystem(system string) bool {
	return system == SystemINS || system == OIDINS
}
