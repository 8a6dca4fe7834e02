package cda

import (
	"encoding/xml"
	"fmt"
	"time"
)

// Identifier and template OIDs.
const (
	OIDINS             = "1.2.250.1.213.1.4.5"
	OIDRPPS            = "1.2.250.1.71.4.2.1"
	OIDFINESS          = "1.2.250.1.71.4.2.2"
	OIDCISISTemplate   = "1.2.250.1.213.1.1.1.1"
	OIDCISISFormats    = "1.2.250.1.213.1.1.1"
	OIDCDAType         = "2.16.840.1.113883.1.3"
	OIDLOINC           = "2.16.840.1.113883.6.1"
	OIDConfidentiality = "2.16.840.1.113883.5.25"
	OIDAdminGender     = "2.16.840.1.113883.5.1"

	CDANamespace = "urn:hl7-org:v3"
	XSINamespace = "http://www.w3.org/2001/XMLSchema-instance"

	cdaTypeExtension = "POCD_HD000040"
	cdaTimeLayout    = "20060102150405"

	// PlaceholderPDF is the base64 payload of a level 1 body when the
	// report carries no PDF.
	PlaceholderPDF = "UFBMQUNFSE9MREVS"

	loincResultsSection = "30954-2"
)

// DocumentType selects the LOINC document code of the generated document.
type DocumentType string

const (
	CRBio     DocumentType = "CR_BIO"
	CRImag    DocumentType = "CR_IMAG"
	CRConsult DocumentType = "CR_CONSULT"
)

type documentCode struct {
	code    string
	display string
	title   string
}

var documentCodes = map[DocumentType]documentCode{
	CRBio:     {"11502-2", "Compte-rendu de biologie médicale", "Compte-rendu de biologie"},
	CRImag:    {"18748-4", "Compte-rendu d'imagerie médicale", "Compte-rendu d'imagerie"},
	CRConsult: {"11488-4", "Note de consultation", "Note de consultation"},
}

// ParseDocumentType accepts the document type names; empty means CR_BIO.
func ParseDocumentType(s string) (DocumentType, error) {
	if s == "" {
		return CRBio, nil
	}
	t := DocumentType(s)
	if _, ok := documentCodes[t]; !ok {
		return "", fmt.Errorf("cda: unknown document type %q", s)
	}
	return t, nil
}

func (t DocumentType) code() documentCode {
	if c, ok := documentCodes[t]; ok {
		return c
	}
	return documentCodes[CRBio]
}

type clinicalDocument struct {
	XMLName             xml.Name           `xml:"urn:hl7-org:v3 ClinicalDocument"`
	XSI                 string             `xml:"xmlns:xsi,attr"`
	TypeID              instanceID         `xml:"typeId"`
	TemplateID          instanceID         `xml:"templateId"`
	ID                  instanceID         `xml:"id"`
	Code                code               `xml:"code"`
	Title               string             `xml:"title"`
	EffectiveTime       timeValue          `xml:"effectiveTime"`
	ConfidentialityCode code               `xml:"confidentialityCode"`
	LanguageCode        code               `xml:"languageCode"`
	RecordTarget        recordTarget       `xml:"recordTarget"`
	Author              documentAuthor     `xml:"author"`
	Custodian           documentCustodian  `xml:"custodian"`
	Component           *documentComponent `xml:"component"`
}

type instanceID struct {
	Root      string `xml:"root,attr"`
	Extension string `xml:"extension,attr,omitempty"`
}

type code struct {
	Code        string `xml:"code,attr,omitempty"`
	CodeSystem  string `xml:"codeSystem,attr,omitempty"`
	DisplayName string `xml:"displayName,attr,omitempty"`
}

type timeValue struct {
	Value string `xml:"value,attr"`
}

type personName struct {
	Family string `xml:"family"`
	Given  string `xml:"given"`
}

type recordTarget struct {
	PatientRole struct {
		ID      instanceID `xml:"id"`
		Patient struct {
			Name                     personName `xml:"name"`
			AdministrativeGenderCode code       `xml:"administrativeGenderCode"`
			BirthTime                timeValue  `xml:"birthTime"`
		} `xml:"patient"`
	} `xml:"patientRole"`
}

type documentAuthor struct {
	Time           timeValue `xml:"time"`
	AssignedAuthor struct {
		ID             instanceID      `xml:"id"`
		AssignedPerson *assignedPerson `xml:"assignedPerson,omitempty"`
	} `xml:"assignedAuthor"`
}

type assignedPerson struct {
	Name personName `xml:"name"`
}

type documentCustodian struct {
	AssignedCustodian struct {
		Organization struct {
			ID   instanceID `xml:"id"`
			Name string     `xml:"name"`
		} `xml:"representedCustodianOrganization"`
	} `xml:"assignedCustodian"`
}

type documentComponent struct {
	NonXMLBody     *nonXMLBody     `xml:"nonXMLBody,omitempty"`
	StructuredBody *structuredBody `xml:"structuredBody,omitempty"`
}

type nonXMLBody struct {
	Text struct {
		MediaType      string `xml:"mediaType,attr"`
		Representation string `xml:"representation,attr"`
		Data           string `xml:",chardata"`
	} `xml:"text"`
}

type structuredBody struct {
	Component struct {
		Section section `xml:"section"`
	} `xml:"component"`
}

type section struct {
	Code    code    `xml:"code"`
	Title   string  `xml:"title"`
	Text    string  `xml:"text"`
	Entries []entry `xml:"entry"`
}

type entry struct {
	Observation observation `xml:"observation"`
}

type observation struct {
	ClassCode      string          `xml:"classCode,attr"`
	MoodCode       string          `xml:"moodCode,attr"`
	Code           code            `xml:"code"`
	EffectiveTime  timeValue       `xml:"effectiveTime"`
	Value          value           `xml:"value"`
	ReferenceRange *referenceRange `xml:"referenceRange,omitempty"`
}

type value struct {
	Type  string `xml:"xsi:type,attr"`
	Value string `xml:"value,attr,omitempty"`
	Unit  string `xml:"unit,attr,omitempty"`
	Text  string `xml:",chardata"`
}

type quantity struct {
	Value string `xml:"value,attr"`
	Unit  string `xml:"unit,attr,omitempty"`
}

type referenceRange struct {
	ObservationRange struct {
		Low  *quantity `xml:"low,omitempty"`
		High *quantity `xml:"high,omitempty"`
	} `xml:"observationRange"`
}

// headerParams carries everything the document header needs once the
// generation preconditions have been checked.
type headerParams struct {
	documentID    string
	docType       DocumentType
	title         string
	effectiveTime time.Time

	ins       string
	family    string
	given     string
	birthDate string
	gender    string

	author    Author
	custodian Custodian
}

func buildHeader(p headerParams) *clinicalDocument {
	dc := p.docType.code()
	ts := p.effectiveTime.UTC().Format(cdaTimeLayout)

	doc := &clinicalDocument{
		XSI:                 XSINamespace,
		TypeID:              instanceID{Root: OIDCDAType, Extension: cdaTypeExtension},
		TemplateID:          instanceID{Root: OIDCISISTemplate},
		ID:                  instanceID{Root: p.documentID},
		Code:                code{Code: dc.code, CodeSystem: OIDLOINC, DisplayName: dc.display},
		Title:               p.title,
		EffectiveTime:       timeValue{Value: ts},
		ConfidentialityCode: code{Code: "N", CodeSystem: OIDConfidentiality, DisplayName: "Normal"},
		LanguageCode:        code{Code: "fr-FR"},
	}

	role := &doc.RecordTarget.PatientRole
	role.ID = instanceID{Root: OIDINS, Extension: p.ins}
	role.Patient.Name = personName{Family: p.family, Given: p.given}
	role.Patient.AdministrativeGenderCode = code{Code: p.gender, CodeSystem: OIDAdminGender}
	role.Patient.BirthTime = timeValue{Value: p.birthDate}

	doc.Author.Time = timeValue{Value: ts}
	doc.Author.AssignedAuthor.ID = instanceID{Root: OIDRPPS, Extension: p.author.RPPSID}
	if p.author.FamilyName != "" {
		doc.Author.AssignedAuthor.AssignedPerson = &assignedPerson{
			Name: personName{Family: p.author.FamilyName, Given: p.author.GivenName},
		}
	}

	org := &doc.Custodian.AssignedCustodian.Organization
	org.ID = instanceID{Root: OIDFINESS, Extension: p.custodian.FINESSID}
	org.Name = p.custodian.Name
	return doc
}

// level1Body embeds an opaque base64 PDF.
func level1Body(pdfBase64 string) *documentComponent {
	body := &nonXMLBody{}
	body.Text.MediaType = "application/pdf"
	body.Text.Representation = "B64"
	body.Text.Data = pdfBase64
	return &documentComponent{NonXMLBody: body}
}

// resultEntry is one coded laboratory result of a level 3 body. Numeric
// results become PQ values, the rest ST text.
type resultEntry struct {
	code          string
	display       string
	effectiveTime string
	numeric       bool
	value         string
	unit          string
	text          string
	low, high     string
}

func level3Body(results []resultEntry) *documentComponent {
	body := &structuredBody{}
	sec := &body.Component.Section
	sec.Code = code{Code: loincResultsSection, CodeSystem: OIDLOINC, DisplayName: "Relevant diagnostic tests/laboratory data Narrative"}
	sec.Title = "Résultats de biologie"
	sec.Text = "Voir détails ci-dessous"

	for _, r := range results {
		obs := observation{
			ClassCode:     "OBS",
			MoodCode:      "EVN",
			Code:          code{Code: r.code, CodeSystem: OIDLOINC, DisplayName: r.display},
			EffectiveTime: timeValue{Value: r.effectiveTime},
		}
		if r.numeric {
			obs.Value = value{Type: "PQ", Value: r.value, Unit: r.unit}
		} else {
			obs.Value = value{Type: "ST", Text: r.text}
		}
		if r.low != "" || r.high != "" {
			rr := &referenceRange{}
			if r.low != "" {
				rr.ObservationRange.Low = &quantity{Value: r.low, Unit: r.unit}
			}
			if r.high != "" {
				rr.ObservationRange.High = &quantity{Value: r.high, Unit: r.unit}
			}
			obs.ReferenceRange = rr
		}
		sec.Entries = append(sec.Entries, entry{Observation: obs})
	}
	return &documentComponent{StructuredBody: body}
}

// render serializes the document with its XML declaration.
func render(doc *clinicalDocument) (string, error) {
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("cda: failed to marshal XML: %w", err)
	}
	return xml.Header + string(out), nil
}
