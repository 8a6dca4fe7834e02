// Package cda generates and checks CI-SIS CDA R2 documents for the
// national shared medical record.
package cda

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/minasoft/hl7-bridge/internal/fhir"
)

// ErrGenerationFatal is wrapped by every precondition failure. No
// document is produced when it is returned.
var ErrGenerationFatal = errors.New("cda: generation precondition failed")

var (
	ErrMissingNationalID = fmt.Errorf("%w: patient has no qualified INS", ErrGenerationFatal)
	ErrMissingLegalName  = fmt.Errorf("%w: patient has no legal family name", ErrGenerationFatal)
	ErrMissingAuthor     = fmt.Errorf("%w: author RPPS id is required", ErrGenerationFatal)
	ErrMissingCustodian  = fmt.Errorf("%w: custodian FINESS id and name are required", ErrGenerationFatal)
)

// Author is the practitioner signing the document.
type Author struct {
	RPPSID     string `json:"rppsId"`
	FamilyName string `json:"familyName,omitempty"`
	GivenName  string `json:"givenName,omitempty"`
}

// Custodian is the facility keeping the document.
type Custodian struct {
	FINESSID string `json:"finessId"`
	Name     string `json:"name"`
}

type Options struct {
	Author            Author       `json:"author"`
	Custodian         Custodian    `json:"custodian"`
	UseStructuredBody bool         `json:"useStructuredBody,omitempty"`
	DocumentType      DocumentType `json:"documentType,omitempty"`
}

// Generator builds documents. It holds no mutable state and is safe for
// concurrent use.
type Generator struct {
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

type GeneratorOption func(*Generator)

// WithClock overrides the generation time source.
func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) { g.now = now }
}

// WithIDSource overrides the document id source.
func WithIDSource(newID func() string) GeneratorOption {
	return func(g *Generator) { g.newID = newID }
}

func NewGenerator(logger zerolog.Logger, opts ...GeneratorOption) *Generator {
	g := &Generator{
		logger: logger.With().Str("component", "cda").Logger(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate renders a document for the report. Preconditions are checked
// before anything is built: a qualified INS, a legal family name, the
// author RPPS id, then the custodian FINESS id and name. A level 3 body
// is produced only when structured output is requested and non-nil
// observations are present; otherwise the report PDF, or a placeholder, is embedded.
func (g *Generator) Generate(patient *fhir.Patient, report *fhir.DiagnosticReport, observations []*fhir.Observation, opts Options) (string, error) {
	if patient == nil {
		return "", ErrMissingNationalID
	}
	ins, ok := qualifiedINS(patient)
	if !ok {
		return "", ErrMissingNationalID
	}
	name := patient.OfficialName()
	if name == nil && len(patient.Name) > 0 {
		name = &patient.Name[0]
	}
	if name == nil || name.Family == "" {
		return "", ErrMissingLegalName
	}
	if opts.Author.RPPSID == "" {
		return "", ErrMissingAuthor
	}
	if opts.Custodian.FINESSID == "" || opts.Custodian.Name == "" {
		return "", ErrMissingCustodian
	}
	if report == nil {
		report = &fhir.DiagnosticReport{}
	}

	g.logger.Info().
		Str("patient_id", patient.ID).
		Str("report_id", report.ID).
		Int("observations", len(observations)).
		Msg("Generating CDA document")

	now := g.now()
	dc := opts.DocumentType.code()
	subject := report.Code.First().Display
	if subject == "" {
		subject = "Résultats"
	}

	doc := buildHeader(headerParams{
		documentID:    g.newID(),
		docType:       opts.DocumentType,
		title:         dc.title + " - " + subject,
		effectiveTime: now,
		ins:           ins,
		family:        name.Family,
		given:         strings.Join(name.Given, " "),
		birthDate:     birthTime(patient.BirthDate),
		gender:        genderCode(patient.Gender),
		author:        opts.Author,
		custodian:     opts.Custodian,
	})

	var results []resultEntry
	if opts.UseStructuredBody {
		for _, obs := range observations {
			if obs == nil {
				continue
			}
			results = append(results, toResultEntry(obs, now))
		}
	}

	level := 1
	if len(results) > 0 {
		level = 3
		doc.Component = level3Body(results)
	} else {
		pdf := reportPDF(report)
		if pdf == "" {
			g.logger.Warn().Str("report_id", report.ID).Msg("No PDF attached to report, embedding placeholder")
			pdf = PlaceholderPDF
		}
		doc.Component = level1Body(pdf)
	}

	out, err := render(doc)
	if err != nil {
		return "", err
	}

	g.logger.Info().
		Str("document_id", doc.ID.Root).
		Str("document_type", dc.code).
		Int("level", level).
		Msg("CDA document generated")
	return out, nil
}

// CreateDocumentReference wraps a generated document into the reference
// resource submitted alongside it.
func (g *Generator) CreateDocumentReference(document string, patient *fhir.Patient, report *fhir.DiagnosticReport) *fhir.DocumentReference {
	subject := fhir.Ref(fhir.ResourcePatient, patient.ID)
	ref := &fhir.DocumentReference{
		ResourceType: fhir.ResourceDocumentReference,
		ID:           "docref-" + g.newID(),
		Status:       "current",
		Type: &fhir.CodeableConcept{Coding: []fhir.Coding{
			{System: fhir.SystemLOINC, Code: documentCodes[CRBio].code, Display: documentCodes[CRBio].display},
		}},
		Subject:     &subject,
		Date:        g.now().UTC().Format(time.RFC3339),
		Description: "CDA R2 N1 CR-BIO pour DMP",
		Content: []fhir.DocumentContent{{
			Attachment: fhir.Attachment{
				ContentType: "application/xml",
				Data:        base64.StdEncoding.EncodeToString([]byte(document)),
				Title:       "Compte-rendu de biologie",
			},
			Format: &fhir.Coding{
				System:  "urn:oid:" + OIDCISISFormats,
				Code:    "urn:oid:" + OIDCISISTemplate,
				Display: "CDA R2 N1 CI-SIS",
			},
		}},
	}
	if report != nil {
		ref.Context = &fhir.DocumentContext{Related: []fhir.Reference{
			fhir.Ref(fhir.ResourceDiagnosticReport, report.ID),
		}}
	}
	return ref
}

func qualifiedINS(p *fhir.Patient) (string, bool) {
	for _, id := range p.Identifier {
		if fhir.IsINSSystem(id.System) && fhir.IsQualifiedINS(id.Value) {
			return id.Value, true
		}
	}
	return "", false
}

func reportPDF(r *fhir.DiagnosticReport) string {
	for _, f := range r.PresentedForm {
		if f.ContentType == "application/pdf" && f.Data != "" {
			return f.Data
		}
	}
	return ""
}

func toResultEntry(obs *fhir.Observation, now time.Time) resultEntry {
	c := obs.Code.First()
	e := resultEntry{
		code:          c.Code,
		display:       c.Display,
		effectiveTime: cdaTime(obs.EffectiveDateTime, now),
	}
	if e.code == "" {
		e.code = "UNKNOWN"
	}
	if e.display == "" {
		e.display = "Observation"
	}

	if q := obs.ValueQuantity; q != nil {
		e.numeric = true
		e.value = formatNumber(q.Value)
		e.unit = q.Unit
		if e.unit == "" {
			e.unit = q.Code
		}
	} else {
		e.text = obs.ValueString
	}

	if len(obs.ReferenceRange) > 0 {
		rr := obs.ReferenceRange[0]
		if rr.Low != nil {
			e.low = formatNumber(rr.Low.Value)
		}
		if rr.High != nil {
			e.high = formatNumber(rr.High.Value)
		}
	}
	return e
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// cdaTime converts an RFC 3339 instant or a plain date to a CDA TS,
// falling back to the given time.
func cdaTime(v string, fallback time.Time) string {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC().Format(cdaTimeLayout)
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t.Format("20060102")
	}
	return fallback.UTC().Format(cdaTimeLayout)
}

func birthTime(birthDate string) string {
	d := strings.ReplaceAll(birthDate, "-", "")
	if len(d) < 8 {
		return "19000101"
	}
	return d[:8]
}

func genderCode(g string) string {
	switch g {
	case "male":
		return "M"
	case "female":
		return "F"
	default:
		return "UN"
	}
}
