// Package validation implements the French compliance checks applied to
// decoded resources before they are forwarded. A failed check is an
// audit event, not a delivery gate.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/minasoft/hl7-bridge/internal/fhir"
)

// Result codes.
const (
	CodeMissingOfficialName = "MISSING_OFFICIAL_NAME"
	CodeMissingNationalID   = "MISSING_NATIONAL_ID"
	CodeUnqualifiedINS      = "UNQUALIFIED_NATIONAL_ID"
	CodeNameNotUppercase    = "NAME_NOT_UPPERCASE"
	CodeInvalidSubject      = "INVALID_SUBJECT"
	CodeMissingStatus       = "MISSING_STATUS"
	CodeMissingCoding       = "MISSING_CODING"
	CodeInvalidLOINCFormat  = "INVALID_LOINC_FORMAT"
)

// Result is the outcome of one compliance check. Code and Message are
// set only when Valid is false; Warnings never affect Valid.
type Result struct {
	Valid    bool     `json:"valid"`
	Code     string   `json:"code,omitempty"`
	Message  string   `json:"message,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func ok() Result { return Result{Valid: true} }

func fail(code, format string, args ...any) Result {
	return Result{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ValidatePatient checks, in order and stopping at the first failure:
// an official name with a family component, an identifier in the INS
// system carrying a qualified 15-digit value, and an upper-case family
// name.
func ValidatePatient(p *fhir.Patient) Result {
	name := p.OfficialName()
	if name == nil || name.Family == "" {
		return fail(CodeMissingOfficialName, "missing official family name")
	}

	ins, found := p.NationalID()
	if !found || ins.Value == "" {
		return fail(CodeMissingNationalID, "missing INS identifier (system %s)", fhir.SystemINS)
	}
	if !fhir.IsQualifiedINS(ins.Value) {
		return fail(CodeUnqualifiedINS, "INS identifier is not a qualified 15-digit value")
	}

	if name.Family != strings.ToUpper(name.Family) {
		return fail(CodeNameNotUppercase, "official family name %q is not upper-case", name.Family)
	}
	return ok()
}

// ValidateDiagnosticReport requires a Patient subject and a status. A
// missing effective time is reported as a warning.
func ValidateDiagnosticReport(r *fhir.DiagnosticReport) Result {
	if r.Subject == nil || !strings.HasPrefix(r.Subject.Reference, fhir.ResourcePatient+"/") {
		return fail(CodeInvalidSubject, "diagnostic report must reference a Patient subject")
	}

	res := ok()
	if r.EffectiveDateTime == "" {
		res.Warnings = append(res.Warnings, "diagnostic report has no effective time")
	}

	if r.Status == "" {
		return fail(CodeMissingStatus, "diagnostic report status is missing")
	}
	return res
}

var loincPattern = regexp.MustCompile(`^\d{3,7}-\d$`)

// ValidateSemanticCode requires system and code, and checks LOINC codes
// against the digits-dash-check-digit format.
func ValidateSemanticCode(c fhir.Coding) Result {
	if c.System == "" || c.Code == "" {
		return fail(CodeMissingCoding, "coding is missing a system or code")
	}
	if c.System == fhir.SystemLOINC && !loincPattern.MatchString(c.Code) {
		return fail(CodeInvalidLOINCFormat, "Invalid LOINC code format: %s", c.Code)
	}
	return ok()
}

// ValidateResourceSemantics applies ValidateSemanticCode to every coding
// of an Observation or DiagnosticReport code.
func ValidateResourceSemantics(r fhir.Resource) Result {
	var code fhir.CodeableConcept
	switch v := r.(type) {
	case *fhir.Observation:
		code = v.Code
	case *fhir.DiagnosticReport:
		code = v.Code
	default:
		return ok()
	}
	for _, c := range code.Coding {
		if res := ValidateSemanticCode(c); !res.Valid {
			return res
		}
	}
	return ok()
}

// Check runs the validators that apply to r's resource type. Resource
// types without compliance rules are always valid.
func Check(r fhir.Resource) Result {
	switch v := r.(type) {
	case *fhir.Patient:
		return ValidatePatient(v)
	case *fhir.DiagnosticReport:
		res := ValidateDiagnosticReport(v)
		if !res.Valid {
			return res
		}
		if sem := ValidateResourceSemantics(v); !sem.Valid {
			sem.Warnings = res.Warnings
			return sem
		}
		return res
	case *fhir.Observation:
		return ValidateResourceSemantics(v)
	default:
		return ok()
	}
}
