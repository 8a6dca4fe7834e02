package validation

import (
	"strings"
	"testing"

	"github.com/minasoft/hl7-bridge/internal/fhir"
)

func compliantPatient() *fhir.Patient {
	return &fhir.Patient{
		ResourceType: fhir.ResourcePatient,
		ID:           "pat-123456789012345",
		Identifier: []fhir.Identifier{
			{System: fhir.SystemINS, Value: "123456789012345"},
		},
		Name: []fhir.HumanName{
			{Use: "official", Family: "DUBOIS", Given: []string{"JEAN"}},
		},
	}
}

func TestValidatePatient_Compliant(t *testing.T) {
	if res := ValidatePatient(compliantPatient()); !res.Valid {
		t.Fatalf("expected valid patient, got %+v", res)
	}
}

// Each precondition flipped on its own must produce its own code.
func TestValidatePatient_PreconditionsAreIndependent(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*fhir.Patient)
		code   string
	}{
		{
			name:   "no official name",
			mutate: func(p *fhir.Patient) { p.Name[0].Use = "usual" },
			code:   CodeMissingOfficialName,
		},
		{
			name:   "official name without family",
			mutate: func(p *fhir.Patient) { p.Name[0].Family = "" },
			code:   CodeMissingOfficialName,
		},
		{
			name:   "no national id",
			mutate: func(p *fhir.Patient) { p.Identifier[0].System = fhir.SystemLocalID },
			code:   CodeMissingNationalID,
		},
		{
			name:   "national id without value",
			mutate: func(p *fhir.Patient) { p.Identifier[0].Value = "" },
			code:   CodeMissingNationalID,
		},
		{
			name:   "national id not qualified",
			mutate: func(p *fhir.Patient) { p.Identifier[0].Value = "12345" },
			code:   CodeUnqualifiedINS,
		},
		{
			name:   "family not upper-case",
			mutate: func(p *fhir.Patient) { p.Name[0].Family = "Dubois" },
			code:   CodeNameNotUppercase,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := compliantPatient()
			tt.mutate(p)
			res := ValidatePatient(p)
			if res.Valid {
				t.Fatal("expected invalid result")
			}
			if res.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, res.Code)
			}
		})
	}
}

func TestValidatePatient_FirstFailureWins(t *testing.T) {
	p := compliantPatient()
	p.Name[0].Use = ""
	p.Identifier = nil
	if res := ValidatePatient(p); res.Code != CodeMissingOfficialName {
		t.Errorf("expected %s to short-circuit, got %s", CodeMissingOfficialName, res.Code)
	}
}

func TestValidateDiagnosticReport(t *testing.T) {
	subject := fhir.Ref(fhir.ResourcePatient, "pat-1")
	tests := []struct {
		name     string
		report   fhir.DiagnosticReport
		valid    bool
		code     string
		warnings int
	}{
		{"complete", fhir.DiagnosticReport{Subject: &subject, Status: "final", EffectiveDateTime: "2026-01-29"}, true, "", 0},
		{"no effective time", fhir.DiagnosticReport{Subject: &subject, Status: "final"}, true, "", 1},
		{"no subject", fhir.DiagnosticReport{Status: "final"}, false, CodeInvalidSubject, 0},
		{"non patient subject", fhir.DiagnosticReport{Subject: &fhir.Reference{Reference: "Group/1"}, Status: "final"}, false, CodeInvalidSubject, 0},
		{"no status", fhir.DiagnosticReport{Subject: &subject}, false, CodeMissingStatus, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidateDiagnosticReport(&tt.report)
			if res.Valid != tt.valid {
				t.Fatalf("expected valid=%v, got %+v", tt.valid, res)
			}
			if res.Code != tt.code {
				t.Errorf("expected code %q, got %q", tt.code, res.Code)
			}
			if len(res.Warnings) != tt.warnings {
				t.Errorf("expected %d warnings, got %v", tt.warnings, res.Warnings)
			}
		})
	}
}

func TestValidateSemanticCode(t *testing.T) {
	tests := []struct {
		coding fhir.Coding
		code   string
	}{
		{fhir.Coding{System: fhir.SystemLOINC, Code: "2339-0"}, ""},
		{fhir.Coding{System: fhir.SystemLOINC, Code: "11502-2"}, ""},
		{fhir.Coding{System: fhir.SystemLOINC, Code: "GLU"}, CodeInvalidLOINCFormat},
		{fhir.Coding{System: fhir.SystemLOINC, Code: "12-3"}, CodeInvalidLOINCFormat},
		{fhir.Coding{System: "http://snomed.info/sct", Code: "GLU"}, ""},
		{fhir.Coding{Code: "2339-0"}, CodeMissingCoding},
	}
	for _, tt := range tests {
		res := ValidateSemanticCode(tt.coding)
		if res.Code != tt.code {
			t.Errorf("%+v: expected code %q, got %q", tt.coding, tt.code, res.Code)
		}
		if res.Valid != (tt.code == "") {
			t.Errorf("%+v: valid flag inconsistent with code", tt.coding)
		}
	}

	res := ValidateSemanticCode(fhir.Coding{System: fhir.SystemLOINC, Code: "GLU"})
	if !strings.Contains(res.Message, "GLU") {
		t.Errorf("expected message to name the offending code, got %q", res.Message)
	}
}

func TestCheck_DispatchesByResourceType(t *testing.T) {
	obs := &fhir.Observation{Code: fhir.CodeableConcept{Coding: []fhir.Coding{{System: fhir.SystemLOINC, Code: "bad"}}}}
	if res := Check(obs); res.Code != CodeInvalidLOINCFormat {
		t.Errorf("expected LOINC failure for observation, got %+v", res)
	}

	subject := fhir.Ref(fhir.ResourcePatient, "pat-1")
	report := &fhir.DiagnosticReport{
		Subject: &subject,
		Status:  "final",
		Code:    fhir.CodeableConcept{Coding: []fhir.Coding{{System: fhir.SystemLOINC, Code: "x-1"}}},
	}
	res := Check(report)
	if res.Code != CodeInvalidLOINCFormat {
		t.Errorf("expected LOINC failure for report, got %+v", res)
	}
	if len(res.Warnings) != 1 {
		t.Errorf("expected the effective-time warning to be kept, got %v", res.Warnings)
	}

	if res := Check(&fhir.Slot{}); !res.Valid {
		t.Errorf("expected slot to be valid, got %+v", res)
	}
}
