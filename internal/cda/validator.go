package cda

import (
	"fmt"
	"regexp"
	"strings"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

type Issue struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	XPath    string   `json:"xpath,omitempty"`
	Severity Severity `json:"severity"`
}

// ValidationResult is valid exactly when Errors is empty. Warnings never
// change validity.
type ValidationResult struct {
	IsValid  bool    `json:"isValid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

type structuralCheck struct {
	code    string
	xpath   string
	message string
	pattern *regexp.Regexp
}

func element(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)<` + name + `[\s>/]`)
}

func rootAttr(oid string) *regexp.Regexp {
	return regexp.MustCompile(`root=["']` + regexp.QuoteMeta(oid) + `["']`)
}

// Every check runs, in this order, whatever the outcome of the others.
var structuralChecks = []structuralCheck{
	{"CDA-000", "/ClinicalDocument", "ClinicalDocument root element missing", element("ClinicalDocument")},
	{"CDA-001", "/ClinicalDocument/typeId", "typeId missing or not " + OIDCDAType,
		regexp.MustCompile(`<typeId[^>]*root=["']` + regexp.QuoteMeta(OIDCDAType) + `["']`)},
	{"CDA-002", "/ClinicalDocument/templateId", "CI-SIS templateId missing or not " + OIDCISISTemplate,
		regexp.MustCompile(`<templateId[^>]*root=["']` + regexp.QuoteMeta(OIDCISISTemplate) + `["']`)},
	{"CDA-003", "/ClinicalDocument/recordTarget", "recordTarget (patient) missing", element("recordTarget")},
	{"CDA-004", "/ClinicalDocument/recordTarget/patientRole/id", "qualified INS missing, required root " + OIDINS, rootAttr(OIDINS)},
	{"CDA-005", "/ClinicalDocument/author", "author (practitioner) missing", element("author")},
	{"CDA-006", "/ClinicalDocument/author/assignedAuthor/id", "RPPS id missing, required root " + OIDRPPS, rootAttr(OIDRPPS)},
	{"CDA-007", "/ClinicalDocument/custodian", "custodian (facility) missing", element("custodian")},
	{"CDA-008", "/ClinicalDocument/custodian/assignedCustodian/representedCustodianOrganization/id",
		"FINESS id missing, required root " + OIDFINESS, rootAttr(OIDFINESS)},
	{"CDA-010", "/ClinicalDocument/component", "document body missing (neither nonXMLBody nor structuredBody)",
		regexp.MustCompile(`<(nonXMLBody|structuredBody)[\s>]`)},
}

var advisoryChecks = []structuralCheck{
	{"CDA-W001", "", "no LOINC code found in document",
		regexp.MustCompile(`codeSystem=["']` + regexp.QuoteMeta(OIDLOINC) + `["']`)},
	{"CDA-W002", "/ClinicalDocument/languageCode", "French language code not specified",
		regexp.MustCompile(`(?i)<languageCode[^>]*code=["']fr`)},
}

// Validate runs the structural checks required before submission. It is
// a presence check, not schema validation.
func Validate(document string) ValidationResult {
	res := ValidationResult{Errors: []Issue{}, Warnings: []Issue{}}
	for _, c := range structuralChecks {
		if !c.pattern.MatchString(document) {
			res.Errors = append(res.Errors, Issue{Code: c.code, Message: c.message, XPath: c.xpath, Severity: SeverityError})
		}
	}
	for _, c := range advisoryChecks {
		if !c.pattern.MatchString(document) {
			res.Warnings = append(res.Warnings, Issue{Code: c.code, Message: c.message, XPath: c.xpath, Severity: SeverityWarning})
		}
	}
	res.IsValid = len(res.Errors) == 0
	return res
}

type QuickCheckResult struct {
	HasRecordTarget bool `json:"hasRecordTarget"`
	HasAuthor       bool `json:"hasAuthor"`
	HasCustodian    bool `json:"hasCustodian"`
	AllPresent      bool `json:"allPresent"`
}

var (
	recordTargetPattern = element("recordTarget")
	authorPattern       = element("author")
	custodianPattern    = element("custodian")
)

// QuickCheck looks only for the patient, author and custodian blocks.
func QuickCheck(document string) QuickCheckResult {
	r := QuickCheckResult{
		HasRecordTarget: recordTargetPattern.MatchString(document),
		HasAuthor:       authorPattern.MatchString(document),
		HasCustodian:    custodianPattern.MatchString(document),
	}
	r.AllPresent = r.HasRecordTarget && r.HasAuthor && r.HasCustodian
	return r
}

// Report formats a result for humans.
func Report(r ValidationResult) string {
	var b strings.Builder
	b.WriteString("=== CDA validation report ===\n")
	if r.IsValid {
		b.WriteString("Status: VALID\n")
	} else {
		b.WriteString("Status: INVALID\n")
	}

	if len(r.Errors) > 0 {
		fmt.Fprintf(&b, "\nErrors (%d):\n", len(r.Errors))
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "  [%s] %s\n", e.Code, e.Message)
			if e.XPath != "" {
				fmt.Fprintf(&b, "    XPath: %s\n", e.XPath)
			}
		}
	}
	if len(r.Warnings) > 0 {
		fmt.Fprintf(&b, "\nWarnings (%d):\n", len(r.Warnings))
		for _, w := range r.Warnings {
			fmt.Fprintf(&b, "  [%s] %s\n", w.Code, w.Message)
		}
	}
	return b.String()
}
