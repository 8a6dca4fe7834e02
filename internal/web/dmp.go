package web

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/minasoft/hl7-bridge/internal/audit"
	"github.com/minasoft/hl7-bridge/internal/cda"
	"github.com/minasoft/hl7-bridge/internal/fhir"
)

type generateRequest struct {
	Patient          *fhir.Patient          `json:"patient"`
	DiagnosticReport *fhir.DiagnosticReport `json:"diagnosticReport"`
	Observations     []*fhir.Observation    `json:"observations"`
	Options          cda.Options            `json:"options"`
}

type generateResponse struct {
	DocumentReference *fhir.DocumentReference `json:"documentReference"`
	Validation        cda.ValidationResult    `json:"validation"`
	CDAXML            string                  `json:"cdaXml"`
}

type invalidDocumentResponse struct {
	apiError
	Validation cda.ValidationResult `json:"validation"`
}

// withDefaults fills the author and custodian a request leaves empty.
func (s *Server) withDefaults(o cda.Options) cda.Options {
	d := s.deps.CDADefaults
	if o.Author.RPPSID == "" {
		o.Author = d.Author
	}
	if o.Custodian.FINESSID == "" {
		o.Custodian.FINESSID = d.Custodian.FINESSID
	}
	if o.Custodian.Name == "" {
		o.Custodian.Name = d.Custodian.Name
	}
	return o
}

func (s *Server) handleGenerateCDA(c echo.Context) error {
	ctx := c.Request().Context()

	var req generateRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", errors.New("request body must be a JSON object"))
	}
	if req.Patient == nil {
		return errorJSON(c, http.StatusBadRequest, "MISSING_RESOURCE", errors.New("patient is required"))
	}
	for i, obs := range req.Observations {
		if obs == nil {
			return errorJSON(c, http.StatusBadRequest, "INVALID_OBSERVATION", fmt.Errorf("observations[%d] is null", i))
		}
	}
	docType, err := cda.ParseDocumentType(string(req.Options.DocumentType))
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_DOCUMENT_TYPE", err)
	}
	opts := s.withDefaults(req.Options)
	opts.DocumentType = docType

	e := audit.Event{
		Actor:        audit.ActorDocumentService,
		Action:       audit.ActionGenerateCDA,
		ResourceID:   req.Patient.ID,
		ResourceType: fhir.ResourcePatient,
		Details:      map[string]string{"document_type": string(docType)},
	}
	if req.DiagnosticReport != nil {
		e.Details["report_id"] = req.DiagnosticReport.ID
	}

	document, err := s.deps.Generator.Generate(req.Patient, req.DiagnosticReport, req.Observations, opts)
	if err != nil {
		e.Outcome = audit.OutcomeFailure
		e.Details["error"] = err.Error()
		s.deps.Recorder.Record(ctx, e)
		if errors.Is(err, cda.ErrGenerationFatal) {
			s.deps.Metrics.CDAGenerated.WithLabelValues("fatal").Inc()
			return errorJSON(c, http.StatusUnprocessableEntity, "GENERATION_FATAL", err)
		}
		s.deps.Metrics.CDAGenerated.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Str("patient_id", req.Patient.ID).Msg("CDA generation failed")
		return errorJSON(c, http.StatusInternalServerError, "GENERATION_ERROR", err)
	}

	result := cda.Validate(document)
	if !result.IsValid {
		s.deps.Metrics.CDAGenerated.WithLabelValues("invalid").Inc()
		e.Outcome = audit.OutcomeFailure
		e.Details["error"] = "generated document failed validation"
		s.deps.Recorder.Record(ctx, e)
		return c.JSON(http.StatusUnprocessableEntity, invalidDocumentResponse{
			apiError:   apiError{Error: "generated document failed validation", Code: "INVALID_DOCUMENT"},
			Validation: result,
		})
	}

	ref := s.deps.Generator.CreateDocumentReference(document, req.Patient, req.DiagnosticReport)
	s.deps.Metrics.CDAGenerated.WithLabelValues("generated").Inc()
	e.Outcome = audit.OutcomeSuccess
	e.Details["document_reference_id"] = ref.ID
	s.deps.Recorder.Record(ctx, e)

	return c.JSON(http.StatusCreated, generateResponse{
		DocumentReference: ref,
		Validation:        result,
		CDAXML:            document,
	})
}

type validateRequest struct {
	CDAXML string `json:"cdaXml"`
}

type validateResponse struct {
	cda.ValidationResult
	QuickCheck cda.QuickCheckResult `json:"quickCheck"`
	Report     string               `json:"report"`
}

func (s *Server) handleValidateCDA(c echo.Context) error {
	var req validateRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", errors.New("request body must be a JSON object"))
	}
	if req.CDAXML == "" {
		return errorJSON(c, http.StatusBadRequest, "MISSING_DOCUMENT", errors.New("cdaXml is required"))
	}

	result := cda.Validate(req.CDAXML)
	return c.JSON(http.StatusOK, validateResponse{
		ValidationResult: result,
		QuickCheck:       cda.QuickCheck(req.CDAXML),
		Report:           cda.Report(result),
	})
}
