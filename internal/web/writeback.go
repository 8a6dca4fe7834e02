package web

import (
	"errors"
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"

	"github.com/minasoft/hl7-bridge/internal/audit"
	"github.com/minasoft/hl7-bridge/internal/db"
	"github.com/minasoft/hl7-bridge/internal/fhir"
	"github.com/minasoft/hl7-bridge/internal/mapping"
)

type writeBackRequest struct {
	Appointment *fhir.Appointment `json:"appointment"`
	Patient     *fhir.Patient     `json:"patient"`
	Action      string            `json:"action"`
}

type writeBackResponse struct {
	Status string `json:"status"`
	Event  string `json:"event"`
	Length int    `json:"length"`
	ID     string `json:"id"`
}

// handleWriteBack turns an appointment change into an SIU message and
// queues it for the legacy HIS.
func (s *Server) handleWriteBack(c echo.Context) error {
	ctx := c.Request().Context()

	var req writeBackRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", errors.New("request body must be a JSON object"))
	}
	action, err := mapping.ParseAction(req.Action)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_ACTION", err)
	}

	msg, err := s.deps.WriteBack.MapResourceToOutbound(req.Appointment, req.Patient, action)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "MISSING_RESOURCE", err)
	}

	raw := msg.Bytes()
	appointmentID := ""
	if req.Appointment != nil {
		appointmentID = req.Appointment.ID
	}
	out := db.OutboundMessage{
		ID:               msg.ControlID(),
		Timestamp:        s.now().UTC(),
		Event:            action.Event(),
		MessageType:      msg.MessageType(),
		MessageControlID: msg.ControlID(),
		AppointmentID:    appointmentID,
		DestinationAddr:  s.deps.HISAddr,
		RawMessage:       raw,
		Status:           db.StatusPending,
	}

	e := audit.Event{
		Actor:        audit.ActorWriteBack,
		Action:       audit.ActionWriteBack,
		ResourceID:   appointmentID,
		ResourceType: fhir.ResourceAppointment,
		Details:      map[string]string{"event": out.Event, "control_id": out.ID},
	}

	if s.deps.Publisher == nil {
		e.Outcome = audit.OutcomeFailure
		s.deps.Recorder.Record(ctx, e)
		return errorJSON(c, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", errUnavailable)
	}
	if err := s.deps.Publisher.Publish(ctx, out); err != nil {
		s.logger.Error().Err(err).Str("appointment_id", appointmentID).Msg("failed to queue write-back message")
		e.Outcome = audit.OutcomeFailure
		e.Details["error"] = err.Error()
		s.deps.Recorder.Record(ctx, e)
		return errorJSON(c, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", err)
	}

	s.deps.Metrics.WriteBacks.WithLabelValues(out.Event).Inc()
	e.Outcome = audit.OutcomeSuccess
	s.deps.Recorder.Record(ctx, e)
	s.logger.Info().
		Str("appointment_id", appointmentID).
		Str("event", out.Event).
		Str("control_id", out.ID).
		Int("length", len(raw)).
		Msg("write-back SIU queued")

	return c.JSON(http.StatusOK, writeBackResponse{
		Status: "queued",
		Event:  out.Event,
		Length: len(raw),
		ID:     out.ID,
	})
}

func sortNewestFirst(msgs []db.OutboundMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.After(msgs[j].Timestamp)
	})
}
