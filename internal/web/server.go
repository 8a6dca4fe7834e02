package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/minasoft/hl7-bridge/internal/audit"
	"github.com/minasoft/hl7-bridge/internal/cda"
	"github.com/minasoft/hl7-bridge/internal/db"
	"github.com/minasoft/hl7-bridge/internal/mapping"
	"github.com/minasoft/hl7-bridge/internal/metrics"
	natsstore "github.com/minasoft/hl7-bridge/internal/nats"
)

const version = "1.0.0"

// Publisher queues an outbound message for the forwarder.
type Publisher interface {
	Publish(ctx context.Context, msg db.OutboundMessage) error
}

// MessageStore is the read side of the history and dead letter buckets.
type MessageStore interface {
	Get(ctx context.Context, id string) (db.OutboundMessage, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f natsstore.MessageFilter) ([]db.OutboundMessage, error)
}

type StatsReader interface {
	Snapshot(ctx context.Context) (map[string]any, error)
}

// Deps are the collaborators of the HTTP API. Everything but WriteBack and
// Generator may be nil; the routes depending on a missing piece answer 503.
type Deps struct {
	JetStream jetstream.JetStream
	Publisher Publisher
	History   MessageStore
	DLQ       MessageStore
	Stats     StatsReader
	WriteBack *mapping.WriteBackMapper
	Generator *cda.Generator
	// CDADefaults fill the author and custodian a request leaves empty.
	CDADefaults cda.Options
	// HISAddr is recorded as the destination of write-back messages.
	HISAddr string
	// BreakerState reports the delivery circuit state for /api/health.
	BreakerState func() string
	Recorder     audit.Recorder
	Metrics      *metrics.Metrics
	Gatherer     prometheus.Gatherer
}

type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time
}

func NewServer(deps Deps, logger zerolog.Logger) *Server {
	if deps.Recorder == nil {
		deps.Recorder = audit.Nop
	}
	if deps.Metrics == nil {
		reg := prometheus.NewRegistry()
		deps.Metrics = metrics.New(reg)
		if deps.Gatherer == nil {
			deps.Gatherer = reg
		}
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	logger = logger.With().Str("component", "web").Logger()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestID())
	e.Use(recovery(logger))
	e.Use(requestLogger(logger))
	e.Use(middleware.CORS())

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger,
		now:    time.Now,
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("HTTP API listening")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) setupRoutes() {
	s.echo.POST("/internal/write-back/siu", s.handleWriteBack)

	dmp := s.echo.Group("/api/dmp")
	dmp.POST("/generate-cda", s.handleGenerateCDA)
	dmp.POST("/validate-cda", s.handleValidateCDA)

	api := s.echo.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/stats", s.handleStats)
	api.GET("/messages", s.handleGetMessages)
	api.POST("/messages/:id/retry", s.handleRetryMessage)
	api.GET("/streams", s.handleGetStreams)
	api.GET("/consumers", s.handleGetConsumers)

	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler(s.deps.Gatherer)))
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func errorJSON(c echo.Context, status int, code string, err error) error {
	return c.JSON(status, apiError{Error: err.Error(), Code: code})
}

var errUnavailable = errors.New("not available")

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	components := map[string]string{}
	overall := "healthy"

	js := s.deps.JetStream
	if js == nil {
		components["nats"] = "unhealthy: not initialized"
		overall = "unhealthy"
	} else if _, err := js.AccountInfo(ctx); err != nil {
		components["nats"] = "unhealthy: " + err.Error()
		overall = "unhealthy"
	} else {
		components["nats"] = "healthy"

		for _, name := range []string{natsstore.StreamOutbound, natsstore.StreamAudit} {
			stream, err := js.Stream(ctx, name)
			if err != nil {
				components[name] = "unhealthy: stream not found"
				overall = "degraded"
				continue
			}
			if info, err := stream.Info(ctx); err == nil {
				components[name] = fmt.Sprintf("healthy (messages: %d)", info.State.Msgs)
			} else {
				components[name] = "healthy"
			}
		}
		for _, name := range []string{natsstore.BucketStats, natsstore.BucketDLQ, natsstore.BucketHistory} {
			kv, err := js.KeyValue(ctx, name)
			if err != nil {
				components[name] = "unhealthy: bucket not found"
				overall = "degraded"
				continue
			}
			if status, err := kv.Status(ctx); err == nil {
				components[name] = fmt.Sprintf("healthy (values: %d)", status.Values())
			} else {
				components[name] = "healthy"
			}
		}
	}

	if s.deps.BreakerState != nil {
		state := s.deps.BreakerState()
		components["gateway"] = "circuit " + state
		if state == "open" && overall == "healthy" {
			overall = "degraded"
		}
	}

	status := http.StatusOK
	if overall == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]any{
		"status":     overall,
		"timestamp":  s.now().UTC(),
		"components": components,
		"version":    version,
	})
}

func (s *Server) handleStats(c echo.Context) error {
	if s.deps.Stats == nil {
		return errorJSON(c, http.StatusServiceUnavailable, "STATS_UNAVAILABLE", errUnavailable)
	}
	snap, err := s.deps.Stats.Snapshot(c.Request().Context())
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "STATS_ERROR", err)
	}
	return c.JSON(http.StatusOK, snap)
}

const defaultMessageLimit = 100

// handleGetMessages merges history and dead letters. The dead letter copy
// of a message wins since it carries the final error.
func (s *Server) handleGetMessages(c echo.Context) error {
	ctx := c.Request().Context()
	filter := natsstore.MessageFilter{
		Status:        c.QueryParam("status"),
		MessageType:   c.QueryParam("messageType"),
		AppointmentID: c.QueryParam("appointmentId"),
		Limit:         defaultMessageLimit,
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return errorJSON(c, http.StatusBadRequest, "INVALID_LIMIT", fmt.Errorf("limit must be a positive integer, got %q", v))
		}
		filter.Limit = n
	}

	byID := map[string]db.OutboundMessage{}
	var order []string
	collect := func(store MessageStore, f natsstore.MessageFilter) error {
		if store == nil {
			return nil
		}
		f.Limit = 0
		msgs, err := store.List(ctx, f)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if _, seen := byID[m.ID]; !seen {
				order = append(order, m.ID)
			}
			byID[m.ID] = m
		}
		return nil
	}

	if err := collect(s.deps.History, filter); err != nil {
		return errorJSON(c, http.StatusInternalServerError, "STORE_ERROR", err)
	}
	if filter.Status == "" || filter.Status == db.StatusFailed {
		if err := collect(s.deps.DLQ, filter); err != nil {
			return errorJSON(c, http.StatusInternalServerError, "STORE_ERROR", err)
		}
	}

	messages := make([]db.OutboundMessage, 0, len(order))
	for _, id := range order {
		messages = append(messages, byID[id])
	}
	sortNewestFirst(messages)
	if len(messages) > filter.Limit {
		messages = messages[:filter.Limit]
	}
	return c.JSON(http.StatusOK, messages)
}

func (s *Server) handleRetryMessage(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if s.deps.DLQ == nil || s.deps.Publisher == nil {
		return errorJSON(c, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", errUnavailable)
	}

	msg, err := s.deps.DLQ.Get(ctx, id)
	if errors.Is(err, natsstore.ErrMessageNotFound) {
		return errorJSON(c, http.StatusNotFound, "NOT_FOUND", fmt.Errorf("message %s is not in the dead letter queue", id))
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "STORE_ERROR", err)
	}

	msg.Status = db.StatusPending
	msg.RetryCount = 0
	msg.LastError = ""
	msg.ProcessedAt = nil
	if err := s.deps.Publisher.Publish(ctx, msg); err != nil {
		return errorJSON(c, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", err)
	}
	if err := s.deps.DLQ.Delete(ctx, id); err != nil {
		s.logger.Error().Err(err).Str("id", id).Msg("failed to remove message from dead letter queue")
	}

	s.logger.Info().Str("id", id).Str("stream", natsstore.StreamOutbound).Msg("message requeued")
	return c.JSON(http.StatusOK, map[string]string{
		"status": "requeued",
		"id":     id,
		"stream": natsstore.StreamOutbound,
	})
}

func (s *Server) handleGetStreams(c echo.Context) error {
	ctx := c.Request().Context()
	streams := []db.StreamInfo{}
	if s.deps.JetStream == nil {
		return c.JSON(http.StatusOK, streams)
	}

	for _, name := range []string{natsstore.StreamOutbound, natsstore.StreamAudit} {
		stream, err := s.deps.JetStream.Stream(ctx, name)
		if err != nil {
			continue
		}
		info, err := stream.Info(ctx)
		if err != nil {
			continue
		}
		streams = append(streams, db.StreamInfo{
			Name:          info.Config.Name,
			Messages:      info.State.Msgs,
			Bytes:         info.State.Bytes,
			FirstSequence: info.State.FirstSeq,
			LastSequence:  info.State.LastSeq,
		})
	}
	return c.JSON(http.StatusOK, streams)
}

func (s *Server) handleGetConsumers(c echo.Context) error {
	ctx := c.Request().Context()
	consumers := []db.ConsumerInfo{}
	if s.deps.JetStream == nil {
		return c.JSON(http.StatusOK, consumers)
	}

	stream, err := s.deps.JetStream.Stream(ctx, natsstore.StreamOutbound)
	if err != nil {
		return c.JSON(http.StatusOK, consumers)
	}
	names := stream.ConsumerNames(ctx)
	for name := range names.Name() {
		consumer, err := stream.Consumer(ctx, name)
		if err != nil {
			continue
		}
		info, err := consumer.Info(ctx)
		if err != nil {
			continue
		}
		consumers = append(consumers, db.ConsumerInfo{
			Stream:          natsstore.StreamOutbound,
			Name:            info.Name,
			Pending:         info.NumPending,
			Delivered:       info.Delivered.Consumer,
			AckPending:      uint64(info.NumAckPending),
			RedeliveryCount: uint64(info.NumRedelivered),
		})
	}
	return c.JSON(http.StatusOK, consumers)
}
