// Package server is the HTTP tool surface: four tool operations, ticket
// retrieval, the metrics summary, and the health probe.
package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hindsight-io/hindsight/internal/cache"
	"github.com/hindsight-io/hindsight/internal/config"
	"github.com/hindsight-io/hindsight/internal/errkind"
	"github.com/hindsight-io/hindsight/internal/event"
	"github.com/hindsight-io/hindsight/internal/queue"
	"github.com/hindsight-io/hindsight/internal/telemetry"
	"github.com/hindsight-io/hindsight/internal/templates"
	"github.com/hindsight-io/hindsight/internal/tickets"
	"github.com/hindsight-io/hindsight/internal/warehouse"
)

// Operation names as recorded in the latency windows.
const (
	opLogEvent    = "log_event"
	opGetContext  = "get_context"
	opSubmitQuery = "submit_query"
	opLogInsight  = "log_insight"
)

// ── Error responses ──────────────────────────────────────────────────────

type errResp struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

func errResponse(c echo.Context, err error) error {
	kind := errkind.KindOf(err)
	return c.JSON(errkind.HTTPStatus(kind), errResp{
		ErrorKind: string(kind),
		Message:   err.Error(),
		Retriable: errkind.Retriable(err),
	})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errResp{
		ErrorKind: string(errkind.InvalidArgument),
		Message:   msg,
	})
}

// ── Handler ──────────────────────────────────────────────────────────────

// HealthSource reports the warehouse monitor's latest aggregate.
type HealthSource interface {
	Snapshot() warehouse.HealthSnapshot
}

// Handler wires the tool operations over their backing components.
type Handler struct {
	cfg      *config.Config
	queue    *queue.Writer
	cache    *cache.Cache
	wh       warehouse.Querier
	tickets  *tickets.Manager
	registry *templates.Registry
	recorder *telemetry.Recorder
	health   HealthSource
	logger   *zap.Logger

	// queryTag is this process's tag for events it generates itself,
	// derived from the event-insert fingerprint.
	queryTag string
}

// NewHandler builds the handler. health may be nil (uploader-less test
// deployments); /healthz then reports only process liveness.
func NewHandler(cfg *config.Config, q *queue.Writer, c *cache.Cache, wh warehouse.Querier,
	tk *tickets.Manager, reg *templates.Registry, rec *telemetry.Recorder,
	health HealthSource, logger *zap.Logger) *Handler {

	h := &Handler{
		cfg:      cfg,
		queue:    q,
		cache:    c,
		wh:       wh,
		tickets:  tk,
		registry: reg,
		recorder: rec,
		health:   health,
		logger:   logger,
	}
	if tpl, err := reg.Get(templates.LogEvent); err == nil {
		h.queryTag = templates.QueryTag(cfg.QueryTagName, templates.Fingerprint(tpl.SQL, nil))
	}
	return h
}

// Register mounts all routes.
func (h *Handler) Register(e *echo.Echo) {
	g := e.Group("/v1/tools")
	g.POST("/log_event", h.LogEvent)
	g.GET("/get_context/:customer", h.GetContext)
	g.POST("/submit_query", h.SubmitQuery)
	g.POST("/log_insight", h.LogInsight)

	e.GET("/v1/tickets/:id", h.GetTicket)
	e.GET("/metrics/summary", h.MetricsSummary)
	e.GET("/healthz", h.Healthz)
}

// ── log_event ────────────────────────────────────────────────────────────

type logEventRequest struct {
	Activity      string          `json:"activity"`
	Customer      string          `json:"customer"`
	Features      json.RawMessage `json:"features,omitempty"`
	Link          string          `json:"link,omitempty"`
	RevenueImpact *float64        `json:"revenue_impact,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	SourceSystem  string          `json:"source_system,omitempty"`
	SourceVersion string          `json:"source_version,omitempty"`
}

type ackResponse struct {
	Status  string `json:"status"`
	EventID string `json:"event_id,omitempty"`
}

// LogEvent validates, normalizes, and enqueues. It returns before any
// warehouse work happens; downstream failure is visible only through
// queue depth and uploader counters.
func (h *Handler) LogEvent(c echo.Context) error {
	start := time.Now()
	defer func() { h.recorder.Observe(opLogEvent, time.Since(start)) }()

	var req logEventRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Customer == "" {
		req.Customer = h.cfg.DefaultCustomer
	}

	ev := &event.Event{
		EventID:       uuid.NewString(),
		Activity:      event.NormalizeActivity(req.Activity),
		Customer:      req.Customer,
		TS:            time.Now().UTC(),
		Link:          req.Link,
		RevenueImpact: req.RevenueImpact,
		Features:      req.Features,
		SessionID:     req.SessionID,
		SourceSystem:  req.SourceSystem,
		SourceVersion: req.SourceVersion,
		QueryTag:      h.queryTag,
	}
	if err := ev.Validate(); err != nil {
		return errResponse(c, err)
	}
	if err := h.queue.Push(ev); err != nil {
		if errkind.Is(err, errkind.Overloaded) {
			c.Response().Header().Set("Retry-After", "1")
		}
		h.logger.Warn("enqueue failed",
			zap.String("activity", ev.Activity),
			zap.Error(err),
		)
		return errResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, ackResponse{Status: "queued", EventID: ev.EventID})
}

// ── get_context ──────────────────────────────────────────────────────────

type contextResponse struct {
	Customer  string          `json:"customer"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
}

type truncatedContext struct {
	Truncated    bool            `json:"truncated"`
	OriginalSize int             `json:"original_size"`
	Data         json.RawMessage `json:"data"`
}

// GetContext serves L1, then L2, then the warehouse, populating the
// tiers on the way back. A warehouse error reads as null with a warning
// log; the read path never fails a caller on backend trouble.
func (h *Handler) GetContext(c echo.Context) error {
	start := time.Now()
	defer func() { h.recorder.Observe(opGetContext, time.Since(start)) }()

	customer := c.Param("customer")
	if err := event.ValidateCustomer(customer); err != nil {
		return errResponse(c, err)
	}
	maxBytes := 0
	if raw := c.QueryParam("max_bytes"); raw != "" {
		if err := echo.QueryParamsBinder(c).Int("max_bytes", &maxBytes).BindError(); err != nil || maxBytes < 0 {
			return badRequest(c, "max_bytes must be a non-negative integer")
		}
	}

	ctx := c.Request().Context()
	rec, ok := h.cache.Get(ctx, customer)
	if !ok {
		var err error
		rec, err = h.wh.GetContext(ctx, customer)
		switch {
		case err == nil:
			h.cache.Put(customer, rec)
		case errkind.Is(err, errkind.NotFound):
			h.cache.PutNegative(customer)
			rec = nil
		default:
			h.logger.Warn("context read degraded to null",
				zap.String("customer", customer),
				zap.Error(err),
			)
			rec = nil
		}
	}
	if rec == nil {
		return c.JSON(http.StatusOK, contextResponse{Customer: customer, Data: json.RawMessage("null")})
	}
	if maxBytes > 0 && len(rec.ContextBlob) > maxBytes {
		return c.JSON(http.StatusOK, truncatedContext{
			Truncated:    true,
			OriginalSize: len(rec.ContextBlob),
			Data:         truncateJSON(rec.ContextBlob, maxBytes),
		})
	}
	updated := rec.UpdatedAt
	return c.JSON(http.StatusOK, contextResponse{Customer: customer, Data: rec.ContextBlob, UpdatedAt: &updated})
}

// truncateJSON re-encodes the largest structural subset of blob that
// fits in max bytes: objects keep keys in sorted order while they fit,
// arrays keep a leading run of elements. The caller never sees bytes
// past the cap; a blob with no subset under the cap reads as null.
func truncateJSON(blob json.RawMessage, max int) json.RawMessage {
	if len(blob) <= max {
		return blob
	}
	var v any
	if err := json.Unmarshal(blob, &v); err != nil {
		return json.RawMessage("null")
	}
	switch vv := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		kept := make(map[string]any, len(vv))
		for _, k := range keys {
			kept[k] = vv[k]
			if enc, err := json.Marshal(kept); err != nil || len(enc) > max {
				delete(kept, k)
			}
		}
		if enc, err := json.Marshal(kept); err == nil && len(enc) <= max {
			return enc
		}
	case []any:
		for n := len(vv); n >= 0; n-- {
			if enc, err := json.Marshal(vv[:n]); err == nil && len(enc) <= max {
				return enc
			}
		}
	default:
		if enc, err := json.Marshal(v); err == nil && len(enc) <= max {
			return enc
		}
	}
	return json.RawMessage("null")
}

// ── submit_query ─────────────────────────────────────────────────────────

type submitQueryRequest struct {
	Template string `json:"template"`
	Params   []any  `json:"params"`
	ByteCap  int64  `json:"byte_cap,omitempty"`
}

type submitQueryResponse struct {
	TicketID string         `json:"ticket_id"`
	Status   tickets.Status `json:"status"`
}

// SubmitQuery validates against the template registry, hands out a
// ticket, and enqueues a sql_executed event. Execution happens on the
// ticket worker.
func (h *Handler) SubmitQuery(c echo.Context) error {
	start := time.Now()
	defer func() { h.recorder.Observe(opSubmitQuery, time.Since(start)) }()

	var req submitQueryRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	tpl, err := h.registry.Get(req.Template)
	if err != nil {
		return errResponse(c, err)
	}
	if _, err := tpl.Bind(req.Params); err != nil {
		return errResponse(c, err)
	}

	tag := templates.QueryTag(h.cfg.QueryTagName, templates.Fingerprint(tpl.SQL, req.Params))
	tk := h.tickets.Submit(req.Template, req.Params, req.ByteCap, tag)

	features, _ := json.Marshal(map[string]string{
		"template":  req.Template,
		"ticket_id": tk.TicketID,
	})
	h.enqueueInternal(event.ActivitySQLExecuted, tag, features)

	return c.JSON(http.StatusAccepted, submitQueryResponse{TicketID: tk.TicketID, Status: tk.Status})
}

// ── log_insight ──────────────────────────────────────────────────────────

type logInsightRequest struct {
	Customer       string          `json:"customer"`
	Subject        string          `json:"subject"`
	Metric         string          `json:"metric"`
	Value          json.RawMessage `json:"value"`
	ProvenanceHash string          `json:"provenance_hash"`
	ValidUntil     *time.Time      `json:"valid_until,omitempty"`
}

// LogInsight validates the atom and enqueues an insight_recorded event
// carrying it; the uploader lands the atom in the warehouse.
func (h *Handler) LogInsight(c echo.Context) error {
	start := time.Now()
	defer func() { h.recorder.Observe(opLogInsight, time.Since(start)) }()

	var req logInsightRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Customer == "" {
		req.Customer = h.cfg.DefaultCustomer
	}
	atom := &event.InsightAtom{
		AtomID:         uuid.NewString(),
		Customer:       req.Customer,
		Subject:        req.Subject,
		Metric:         req.Metric,
		Value:          req.Value,
		ProvenanceHash: req.ProvenanceHash,
		TS:             time.Now().UTC(),
		ValidUntil:     req.ValidUntil,
	}
	if err := atom.Validate(); err != nil {
		return errResponse(c, err)
	}
	features, err := json.Marshal(atom)
	if err != nil {
		return errResponse(c, errkind.Wrap(err, errkind.Internal, "atom serialization"))
	}

	ev := &event.Event{
		EventID:  uuid.NewString(),
		Activity: event.ActivityInsightRecorded,
		Customer: atom.Customer,
		TS:       atom.TS,
		Features: features,
		QueryTag: h.queryTag,
	}
	if err := h.queue.Push(ev); err != nil {
		return errResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, ackResponse{Status: "queued", EventID: atom.AtomID})
}

// enqueueInternal pushes a server-generated event; failures are logged
// only, these events are advisory.
func (h *Handler) enqueueInternal(activity, tag string, features json.RawMessage) {
	ev := &event.Event{
		EventID:  uuid.NewString(),
		Activity: activity,
		Customer: "system",
		TS:       time.Now().UTC(),
		Features: features,
		QueryTag: tag,
	}
	if err := h.queue.Push(ev); err != nil {
		h.logger.Warn("internal event dropped", zap.String("activity", activity), zap.Error(err))
	}
}

// ── tickets, metrics, health ─────────────────────────────────────────────

// GetTicket returns the ticket snapshot, including result or artifact
// pointer once done.
func (h *Handler) GetTicket(c echo.Context) error {
	tk, err := h.tickets.Get(c.Param("id"))
	if err != nil {
		return errResponse(c, err)
	}
	return c.JSON(http.StatusOK, tk)
}

type metricsSummary struct {
	Ops       map[string]telemetry.OpStats `json:"ops"`
	Cache     cache.Stats                  `json:"cache"`
	Queue     queue.Stats                  `json:"queue"`
	Warehouse *warehouse.HealthSnapshot    `json:"warehouse,omitempty"`
	Tickets   int                          `json:"tickets"`
}

// MetricsSummary is the read-only JSON metrics document.
func (h *Handler) MetricsSummary(c echo.Context) error {
	out := metricsSummary{
		Ops:     h.recorder.Snapshot(),
		Cache:   h.cache.Snapshot(),
		Queue:   h.queue.Stats(),
		Tickets: h.tickets.Count(),
	}
	if h.health != nil {
		snap := h.health.Snapshot()
		out.Warehouse = &snap
	}
	return c.JSON(http.StatusOK, out)
}

// Healthz reports 200 while at least one warehouse identity is healthy
// (or when no monitor is wired) and 503 otherwise.
func (h *Handler) Healthz(c echo.Context) error {
	if h.health != nil {
		snap := h.health.Snapshot()
		if !snap.ProbedAt.IsZero() && snap.Healthy == 0 {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
