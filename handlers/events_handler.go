package handlers

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/upb/audit-pipeline/middleware"
	"github.com/upb/audit-pipeline/models"
	"github.com/upb/audit-pipeline/repositories"
	"github.com/upb/audit-pipeline/services"
	"github.com/upb/audit-pipeline/services/ingest"
	"github.com/upb/audit-pipeline/utils"
	"go.uber.org/zap"
)

// bodyOverhead is allowed on top of the payload limit for the envelope fields
const bodyOverhead = 16 * 1024

const maxUserAgent = 1024

// EventSubmitter defines the interface for the ingestion write path
type EventSubmitter interface {
	Submit(ctx context.Context, req ingest.SubmitRequest) (*models.AuditEvent, error)
}

// EventHandler handles audit event HTTP requests
type EventHandler struct {
	submitter    EventSubmitter
	events       repositories.EventReader
	logger       *zap.Logger
	maxBodyBytes int64
}

// NewEventHandler creates a new EventHandler
func NewEventHandler(submitter EventSubmitter, events repositories.EventReader, maxPayloadBytes int, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		submitter:    submitter,
		events:       events,
		logger:       logger,
		maxBodyBytes: int64(maxPayloadBytes)*2 + bodyOverhead,
	}
}

// HandleSubmit handles POST /api/v1/events
func (h *EventHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	identity := middleware.GetIdentityFromContext(ctx)
	if identity == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req ingest.SubmitRequest
	if err := utils.DecodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		h.logger.Warn("invalid submit body",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return
	}

	if req.TenantID == "" {
		req.TenantID = identity.TenantID
	}
	if req.TenantID != identity.TenantID {
		h.logger.Warn("cross-tenant submit rejected",
			zap.String("request_id", requestID),
			zap.String("tenant_id", identity.TenantID),
			zap.String("requested_tenant_id", req.TenantID))
		_ = utils.WriteForbidden(w, "Access to another tenant is forbidden")
		return
	}
	if req.Actor.UserID == "" {
		req.Actor = models.Actor{UserID: identity.UserID, UserName: identity.UserName, UserRole: identity.Role}
	}
	if req.IPAddress == "" {
		req.IPAddress = clientIP(r)
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
		if len(req.UserAgent) > maxUserAgent {
			req.UserAgent = req.UserAgent[:maxUserAgent]
		}
	}

	event, err := h.submitter.Submit(ctx, req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Debug("audit event submitted",
		zap.String("request_id", requestID),
		zap.String("tenant_id", event.TenantID),
		zap.String("event_id", event.ID.String()))

	_ = utils.WriteCreated(w, event)
}

// HandleQuery handles GET /api/v1/events
func (h *EventHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := middleware.GetIdentityFromContext(ctx)
	if identity == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	params := r.URL.Query()
	filter, err := parseEventFilter(params)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	page := repositories.Page{
		Cursor:     params.Get("cursor"),
		Descending: params.Get("order") == "desc",
	}
	if order := params.Get("order"); order != "" && order != "asc" && order != "desc" {
		_ = utils.WriteBadRequest(w, "Validation failed", map[string]interface{}{"order": "order must be one of: asc desc"})
		return
	}
	if v := params.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			_ = utils.WriteBadRequest(w, "Validation failed", map[string]interface{}{"limit": "limit must be an integer"})
			return
		}
		page.Limit = limit
	}

	result, err := h.events.Query(ctx, identity.TenantID, filter, page)
	if err != nil {
		HandleServiceError(w, readError(err), h.logger)
		return
	}

	_ = utils.WriteOK(w, result)
}

// HandleGet handles GET /api/v1/events/{id}
func (h *EventHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := middleware.GetIdentityFromContext(ctx)
	if identity == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	id, err := utils.ValidateUUID(chi.URLParam(r, "id"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid event ID", nil)
		return
	}

	event, err := h.events.GetByID(ctx, identity.TenantID, id)
	if err != nil {
		HandleServiceError(w, readError(err), h.logger)
		return
	}

	_ = utils.WriteOK(w, event)
}

// HandleCount handles GET /api/v1/events/count
func (h *EventHandler) HandleCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := middleware.GetIdentityFromContext(ctx)
	if identity == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	filter, err := parseEventFilter(r.URL.Query())
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	count, err := h.events.Count(ctx, identity.TenantID, filter)
	if err != nil {
		HandleServiceError(w, readError(err), h.logger)
		return
	}

	_ = utils.WriteOK(w, map[string]int64{"count": count})
}

// parseEventFilter reads filter query parameters shared by query and count
func parseEventFilter(params url.Values) (repositories.EventFilter, error) {
	filter := repositories.EventFilter{
		Action:       params.Get("action"),
		ResourceType: params.Get("resource_type"),
		ResourceID:   params.Get("resource_id"),
		ActorUserID:  params.Get("user_id"),
		Severity:     models.Severity(params.Get("severity")),
	}

	start, end, err := parseTimeRange(params)
	if err != nil {
		return filter, err
	}
	filter.Start, filter.End = start, end

	if err := utils.ValidateStruct(&filter); err != nil {
		return filter, err
	}
	return filter, nil
}

// parseTimeRange reads RFC3339 start/end parameters
func parseTimeRange(params url.Values) (*time.Time, *time.Time, error) {
	fields := map[string]string{}
	parse := func(name string) *time.Time {
		v := params.Get(name)
		if v == "" {
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			fields[name] = name + " must be an RFC3339 timestamp"
			return nil
		}
		t = t.UTC()
		return &t
	}

	start, end := parse("start"), parse("end")
	if start != nil && end != nil && !start.Before(*end) {
		fields["end"] = "end must be after start"
	}
	if len(fields) > 0 {
		return nil, nil, &utils.ValidationError{Message: "Validation failed", Fields: fields}
	}
	return start, end, nil
}

// readError classifies read-path failures that are not already domain errors
func readError(err error) error {
	if services.GetErrorType(err) != "" {
		return err
	}
	return services.WrapError(services.ErrorTypeStoreUnavailable, "event store unavailable", err)
}

// clientIP returns the remote address when it is a valid IP. chi's RealIP has already applied forwarding headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if net.ParseIP(host) == nil {
		return ""
	}
	return host
}
