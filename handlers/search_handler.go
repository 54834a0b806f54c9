package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/upb/audit-pipeline/middleware"
	"github.com/upb/audit-pipeline/services"
	"github.com/upb/audit-pipeline/services/search"
	"github.com/upb/audit-pipeline/utils"
	"go.uber.org/zap"
)

// Searcher defines the interface for tenant-scoped search
type Searcher interface {
	Search(ctx context.Context, tenantID string, q search.Query) (*search.Result, error)
}

// searchParams are the validated query parameters of a search request
type searchParams struct {
	Text         string `json:"q" validate:"max=512"`
	Action       string `json:"action" validate:"max=100"`
	ResourceType string `json:"resource_type" validate:"max=100"`
	ResourceID   string `json:"resource_id" validate:"max=255"`
	UserID       string `json:"user_id" validate:"max=255"`
	Severity     string `json:"severity" validate:"omitempty,oneof=info warning error critical"`
	Page         int    `json:"page" validate:"gte=1"`
	Limit        int    `json:"limit" validate:"gte=1,lte=1000"`
}

// SearchHandler handles full-text search requests
type SearchHandler struct {
	searcher Searcher
	logger   *zap.Logger
}

// NewSearchHandler creates a new SearchHandler
func NewSearchHandler(searcher Searcher, logger *zap.Logger) *SearchHandler {
	return &SearchHandler{
		searcher: searcher,
		logger:   logger,
	}
}

// HandleSearch handles GET /api/v1/search
func (h *SearchHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	identity := middleware.GetIdentityFromContext(ctx)
	if identity == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	values := r.URL.Query()
	params := searchParams{
		Text:         values.Get("q"),
		Action:       values.Get("action"),
		ResourceType: values.Get("resource_type"),
		ResourceID:   values.Get("resource_id"),
		UserID:       values.Get("user_id"),
		Severity:     values.Get("severity"),
		Page:         1,
		Limit:        search.DefaultLimit,
	}

	fields := map[string]interface{}{}
	if v := values.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fields["page"] = "page must be an integer"
		}
		params.Page = n
	}
	if v := values.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fields["limit"] = "limit must be an integer"
		}
		params.Limit = n
	}
	if len(fields) > 0 {
		_ = utils.WriteBadRequest(w, "Validation failed", fields)
		return
	}
	if err := utils.ValidateStruct(&params); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	start, end, err := parseTimeRange(values)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	result, err := h.searcher.Search(ctx, identity.TenantID, search.Query{
		Text:         params.Text,
		Action:       params.Action,
		ResourceType: params.ResourceType,
		ResourceID:   params.ResourceID,
		UserID:       params.UserID,
		Severity:     params.Severity,
		Start:        start,
		End:          end,
		Page:         params.Page,
		Limit:        params.Limit,
	})
	if err != nil {
		h.logger.Warn("search failed",
			zap.String("request_id", requestID),
			zap.String("tenant_id", identity.TenantID),
			zap.Error(err))
		HandleServiceError(w, readSearchError(err), h.logger)
		return
	}

	_ = utils.WriteOK(w, result)
}

func readSearchError(err error) error {
	if services.GetErrorType(err) != "" {
		return err
	}
	return services.WrapError(services.ErrorTypeStoreUnavailable, "search backend unavailable", err)
}
