package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/carelinelabs/careline/internal/domain"
	"github.com/carelinelabs/careline/internal/identity"
	"github.com/carelinelabs/careline/internal/insights"
)

// HandleAnalyticsQuery handles POST /api/analytics/query. Results pass
// through the privacy guard before leaving the process; the request is
// audit-logged whether it is served or rejected.
func (h *Handler) HandleAnalyticsQuery(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)

	var q domain.AnalyticsQuery
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// The header role wins over the body so a proxy-asserted role cannot
	// be overridden by the request payload.
	if role := identity.RoleFromContext(r.Context()); role != "" {
		q.RequesterRole = role
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	result, err := h.insights.Execute(r.Context(), q, reqID)
	if err != nil {
		if errors.Is(err, insights.ErrQueryRejected) {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("Analytics query failed", "request_id", reqID, "query", q.Name, "error", err)
		Error(w, http.StatusInternalServerError, "query failed")
		return
	}

	JSON(w, http.StatusOK, result)
}
