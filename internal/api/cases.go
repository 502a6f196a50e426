package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/carelinelabs/careline/internal/domain"
	"github.com/carelinelabs/careline/internal/store"
)

// HandleListCases handles GET /api/cases with optional session_id, status,
// and severity query filters.
func (h *Handler) HandleListCases(w http.ResponseWriter, r *http.Request) {
	f := store.CaseFilters{
		SessionID: r.URL.Query().Get("session_id"),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		s := domain.CaseStatus(status)
		if !s.Valid() {
			Error(w, http.StatusBadRequest, "invalid status filter")
			return
		}
		f.Status = s
	}
	if severity := r.URL.Query().Get("severity"); severity != "" {
		lv := domain.RiskLevel(severity)
		if !lv.Valid() {
			Error(w, http.StatusBadRequest, "invalid severity filter")
			return
		}
		f.Severity = lv
	}

	cases, err := h.repo.ListCases(r.Context(), f)
	if err != nil {
		slog.Error("Failed to list cases", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list cases")
		return
	}
	if cases == nil {
		cases = []*domain.Case{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"cases": cases})
}

// HandleGetCase handles GET /api/cases/{caseID}.
func (h *Handler) HandleGetCase(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	c, err := h.repo.GetCase(r.Context(), caseID)
	if err != nil {
		slog.Error("Failed to get case", "case_id", caseID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to get case")
		return
	}
	if c == nil {
		Error(w, http.StatusNotFound, "case not found")
		return
	}
	JSON(w, http.StatusOK, c)
}

// UpdateCaseRequest is the body of PATCH /api/cases/{caseID}.
type UpdateCaseRequest struct {
	Status   domain.CaseStatus `json:"status"`
	Assignee string            `json:"assignee"`
}

// HandleUpdateCase handles PATCH /api/cases/{caseID}. Updates go through
// the escalation manager so case lifecycle rules live in one place.
func (h *Handler) HandleUpdateCase(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")

	var req UpdateCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status == "" {
		Error(w, http.StatusBadRequest, "status is required")
		return
	}

	if err := h.escalations.Resolve(r.Context(), caseID, req.Status, req.Assignee); err != nil {
		if strings.Contains(err.Error(), "not found") {
			Error(w, http.StatusNotFound, "case not found")
			return
		}
		if strings.Contains(err.Error(), "invalid case status") {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("Failed to update case", "case_id", caseID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to update case")
		return
	}

	c, err := h.repo.GetCase(r.Context(), caseID)
	if err != nil || c == nil {
		Error(w, http.StatusInternalServerError, "failed to load updated case")
		return
	}
	JSON(w, http.StatusOK, c)
}

// HandleExecutionActivity handles GET /api/executions/{executionID}/activity.
// It returns the persisted invocation records for an execution; live trace
// streaming is served separately over the websocket endpoint.
func (h *Handler) HandleExecutionActivity(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	invocations, err := h.repo.ListInvocations(r.Context(), executionID)
	if err != nil {
		slog.Error("Failed to list invocations", "execution_id", executionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list activity")
		return
	}
	if invocations == nil {
		invocations = []*domain.AgentInvocation{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"execution_id": executionID,
		"activity":     invocations,
	})
}
