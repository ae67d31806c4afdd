package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/matiasleandrokruk/wanderplan/internal/domain/plan"
)

// PlanService is implemented by plan.Service.
type PlanService interface {
	Create(ctx context.Context, userID string, in plan.CreateInput) (*plan.Plan, error)
	Get(ctx context.Context, userID, planID string) (*plan.Plan, error)
	List(ctx context.Context, userID string, opts plan.ListOptions) ([]*plan.Plan, int, error)
	Delete(ctx context.Context, userID, planID string) error
	Generate(ctx context.Context, userID, planID string) (*plan.Plan, error)
}

type PlanHandler struct {
	service PlanService
	logger  *slog.Logger
}

func NewPlanHandler(service PlanService, logger *slog.Logger) *PlanHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PlanHandler{service: service, logger: logger}
}

// CreatePlanRequest is the body of POST /api/v1/plans.
type CreatePlanRequest struct {
	Destination string `json:"destination"`
	StartDate   string `json:"startDate"`
	EndDate     string `json:"endDate"`
	Travelers   int    `json:"travelers"`
	Budget      string `json:"budget"`
	Notes       string `json:"notes"`
}

// ListPlansResponse is one page of plans.
type ListPlansResponse struct {
	Data   []*plan.Plan `json:"data"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// CreatePlan handles POST /api/v1/plans.
func (h *PlanHandler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req CreatePlanRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Travelers == 0 {
		req.Travelers = 1
	}

	p, err := h.service.Create(r.Context(), userID, plan.CreateInput{
		Destination: req.Destination,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
		Travelers:   req.Travelers,
		Budget:      req.Budget,
		Notes:       req.Notes,
	})
	if err != nil {
		h.writePlanError(w, err, "failed to create plan")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ListPlans handles GET /api/v1/plans?limit=&offset=&status=.
func (h *PlanHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	page := parsePaginationParams(r)
	status := plan.Status(r.URL.Query().Get("status"))
	switch status {
	case "", plan.StatusDraft, plan.StatusGenerating, plan.StatusGenerated, plan.StatusFailed:
	default:
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}

	plans, total, err := h.service.List(r.Context(), userID, plan.ListOptions{
		Limit:  page.Limit,
		Offset: page.Offset,
		Status: status,
	})
	if err != nil {
		h.writePlanError(w, err, "failed to list plans")
		return
	}
	writeJSON(w, http.StatusOK, ListPlansResponse{Data: plans, Total: total, Limit: page.Limit, Offset: page.Offset})
}

// GetPlan handles GET /api/v1/plans/{id}.
func (h *PlanHandler) GetPlan(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	p, err := h.service.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		h.writePlanError(w, err, "failed to load plan")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DeletePlan handles DELETE /api/v1/plans/{id}.
func (h *PlanHandler) DeletePlan(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		h.writePlanError(w, err, "failed to delete plan")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GeneratePlan handles POST /api/v1/plans/{id}/generate. It blocks until the
// model answers or fails.
//
// Response codes:
//   - 200 OK: itinerary stored, plan returned
//   - 404 Not Found: unknown plan
//   - 409 Conflict: a generation is already running
//   - 429 Too Many Requests: provider rate limit
//   - 502 Bad Gateway: provider or validation failure, code in body
//   - 504 Gateway Timeout: provider timeout
func (h *PlanHandler) GeneratePlan(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	p, err := h.service.Generate(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		if writeLLMError(w, err) {
			return
		}
		h.writePlanError(w, err, "failed to generate itinerary")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ExportPlan handles GET /api/v1/plans/{id}/export?format=md|html.
func (h *PlanHandler) ExportPlan(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	p, err := h.service.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		h.writePlanError(w, err, "failed to load plan")
		return
	}
	body, contentType, err := plan.Export(p, r.URL.Query().Get("format"))
	if err != nil {
		h.writePlanError(w, err, "failed to export plan")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body) //nolint:errcheck
}

func (h *PlanHandler) writePlanError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, plan.ErrNotFound):
		writeError(w, http.StatusNotFound, "plan not found")
	case errors.Is(err, plan.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, plan.ErrGenerationInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, plan.ErrNotGenerated):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error(fallback, "error", err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}
