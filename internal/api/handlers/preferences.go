package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/matiasleandrokruk/wanderplan/internal/domain/preferences"
)

// PreferencesService is implemented by preferences.Service.
type PreferencesService interface {
	Get(ctx context.Context, userID string) (*preferences.Preferences, error)
	Upsert(ctx context.Context, userID string, in preferences.Input) (*preferences.Preferences, error)
}

type PreferencesHandler struct {
	service PreferencesService
}

func NewPreferencesHandler(service PreferencesService) *PreferencesHandler {
	return &PreferencesHandler{service: service}
}

// PreferencesRequest is the body of PUT /api/v1/preferences.
type PreferencesRequest struct {
	TravelStyle string   `json:"travelStyle"`
	Pace        string   `json:"pace"`
	BudgetLevel string   `json:"budgetLevel"`
	Interests   []string `json:"interests"`
	Notes       string   `json:"notes"`
}

// Get handles GET /api/v1/preferences.
func (h *PreferencesHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	prefs, err := h.service.Get(r.Context(), userID)
	if err != nil {
		if errors.Is(err, preferences.ErrNotFound) {
			writeError(w, http.StatusNotFound, "preferences not set")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// Put handles PUT /api/v1/preferences, replacing the whole profile.
func (h *PreferencesHandler) Put(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req PreferencesRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	prefs, err := h.service.Upsert(r.Context(), userID, preferences.Input{
		TravelStyle: preferences.TravelStyle(req.TravelStyle),
		Pace:        preferences.Pace(req.Pace),
		BudgetLevel: preferences.BudgetLevel(req.BudgetLevel),
		Interests:   req.Interests,
		Notes:       req.Notes,
	})
	if err != nil {
		if errors.Is(err, preferences.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to save preferences")
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}
