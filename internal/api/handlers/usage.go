package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/matiasleandrokruk/wanderplan/internal/domain/plan"
)

// UsageReader is implemented by plan.UsageRecorder.
type UsageReader interface {
	TotalsForUser(ctx context.Context, userID string, since time.Time) (plan.UsageTotals, error)
}

type UsageHandler struct {
	usage UsageReader
}

func NewUsageHandler(usage UsageReader) *UsageHandler {
	return &UsageHandler{usage: usage}
}

// UsageResponse reports token spend since a point in time.
type UsageResponse struct {
	plan.UsageTotals
	Since *time.Time `json:"since,omitempty"`
}

// GetUsage handles GET /api/v1/usage?since=RFC3339.
func (h *UsageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}

	totals, err := h.usage.TotalsForUser(r.Context(), userID, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}
	resp := UsageResponse{UsageTotals: totals}
	if !since.IsZero() {
		resp.Since = &since
	}
	writeJSON(w, http.StatusOK, resp)
}
