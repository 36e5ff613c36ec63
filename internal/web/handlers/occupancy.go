package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/kozaktomas/occupancy-tracker/internal/constants"
)

// OccupancyHandler lists who is inside.
type OccupancyHandler struct {
	ledger OccupancyLedger
	logger *slog.Logger
}

// NewOccupancyHandler creates a new occupancy handler.
func NewOccupancyHandler(ledger OccupancyLedger, logger *slog.Logger) *OccupancyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OccupancyHandler{ledger: ledger, logger: logger}
}

// InsideEntry is one open session.
type InsideEntry struct {
	SessionID int64     `json:"session_id"`
	UserID    int64     `json:"user_id"`
	EnteredAt time.Time `json:"entered_at"`
}

// OccupancyResponse is the body of GET /api/v1/occupancy.
type OccupancyResponse struct {
	Count  int           `json:"count"`
	Inside []InsideEntry `json:"inside"`
}

// List handles GET /api/v1/occupancy.
func (h *OccupancyHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.ledger.Inside(r.Context())
	if err != nil {
		h.logger.Error("failed to list open sessions", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list occupancy")
		return
	}

	resp := OccupancyResponse{Count: len(sessions), Inside: make([]InsideEntry, 0, len(sessions))}
	for i, s := range sessions {
		if i == constants.DefaultOccupancyLimit {
			break
		}
		resp.Inside = append(resp.Inside, InsideEntry{SessionID: s.ID, UserID: s.UserID, EnteredAt: s.EnteredAt})
	}
	respondJSON(w, http.StatusOK, resp)
}
