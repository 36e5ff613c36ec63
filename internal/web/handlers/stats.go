package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/kozaktomas/occupancy-tracker/internal/database"
)

const statsCacheTTL = 30 * time.Second

// StatsHandler handles detection statistics.
type StatsHandler struct {
	stats  database.StatsReader
	cache  *cache.Cache
	now    func() time.Time
	logger *slog.Logger
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(stats database.StatsReader, logger *slog.Logger) *StatsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsHandler{
		stats:  stats,
		cache:  cache.New(statsCacheTTL, 0),
		now:    time.Now,
		logger: logger,
	}
}

// StatsResponse is the body of GET /api/v1/stats.
type StatsResponse struct {
	From          time.Time       `json:"from"`
	To            time.Time       `json:"to"`
	CameraID      *int64          `json:"camera_id,omitempty"`
	Total         int64           `json:"total"`
	Recognized    int64           `json:"recognized"`
	Unrecognized  int64           `json:"unrecognized"`
	DistinctUsers int64           `json:"distinct_users"`
	PerUser       []UserCountJSON `json:"per_user"`
}

// UserCountJSON is the detection count of one user.
type UserCountJSON struct {
	UserID int64 `json:"user_id"`
	Count  int64 `json:"count"`
}

// Get handles GET /api/v1/stats?from=RFC3339&to=RFC3339&camera_id=N.
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	filter, msg := h.parseFilter(r)
	if msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	// Windows ending now move with every request, so only fixed ones are cached.
	key := r.URL.RawQuery
	fixed := r.URL.Query().Get("to") != ""
	if cached, ok := h.cache.Get(key); ok && fixed {
		respondJSON(w, http.StatusOK, cached)
		return
	}

	stats, err := h.stats.DetectionStats(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to compute detection stats", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}

	resp := StatsResponse{
		From:          filter.From,
		To:            filter.To,
		CameraID:      filter.CameraID,
		Total:         stats.Total,
		Recognized:    stats.Recognized,
		Unrecognized:  stats.Unrecognized,
		DistinctUsers: stats.DistinctUsers,
		PerUser:       make([]UserCountJSON, 0, len(stats.PerUser)),
	}
	for _, u := range stats.PerUser {
		resp.PerUser = append(resp.PerUser, UserCountJSON{UserID: u.UserID, Count: u.Count})
	}

	if fixed {
		h.cache.SetDefault(key, resp)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *StatsHandler) parseFilter(r *http.Request) (database.StatsFilter, string) {
	q := r.URL.Query()
	f := database.StatsFilter{To: h.now().UTC()}

	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, "invalid to, expected RFC3339"
		}
		f.To = t
	}
	f.From = f.To.Add(-database.DefaultStatsWindow)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, "invalid from, expected RFC3339"
		}
		f.From = t
	}
	if !f.From.Before(f.To) {
		return f, "from must be before to"
	}
	if v := q.Get("camera_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return f, "invalid camera_id"
		}
		f.CameraID = &id
	}
	return f, ""
}
