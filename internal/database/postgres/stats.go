package postgres

import (
	"context"
	"fmt"

	"github.com/kozaktomas/occupancy-tracker/internal/database"
)

// StatsRepository aggregates detections.
type StatsRepository struct {
	pool *Pool
}

// NewStatsRepository creates a new PostgreSQL stats repository
func NewStatsRepository(pool *Pool) *StatsRepository {
	return &StatsRepository{pool: pool}
}

// DetectionStats counts detections in [From, To), optionally for one camera.
func (r *StatsRepository) DetectionStats(ctx context.Context, f database.StatsFilter) (*database.DetectionStats, error) {
	where := "time >= $1 AND time < $2 AND ($3::BIGINT IS NULL OR camera_id = $3)"
	args := []any{f.From.UTC(), f.To.UTC(), f.CameraID}

	var s database.DetectionStats
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(user_id),
			COUNT(*) - COUNT(user_id),
			COUNT(DISTINCT user_id)
		FROM detections
		WHERE `+where, args...,
	).Scan(&s.Total, &s.Recognized, &s.Unrecognized, &s.DistinctUsers)
	if err != nil {
		return nil, fmt.Errorf("count detections: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT user_id, COUNT(*) AS n
		FROM detections
		WHERE user_id IS NOT NULL AND `+where+`
		GROUP BY user_id
		ORDER BY n DESC, user_id
		LIMIT `+fmt.Sprint(database.MaxStatsUsers), args...)
	if err != nil {
		return nil, fmt.Errorf("count detections per user: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u database.UserDetectionCount
		if err := rows.Scan(&u.UserID, &u.Count); err != nil {
			return nil, fmt.Errorf("scan user detections: %w", err)
		}
		s.PerUser = append(s.PerUser, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user detections: %w", err)
	}
	return &s, nil
}
