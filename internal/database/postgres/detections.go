package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/kozaktomas/occupancy-tracker/internal/database"
)

// DetectionRepository writes detection records.
type DetectionRepository struct {
	pool *Pool
}

// NewDetectionRepository creates a new PostgreSQL detection repository
func NewDetectionRepository(pool *Pool) *DetectionRepository {
	return &DetectionRepository{pool: pool}
}

// InsertDetections bulk loads records with COPY inside one transaction, so a
// failed batch leaves nothing behind.
func (r *DetectionRepository) InsertDetections(ctx context.Context, records []database.DetectionRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("detections",
		"user_id", "camera_id", "track_id", "time", "x", "y", "w", "h", "floor_x", "floor_y"))
	if err != nil {
		return fmt.Errorf("prepare detections copy: %w", err)
	}

	for _, d := range records {
		if _, err := stmt.ExecContext(ctx,
			d.UserID, d.CameraID, d.TrackID, d.Timestamp.UTC(),
			d.X, d.Y, d.W, d.H, d.FloorX, d.FloorY,
		); err != nil {
			stmt.Close()
			return fmt.Errorf("copy detection: %w", err)
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush detections copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close detections copy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit detections: %w", err)
	}
	return nil
}
