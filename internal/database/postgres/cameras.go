package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/occupancy-tracker/internal/database"
	"github.com/kozaktomas/occupancy-tracker/internal/geometry"
)

// CameraRepository reads cameras and stores their floor calibration.
type CameraRepository struct {
	pool *Pool
}

// NewCameraRepository creates a new PostgreSQL camera repository
func NewCameraRepository(pool *Pool) *CameraRepository {
	return &CameraRepository{pool: pool}
}

const cameraColumns = "id, name, link, role, enabled, created_at"

func scanCamera(row rowScanner) (*database.Camera, error) {
	var c database.Camera
	var role string
	if err := row.Scan(&c.ID, &c.Name, &c.Link, &role, &c.Enabled, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Role = database.CameraRole(role)
	return &c, nil
}

// transformations loads stored homographies keyed by camera ID.
func (r *CameraRepository) transformations(ctx context.Context) (map[int64][]float64, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT id, transformation_matrix FROM cameras WHERE transformation_matrix IS NOT NULL")
	if err != nil {
		return nil, fmt.Errorf("query camera transformations: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]float64)
	for rows.Next() {
		var id int64
		var vec pgvector.Vector
		if err := rows.Scan(&id, &vec); err != nil {
			return nil, fmt.Errorf("scan camera transformation: %w", err)
		}
		values := make([]float64, 0, database.TransformationDim)
		for _, v := range vec.Slice() {
			values = append(values, float64(v))
		}
		out[id] = values
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate camera transformations: %w", err)
	}
	return out, nil
}

// ListCameras returns cameras ordered by ID.
func (r *CameraRepository) ListCameras(ctx context.Context, enabledOnly bool) ([]database.Camera, error) {
	query := "SELECT " + cameraColumns + " FROM cameras"
	if enabledOnly {
		query += " WHERE enabled"
	}
	query += " ORDER BY id"

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list cameras: %w", err)
	}
	defer rows.Close()

	var cameras []database.Camera
	for rows.Next() {
		c, err := scanCamera(rows)
		if err != nil {
			return nil, fmt.Errorf("scan camera: %w", err)
		}
		cameras = append(cameras, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cameras: %w", err)
	}

	matrices, err := r.transformations(ctx)
	if err != nil {
		return nil, err
	}
	for i := range cameras {
		cameras[i].Transformation = matrices[cameras[i].ID]
	}
	return cameras, nil
}

// GetCamera returns nil if the camera does not exist.
func (r *CameraRepository) GetCamera(ctx context.Context, id int64) (*database.Camera, error) {
	c, err := scanCamera(r.pool.QueryRow(ctx, "SELECT "+cameraColumns+" FROM cameras WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get camera %d: %w", id, err)
	}

	var vec pgvector.Vector
	err = r.pool.QueryRow(ctx,
		"SELECT transformation_matrix FROM cameras WHERE id = $1 AND transformation_matrix IS NOT NULL", id,
	).Scan(&vec)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("get camera %d transformation: %w", id, err)
	default:
		for _, v := range vec.Slice() {
			c.Transformation = append(c.Transformation, float64(v))
		}
	}
	return c, nil
}

// GetCameraByName compares normalized names, so "Hlavní vchod" finds
// "hlavni-vchod".
func (r *CameraRepository) GetCameraByName(ctx context.Context, name string) (*database.Camera, error) {
	cameras, err := r.ListCameras(ctx, false)
	if err != nil {
		return nil, err
	}
	want := geometry.NormalizeName(name)
	for i := range cameras {
		if geometry.NormalizeName(cameras[i].Name) == want {
			return &cameras[i], nil
		}
	}
	return nil, nil
}

// CalibrationPoints returns the stored calibration for a camera.
func (r *CameraRepository) CalibrationPoints(ctx context.Context, cameraID int64) ([]database.CalibrationPoint, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, camera_id, canvas_x, canvas_y, camera_x, camera_y
		FROM calibration_points
		WHERE camera_id = $1
		ORDER BY id
	`, cameraID)
	if err != nil {
		return nil, fmt.Errorf("list calibration points: %w", err)
	}
	defer rows.Close()

	var points []database.CalibrationPoint
	for rows.Next() {
		var p database.CalibrationPoint
		if err := rows.Scan(&p.ID, &p.CameraID, &p.CanvasX, &p.CanvasY, &p.CameraX, &p.CameraY); err != nil {
			return nil, fmt.Errorf("scan calibration point: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calibration points: %w", err)
	}
	return points, nil
}

// SetTransformation stores the camera to floor homography. nil clears it.
func (r *CameraRepository) SetTransformation(ctx context.Context, cameraID int64, matrix []float64) error {
	var value any
	if matrix != nil {
		if len(matrix) != database.TransformationDim {
			return fmt.Errorf("transformation needs %d values, got %d", database.TransformationDim, len(matrix))
		}
		vals := make([]float32, len(matrix))
		for i, v := range matrix {
			vals[i] = float32(v)
		}
		value = pgvector.NewVector(vals)
	}

	res, err := r.pool.Exec(ctx, "UPDATE cameras SET transformation_matrix = $2 WHERE id = $1", cameraID, value)
	if err != nil {
		return fmt.Errorf("set camera %d transformation: %w", cameraID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("camera %d not found", cameraID)
	}
	return nil
}
