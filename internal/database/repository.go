package database

import (
	"context"
	"errors"
)

// ErrOpenSessionExists is returned by OccupancyTx.StartSession when the
// storage already holds an open session for the user.
var ErrOpenSessionExists = errors.New("user already has an open session")

// DetectionWriter persists detection records.
type DetectionWriter interface {
	// InsertDetections writes all records or none of them.
	InsertDetections(ctx context.Context, records []DetectionRecord) error
}

// OccupancyTx is the view of occupancy storage inside a per-user locked
// transaction.
type OccupancyTx interface {
	// OpenSession returns the user's open session, nil if the user is outside
	OpenSession(ctx context.Context, userID int64) (*Session, error)
	// AppendEvent stores an event and returns it with ID and timestamp set
	AppendEvent(ctx context.Context, event OccupancyEvent) (OccupancyEvent, error)
	// StartSession opens a session for enterEvent
	StartSession(ctx context.Context, enterEvent OccupancyEvent) (Session, error)
	// EndSession closes the session with exitEvent
	EndSession(ctx context.Context, sessionID int64, exitEvent OccupancyEvent) (Session, error)
	// SetInside mirrors the occupancy state onto the tracking subject
	SetInside(ctx context.Context, userID int64, inside bool) error
}

// OccupancyStore provides the occupancy ledger's storage.
type OccupancyStore interface {
	// WithUserLock runs fn in a transaction that holds an exclusive lock on
	// userID. The transaction commits when fn returns nil.
	WithUserLock(ctx context.Context, userID int64, fn func(tx OccupancyTx) error) error
	// OpenSessions lists everyone currently inside, oldest entry first
	OpenSessions(ctx context.Context) ([]Session, error)
	// IsInside reports whether the user has an open session
	IsInside(ctx context.Context, userID int64) (bool, error)
}

// CameraReader provides read-only access to registered cameras.
type CameraReader interface {
	// ListCameras returns cameras ordered by ID
	ListCameras(ctx context.Context, enabledOnly bool) ([]Camera, error)
	// GetCamera returns nil if the camera does not exist
	GetCamera(ctx context.Context, id int64) (*Camera, error)
	// GetCameraByName matches names after normalization, returns nil if not found
	GetCameraByName(ctx context.Context, name string) (*Camera, error)
}

// CameraWriter adds calibration support.
type CameraWriter interface {
	CameraReader

	// CalibrationPoints returns the stored calibration for a camera
	CalibrationPoints(ctx context.Context, cameraID int64) ([]CalibrationPoint, error)
	// SetTransformation stores the camera to floor homography, nil clears it
	SetTransformation(ctx context.Context, cameraID int64, matrix []float64) error
}

// SettingsReader loads the flat key/value settings table.
type SettingsReader interface {
	AllSettings(ctx context.Context) (map[string]string, error)
}

// StatsReader aggregates stored detections.
type StatsReader interface {
	DetectionStats(ctx context.Context, filter StatsFilter) (*DetectionStats, error)
}
