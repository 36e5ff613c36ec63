package database

import (
	"time"
)

// CameraRole decides what a camera pipeline does with resolved people.
type CameraRole string

const (
	RoleTracking CameraRole = "tracking"
	RoleEntry    CameraRole = "entry"
	RoleExit     CameraRole = "exit"
)

// Valid reports whether r is a known role.
func (r CameraRole) Valid() bool {
	switch r {
	case RoleTracking, RoleEntry, RoleExit:
		return true
	}
	return false
}

// Camera is a registered video source.
type Camera struct {
	ID             int64
	Name           string
	Link           string
	Role           CameraRole
	Enabled        bool
	Transformation []float64 // row-major 3x3 camera to floor homography, nil when uncalibrated
	CreatedAt      time.Time
}

// CalibrationPoint pairs a pixel in the camera image with a floor plan point.
type CalibrationPoint struct {
	ID       int64
	CameraID int64
	CanvasX  float64
	CanvasY  float64
	CameraX  float64
	CameraY  float64
}

// DetectionRecord is one observation of one live track on one processed
// frame. Records are immutable once written.
type DetectionRecord struct {
	UserID    *int64 // nil for unresolved tracks
	CameraID  int64
	TrackID   int64
	Timestamp time.Time
	X         float64 // box center
	Y         float64
	W         float64
	H         float64
	FloorX    *float64 // projected foot point, nil for uncalibrated cameras
	FloorY    *float64
}

// EventKind is the direction of an occupancy change.
type EventKind string

const (
	EventEnter EventKind = "enter"
	EventExit  EventKind = "exit"
)

// EventSource records what produced an occupancy event.
type EventSource string

const (
	SourceCamera EventSource = "camera"
	SourceGate   EventSource = "gate"
	SourceManual EventSource = "manual"
)

// OccupancyEvent is an append-only enter or exit record.
type OccupancyEvent struct {
	ID        int64
	UserID    int64
	Kind      EventKind
	Source    EventSource
	CameraID  *int64
	Distance  *float64
	CreatedAt time.Time
}

// Session spans from an enter event to the matching exit event.
type Session struct {
	ID           int64
	UserID       int64
	EnterEventID int64
	ExitEventID  *int64
	EnteredAt    time.Time
	ExitedAt     *time.Time
}

// Open reports whether the user is still inside.
func (s Session) Open() bool {
	return s.ExitEventID == nil
}

// StatsFilter narrows detection statistics.
type StatsFilter struct {
	From     time.Time
	To       time.Time
	CameraID *int64
}

// UserDetectionCount is the number of detections attributed to one user.
type UserDetectionCount struct {
	UserID int64
	Count  int64
}

// DetectionStats summarizes detections within a StatsFilter window.
type DetectionStats struct {
	Total         int64
	Recognized    int64
	Unrecognized  int64
	DistinctUsers int64
	PerUser       []UserDetectionCount
}
