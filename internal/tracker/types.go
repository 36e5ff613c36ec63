// Package tracker turns per-frame person detections into tracks with
// stable IDs.
package tracker

import "github.com/kozaktomas/occupancy-tracker/internal/geometry"

// Detection is a single person box reported by the detector.
type Detection struct {
	BBox       geometry.BBox
	Confidence float64
	Class      int
}

// Track is a person followed across frames. IDs are only unique while the
// track is alive; an engine may hand the same ID out again later.
type Track struct {
	ID            int64
	BBox          geometry.BBox
	Confidence    float64
	LastSeenFrame uint64
}

// Result is the outcome of one tracker update.
type Result struct {
	Active  []Track
	Removed []int64
}

// Engine is the association algorithm behind the Adapter.
type Engine interface {
	// Update associates detections of frame with existing tracks. removed
	// lists tracks the engine has given up on during this call.
	Update(frame uint64, dets []Detection) (active []Track, removed []int64, err error)
}
