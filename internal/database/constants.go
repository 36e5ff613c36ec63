package database

import "time"

// Statistics defaults
const (
	// DefaultStatsWindow is used when a stats request names no start time
	DefaultStatsWindow = 24 * time.Hour

	// MaxStatsUsers caps the per-user breakdown
	MaxStatsUsers = 100
)

// Floor transformation parameters
const (
	// TransformationDim is the length of a stored camera homography (3x3)
	TransformationDim = 9

	// MinCalibrationPoints is the fewest points that determine a homography
	MinCalibrationPoints = 4
)
