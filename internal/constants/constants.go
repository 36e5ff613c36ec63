// Package constants provides shared constants used across the codebase.
package constants

import "time"

// Gate API constants
const (
	// MaxUploadSize is the largest gate image accepted (10MB)
	MaxUploadSize = 10 << 20

	// GateRequestTimeout bounds a single gate recognition request
	GateRequestTimeout = 15 * time.Second

	// DefaultOccupancyLimit caps the occupancy listing
	DefaultOccupancyLimit = 1000
)

// Server constants
const (
	// ShutdownTimeout is how long running requests and the final detection
	// flush get once a stop signal arrives
	ShutdownTimeout = 30 * time.Second

	// ReadHeaderTimeout guards the gate server against slow clients
	ReadHeaderTimeout = 10 * time.Second
)

// Pipeline constants
const (
	// CheckpointRetryInterval spaces out ledger retries of a checkpoint
	// crossing whose write failed
	CheckpointRetryInterval = time.Second
)
