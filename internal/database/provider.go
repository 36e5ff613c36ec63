package database

import (
	"errors"
)

// Backend bundles the repositories a storage implementation provides.
type Backend struct {
	Detections DetectionWriter
	Occupancy  OccupancyStore
	Cameras    CameraWriter
	Settings   SettingsReader
	Stats      StatsReader

	closer func() error
}

// NewBackend wires repositories together. closer releases the underlying
// connection and may be nil.
func NewBackend(
	detections DetectionWriter,
	occupancy OccupancyStore,
	cameras CameraWriter,
	settings SettingsReader,
	stats StatsReader,
	closer func() error,
) *Backend {
	return &Backend{
		Detections: detections,
		Occupancy:  occupancy,
		Cameras:    cameras,
		Settings:   settings,
		Stats:      stats,
		closer:     closer,
	}
}

// Validate makes sure every repository is present.
func (b *Backend) Validate() error {
	switch {
	case b.Detections == nil:
		return errors.New("detection writer not configured")
	case b.Occupancy == nil:
		return errors.New("occupancy store not configured")
	case b.Cameras == nil:
		return errors.New("camera repository not configured")
	case b.Settings == nil:
		return errors.New("settings reader not configured")
	case b.Stats == nil:
		return errors.New("stats reader not configured")
	}
	return nil
}

// Close releases the backend's connection.
func (b *Backend) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer()
}
