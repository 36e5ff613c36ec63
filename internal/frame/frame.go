// Package frame captures camera images and hands the newest one to a
// pipeline through a single-slot cell.
package frame

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"
)

// Frame is one decoded camera image. Frames are shared between goroutines
// and must not be modified once stored.
type Frame struct {
	Seq        uint64 // assigned by the Slot, starts at 1
	Image      image.Image
	JPEG       []byte // original encoded bytes, sent to the detector as-is
	CapturedAt time.Time
}

// Width of the decoded image.
func (f *Frame) Width() int { return f.Image.Bounds().Dx() }

// Height of the decoded image.
func (f *Frame) Height() int { return f.Image.Bounds().Dy() }

// Decode builds a frame from JPEG bytes.
func Decode(data []byte, capturedAt time.Time) (*Frame, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode jpeg: %w", ErrBadFrame, err)
	}
	return &Frame{Image: img, JPEG: data, CapturedAt: capturedAt}, nil
}

// Slot holds the latest frame of one camera. Store overwrites whatever was
// there, so a slow reader only ever sees the newest frame.
type Slot struct {
	mu    sync.Mutex
	frame *Frame
	seq   uint64
	drops uint64 // frames overwritten before anyone read them
	read  uint64 // seq of the last frame returned by Latest
}

// NewSlot creates an empty slot.
func NewSlot() *Slot {
	return &Slot{}
}

// Store publishes f as the latest frame and assigns its sequence number.
func (s *Slot) Store(f *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frame != nil && s.read < s.seq {
		s.drops++
	}
	s.seq++
	f.Seq = s.seq
	s.frame = f
}

// Latest returns the newest frame without blocking. The same frame is
// returned again until a newer one is stored; compare Seq to detect that.
func (s *Slot) Latest() (*Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frame == nil {
		return nil, false
	}
	s.read = s.frame.Seq
	return s.frame, true
}

// Drops returns how many stored frames were replaced before being read.
func (s *Slot) Drops() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}
