// Package geometry holds bounding box math, floor projection and name
// normalization shared by the tracking pipeline.
package geometry

import (
	"image"
	"math"
)

// BBox is a person box in pixel coordinates, stored as center and size.
type BBox struct {
	CX float64
	CY float64
	W  float64
	H  float64
}

// FromCorners builds a BBox from [x1, y1, x2, y2] corners.
func FromCorners(x1, y1, x2, y2 float64) BBox {
	return BBox{
		CX: (x1 + x2) / 2,
		CY: (y1 + y2) / 2,
		W:  x2 - x1,
		H:  y2 - y1,
	}
}

// Corners returns the box as [x1, y1, x2, y2].
func (b BBox) Corners() []float64 {
	return []float64{
		b.CX - b.W/2,
		b.CY - b.H/2,
		b.CX + b.W/2,
		b.CY + b.H/2,
	}
}

// FootPoint is the bottom center of the box, where the person touches the floor.
func (b BBox) FootPoint() (float64, float64) {
	return b.CX, b.CY + b.H/2
}

// Area returns w*h, or 0 for degenerate boxes.
func (b BBox) Area() float64 {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// Moved reports whether any coordinate differs from other by more than eps.
// An eps of 0 means exact comparison.
func (b BBox) Moved(other BBox, eps float64) bool {
	return math.Abs(b.CX-other.CX) > eps ||
		math.Abs(b.CY-other.CY) > eps ||
		math.Abs(b.W-other.W) > eps ||
		math.Abs(b.H-other.H) > eps
}

// IoU is ComputeIoU for two BBox values.
func IoU(a, b BBox) float64 {
	return ComputeIoU(a.Corners(), b.Corners())
}

// ComputeIoU calculates Intersection over Union between two bounding boxes.
// bbox1 and bbox2 are [x1, y1, x2, y2] in the same coordinate system.
func ComputeIoU(bbox1, bbox2 []float64) float64 {
	if len(bbox1) != 4 || len(bbox2) != 4 {
		return 0
	}

	x1 := max(bbox1[0], bbox2[0])
	y1 := max(bbox1[1], bbox2[1])
	x2 := min(bbox1[2], bbox2[2])
	y2 := min(bbox1[3], bbox2[3])

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := (bbox1[2] - bbox1[0]) * (bbox1[3] - bbox1[1])
	area2 := (bbox2[2] - bbox2[0]) * (bbox2[3] - bbox2[1])
	union := area1 + area2 - intersection
	if union <= 0 {
		return 0
	}

	return intersection / union
}

// ClampRect converts the box to an integer rectangle clipped to bounds.
// The result is empty when the box lies entirely outside.
func ClampRect(b BBox, bounds image.Rectangle) image.Rectangle {
	c := b.Corners()
	r := image.Rect(
		int(math.Floor(c[0])),
		int(math.Floor(c[1])),
		int(math.Ceil(c[2])),
		int(math.Ceil(c[3])),
	)
	return r.Intersect(bounds)
}
