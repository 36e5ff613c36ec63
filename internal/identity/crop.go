package identity

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"github.com/kozaktomas/occupancy-tracker/internal/geometry"
)

// ErrEmptyCrop is returned when the box lies outside the frame.
var ErrEmptyCrop = errors.New("crop is empty")

const jpegQuality = 85

// Crop cuts the box out of img, clamped to the frame, and scales it down so
// neither side exceeds maxSize. maxSize <= 0 disables scaling.
func Crop(img image.Image, box geometry.BBox, maxSize int) (image.Image, error) {
	r := geometry.ClampRect(box, img.Bounds())
	if r.Empty() {
		return nil, ErrEmptyCrop
	}

	width, height := r.Dx(), r.Dy()
	newWidth, newHeight := width, height
	if maxSize > 0 && (width > maxSize || height > maxSize) {
		if width > height {
			newWidth = maxSize
			newHeight = max(1, int(float64(height)*float64(maxSize)/float64(width)))
		} else {
			newHeight = maxSize
			newWidth = max(1, int(float64(width)*float64(maxSize)/float64(height)))
		}
	}

	out := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	if newWidth == width && newHeight == height {
		draw.Draw(out, out.Bounds(), img, r.Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(out, out.Bounds(), img, r, draw.Src, nil)
	}
	return out, nil
}

// EncodeJPEG encodes img the way the recognition service expects it.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode crop: %w", err)
	}
	return buf.Bytes(), nil
}
