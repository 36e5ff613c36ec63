package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrDegenerateCalibration is returned when calibration points do not
// determine a unique projective transform.
var ErrDegenerateCalibration = errors.New("calibration points are degenerate")

// CalibrationPoint pairs a camera pixel with its position on the floor plan.
type CalibrationPoint struct {
	CameraX float64
	CameraY float64
	CanvasX float64
	CanvasY float64
}

// Homography maps camera pixels to floor plan coordinates.
type Homography struct {
	m *mat.Dense
}

// NewHomography builds a homography from a row-major 3x3 matrix.
func NewHomography(values []float64) (*Homography, error) {
	if len(values) != 9 {
		return nil, fmt.Errorf("homography needs 9 values, got %d", len(values))
	}
	data := make([]float64, 9)
	copy(data, values)
	return &Homography{m: mat.NewDense(3, 3, data)}, nil
}

// Values returns the matrix in row-major order.
func (h *Homography) Values() []float64 {
	out := make([]float64, 0, 9)
	for i := range 3 {
		for j := range 3 {
			out = append(out, h.m.At(i, j))
		}
	}
	return out
}

// Project maps a camera pixel onto the floor plan. ok is false for points on
// the line at infinity.
func (h *Homography) Project(x, y float64) (px, py float64, ok bool) {
	var out mat.VecDense
	out.MulVec(h.m, mat.NewVecDense(3, []float64{x, y, 1}))
	w := out.AtVec(2)
	if math.Abs(w) < 1e-12 {
		return 0, 0, false
	}
	return out.AtVec(0) / w, out.AtVec(1) / w, true
}

// EstimateHomography solves for the camera-to-floor transform with the direct
// linear transform. At least four points are required; more are fit in the
// least squares sense.
func EstimateHomography(points []CalibrationPoint) (*Homography, error) {
	if len(points) < 4 {
		return nil, fmt.Errorf("%w: need at least 4 points, got %d", ErrDegenerateCalibration, len(points))
	}

	a := mat.NewDense(2*len(points), 9, nil)
	for i, p := range points {
		x, y, u, v := p.CameraX, p.CameraY, p.CanvasX, p.CanvasY
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, fmt.Errorf("%w: SVD did not converge", ErrDegenerateCalibration)
	}

	// The solution is the right singular vector of the smallest singular value.
	var v mat.Dense
	svd.VTo(&v)
	_, cols := v.Dims()
	sol := mat.Col(nil, cols-1, &v)

	if math.Abs(sol[8]) < 1e-12 {
		return nil, ErrDegenerateCalibration
	}
	for i := range sol {
		sol[i] /= sol[8]
	}
	for _, s := range sol {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return nil, ErrDegenerateCalibration
		}
	}

	return NewHomography(sol)
}
