package calibration

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/mikeyg42/toolalign/pkg/geometry"
)

// SampleCount is the number of (machine, camera) pairs a fit requires.
const SampleCount = 10

// DefaultGain damps each centering correction to trade speed for overshoot.
const DefaultGain = 0.55

// DefaultMaxCondition bounds the equilibrated condition number of a fit.
const DefaultMaxCondition = 1e10

var (
	// ErrSampleCount is returned when a fit is attempted with the wrong
	// number of samples.
	ErrSampleCount = errors.New("calibration requires exactly 10 samples")
	// ErrIllConditioned is returned when the samples cannot determine the
	// quadratic mapping (collinear or repeated positions).
	ErrIllConditioned = errors.New("calibration samples are ill-conditioned")
)

// Pattern is the 0.5 mm radius decagon of relative calibration moves.
var Pattern = [SampleCount]geometry.Point2D{
	{X: 0, Y: -0.5},
	{X: 0.294, Y: -0.405},
	{X: 0.476, Y: -0.155},
	{X: 0.476, Y: 0.155},
	{X: 0.294, Y: 0.405},
	{X: 0, Y: 0.5},
	{X: -0.294, Y: 0.405},
	{X: -0.476, Y: 0.155},
	{X: -0.476, Y: -0.155},
	{X: -0.294, Y: -0.405},
}

// Sample pairs a machine XY position with the pixel position of the
// target observed there.
type Sample struct {
	Machine geometry.Point2D `json:"machine"`
	Camera  geometry.Point2D `json:"camera"`
}

// Transform maps the quadratic feature vector [cx², cy², cx·cy, cx, cy, 1]
// of a normalized pixel coordinate to machine XY.
type Transform struct {
	Coeffs   [6][2]float64 `json:"coeffs"`
	Residual float64       `json:"residual"`
	// MPP is the scale at the image center derived from the linear terms.
	MPP float64 `json:"mpp"`
}

// Apply evaluates the transform at a normalized coordinate.
func (t *Transform) Apply(cx, cy float64) geometry.Point2D {
	return t.dot(features(cx, cy, 1))
}

// Center is the machine position imaged at the center of the frame.
func (t *Transform) Center() geometry.Point2D {
	return geometry.Point2D{X: t.Coeffs[5][0], Y: t.Coeffs[5][1]}
}

func (t *Transform) dot(v [6]float64) geometry.Point2D {
	var p geometry.Point2D
	for i := range v {
		p.X += t.Coeffs[i][0] * v[i]
		p.Y += t.Coeffs[i][1] * v[i]
	}
	return p
}

func features(cx, cy, constant float64) [6]float64 {
	return [6]float64{cx * cx, cy * cy, cx * cy, cx, cy, constant}
}

// Mapper converts between pixel and machine space for one frame size.
type Mapper struct {
	Width        int
	Height       int
	Gain         float64
	MaxCondition float64
}

// NewMapper creates a mapper for frames of the given size.
func NewMapper(width, height int) *Mapper {
	return &Mapper{
		Width:        width,
		Height:       height,
		Gain:         DefaultGain,
		MaxCondition: DefaultMaxCondition,
	}
}

// Normalize maps a pixel position into [-0.5, 0.5] on both axes.
func (m *Mapper) Normalize(p geometry.Point2D) (cx, cy float64) {
	return p.X/float64(m.Width) - 0.5, p.Y/float64(m.Height) - 0.5
}

// Denormalize is the inverse of Normalize.
func (m *Mapper) Denormalize(cx, cy float64) geometry.Point2D {
	return geometry.Point2D{
		X: (cx + 0.5) * float64(m.Width),
		Y: (cy + 0.5) * float64(m.Height),
	}
}

// Fit solves A·T = M in the least-squares sense, where each row of A is
// the feature vector of a normalized camera sample and M holds the
// machine positions.
func (m *Mapper) Fit(samples []Sample) (*Transform, error) {
	if len(samples) != SampleCount {
		return nil, fmt.Errorf("%w: got %d", ErrSampleCount, len(samples))
	}

	n := len(samples)
	A := mat.NewDense(n, 6, nil)
	B := mat.NewDense(n, 2, nil)
	for i, s := range samples {
		cx, cy := m.Normalize(s.Camera)
		A.SetRow(i, sliceOf(features(cx, cy, 1)))
		B.Set(i, 0, s.Machine.X)
		B.Set(i, 1, s.Machine.Y)
	}

	if cond := equilibratedCondition(A); math.IsInf(cond, 1) || math.IsNaN(cond) || cond > m.maxCondition() {
		return nil, fmt.Errorf("%w: condition number %.3g", ErrIllConditioned, cond)
	}

	// Solve using QR decomposition
	var qr mat.QR
	qr.Factorize(A)

	var X mat.Dense
	if err := qr.SolveTo(&X, false, B); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIllConditioned, err)
	}

	t := &Transform{}
	for i := 0; i < 6; i++ {
		for j := 0; j < 2; j++ {
			v := X.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: non-finite coefficient", ErrIllConditioned)
			}
			t.Coeffs[i][j] = v
		}
	}

	// Mean over both machine axes of the per-axis sum of squared residuals
	var R mat.Dense
	R.Mul(A, &X)
	R.Sub(&R, B)
	var ssr [2]float64
	for i := 0; i < n; i++ {
		for j := 0; j < 2; j++ {
			ssr[j] += R.At(i, j) * R.At(i, j)
		}
	}
	t.Residual = (ssr[0] + ssr[1]) / 2

	// d(machine)/d(pixel) at the image center
	jxx := t.Coeffs[3][0] / float64(m.Width)
	jxy := t.Coeffs[4][0] / float64(m.Height)
	jyx := t.Coeffs[3][1] / float64(m.Width)
	jyy := t.Coeffs[4][1] / float64(m.Height)
	t.MPP = math.Sqrt(math.Abs(jxx*jyy - jxy*jyx))

	return t, nil
}

// Offset returns the damped relative move, rounded to machine resolution,
// that brings the target seen at pixel toward the frame center.
func (m *Mapper) Offset(t *Transform, pixel geometry.Point2D) geometry.Point2D {
	cx, cy := m.Normalize(pixel)
	return t.dot(features(cx, cy, 0)).Scale(-m.gain()).Round(3)
}

func (m *Mapper) gain() float64 {
	if m.Gain <= 0 {
		return DefaultGain
	}
	return m.Gain
}

func (m *Mapper) maxCondition() float64 {
	if m.MaxCondition <= 1 {
		return DefaultMaxCondition
	}
	return m.MaxCondition
}

// equilibratedCondition returns the 2-norm condition number of A after
// scaling every column to unit length, so the check reflects geometry
// rather than the magnitude gap between quadratic and constant terms.
func equilibratedCondition(A *mat.Dense) float64 {
	r, c := A.Dims()
	scaled := mat.NewDense(r, c, nil)
	for j := 0; j < c; j++ {
		col := mat.Col(nil, j, A)
		norm := 0.0
		for _, v := range col {
			norm += v * v
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			return math.Inf(1)
		}
		for i, v := range col {
			scaled.Set(i, j, v/norm)
		}
	}
	return mat.Cond(scaled, 2)
}

func sliceOf(v [6]float64) []float64 {
	return v[:]
}
