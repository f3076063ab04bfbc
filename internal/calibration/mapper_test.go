package calibration

import (
	"errors"
	"math"
	"testing"

	"github.com/mikeyg42/toolalign/pkg/geometry"
)

func approx(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestFitRecoversQuadraticMapping(t *testing.T) {
	m := NewMapper(testWidth, testHeight)
	want := [6][2]float64{
		{0.8, -0.3},
		{-0.4, 0.6},
		{0.25, 0.1},
		{7.5, 0.4},
		{-0.3, 7.2},
		{150.0, 80.0},
	}
	truth := &Transform{Coeffs: want}

	pixels := []geometry.Point2D{
		{X: 320, Y: 240}, {X: 100, Y: 50}, {X: 600, Y: 70}, {X: 580, Y: 430}, {X: 40, Y: 400},
		{X: 320, Y: 20}, {X: 20, Y: 240}, {X: 620, Y: 250}, {X: 300, Y: 460}, {X: 200, Y: 150},
	}
	samples := make([]Sample, len(pixels))
	for i, px := range pixels {
		cx, cy := m.Normalize(px)
		samples[i] = Sample{Machine: truth.Apply(cx, cy), Camera: px}
	}

	got, err := m.Fit(samples)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	for i := range want {
		for j := range want[i] {
			if !approx(got.Coeffs[i][j], want[i][j], 1e-8) {
				t.Fatalf("coeff[%d][%d] = %g, want %g", i, j, got.Coeffs[i][j], want[i][j])
			}
		}
	}
	if got.Residual > 1e-12 {
		t.Fatalf("residual = %g, want ~0", got.Residual)
	}
}

func TestOffsetAtFittedCenterIsZero(t *testing.T) {
	m := NewMapper(testWidth, testHeight)
	tr := &Transform{Coeffs: [6][2]float64{
		{0.1, 0.2}, {0.3, -0.1}, {0.05, 0.02}, {7.7, 0.3}, {-0.2, 5.9}, {123.4, 56.7},
	}}

	off := m.Offset(tr, m.Denormalize(0, 0))
	if off.X != 0 || off.Y != 0 {
		t.Fatalf("offset at center = %+v, want (0, 0)", off)
	}

	// Ten pixels right of center moves back by the damped linear term
	off = m.Offset(tr, geometry.Point2D{X: testWidth/2 + 10, Y: testHeight / 2})
	cx := 10.0 / testWidth
	wantX := geometry.Round(-DefaultGain*(0.1*cx*cx+7.7*cx), 3)
	if off.X != wantX {
		t.Fatalf("offset.X = %g, want %g", off.X, wantX)
	}
}

func TestNormalizeRoundTrip(t *testing.T) {
	m := NewMapper(testWidth, testHeight)
	for x := 0.0; x <= testWidth; x += 37.5 {
		for y := 0.0; y <= testHeight; y += 29.25 {
			p := geometry.Point2D{X: x, Y: y}
			cx, cy := m.Normalize(p)
			if cx < -0.5 || cx > 0.5 || cy < -0.5 || cy > 0.5 {
				t.Fatalf("Normalize(%v) = (%g, %g) out of range", p, cx, cy)
			}
			back := m.Denormalize(cx, cy)
			if !approx(back.X, x, 1e-9) || !approx(back.Y, y, 1e-9) {
				t.Fatalf("Denormalize(Normalize(%v)) = %v", p, back)
			}
		}
	}
}

func TestFitDecagonSimilarity(t *testing.T) {
	m := NewMapper(testWidth, testHeight)
	cam := camera{
		center: geometry.Point2D{X: 150.25, Y: 74.5},
		scale:  0.0125,
		angle:  0.3,
	}
	base := geometry.Point2D{X: 150.3, Y: 74.42}

	samples := make([]Sample, SampleCount)
	for i, p := range Pattern {
		pos := base.Add(p)
		samples[i] = Sample{Machine: pos, Camera: cam.pixel(pos)}
	}

	tr, err := m.Fit(samples)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if math.Abs(tr.MPP-cam.scale)/cam.scale > 0.01 {
		t.Fatalf("mpp = %g, want %g within 1%%", tr.MPP, cam.scale)
	}
	center := tr.Center()
	if center.Distance(cam.center) > 0.01 {
		t.Fatalf("center = %v, want %v within 0.01", center, cam.center)
	}
}

func TestFitControllerSampleSet(t *testing.T) {
	m := NewMapper(testWidth, testHeight)
	cam := camera{center: geometry.Point2D{X: 10, Y: 20}, scale: 0.02, angle: -1.1}

	// Start position plus the first nine pattern points
	samples := []Sample{{Machine: cam.center, Camera: cam.pixel(cam.center)}}
	for _, p := range Pattern[:SampleCount-1] {
		pos := cam.center.Add(p)
		samples = append(samples, Sample{Machine: pos, Camera: cam.pixel(pos)})
	}

	tr, err := m.Fit(samples)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if !approx(tr.MPP, 0.02, 0.0002) {
		t.Fatalf("mpp = %g, want 0.02", tr.MPP)
	}
	if tr.Center().Distance(cam.center) > 0.001 {
		t.Fatalf("center = %v, want %v", tr.Center(), cam.center)
	}
}

func TestFitRejectsBadSampleSets(t *testing.T) {
	m := NewMapper(testWidth, testHeight)

	collinear := make([]Sample, SampleCount)
	for i := range collinear {
		x := float64(i) * 0.1
		collinear[i] = Sample{
			Machine: geometry.Point2D{X: x, Y: 0},
			Camera:  geometry.Point2D{X: 100 + float64(i)*20, Y: 240},
		}
	}
	repeated := make([]Sample, SampleCount)
	for i := range repeated {
		repeated[i] = Sample{Machine: geometry.Point2D{X: 1, Y: 1}, Camera: geometry.Point2D{X: 300, Y: 200}}
	}

	testCases := []struct {
		name    string
		samples []Sample
		wantErr error
	}{
		{name: "too few", samples: collinear[:9], wantErr: ErrSampleCount},
		{name: "too many", samples: append(append([]Sample{}, collinear...), collinear[0]), wantErr: ErrSampleCount},
		{name: "collinear", samples: collinear, wantErr: ErrIllConditioned},
		{name: "repeated", samples: repeated, wantErr: ErrIllConditioned},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Fit(tc.samples)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Fit error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}
