package vision

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/toolalign/pkg/geometry"
)

var black = color.RGBA{A: 0}

// syntheticFrame draws solid dark disks on a white 640x480 frame.
func syntheticFrame(centers []image.Point, radius int) gocv.Mat {
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 255, 255, 0), 480, 640, gocv.MatTypeCV8UC3)
	for _, c := range centers {
		gocv.Circle(&m, c, radius, black, -1)
	}
	return m
}

func TestPreprocessAndDetect(t *testing.T) {
	testCases := []struct {
		name      string
		algorithm Algorithm
		centers   []image.Point
	}{
		{name: "adaptive none", algorithm: AlgorithmAdaptive},
		{name: "adaptive one", algorithm: AlgorithmAdaptive, centers: []image.Point{{X: 330, Y: 250}}},
		{name: "adaptive three", algorithm: AlgorithmAdaptive, centers: []image.Point{{X: 100, Y: 100}, {X: 320, Y: 240}, {X: 520, Y: 380}}},
		{name: "triangle one", algorithm: AlgorithmTriangle, centers: []image.Point{{X: 200, Y: 300}}},
		{name: "triangle two", algorithm: AlgorithmTriangle, centers: []image.Point{{X: 150, Y: 150}, {X: 450, Y: 300}}},
	}

	det := NewBlobDetector(StandardPreset)
	defer det.Close()

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			frame := syntheticFrame(tc.centers, 14)
			defer frame.Close()

			pre := NewPreprocessor(tc.algorithm)
			defer pre.Close()

			processed := gocv.NewMat()
			defer processed.Close()
			if err := pre.Process(frame, &processed); err != nil {
				t.Fatalf("Process: %v", err)
			}
			if processed.Channels() != 3 || processed.Rows() != 480 || processed.Cols() != 640 {
				t.Fatalf("processed frame is %dx%dx%d", processed.Cols(), processed.Rows(), processed.Channels())
			}

			circles := det.Detect(processed)
			if len(circles) != len(tc.centers) {
				t.Fatalf("detected %d circles, want %d", len(circles), len(tc.centers))
			}
			for _, want := range tc.centers {
				p := geometry.Point2D{X: float64(want.X), Y: float64(want.Y)}
				found := false
				for _, c := range circles {
					if c.Center.Distance(p) < 2 {
						found = true
					}
				}
				if !found {
					t.Fatalf("no circle near %v in %+v", want, circles)
				}
			}
		})
	}
}

func TestPresetFilters(t *testing.T) {
	// A radius 30 disk is too large for the standard preset but fits the
	// relaxed one.
	frame := syntheticFrame([]image.Point{{X: 320, Y: 240}}, 30)
	defer frame.Close()

	pre := NewPreprocessor(AlgorithmTriangle)
	defer pre.Close()
	processed := gocv.NewMat()
	defer processed.Close()
	if err := pre.Process(frame, &processed); err != nil {
		t.Fatalf("Process: %v", err)
	}

	det := NewBlobDetector(StandardPreset)
	defer det.Close()
	if got := len(det.Detect(processed)); got != 0 {
		t.Fatalf("standard preset found %d circles, want 0", got)
	}

	det.Rebuild(RelaxedPreset)
	if det.Config().Name != PresetRelaxed {
		t.Fatalf("config after rebuild = %q", det.Config().Name)
	}
	if got := len(det.Detect(processed)); got != 1 {
		t.Fatalf("relaxed preset found %d circles, want 1", got)
	}
}

func TestPresetLookup(t *testing.T) {
	testCases := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "", want: PresetStandard},
		{name: "standard", want: PresetStandard},
		{name: "relaxed", want: PresetRelaxed},
		{name: "loose", wantErr: true},
	}
	for _, tc := range testCases {
		cfg, err := Preset(tc.name)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("Preset(%q) expected error", tc.name)
			}
			continue
		}
		if err != nil || cfg.Name != tc.want {
			t.Fatalf("Preset(%q) = %q, %v; want %q", tc.name, cfg.Name, err, tc.want)
		}
	}

	if _, err := ParseAlgorithm("otsu"); err == nil {
		t.Fatal("ParseAlgorithm accepted an unknown algorithm")
	}
	if a, err := ParseAlgorithm(""); err != nil || a != AlgorithmAdaptive {
		t.Fatalf("ParseAlgorithm(\"\") = %q, %v", a, err)
	}
}

func TestFindEndstop(t *testing.T) {
	blank := syntheticFrame(nil, 0)
	defer blank.Close()
	if _, ok := FindEndstop(blank); ok {
		t.Fatal("found an endstop in a blank frame")
	}

	frame := syntheticFrame([]image.Point{{X: 300, Y: 200}}, 60)
	defer frame.Close()
	center, ok := FindEndstop(frame)
	if !ok {
		t.Fatal("endstop not found")
	}
	if center.Distance(geometry.Point2D{X: 300, Y: 200}) > 2 {
		t.Fatalf("endstop center = %v, want (300, 200)", center)
	}
}

func TestOverlaysAndEncode(t *testing.T) {
	frame := syntheticFrame([]image.Point{{X: 320, Y: 240}}, 14)
	defer frame.Close()

	DrawCrosshair(&frame)
	if v := frame.GetVecbAt(240-20, 320); v[1] != 255 || v[0] != 0 {
		t.Fatalf("crosshair pixel = %v, want green", v)
	}

	DrawCircles(&frame, []Circle{{Center: geometry.Point2D{X: 100, Y: 100}, Radius: 14}}, ColorFound)
	DrawStatus(&frame, "No circles found", ColorWarning, 3)

	jpeg, err := EncodeJPEG(frame, 90)
	if err != nil {
		t.Fatalf("EncodeJPEG: %v", err)
	}
	if !bytes.HasPrefix(jpeg, []byte{0xff, 0xd8}) {
		t.Fatal("output is not a JPEG stream")
	}
}
