package vision

import (
	"fmt"
	"sync"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/toolalign/pkg/geometry"
)

// Circle is one detected circular blob in pixel space
type Circle struct {
	Center geometry.Point2D `json:"center"`
	Radius float64          `json:"radius"`
}

// DetectorConfig is the geometric filter set of the blob detector.
type DetectorConfig struct {
	Name            string  `json:"name"`
	ThresholdLow    float32 `json:"threshold_low"`
	ThresholdHigh   float32 `json:"threshold_high"`
	ThresholdStep   float32 `json:"threshold_step"`
	MinArea         float32 `json:"min_area"`
	MaxArea         float32 `json:"max_area"`
	MinCircularity  float32 `json:"min_circularity"`
	MaxCircularity  float32 `json:"max_circularity"`
	MinConvexity    float32 `json:"min_convexity"`
	MaxConvexity    float32 `json:"max_convexity"`
	MinInertiaRatio float32 `json:"min_inertia_ratio"`
}

// Preset names
const (
	PresetStandard = "standard"
	PresetRelaxed  = "relaxed"
)

// StandardPreset suits a clean nozzle filling a small part of the frame.
var StandardPreset = DetectorConfig{
	Name:            PresetStandard,
	ThresholdLow:    1,
	ThresholdHigh:   50,
	ThresholdStep:   1,
	MinArea:         400,
	MaxArea:         900,
	MinCircularity:  0.8,
	MaxCircularity:  1,
	MinConvexity:    0.3,
	MaxConvexity:    1,
	MinInertiaRatio: 0.3,
}

// RelaxedPreset accepts larger and less round blobs.
var RelaxedPreset = DetectorConfig{
	Name:            PresetRelaxed,
	ThresholdLow:    1,
	ThresholdHigh:   50,
	ThresholdStep:   1,
	MinArea:         600,
	MaxArea:         15000,
	MinCircularity:  0.6,
	MaxCircularity:  1,
	MinConvexity:    0.1,
	MaxConvexity:    1,
	MinInertiaRatio: 0.3,
}

// Preset returns the named detector configuration.
func Preset(name string) (DetectorConfig, error) {
	switch name {
	case PresetStandard, "":
		return StandardPreset, nil
	case PresetRelaxed:
		return RelaxedPreset, nil
	default:
		return DetectorConfig{}, fmt.Errorf("unknown detector preset %q", name)
	}
}

// BlobDetector wraps a SimpleBlobDetector built from one DetectorConfig.
// Use Rebuild to change presets; it takes effect for the next Detect.
type BlobDetector struct {
	mu       sync.Mutex
	cfg      DetectorConfig
	detector gocv.SimpleBlobDetector
}

// NewBlobDetector builds a detector for cfg.
func NewBlobDetector(cfg DetectorConfig) *BlobDetector {
	return &BlobDetector{cfg: cfg, detector: build(cfg)}
}

func build(cfg DetectorConfig) gocv.SimpleBlobDetector {
	params := gocv.NewSimpleBlobDetectorParams()
	params.SetMinThreshold(cfg.ThresholdLow)
	params.SetMaxThreshold(cfg.ThresholdHigh)
	params.SetThresholdStep(cfg.ThresholdStep)

	params.SetFilterByArea(true)
	params.SetMinArea(cfg.MinArea)
	params.SetMaxArea(cfg.MaxArea)

	params.SetFilterByCircularity(true)
	params.SetMinCircularity(cfg.MinCircularity)
	params.SetMaxCircularity(cfg.MaxCircularity)

	params.SetFilterByConvexity(true)
	params.SetMinConvexity(cfg.MinConvexity)
	params.SetMaxConvexity(cfg.MaxConvexity)

	params.SetFilterByInertia(true)
	params.SetMinInertiaRatio(cfg.MinInertiaRatio)

	return gocv.NewSimpleBlobDetectorWithParams(params)
}

// Config returns the active configuration.
func (d *BlobDetector) Config() DetectorConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Rebuild replaces the detector with one built from cfg.
func (d *BlobDetector) Rebuild(cfg DetectorConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detector.Close()
	d.cfg = cfg
	d.detector = build(cfg)
}

// Detect returns every blob in img that passes the filters.
func (d *BlobDetector) Detect(img gocv.Mat) []Circle {
	d.mu.Lock()
	defer d.mu.Unlock()

	keypoints := d.detector.Detect(img)
	circles := make([]Circle, 0, len(keypoints))
	for _, kp := range keypoints {
		circles = append(circles, Circle{
			Center: geometry.Point2D{X: kp.X, Y: kp.Y},
			Radius: kp.Size / 2,
		})
	}
	return circles
}

// Close releases the native detector.
func (d *BlobDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detector.Close()
}
