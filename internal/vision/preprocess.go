// Package vision holds the image conditioning and circle detection used to
// find nozzles and endstops in camera frames.
package vision

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
)

// Gamma is applied to every frame before thresholding.
const Gamma = 1.2

// Algorithm selects a preprocessing pipeline
type Algorithm string

const (
	// AlgorithmAdaptive: gamma, luma channel, blur, adaptive Gaussian threshold.
	AlgorithmAdaptive Algorithm = "adaptive"
	// AlgorithmTriangle: gamma, grayscale, binary+triangle threshold, blur.
	AlgorithmTriangle Algorithm = "triangle"
)

// ParseAlgorithm validates an algorithm name.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch a := Algorithm(name); a {
	case AlgorithmAdaptive, AlgorithmTriangle:
		return a, nil
	case "":
		return AlgorithmAdaptive, nil
	default:
		return "", fmt.Errorf("unknown preprocessing algorithm %q", name)
	}
}

var blurKernel = image.Pt(7, 7)

// Preprocessor conditions raw BGR frames for blob detection. Output is
// always a 3-channel binary-ish image. A Preprocessor owns native memory
// and must be closed.
type Preprocessor struct {
	algorithm Algorithm
	lut       gocv.Mat
}

// NewPreprocessor builds the gamma lookup table once for the given
// algorithm.
func NewPreprocessor(a Algorithm) *Preprocessor {
	lut := gocv.NewMatWithSize(1, 256, gocv.MatTypeCV8U)
	inv := 1.0 / Gamma
	for i := 0; i < 256; i++ {
		v := math.Pow(float64(i)/255.0, inv) * 255
		lut.SetUCharAt(0, i, uint8(v))
	}
	return &Preprocessor{algorithm: a, lut: lut}
}

// Algorithm returns the active pipeline.
func (p *Preprocessor) Algorithm() Algorithm {
	return p.algorithm
}

// Process writes the conditioned version of src into dst. src is not
// modified.
func (p *Preprocessor) Process(src gocv.Mat, dst *gocv.Mat) error {
	if src.Empty() {
		return fmt.Errorf("preprocess: empty frame")
	}

	gamma := gocv.NewMat()
	defer gamma.Close()
	gocv.LUT(src, p.lut, &gamma)

	switch p.algorithm {
	case AlgorithmTriangle:
		return p.triangle(gamma, dst)
	default:
		return p.adaptive(gamma, dst)
	}
}

func (p *Preprocessor) adaptive(src gocv.Mat, dst *gocv.Mat) error {
	yuv := gocv.NewMat()
	defer yuv.Close()
	gocv.CvtColor(src, &yuv, gocv.ColorBGRToYUV)

	planes := gocv.Split(yuv)
	defer func() {
		for _, pl := range planes {
			pl.Close()
		}
	}()
	if len(planes) == 0 {
		return fmt.Errorf("preprocess: no luma plane")
	}

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(planes[0], &blurred, blurKernel, 6, 0, gocv.BorderDefault)

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.AdaptiveThreshold(blurred, &thresh, 255, gocv.AdaptiveThresholdGaussian, gocv.ThresholdBinary, 35, 1)

	gocv.CvtColor(thresh, dst, gocv.ColorGrayToBGR)
	return nil
}

func (p *Preprocessor) triangle(src gocv.Mat, dst *gocv.Mat) error {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(gray, &thresh, 127, 255, gocv.ThresholdBinary|gocv.ThresholdTriangle)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(thresh, &blurred, blurKernel, 6, 0, gocv.BorderDefault)

	gocv.CvtColor(blurred, dst, gocv.ColorGrayToBGR)
	return nil
}

// Close releases the lookup table.
func (p *Preprocessor) Close() error {
	return p.lut.Close()
}
