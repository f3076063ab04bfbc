package vision

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/toolalign/pkg/geometry"
)

var white = color.RGBA{R: 255, G: 255, B: 255, A: 0}

// FindEndstop locates the largest enclosed hole in frame using edges
// rather than the blob detector: luma, blur, Canny, dilate, fill the
// outer contours, then take the biggest contour that has a parent.
// ok is false when no such contour exists.
func FindEndstop(frame gocv.Mat) (center geometry.Point2D, ok bool) {
	yuv := gocv.NewMat()
	defer yuv.Close()
	gocv.CvtColor(frame, &yuv, gocv.ColorBGRToYUV)
	planes := gocv.Split(yuv)
	defer func() {
		for _, pl := range planes {
			pl.Close()
		}
	}()

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(planes[0], &blurred, image.Pt(9, 9), 3, 0, gocv.BorderDefault)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(blurred, &edges, 50, 190)

	kernel := gocv.Ones(5, 5, gocv.MatTypeCV8U)
	defer kernel.Close()
	dilate(&edges, kernel, 3)

	outer := gocv.FindContours(edges, gocv.RetrievalTree, gocv.ChainApproxNone)
	defer outer.Close()

	filled := gocv.Zeros(edges.Rows(), edges.Cols(), gocv.MatTypeCV8U)
	defer filled.Close()
	gocv.DrawContours(&filled, outer, -1, white, -1)
	dilate(&filled, kernel, 2)

	hierarchy := gocv.NewMat()
	defer hierarchy.Close()
	contours := gocv.FindContoursWithParams(filled, &hierarchy, gocv.RetrievalTree, gocv.ChainApproxNone)
	defer contours.Close()

	best, bestArea := -1, 0.0
	for i := 0; i < contours.Size(); i++ {
		// hierarchy entries are [next, previous, first child, parent]
		if hierarchy.GetVeciAt(0, i)[3] < 0 {
			continue
		}
		if area := gocv.ContourArea(contours.At(i)); best < 0 || area > bestArea {
			best, bestArea = i, area
		}
	}
	if best < 0 {
		return geometry.Point2D{}, false
	}

	mask := gocv.Zeros(edges.Rows(), edges.Cols(), gocv.MatTypeCV8U)
	defer mask.Close()
	gocv.DrawContours(&mask, contours, best, white, -1)
	m := gocv.Moments(mask, true)
	if m["m00"] == 0 {
		return geometry.Point2D{}, false
	}
	return geometry.Point2D{X: m["m10"] / m["m00"], Y: m["m01"] / m["m00"]}.Round(0), true
}

func dilate(m *gocv.Mat, kernel gocv.Mat, iterations int) {
	for i := 0; i < iterations; i++ {
		gocv.Dilate(*m, m, kernel)
	}
}
