package vision

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// Overlay colors
var (
	ColorFound    = color.RGBA{R: 0, G: 0, B: 255, A: 0}
	ColorTooMany  = color.RGBA{R: 255, G: 255, B: 0, A: 0}
	ColorEndstop  = color.RGBA{R: 0, G: 0, B: 255, A: 0}
	ColorWarning  = color.RGBA{R: 255, G: 0, B: 0, A: 0}
	ColorNotice   = color.RGBA{R: 255, G: 255, B: 255, A: 0}
	crosshairLine = color.RGBA{R: 0, G: 255, B: 0, A: 0}
	outlineColor  = color.RGBA{A: 0}
)

const crosshairHalf = 25

// DrawCircles blends a filled disk over every circle, then outlines it and
// marks its center.
func DrawCircles(img *gocv.Mat, circles []Circle, c color.RGBA) {
	if len(circles) == 0 {
		return
	}
	filled := img.Clone()
	defer filled.Close()
	for _, cl := range circles {
		gocv.Circle(&filled, point(cl), int(cl.Radius), c, -1)
	}
	gocv.AddWeighted(filled, 0.4, *img, 0.6, 0, img)

	for _, cl := range circles {
		p := point(cl)
		gocv.Circle(img, p, int(cl.Radius), outlineColor, 1)
		gocv.Line(img, image.Pt(p.X-5, p.Y), image.Pt(p.X+5, p.Y), white, 2)
		gocv.Line(img, image.Pt(p.X, p.Y-5), image.Pt(p.X, p.Y+5), white, 2)
	}
}

// DrawEndstop rings the detected endstop center.
func DrawEndstop(img *gocv.Mat, cl Circle) {
	p := point(cl)
	gocv.Circle(img, p, 150, ColorEndstop, 5)
	gocv.Circle(img, p, 5, color.RGBA{R: 255, G: 0, B: 255}, 2)
}

// DrawCrosshair draws the alignment target at the frame center.
func DrawCrosshair(img *gocv.Mat) {
	cx, cy := img.Cols()/2, img.Rows()/2
	gocv.Line(img, image.Pt(cx, cy-crosshairHalf), image.Pt(cx, cy+crosshairHalf), crosshairLine, 1)
	gocv.Line(img, image.Pt(cx-crosshairHalf, cy), image.Pt(cx+crosshairHalf, cy), crosshairLine, 1)
}

// DrawStatus writes text centered horizontally, rows text-heights below
// the frame center, over a contrasting translucent box.
func DrawStatus(img *gocv.Mat, text string, c color.RGBA, rows int) {
	scale, stroke := 1.0, 2
	switch w := img.Cols(); {
	case w > 640:
		scale, stroke = 2, 2
	case w < 640:
		scale, stroke = 0.8, 1
	}
	cell := gocv.GetTextSize("A", gocv.FontHersheySimplex, scale, stroke)
	size := gocv.GetTextSize(text, gocv.FontHersheySimplex, scale, stroke)

	maxRows := (img.Rows()/2 - cell.Y) / max(cell.Y, 1)
	rows = min(max(rows, -maxRows), maxRows)

	org := image.Pt(img.Cols()/2-size.X/2, img.Rows()/2+rows*cell.Y+size.Y/2)
	box := img.Clone()
	defer box.Close()
	inverse := color.RGBA{R: 255 - c.R, G: 255 - c.G, B: 255 - c.B}
	gocv.Rectangle(&box, image.Rect(org.X-5, org.Y-size.Y-5, org.X+size.X+5, org.Y+5), inverse, -1)
	gocv.AddWeighted(box, 0.8, *img, 0.2, 0, img)
	gocv.PutText(img, text, org, gocv.FontHersheySimplex, scale, c, stroke)
}

// EncodeJPEG encodes img for display at the given quality.
func EncodeJPEG(img gocv.Mat, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{int(gocv.IMWriteJpegQuality), quality})
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

func point(c Circle) image.Point {
	return image.Pt(int(c.Center.X+0.5), int(c.Center.Y+0.5))
}
