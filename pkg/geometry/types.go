// Package geometry provides the plane types shared by the vision and
// calibration layers.
package geometry

import (
	"math"
)

// Point2D represents a 2D point with floating-point coordinates.
type Point2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NewPoint2D creates a new Point2D.
func NewPoint2D(x, y float64) Point2D {
	return Point2D{X: x, Y: y}
}

// Distance returns the Euclidean distance to another point.
func (p Point2D) Distance(other Point2D) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Add returns the sum of two points.
func (p Point2D) Add(other Point2D) Point2D {
	return Point2D{X: p.X + other.X, Y: p.Y + other.Y}
}

// Sub returns the difference of two points.
func (p Point2D) Sub(other Point2D) Point2D {
	return Point2D{X: p.X - other.X, Y: p.Y - other.Y}
}

// Scale returns the point scaled by a factor.
func (p Point2D) Scale(factor float64) Point2D {
	return Point2D{X: p.X * factor, Y: p.Y * factor}
}

// Round returns the point with both coordinates rounded to the given
// number of decimal places.
func (p Point2D) Round(places int) Point2D {
	return Point2D{X: Round(p.X, places), Y: Round(p.Y, places)}
}

// Mean returns the centroid of pts. The zero point is returned for an
// empty slice.
func Mean(pts []Point2D) Point2D {
	if len(pts) == 0 {
		return Point2D{}
	}
	var sum Point2D
	for _, p := range pts {
		sum = sum.Add(p)
	}
	return sum.Scale(1 / float64(len(pts)))
}

// Round rounds v to the given number of decimal places, half away from zero.
// Negative zero is normalized to zero.
func Round(v float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	r := math.Round(v*pow) / pow
	if r == 0 {
		return 0
	}
	return r
}
