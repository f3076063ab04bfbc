// Package machine defines the motion-controller contract used by the
// alignment loop and a RepRapFirmware (Duet) HTTP implementation of it.
package machine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNotHomed is returned when a workflow needs homed axes.
	ErrNotHomed = errors.New("machine axes are not homed")
	// ErrNotIdle is returned when a workflow needs an idle controller.
	ErrNotIdle = errors.New("machine is not idle")
)

// Coordinates is a machine-space position snapshot.
type Coordinates struct {
	X float64 `json:"X"`
	Y float64 `json:"Y"`
	Z float64 `json:"Z"`
}

// Add returns the component-wise sum.
func (c Coordinates) Add(o Coordinates) Coordinates {
	return Coordinates{X: c.X + o.X, Y: c.Y + o.Y, Z: c.Z + o.Z}
}

// Axes selects which axes a move touches. Nil axes are left out of the
// command entirely.
type Axes struct {
	X *float64
	Y *float64
	Z *float64
}

// XY moves only X and Y.
func XY(x, y float64) Axes {
	return Axes{X: &x, Y: &y}
}

// XYZ moves all three axes to c.
func XYZ(c Coordinates) Axes {
	x, y, z := c.X, c.Y, c.Z
	return Axes{X: &x, Y: &y, Z: &z}
}

// OnlyZ moves only Z.
func OnlyZ(z float64) Axes {
	return Axes{Z: &z}
}

// Empty reports whether no axis is selected.
func (a Axes) Empty() bool {
	return a.X == nil && a.Y == nil && a.Z == nil
}

// words renders the selected axes as G-code words ("X1.000 Y-0.500").
func (a Axes) words() string {
	var parts []string
	if a.X != nil {
		parts = append(parts, "X"+FormatFloat(*a.X))
	}
	if a.Y != nil {
		parts = append(parts, "Y"+FormatFloat(*a.Y))
	}
	if a.Z != nil {
		parts = append(parts, "Z"+FormatFloat(*a.Z))
	}
	return strings.Join(parts, " ")
}

// Controller is the motion-controller client consumed by the alignment
// loop. Moves are fire-and-forget; completion is observed through IsIdle.
type Controller interface {
	IsIdle(ctx context.Context) (bool, error)
	IsHomed(ctx context.Context) (bool, error)
	GetCoordinates(ctx context.Context) (Coordinates, error)
	MoveAbsolute(ctx context.Context, speed float64, axes Axes) error
	MoveRelative(ctx context.Context, speed float64, axes Axes) error
	LoadTool(ctx context.Context, index int) error
	UnloadTools(ctx context.Context) error
	GetToolOffset(ctx context.Context, index int) (Coordinates, error)
	SetToolOffsets(ctx context.Context, tool int, x, y float64) error
}

// OffsetSaver persists tool offsets in controller non-volatile storage.
type OffsetSaver interface {
	SaveOffsets(ctx context.Context) error
}

// ToolLister reports the tools configured on the controller.
type ToolLister interface {
	Tools(ctx context.Context) ([]int, error)
	CurrentTool(ctx context.Context) (int, error)
}

// FormatFloat renders a coordinate at machine resolution (3 decimals).
func FormatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', 3, 64)
	if s == "-0.000" {
		return "0.000"
	}
	return s
}

// OffsetCommand returns the G10 command that applies an X/Y tool offset.
func OffsetCommand(tool int, x, y float64) string {
	return fmt.Sprintf("G10 P%d X%s Y%s", tool, FormatFloat(x), FormatFloat(y))
}

// MoveTo sends an absolute move to pos one axis at a time (X, Y, then Z),
// the order that keeps the nozzle clear of the camera on tool changers.
func MoveTo(ctx context.Context, c Controller, speed float64, pos Coordinates) error {
	x, y, z := pos.X, pos.Y, pos.Z
	for _, axes := range []Axes{{X: &x}, {Y: &y}, {Z: &z}} {
		if err := c.MoveAbsolute(ctx, speed, axes); err != nil {
			return err
		}
	}
	return nil
}
