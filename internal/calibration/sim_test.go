package calibration

import (
	"context"
	"math"
	"sync"

	"github.com/mikeyg42/toolalign/internal/machine"
	"github.com/mikeyg42/toolalign/internal/machine/machinetest"
	"github.com/mikeyg42/toolalign/pkg/geometry"
)

const (
	testWidth  = 640
	testHeight = 480
)

// camera models a fixed camera: machine = center + scale·R(angle)·(px - frameCenter).
type camera struct {
	center geometry.Point2D
	scale  float64
	angle  float64
}

func (c camera) pixel(p geometry.Point2D) geometry.Point2D {
	d := p.Sub(c.center)
	cos, sin := math.Cos(c.angle), math.Sin(c.angle)
	return geometry.Point2D{
		X: testWidth/2 + (cos*d.X+sin*d.Y)/c.scale,
		Y: testHeight/2 + (-sin*d.X+cos*d.Y)/c.scale,
	}
}

// simLocator reports where the camera sees the nozzle of the loaded tool,
// or the endstop, given the simulator's current position.
type simLocator struct {
	mu      sync.Mutex
	sim     *machinetest.Simulator
	cam     camera
	deltas  map[int]geometry.Point2D
	endstop geometry.Point2D
	calls   int
	stuck   *geometry.Point2D
}

func (l *simLocator) Locate(ctx context.Context, target Target) (Observation, error) {
	if err := ctx.Err(); err != nil {
		return Observation{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++

	pos := l.sim.Position()
	xy := geometry.Point2D{X: pos.X, Y: pos.Y}

	var px geometry.Point2D
	switch {
	case l.stuck != nil:
		px = *l.stuck
	case target == TargetEndstop:
		// Camera rides on the carriage; the endstop is fixed on the bed
		px = l.cam.pixel(l.cam.center.Add(l.endstop.Sub(xy)))
	default:
		// The firmware shifts the head by the stored offset of the loaded tool
		tool := l.sim.Tool()
		off := l.sim.ToolOffset(tool)
		nozzle := xy.Sub(geometry.Point2D{X: off.X, Y: off.Y}).Add(l.deltas[tool])
		px = l.cam.pixel(nozzle)
	}
	return Observation{Pixel: px, Radius: 12, Machine: pos}, nil
}

func newTestRig(start machine.Coordinates) (*machinetest.Simulator, *simLocator) {
	sim := machinetest.NewSimulator(start)
	loc := &simLocator{
		sim: sim,
		cam: camera{
			center: geometry.Point2D{X: start.X, Y: start.Y},
			scale:  0.012,
			angle:  0.05,
		},
		deltas: map[int]geometry.Point2D{},
	}
	return sim, loc
}

func testControllerConfig() ControllerConfig {
	cfg := DefaultControllerConfig()
	cfg.IdleTimeout = 0
	return cfg
}
