package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/toolalign/internal/events"
	"github.com/mikeyg42/toolalign/internal/machine"
	"github.com/mikeyg42/toolalign/pkg/geometry"
)

var (
	// ErrNoConvergence is returned when centering exceeds its move budget.
	ErrNoConvergence = errors.New("centering did not converge")
	// ErrIdleTimeout is returned when the machine never reports idle.
	ErrIdleTimeout = errors.New("timed out waiting for machine to become idle")
	// ErrNoDisplacement is returned when the first calibration move does
	// not move the target in the image.
	ErrNoDisplacement = errors.New("calibration move produced no pixel displacement")
)

// Target selects what the controller centers over the camera.
type Target int

const (
	TargetNozzle Target = iota
	TargetEndstop
)

func (t Target) String() string {
	if t == TargetEndstop {
		return "endstop"
	}
	return "nozzle"
}

// Observation is one accepted detection and the machine position at the
// moment its frame was captured.
type Observation struct {
	Pixel   geometry.Point2D    `json:"pixel"`
	Radius  float64             `json:"radius"`
	Machine machine.Coordinates `json:"machine"`
}

// Locator blocks until exactly one target is seen in a fresh frame.
type Locator interface {
	Locate(ctx context.Context, target Target) (Observation, error)
}

// YieldFunc is invoked once per loop iteration and while polling for idle.
// Returning an error aborts the run.
type YieldFunc func(ctx context.Context) error

// State is the controller phase. Values 1..9 are calibration steps.
type State int

const (
	StateInit      State = 0
	StateFinalize  State = 10
	StateCentering State = 200
	StateDone      State = -1
)

func (s State) String() string {
	switch {
	case s == StateInit:
		return "init"
	case s > StateInit && s < StateFinalize:
		return fmt.Sprintf("step %d", int(s))
	case s == StateFinalize:
		return "finalize"
	case s == StateCentering:
		return "centering"
	case s == StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ControllerConfig tunes one alignment run
type ControllerConfig struct {
	CenteringTolerance float64
	EndstopTolerance   float64
	AverageSamples     int
	MaxCenteringMoves  int
	CalibrationSpeed   float64
	CenteringSpeed     float64
	IdleTimeout        time.Duration
}

// DefaultControllerConfig returns the stock tuning.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		CenteringTolerance: 0,
		EndstopTolerance:   0.05,
		AverageSamples:     5,
		MaxCenteringMoves:  40,
		CalibrationSpeed:   3000,
		CenteringSpeed:     1000,
		IdleTimeout:        5 * time.Minute,
	}
}

// Job describes one controller run.
type Job struct {
	Target       Target
	Tool         int
	Cycle        int
	ControlPoint machine.Coordinates

	// Transform skips camera calibration when set.
	Transform *Transform
	MPP       float64
}

// Outcome is what a finished run produced.
type Outcome struct {
	Result    ToolOffsetResult    `json:"result"`
	Position  machine.Coordinates `json:"position"`
	Transform *Transform          `json:"transform"`
	MPP       float64             `json:"mpp"`
	Moves     int                 `json:"moves"`
}

// Controller drives camera calibration followed by iterative centering
// for one tool or the endstop.
type Controller struct {
	cfg     ControllerConfig
	machine machine.Controller
	locator Locator
	mapper  *Mapper
	events  events.Publisher
	yield   YieldFunc
	now     func() time.Time
	logger  *zap.Logger

	// Per-run state
	job       Job
	state     State
	samples   []Sample
	transform *Transform
	mpp       float64
	prev      geometry.Point2D
	step      geometry.Point2D
	moves     int
	started   time.Time
	outcome   *Outcome
}

// Option customizes a Controller.
type Option func(*Controller)

// WithEvents sets the event sink.
func WithEvents(p events.Publisher) Option {
	return func(c *Controller) { c.events = p }
}

// WithYield sets the per-iteration yield hook.
func WithYield(y YieldFunc) Option {
	return func(c *Controller) { c.yield = y }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// NewController creates a controller.
func NewController(m machine.Controller, loc Locator, mapper *Mapper, cfg ControllerConfig, opts ...Option) *Controller {
	if cfg.AverageSamples < 1 {
		cfg.AverageSamples = 1
	}
	if cfg.MaxCenteringMoves < 1 {
		cfg.MaxCenteringMoves = DefaultControllerConfig().MaxCenteringMoves
	}
	c := &Controller{
		cfg:     cfg,
		machine: m,
		locator: loc,
		mapper:  mapper,
		events:  events.Discard,
		yield:   func(ctx context.Context) error { return ctx.Err() },
		now:     time.Now,
		logger:  zap.L().Named("calibration"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current phase.
func (c *Controller) State() State {
	return c.state
}

// Run executes one job to completion. Any error aborts the run; a new
// call always starts over from camera calibration unless the job carries
// a transform.
func (c *Controller) Run(ctx context.Context, job Job) (*Outcome, error) {
	c.reset(job)

	for c.state != StateDone {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var err error
		switch {
		case c.state == StateInit:
			err = c.handleInit(ctx)
		case c.state > StateInit && c.state < StateFinalize:
			err = c.handleStep(ctx)
		case c.state == StateFinalize:
			err = c.handleFinalize(ctx)
		case c.state == StateCentering:
			err = c.handleCentering(ctx)
		default:
			err = fmt.Errorf("invalid controller state %d", c.state)
		}
		if err != nil {
			c.logger.Warn("Alignment run aborted",
				zap.Stringer("target", job.Target),
				zap.Int("tool", job.Tool),
				zap.Stringer("state", c.state),
				zap.Error(err))
			return nil, err
		}

		if err := c.yield(ctx); err != nil {
			return nil, err
		}
	}
	return c.outcome, nil
}

func (c *Controller) reset(job Job) {
	c.job = job
	c.state = StateInit
	c.samples = c.samples[:0]
	c.transform = nil
	c.mpp = 0
	c.prev = geometry.Point2D{}
	c.step = geometry.Point2D{}
	c.moves = 0
	c.started = c.now()
	c.outcome = nil

	if job.Transform != nil {
		c.transform = job.Transform
		c.mpp = job.MPP
		c.state = StateCentering
	}
}

func (c *Controller) handleInit(ctx context.Context) error {
	c.events.Publish(events.Status("Calibrating camera.."))
	c.events.Publish(events.Message("Calibrating rotation.. (10%%)"))

	obs, err := c.observe(ctx, 1)
	if err != nil {
		return err
	}
	c.record(obs)

	c.step = Pattern[0]
	if err := c.moveRelative(ctx, c.cfg.CalibrationSpeed, c.step); err != nil {
		return err
	}
	c.state = 1
	return nil
}

func (c *Controller) handleStep(ctx context.Context) error {
	i := int(c.state)
	c.events.Publish(events.Message("Calibrating rotation.. (%d%%)", i*10))

	obs, err := c.observe(ctx, 1)
	if err != nil {
		return err
	}
	if i == 1 {
		d := c.prev.Distance(obs.Pixel)
		if d == 0 {
			return ErrNoDisplacement
		}
		c.mpp = geometry.Round(0.5/d, 4)
	}
	c.record(obs)

	// Back to the pattern center, then out to the next point
	if err := c.moveRelative(ctx, c.cfg.CalibrationSpeed, c.step.Scale(-1)); err != nil {
		return err
	}
	if i == SampleCount-1 {
		c.step = geometry.Point2D{}
		c.state = StateFinalize
		return nil
	}
	c.step = Pattern[i]
	if err := c.moveRelative(ctx, c.cfg.CalibrationSpeed, c.step); err != nil {
		return err
	}
	c.state++
	return nil
}

func (c *Controller) handleFinalize(ctx context.Context) error {
	t, err := c.mapper.Fit(c.samples)
	if err != nil {
		return err
	}
	c.transform = t
	c.samples = c.samples[:0]

	elapsed := geometry.Round(c.now().Sub(c.started).Seconds(), 1)
	c.logger.Info("Camera calibration completed",
		zap.Float64("seconds", elapsed),
		zap.Float64("mpp", c.mpp),
		zap.Float64("fit_mpp", t.MPP),
		zap.Float64("residual", t.Residual))
	c.events.Publish(events.Message("Calibrating rotation.. (100%%) - MPP = %g", c.mpp))

	center := t.Center().Round(3)
	if err := c.machine.MoveAbsolute(ctx, c.cfg.CenteringSpeed, machine.XY(center.X, center.Y)); err != nil {
		return fmt.Errorf("move to camera center: %w", err)
	}
	c.started = c.now()
	c.state = StateCentering
	return nil
}

func (c *Controller) handleCentering(ctx context.Context) error {
	if c.job.Target == TargetEndstop {
		c.events.Publish(events.Message("CP calibration move #%d", c.moves))
	} else {
		c.events.Publish(events.Message("Tool calibration move #%d", c.moves))
	}

	obs, err := c.observe(ctx, c.cfg.AverageSamples)
	if err != nil {
		return err
	}

	offset := c.mapper.Offset(c.transform, obs.Pixel)
	if c.converged(offset) {
		return c.complete(ctx, obs)
	}

	c.moves++
	if c.moves > c.cfg.MaxCenteringMoves {
		return fmt.Errorf("%w after %d moves (last offset X%.3f Y%.3f)", ErrNoConvergence, c.cfg.MaxCenteringMoves, offset.X, offset.Y)
	}
	return c.moveRelative(ctx, c.cfg.CenteringSpeed, offset)
}

func (c *Controller) converged(offset geometry.Point2D) bool {
	if c.job.Target == TargetEndstop {
		tol := c.cfg.EndstopTolerance
		return math.Abs(offset.X) < tol && math.Abs(offset.Y) < tol
	}
	tol := c.cfg.CenteringTolerance
	return math.Abs(offset.X) <= tol && math.Abs(offset.Y) <= tol
}

func (c *Controller) complete(ctx context.Context, obs Observation) error {
	out := &Outcome{
		Position:  obs.Machine,
		Transform: c.transform,
		MPP:       c.mpp,
		Moves:     c.moves,
	}

	if c.job.Target == TargetNozzle {
		fw, err := c.machine.GetToolOffset(ctx, c.job.Tool)
		if err != nil {
			return fmt.Errorf("read tool %d offset: %w", c.job.Tool, err)
		}
		cp := c.job.ControlPoint
		out.Result = ToolOffsetResult{
			Tool:    c.job.Tool,
			Cycle:   c.job.Cycle,
			MPP:     c.mpp,
			X:       geometry.Round((cp.X+fw.X)-obs.Machine.X, 3),
			Y:       geometry.Round((cp.Y+fw.Y)-obs.Machine.Y, 3),
			Elapsed: geometry.Round(c.now().Sub(c.started).Seconds(), 1),
		}
		c.logger.Info("Tool offsets computed",
			zap.Int("tool", c.job.Tool),
			zap.Int("cycle", c.job.Cycle),
			zap.Float64("x", out.Result.X),
			zap.Float64("y", out.Result.Y),
			zap.Int("moves", c.moves))
		c.events.Publish(events.Message("Nozzle calibrated: offset coordinates X%.3f Y%.3f", out.Result.X, out.Result.Y))
	} else {
		c.events.Publish(events.Message("CP auto-calibrated."))
	}

	c.outcome = out
	c.state = StateDone
	return nil
}

// observe waits for the machine to settle, then takes n detections and
// averages their pixel positions.
func (c *Controller) observe(ctx context.Context, n int) (Observation, error) {
	if err := c.waitIdle(ctx); err != nil {
		return Observation{}, err
	}

	pts := make([]geometry.Point2D, 0, n)
	var last Observation
	for i := 0; i < n; i++ {
		obs, err := c.locator.Locate(ctx, c.job.Target)
		if err != nil {
			return Observation{}, err
		}
		pts = append(pts, obs.Pixel)
		last = obs
	}
	if n > 1 {
		last.Pixel = geometry.Mean(pts).Round(3)
	}
	return last, nil
}

func (c *Controller) waitIdle(ctx context.Context) error {
	deadline := c.now().Add(c.cfg.IdleTimeout)
	for {
		idle, err := c.machine.IsIdle(ctx)
		if err != nil {
			return fmt.Errorf("poll machine status: %w", err)
		}
		if idle {
			return nil
		}
		if c.cfg.IdleTimeout > 0 && c.now().After(deadline) {
			return ErrIdleTimeout
		}
		if err := c.yield(ctx); err != nil {
			return err
		}
	}
}

func (c *Controller) record(obs Observation) {
	c.prev = obs.Pixel
	c.samples = append(c.samples, Sample{
		Machine: geometry.Point2D{X: obs.Machine.X, Y: obs.Machine.Y},
		Camera:  obs.Pixel,
	})
}

func (c *Controller) moveRelative(ctx context.Context, speed float64, d geometry.Point2D) error {
	if err := c.machine.MoveRelative(ctx, speed, machine.XY(d.X, d.Y)); err != nil {
		return fmt.Errorf("relative move X%.3f Y%.3f: %w", d.X, d.Y, err)
	}
	return nil
}
