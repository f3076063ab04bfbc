package calibration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/toolalign/internal/events"
	"github.com/mikeyg42/toolalign/internal/machine"
	"github.com/mikeyg42/toolalign/pkg/geometry"
)

// ErrNoControlPoint is returned when a workflow needs a control point
// that has not been captured.
var ErrNoControlPoint = errors.New("control point has not been set")

// ErrNoResults is returned by ApplyResults on an empty result log.
var ErrNoResults = errors.New("no results to apply")

// safeStateTimeout bounds the cleanup moves issued after an aborted run.
const safeStateTimeout = 30 * time.Second

// SessionConfig contains session-level settings
type SessionConfig struct {
	TravelSpeed float64
	// ReuseTransform keeps the first fitted transform for later tools and
	// cycles instead of recalibrating the camera every run.
	ReuseTransform bool
}

// ResultHook observes every accepted result.
type ResultHook func(ctx context.Context, r ToolOffsetResult)

// Session runs the controller across tools and cycles.
type Session struct {
	cfg        SessionConfig
	machine    machine.Controller
	controller *Controller
	results    *ResultsList
	events     events.Publisher
	onResult   ResultHook
	logger     *zap.Logger
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithSessionEvents sets the event sink.
func WithSessionEvents(p events.Publisher) SessionOption {
	return func(s *Session) { s.events = p }
}

// WithResultHook registers a callback for accepted results.
func WithResultHook(h ResultHook) SessionOption {
	return func(s *Session) { s.onResult = h }
}

// NewSession creates a session. Results are appended to results.
func NewSession(m machine.Controller, ctrl *Controller, results *ResultsList, cfg SessionConfig, opts ...SessionOption) *Session {
	if cfg.TravelSpeed <= 0 {
		cfg.TravelSpeed = 6000
	}
	s := &Session{
		cfg:        cfg,
		machine:    m,
		controller: ctrl,
		results:    results,
		events:     events.Discard,
		logger:     zap.L().Named("session"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Results returns the session-wide result list.
func (s *Session) Results() *ResultsList {
	return s.results
}

// Run calibrates every tool once per cycle, cycles outer and tools inner,
// applying each offset as soon as it is accepted. The machine is left
// with tools unloaded at the control point whether or not the run
// succeeds.
func (s *Session) Run(ctx context.Context, cp *machine.Coordinates, tools []int, cycles int) ([]ToolOffsetResult, error) {
	if cp == nil {
		return nil, ErrNoControlPoint
	}
	if len(tools) == 0 {
		return nil, errors.New("no tools to calibrate")
	}
	if cycles < 1 {
		return nil, fmt.Errorf("cycles must be >= 1, got %d", cycles)
	}

	s.logger.Info("Calibration session starting",
		zap.Ints("tools", tools),
		zap.Int("cycles", cycles))

	var (
		produced  []ToolOffsetResult
		transform *Transform
		mpp       float64
	)
	for cycle := 1; cycle <= cycles; cycle++ {
		for _, tool := range tools {
			s.events.Publish(events.Status("Calibrating T%d, cycle: %d/%d", tool, cycle, cycles))

			r, out, err := s.calibrateTool(ctx, *cp, tool, cycle, transform, mpp)
			if err != nil {
				s.restoreSafeState(ctx, cp)
				return produced, fmt.Errorf("tool %d cycle %d: %w", tool, cycle, err)
			}
			if s.cfg.ReuseTransform {
				transform, mpp = out.Transform, out.MPP
			}

			s.results.Append(r)
			produced = append(produced, r)
			s.events.Publish(events.WithData(events.TypeResult, r.Command(), r))
			if s.onResult != nil {
				s.onResult(ctx, r)
			}
		}
	}

	s.events.Publish(events.Status("Calibration complete: Resetting machine."))
	if err := s.returnToControlPoint(ctx, *cp); err != nil {
		return produced, err
	}
	s.events.Publish(events.Status("Calibration complete: Done."))
	s.events.Publish(events.WithData(events.TypeComplete, "calibration complete", produced))
	return produced, nil
}

func (s *Session) calibrateTool(ctx context.Context, cp machine.Coordinates, tool, cycle int, transform *Transform, mpp float64) (ToolOffsetResult, *Outcome, error) {
	if err := s.machine.LoadTool(ctx, tool); err != nil {
		return ToolOffsetResult{}, nil, fmt.Errorf("load tool: %w", err)
	}
	if err := machine.MoveTo(ctx, s.machine, s.cfg.TravelSpeed, cp); err != nil {
		return ToolOffsetResult{}, nil, fmt.Errorf("move to control point: %w", err)
	}
	s.events.Publish(events.Message("Searching for nozzle.."))

	out, err := s.controller.Run(ctx, Job{
		Target:       TargetNozzle,
		Tool:         tool,
		Cycle:        cycle,
		ControlPoint: cp,
		Transform:    transform,
		MPP:          mpp,
	})
	if err != nil {
		return ToolOffsetResult{}, nil, err
	}

	r := out.Result
	if err := s.machine.SetToolOffsets(ctx, tool, r.X, r.Y); err != nil {
		return ToolOffsetResult{}, nil, fmt.Errorf("apply offsets: %w", err)
	}
	return r, out, nil
}

func (s *Session) returnToControlPoint(ctx context.Context, cp machine.Coordinates) error {
	if err := s.machine.UnloadTools(ctx); err != nil {
		return fmt.Errorf("unload tools: %w", err)
	}
	if err := machine.MoveTo(ctx, s.machine, s.cfg.TravelSpeed, cp); err != nil {
		return fmt.Errorf("return to control point: %w", err)
	}
	return nil
}

// restoreSafeState unloads tools and parks at the control point after a
// failed or cancelled run. It runs detached from ctx cancellation so a
// stop request still leaves the machine parked.
func (s *Session) restoreSafeState(ctx context.Context, cp *machine.Coordinates) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), safeStateTimeout)
	defer cancel()

	if err := s.machine.UnloadTools(cleanupCtx); err != nil {
		s.logger.Error("Failed to unload tools after abort", zap.Error(err))
		return
	}
	if cp == nil {
		return
	}
	if err := machine.MoveTo(cleanupCtx, s.machine, s.cfg.TravelSpeed, *cp); err != nil {
		s.logger.Error("Failed to return to control point after abort", zap.Error(err))
	}
}

// AutoCaptureControlPoint centers the endstop under the camera with no
// tool loaded and returns the resulting machine position as the new
// control point. The machine is parked there afterwards.
func (s *Session) AutoCaptureControlPoint(ctx context.Context) (machine.Coordinates, error) {
	s.events.Publish(events.Status("Starting auto-CP detection.."))
	if err := s.machine.UnloadTools(ctx); err != nil {
		return machine.Coordinates{}, fmt.Errorf("unload tools: %w", err)
	}
	start, err := s.machine.GetCoordinates(ctx)
	if err != nil {
		return machine.Coordinates{}, fmt.Errorf("read start position: %w", err)
	}

	s.events.Publish(events.Status("Self-calibrating CP..."))
	s.events.Publish(events.Message("Searching for endstop.."))
	if _, err := s.controller.Run(ctx, Job{Target: TargetEndstop, ControlPoint: start}); err != nil {
		s.restoreSafeState(ctx, &start)
		return machine.Coordinates{}, fmt.Errorf("endstop alignment: %w", err)
	}

	cp, err := s.machine.GetCoordinates(ctx)
	if err != nil {
		return machine.Coordinates{}, fmt.Errorf("read control point: %w", err)
	}
	s.logger.Info("Control point set", zap.Float64("x", cp.X), zap.Float64("y", cp.Y))
	s.events.Publish(events.Status("CP: X%.3f Y%.3f", cp.X, cp.Y))
	s.events.Publish(events.WithData(events.TypeControlPoint, "auto", cp))

	if err := machine.MoveTo(ctx, s.machine, s.cfg.TravelSpeed, cp); err != nil {
		return cp, fmt.Errorf("move to control point: %w", err)
	}
	return cp, nil
}

// CaptureOffset computes and applies the offset for a tool the operator
// has centered by hand: (CP + firmware offset) - current position.
func (s *Session) CaptureOffset(ctx context.Context, cp *machine.Coordinates, tool int) (ToolOffsetResult, error) {
	if cp == nil {
		return ToolOffsetResult{}, ErrNoControlPoint
	}
	pos, err := s.machine.GetCoordinates(ctx)
	if err != nil {
		return ToolOffsetResult{}, fmt.Errorf("read position: %w", err)
	}
	fw, err := s.machine.GetToolOffset(ctx, tool)
	if err != nil {
		return ToolOffsetResult{}, fmt.Errorf("read tool %d offset: %w", tool, err)
	}

	r := ToolOffsetResult{
		Tool: tool,
		X:    geometry.Round(cp.X + fw.X - pos.X, 3),
		Y:    geometry.Round(cp.Y + fw.Y - pos.Y, 3),
	}
	if err := s.machine.SetToolOffsets(ctx, tool, r.X, r.Y); err != nil {
		return ToolOffsetResult{}, fmt.Errorf("apply offsets: %w", err)
	}
	s.events.Publish(events.Message("Offsets for tool %d: %s", tool, r.Command()))
	return r, nil
}

// ApplyResults re-applies the latest result of every tool and, when save
// is set and the controller supports it, persists offsets to firmware.
func (s *Session) ApplyResults(ctx context.Context, save bool) ([]ToolOffsetResult, error) {
	latest := s.results.Latest()
	if len(latest) == 0 {
		return nil, ErrNoResults
	}
	for _, r := range latest {
		if err := s.machine.SetToolOffsets(ctx, r.Tool, r.X, r.Y); err != nil {
			return nil, fmt.Errorf("apply tool %d: %w", r.Tool, err)
		}
	}
	if save {
		saver, ok := s.machine.(machine.OffsetSaver)
		if !ok {
			return latest, errors.New("controller cannot persist offsets")
		}
		if err := saver.SaveOffsets(ctx); err != nil {
			return latest, fmt.Errorf("save offsets: %w", err)
		}
	}
	s.events.Publish(events.Status("Offsets applied for %d tools", len(latest)))
	return latest, nil
}
