// Package engine runs the single alignment loop. Exactly one mode is active
// at a time: idle preview, free-run detection, a calibration session or
// control point auto-capture. Hosts request mode changes; the loop picks
// them up at the top of every iteration.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/toolalign/internal/calibration"
	"github.com/mikeyg42/toolalign/internal/events"
	"github.com/mikeyg42/toolalign/internal/locator"
	"github.com/mikeyg42/toolalign/internal/machine"
)

// ErrBusy is returned when a request conflicts with an active run.
var ErrBusy = errors.New("engine is busy")

// ErrInvalidRequest wraps validation failures of host requests.
var ErrInvalidRequest = errors.New("invalid request")

// Mode is the active loop handler
type Mode int

const (
	ModeIdle Mode = iota
	ModeFreeDetect
	ModeCalibrating
	ModeAutoCP
)

func (m Mode) String() string {
	switch m {
	case ModeFreeDetect:
		return "detect"
	case ModeCalibrating:
		return "calibrating"
	case ModeAutoCP:
		return "auto_cp"
	default:
		return "idle"
	}
}

// MarshalText renders the mode name in JSON.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// running reports whether the mode drives the machine.
func (m Mode) running() bool {
	return m == ModeCalibrating || m == ModeAutoCP
}

// Vision is the detection pipeline the loop drives. *locator.Locator
// implements it.
type Vision interface {
	calibration.Locator
	Analyze(ctx context.Context) (locator.Outcome, error)
	Preview(ctx context.Context) error
}

// releaser is implemented by vision pipelines that can close the camera
// until the next frame is needed.
type releaser interface {
	Release() error
}

// Display is where the loop publishes events. Wants lets the loop skip
// preview frames when nobody is watching.
type Display interface {
	events.Publisher
	Wants(events.Type) bool
}

// Recorder persists calibration history. Errors are logged and never
// abort a run.
type Recorder interface {
	BeginSession(ctx context.Context, id uuid.UUID, tools []int, cycles int) error
	RecordResult(ctx context.Context, id uuid.UUID, r calibration.ToolOffsetResult) error
	EndSession(ctx context.Context, id uuid.UUID, runErr error) error
}

// Config tunes the engine and the controller it builds.
type Config struct {
	Width        int
	Height       int
	Gain         float64
	MaxCondition float64
	Controller   calibration.ControllerConfig
	Session      calibration.SessionConfig

	// PollInterval paces the loop when there is no frame subscriber.
	PollInterval time.Duration
}

// Status is a snapshot of the engine for hosts.
type Status struct {
	Mode         Mode                 `json:"mode"`
	Message      string               `json:"message,omitempty"`
	SessionID    string               `json:"session_id,omitempty"`
	Tools        []int                `json:"tools,omitempty"`
	Cycles       int                  `json:"cycles,omitempty"`
	Completed    int                  `json:"completed"`
	Total        int                  `json:"total"`
	Progress     float64              `json:"progress"`
	StartedAt    *time.Time           `json:"started_at,omitempty"`
	LastError    string               `json:"last_error,omitempty"`
	ControlPoint *machine.Coordinates `json:"control_point,omitempty"`
	Results      int                  `json:"results"`
}

// request is a pending calibration run.
type request struct {
	tools  []int
	cycles int
}

// Engine owns the alignment loop
type Engine struct {
	cfg      Config
	machine  machine.Controller
	vision   Vision
	display  Display
	recorder Recorder
	results  *calibration.ResultsList
	session  *calibration.Session
	logger   *zap.Logger

	// State
	mu        sync.RWMutex
	mode      Mode
	pending   request
	active    request
	sessionID uuid.UUID
	completed int
	message   string
	lastErr   error
	startedAt time.Time
	cp        *machine.Coordinates
	cancelFn  context.CancelFunc
	manual    bool // a host-driven machine operation is in flight

	wake chan struct{}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRecorder persists sessions and results.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithResults shares an existing result list.
func WithResults(l *calibration.ResultsList) Option {
	return func(e *Engine) { e.results = l }
}

// WithControlPoint seeds the control point.
func WithControlPoint(cp machine.Coordinates) Option {
	return func(e *Engine) { e.cp = &cp }
}

// New wires the controller and session around m and v.
func New(m machine.Controller, v Vision, display Display, cfg Config, opts ...Option) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	e := &Engine{
		cfg:     cfg,
		machine: m,
		vision:  v,
		display: display,
		results: &calibration.ResultsList{},
		logger:  zap.L().Named("engine"),
		mode:    ModeIdle,
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}

	mapper := calibration.NewMapper(cfg.Width, cfg.Height)
	if cfg.Gain > 0 {
		mapper.Gain = cfg.Gain
	}
	if cfg.MaxCondition > 0 {
		mapper.MaxCondition = cfg.MaxCondition
	}
	ctrl := calibration.NewController(m, v, mapper, cfg.Controller,
		calibration.WithEvents(display),
		calibration.WithYield(e.yield),
		calibration.WithLogger(zap.L().Named("calibration")))
	e.session = calibration.NewSession(m, ctrl, e.results, cfg.Session,
		calibration.WithSessionEvents(display),
		calibration.WithResultHook(e.onResult))
	return e
}

// Results returns the session-wide result list.
func (e *Engine) Results() *calibration.ResultsList {
	return e.results
}

// Mode returns the active mode.
func (e *Engine) Mode() Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// Status returns a snapshot for hosts.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := Status{
		Mode:      e.mode,
		Message:   e.message,
		Completed: e.completed,
		Results:   e.results.Len(),
	}
	if e.mode == ModeCalibrating {
		st.SessionID = e.sessionID.String()
		st.Tools = append([]int(nil), e.active.tools...)
		st.Cycles = e.active.cycles
		st.Total = len(e.active.tools) * e.active.cycles
		if st.Total > 0 {
			st.Progress = float64(e.completed) / float64(st.Total) * 100
		}
	}
	if !e.startedAt.IsZero() {
		t := e.startedAt
		st.StartedAt = &t
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	if e.cp != nil {
		cp := *e.cp
		st.ControlPoint = &cp
	}
	return st
}

// ControlPoint returns the current control point, nil when unset.
func (e *Engine) ControlPoint() *machine.Coordinates {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.cp == nil {
		return nil
	}
	cp := *e.cp
	return &cp
}

// SetControlPoint replaces the control point.
func (e *Engine) SetControlPoint(cp machine.Coordinates) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode.running() {
		return ErrBusy
	}
	e.cp = &cp
	return nil
}

// CaptureControlPoint stores the current machine position as the control
// point.
func (e *Engine) CaptureControlPoint(ctx context.Context) (machine.Coordinates, error) {
	release, err := e.claim()
	if err != nil {
		return machine.Coordinates{}, err
	}
	defer release()

	pos, err := e.machine.GetCoordinates(ctx)
	if err != nil {
		return machine.Coordinates{}, fmt.Errorf("read machine position: %w", err)
	}
	if err := e.SetControlPoint(pos); err != nil {
		return machine.Coordinates{}, err
	}
	e.logger.Info("Control point captured", zap.Float64("x", pos.X), zap.Float64("y", pos.Y), zap.Float64("z", pos.Z))
	e.display.Publish(events.Status("CP: X%.3f Y%.3f", pos.X, pos.Y))
	e.display.Publish(events.WithData(events.TypeControlPoint, "manual", pos))
	return pos, nil
}

// CaptureOffset computes and applies the offset of a hand-centered tool.
func (e *Engine) CaptureOffset(ctx context.Context, tool int) (calibration.ToolOffsetResult, error) {
	release, err := e.claim()
	if err != nil {
		return calibration.ToolOffsetResult{}, err
	}
	defer release()
	return e.session.CaptureOffset(ctx, e.ControlPoint(), tool)
}

// ApplyResults re-applies the latest offset of every tool.
func (e *Engine) ApplyResults(ctx context.Context, save bool) ([]calibration.ToolOffsetResult, error) {
	release, err := e.claim()
	if err != nil {
		return nil, err
	}
	defer release()
	return e.session.ApplyResults(ctx, save)
}

// claim reserves the machine for one host-driven operation. Runs cannot
// be requested until release is called.
func (e *Engine) claim() (release func(), err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode.running() || e.manual {
		return nil, ErrBusy
	}
	e.manual = true
	return func() {
		e.mu.Lock()
		e.manual = false
		e.mu.Unlock()
	}, nil
}

// StartDetection switches to free-run detection.
func (e *Engine) StartDetection() error {
	return e.request(ModeFreeDetect, request{})
}

// StopDetection returns from free-run detection to idle.
func (e *Engine) StopDetection() error {
	e.mu.Lock()
	if e.mode.running() {
		e.mu.Unlock()
		return ErrBusy
	}
	changed := e.setModeLocked(ModeIdle)
	e.mu.Unlock()
	e.notify(changed)
	return nil
}

// StartCalibration queues a calibration session. Validation happens here
// so hosts get errors synchronously.
func (e *Engine) StartCalibration(tools []int, cycles int) error {
	if len(tools) == 0 {
		return fmt.Errorf("%w: no tools to calibrate", ErrInvalidRequest)
	}
	if cycles < 1 {
		return fmt.Errorf("%w: cycles must be >= 1, got %d", ErrInvalidRequest, cycles)
	}
	if e.ControlPoint() == nil {
		return calibration.ErrNoControlPoint
	}
	return e.request(ModeCalibrating, request{tools: append([]int(nil), tools...), cycles: cycles})
}

// StartAutoCP queues an endstop control point capture.
func (e *Engine) StartAutoCP() error {
	return e.request(ModeAutoCP, request{})
}

func (e *Engine) request(m Mode, r request) error {
	e.mu.Lock()
	if e.mode.running() || (m.running() && e.manual) {
		e.mu.Unlock()
		return ErrBusy
	}
	e.pending = r
	changed := e.setModeLocked(m)
	e.mu.Unlock()
	e.notify(changed)
	return nil
}

// Stop aborts the active run, or leaves free-run detection. An aborted
// run leaves the machine unloaded at the control point.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.cancelFn != nil {
		e.cancelFn()
		e.mu.Unlock()
		return
	}
	changed := e.setModeLocked(ModeIdle)
	e.mu.Unlock()
	e.notify(changed)
}

// setModeLocked must be called with e.mu held. It reports whether the
// mode changed.
func (e *Engine) setModeLocked(m Mode) bool {
	if e.mode == m {
		return false
	}
	e.logger.Info("Mode change", zap.Stringer("from", e.mode), zap.Stringer("to", m))
	e.mode = m
	return true
}

func (e *Engine) notify(changed bool) {
	if !changed {
		return
	}
	e.display.Publish(events.WithData(events.TypeMode, e.Mode().String(), e.Mode()))
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drives the loop until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Engine loop starting")
	defer e.logger.Info("Engine loop stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch e.Mode() {
		case ModeIdle:
			e.handleIdle(ctx)
		case ModeFreeDetect:
			e.handleDetect(ctx)
		case ModeCalibrating:
			e.handleCalibrating(ctx)
		case ModeAutoCP:
			e.handleAutoCP(ctx)
		}
	}
}

// handleIdle streams preview frames, or sleeps until woken when nobody is
// watching.
func (e *Engine) handleIdle(ctx context.Context) {
	if !e.display.Wants(events.TypeFrame) {
		e.pause(ctx, e.cfg.PollInterval)
		return
	}
	if err := e.vision.Preview(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn("Preview failed", zap.Error(err))
		e.display.Publish(events.Status("No signal"))
		e.pause(ctx, time.Second)
	}
}

func (e *Engine) handleDetect(ctx context.Context) {
	if _, err := e.vision.Analyze(ctx); err != nil && ctx.Err() == nil {
		e.logger.Error("Detection failed", zap.Error(err))
		e.fail(err)
	}
}

func (e *Engine) handleCalibrating(ctx context.Context) {
	var req request
	runCtx, cancel, ok := e.begin(ctx, ModeCalibrating, func() {
		req = e.pending
		e.active = req
		e.sessionID = uuid.New()
		e.completed = 0
		e.message = "Calibrating"
	})
	if !ok {
		return
	}
	defer cancel()

	e.mu.RLock()
	id, cp := e.sessionID, e.cp
	e.mu.RUnlock()

	logger := e.logger.With(zap.String("session", id.String()))
	logger.Info("Calibration starting", zap.Ints("tools", req.tools), zap.Int("cycles", req.cycles))
	if e.recorder != nil {
		if err := e.recorder.BeginSession(runCtx, id, req.tools, req.cycles); err != nil {
			logger.Warn("Failed to record session start", zap.Error(err))
		}
	}

	err := e.checkHomed(runCtx)
	if err == nil {
		_, err = e.session.Run(runCtx, cp, req.tools, req.cycles)
	}

	if e.recorder != nil {
		endCtx, endCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if rerr := e.recorder.EndSession(endCtx, id, err); rerr != nil {
			logger.Warn("Failed to record session end", zap.Error(rerr))
		}
		endCancel()
	}
	e.finish(err, "Calibration complete")
}

func (e *Engine) handleAutoCP(ctx context.Context) {
	runCtx, cancel, ok := e.begin(ctx, ModeAutoCP, func() {
		e.message = "Capturing control point"
	})
	if !ok {
		return
	}
	defer cancel()

	err := e.checkHomed(runCtx)
	if err == nil {
		var cp machine.Coordinates
		cp, err = e.session.AutoCaptureControlPoint(runCtx)
		if err == nil {
			e.mu.Lock()
			e.cp = &cp
			e.mu.Unlock()
		}
	}
	e.finish(err, "Control point captured")
}

func (e *Engine) checkHomed(ctx context.Context) error {
	homed, err := e.machine.IsHomed(ctx)
	if err != nil {
		return fmt.Errorf("read homing state: %w", err)
	}
	if !homed {
		return machine.ErrNotHomed
	}
	return nil
}

// begin claims the run for mode m and installs the cancel function Stop
// uses. It fails when the mode was changed before the run could start.
// setup runs under the state lock.
func (e *Engine) begin(ctx context.Context, m Mode, setup func()) (context.Context, context.CancelFunc, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode != m {
		return nil, nil, false
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancelFn = cancel
	e.lastErr = nil
	e.startedAt = time.Now()
	setup()
	e.pending = request{}

	return runCtx, func() {
		e.mu.Lock()
		e.cancelFn = nil
		e.mu.Unlock()
		cancel()
	}, true
}

// finish records the run outcome and drops back to idle.
func (e *Engine) finish(err error, done string) {
	switch {
	case err == nil:
		e.updateState(done, nil)
	case errors.Is(err, context.Canceled):
		e.updateState("Stopped", nil)
		e.releaseCamera()
		e.display.Publish(events.Status("Calibration stopped"))
	default:
		e.fail(err)
		return
	}
	e.mu.Lock()
	changed := e.setModeLocked(ModeIdle)
	e.mu.Unlock()
	e.notify(changed)
}

func (e *Engine) releaseCamera() {
	r, ok := e.vision.(releaser)
	if !ok {
		return
	}
	if err := r.Release(); err != nil {
		e.logger.Warn("Failed to release camera", zap.Error(err))
	}
}

func (e *Engine) fail(err error) {
	e.updateState("Error", err)
	e.display.Publish(events.Error(err))

	e.mu.Lock()
	changed := e.setModeLocked(ModeIdle)
	e.mu.Unlock()
	e.notify(changed)
}

func (e *Engine) updateState(msg string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.message = msg
	e.lastErr = err
}

func (e *Engine) onResult(ctx context.Context, r calibration.ToolOffsetResult) {
	e.mu.Lock()
	e.completed++
	id := e.sessionID
	e.mu.Unlock()

	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordResult(ctx, id, r); err != nil {
		e.logger.Warn("Failed to record result", zap.Int("tool", r.Tool), zap.Int("cycle", r.Cycle), zap.Error(err))
	}
}

// yield runs between controller iterations and while waiting for moves.
// It keeps the preview alive and paces controller polling.
func (e *Engine) yield(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.display.Wants(events.TypeFrame) {
		return e.pause(ctx, e.cfg.PollInterval)
	}
	if err := e.vision.Preview(ctx); err != nil && ctx.Err() == nil {
		e.logger.Debug("Preview during run failed", zap.Error(err))
	}
	return ctx.Err()
}

// pause waits for d, a wake-up or ctx.
func (e *Engine) pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.wake:
		return nil
	case <-t.C:
		return nil
	}
}
