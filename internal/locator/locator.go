// Package locator turns camera frames into a single confirmed target
// position, classifying each analyzed frame as found, none or too many.
package locator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/toolalign/internal/calibration"
	"github.com/mikeyg42/toolalign/internal/events"
	"github.com/mikeyg42/toolalign/internal/frame"
	"github.com/mikeyg42/toolalign/internal/machine"
	"github.com/mikeyg42/toolalign/internal/vision"
)

// Kind classifies one analyzed frame
type Kind int

const (
	NoneFound Kind = iota
	Found
	TooMany
)

func (k Kind) String() string {
	switch k {
	case Found:
		return "found"
	case TooMany:
		return "too_many"
	default:
		return "none"
	}
}

// missesBeforeError is how many throttled "no circle" notices pass before
// the locator reports a detection error.
const missesBeforeError = 25

// Outcome is the result of analyzing one frame. Circle and Machine are
// only meaningful when Kind is Found.
type Outcome struct {
	Kind    Kind                `json:"kind"`
	Circle  vision.Circle       `json:"circle"`
	Count   int                 `json:"count"`
	Machine machine.Coordinates `json:"machine"`
}

// Classify maps a detection set to an outcome. Anything other than
// exactly one circle is a non-result.
func Classify(circles []vision.Circle) Outcome {
	switch len(circles) {
	case 0:
		return Outcome{Kind: NoneFound}
	case 1:
		return Outcome{Kind: Found, Circle: circles[0], Count: 1}
	default:
		return Outcome{Kind: TooMany, Count: len(circles)}
	}
}

// Display receives status and frame events. Wants lets the locator skip
// JPEG encoding when nobody is watching.
type Display interface {
	events.Publisher
	Wants(events.Type) bool
}

type discardDisplay struct{}

func (discardDisplay) Publish(events.Event) {}
func (discardDisplay) Wants(events.Type) bool { return false }

// Config holds the detection settings
type Config struct {
	Preset        string
	Algorithm     string
	XRay          bool
	Crosshair     bool
	NoCircleAfter time.Duration
	JPEGQuality   int
}

// Settings are the runtime-adjustable detection options.
type Settings struct {
	Preset    string           `json:"preset"`
	Algorithm vision.Algorithm `json:"algorithm"`
	XRay      bool             `json:"xray"`
	Crosshair bool             `json:"crosshair"`
}

// Locator owns the preprocessing and detection pipeline for one frame
// source. Analyze, Locate and Preview must be called from a single
// goroutine; the setters are safe from any goroutine and take effect
// before the next analysis.
type Locator struct {
	source  frame.Reader
	machine machine.Controller
	display Display
	yield   func(context.Context) error
	now     func() time.Time
	logger  *zap.Logger

	noCircleAfter time.Duration
	jpegQuality   int

	mu       sync.Mutex
	settings Settings
	dirty    bool

	applied   Settings
	pre       *vision.Preprocessor
	det       *vision.BlobDetector
	raw       gocv.Mat
	processed gocv.Mat

	lastFound  time.Time
	lastNotice time.Time
	misses     int
}

// Option customizes a Locator.
type Option func(*Locator)

// WithDisplay sets the event sink for messages and frames.
func WithDisplay(d Display) Option {
	return func(l *Locator) { l.display = d }
}

// WithYield sets the hook called between unsuccessful analyses in Locate.
func WithYield(y func(context.Context) error) Option {
	return func(l *Locator) { l.yield = y }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Locator) { l.now = now }
}

// New creates a locator. m may be nil when machine coordinates are not
// needed, e.g. for free-run detection without a controller.
func New(source frame.Reader, m machine.Controller, cfg Config, opts ...Option) (*Locator, error) {
	preset, err := vision.Preset(cfg.Preset)
	if err != nil {
		return nil, err
	}
	algorithm, err := vision.ParseAlgorithm(cfg.Algorithm)
	if err != nil {
		return nil, err
	}

	l := &Locator{
		source:        source,
		machine:       m,
		display:       discardDisplay{},
		yield:         func(ctx context.Context) error { return ctx.Err() },
		now:           time.Now,
		logger:        zap.L().Named("locator"),
		noCircleAfter: cfg.NoCircleAfter,
		jpegQuality:   cfg.JPEGQuality,
		settings: Settings{
			Preset:    preset.Name,
			Algorithm: algorithm,
			XRay:      cfg.XRay,
			Crosshair: cfg.Crosshair,
		},
		pre:       vision.NewPreprocessor(algorithm),
		det:       vision.NewBlobDetector(preset),
		raw:       gocv.NewMat(),
		processed: gocv.NewMat(),
	}
	l.applied = l.settings
	for _, opt := range opts {
		opt(l)
	}
	l.lastFound = l.now()
	return l, nil
}

// Settings returns the requested detection settings.
func (l *Locator) Settings() Settings {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settings
}

// SetPreset switches the detector preset.
func (l *Locator) SetPreset(name string) error {
	preset, err := vision.Preset(name)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settings.Preset = preset.Name
	l.dirty = true
	return nil
}

// SetAlgorithm switches the preprocessing pipeline.
func (l *Locator) SetAlgorithm(name string) error {
	a, err := vision.ParseAlgorithm(name)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settings.Algorithm = a
	l.dirty = true
	return nil
}

// SetXRay selects whether the processed or the raw frame is displayed.
func (l *Locator) SetXRay(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settings.XRay = on
	l.dirty = true
}

// SetCrosshair toggles the center crosshair overlay.
func (l *Locator) SetCrosshair(on bool) {
	l.mu.Lock()
	l.settings.Crosshair = on
	l.dirty = true
	l.mu.Unlock()
	l.display.Publish(events.WithData(events.TypeCrosshair, "crosshair", on))
}

// apply rebuilds the pipeline for settings changed since the last frame.
func (l *Locator) apply() {
	l.mu.Lock()
	if !l.dirty {
		l.mu.Unlock()
		return
	}
	want := l.settings
	l.dirty = false
	l.mu.Unlock()

	if want.Preset != l.applied.Preset {
		preset, _ := vision.Preset(want.Preset)
		l.det.Rebuild(preset)
		l.logger.Info("Detector rebuilt", zap.String("preset", preset.Name))
	}
	if want.Algorithm != l.applied.Algorithm {
		l.pre.Close()
		l.pre = vision.NewPreprocessor(want.Algorithm)
		l.logger.Info("Preprocessor switched", zap.String("algorithm", string(want.Algorithm)))
	}
	l.applied = want
}

// capture reads a frame and, when a controller is attached, the machine
// position at capture time.
func (l *Locator) capture(ctx context.Context) (machine.Coordinates, error) {
	if err := l.source.Read(ctx, &l.raw); err != nil {
		return machine.Coordinates{}, err
	}
	if l.machine == nil {
		return machine.Coordinates{}, nil
	}
	pos, err := l.machine.GetCoordinates(ctx)
	if err != nil {
		return machine.Coordinates{}, fmt.Errorf("read machine position: %w", err)
	}
	return pos, nil
}

// Analyze reads one frame and classifies the circles in it.
func (l *Locator) Analyze(ctx context.Context) (Outcome, error) {
	pos, err := l.capture(ctx)
	if err != nil {
		return Outcome{}, err
	}
	l.apply()

	if err := l.pre.Process(l.raw, &l.processed); err != nil {
		return Outcome{}, err
	}
	out := Classify(l.det.Detect(l.processed))
	out.Machine = pos

	view := l.raw.Clone()
	if l.applied.XRay {
		view.Close()
		view = l.processed.Clone()
	}
	defer view.Close()
	if l.applied.Crosshair {
		vision.DrawCrosshair(&view)
	}

	now := l.now()
	switch out.Kind {
	case Found:
		l.lastFound = now
		l.misses = 0
		vision.DrawCircles(&view, []vision.Circle{out.Circle}, vision.ColorFound)
		l.display.Publish(events.Message("U%3.0f V%3.0f R%2.0f", out.Circle.Center.X, out.Circle.Center.Y, out.Circle.Radius))
	case NoneFound:
		if l.notice(now) {
			vision.DrawStatus(&view, "No circles found", vision.ColorWarning, 3)
			l.display.Publish(events.Message("No circles found."))
			l.misses++
			if l.misses > missesBeforeError {
				l.logger.Warn("Nozzle not detected", zap.Int("notices", l.misses))
				l.display.Publish(events.Message("Error in detecting nozzle."))
				l.misses = 0
			}
		}
	case TooMany:
		if l.notice(now) {
			vision.DrawStatus(&view, fmt.Sprintf("Too many circles found %d", out.Count), vision.ColorNotice, 3)
			l.display.Publish(events.Message("Too many circles found. Please stop and clean the nozzle."))
		}
	}
	l.show(view)
	return out, nil
}

// notice reports whether a throttled "not found" notice is due.
func (l *Locator) notice(now time.Time) bool {
	if now.Sub(l.lastFound) <= l.noCircleAfter || now.Sub(l.lastNotice) <= l.noCircleAfter {
		return false
	}
	l.lastNotice = now
	return true
}

// AnalyzeEndstop reads one frame and looks for the endstop hole.
func (l *Locator) AnalyzeEndstop(ctx context.Context) (Outcome, error) {
	pos, err := l.capture(ctx)
	if err != nil {
		return Outcome{}, err
	}

	view := l.raw.Clone()
	defer view.Close()

	center, ok := vision.FindEndstop(l.raw)
	if !ok {
		if l.notice(l.now()) {
			l.display.Publish(events.Status("Cannot find endstop!"))
		}
		l.show(view)
		return Outcome{Kind: NoneFound, Machine: pos}, nil
	}

	l.lastFound = l.now()
	out := Outcome{Kind: Found, Circle: vision.Circle{Center: center}, Count: 1, Machine: pos}
	vision.DrawEndstop(&view, out.Circle)
	l.show(view)
	return out, nil
}

// Locate implements calibration.Locator: it analyzes frames until exactly
// one target is found, calling the yield hook between attempts.
func (l *Locator) Locate(ctx context.Context, target calibration.Target) (calibration.Observation, error) {
	for {
		if err := ctx.Err(); err != nil {
			return calibration.Observation{}, err
		}

		var (
			out Outcome
			err error
		)
		if target == calibration.TargetEndstop {
			out, err = l.AnalyzeEndstop(ctx)
		} else {
			out, err = l.Analyze(ctx)
		}
		if err != nil {
			return calibration.Observation{}, err
		}
		if out.Kind == Found {
			return calibration.Observation{
				Pixel:   out.Circle.Center,
				Radius:  out.Circle.Radius,
				Machine: out.Machine,
			}, nil
		}
		if err := l.yield(ctx); err != nil {
			return calibration.Observation{}, err
		}
	}
}

// Preview reads a frame and displays it without detection.
func (l *Locator) Preview(ctx context.Context) error {
	if err := l.source.Read(ctx, &l.raw); err != nil {
		return err
	}
	if !l.display.Wants(events.TypeFrame) {
		return nil
	}
	l.apply()
	view := l.raw.Clone()
	defer view.Close()
	if l.applied.Crosshair {
		vision.DrawCrosshair(&view)
	}
	l.show(view)
	return nil
}

func (l *Locator) show(view gocv.Mat) {
	if !l.display.Wants(events.TypeFrame) {
		return
	}
	jpeg, err := vision.EncodeJPEG(view, l.jpegQuality)
	if err != nil {
		l.logger.Warn("Failed to encode display frame", zap.Error(err))
		return
	}
	l.display.Publish(events.Frame(jpeg))
}

// Release closes the capture device when the source supports it. The
// next frame read opens it again.
func (l *Locator) Release() error {
	if r, ok := l.source.(interface{ Release() error }); ok {
		return r.Release()
	}
	return nil
}

// Close releases native resources.
func (l *Locator) Close() error {
	l.raw.Close()
	l.processed.Close()
	l.pre.Close()
	return l.det.Close()
}
