// Package frame wraps a live capture device as a restartable source of
// frames that reopens the device on read failure.
package frame

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var (
	// ErrNoSignal is returned when the device cannot be read even after
	// reopening it.
	ErrNoSignal = errors.New("camera: no signal")
	// ErrClosed is returned by Read after Close.
	ErrClosed = errors.New("camera: source closed")
)

// Reader produces frames. Read fills dst with the next frame.
type Reader interface {
	Read(ctx context.Context, dst *gocv.Mat) error
}

// Config describes the capture device
type Config struct {
	// Device is a device index ("0") or a file path / stream URL
	Device     string
	Width      int
	Height     int
	BufferSize int

	ReopenRetries  int
	ReopenInterval time.Duration
}

// Properties are the adjustable image controls of the device.
type Properties struct {
	Brightness float64 `json:"brightness"`
	Contrast   float64 `json:"contrast"`
	Saturation float64 `json:"saturation"`
	Hue        float64 `json:"hue"`
}

// Source is a Reader over a gocv VideoCapture. The device is opened on
// the first Read.
type Source struct {
	// readMu serializes readers across reopen backoff; mu guards the
	// device and is never held while sleeping.
	readMu   sync.Mutex
	mu       sync.Mutex
	cfg      Config
	capture  *gocv.VideoCapture
	defaults *Properties
	closed   bool
	reopens  int
	logger   *zap.Logger
}

// NewSource creates a source for cfg without opening the device.
func NewSource(cfg Config) *Source {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if cfg.ReopenRetries < 0 {
		cfg.ReopenRetries = 0
	}
	return &Source{
		cfg:    cfg,
		logger: zap.L().Named("camera"),
	}
}

// Size returns the configured frame size.
func (s *Source) Size() (width, height int) {
	return s.cfg.Width, s.cfg.Height
}

// Read grabs the next frame into dst. A failed read closes and reopens the
// device with the configured size, retrying with backoff, and only
// reports ErrNoSignal once the retry budget is spent.
func (s *Source) Read(ctx context.Context, dst *gocv.Mat) error {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.capture != nil && s.capture.Read(dst) && !dst.Empty() {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return backoff.Permanent(ErrClosed)
		}
		if err := s.reopen(); err != nil {
			return err
		}
		if !s.capture.Read(dst) || dst.Empty() {
			return fmt.Errorf("empty frame from device %q", s.cfg.Device)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReopenInterval
	if b.InitialInterval <= 0 {
		b.InitialInterval = 100 * time.Millisecond
	}
	b.MaxInterval = 2 * time.Second

	err := backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.ReopenRetries)), ctx),
		func(err error, wait time.Duration) {
			s.logger.Warn("Camera read failed, reopening",
				zap.String("device", s.cfg.Device),
				zap.Error(err),
				zap.Duration("retry_in", wait))
		})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("%w: %v", ErrNoSignal, err)
	}
	return nil
}

// reopen must be called with s.mu held.
func (s *Source) reopen() error {
	if s.capture != nil {
		s.capture.Close()
		s.capture = nil
	}

	capture, err := gocv.OpenVideoCapture(s.cfg.Device)
	if err != nil {
		return fmt.Errorf("open device %q: %w", s.cfg.Device, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return fmt.Errorf("device %q did not open", s.cfg.Device)
	}
	if s.cfg.Width > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(s.cfg.Width))
	}
	if s.cfg.Height > 0 {
		capture.Set(gocv.VideoCaptureFrameHeight, float64(s.cfg.Height))
	}
	capture.Set(gocv.VideoCaptureBufferSize, float64(s.cfg.BufferSize))
	s.capture = capture

	if s.defaults == nil {
		p := s.readProperties()
		s.defaults = &p
		s.logger.Info("Camera opened",
			zap.String("device", s.cfg.Device),
			zap.Int("width", s.cfg.Width),
			zap.Int("height", s.cfg.Height))
	} else {
		s.reopens++
		s.logger.Info("Camera reopened", zap.String("device", s.cfg.Device), zap.Int("reopens", s.reopens))
	}
	return nil
}

func (s *Source) readProperties() Properties {
	return Properties{
		Brightness: s.capture.Get(gocv.VideoCaptureBrightness),
		Contrast:   s.capture.Get(gocv.VideoCaptureContrast),
		Saturation: s.capture.Get(gocv.VideoCaptureSaturation),
		Hue:        s.capture.Get(gocv.VideoCaptureHue),
	}
}

// GetProperties returns the current device image controls.
func (s *Source) GetProperties() (Properties, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture == nil {
		return Properties{}, ErrNoSignal
	}
	return s.readProperties(), nil
}

// SetProperties applies image controls to the open device.
func (s *Source) SetProperties(p Properties) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture == nil {
		return ErrNoSignal
	}
	s.capture.Set(gocv.VideoCaptureBrightness, p.Brightness)
	s.capture.Set(gocv.VideoCaptureContrast, p.Contrast)
	s.capture.Set(gocv.VideoCaptureSaturation, p.Saturation)
	s.capture.Set(gocv.VideoCaptureHue, p.Hue)
	return nil
}

// ResetProperties restores the controls captured when the device was
// first opened.
func (s *Source) ResetProperties() error {
	s.mu.Lock()
	defaults := s.defaults
	s.mu.Unlock()
	if defaults == nil {
		return ErrNoSignal
	}
	return s.SetProperties(*defaults)
}

// Release closes the device but keeps the source usable; the next Read
// opens it again.
func (s *Source) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture == nil {
		return nil
	}
	err := s.capture.Close()
	s.capture = nil
	s.logger.Info("Camera released", zap.String("device", s.cfg.Device))
	return err
}

// Close releases the device. Further reads return ErrClosed.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.capture == nil {
		return nil
	}
	err := s.capture.Close()
	s.capture = nil
	return err
}
