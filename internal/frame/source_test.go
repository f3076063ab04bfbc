package frame

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gocv.io/x/gocv"
)

func TestReadAfterClose(t *testing.T) {
	s := NewSource(Config{Device: "0"})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m := gocv.NewMat()
	defer m.Close()
	if err := s.Read(context.Background(), &m); !errors.Is(err, ErrClosed) {
		t.Fatalf("Read after Close = %v, want ErrClosed", err)
	}
}

func TestReadMissingDeviceReportsNoSignal(t *testing.T) {
	s := NewSource(Config{
		Device:         filepath.Join(t.TempDir(), "missing.avi"),
		Width:          640,
		Height:         480,
		ReopenRetries:  2,
		ReopenInterval: time.Millisecond,
	})
	defer s.Close()

	m := gocv.NewMat()
	defer m.Close()
	if err := s.Read(context.Background(), &m); !errors.Is(err, ErrNoSignal) {
		t.Fatalf("Read = %v, want ErrNoSignal", err)
	}
	if _, err := s.GetProperties(); !errors.Is(err, ErrNoSignal) {
		t.Fatalf("GetProperties = %v, want ErrNoSignal", err)
	}
	if err := s.ResetProperties(); !errors.Is(err, ErrNoSignal) {
		t.Fatalf("ResetProperties = %v, want ErrNoSignal", err)
	}
}

func TestReadHonorsCancellation(t *testing.T) {
	s := NewSource(Config{Device: filepath.Join(t.TempDir(), "missing.avi"), ReopenRetries: 100})
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := gocv.NewMat()
	defer m.Close()
	if err := s.Read(ctx, &m); !errors.Is(err, context.Canceled) {
		t.Fatalf("Read = %v, want context.Canceled", err)
	}
}

func TestNewSourceDefaults(t *testing.T) {
	s := NewSource(Config{Device: "1", Width: 800, Height: 600, ReopenRetries: -3})
	if s.cfg.BufferSize != 1 || s.cfg.ReopenRetries != 0 {
		t.Fatalf("defaults not applied: %+v", s.cfg)
	}
	if w, h := s.Size(); w != 800 || h != 600 {
		t.Fatalf("Size() = %dx%d, want 800x600", w, h)
	}
}

func TestReleaseKeepsSourceUsable(t *testing.T) {
	s := NewSource(Config{Device: filepath.Join(t.TempDir(), "missing.avi"), ReopenRetries: 1, ReopenInterval: time.Millisecond})
	defer s.Close()

	if err := s.Release(); err != nil {
		t.Fatalf("Release before open: %v", err)
	}
	m := gocv.NewMat()
	defer m.Close()
	if err := s.Read(context.Background(), &m); !errors.Is(err, ErrNoSignal) {
		t.Fatalf("Read after Release = %v, want ErrNoSignal", err)
	}
}

func TestPropertiesDoNotWaitForReopen(t *testing.T) {
	s := NewSource(Config{
		Device:         filepath.Join(t.TempDir(), "missing.avi"),
		ReopenRetries:  50,
		ReopenInterval: 200 * time.Millisecond,
	})
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		m := gocv.NewMat()
		defer m.Close()
		done <- s.Read(ctx, &m)
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	if _, err := s.GetProperties(); !errors.Is(err, ErrNoSignal) {
		t.Fatalf("GetProperties = %v, want ErrNoSignal", err)
	}
	if err := s.SetProperties(Properties{Brightness: 0.5}); !errors.Is(err, ErrNoSignal) {
		t.Fatalf("SetProperties = %v, want ErrNoSignal", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("property calls blocked for %v behind the reopen backoff", elapsed)
	}
	select {
	case err := <-done:
		t.Fatalf("Read returned early: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Read = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Read did not return after cancel")
	}
}

func TestCloseDuringReopen(t *testing.T) {
	s := NewSource(Config{
		Device:         filepath.Join(t.TempDir(), "missing.avi"),
		ReopenRetries:  50,
		ReopenInterval: 20 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() {
		m := gocv.NewMat()
		defer m.Close()
		done <- s.Read(context.Background(), &m)
	}()
	time.Sleep(30 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Read = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Read did not return after Close")
	}
}
