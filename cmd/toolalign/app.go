package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/toolalign/internal/api"
	"github.com/mikeyg42/toolalign/internal/calibration"
	"github.com/mikeyg42/toolalign/internal/config"
	"github.com/mikeyg42/toolalign/internal/engine"
	"github.com/mikeyg42/toolalign/internal/events"
	"github.com/mikeyg42/toolalign/internal/export"
	"github.com/mikeyg42/toolalign/internal/frame"
	"github.com/mikeyg42/toolalign/internal/locator"
	"github.com/mikeyg42/toolalign/internal/machine"
	"github.com/mikeyg42/toolalign/internal/store"
)

const (
	connectTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
	eventHistory    = 200
)

// Application holds all components
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	duet     *machine.DuetClient
	camera   *frame.Source
	bus      *events.Bus
	locator  *locator.Locator
	engine   *engine.Engine
	store    *store.Store
	uploader *export.Uploader
	server   *api.Server
}

// NewApplication connects to the controller, the database and the
// archive, and wires the engine and API around them.
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	app := &Application{
		config: cfg,
		logger: zap.L().Named("app"),
		bus:    events.NewBus(eventHistory),
	}

	duet, err := machine.NewDuetClient(machine.DuetConfig{
		BaseURL:        cfg.Machine.BaseURL,
		Password:       cfg.Machine.Password,
		RequestTimeout: cfg.Machine.RequestTimeout.Std(),
		MaxRetries:     cfg.Machine.MaxRetries,
		RetryBackoff:   200 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create machine client: %w", err)
	}
	app.duet = duet
	if err := app.connectMachine(ctx); err != nil {
		return nil, err
	}

	app.camera = frame.NewSource(frame.Config{
		Device:         cfg.Camera.Device,
		Width:          cfg.Camera.Width,
		Height:         cfg.Camera.Height,
		BufferSize:     cfg.Camera.BufferSize,
		ReopenRetries:  cfg.Camera.ReopenRetries,
		ReopenInterval: cfg.Camera.ReopenInterval.Std(),
	})

	app.locator, err = locator.New(app.camera, duet, locator.Config{
		Preset:        cfg.Detection.Preset,
		Algorithm:     cfg.Detection.Algorithm,
		XRay:          cfg.Detection.XRay,
		Crosshair:     cfg.Detection.Crosshair,
		NoCircleAfter: cfg.Detection.NoCircleAfter.Std(),
		JPEGQuality:   cfg.Detection.JPEGQuality,
	}, locator.WithDisplay(app.bus))
	if err != nil {
		app.Cleanup()
		return nil, fmt.Errorf("failed to create locator: %w", err)
	}

	var opts []engine.Option
	if cfg.Store.Enabled {
		app.store, err = store.Open(ctx, store.Config{
			Driver:          cfg.Store.Driver,
			DSN:             cfg.Store.DSN,
			MaxConnections:  cfg.Store.MaxConnections,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime.Std(),
		})
		if err != nil {
			app.Cleanup()
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		opts = append(opts, engine.WithRecorder(app.store))
	}

	if cfg.Export.MinIO.Enabled {
		m := cfg.Export.MinIO
		app.uploader, err = export.NewUploader(ctx, export.UploaderConfig{
			Endpoint:        m.Endpoint,
			AccessKeyID:     m.AccessKeyID,
			SecretAccessKey: m.SecretAccessKey,
			UseSSL:          m.UseSSL,
			Bucket:          m.Bucket,
			Region:          m.Region,
			MaxRetries:      m.UploadRetries,
			RetryBackoff:    500 * time.Millisecond,
			RequestTimeout:  m.RequestTimeout.Std(),
		})
		if err != nil {
			// Exports still work locally
			app.logger.Warn("MinIO archive unavailable", zap.Error(err))
			app.uploader = nil
		}
	}

	app.engine = engine.New(duet, app.locator, app.bus, engineConfig(cfg), opts...)

	if cfg.API.Enabled {
		app.server = api.NewServer(api.ServerConfig{
			ListenAddr:   cfg.API.ListenAddr,
			CORSOrigins:  cfg.API.CORSOrigins,
			ReadTimeout:  cfg.API.ReadTimeout.Std(),
			WriteTimeout: cfg.API.WriteTimeout.Std(),
		}, app.apiDeps())
	}
	return app, nil
}

func engineConfig(cfg *config.Config) engine.Config {
	ctrl := calibration.DefaultControllerConfig()
	ctrl.CenteringTolerance = cfg.Calibration.CenteringTolerance
	ctrl.EndstopTolerance = cfg.Calibration.EndstopTolerance
	ctrl.AverageSamples = cfg.Calibration.AverageSamples
	ctrl.MaxCenteringMoves = cfg.Calibration.MaxCenteringMoves
	ctrl.CalibrationSpeed = cfg.Calibration.CalibrationSpeed
	ctrl.CenteringSpeed = cfg.Calibration.CenteringSpeed
	ctrl.IdleTimeout = cfg.Calibration.IdleTimeout.Std()

	return engine.Config{
		Width:        cfg.Camera.Width,
		Height:       cfg.Camera.Height,
		Gain:         cfg.Calibration.Gain,
		MaxCondition: cfg.Calibration.MaxCondition,
		Controller:   ctrl,
		Session: calibration.SessionConfig{
			TravelSpeed:    cfg.Calibration.TravelSpeed,
			ReuseTransform: cfg.Calibration.ReuseTransform,
		},
		PollInterval: cfg.Machine.PollInterval.Std(),
	}
}

func (app *Application) apiDeps() api.Deps {
	exporter := &api.Exporter{
		Dir:     app.config.Export.Dir,
		Printer: app.config.Export.Printer,
	}
	if app.uploader != nil {
		exporter.Archive = app.uploader
	}
	deps := api.Deps{
		Engine:    app.engine,
		Detection: app.locator,
		Camera:    app.camera,
		Bus:       app.bus,
		Exporter:  exporter,
	}
	if app.store != nil {
		deps.History = app.store
		deps.Health = app.store.HealthCheck
	}
	return deps
}

// connectMachine retries the controller login until connectTimeout.
func (app *Application) connectMachine(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = connectTimeout

	notify := func(err error, wait time.Duration) {
		app.logger.Warn("Controller not reachable, retrying",
			zap.String("url", app.config.Machine.BaseURL),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	if err := backoff.RetryNotify(func() error {
		return app.duet.Connect(ctx)
	}, backoff.WithContext(bo, ctx), notify); err != nil {
		return fmt.Errorf("failed to connect to controller: %w", err)
	}
	return nil
}

// Run serves the API and drives the engine until ctx is cancelled.
func (app *Application) Run(ctx context.Context) error {
	if app.server != nil {
		app.server.StartInBackground()
	}
	app.bus.Publish(events.Status("Ready"))

	err := app.engine.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if app.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := app.server.Shutdown(shutdownCtx); serr != nil {
			app.logger.Warn("API server shutdown failed", zap.Error(serr))
		}
	}
	return err
}

// Cleanup releases the camera, the detector and the database.
func (app *Application) Cleanup() {
	if app.locator != nil {
		app.locator.Close()
	}
	if app.camera != nil {
		app.camera.Close()
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			app.logger.Warn("Failed to close store", zap.Error(err))
		}
	}
}
