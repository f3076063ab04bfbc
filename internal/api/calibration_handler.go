package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/toolalign/internal/calibration"
	"github.com/mikeyg42/toolalign/internal/engine"
	"github.com/mikeyg42/toolalign/internal/export"
	"github.com/mikeyg42/toolalign/internal/machine"
)

// Engine is the part of the alignment engine the handlers drive.
type Engine interface {
	Status() engine.Status
	StartCalibration(tools []int, cycles int) error
	StartAutoCP() error
	Stop()
	StartDetection() error
	StopDetection() error
	ControlPoint() *machine.Coordinates
	CaptureControlPoint(ctx context.Context) (machine.Coordinates, error)
	CaptureOffset(ctx context.Context, tool int) (calibration.ToolOffsetResult, error)
	ApplyResults(ctx context.Context, save bool) ([]calibration.ToolOffsetResult, error)
	Results() *calibration.ResultsList
}

// Archiver uploads a finished export file and returns its object key.
type Archiver interface {
	UploadFile(ctx context.Context, file string) (string, error)
}

// Exporter writes the result log to disk and optionally archives it.
type Exporter struct {
	Dir     string
	Printer string
	Archive Archiver

	now func() time.Time
}

// ExportResult describes a written export.
type ExportResult struct {
	Path      string `json:"path"`
	ObjectKey string `json:"object_key,omitempty"`
	Records   int    `json:"records"`
	// ArchiveError is set when the local file was written but the upload
	// failed.
	ArchiveError string `json:"archive_error,omitempty"`
}

// Export writes results. Archive failures do not fail the export.
func (x *Exporter) Export(ctx context.Context, results []calibration.ToolOffsetResult) (ExportResult, error) {
	now := time.Now
	if x.now != nil {
		now = x.now
	}
	path, err := export.WriteFile(x.Dir, x.Printer, results, now())
	if err != nil {
		return ExportResult{}, err
	}
	res := ExportResult{Path: path, Records: len(results)}
	if x.Archive != nil {
		key, err := x.Archive.UploadFile(ctx, path)
		if err != nil {
			zap.L().Warn("Export archive failed", zap.String("path", path), zap.Error(err))
			res.ArchiveError = err.Error()
		} else {
			res.ObjectKey = key
		}
	}
	return res, nil
}

// CalibrationHandler handles calibration and control point requests
type CalibrationHandler struct {
	engine   Engine
	exporter *Exporter
	logger   *zap.Logger
}

// NewCalibrationHandler creates a new calibration handler
func NewCalibrationHandler(e Engine, exporter *Exporter) *CalibrationHandler {
	return &CalibrationHandler{
		engine:   e,
		exporter: exporter,
		logger:   zap.L().Named("api.calibration"),
	}
}

// RegisterRoutes registers calibration routes. Requests that move the
// machine go through limit.
func (h *CalibrationHandler) RegisterRoutes(mux *http.ServeMux, limit *RateLimiter) {
	mux.HandleFunc("/api/calibration/start", limit.Wrap(h.StartCalibration))
	mux.HandleFunc("/api/calibration/stop", h.StopCalibration)
	mux.HandleFunc("/api/calibration/status", h.GetStatus)
	mux.HandleFunc("/api/calibration/results", h.Results)
	mux.HandleFunc("/api/calibration/stats", h.GetStats)
	mux.HandleFunc("/api/calibration/export", h.Export)
	mux.HandleFunc("/api/calibration/apply", limit.Wrap(h.Apply))
	mux.HandleFunc("/api/calibration/offset", limit.Wrap(h.CaptureOffset))
	mux.HandleFunc("/api/controlpoint", h.GetControlPoint)
	mux.HandleFunc("/api/controlpoint/auto", limit.Wrap(h.AutoControlPoint))
	mux.HandleFunc("/api/controlpoint/capture", h.CaptureControlPoint)
}

type startRequest struct {
	Tools  []int `json:"tools"`
	Cycles int   `json:"cycles"`
}

// StartCalibration queues a calibration session
func (h *CalibrationHandler) StartCalibration(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	req := startRequest{Cycles: 1}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.engine.StartCalibration(req.Tools, req.Cycles); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	h.logger.Info("Calibration requested", zap.Ints("tools", req.Tools), zap.Int("cycles", req.Cycles))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": "Calibration started",
	})
}

// StopCalibration aborts whatever the engine is doing
func (h *CalibrationHandler) StopCalibration(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	h.engine.Stop()
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Stop requested",
	})
}

// GetStatus returns the engine status
func (h *CalibrationHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// Results lists (GET) or clears (DELETE) the session result log
func (h *CalibrationHandler) Results(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodDelete) {
		return
	}
	if r.Method == http.MethodDelete {
		if h.engine.Status().Mode == engine.ModeCalibrating {
			writeError(w, http.StatusConflict, engine.ErrBusy)
			return
		}
		h.engine.Results().Reset()
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Results cleared"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": h.engine.Results().All()})
}

// GetStats returns per-tool repeatability across cycles
func (h *CalibrationHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": calibration.Stats(h.engine.Results().All())})
}

// Export writes the result log to the export directory
func (h *CalibrationHandler) Export(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if h.exporter == nil {
		writeError(w, http.StatusNotImplemented, errors.New("export is not configured"))
		return
	}
	res, err := h.exporter.Export(r.Context(), h.engine.Results().All())
	if err != nil {
		h.logger.Error("Export failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.logger.Info("Results exported", zap.String("path", res.Path), zap.Int("records", res.Records))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "export": res})
}

type applyRequest struct {
	Save bool `json:"save"`
}

// Apply re-sends the latest offset of every tool to the machine
func (h *CalibrationHandler) Apply(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req applyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	applied, err := h.engine.ApplyResults(r.Context(), req.Save)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "applied": applied, "saved": req.Save})
}

type offsetRequest struct {
	Tool *int `json:"tool"`
}

// CaptureOffset computes the offset of a tool the operator centered by hand
func (h *CalibrationHandler) CaptureOffset(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req offsetRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Tool == nil || *req.Tool < 0 {
		writeError(w, http.StatusBadRequest, errors.New("tool is required"))
		return
	}
	res, err := h.engine.CaptureOffset(r.Context(), *req.Tool)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": res})
}

// GetControlPoint returns the control point, 404 when unset
func (h *CalibrationHandler) GetControlPoint(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	cp := h.engine.ControlPoint()
	if cp == nil {
		writeError(w, http.StatusNotFound, calibration.ErrNoControlPoint)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"control_point": cp})
}

// AutoControlPoint queues an endstop capture
func (h *CalibrationHandler) AutoControlPoint(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.engine.StartAutoCP(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "message": "Control point capture started"})
}

// CaptureControlPoint takes the current machine position as control point
func (h *CalibrationHandler) CaptureControlPoint(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	cp, err := h.engine.CaptureControlPoint(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "control_point": cp})
}

// statusFor maps engine and machine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, calibration.ErrNoControlPoint), errors.Is(err, calibration.ErrNoResults):
		return http.StatusPreconditionFailed
	case errors.Is(err, machine.ErrNotHomed):
		return http.StatusPreconditionFailed
	case errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
