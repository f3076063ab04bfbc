package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mikeyg42/toolalign/internal/frame"
	"github.com/mikeyg42/toolalign/internal/locator"
	"github.com/mikeyg42/toolalign/internal/vision"
)

// Detection exposes the runtime detector settings.
type Detection interface {
	Settings() locator.Settings
	SetPreset(name string) error
	SetAlgorithm(name string) error
	SetXRay(on bool)
	SetCrosshair(on bool)
}

// Camera exposes the capture device image controls.
type Camera interface {
	GetProperties() (frame.Properties, error)
	SetProperties(p frame.Properties) error
	ResetProperties() error
}

// DetectionHandler handles free-run detection, detector settings and
// camera controls
type DetectionHandler struct {
	engine    Engine
	detection Detection
	camera    Camera
	logger    *zap.Logger
}

// NewDetectionHandler creates a new detection handler. camera may be nil.
func NewDetectionHandler(e Engine, d Detection, camera Camera) *DetectionHandler {
	return &DetectionHandler{
		engine:    e,
		detection: d,
		camera:    camera,
		logger:    zap.L().Named("api.detection"),
	}
}

// RegisterRoutes registers detection routes
func (h *DetectionHandler) RegisterRoutes(mux *http.ServeMux, limit *RateLimiter) {
	mux.HandleFunc("/api/detection/start", limit.Wrap(h.Start))
	mux.HandleFunc("/api/detection/stop", h.Stop)
	mux.HandleFunc("/api/detection/settings", h.Settings)
	mux.HandleFunc("/api/camera/properties", h.CameraProperties)
}

// Start switches the engine to free-run detection
func (h *DetectionHandler) Start(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.engine.StartDetection(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Detection started"})
}

// Stop returns from free-run detection to idle
func (h *DetectionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.engine.StopDetection(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Detection stopped"})
}

// settingsRequest carries partial updates; nil fields are left alone.
type settingsRequest struct {
	Preset    *string `json:"preset"`
	Algorithm *string `json:"algorithm"`
	XRay      *bool   `json:"xray"`
	Crosshair *bool   `json:"crosshair"`
}

// Settings returns (GET) or updates (POST) the detector settings
func (h *DetectionHandler) Settings(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, h.detection.Settings())
		return
	}

	var req settingsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// Validate both names before changing anything
	if req.Preset != nil {
		if _, err := vision.Preset(*req.Preset); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.Algorithm != nil {
		if _, err := vision.ParseAlgorithm(*req.Algorithm); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.Preset != nil {
		if err := h.detection.SetPreset(*req.Preset); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.Algorithm != nil {
		if err := h.detection.SetAlgorithm(*req.Algorithm); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.XRay != nil {
		h.detection.SetXRay(*req.XRay)
	}
	if req.Crosshair != nil {
		h.detection.SetCrosshair(*req.Crosshair)
	}

	settings := h.detection.Settings()
	h.logger.Info("Detection settings updated",
		zap.String("preset", settings.Preset),
		zap.String("algorithm", string(settings.Algorithm)),
		zap.Bool("xray", settings.XRay),
		zap.Bool("crosshair", settings.Crosshair))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "settings": settings})
}

type propertiesRequest struct {
	frame.Properties
	Reset bool `json:"reset"`
}

// CameraProperties reads (GET), sets or resets (POST) the image controls
func (h *DetectionHandler) CameraProperties(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if h.camera == nil {
		writeError(w, http.StatusNotImplemented, errors.New("camera controls are not available"))
		return
	}

	if r.Method == http.MethodPost {
		var req propertiesRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var err error
		if req.Reset {
			err = h.camera.ResetProperties()
		} else {
			err = h.camera.SetProperties(req.Properties)
		}
		if err != nil {
			writeError(w, cameraStatus(err), err)
			return
		}
	}

	props, err := h.camera.GetProperties()
	if err != nil {
		writeError(w, cameraStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "properties": props})
}

func cameraStatus(err error) int {
	if errors.Is(err, frame.ErrNoSignal) || errors.Is(err, frame.ErrClosed) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
