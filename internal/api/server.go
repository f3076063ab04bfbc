// Package api provides the HTTP control surface and the websocket event
// stream used by a host UI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/toolalign/internal/events"
)

// ServerConfig contains listener settings
type ServerConfig struct {
	ListenAddr   string
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Deps are the components the handlers drive. Camera, Bus, History,
// Exporter and Health are optional.
type Deps struct {
	Engine    Engine
	Detection Detection
	Camera    Camera
	Bus       *events.Bus
	History   History
	Exporter  *Exporter
	Health    func(ctx context.Context) error
}

// Server is an HTTP API server
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	limiter    *RateLimiter
	logger     *zap.Logger
}

// NewServer creates a new API server
func NewServer(cfg ServerConfig, deps Deps) *Server {
	mux := http.NewServeMux()
	logger := zap.L().Named("api")

	// Machine-driving requests are rate limited per client
	controlLimiter := NewRateLimiter(60, time.Minute)

	calibrationHandler := NewCalibrationHandler(deps.Engine, deps.Exporter)
	calibrationHandler.RegisterRoutes(mux, controlLimiter)

	detectionHandler := NewDetectionHandler(deps.Engine, deps.Detection, deps.Camera)
	detectionHandler.RegisterRoutes(mux, controlLimiter)

	if deps.History != nil {
		NewHistoryHandler(deps.History).RegisterRoutes(mux)
	} else {
		logger.Info("History endpoints disabled (no store)")
	}

	if deps.Bus != nil {
		mux.Handle("/ws", NewEventStream(deps.Bus, cfg.CORSOrigins))
	}

	// Health check endpoint
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{"status": "ok", "mode": deps.Engine.Status().Mode}
		if deps.Bus != nil {
			status["events"] = deps.Bus.GetStats()
		}
		code := http.StatusOK
		if deps.Health != nil {
			if err := deps.Health(r.Context()); err != nil {
				status["status"] = "degraded"
				status["error"] = err.Error()
				code = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, code, status)
	})

	handler := corsMiddleware(cfg.CORSOrigins, mux)

	return &Server{
		httpServer: &http.Server{
			Addr:           cfg.ListenAddr,
			Handler:        handler,
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			MaxHeaderBytes: 1 << 20, // 1 MB
		},
		mux:     mux,
		limiter: controlLimiter,
		logger:  logger,
	}
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// corsMiddleware adds CORS headers for whitelisted origins
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowedOrigins := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowedOrigins[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Vary", "Origin")
		}

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	s.limiter.Close()
	return s.httpServer.Shutdown(ctx)
}

// StartInBackground starts the server in a goroutine
func (s *Server) StartInBackground() {
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"success": false, "error": err.Error()})
}

// decodeBody reads a JSON request body into v. An empty body leaves v
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	return false
}
