package validate

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mikeyg42/toolalign/internal/config"
)

// -----------------------------------------------------------------------------
// Top-level full-config validation
// -----------------------------------------------------------------------------

type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// ValidateConfig delegates to per-section validators.
func ValidateConfig(cfg *config.Config) error {
	v := &Validator{}

	validateCameraConfig(v, &cfg.Camera)
	validateDetectionConfig(v, &cfg.Detection)
	validateCalibrationConfig(v, &cfg.Calibration)
	validateMachineConfig(v, &cfg.Machine)
	validateAPIConfig(v, &cfg.API)
	validateStoreConfig(v, &cfg.Store)
	validateExportConfig(v, &cfg.Export)
	validateLogConfig(v, &cfg.Log)

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Sections
// -----------------------------------------------------------------------------

func validateCameraConfig(v *Validator, cfg *config.CameraConfig) {
	if strings.TrimSpace(cfg.Device) == "" {
		v.AddError("camera device cannot be empty")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		v.AddError("invalid camera dimensions: width=%d height=%d", cfg.Width, cfg.Height)
		return
	}
	if cfg.Width > 4096 || cfg.Height > 4096 {
		v.AddError("camera dimensions too large: %dx%d (max 4096x4096)", cfg.Width, cfg.Height)
	}
	aspect := float64(cfg.Width) / float64(cfg.Height)
	if aspect < 0.5 || aspect > 3.0 {
		v.AddError("unusual aspect ratio: %dx%d (%.2f)", cfg.Width, cfg.Height, aspect)
	}
	if cfg.BufferSize < 0 {
		v.AddError("camera buffer size cannot be negative")
	}
	if cfg.ReopenRetries < 0 {
		v.AddError("camera reopen retries cannot be negative")
	}
}

func validateDetectionConfig(v *Validator, cfg *config.DetectionConfig) {
	switch cfg.Preset {
	case "standard", "relaxed":
	default:
		v.AddError("invalid detection preset: %s (must be 'standard' or 'relaxed')", cfg.Preset)
	}
	switch cfg.Algorithm {
	case "adaptive", "triangle":
	default:
		v.AddError("invalid detection algorithm: %s (must be 'adaptive' or 'triangle')", cfg.Algorithm)
	}
	if cfg.NoCircleAfter.Std() < 0 {
		v.AddError("no-circle delay cannot be negative")
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		v.AddError("jpeg quality must be 1..100")
	}
}

func validateCalibrationConfig(v *Validator, cfg *config.CalibrationConfig) {
	if cfg.Gain <= 0 || cfg.Gain > 1 {
		v.AddError("calibration gain must be in (0, 1]: %g", cfg.Gain)
	}
	if cfg.CenteringTolerance < 0 {
		v.AddError("centering tolerance cannot be negative")
	}
	if cfg.EndstopTolerance < 0 {
		v.AddError("endstop tolerance cannot be negative")
	}
	if cfg.AverageSamples < 1 {
		v.AddError("average samples must be >= 1")
	}
	if cfg.MaxCenteringMoves < 1 {
		v.AddError("max centering moves must be >= 1")
	}
	if cfg.IdleTimeout.Std() < 0 {
		v.AddError("idle timeout cannot be negative")
	}
	if cfg.MaxCondition <= 1 {
		v.AddError("max condition number must be > 1")
	}
	if cfg.CalibrationSpeed <= 0 || cfg.CenteringSpeed <= 0 || cfg.TravelSpeed <= 0 {
		v.AddError("move speeds must be positive")
	}
}

func validateMachineConfig(v *Validator, cfg *config.MachineConfig) {
	if !isValidURL(cfg.BaseURL) {
		v.AddError("invalid machine base URL: %s", cfg.BaseURL)
	} else if u, err := url.Parse(cfg.BaseURL); err != nil || u.Host == "" {
		v.AddError("machine base URL has no host: %s", cfg.BaseURL)
	}
	if cfg.RequestTimeout.Std() < 100*time.Millisecond {
		v.AddError("machine request timeout too short (min 100ms)")
	}
	if cfg.MaxRetries < 0 {
		v.AddError("machine max retries cannot be negative")
	}
	if cfg.PollInterval.Std() <= 0 {
		v.AddError("machine poll interval must be positive")
	}
}

func validateAPIConfig(v *Validator, cfg *config.APIConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.ListenAddr == "" {
		v.AddError("API address cannot be empty")
		return
	}
	host, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		v.AddError("API address must be host:port: %v", err)
		return
	}
	if host != "" && host != "localhost" {
		if ip := net.ParseIP(host); ip == nil && !isValidHostname(host) {
			v.AddError("invalid hostname in API address: %s", host)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		v.AddError("invalid port in API address: %s", portStr)
	}
}

func validateStoreConfig(v *Validator, cfg *config.StoreConfig) {
	if !cfg.Enabled {
		return
	}
	switch cfg.Driver {
	case "sqlite3", "postgres":
	default:
		v.AddError("invalid store driver: %s (must be 'sqlite3' or 'postgres')", cfg.Driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		v.AddError("store DSN cannot be empty")
	}
	if cfg.MaxConnections < 1 {
		v.AddError("store max connections must be >= 1")
	}
}

func validateExportConfig(v *Validator, cfg *config.ExportConfig) {
	if !isValidDirectoryPath(cfg.Dir) {
		v.AddError("invalid export directory: %s", cfg.Dir)
	}
	if !cfg.MinIO.Enabled {
		return
	}
	if cfg.MinIO.Endpoint == "" {
		v.AddError("MinIO endpoint is required when archive upload is enabled")
	}
	if cfg.MinIO.Bucket == "" {
		v.AddError("MinIO bucket is required when archive upload is enabled")
	}
	if cfg.MinIO.AccessKeyID == "" || cfg.MinIO.SecretAccessKey == "" {
		v.AddError("MinIO credentials are required when archive upload is enabled")
	}
	if cfg.MinIO.UploadRetries < 0 {
		v.AddError("MinIO upload retries cannot be negative")
	}
}

func validateLogConfig(v *Validator, cfg *config.LogConfig) {
	switch strings.ToLower(cfg.Level) {
	case "debug", "info", "warn", "error":
	default:
		v.AddError("invalid log level: %s", cfg.Level)
	}
	switch cfg.Format {
	case "json", "console":
	default:
		v.AddError("invalid log format: %s (must be 'json' or 'console')", cfg.Format)
	}
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

var hostnameLabel = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?$`)

func isValidURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	for _, l := range strings.Split(hostname, ".") {
		if !hostnameLabel.MatchString(l) {
			return false
		}
	}
	return true
}

func isValidDirectoryPath(path string) bool {
	if path == "" {
		return false
	}
	clean := filepath.Clean(path)
	return clean != "" && !strings.Contains(path, "\x00") && !strings.HasPrefix(clean, "..")
}
