package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds all application configuration
type Config struct {
	Camera      CameraConfig      `yaml:"camera" json:"camera"`
	Detection   DetectionConfig   `yaml:"detection" json:"detection"`
	Calibration CalibrationConfig `yaml:"calibration" json:"calibration"`
	Machine     MachineConfig     `yaml:"machine" json:"machine"`
	API         APIConfig         `yaml:"api" json:"api"`
	Store       StoreConfig       `yaml:"store" json:"store"`
	Export      ExportConfig      `yaml:"export" json:"export"`
	Log         LogConfig         `yaml:"log" json:"log"`
}

// CameraConfig contains capture device settings
type CameraConfig struct {
	// Device is a device index ("0") or a path/URL understood by OpenCV
	Device     string `yaml:"device" json:"device"`
	Width      int    `yaml:"width" json:"width"`
	Height     int    `yaml:"height" json:"height"`
	BufferSize int    `yaml:"buffer_size" json:"buffer_size"`

	// Reopen attempts before the source reports no signal
	ReopenRetries  int      `yaml:"reopen_retries" json:"reopen_retries"`
	ReopenInterval Duration `yaml:"reopen_interval" json:"reopen_interval"`
}

// DetectionConfig selects the detector preset and preprocessing pipeline
type DetectionConfig struct {
	Preset    string `yaml:"preset" json:"preset"`       // standard, relaxed
	Algorithm string `yaml:"algorithm" json:"algorithm"` // adaptive, triangle
	XRay      bool   `yaml:"xray" json:"xray"`
	Crosshair bool   `yaml:"crosshair" json:"crosshair"`

	// How long polling may go without a circle before "no circle" is reported
	NoCircleAfter Duration `yaml:"no_circle_after" json:"no_circle_after"`
	JPEGQuality   int      `yaml:"jpeg_quality" json:"jpeg_quality"`
}

// CalibrationConfig contains the alignment loop tuning
type CalibrationConfig struct {
	Gain               float64 `yaml:"gain" json:"gain"`
	CenteringTolerance float64 `yaml:"centering_tolerance" json:"centering_tolerance"`
	EndstopTolerance   float64 `yaml:"endstop_tolerance" json:"endstop_tolerance"`
	AverageSamples     int     `yaml:"average_samples" json:"average_samples"`
	MaxCenteringMoves  int     `yaml:"max_centering_moves" json:"max_centering_moves"`
	MaxCondition       float64 `yaml:"max_condition" json:"max_condition"`
	ReuseTransform     bool    `yaml:"reuse_transform" json:"reuse_transform"`

	// IdleTimeout bounds the wait for a move to finish; 0 waits forever
	IdleTimeout Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// Feed rates in machine units per minute
	CalibrationSpeed float64 `yaml:"calibration_speed" json:"calibration_speed"`
	CenteringSpeed   float64 `yaml:"centering_speed" json:"centering_speed"`
	TravelSpeed      float64 `yaml:"travel_speed" json:"travel_speed"`
}

// MachineConfig points at the motion controller
type MachineConfig struct {
	BaseURL        string   `yaml:"base_url" json:"base_url"`
	Password       string   `yaml:"password" json:"password"`
	RequestTimeout Duration `yaml:"request_timeout" json:"request_timeout"`
	MaxRetries     int      `yaml:"max_retries" json:"max_retries"`
	PollInterval   Duration `yaml:"poll_interval" json:"poll_interval"`
}

// APIConfig contains API server configuration
type APIConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	ListenAddr   string   `yaml:"listen_addr" json:"listen_addr"`
	CORSOrigins  []string `yaml:"cors_origins" json:"cors_origins"`
	ReadTimeout  Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout" json:"write_timeout"`
}

// StoreConfig selects the calibration history database
type StoreConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Driver  string `yaml:"driver" json:"driver"` // sqlite3, postgres
	DSN     string `yaml:"dsn" json:"dsn"`

	MaxConnections  int      `yaml:"max_connections" json:"max_connections"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// ExportConfig contains result export settings
type ExportConfig struct {
	Dir     string      `yaml:"dir" json:"dir"`
	Printer string      `yaml:"printer" json:"printer"`
	MinIO   MinIOConfig `yaml:"minio" json:"minio"`
}

// MinIOConfig contains MinIO-specific configuration
type MinIOConfig struct {
	Enabled         bool     `yaml:"enabled" json:"enabled"`
	Endpoint        string   `yaml:"endpoint" json:"endpoint"`
	AccessKeyID     string   `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string   `yaml:"secret_access_key" json:"secret_access_key"`
	UseSSL          bool     `yaml:"use_ssl" json:"use_ssl"`
	Bucket          string   `yaml:"bucket" json:"bucket"`
	Region          string   `yaml:"region" json:"region"`
	UploadRetries   int      `yaml:"upload_retries" json:"upload_retries"`
	RequestTimeout  Duration `yaml:"request_timeout" json:"request_timeout"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level            string   `yaml:"level" json:"level"`
	Format           string   `yaml:"format" json:"format"` // json, console
	OutputPaths      []string `yaml:"output_paths" json:"output_paths"`
	ErrorOutputPaths []string `yaml:"error_output_paths" json:"error_output_paths"`

	// Sampling
	EnableSampling  bool `yaml:"enable_sampling" json:"enable_sampling"`
	SamplingInitial int  `yaml:"sampling_initial" json:"sampling_initial"`
	SamplingAfter   int  `yaml:"sampling_after" json:"sampling_after"`
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Camera: CameraConfig{
			Device:         "0",
			Width:          640,
			Height:         480,
			BufferSize:     1,
			ReopenRetries:  5,
			ReopenInterval: Duration(250 * time.Millisecond),
		},
		Detection: DetectionConfig{
			Preset:        "standard",
			Algorithm:     "adaptive",
			Crosshair:     true,
			NoCircleAfter: Duration(25 * time.Millisecond),
			JPEGQuality:   80,
		},
		Calibration: CalibrationConfig{
			Gain:               0.55,
			CenteringTolerance: 0,
			EndstopTolerance:   0.05,
			AverageSamples:     5,
			MaxCenteringMoves:  40,
			MaxCondition:       1e10,
			IdleTimeout:        Duration(5 * time.Minute),
			CalibrationSpeed:   3000,
			CenteringSpeed:     1000,
			TravelSpeed:        6000,
		},
		Machine: MachineConfig{
			BaseURL:        "http://localhost",
			RequestTimeout: Duration(5 * time.Second),
			MaxRetries:     3,
			PollInterval:   Duration(50 * time.Millisecond),
		},
		API: APIConfig{
			Enabled:      true,
			ListenAddr:   "localhost:8090",
			ReadTimeout:  Duration(15 * time.Second),
			WriteTimeout: Duration(15 * time.Second),
		},
		Store: StoreConfig{
			Enabled:         true,
			Driver:          "sqlite3",
			DSN:             "toolalign.db",
			MaxConnections:  1,
			ConnMaxLifetime: Duration(5 * time.Minute),
		},
		Export: ExportConfig{
			Dir:     "exports",
			Printer: "printer",
			MinIO: MinIOConfig{
				Endpoint:       "localhost:9000",
				Bucket:         "toolalign",
				Region:         "us-east-1",
				UploadRetries:  3,
				RequestTimeout: Duration(30 * time.Second),
			},
		},
		Log: LogConfig{
			Level:           "info",
			Format:          "console",
			OutputPaths:     []string{"stderr"},
			SamplingInitial: 100,
			SamplingAfter:   100,
		},
	}
}

// Load reads a JSON configuration file over the defaults. Fields missing
// from the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Duration is a time.Duration that reads and writes as a Go duration
// string ("250ms", "5s") in configuration files.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration: %s", string(b))
	}
}

// SecretResolver turns a stored secret into its plaintext.
type SecretResolver interface {
	Resolve(v string) (string, error)
}

// ResolveSecrets replaces sealed secrets in cfg with their plaintext.
func (c *Config) ResolveSecrets(r SecretResolver) error {
	secrets := []struct {
		name string
		v    *string
	}{
		{"machine.password", &c.Machine.Password},
		{"store.dsn", &c.Store.DSN},
		{"export.minio.access_key_id", &c.Export.MinIO.AccessKeyID},
		{"export.minio.secret_access_key", &c.Export.MinIO.SecretAccessKey},
	}
	for _, s := range secrets {
		plain, err := r.Resolve(*s.v)
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		*s.v = plain
	}
	return nil
}
