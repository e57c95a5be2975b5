// config.go: settings structs for the SODAV monitor and functions to load them.
package conf

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// CaptureSettings controls stream capture and termination analysis.
type CaptureSettings struct {
	MaxDuration             int     // safety ceiling for a single capture, seconds
	SilenceThreshold        float64 // RMS threshold relative to 16-bit peak, 0..1
	MinSilenceSeconds       float64 // cumulative silence before terminating
	SpectralChangeThreshold float64 // mean per-sample delta relative to 16-bit peak, 0..1
	ConnectTimeout          int     // stream connect timeout, seconds
	FfmpegPath              string  // path to ffmpeg, runtime value
}

// FeatureSettings controls feature extraction.
type FeatureSettings struct {
	FpcalcPath string // path to chromaprint fpcalc binary, empty disables chromaprint
	SampleRate int    // analysis sample rate for decoded PCM
}

// RecognizerSettings controls the external recognition chain.
type RecognizerSettings struct {
	Enabled         bool    // master switch for external detection
	AcoustIDEnabled bool    // enable AcoustID lookups
	AcoustIDAPIKey  string  // AcoustID client key
	AudDEnabled     bool    // enable AudD lookups
	AudDAPIKey      string  // AudD api token
	Timeout         int     // per-call timeout, seconds
	MinConfidence   float64 // acceptance floor for external envelopes
}

// TrackerSettings controls the play-duration tracker.
type TrackerSettings struct {
	MergeThresholdSeconds int // silence gap below which sessions merge
	MinDurationSeconds    int // detections shorter than this are excluded from stats
	InterruptedTTLSeconds int // how long interrupted entries are kept for resume
}

// MonitorSettings controls the station orchestrator.
type MonitorSettings struct {
	MaxConcurrent   int // stations processed in parallel per group
	IntervalSeconds int // target cycle interval
}

// DatabaseSettings selects and configures the datastore.
type DatabaseSettings struct {
	URL string // sqlite file path, or a mysql DSN of the form user:pass@tcp(host:port)/db
}

// TelemetrySettings contains settings for the Prometheus endpoint.
type TelemetrySettings struct {
	Enabled bool   // true to enable Prometheus compatible telemetry endpoint
	Listen  string // IP address and port to listen on
}

// LogSettings controls optional per-service file logging.
type LogSettings struct {
	Dir     string // directory for service log files, empty logs to console only
	MaxSize int64  // max size of a log file in bytes before rotation
}

// Settings is the root configuration value threaded through constructors.
type Settings struct {
	Debug bool // enable debug output

	Capture    CaptureSettings
	Features   FeatureSettings
	Recognizer RecognizerSettings
	Tracker    TrackerSettings
	Monitor    MonitorSettings
	Database   DatabaseSettings
	Telemetry  TelemetrySettings
	Log        LogSettings
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads configuration from defaults, an optional yaml file and the
// environment, in increasing order of precedence, and validates the result.
func Load() (*Settings, error) {
	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	settingsMutex.Lock()
	settingsInstance = settings
	settingsMutex.Unlock()

	return settings, nil
}

// Setting returns the settings loaded by the last successful Load call.
// Returns nil if Load has not been called.
func Setting() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	for _, path := range defaultConfigPaths() {
		viper.AddConfigPath(path)
	}

	setDefaultConfig()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("fatal error reading config file: %w", err)
		}
		// no config file is fine, defaults plus the environment carry the closed set
	}

	return nil
}

// bindEnvVars binds the closed set of environment variables of the core.
func bindEnvVars() {
	must(viper.BindEnv("recognizer.acoustidapikey", "ACOUSTID_API_KEY"))
	must(viper.BindEnv("recognizer.auddapikey", "AUDD_API_KEY"))
	must(viper.BindEnv("recognizer.auddenabled", "AUDD_ENABLED"))
	must(viper.BindEnv("recognizer.acoustidenabled", "ACOUSTID_ENABLED"))
	must(viper.BindEnv("recognizer.enabled", "EXTERNAL_DETECTION_ENABLED"))
	must(viper.BindEnv("database.url", "DATABASE_URL"))
	must(viper.BindEnv("monitor.maxconcurrent", "MAX_CONCURRENT"))
	must(viper.BindEnv("monitor.intervalseconds", "INTERVAL_SECONDS"))
	must(viper.BindEnv("features.fpcalcpath", "FPCALC_PATH"))
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// CaptureMaxDuration returns the capture ceiling as a duration.
func (s *Settings) CaptureMaxDuration() time.Duration {
	return time.Duration(s.Capture.MaxDuration) * time.Second
}

// CycleInterval returns the orchestrator cycle interval as a duration.
func (s *Settings) CycleInterval() time.Duration {
	return time.Duration(s.Monitor.IntervalSeconds) * time.Second
}

// RecognizerTimeout returns the per-call external recognizer timeout.
func (s *Settings) RecognizerTimeout() time.Duration {
	return time.Duration(s.Recognizer.Timeout) * time.Second
}
