// validate.go: sanity checks run after configuration is loaded.
package conf

import (
	"errors"
	"fmt"
)

// ValidateSettings checks the loaded settings for values the monitor cannot
// run with. Keys that merely disable a feature (missing API keys, empty
// fpcalc path) are not errors; the affected component is skipped at runtime.
func ValidateSettings(s *Settings) error {
	var errs []error

	if s.Capture.MaxDuration <= 0 {
		errs = append(errs, fmt.Errorf("capture.maxduration must be positive, got %d", s.Capture.MaxDuration))
	}
	if s.Capture.SilenceThreshold < 0 || s.Capture.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("capture.silencethreshold must be in [0,1], got %g", s.Capture.SilenceThreshold))
	}
	if s.Capture.SpectralChangeThreshold < 0 || s.Capture.SpectralChangeThreshold > 1 {
		errs = append(errs, fmt.Errorf("capture.spectralchangethreshold must be in [0,1], got %g", s.Capture.SpectralChangeThreshold))
	}
	if s.Features.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("features.samplerate must be positive, got %d", s.Features.SampleRate))
	}
	if s.Recognizer.MinConfidence < 0 || s.Recognizer.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("recognizer.minconfidence must be in [0,1], got %g", s.Recognizer.MinConfidence))
	}
	if s.Tracker.MergeThresholdSeconds < 0 {
		errs = append(errs, fmt.Errorf("tracker.mergethresholdseconds must not be negative, got %d", s.Tracker.MergeThresholdSeconds))
	}
	if s.Tracker.MinDurationSeconds < 0 {
		errs = append(errs, fmt.Errorf("tracker.mindurationseconds must not be negative, got %d", s.Tracker.MinDurationSeconds))
	}
	if s.Monitor.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("monitor.maxconcurrent must be positive, got %d", s.Monitor.MaxConcurrent))
	}
	if s.Monitor.IntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("monitor.intervalseconds must be positive, got %d", s.Monitor.IntervalSeconds))
	}
	if s.Database.URL == "" {
		errs = append(errs, errors.New("database.url must not be empty"))
	}

	return errors.Join(errs...)
}
