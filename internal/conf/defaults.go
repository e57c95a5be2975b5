// defaults.go: viper defaults for all settings.
package conf

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// setDefaultConfig sets the default values for all configuration keys.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	// capture
	viper.SetDefault("capture.maxduration", 180)
	viper.SetDefault("capture.silencethreshold", 0.01)
	viper.SetDefault("capture.minsilenceseconds", 3.0)
	viper.SetDefault("capture.spectralchangethreshold", 0.25)
	viper.SetDefault("capture.connecttimeout", 10)
	viper.SetDefault("capture.ffmpegpath", "ffmpeg")

	// features
	viper.SetDefault("features.fpcalcpath", "")
	viper.SetDefault("features.samplerate", 22050)

	// recognizer
	viper.SetDefault("recognizer.enabled", true)
	viper.SetDefault("recognizer.acoustidenabled", true)
	viper.SetDefault("recognizer.acoustidapikey", "")
	viper.SetDefault("recognizer.auddenabled", true)
	viper.SetDefault("recognizer.auddapikey", "")
	viper.SetDefault("recognizer.timeout", 10)
	viper.SetDefault("recognizer.minconfidence", 0.7)

	// tracker
	viper.SetDefault("tracker.mergethresholdseconds", 10)
	viper.SetDefault("tracker.mindurationseconds", 5)
	viper.SetDefault("tracker.interruptedttlseconds", 60)

	// monitor
	viper.SetDefault("monitor.maxconcurrent", 5)
	viper.SetDefault("monitor.intervalseconds", 60)

	// database
	viper.SetDefault("database.url", "sodav.db")

	// telemetry
	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.listen", "0.0.0.0:8090")

	// logging
	viper.SetDefault("log.dir", "")
	viper.SetDefault("log.maxsize", int64(100*1024*1024))
}

// defaultConfigPaths returns the directories searched for config.yaml.
func defaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "sodav-monitor"))
	}
	paths = append(paths, "/etc/sodav-monitor")
	return paths
}
