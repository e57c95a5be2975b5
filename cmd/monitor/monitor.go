// Package monitor implements the monitor subcommand, the long-running
// monitoring service.
package monitor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/LordThiouk/sodav-monitor-sub003/internal/conf"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/datastore"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/logging"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/monitor"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// Command creates the monitor command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run monitoring cycles over all active stations",
		Long:  "Continuously captures every active station, identifies plays and updates statistics until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(settings)
		},
	}

	if err := setupFlags(cmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

func runMonitor(settings *conf.Settings) error {
	log := logging.ForService("MONITOR")

	ds := datastore.New(settings, nil)
	if err := ds.Open(); err != nil {
		return fmt.Errorf("failed to open datastore: %w", err)
	}
	defer func() {
		if err := ds.Close(); err != nil {
			log.Error("failed to close datastore", "error", err)
		}
	}()

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	endpoint := telemetry.NewEndpoint(settings, metrics, nil)
	endpoint.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := monitor.New(settings, ds, metrics, nil)
	if err := m.Run(ctx); err != nil {
		return err
	}

	// flush: finalize parked sessions and stop the metrics listener
	m.Tracker().CleanupInterrupted(0)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := endpoint.Shutdown(shutdownCtx); err != nil {
		log.Error("telemetry shutdown failed", "error", err)
	}

	log.Info("monitor shut down cleanly")
	return nil
}

// setupFlags configures flags specific to the monitor command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().IntVar(&settings.Monitor.IntervalSeconds, "interval", viper.GetInt("monitor.intervalseconds"), "Target cycle interval in seconds")
	cmd.Flags().IntVar(&settings.Monitor.MaxConcurrent, "maxconcurrent", viper.GetInt("monitor.maxconcurrent"), "Stations processed in parallel")
	cmd.Flags().IntVar(&settings.Capture.MaxDuration, "maxduration", viper.GetInt("capture.maxduration"), "Capture ceiling per station in seconds")
	cmd.Flags().StringVar(&settings.Capture.FfmpegPath, "ffmpeg", viper.GetString("capture.ffmpegpath"), "Path to the ffmpeg binary")
	cmd.Flags().StringVar(&settings.Features.FpcalcPath, "fpcalc", viper.GetString("features.fpcalcpath"), "Path to the chromaprint fpcalc binary, empty disables chromaprint")
	cmd.Flags().BoolVar(&settings.Telemetry.Enabled, "telemetry", viper.GetBool("telemetry.enabled"), "Enable Prometheus telemetry endpoint")
	cmd.Flags().StringVar(&settings.Telemetry.Listen, "listen", viper.GetString("telemetry.listen"), "Listen address and port of telemetry endpoint")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}
