// Package cmd assembles the command line interface of the monitor.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	monitorcmd "github.com/LordThiouk/sodav-monitor-sub003/cmd/monitor"
	stationscmd "github.com/LordThiouk/sodav-monitor-sub003/cmd/stations"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/conf"
)

// RootCommand creates and returns the root command.
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sodav-monitor",
		Short: "SODAV radio broadcast monitor",
		Long:  "Monitors radio streams, identifies music plays and accumulates royalty statistics.",
	}

	setupFlags(rootCmd, settings)

	rootCmd.AddCommand(
		monitorcmd.Command(settings),
		stationscmd.Command(settings),
	)

	return rootCmd
}

// setupFlags configures the global flags for the root command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) {
	cmd.PersistentFlags().BoolVar(&settings.Debug, "debug", viper.GetBool("debug"), "Enable debug output")
	cmd.PersistentFlags().StringVar(&settings.Database.URL, "database", viper.GetString("database.url"),
		"SQLite file path or MySQL DSN (user:pass@tcp(host:port)/db)")

	if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
		cobra.CheckErr(fmt.Errorf("error binding flags: %w", err))
	}
}
