// Package stations implements the stations subcommand for managing the
// monitored station list.
package stations

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/LordThiouk/sodav-monitor-sub003/internal/conf"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/datastore"
)

// Command creates the stations command with its subcommands.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stations",
		Short: "Manage monitored radio stations",
	}

	cmd.AddCommand(
		listCommand(settings),
		addCommand(settings),
		setStatusCommand(settings),
		reportCommand(settings),
	)

	return cmd
}

func withDatastore(settings *conf.Settings, fn func(ds datastore.Interface) error) error {
	ds := datastore.New(settings, nil)
	if err := ds.Open(); err != nil {
		return fmt.Errorf("failed to open datastore: %w", err)
	}
	defer func() { _ = ds.Close() }()
	return fn(ds)
}

func listCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all stations and their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatastore(settings, func(ds datastore.Interface) error {
				stations, err := ds.GetAllStations()
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSTATUS\tFAILURES\tSTREAM URL")
				for i := range stations {
					s := &stations[i]
					fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n",
						s.ID, s.Name, s.Status, s.FailureCount, s.StreamURL)
				}
				return w.Flush()
			})
		},
	}
}

func addCommand(settings *conf.Settings) *cobra.Command {
	var (
		name     string
		url      string
		country  string
		language string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a station to the monitored list",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || url == "" {
				return fmt.Errorf("both --name and --url are required")
			}
			return withDatastore(settings, func(ds datastore.Interface) error {
				station := &datastore.RadioStation{
					Name:      name,
					StreamURL: url,
					Country:   country,
					Language:  language,
					Status:    datastore.StationActive,
				}
				if err := ds.SaveStation(station); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added station %d: %s\n", station.ID, station.Name)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Station name, unique")
	cmd.Flags().StringVar(&url, "url", "", "Stream URL")
	cmd.Flags().StringVar(&country, "country", "SN", "Station country code")
	cmd.Flags().StringVar(&language, "language", "", "Primary broadcast language")

	return cmd
}

func reportCommand(settings *conf.Settings) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print play statistics per station and the most played tracks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatastore(settings, func(ds datastore.Interface) error {
				summaries, err := ds.GetStationSummaries()
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
				fmt.Fprintln(w, "STATION\tSTATUS\tDETECTIONS\tLAST DETECTED")
				for i := range summaries {
					s := &summaries[i]
					last := "-"
					if !s.LastDetected.IsZero() {
						last = s.LastDetected.Format("2006-01-02 15:04")
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Name, s.Status, s.DetectionCount, last)
				}
				if err := w.Flush(); err != nil {
					return err
				}

				tracks, err := ds.GetTopTracks(limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout())
				w = tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
				fmt.Fprintln(w, "TRACK\tARTIST\tISRC\tPLAYS\tPLAY TIME")
				for i := range tracks {
					tr := &tracks[i]
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
						tr.Title, tr.ArtistName, tr.ISRC, tr.TotalPlays,
						tr.TotalPlayTime.Round(time.Second))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of top tracks to show")

	return cmd
}

func setStatusCommand(settings *conf.Settings) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "set-status <station-id>",
		Short: "Change a station's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id uint
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("invalid station id %q", args[0])
			}
			next := datastore.StationStatus(status)
			switch next {
			case datastore.StationActive, datastore.StationInactive,
				datastore.StationError, datastore.StationMaintenance:
			default:
				return fmt.Errorf("unknown status %q", status)
			}
			return withDatastore(settings, func(ds datastore.Interface) error {
				station, err := ds.GetStation(id)
				if err != nil {
					return err
				}
				if station == nil {
					return fmt.Errorf("no station with id %d", id)
				}
				station.Status = next
				if next == datastore.StationActive {
					station.FailureCount = 0
				}
				if err := ds.UpdateStation(station); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "station %d is now %s\n", station.ID, station.Status)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", string(datastore.StationActive), "New status: active, inactive, error or maintenance")

	return cmd
}
