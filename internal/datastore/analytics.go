// internal/datastore/analytics.go
package datastore

import (
	"fmt"
	"time"
)

// TrackSummaryData contains aggregate statistics for one track.
type TrackSummaryData struct {
	TrackID       uint
	Title         string
	ArtistName    string
	ISRC          string
	TotalPlays    int64
	TotalPlayTime time.Duration
	LastDetected  time.Time
	AvgConfidence float64
}

// StationSummaryData contains aggregate statistics for one station.
type StationSummaryData struct {
	StationID      uint
	Name           string
	Status         StationStatus
	DetectionCount int64
	LastDetected   time.Time
	AvgConfidence  float64
}

// HourlyDetectionData represents detection counts for one track by hour of
// day.
type HourlyDetectionData struct {
	Hour  int
	Count int64
}

// GetTopTracks returns the most played tracks ordered by total plays.
func (ds *DataStore) GetTopTracks(limit int) ([]TrackSummaryData, error) {
	if limit <= 0 {
		limit = 20
	}

	var summaries []TrackSummaryData
	err := ds.DB.Table("track_stats").
		Select("track_stats.track_id, tracks.title, artists.name as artist_name, tracks.isrc, "+
			"track_stats.total_plays, track_stats.total_play_time, "+
			"track_stats.last_detected, track_stats.avg_confidence").
		Joins("INNER JOIN tracks ON tracks.id = track_stats.track_id").
		Joins("INNER JOIN artists ON artists.id = tracks.artist_id").
		Order("track_stats.total_plays DESC").
		Limit(limit).
		Scan(&summaries).Error
	if err != nil {
		return nil, fmt.Errorf("error getting top tracks: %w", err)
	}
	return summaries, nil
}

// GetStationSummaries returns per-station detection totals.
func (ds *DataStore) GetStationSummaries() ([]StationSummaryData, error) {
	var summaries []StationSummaryData
	err := ds.DB.Table("radio_stations").
		Select("radio_stations.id as station_id, radio_stations.name, radio_stations.status, " +
			"COALESCE(station_stats.detection_count, 0) as detection_count, " +
			"station_stats.last_detected, COALESCE(station_stats.avg_confidence, 0) as avg_confidence").
		Joins("LEFT JOIN station_stats ON station_stats.station_id = radio_stations.id").
		Order("detection_count DESC").
		Scan(&summaries).Error
	if err != nil {
		return nil, fmt.Errorf("error getting station summaries: %w", err)
	}
	return summaries, nil
}

// GetTrackHourlyCounts returns the hourly detection histogram for one track
// between from and to.
func (ds *DataStore) GetTrackHourlyCounts(trackID uint, from, to time.Time) ([]HourlyDetectionData, error) {
	var rows []HourlyDetectionData
	err := ds.DB.Model(&TrackDetection{}).
		Select(fmt.Sprintf("%s as hour, COUNT(*) as count", ds.hourBucketExpr("detected_at"))).
		Where("track_id = ? AND detected_at >= ? AND detected_at < ?", trackID, from, to).
		Group("hour").
		Order("hour ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("error getting hourly counts for track %d: %w", trackID, err)
	}
	return rows, nil
}

// hourBucketExpr returns the database-specific SQL fragment extracting the
// hour of day from a timestamp column.
func (ds *DataStore) hourBucketExpr(column string) string {
	switch ds.DB.Dialector.Name() {
	case "mysql":
		return fmt.Sprintf("HOUR(%s)", column)
	default: // sqlite
		return fmt.Sprintf("CAST(strftime('%%H', %s) AS INTEGER)", column)
	}
}
