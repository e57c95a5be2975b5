package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LordThiouk/sodav-monitor-sub003/internal/conf"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/datastore"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/tracker"
)

func newTestUpdater(t *testing.T) (*Updater, datastore.Interface) {
	t.Helper()
	settings := &conf.Settings{
		Database: conf.DatabaseSettings{URL: ":memory:"},
		Tracker:  conf.TrackerSettings{MinDurationSeconds: 5},
	}
	ds := datastore.New(settings, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, ds.Open())
	t.Cleanup(func() { _ = ds.Close() })
	return New(settings, ds, nil), ds
}

func seed(t *testing.T, ds datastore.Interface) (*datastore.RadioStation, *datastore.Artist, *datastore.Track) {
	t.Helper()
	station := &datastore.RadioStation{Name: "RTS1", StreamURL: "http://stream", Status: datastore.StationActive}
	require.NoError(t, ds.SaveStation(station))
	artist := &datastore.Artist{Name: "Artist"}
	require.NoError(t, ds.CreateArtist(artist))
	track := &datastore.Track{Title: "Track", ArtistID: artist.ID}
	require.NoError(t, ds.CreateTrack(track))
	return station, artist, track
}

func detection(station *datastore.RadioStation, track *datastore.Track, d time.Duration, confidence float64) *datastore.TrackDetection {
	detectedAt := time.Date(2026, 8, 24, 14, 30, 0, 0, time.UTC)
	return &datastore.TrackDetection{
		TrackID:         track.ID,
		StationID:       station.ID,
		DetectedAt:      detectedAt,
		EndTime:         detectedAt.Add(d),
		PlayDuration:    d,
		Confidence:      confidence,
		DetectionMethod: "local_exact",
	}
}

func TestRecordDetectionUpdatesAllAggregates(t *testing.T) {
	u, ds := newTestUpdater(t)
	station, artist, track := seed(t, ds)

	det := detection(station, track, 30*time.Second, 1.0)
	require.NoError(t, u.RecordDetection(context.Background(), det, artist.ID))

	var trackStats datastore.TrackStats
	require.NoError(t, ds.Gorm().First(&trackStats, "track_id = ?", track.ID).Error)
	assert.EqualValues(t, 1, trackStats.TotalPlays)
	assert.Equal(t, 30*time.Second, trackStats.TotalPlayTime)
	assert.Equal(t, 1.0, trackStats.AvgConfidence)

	var artistStats datastore.ArtistStats
	require.NoError(t, ds.Gorm().First(&artistStats, "artist_id = ?", artist.ID).Error)
	assert.EqualValues(t, 1, artistStats.TotalPlays)

	var stationTrack datastore.StationTrackStats
	require.NoError(t, ds.Gorm().
		First(&stationTrack, "station_id = ? AND track_id = ?", station.ID, track.ID).Error)
	assert.EqualValues(t, 1, stationTrack.PlayCount)
	assert.Equal(t, 30*time.Second, stationTrack.TotalPlayTime)

	var stationStats datastore.StationStats
	require.NoError(t, ds.Gorm().First(&stationStats, "station_id = ?", station.ID).Error)
	assert.EqualValues(t, 1, stationStats.DetectionCount)

	var hourly datastore.DetectionHourly
	require.NoError(t, ds.Gorm().First(&hourly).Error)
	assert.EqualValues(t, 1, hourly.Count)
	assert.True(t, hourly.Hour.Equal(det.DetectedAt.Truncate(time.Hour)))

	var artistDaily datastore.ArtistDaily
	require.NoError(t, ds.Gorm().First(&artistDaily, "artist_id = ?", artist.ID).Error)
	assert.EqualValues(t, 1, artistDaily.Count)
	assert.Equal(t, 30*time.Second, artistDaily.TotalPlayTime)

	refreshed, err := ds.GetStation(station.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StationActive, refreshed.Status)
	assert.False(t, refreshed.LastDetectionTime.IsZero())
}

func TestShortDetectionTouchesNothing(t *testing.T) {
	u, ds := newTestUpdater(t)
	station, artist, track := seed(t, ds)

	det := detection(station, track, 3*time.Second, 1.0)
	require.NoError(t, u.RecordDetection(context.Background(), det, artist.ID))

	var count int64
	require.NoError(t, ds.Gorm().Model(&datastore.TrackStats{}).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, ds.Gorm().Model(&datastore.DetectionHourly{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestShortDetectionCountedOnceItGrows(t *testing.T) {
	u, ds := newTestUpdater(t)
	station, artist, track := seed(t, ds)

	// first persist is below the minimum: nothing aggregates yet
	det := detection(station, track, 3*time.Second, 0.9)
	require.NoError(t, ds.InsertDetection(det))
	require.NoError(t, u.RecordDetection(context.Background(), det, artist.ID))

	var count int64
	require.NoError(t, ds.Gorm().Model(&datastore.TrackStats{}).Count(&count).Error)
	assert.Zero(t, count)

	// an extension that leaves the row short still aggregates nothing
	det.PlayDuration = 4 * time.Second
	require.NoError(t, u.RecordExtension(context.Background(), det, artist.ID, time.Second))
	require.NoError(t, ds.Gorm().Model(&datastore.TrackStats{}).Count(&count).Error)
	assert.Zero(t, count)

	// the extension crossing the minimum counts the play in full
	det.PlayDuration = 60 * time.Second
	det.EndTime = det.DetectedAt.Add(det.PlayDuration)
	require.NoError(t, u.RecordExtension(context.Background(), det, artist.ID, 56*time.Second))

	var trackStats datastore.TrackStats
	require.NoError(t, ds.Gorm().First(&trackStats, "track_id = ?", track.ID).Error)
	assert.EqualValues(t, 1, trackStats.TotalPlays)
	assert.Equal(t, 60*time.Second, trackStats.TotalPlayTime)

	var hourly datastore.DetectionHourly
	require.NoError(t, ds.Gorm().First(&hourly).Error)
	assert.EqualValues(t, 1, hourly.Count)

	// later extensions are back to delta-only
	det.PlayDuration = 90 * time.Second
	require.NoError(t, u.RecordExtension(context.Background(), det, artist.ID, 30*time.Second))
	require.NoError(t, ds.Gorm().First(&trackStats, "track_id = ?", track.ID).Error)
	assert.EqualValues(t, 1, trackStats.TotalPlays, "the play is only ever counted once")
	assert.Equal(t, 90*time.Second, trackStats.TotalPlayTime)
}

func TestRepeatedDetectionsAccumulate(t *testing.T) {
	u, ds := newTestUpdater(t)
	station, artist, track := seed(t, ds)

	require.NoError(t, u.RecordDetection(context.Background(), detection(station, track, 30*time.Second, 0.8), artist.ID))
	require.NoError(t, u.RecordDetection(context.Background(), detection(station, track, 60*time.Second, 1.0), artist.ID))

	var trackStats datastore.TrackStats
	require.NoError(t, ds.Gorm().First(&trackStats, "track_id = ?", track.ID).Error)
	assert.EqualValues(t, 2, trackStats.TotalPlays)
	assert.Equal(t, 90*time.Second, trackStats.TotalPlayTime)
	assert.InDelta(t, 0.9, trackStats.AvgConfidence, 1e-9)

	var hourly datastore.DetectionHourly
	require.NoError(t, ds.Gorm().First(&hourly).Error)
	assert.EqualValues(t, 2, hourly.Count)
}

func TestAvgConfidenceOrderIndependent(t *testing.T) {
	confidences := [][]float64{
		{0.7, 0.8, 0.9, 1.0},
		{1.0, 0.9, 0.8, 0.7},
	}
	var results []float64

	for _, order := range confidences {
		u, ds := newTestUpdater(t)
		station, artist, track := seed(t, ds)
		for _, c := range order {
			require.NoError(t, u.RecordDetection(context.Background(),
				detection(station, track, 30*time.Second, c), artist.ID))
		}
		var trackStats datastore.TrackStats
		require.NoError(t, ds.Gorm().First(&trackStats, "track_id = ?", track.ID).Error)
		results = append(results, trackStats.AvgConfidence)
	}

	assert.InDelta(t, results[0], results[1], 1e-9)
	assert.InDelta(t, 0.85, results[0], 1e-9)
}

func TestOutOfRangeDurationCoerced(t *testing.T) {
	u, ds := newTestUpdater(t)
	station, artist, track := seed(t, ds)

	det := detection(station, track, 2*time.Hour, 1.0)
	require.NoError(t, u.RecordDetection(context.Background(), det, artist.ID))

	var trackStats datastore.TrackStats
	require.NoError(t, ds.Gorm().First(&trackStats, "track_id = ?", track.ID).Error)
	assert.Equal(t, tracker.FallbackDuration, trackStats.TotalPlayTime)
}

func TestQuietStationGoesInactive(t *testing.T) {
	u, ds := newTestUpdater(t)
	station, artist, track := seed(t, ds)

	quiet := &datastore.RadioStation{
		Name:              "Quiet FM",
		StreamURL:         "http://quiet",
		Status:            datastore.StationActive,
		LastDetectionTime: time.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, ds.SaveStation(quiet))

	require.NoError(t, u.RecordDetection(context.Background(),
		detection(station, track, 30*time.Second, 1.0), artist.ID))

	refreshed, err := ds.GetStation(quiet.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StationInactive, refreshed.Status)

	active, err := ds.GetStation(station.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StationActive, active.Status)
}

func TestNeverDetectedStationStaysActive(t *testing.T) {
	u, ds := newTestUpdater(t)
	station, artist, track := seed(t, ds)

	fresh := &datastore.RadioStation{Name: "New FM", StreamURL: "http://new", Status: datastore.StationActive}
	require.NoError(t, ds.SaveStation(fresh))

	require.NoError(t, u.RecordDetection(context.Background(),
		detection(station, track, 30*time.Second, 1.0), artist.ID))

	refreshed, err := ds.GetStation(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StationActive, refreshed.Status,
		"stations that never detected anything are not retired")
}

func TestRecordExtensionAddsPlayTimeOnly(t *testing.T) {
	u, ds := newTestUpdater(t)
	station, artist, track := seed(t, ds)

	det := detection(station, track, 20*time.Second, 1.0)
	require.NoError(t, u.RecordDetection(context.Background(), det, artist.ID))
	require.NoError(t, u.RecordExtension(context.Background(), det, artist.ID, 27*time.Second))

	var trackStats datastore.TrackStats
	require.NoError(t, ds.Gorm().First(&trackStats, "track_id = ?", track.ID).Error)
	assert.EqualValues(t, 1, trackStats.TotalPlays, "an extension is not a new play")
	assert.Equal(t, 47*time.Second, trackStats.TotalPlayTime)

	var artistDaily datastore.ArtistDaily
	require.NoError(t, ds.Gorm().First(&artistDaily, "artist_id = ?", artist.ID).Error)
	assert.EqualValues(t, 1, artistDaily.Count)
	assert.Equal(t, 47*time.Second, artistDaily.TotalPlayTime)

	var hourly datastore.DetectionHourly
	require.NoError(t, ds.Gorm().First(&hourly).Error)
	assert.EqualValues(t, 1, hourly.Count)
}

func TestWeightedAverage(t *testing.T) {
	assert.Equal(t, 1.0, weightedAverage(0, 0, 1.0))
	assert.InDelta(t, 0.9, weightedAverage(0.8, 1, 1.0), 1e-9)
	assert.InDelta(t, 0.85, weightedAverage(0.9, 2, 0.75), 1e-9)
}

func TestIsSerializationConflict(t *testing.T) {
	assert.True(t, isSerializationConflict(fmt.Errorf("Error 1213: Deadlock found when trying to get lock")))
	assert.True(t, isSerializationConflict(fmt.Errorf("database is locked")))
	assert.False(t, isSerializationConflict(fmt.Errorf("UNIQUE constraint failed")))
	assert.False(t, isSerializationConflict(nil))
}

func TestBucketTimes(t *testing.T) {
	ts := time.Date(2026, 8, 24, 14, 45, 10, 0, time.UTC)
	hour, day, month := bucketTimes(ts)
	assert.Equal(t, time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC), hour)
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), day)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), month)
}
