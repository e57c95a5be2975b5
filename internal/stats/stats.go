// Package stats folds finalized detections into the aggregate tables. One
// detection is one transaction; either every aggregate moves or none do.
package stats

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/LordThiouk/sodav-monitor-sub003/internal/conf"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/datastore"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/errors"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/logging"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/tracker"
)

// transactionTimeout bounds one aggregate update.
const transactionTimeout = 30 * time.Second

// inactiveAfter is how long a station may go without detections before it is
// marked inactive.
const inactiveAfter = time.Hour

// Updater writes the aggregate rows owned by the stats layer.
type Updater struct {
	ds          datastore.Interface
	log         *slog.Logger
	minDuration time.Duration
	now         func() time.Time

	// uncounted holds detection ids whose rows were too short to aggregate
	// when first persisted. If such a row later grows past the minimum it
	// still owes the aggregates a full detection, not just a play-time delta.
	mu        sync.Mutex
	uncounted map[uint]struct{}
}

// New returns an Updater configured from settings.
func New(settings *conf.Settings, ds datastore.Interface, log *slog.Logger) *Updater {
	if log == nil {
		log = logging.ForService("STATS_RECORDER")
	}
	return &Updater{
		ds:          ds,
		log:         log,
		minDuration: time.Duration(settings.Tracker.MinDurationSeconds) * time.Second,
		now:         time.Now,
		uncounted:   make(map[uint]struct{}),
	}
}

// RecordDetection applies one finalized detection to every aggregate in a
// single serializable transaction. Detections shorter than the configured
// minimum touch nothing.
func (u *Updater) RecordDetection(ctx context.Context, det *datastore.TrackDetection, artistID uint) error {
	duration, coerced := tracker.ValidateDuration(det.PlayDuration)
	if coerced {
		u.log.Warn("detection duration coerced before aggregation",
			"detection_id", det.ID,
			"original", det.PlayDuration.String(),
			"coerced", duration.String())
	}
	if duration < u.minDuration {
		u.markUncounted(det.ID)
		u.log.Debug("skipping short detection",
			"detection_id", det.ID,
			"duration", duration.String(),
			"minimum", u.minDuration.String())
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, transactionTimeout)
	defer cancel()

	now := u.now()
	run := func() error {
		return u.ds.Gorm().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := u.applyTrackStats(tx, det, duration); err != nil {
				return err
			}
			if err := u.applyArtistStats(tx, det, artistID, duration); err != nil {
				return err
			}
			if err := u.applyStationTrackStats(tx, det, duration); err != nil {
				return err
			}
			if err := u.applyStationStats(tx, det); err != nil {
				return err
			}
			if err := u.applyTemporalBuckets(tx, det, artistID, duration); err != nil {
				return err
			}
			return u.applyStationLifecycle(tx, det.StationID, now)
		}, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}

	err := run()
	if err != nil && isSerializationConflict(err) && ctx.Err() == nil {
		u.log.Warn("aggregate transaction conflicted, retrying once",
			"detection_id", det.ID, "error", err)
		err = run()
	}

	if err != nil {
		return errors.New(err).
			Component("stats").
			Category(errors.CategoryStats).
			Context("detection_id", det.ID).
			Build()
	}

	u.clearUncounted(det.ID)
	u.log.Info("aggregates updated",
		"detection_id", det.ID,
		"track_id", det.TrackID,
		"station_id", det.StationID,
		"play_duration", duration.String())
	return nil
}

// RecordExtension adds play time to the aggregates for a detection whose row
// grew after a merged resume. Counts and confidence averages stay put; only
// the play-time sums move, keeping them equal to the sum of row durations.
func (u *Updater) RecordExtension(ctx context.Context, det *datastore.TrackDetection, artistID uint, delta time.Duration) error {
	if u.isUncounted(det.ID) {
		// the row was below the minimum when first persisted and has never
		// been aggregated; once it grows past the minimum it counts as a
		// full detection
		duration, _ := tracker.ValidateDuration(det.PlayDuration)
		if duration < u.minDuration {
			return nil
		}
		return u.RecordDetection(ctx, det, artistID)
	}
	if delta <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, transactionTimeout)
	defer cancel()

	_, day, month := bucketTimes(det.DetectedAt)
	err := u.ds.Gorm().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&datastore.TrackStats{}).
			Where("track_id = ?", det.TrackID).
			Update("total_play_time", gorm.Expr("total_play_time + ?", delta)).Error; err != nil {
			return err
		}
		if err := tx.Model(&datastore.ArtistStats{}).
			Where("artist_id = ?", artistID).
			Update("total_play_time", gorm.Expr("total_play_time + ?", delta)).Error; err != nil {
			return err
		}
		if err := tx.Model(&datastore.StationTrackStats{}).
			Where("station_id = ? AND track_id = ?", det.StationID, det.TrackID).
			Update("total_play_time", gorm.Expr("total_play_time + ?", delta)).Error; err != nil {
			return err
		}
		if err := tx.Model(&datastore.ArtistDaily{}).
			Where("artist_id = ? AND day = ?", artistID, day).
			Update("total_play_time", gorm.Expr("total_play_time + ?", delta)).Error; err != nil {
			return err
		}
		return tx.Model(&datastore.ArtistMonthly{}).
			Where("artist_id = ? AND month = ?", artistID, month).
			Update("total_play_time", gorm.Expr("total_play_time + ?", delta)).Error
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})

	if err != nil {
		return errors.New(err).
			Component("stats").
			Category(errors.CategoryStats).
			Context("detection_id", det.ID).
			Build()
	}
	return nil
}

func (u *Updater) applyTrackStats(tx *gorm.DB, det *datastore.TrackDetection, duration time.Duration) error {
	var row datastore.TrackStats
	err := tx.Where("track_id = ?", det.TrackID).First(&row).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	row.TrackID = det.TrackID
	row.AvgConfidence = weightedAverage(row.AvgConfidence, row.TotalPlays, det.Confidence)
	row.TotalPlays++
	row.TotalPlayTime += duration
	row.LastDetected = det.DetectedAt
	return tx.Save(&row).Error
}

func (u *Updater) applyArtistStats(tx *gorm.DB, det *datastore.TrackDetection, artistID uint, duration time.Duration) error {
	var row datastore.ArtistStats
	err := tx.Where("artist_id = ?", artistID).First(&row).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	row.ArtistID = artistID
	row.AvgConfidence = weightedAverage(row.AvgConfidence, row.TotalPlays, det.Confidence)
	row.TotalPlays++
	row.TotalPlayTime += duration
	row.LastDetected = det.DetectedAt
	return tx.Save(&row).Error
}

func (u *Updater) applyStationTrackStats(tx *gorm.DB, det *datastore.TrackDetection, duration time.Duration) error {
	var row datastore.StationTrackStats
	err := tx.Where("station_id = ? AND track_id = ?", det.StationID, det.TrackID).First(&row).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	row.StationID = det.StationID
	row.TrackID = det.TrackID
	row.AvgConfidence = weightedAverage(row.AvgConfidence, row.PlayCount, det.Confidence)
	row.PlayCount++
	row.TotalPlayTime += duration
	row.LastPlayed = det.DetectedAt
	return tx.Save(&row).Error
}

func (u *Updater) applyStationStats(tx *gorm.DB, det *datastore.TrackDetection) error {
	var row datastore.StationStats
	err := tx.Where("station_id = ?", det.StationID).First(&row).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	row.StationID = det.StationID
	row.AvgConfidence = weightedAverage(row.AvgConfidence, row.DetectionCount, det.Confidence)
	row.DetectionCount++
	row.LastDetected = det.DetectedAt
	return tx.Save(&row).Error
}

func (u *Updater) applyTemporalBuckets(tx *gorm.DB, det *datastore.TrackDetection, artistID uint, duration time.Duration) error {
	hour, day, month := bucketTimes(det.DetectedAt)

	if err := bumpCounter(tx, &datastore.DetectionHourly{}, "hour = ?", hour,
		func() any { return &datastore.DetectionHourly{Hour: hour, Count: 1} }); err != nil {
		return err
	}
	if err := bumpCounter(tx, &datastore.DetectionDaily{}, "day = ?", day,
		func() any { return &datastore.DetectionDaily{Day: day, Count: 1} }); err != nil {
		return err
	}
	if err := bumpCounter(tx, &datastore.DetectionMonthly{}, "month = ?", month,
		func() any { return &datastore.DetectionMonthly{Month: month, Count: 1} }); err != nil {
		return err
	}

	var trackDaily datastore.TrackDaily
	err := tx.Where("track_id = ? AND day = ?", det.TrackID, day).First(&trackDaily).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	trackDaily.TrackID = det.TrackID
	trackDaily.Day = day
	trackDaily.Count++
	if err := tx.Save(&trackDaily).Error; err != nil {
		return err
	}

	var trackMonthly datastore.TrackMonthly
	err = tx.Where("track_id = ? AND month = ?", det.TrackID, month).First(&trackMonthly).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	trackMonthly.TrackID = det.TrackID
	trackMonthly.Month = month
	trackMonthly.Count++
	if err := tx.Save(&trackMonthly).Error; err != nil {
		return err
	}

	var artistDaily datastore.ArtistDaily
	err = tx.Where("artist_id = ? AND day = ?", artistID, day).First(&artistDaily).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	artistDaily.ArtistID = artistID
	artistDaily.Day = day
	artistDaily.Count++
	artistDaily.TotalPlayTime += duration
	if err := tx.Save(&artistDaily).Error; err != nil {
		return err
	}

	var artistMonthly datastore.ArtistMonthly
	err = tx.Where("artist_id = ? AND month = ?", artistID, month).First(&artistMonthly).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	artistMonthly.ArtistID = artistID
	artistMonthly.Month = month
	artistMonthly.Count++
	artistMonthly.TotalPlayTime += duration
	return tx.Save(&artistMonthly).Error
}

// applyStationLifecycle marks the detecting station active and retires
// stations that have been quiet for over an hour.
func (u *Updater) applyStationLifecycle(tx *gorm.DB, stationID uint, now time.Time) error {
	err := tx.Model(&datastore.RadioStation{}).
		Where("id = ?", stationID).
		Updates(map[string]any{
			"last_detection_time": now,
			"status":              datastore.StationActive,
		}).Error
	if err != nil {
		return err
	}

	cutoff := now.Add(-inactiveAfter)
	return tx.Model(&datastore.RadioStation{}).
		Where("status = ? AND last_detection_time < ? AND last_detection_time != ?",
			datastore.StationActive, cutoff, time.Time{}).
		Update("status", datastore.StationInactive).Error
}

// bumpCounter increments a single-counter bucket row, creating it at 1.
func bumpCounter(tx *gorm.DB, model any, where string, key time.Time, create func() any) error {
	res := tx.Model(model).Where(where, key).Update("count", gorm.Expr("count + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return tx.Create(create()).Error
	}
	return nil
}

func (u *Updater) markUncounted(id uint) {
	if id == 0 {
		return
	}
	u.mu.Lock()
	u.uncounted[id] = struct{}{}
	u.mu.Unlock()
}

func (u *Updater) clearUncounted(id uint) {
	u.mu.Lock()
	delete(u.uncounted, id)
	u.mu.Unlock()
}

func (u *Updater) isUncounted(id uint) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.uncounted[id]
	return ok
}

// isSerializationConflict reports whether the error is a transient
// concurrency failure worth one retry: MySQL deadlocks and SQLite busy locks.
func isSerializationConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "serialization")
}

// weightedAverage folds one more confidence into a running average.
func weightedAverage(avg float64, count int64, confidence float64) float64 {
	return (avg*float64(count) + confidence) / float64(count+1)
}

// bucketTimes floors a timestamp to its hour, day and month buckets in UTC.
func bucketTimes(ts time.Time) (hour, day, month time.Time) {
	utc := ts.UTC()
	hour = utc.Truncate(time.Hour)
	day = time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	month = time.Date(utc.Year(), utc.Month(), 1, 0, 0, 0, 0, time.UTC)
	return hour, day, month
}
