// Package tracker maintains per-(station, track) play sessions and turns
// them into TrackDetection rows, merging plays that were split by short
// silences.
package tracker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/LordThiouk/sodav-monitor-sub003/internal/conf"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/datastore"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/errors"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/logging"
)

const (
	// MaxPlayDuration is the hard ceiling on a single play.
	MaxPlayDuration = time.Hour
	// FallbackDuration replaces out-of-range durations.
	FallbackDuration = 15 * time.Second
	// staleHeartbeatFactor scales the interrupted TTL into the heartbeat age
	// past which an active session is considered abandoned.
	staleHeartbeatFactor = 3
)

// DetectionStore is the narrow persistence seam the tracker writes through.
type DetectionStore interface {
	InsertDetection(det *datastore.TrackDetection) error
	UpdateDetectionSpan(id uint, endTime time.Time, playDuration time.Duration) error
}

type sessionKey struct {
	StationID uint
	TrackID   uint
}

// session is one tracked play. While active, StartTime anchors the running
// span and Accumulated carries time from merged earlier spans. While
// interrupted, Accumulated holds the total so far and EndTime the moment the
// audio went quiet.
type session struct {
	DetectedAt  time.Time // when the play originally began
	StartTime   time.Time
	LastUpdate  time.Time
	EndTime     time.Time
	Accumulated time.Duration
	DetectionID uint          // 0 until a row exists
	Persisted   time.Duration // duration last written to the row
}

// Tracker is the stateful core. All operations are O(1) under a single lock.
type Tracker struct {
	mu          sync.Mutex
	active      map[sessionKey]*session
	interrupted map[sessionKey]*session

	store DetectionStore
	log   *slog.Logger

	mergeThreshold time.Duration
	minDuration    time.Duration
	interruptedTTL time.Duration

	now func() time.Time
}

// New returns a Tracker configured from settings.
func New(settings *conf.Settings, store DetectionStore, log *slog.Logger) *Tracker {
	if log == nil {
		log = logging.ForService("DETECTION")
	}
	return &Tracker{
		active:         make(map[sessionKey]*session),
		interrupted:    make(map[sessionKey]*session),
		store:          store,
		log:            log,
		mergeThreshold: time.Duration(settings.Tracker.MergeThresholdSeconds) * time.Second,
		minDuration:    time.Duration(settings.Tracker.MinDurationSeconds) * time.Second,
		interruptedTTL: time.Duration(settings.Tracker.InterruptedTTLSeconds) * time.Second,
		now:            time.Now,
	}
}

// MinDuration returns the floor below which detections are excluded from
// statistics.
func (t *Tracker) MinDuration() time.Duration { return t.minDuration }

// StartTracking opens a session for the key, resuming a recently interrupted
// one when the silence gap is within the merge threshold. Calling it on an
// already active key only refreshes the heartbeat. It returns the moment the
// play originally began.
func (t *Tracker) StartTracking(stationID, trackID uint) time.Time {
	return t.StartTrackingAt(stationID, trackID, t.now())
}

// StartTrackingAt is StartTracking with an explicit start. Callers that
// identify a track from an already captured buffer backdate the start to when
// the audio actually began playing.
func (t *Tracker) StartTrackingAt(stationID, trackID uint, startedAt time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := sessionKey{StationID: stationID, TrackID: trackID}

	if sess, ok := t.active[key]; ok {
		sess.LastUpdate = t.now()
		return sess.DetectedAt
	}

	if parked, ok := t.interrupted[key]; ok && startedAt.Sub(parked.EndTime) <= t.mergeThreshold {
		delete(t.interrupted, key)
		if startedAt.Before(parked.EndTime) {
			startedAt = parked.EndTime
		}
		parked.StartTime = startedAt
		parked.LastUpdate = t.now()
		t.active[key] = parked
		t.log.Debug("resumed tracking",
			"station_id", stationID,
			"track_id", trackID,
			"accumulated", parked.Accumulated.String(),
			"gap", startedAt.Sub(parked.EndTime).String())
		return parked.DetectedAt
	}

	t.active[key] = &session{
		DetectedAt: startedAt,
		StartTime:  startedAt,
		LastUpdate: t.now(),
	}
	t.log.Debug("started tracking", "station_id", stationID, "track_id", trackID)
	return startedAt
}

// UpdateTracking refreshes the heartbeat of an active session.
func (t *Tracker) UpdateTracking(stationID, trackID uint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sess, ok := t.active[sessionKey{StationID: stationID, TrackID: trackID}]; ok {
		sess.LastUpdate = t.now()
	}
}

// StopTracking closes the active session and returns its total duration.
// Silence parks the session for a possible resume; a definitive end (the
// station moved to different content) discards the state.
func (t *Tracker) StopTracking(stationID, trackID uint, isSilence bool) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := sessionKey{StationID: stationID, TrackID: trackID}
	sess, ok := t.active[key]
	if !ok {
		return 0
	}
	delete(t.active, key)

	now := t.now()
	total := now.Sub(sess.StartTime) + sess.Accumulated

	if isSilence {
		sess.EndTime = now
		sess.Accumulated = total
		t.interrupted[key] = sess
	}
	t.log.Debug("stopped tracking",
		"station_id", stationID,
		"track_id", trackID,
		"duration", total.String(),
		"is_silence", isSilence)
	return total
}

// CreateDetection persists the active session as a TrackDetection row. A
// session that already owns a row extends it instead of inserting a second
// one. It returns the row, the play time added since the row was last
// written, and whether the row is new.
func (t *Tracker) CreateDetection(stationID, trackID uint, confidence float64, fingerprintHash, method string) (*datastore.TrackDetection, time.Duration, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := sessionKey{StationID: stationID, TrackID: trackID}
	sess, ok := t.active[key]
	if !ok {
		return nil, 0, false, errors.Newf("no active session for station %d track %d", stationID, trackID).
			Component("tracker").
			Category(errors.CategoryState).
			Build()
	}

	now := t.now()
	duration, estimated := t.validateDuration(now.Sub(sess.StartTime) + sess.Accumulated)
	delta := duration - sess.Persisted
	if delta < 0 {
		delta = 0
	}

	det := &datastore.TrackDetection{
		ID:              sess.DetectionID,
		TrackID:         trackID,
		StationID:       stationID,
		DetectedAt:      sess.DetectedAt,
		EndTime:         now,
		PlayDuration:    duration,
		Confidence:      confidence,
		Fingerprint:     fingerprintHash,
		DetectionMethod: method,
		IsEstimated:     estimated,
	}

	if sess.DetectionID != 0 {
		if err := t.store.UpdateDetectionSpan(sess.DetectionID, now, duration); err != nil {
			return nil, 0, false, errors.New(err).
				Component("tracker").
				Category(errors.CategoryDatabase).
				Build()
		}
		sess.Persisted = duration
		return det, delta, false, nil
	}

	det.ID = 0
	if err := t.store.InsertDetection(det); err != nil {
		return nil, 0, false, errors.New(err).
			Component("tracker").
			Category(errors.CategoryDatabase).
			Build()
	}
	sess.DetectionID = det.ID
	sess.Persisted = duration
	return det, duration, true, nil
}

// IsActive reports whether the key has an open session.
func (t *Tracker) IsActive(stationID, trackID uint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[sessionKey{StationID: stationID, TrackID: trackID}]
	return ok
}

// StopOthers definitively ends every active session on a station except the
// one for keepTrackID; the station has audibly moved on to other content.
func (t *Tracker) StopOthers(stationID, keepTrackID uint) {
	t.mu.Lock()
	var stale []sessionKey
	for key := range t.active {
		if key.StationID == stationID && key.TrackID != keepTrackID {
			stale = append(stale, key)
		}
	}
	t.mu.Unlock()

	for _, key := range stale {
		t.StopTracking(key.StationID, key.TrackID, false)
	}
}

// CleanupInterrupted finalizes and drops interrupted sessions older than
// maxAge. Sessions long enough to matter get their detection row closed with
// the accumulated total.
func (t *Tracker) CleanupInterrupted(maxAge time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for key, sess := range t.interrupted {
		if now.Sub(sess.EndTime) <= maxAge {
			continue
		}
		if sess.Accumulated >= t.minDuration && sess.DetectionID != 0 {
			duration, _ := t.validateDuration(sess.Accumulated)
			if err := t.store.UpdateDetectionSpan(sess.DetectionID, sess.EndTime, duration); err != nil {
				t.log.Error("failed to finalize interrupted detection",
					"detection_id", sess.DetectionID, "error", err)
			}
		}
		delete(t.interrupted, key)
	}
}

// Cleanup parks abandoned active sessions and runs CleanupInterrupted with
// the configured TTL.
func (t *Tracker) Cleanup() {
	t.sweepStaleActive()
	t.CleanupInterrupted(t.interruptedTTL)
}

// sweepStaleActive parks active sessions whose heartbeat has gone quiet for
// several cycles. A station stuck on capture errors or no-matches never stops
// its session explicitly; the play effectively ended at the last heartbeat,
// so the session moves to interrupted anchored there and the TTL sweep
// finalizes its row.
func (t *Tracker) sweepStaleActive() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cutoff := t.interruptedTTL * staleHeartbeatFactor
	for key, sess := range t.active {
		if now.Sub(sess.LastUpdate) <= cutoff {
			continue
		}
		delete(t.active, key)
		sess.Accumulated += sess.LastUpdate.Sub(sess.StartTime)
		sess.EndTime = sess.LastUpdate
		t.interrupted[key] = sess
		t.log.Debug("parked stale session",
			"station_id", key.StationID,
			"track_id", key.TrackID,
			"idle", now.Sub(sess.LastUpdate).String())
	}
}

// ActiveCount returns the number of open sessions.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// InterruptedCount returns the number of parked sessions.
func (t *Tracker) InterruptedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.interrupted)
}

// validateDuration clamps a play duration to [0, MaxPlayDuration].
// Out-of-range values coerce to the fallback and are flagged as estimated.
func (t *Tracker) validateDuration(d time.Duration) (time.Duration, bool) {
	if d >= 0 && d <= MaxPlayDuration {
		return d, false
	}
	t.log.Warn("play duration out of range, coerced",
		"duration", d.String(),
		"fallback", FallbackDuration.String())
	return FallbackDuration, true
}

// ValidateDuration applies the shared duration policy without a tracker
// instance: values outside [0, MaxPlayDuration] coerce to FallbackDuration.
// The second return reports whether coercion fired.
func ValidateDuration(d time.Duration) (time.Duration, bool) {
	if d >= 0 && d <= MaxPlayDuration {
		return d, false
	}
	return FallbackDuration, true
}
