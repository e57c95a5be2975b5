package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LordThiouk/sodav-monitor-sub003/internal/conf"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/datastore"
)

type spanUpdate struct {
	ID           uint
	EndTime      time.Time
	PlayDuration time.Duration
}

type fakeStore struct {
	inserted []*datastore.TrackDetection
	updates  []spanUpdate
	nextID   uint
}

func (f *fakeStore) InsertDetection(det *datastore.TrackDetection) error {
	f.nextID++
	det.ID = f.nextID
	copied := *det
	f.inserted = append(f.inserted, &copied)
	return nil
}

func (f *fakeStore) UpdateDetectionSpan(id uint, endTime time.Time, playDuration time.Duration) error {
	f.updates = append(f.updates, spanUpdate{ID: id, EndTime: endTime, PlayDuration: playDuration})
	return nil
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker() (*Tracker, *fakeStore, *fakeClock) {
	settings := &conf.Settings{
		Tracker: conf.TrackerSettings{
			MergeThresholdSeconds: 10,
			MinDurationSeconds:    5,
			InterruptedTTLSeconds: 60,
		},
	}
	store := &fakeStore{}
	tr := New(settings, store, nil)
	clock := &fakeClock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	tr.now = clock.Now
	return tr, store, clock
}

func TestStartStopSession(t *testing.T) {
	tr, _, clock := newTestTracker()

	started := tr.StartTracking(7, 3)
	assert.Equal(t, clock.Now(), started)
	assert.Equal(t, 1, tr.ActiveCount())

	clock.Advance(20 * time.Second)
	total := tr.StopTracking(7, 3, false)
	assert.Equal(t, 20*time.Second, total)
	assert.Zero(t, tr.ActiveCount())
	assert.Zero(t, tr.InterruptedCount(), "definitive end does not park the session")
}

func TestShortGapMergesIntoSingleDetection(t *testing.T) {
	tr, store, clock := newTestTracker()
	t0 := clock.Now()

	tr.StartTracking(7, 3)
	clock.Advance(20 * time.Second)
	total := tr.StopTracking(7, 3, true)
	assert.Equal(t, 20*time.Second, total)
	assert.Equal(t, 1, tr.InterruptedCount())

	clock.Advance(3 * time.Second)
	started := tr.StartTracking(7, 3)
	assert.Equal(t, t0, started, "resume reports the original start")
	assert.Zero(t, tr.InterruptedCount())

	clock.Advance(27 * time.Second)
	det, delta, created, err := tr.CreateDetection(7, 3, 1.0, "H", "local_exact")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 47*time.Second, delta)

	require.Len(t, store.inserted, 1, "one row for the merged play")
	assert.Equal(t, 47*time.Second, det.PlayDuration)
	assert.Equal(t, t0, det.DetectedAt)
	assert.False(t, det.IsEstimated)
}

func TestLongGapDoesNotMerge(t *testing.T) {
	tr, _, clock := newTestTracker()
	t0 := clock.Now()

	tr.StartTracking(7, 3)
	clock.Advance(20 * time.Second)
	tr.StopTracking(7, 3, true)

	clock.Advance(20 * time.Second) // gap exceeds the 10 s merge threshold
	started := tr.StartTracking(7, 3)
	assert.Equal(t, t0.Add(40*time.Second), started, "fresh session, not a resume")
	assert.Equal(t, 1, tr.InterruptedCount(), "the old session stays parked until cleanup")
}

func TestResumeExtendsExistingRow(t *testing.T) {
	tr, store, clock := newTestTracker()

	tr.StartTracking(7, 3)
	clock.Advance(20 * time.Second)
	first, delta, created, err := tr.CreateDetection(7, 3, 1.0, "H", "local_exact")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 20*time.Second, delta)
	assert.Equal(t, 20*time.Second, first.PlayDuration)

	tr.StopTracking(7, 3, true)
	clock.Advance(5 * time.Second)
	tr.StartTracking(7, 3)
	clock.Advance(10 * time.Second)

	second, delta, created, err := tr.CreateDetection(7, 3, 1.0, "H", "local_exact")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 10*time.Second, delta, "only the new time counts as added")

	assert.Equal(t, first.ID, second.ID, "the resumed play reuses its row")
	assert.Equal(t, 30*time.Second, second.PlayDuration, "pre-gap time is carried over")
	require.Len(t, store.inserted, 1)
	require.Len(t, store.updates, 1)
	assert.Equal(t, 30*time.Second, store.updates[0].PlayDuration)
}

func TestTrackChangeEndsDefinitively(t *testing.T) {
	tr, _, clock := newTestTracker()

	tr.StartTracking(7, 3)
	clock.Advance(20 * time.Second)
	tr.StopTracking(7, 3, false)

	clock.Advance(2 * time.Second)
	started := tr.StartTracking(7, 3)
	assert.Equal(t, clock.Now(), started, "no resume after a definitive end")
}

func TestCleanupFinalizesLongSessions(t *testing.T) {
	tr, store, clock := newTestTracker()

	tr.StartTracking(7, 3)
	clock.Advance(20 * time.Second)
	_, _, _, err := tr.CreateDetection(7, 3, 1.0, "H", "local_exact")
	require.NoError(t, err)
	tr.StopTracking(7, 3, true)
	parkedAt := clock.Now()

	clock.Advance(61 * time.Second)
	tr.Cleanup()

	assert.Zero(t, tr.InterruptedCount())
	require.Len(t, store.updates, 1)
	assert.Equal(t, parkedAt, store.updates[0].EndTime)
	assert.Equal(t, 20*time.Second, store.updates[0].PlayDuration)
}

func TestCleanupDropsShortSessionsSilently(t *testing.T) {
	tr, store, clock := newTestTracker()

	tr.StartTracking(7, 3)
	clock.Advance(3 * time.Second) // below the 5 s minimum
	tr.StopTracking(7, 3, true)

	clock.Advance(61 * time.Second)
	tr.Cleanup()

	assert.Zero(t, tr.InterruptedCount())
	assert.Empty(t, store.updates)
	assert.Empty(t, store.inserted)
}

func TestCleanupKeepsFreshSessions(t *testing.T) {
	tr, _, clock := newTestTracker()

	tr.StartTracking(7, 3)
	clock.Advance(20 * time.Second)
	tr.StopTracking(7, 3, true)

	clock.Advance(30 * time.Second) // under the 60 s TTL
	tr.Cleanup()
	assert.Equal(t, 1, tr.InterruptedCount())
}

func TestCleanupSweepsAbandonedActiveSessions(t *testing.T) {
	tr, store, clock := newTestTracker()

	tr.StartTracking(7, 3)
	clock.Advance(40 * time.Second)
	tr.StartTracking(7, 3) // heartbeat from the next cycle
	_, _, _, err := tr.CreateDetection(7, 3, 1.0, "H", "local_exact")
	require.NoError(t, err)
	lastBeat := clock.Now()

	clock.Advance(181 * time.Second) // heartbeat older than three TTL windows
	tr.Cleanup()

	assert.Zero(t, tr.ActiveCount(), "a session nobody refreshes does not live forever")
	assert.Zero(t, tr.InterruptedCount())
	require.Len(t, store.updates, 1, "the row is finalized at the last heartbeat")
	assert.Equal(t, lastBeat, store.updates[0].EndTime)
	assert.Equal(t, 40*time.Second, store.updates[0].PlayDuration)
}

func TestCleanupKeepsActiveSessionsWithRecentHeartbeat(t *testing.T) {
	tr, _, clock := newTestTracker()

	tr.StartTracking(7, 3)
	clock.Advance(120 * time.Second) // within three TTL windows
	tr.Cleanup()

	assert.True(t, tr.IsActive(7, 3))
}

func TestCreateDetectionWithoutSession(t *testing.T) {
	tr, _, _ := newTestTracker()
	_, _, _, err := tr.CreateDetection(1, 1, 1.0, "H", "local_exact")
	assert.Error(t, err)
}

func TestContinuedSessionUpdatesRow(t *testing.T) {
	tr, store, clock := newTestTracker()

	tr.StartTracking(7, 3)
	clock.Advance(60 * time.Second)
	_, _, created, err := tr.CreateDetection(7, 3, 1.0, "H", "local_exact")
	require.NoError(t, err)
	assert.True(t, created)

	clock.Advance(60 * time.Second)
	tr.StartTracking(7, 3) // same track still playing next cycle
	det, delta, created, err := tr.CreateDetection(7, 3, 1.0, "H", "local_exact")
	require.NoError(t, err)

	assert.False(t, created, "a continuing play keeps its row")
	assert.Equal(t, 120*time.Second, det.PlayDuration)
	assert.Equal(t, 60*time.Second, delta)
	require.Len(t, store.inserted, 1)
	require.Len(t, store.updates, 1)
}

func TestStartTrackingAtBackdates(t *testing.T) {
	tr, _, clock := newTestTracker()

	started := tr.StartTrackingAt(7, 3, clock.Now().Add(-60*time.Second))
	assert.Equal(t, clock.Now().Add(-60*time.Second), started)

	det, _, created, err := tr.CreateDetection(7, 3, 1.0, "H", "local_exact")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 60*time.Second, det.PlayDuration, "the analyzed buffer counts as play time")
}

func TestStartTrackingAtClampsOverlap(t *testing.T) {
	tr, _, clock := newTestTracker()

	tr.StartTracking(7, 3)
	clock.Advance(20 * time.Second)
	tr.StopTracking(7, 3, true)
	parkedAt := clock.Now()

	clock.Advance(5 * time.Second)
	tr.StartTrackingAt(7, 3, parkedAt.Add(-10*time.Second))
	clock.Advance(10 * time.Second)

	det, _, _, err := tr.CreateDetection(7, 3, 1.0, "H", "local_exact")
	require.NoError(t, err)
	assert.Equal(t, 35*time.Second, det.PlayDuration,
		"time before the interruption is not counted twice")
}

func TestStopOthersEndsStaleSessions(t *testing.T) {
	tr, _, clock := newTestTracker()

	tr.StartTracking(7, 3)
	tr.StartTracking(7, 9)
	clock.Advance(10 * time.Second)

	tr.StopOthers(7, 9)

	assert.False(t, tr.IsActive(7, 3))
	assert.True(t, tr.IsActive(7, 9))
	assert.Zero(t, tr.InterruptedCount(), "a track change is a definitive end")
}

func TestUpdateTrackingHeartbeat(t *testing.T) {
	tr, _, clock := newTestTracker()

	tr.StartTracking(7, 3)
	clock.Advance(10 * time.Second)
	tr.UpdateTracking(7, 3)

	sess := tr.active[sessionKey{StationID: 7, TrackID: 3}]
	require.NotNil(t, sess)
	assert.Equal(t, clock.Now(), sess.LastUpdate)
	assert.Equal(t, clock.Now().Add(-10*time.Second), sess.StartTime, "heartbeat does not move the start")
}

func TestValidateDuration(t *testing.T) {
	d, estimated := ValidateDuration(30 * time.Minute)
	assert.Equal(t, 30*time.Minute, d)
	assert.False(t, estimated)

	d, estimated = ValidateDuration(0)
	assert.Equal(t, time.Duration(0), d)
	assert.False(t, estimated)

	d, estimated = ValidateDuration(-time.Second)
	assert.Equal(t, FallbackDuration, d)
	assert.True(t, estimated)

	d, estimated = ValidateDuration(2 * time.Hour)
	assert.Equal(t, FallbackDuration, d)
	assert.True(t, estimated)
}
