package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LordThiouk/sodav-monitor-sub003/internal/capture"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/conf"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/datastore"
	apperrors "github.com/LordThiouk/sodav-monitor-sub003/internal/errors"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/features"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/recognizer"
)

type fakeCapturer struct {
	result *capture.Result
	err    error
	calls  atomic.Int64
}

func (f *fakeCapturer) Capture(_ context.Context, _ string) (*capture.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	return &res, nil
}

type fakeExtractor struct {
	feats    *features.Features
	err      error // returned until DisableChromaprint is called
	disabled atomic.Bool
}

func (f *fakeExtractor) Extract(_ context.Context, _ []byte, _ int) (*features.Features, error) {
	if f.err != nil && !f.disabled.Load() {
		return nil, f.err
	}
	copied := *f.feats
	return &copied, nil
}

func (f *fakeExtractor) DisableChromaprint() { f.disabled.Store(true) }

type fakeChain struct {
	env   *recognizer.Envelope
	calls atomic.Int64
}

func (f *fakeChain) Identify(_ context.Context, _ *recognizer.Input) (*recognizer.Envelope, error) {
	f.calls.Add(1)
	if f.env == nil {
		return nil, nil
	}
	copied := *f.env
	return &copied, nil
}

func testSettings() *conf.Settings {
	return &conf.Settings{
		Capture: conf.CaptureSettings{MaxDuration: 180},
		Tracker: conf.TrackerSettings{
			MergeThresholdSeconds: 10,
			MinDurationSeconds:    5,
			InterruptedTTLSeconds: 60,
		},
		Monitor:  conf.MonitorSettings{MaxConcurrent: 5, IntervalSeconds: 60},
		Database: conf.DatabaseSettings{URL: ":memory:"},
	}
}

func newTestMonitor(t *testing.T) (*Monitor, datastore.Interface) {
	t.Helper()
	settings := testSettings()
	ds := datastore.New(settings, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, ds.Open())
	t.Cleanup(func() { _ = ds.Close() })

	m := New(settings, ds, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return m, ds
}

func seedStation(t *testing.T, ds datastore.Interface) *datastore.RadioStation {
	t.Helper()
	station := &datastore.RadioStation{
		Name:      "RTS1",
		StreamURL: "http://stream.example/rts1",
		Status:    datastore.StationActive,
	}
	require.NoError(t, ds.SaveStation(station))
	return station
}

func musicFeatures(hash string) *features.Features {
	return &features.Features{
		DurationSeconds: 60,
		ContentHash:     hash,
		ContentRaw:      []byte(hash),
		Segments: []features.SegmentFingerprint{
			{Hash: hash, Raw: []byte(hash), Offset: 0, Algorithm: features.AlgorithmMD5},
		},
		IsMusic:         true,
		MusicConfidence: 0.9,
	}
}

func goodCapture() *capture.Result {
	return &capture.Result{
		PCM:              make([]byte, 44100*2),
		SampleRate:       44100,
		CapturedDuration: 60 * time.Second,
		Reason:           capture.ReasonMaxDuration,
	}
}

func TestCycleRecordsExternalDetection(t *testing.T) {
	m, ds := newTestMonitor(t)
	station := seedStation(t, ds)

	chain := &fakeChain{env: &recognizer.Envelope{
		TrackInfo:       recognizer.TrackInfo{Title: "Yoff", Artist: "Orchestra Baobab"},
		Confidence:      0.92,
		Source:          recognizer.SourceAcoustID,
		DetectionMethod: recognizer.SourceAcoustID,
	}}
	m.capturer = &fakeCapturer{result: goodCapture()}
	m.extractor = &fakeExtractor{feats: musicFeatures("0011223344556677")}
	m.chain = chain

	m.RunCycle(context.Background())

	assert.EqualValues(t, 1, chain.calls.Load())

	artist, err := ds.GetArtistByName("Orchestra Baobab")
	require.NoError(t, err)
	require.NotNil(t, artist)
	track, err := ds.GetTrackByTitleArtist("Yoff", artist.ID)
	require.NoError(t, err)
	require.NotNil(t, track, "an external hit creates the canonical track")

	var det datastore.TrackDetection
	require.NoError(t, ds.Gorm().First(&det, "station_id = ?", station.ID).Error)
	assert.Equal(t, track.ID, det.TrackID)
	assert.Equal(t, recognizer.SourceAcoustID, det.DetectionMethod)
	assert.InDelta(t, 60, det.PlayDuration.Seconds(), 2,
		"the captured window counts as play time")

	fp, err := ds.GetFingerprintByHash("0011223344556677")
	require.NoError(t, err)
	require.NotNil(t, fp, "fingerprints are attached so the next play matches locally")
	assert.Equal(t, track.ID, fp.TrackID)

	var trackStats datastore.TrackStats
	require.NoError(t, ds.Gorm().First(&trackStats, "track_id = ?", track.ID).Error)
	assert.EqualValues(t, 1, trackStats.TotalPlays)
}

func TestLocalMatchSkipsChain(t *testing.T) {
	m, ds := newTestMonitor(t)
	seedStation(t, ds)

	artist := &datastore.Artist{Name: "Youssou"}
	require.NoError(t, ds.CreateArtist(artist))
	track := &datastore.Track{Title: "Set", ArtistID: artist.ID}
	require.NoError(t, ds.CreateTrack(track))
	require.NoError(t, m.fpStore.Attach(track.ID, "aabbccdd", []byte("raw"), 0, features.AlgorithmMD5))

	chain := &fakeChain{}
	m.capturer = &fakeCapturer{result: goodCapture()}
	m.extractor = &fakeExtractor{feats: musicFeatures("aabbccdd")}
	m.chain = chain

	m.RunCycle(context.Background())

	assert.Zero(t, chain.calls.Load(), "a local match never goes external")

	var det datastore.TrackDetection
	require.NoError(t, ds.Gorm().First(&det, "track_id = ?", track.ID).Error)
	assert.Equal(t, "local_exact", det.DetectionMethod)
}

func TestSpeechSkipsIdentification(t *testing.T) {
	m, ds := newTestMonitor(t)
	seedStation(t, ds)

	chain := &fakeChain{}
	feats := musicFeatures("0011223344556677")
	feats.IsMusic = false
	feats.MusicConfidence = 0.2
	m.capturer = &fakeCapturer{result: goodCapture()}
	m.extractor = &fakeExtractor{feats: feats}
	m.chain = chain

	m.RunCycle(context.Background())

	assert.Zero(t, chain.calls.Load())
	var count int64
	require.NoError(t, ds.Gorm().Model(&datastore.TrackDetection{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestNoMatchCreatesNothing(t *testing.T) {
	m, ds := newTestMonitor(t)
	seedStation(t, ds)

	m.capturer = &fakeCapturer{result: goodCapture()}
	m.extractor = &fakeExtractor{feats: musicFeatures("0011223344556677")}
	m.chain = &fakeChain{}

	m.RunCycle(context.Background())

	var count int64
	require.NoError(t, ds.Gorm().Model(&datastore.TrackDetection{}).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, ds.Gorm().Model(&datastore.Track{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestExtractorUnavailableDisablesChromaprint(t *testing.T) {
	m, ds := newTestMonitor(t)
	seedStation(t, ds)
	m.settings.Features.FpcalcPath = "/usr/bin/fpcalc"

	ext := &fakeExtractor{
		feats: musicFeatures("0011223344556677"),
		err:   apperrors.ErrExtractorUnavailable,
	}
	m.capturer = &fakeCapturer{result: goodCapture()}
	m.extractor = ext
	m.chain = &fakeChain{env: &recognizer.Envelope{
		TrackInfo:       recognizer.TrackInfo{Title: "Yoff", Artist: "Orchestra Baobab"},
		Confidence:      0.92,
		Source:          recognizer.SourceAcoustID,
		DetectionMethod: recognizer.SourceAcoustID,
	}}

	m.RunCycle(context.Background())

	assert.True(t, ext.disabled.Load(), "the switch lives on the extractor")
	assert.Equal(t, "/usr/bin/fpcalc", m.settings.Features.FpcalcPath,
		"shared settings are never mutated from a worker")

	var count int64
	require.NoError(t, ds.Gorm().Model(&datastore.TrackDetection{}).Count(&count).Error)
	assert.EqualValues(t, 1, count, "the retry without chromaprint still detects")
}

func TestConsecutiveFailuresMoveStationToError(t *testing.T) {
	m, ds := newTestMonitor(t)
	station := seedStation(t, ds)

	m.capturer = &fakeCapturer{err: errors.New("connection refused")}
	m.extractor = &fakeExtractor{feats: musicFeatures("0011223344556677")}
	m.chain = &fakeChain{}

	for i := 0; i < 3; i++ {
		m.RunCycle(context.Background())
	}

	refreshed, err := ds.GetStation(station.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StationError, refreshed.Status)
	assert.Equal(t, 3, refreshed.FailureCount)
}

func TestSuccessfulCheckRecoversStation(t *testing.T) {
	m, ds := newTestMonitor(t)
	station := seedStation(t, ds)
	station.Status = datastore.StationError
	station.FailureCount = 3
	require.NoError(t, ds.UpdateStation(station))

	m.capturer = &fakeCapturer{result: goodCapture()}
	m.extractor = &fakeExtractor{feats: musicFeatures("0011223344556677")}
	m.chain = &fakeChain{}

	m.RunCycle(context.Background())

	refreshed, err := ds.GetStation(station.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StationActive, refreshed.Status, "errored stations recover on success")
	assert.Zero(t, refreshed.FailureCount)
	assert.False(t, refreshed.LastSuccess.IsZero())
}

func TestContinuedPlayKeepsOneRow(t *testing.T) {
	m, ds := newTestMonitor(t)
	seedStation(t, ds)

	chain := &fakeChain{env: &recognizer.Envelope{
		TrackInfo:       recognizer.TrackInfo{Title: "Yoff", Artist: "Orchestra Baobab"},
		Confidence:      0.92,
		Source:          recognizer.SourceAcoustID,
		DetectionMethod: recognizer.SourceAcoustID,
	}}
	m.capturer = &fakeCapturer{result: goodCapture()}
	m.extractor = &fakeExtractor{feats: musicFeatures("0011223344556677")}
	m.chain = chain

	m.RunCycle(context.Background())
	m.RunCycle(context.Background())

	assert.EqualValues(t, 1, chain.calls.Load(),
		"the second cycle matches locally on the attached fingerprint")

	var count int64
	require.NoError(t, ds.Gorm().Model(&datastore.TrackDetection{}).Count(&count).Error)
	assert.EqualValues(t, 1, count, "a continuing play extends its row")

	var trackStats datastore.TrackStats
	require.NoError(t, ds.Gorm().First(&trackStats).Error)
	assert.EqualValues(t, 1, trackStats.TotalPlays)
}

func TestSilenceParksSession(t *testing.T) {
	m, ds := newTestMonitor(t)
	seedStation(t, ds)

	res := goodCapture()
	res.Reason = capture.ReasonSilence
	chain := &fakeChain{env: &recognizer.Envelope{
		TrackInfo:       recognizer.TrackInfo{Title: "Yoff", Artist: "Orchestra Baobab"},
		Confidence:      0.92,
		Source:          recognizer.SourceAcoustID,
		DetectionMethod: recognizer.SourceAcoustID,
	}}
	m.capturer = &fakeCapturer{result: res}
	m.extractor = &fakeExtractor{feats: musicFeatures("0011223344556677")}
	m.chain = chain

	m.RunCycle(context.Background())

	assert.Zero(t, m.tracker.ActiveCount())
	assert.Equal(t, 1, m.tracker.InterruptedCount(), "silence parks the session for a possible resume")

	var count int64
	require.NoError(t, ds.Gorm().Model(&datastore.TrackDetection{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestRunStopsOnCancel(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.capturer = &fakeCapturer{err: errors.New("unreachable")}
	m.extractor = &fakeExtractor{feats: musicFeatures("0011223344556677")}
	m.chain = &fakeChain{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop after cancel")
	}
}
