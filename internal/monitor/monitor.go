// Package monitor orchestrates the detection pipeline across all stations:
// capture, feature extraction, local and external identification, play
// tracking and statistics.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LordThiouk/sodav-monitor-sub003/internal/capture"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/conf"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/datastore"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/errors"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/features"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/fingerprint"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/httpclient"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/logging"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/recognizer"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/stats"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/telemetry"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/tracker"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/trackmanager"
)

// maxConsecutiveFailures is how many failed checks in a row move a station
// to the error status.
const maxConsecutiveFailures = 3

// capturer is the capture seam, satisfied by capture.Capturer.
type capturer interface {
	Capture(ctx context.Context, streamURL string) (*capture.Result, error)
}

// extractor is the feature extraction seam, satisfied by features.Extractor.
type extractor interface {
	Extract(ctx context.Context, pcm []byte, sampleRate int) (*features.Features, error)
	DisableChromaprint()
}

// identifier is the external recognition seam, satisfied by recognizer.Chain.
type identifier interface {
	Identify(ctx context.Context, input *recognizer.Input) (*recognizer.Envelope, error)
}

// Monitor runs the cycle loop. One instance owns the whole pipeline.
type Monitor struct {
	settings *conf.Settings
	ds       datastore.Interface
	log      *slog.Logger
	metrics  *telemetry.Metrics

	capturer  capturer
	extractor extractor
	matcher   *fingerprint.Matcher
	fpStore   *fingerprint.Store
	chain     identifier
	tracks    *trackmanager.Manager
	tracker   *tracker.Tracker
	stats     *stats.Updater
}

// New wires the full pipeline from settings and an open datastore.
func New(settings *conf.Settings, ds datastore.Interface, metrics *telemetry.Metrics, log *slog.Logger) *Monitor {
	if log == nil {
		log = logging.ForService("MONITOR")
	}
	client := httpclient.New(nil)
	fpStore := fingerprint.NewStore(ds, nil)
	return &Monitor{
		settings:  settings,
		ds:        ds,
		log:       log,
		metrics:   metrics,
		capturer:  capture.New(settings, nil),
		extractor: features.New(settings, nil),
		matcher:   fingerprint.NewMatcher(fpStore, ds, nil),
		fpStore:   fpStore,
		chain:     recognizer.NewChain(settings, client, nil),
		tracks:    trackmanager.New(ds, nil),
		tracker:   tracker.New(settings, ds, nil),
		stats:     stats.New(settings, ds, nil),
	}
}

// Tracker exposes the play tracker, mainly for shutdown flushing.
func (m *Monitor) Tracker() *tracker.Tracker { return m.tracker }

// Run executes monitoring cycles until the context is cancelled. Each cycle
// targets the configured interval; a cycle that runs long starts the next one
// immediately.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.settings.CycleInterval()
	m.log.Info("monitor starting",
		"interval", interval.String(),
		"max_concurrent", m.settings.Monitor.MaxConcurrent)

	for {
		start := time.Now()
		m.RunCycle(ctx)
		if ctx.Err() != nil {
			m.log.Info("monitor stopping")
			return nil
		}

		sleep := interval - time.Since(start)
		if sleep <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			m.log.Info("monitor stopping")
			return nil
		case <-time.After(sleep):
		}
	}
}

// RunCycle processes every eligible station once, in groups of the configured
// concurrency, and sweeps interrupted sessions between groups.
func (m *Monitor) RunCycle(ctx context.Context) {
	start := time.Now()

	stations, err := m.ds.GetActiveStations()
	if err != nil {
		m.log.Error("failed to list stations", "error", err)
		return
	}
	if len(stations) == 0 {
		m.log.Debug("no stations to monitor")
		return
	}

	groupSize := m.settings.Monitor.MaxConcurrent
	if groupSize < 1 {
		groupSize = 1
	}

	for offset := 0; offset < len(stations); offset += groupSize {
		if ctx.Err() != nil {
			return
		}
		end := offset + groupSize
		if end > len(stations) {
			end = len(stations)
		}

		var g errgroup.Group
		for _, station := range stations[offset:end] {
			station := station
			g.Go(func() error {
				m.processStation(ctx, &station)
				return nil
			})
		}
		_ = g.Wait()

		m.tracker.Cleanup()
		if m.metrics != nil {
			m.metrics.ActiveSessions.Set(float64(m.tracker.ActiveCount()))
		}
	}

	if m.metrics != nil {
		m.metrics.CyclesTotal.Inc()
		m.metrics.CycleDuration.Observe(time.Since(start).Seconds())
	}
	m.log.Info("cycle complete",
		"stations", len(stations),
		"elapsed", time.Since(start).String())
}

// processStation runs one station through the pipeline under a wall-time
// budget of twice the capture ceiling.
func (m *Monitor) processStation(ctx context.Context, station *datastore.RadioStation) {
	ctx, cancel := context.WithTimeout(ctx, 2*m.settings.CaptureMaxDuration())
	defer cancel()

	start := time.Now()
	outcome := m.runPipeline(ctx, station)
	if m.metrics != nil {
		m.metrics.PipelineDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
}

func (m *Monitor) runPipeline(ctx context.Context, station *datastore.RadioStation) string {
	result, err := m.capturer.Capture(ctx, station.StreamURL)
	if err != nil {
		m.recordFailure(station, err)
		return "capture_error"
	}
	m.recordSuccess(station)
	if m.metrics != nil {
		m.metrics.CapturesTotal.WithLabelValues(string(result.Reason)).Inc()
		m.metrics.CaptureDuration.Observe(result.CapturedDuration.Seconds())
	}

	feats, err := m.extractor.Extract(ctx, result.PCM, result.SampleRate)
	if err != nil {
		if errors.Is(err, errors.ErrExtractorUnavailable) {
			// fpcalc is configured but not present; continue without
			// chromaprint for the rest of the run. The switch lives on the
			// extractor so concurrent station workers never touch settings.
			m.log.Warn("chromaprint extractor unavailable, disabling", "error", err)
			m.extractor.DisableChromaprint()
			feats, err = m.extractor.Extract(ctx, result.PCM, result.SampleRate)
		}
		if err != nil {
			m.log.Error("feature extraction failed", "station", station.Name, "error", err)
			return "extract_error"
		}
	}

	if !feats.IsMusic {
		m.log.Info("speech content, skipping identification",
			"station", station.Name,
			"music_confidence", feats.MusicConfidence)
		m.tracker.StopOthers(station.ID, 0)
		return "speech"
	}

	track, confidence, method, err := m.identify(ctx, feats, result)
	if err != nil {
		m.log.Error("identification failed", "station", station.Name, "error", err)
		return "identify_error"
	}
	if track == nil {
		m.log.Info("no match for capture", "station", station.Name)
		return "no_match"
	}

	m.recordPlay(ctx, station, track, feats, result, confidence, method)
	return "detection"
}

// identify resolves features to a canonical track, locally first and through
// the external chain on a local miss. External hits get the capture's content
// fingerprints attached so the next play matches locally.
func (m *Monitor) identify(ctx context.Context, feats *features.Features, result *capture.Result) (*datastore.Track, float64, string, error) {
	match, err := m.matcher.Match(feats)
	if err != nil {
		return nil, 0, "", err
	}
	if match != nil {
		if m.metrics != nil {
			m.metrics.DetectionsTotal.WithLabelValues(match.Method).Inc()
		}
		return match.Track, match.Confidence, match.Method, nil
	}

	env, err := m.chain.Identify(ctx, &recognizer.Input{
		Features:   feats,
		PCM:        result.PCM,
		SampleRate: result.SampleRate,
	})
	if err != nil {
		return nil, 0, "", err
	}
	if env == nil {
		if m.metrics != nil {
			m.metrics.RecognizerRequests.WithLabelValues("chain", "miss").Inc()
		}
		return nil, 0, "", nil
	}
	if m.metrics != nil {
		m.metrics.RecognizerRequests.WithLabelValues(env.Source, "hit").Inc()
		m.metrics.DetectionsTotal.WithLabelValues(env.DetectionMethod).Inc()
	}

	track, err := m.tracks.Resolve(env)
	if err != nil {
		return nil, 0, "", err
	}
	m.attachFingerprints(track.ID, feats)
	return track, env.Confidence, env.DetectionMethod, nil
}

// attachFingerprints stores the capture's fingerprints against the track so
// future plays resolve without an external call. Failures are logged only;
// the detection itself does not depend on them.
func (m *Monitor) attachFingerprints(trackID uint, feats *features.Features) {
	if err := m.fpStore.Attach(trackID, feats.ContentHash, feats.ContentRaw, 0, features.AlgorithmMD5); err != nil {
		m.log.Warn("failed to attach content fingerprint", "track_id", trackID, "error", err)
	}
	for _, seg := range feats.Segments {
		if seg.Hash == feats.ContentHash {
			continue
		}
		if err := m.fpStore.Attach(trackID, seg.Hash, seg.Raw, seg.Offset, seg.Algorithm); err != nil {
			m.log.Warn("failed to attach segment fingerprint", "track_id", trackID, "error", err)
		}
	}
}

// recordPlay drives the tracker and statistics for one identified capture.
// The first persist of a play feeds the full aggregates; later persists of
// the same row only add the new play time.
func (m *Monitor) recordPlay(ctx context.Context, station *datastore.RadioStation, track *datastore.Track, feats *features.Features, result *capture.Result, confidence float64, method string) {
	m.tracker.StopOthers(station.ID, track.ID)
	// the track was playing for the whole buffer we just analyzed
	m.tracker.StartTrackingAt(station.ID, track.ID, time.Now().Add(-result.CapturedDuration))

	det, delta, created, err := m.tracker.CreateDetection(station.ID, track.ID, confidence, feats.ContentHash, method)
	if err != nil {
		m.log.Error("failed to persist detection",
			"station", station.Name, "track_id", track.ID, "error", err)
		return
	}

	if result.Reason == capture.ReasonSilence {
		m.tracker.StopTracking(station.ID, track.ID, true)
	}

	if created {
		if err := m.stats.RecordDetection(ctx, det, track.ArtistID); err != nil {
			m.log.Error("failed to update statistics", "detection_id", det.ID, "error", err)
		}
	} else if err := m.stats.RecordExtension(ctx, det, track.ArtistID, delta); err != nil {
		m.log.Error("failed to extend statistics", "detection_id", det.ID, "error", err)
	}

	m.log.Info("detection recorded",
		"station", station.Name,
		"track_id", track.ID,
		"title", track.Title,
		"method", method,
		"confidence", confidence,
		"play_duration", det.PlayDuration.String(),
		"reason", string(result.Reason))
}

// recordFailure counts a failed check; three in a row move the station to
// the error status.
func (m *Monitor) recordFailure(station *datastore.RadioStation, cause error) {
	if m.metrics != nil {
		m.metrics.StationFailures.Inc()
		m.metrics.CapturesTotal.WithLabelValues(string(capture.ReasonError)).Inc()
	}

	station.FailureCount++
	station.LastCheck = time.Now()
	if station.FailureCount >= maxConsecutiveFailures && station.Status != datastore.StationError {
		station.Status = datastore.StationError
		m.log.Warn("station moved to error status",
			"station", station.Name,
			"failures", station.FailureCount)
	}
	if err := m.ds.UpdateStation(station); err != nil {
		m.log.Error("failed to update station after failure", "station", station.Name, "error", err)
	}
	m.log.Warn("station check failed",
		"station", station.Name,
		"failures", station.FailureCount,
		"error", cause)
}

// recordSuccess resets the failure streak and restores errored stations.
func (m *Monitor) recordSuccess(station *datastore.RadioStation) {
	now := time.Now()
	station.FailureCount = 0
	station.LastCheck = now
	station.LastSuccess = now
	if station.Status == datastore.StationError {
		station.Status = datastore.StationActive
		m.log.Info("station recovered", "station", station.Name)
	}
	if err := m.ds.UpdateStation(station); err != nil {
		m.log.Error("failed to update station after success", "station", station.Name, "error", err)
	}
}
