package fingerprint

import (
	"log/slog"
	"time"

	"github.com/LordThiouk/sodav-monitor-sub003/internal/datastore"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/features"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/logging"
)

// Detection methods recorded on matches.
const (
	MethodLocalExact       = "local_exact"
	MethodLocalApproximate = "local_approximate"
)

// Match is the envelope produced by a successful local lookup.
type Match struct {
	Track      *datastore.Track
	Confidence float64
	Method     string
}

// Matcher resolves a feature record against the local fingerprint store.
type Matcher struct {
	store     *Store
	ds        datastore.Interface
	log       *slog.Logger
	threshold float64
}

// NewMatcher returns a Matcher using the default approximate threshold.
func NewMatcher(store *Store, ds datastore.Interface, log *slog.Logger) *Matcher {
	if log == nil {
		log = logging.ForService("DETECTION")
	}
	return &Matcher{store: store, ds: ds, log: log, threshold: DefaultApproximateThreshold}
}

// Match tries the exact content hash first, then the approximate scan, and
// finally the segment hashes for captures that joined a track mid-play.
// Returns nil when nothing matches.
func (m *Matcher) Match(f *features.Features) (*Match, error) {
	if f == nil || f.ContentHash == "" {
		return nil, nil
	}

	track, err := m.exactMatch(f.ContentHash)
	if err != nil {
		return nil, err
	}
	if track == nil {
		for _, seg := range f.Segments {
			if seg.Hash == f.ContentHash {
				continue
			}
			if track, err = m.exactMatch(seg.Hash); err != nil {
				return nil, err
			}
			if track != nil {
				break
			}
		}
	}
	if track != nil {
		m.log.Debug("local exact match", "track_id", track.ID, "title", track.Title)
		return &Match{Track: track, Confidence: 1.0, Method: MethodLocalExact}, nil
	}

	track, sim, err := m.store.ApproximateMatch(f.ContentHash, features.AlgorithmMD5, m.threshold)
	if err != nil {
		return nil, err
	}
	if track != nil {
		m.log.Debug("local approximate match", "track_id", track.ID, "similarity", sim)
		return &Match{Track: track, Confidence: sim, Method: MethodLocalApproximate}, nil
	}
	return nil, nil
}

// exactMatch resolves one hash to a track. Multiple tracks sharing a hash
// should not happen; if they do, prefer the track with the most attached
// fingerprints, then the oldest.
func (m *Matcher) exactMatch(hash string) (*datastore.Track, error) {
	fps, err := m.store.FindAllByHash(hash)
	if err != nil {
		return nil, err
	}
	if len(fps) == 0 {
		return nil, nil
	}

	var best *datastore.Track
	var bestCount int64
	var bestCreated time.Time
	seen := make(map[uint]bool)
	for i := range fps {
		trackID := fps[i].TrackID
		if seen[trackID] {
			continue
		}
		seen[trackID] = true

		track, err := m.ds.GetTrack(trackID)
		if err != nil {
			return nil, err
		}
		if track == nil {
			continue
		}
		count, err := m.ds.CountFingerprints(trackID)
		if err != nil {
			return nil, err
		}
		if best == nil || count > bestCount ||
			(count == bestCount && track.CreatedAt.Before(bestCreated)) {
			best = track
			bestCount = count
			bestCreated = track.CreatedAt
		}
	}
	return best, nil
}
