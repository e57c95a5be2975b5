// Package fingerprint provides the fingerprint store and the local matcher
// that resolves captured features against it.
package fingerprint

import (
	"encoding/hex"
	"log/slog"
	"math/bits"

	"github.com/LordThiouk/sodav-monitor-sub003/internal/datastore"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/errors"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/logging"
)

// DefaultApproximateThreshold is the similarity floor for approximate matches.
const DefaultApproximateThreshold = 0.85

// Store wraps the persisted fingerprint table. The exact-hash path is an
// indexed lookup; the approximate path scans fingerprints of one algorithm.
type Store struct {
	ds  datastore.Interface
	log *slog.Logger
}

// NewStore returns a Store over the given datastore.
func NewStore(ds datastore.Interface, log *slog.Logger) *Store {
	if log == nil {
		log = logging.ForService("FINGERPRINT")
	}
	return &Store{ds: ds, log: log}
}

// FindByHash returns the fingerprint with the given hash, or nil.
func (s *Store) FindByHash(hash string) (*datastore.Fingerprint, error) {
	if hash == "" {
		return nil, nil
	}
	return s.ds.GetFingerprintByHash(hash)
}

// FindAllByHash returns every fingerprint with the given hash.
func (s *Store) FindAllByHash(hash string) ([]datastore.Fingerprint, error) {
	if hash == "" {
		return nil, nil
	}
	return s.ds.GetFingerprintsByHash(hash)
}

// Attach stores a fingerprint for a track, idempotent on
// (track_id, algorithm, hash).
func (s *Store) Attach(trackID uint, hash string, raw []byte, offset float64, algorithm string) error {
	fp := &datastore.Fingerprint{
		TrackID:   trackID,
		Hash:      hash,
		RawData:   raw,
		Offset:    offset,
		Algorithm: algorithm,
	}
	if err := s.ds.AttachFingerprint(fp); err != nil {
		return errors.New(err).
			Component("fingerprint").
			Category(errors.CategoryDatabase).
			Context("track_id", trackID).
			Build()
	}
	return nil
}

// ApproximateMatch scans fingerprints of the given algorithm for the one most
// similar to queryHash and returns its track with the similarity, or nil when
// nothing reaches the threshold. Candidates tie-break on offset closest to
// the track start, then on lower id.
func (s *Store) ApproximateMatch(queryHash, algorithm string, threshold float64) (*datastore.Track, float64, error) {
	if queryHash == "" {
		return nil, 0, nil
	}

	candidates, err := s.ds.GetFingerprintsByAlgorithm(algorithm)
	if err != nil {
		return nil, 0, errors.New(err).
			Component("fingerprint").
			Category(errors.CategoryDatabase).
			Build()
	}

	var best *datastore.Fingerprint
	var bestSim float64
	for i := range candidates {
		fp := &candidates[i]
		if len(fp.Hash) != len(queryHash) {
			continue
		}
		sim := HashSimilarity(queryHash, fp.Hash)
		if sim < threshold {
			continue
		}
		if best == nil || sim > bestSim ||
			(sim == bestSim && fp.Offset < best.Offset) ||
			(sim == bestSim && fp.Offset == best.Offset && fp.ID < best.ID) {
			best = fp
			bestSim = sim
		}
	}
	if best == nil {
		return nil, 0, nil
	}

	track, err := s.ds.GetTrack(best.TrackID)
	if err != nil {
		return nil, 0, err
	}
	if track == nil {
		// orphaned fingerprint, treat as no match
		s.log.Warn("fingerprint references missing track", "fingerprint_id", best.ID, "track_id", best.TrackID)
		return nil, 0, nil
	}
	return track, bestSim, nil
}

// HashSimilarity computes the normalized Hamming similarity between two
// equal-length hex digests: the fraction of identical bits. Non-hex or
// unequal-length inputs score 0.
func HashSimilarity(a, b string) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	ab, err := hex.DecodeString(a)
	if err != nil {
		return 0
	}
	bb, err := hex.DecodeString(b)
	if err != nil {
		return 0
	}

	var differing int
	for i := range ab {
		differing += bits.OnesCount8(ab[i] ^ bb[i])
	}
	totalBits := len(ab) * 8
	return 1 - float64(differing)/float64(totalBits)
}
