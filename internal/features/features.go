// Package features turns captured PCM into the typed feature record consumed
// by the local matcher and the external recognizers.
package features

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/LordThiouk/sodav-monitor-sub003/internal/capture"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/conf"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/errors"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/logging"
)

// Fingerprint algorithm tags stored alongside hashes.
const (
	AlgorithmMD5         = "md5"
	AlgorithmChromaprint = "chromaprint"
)

const (
	segmentSeconds = 10.0
	segmentHop     = 5.0
)

// SegmentFingerprint is a content hash over one slice of the capture, used
// to match tracks captured mid-stream.
type SegmentFingerprint struct {
	Hash      string
	Raw       []byte
	Offset    float64 // seconds from buffer start
	Algorithm string
}

// Features is the typed record produced from one capture.
type Features struct {
	DurationSeconds float64
	Chromaprint     []uint32 // nil when fpcalc is not configured
	ContentHash     string   // exact-match key
	ContentRaw      []byte   // deterministic bytes behind ContentHash
	Segments        []SegmentFingerprint
	IsMusic         bool
	MusicConfidence float64

	// stream metadata when the source supplies it, consumed by the
	// metadata-based recognizer
	Title  string
	Artist string
}

// Extractor computes Features from PCM buffers. Safe for concurrent use.
type Extractor struct {
	settings *conf.Settings
	log      *slog.Logger

	chromaprintOff atomic.Bool
}

// New returns an Extractor bound to the given settings.
func New(settings *conf.Settings, log *slog.Logger) *Extractor {
	if log == nil {
		log = logging.ForService("FINGERPRINT")
	}
	return &Extractor{settings: settings, log: log}
}

// Extract computes the full feature record for a PCM buffer. Chromaprint is
// attempted only when an fpcalc path is configured; a missing binary surfaces
// as ErrExtractorUnavailable. All other analysis is pure CPU work.
func (e *Extractor) Extract(ctx context.Context, pcm []byte, sampleRate int) (*Features, error) {
	if len(pcm) == 0 {
		return nil, errors.New(errors.ErrNoAudio).
			Component("features").
			Category(errors.CategoryAudio).
			Build()
	}

	samples := capture.DecodeSamples(pcm)
	frames := spectrogram(samples)
	if len(frames) == 0 {
		return nil, errors.New(errors.ErrNoAudio).
			Component("features").
			Category(errors.CategoryAudio).
			Context("samples", len(samples)).
			Build()
	}

	duration := float64(len(samples)) / float64(sampleRate)
	raw := contentDescriptor(frames, sampleRate)
	verdict := classify(frames, sampleRate)

	f := &Features{
		DurationSeconds: duration,
		ContentHash:     hashHex(raw),
		ContentRaw:      raw,
		Segments:        e.segmentFingerprints(samples, sampleRate),
		IsMusic:         verdict.IsMusic,
		MusicConfidence: verdict.Confidence,
	}

	if e.settings.Features.FpcalcPath != "" && !e.chromaprintOff.Load() {
		fp, err := e.chromaprint(ctx, pcm, sampleRate)
		if err != nil {
			if errors.Is(err, errors.ErrExtractorUnavailable) {
				return nil, err
			}
			// fpcalc trouble degrades to a record without chromaprint
			e.log.Warn("chromaprint extraction failed", "error", err)
		} else {
			f.Chromaprint = fp
		}
	}

	e.log.Debug("features extracted",
		"duration", duration,
		"content_hash", f.ContentHash,
		"segments", len(f.Segments),
		"chromaprint", len(f.Chromaprint),
		"is_music", f.IsMusic,
		"music_confidence", f.MusicConfidence)

	return f, nil
}

// DisableChromaprint turns off fpcalc invocation for the lifetime of the
// Extractor. Called when the configured binary turns out to be missing, so
// extraction can continue without it.
func (e *Extractor) DisableChromaprint() {
	e.chromaprintOff.Store(true)
}

// segmentFingerprints hashes overlapping slices of the buffer so a track
// joined mid-play can still be matched. Buffers shorter than one segment get
// a single fingerprint covering the whole buffer.
func (e *Extractor) segmentFingerprints(samples []float64, sampleRate int) []SegmentFingerprint {
	segLen := int(segmentSeconds * float64(sampleRate))
	hop := int(segmentHop * float64(sampleRate))

	var segments []SegmentFingerprint
	appendSegment := func(slice []float64, offset float64) {
		frames := spectrogram(slice)
		if len(frames) == 0 {
			return
		}
		raw := contentDescriptor(frames, sampleRate)
		segments = append(segments, SegmentFingerprint{
			Hash:      hashHex(raw),
			Raw:       raw,
			Offset:    offset,
			Algorithm: AlgorithmMD5,
		})
	}

	if len(samples) <= segLen {
		appendSegment(samples, 0)
		return segments
	}
	for start := 0; start+segLen <= len(samples); start += hop {
		appendSegment(samples[start:start+segLen], float64(start)/float64(sampleRate))
	}
	return segments
}

// contentDescriptor serializes mean MFCC, mean chroma and the mean spectral
// centroid into a fixed-length byte vector. Values are quantized so the bytes
// are stable for identical audio.
func contentDescriptor(frames [][]float64, sampleRate int) []byte {
	values := make([]float64, 0, numMFCC+numChroma+1)
	values = append(values, meanMFCC(frames, sampleRate)...)
	values = append(values, meanChroma(frames, sampleRate)...)
	values = append(values, meanSpectralCentroid(frames, sampleRate))

	raw := make([]byte, len(values)*8)
	for i, v := range values {
		binary.BigEndian.PutUint64(raw[i*8:], math.Float64bits(quantize(v)))
	}
	return raw
}

func quantize(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

func hashHex(raw []byte) string {
	sum := md5.Sum(raw)
	return hex.EncodeToString(sum[:])
}
