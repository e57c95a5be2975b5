// Package recognizer implements the external recognition chain: AcoustID,
// MusicBrainz metadata search and AudD, tried in order behind one interface.
package recognizer

import (
	"context"
	"time"

	"github.com/LordThiouk/sodav-monitor-sub003/internal/features"
)

// Recognition sources.
const (
	SourceAcoustID    = "acoustid"
	SourceMusicBrainz = "musicbrainz"
	SourceAudD        = "audd"
)

// TrackInfo is the normalized metadata extracted from any external source.
type TrackInfo struct {
	Title         string
	Artist        string
	Album         string
	ISRC          string
	Label         string
	ReleaseDate   string
	Duration      time.Duration
	MusicBrainzID string
}

// Envelope is the uniform result shape every recognizer produces.
type Envelope struct {
	TrackInfo       TrackInfo
	Confidence      float64
	Source          string
	DetectionMethod string
}

// Input carries everything a recognizer may need: the feature record plus the
// raw audio window for services that accept uploads.
type Input struct {
	Features   *features.Features
	PCM        []byte
	SampleRate int
}

// Recognizer identifies a capture against one external service. A miss is
// (nil, nil); errors are reserved for transport and decoding failures.
type Recognizer interface {
	Name() string
	Enabled() bool
	Identify(ctx context.Context, input *Input) (*Envelope, error)
}
