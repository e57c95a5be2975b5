// Package trackmanager resolves recognition results to canonical Artist and
// Track rows, creating or enriching them as needed.
package trackmanager

import (
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/LordThiouk/sodav-monitor-sub003/internal/datastore"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/errors"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/logging"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/recognizer"
)

// Catch-all names for blank or missing credits.
const (
	UnknownArtist = "Unknown Artist"
	UnknownTrack  = "Unknown Track"
)

var isrcPattern = regexp.MustCompile(`^[A-Z]{2}[A-Z0-9]{3}[0-9]{2}[0-9]{5}$`)

// artistCacheTTL bounds how long resolved artists are served from memory.
const artistCacheTTL = 10 * time.Minute

// Manager owns the canonical Artist and Track rows.
type Manager struct {
	ds      datastore.Interface
	log     *slog.Logger
	artists *cache.Cache
}

// New returns a Manager over the given datastore.
func New(ds datastore.Interface, log *slog.Logger) *Manager {
	if log == nil {
		log = logging.ForService("TRACK_MANAGER")
	}
	return &Manager{
		ds:      ds,
		log:     log,
		artists: cache.New(artistCacheTTL, artistCacheTTL),
	}
}

// NormalizeISRC strips hyphens and uppercases, then validates the 12-char
// pattern. Invalid codes normalize to the empty string.
func NormalizeISRC(isrc string) string {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(isrc), "-", ""))
	if !isrcPattern.MatchString(normalized) {
		return ""
	}
	return normalized
}

// GetOrCreateArtist returns the artist with the given name, creating it on
// first sight. Blank names collapse to UnknownArtist.
func (m *Manager) GetOrCreateArtist(name string) (*datastore.Artist, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = UnknownArtist
	}

	if cached, ok := m.artists.Get(name); ok {
		return cached.(*datastore.Artist), nil
	}

	artist, err := m.ds.GetArtistByName(name)
	if err != nil {
		return nil, m.wrap(err)
	}
	if artist != nil {
		m.artists.SetDefault(name, artist)
		return artist, nil
	}

	artist = &datastore.Artist{Name: name}
	if err := m.ds.CreateArtist(artist); err != nil {
		return nil, m.wrap(err)
	}
	m.artists.SetDefault(name, artist)
	m.log.Info("created artist", "artist_id", artist.ID, "name", name)
	return artist, nil
}

// GetOrCreateTrack returns the track identified by the ISRC when one is
// supplied and valid, else by (title, artist). Blank titles collapse to
// UnknownTrack. Existing rows absorb any newly-supplied fields that were
// previously empty.
func (m *Manager) GetOrCreateTrack(params *datastore.Track) (*datastore.Track, error) {
	params.Title = strings.TrimSpace(params.Title)
	if params.Title == "" {
		params.Title = UnknownTrack
	}
	params.ISRC = NormalizeISRC(params.ISRC)

	track, err := m.lookup(params)
	if err != nil {
		return nil, err
	}
	if track == nil {
		if err := m.ds.CreateTrack(params); err != nil {
			return nil, m.wrap(err)
		}
		m.log.Info("created track",
			"track_id", params.ID,
			"title", params.Title,
			"artist_id", params.ArtistID,
			"isrc", params.ISRC)
		return params, nil
	}

	if m.mergeFields(track, params) {
		if err := m.ds.UpdateTrack(track); err != nil {
			return nil, m.wrap(err)
		}
		m.log.Debug("enriched track", "track_id", track.ID)
	}
	return track, nil
}

// Resolve turns an external recognition envelope into a persisted track.
func (m *Manager) Resolve(env *recognizer.Envelope) (*datastore.Track, error) {
	artist, err := m.GetOrCreateArtist(env.TrackInfo.Artist)
	if err != nil {
		return nil, err
	}
	return m.GetOrCreateTrack(&datastore.Track{
		Title:       strings.TrimSpace(env.TrackInfo.Title),
		ArtistID:    artist.ID,
		Album:       env.TrackInfo.Album,
		ISRC:        env.TrackInfo.ISRC,
		Label:       env.TrackInfo.Label,
		ReleaseDate: env.TrackInfo.ReleaseDate,
		Duration:    env.TrackInfo.Duration,
	})
}

func (m *Manager) lookup(params *datastore.Track) (*datastore.Track, error) {
	if params.ISRC != "" {
		track, err := m.ds.GetTrackByISRC(params.ISRC)
		if err != nil {
			return nil, m.wrap(err)
		}
		if track != nil {
			return track, nil
		}
	}
	track, err := m.ds.GetTrackByTitleArtist(params.Title, params.ArtistID)
	if err != nil {
		return nil, m.wrap(err)
	}
	return track, nil
}

// mergeFields copies supplied values into empty fields of an existing track.
// Returns true when anything changed.
func (m *Manager) mergeFields(track, params *datastore.Track) bool {
	changed := false
	if track.Album == "" && params.Album != "" {
		track.Album = params.Album
		changed = true
	}
	if track.ISRC == "" && params.ISRC != "" {
		track.ISRC = params.ISRC
		changed = true
	}
	if track.Label == "" && params.Label != "" {
		track.Label = params.Label
		changed = true
	}
	if track.ReleaseDate == "" && params.ReleaseDate != "" {
		track.ReleaseDate = params.ReleaseDate
		changed = true
	}
	if track.Duration == 0 && params.Duration != 0 {
		track.Duration = params.Duration
		changed = true
	}
	return changed
}

func (m *Manager) wrap(err error) error {
	return errors.New(err).
		Component("trackmanager").
		Category(errors.CategoryDatabase).
		Build()
}
