package recognizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/LordThiouk/sodav-monitor-sub003/internal/conf"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/errors"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/httpclient"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/logging"
)

const musicBrainzBaseURL = "https://musicbrainz.org/ws/2"

// MusicBrainz resolves stream-supplied metadata against the MusicBrainz
// recording search. It never uploads audio.
type MusicBrainz struct {
	client  *httpclient.Client
	log     *slog.Logger
	enabled bool
	baseURL string
}

type musicBrainzSearchResponse struct {
	Recordings []musicBrainzRecording `json:"recordings"`
}

type musicBrainzRecording struct {
	ID           string `json:"id"`
	Score        int    `json:"score"`
	Title        string `json:"title"`
	Length       int    `json:"length"` // milliseconds
	ArtistCredit []struct {
		Name string `json:"name"`
	} `json:"artist-credit"`
	Releases []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Date  string `json:"date"`
	} `json:"releases"`
	ISRCs []string `json:"isrcs"`
}

// NewMusicBrainz builds the metadata-based recognizer. It needs no API key.
func NewMusicBrainz(settings *conf.Settings, client *httpclient.Client, log *slog.Logger) *MusicBrainz {
	if log == nil {
		log = logging.ForService("EXTERNAL_DETECTION")
	}
	return &MusicBrainz{
		client:  client,
		log:     log,
		enabled: settings.Recognizer.Enabled,
		baseURL: musicBrainzBaseURL,
	}
}

func (m *MusicBrainz) Name() string { return SourceMusicBrainz }

func (m *MusicBrainz) Enabled() bool { return m.enabled }

// Identify searches for a recording by the title and artist the stream
// supplied. Captures without metadata are a miss. Confidence is the mean of
// the normalized title and artist similarities against the top result.
func (m *MusicBrainz) Identify(ctx context.Context, input *Input) (*Envelope, error) {
	if input.Features == nil || input.Features.Title == "" || input.Features.Artist == "" {
		return nil, nil
	}
	title, artist := input.Features.Title, input.Features.Artist

	query := fmt.Sprintf("recording:%q AND artist:%q", title, artist)
	params := url.Values{}
	params.Set("query", query)
	params.Set("limit", "1")
	params.Set("fmt", "json")

	var parsed musicBrainzSearchResponse
	if err := m.getJSON(ctx, m.baseURL+"/recording?"+params.Encode(), &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Recordings) == 0 {
		return nil, nil
	}
	rec := parsed.Recordings[0]

	confidence := (stringSimilarity(title, rec.Title) + stringSimilarity(artist, creditName(rec))) / 2

	info := TrackInfo{
		Title:         rec.Title,
		Artist:        creditName(rec),
		Duration:      time.Duration(rec.Length) * time.Millisecond,
		MusicBrainzID: rec.ID,
	}
	if len(rec.Releases) > 0 {
		info.Album = rec.Releases[0].Title
		info.ReleaseDate = rec.Releases[0].Date
	}
	if len(rec.ISRCs) > 0 {
		info.ISRC = rec.ISRCs[0]
	} else if isrc := m.lookupISRC(ctx, rec.ID); isrc != "" {
		info.ISRC = isrc
	}

	return &Envelope{
		TrackInfo:       info,
		Confidence:      confidence,
		Source:          SourceMusicBrainz,
		DetectionMethod: SourceMusicBrainz,
	}, nil
}

// lookupISRC fetches the recording detail for its ISRC list. Failures only
// cost the ISRC, not the match.
func (m *MusicBrainz) lookupISRC(ctx context.Context, recordingID string) string {
	var detail struct {
		ISRCs []string `json:"isrcs"`
	}
	err := m.getJSON(ctx, m.baseURL+"/recording/"+recordingID+"?inc=isrcs&fmt=json", &detail)
	if err != nil {
		m.log.Debug("isrc follow-up failed", "recording_id", recordingID, "error", err)
		return ""
	}
	if len(detail.ISRCs) == 0 {
		return ""
	}
	return detail.ISRCs[0]
}

func (m *MusicBrainz) getJSON(ctx context.Context, rawURL string, out any) error {
	resp, err := m.client.Get(ctx, rawURL)
	if err != nil {
		return errors.New(err).
			Component("recognizer").
			Category(errors.CategoryNetwork).
			Context("source", SourceMusicBrainz).
			Build()
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return errors.Newf("musicbrainz returned status %d", resp.StatusCode).
			Component("recognizer").
			Category(errors.CategoryHTTP).
			Build()
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.New(fmt.Errorf("error decoding musicbrainz response: %w", err)).
			Component("recognizer").
			Category(errors.CategoryProcessing).
			Build()
	}
	return nil
}

func creditName(rec musicBrainzRecording) string {
	if len(rec.ArtistCredit) == 0 {
		return ""
	}
	names := make([]string, len(rec.ArtistCredit))
	for i, credit := range rec.ArtistCredit {
		names[i] = credit.Name
	}
	return strings.Join(names, ", ")
}

// stringSimilarity is a normalized Levenshtein similarity in [0, 1],
// case-insensitive.
func stringSimilarity(a, b string) float64 {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}

	ar, br := []rune(a), []rune(b)
	prev := make([]int, len(br)+1)
	curr := make([]int, len(br)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ar); i++ {
		curr[0] = i
		for j := 1; j <= len(br); j++ {
			cost := 1
			if ar[i-1] == br[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	maxLen := len(ar)
	if len(br) > maxLen {
		maxLen = len(br)
	}
	return 1 - float64(prev[len(br)])/float64(maxLen)
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
