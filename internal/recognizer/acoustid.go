package recognizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/LordThiouk/sodav-monitor-sub003/internal/conf"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/errors"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/httpclient"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/logging"
)

const acoustIDLookupURL = "https://api.acoustid.org/v2/lookup"

// AcoustID resolves chromaprint fingerprints through the AcoustID web
// service.
type AcoustID struct {
	client   *httpclient.Client
	log      *slog.Logger
	apiKey   string
	enabled  bool
	minScore float64
	baseURL  string
}

type acoustIDResponse struct {
	Status  string `json:"status"`
	Results []struct {
		ID         string  `json:"id"`
		Score      float64 `json:"score"`
		Recordings []struct {
			ID       string  `json:"id"`
			Title    string  `json:"title"`
			Duration float64 `json:"duration"`
			Artists  []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"artists"`
			ReleaseGroups []struct {
				ID    string `json:"id"`
				Title string `json:"title"`
			} `json:"releasegroups"`
			ISRCs []string `json:"isrcs"`
		} `json:"recordings"`
	} `json:"results"`
}

// NewAcoustID builds the AcoustID recognizer. A missing API key leaves it
// disabled rather than erroring.
func NewAcoustID(settings *conf.Settings, client *httpclient.Client, log *slog.Logger) *AcoustID {
	if log == nil {
		log = logging.ForService("EXTERNAL_DETECTION")
	}
	return &AcoustID{
		client:   client,
		log:      log,
		apiKey:   settings.Recognizer.AcoustIDAPIKey,
		enabled:  settings.Recognizer.AcoustIDEnabled && settings.Recognizer.AcoustIDAPIKey != "",
		minScore: settings.Recognizer.MinConfidence,
		baseURL:  acoustIDLookupURL,
	}
}

func (a *AcoustID) Name() string { return SourceAcoustID }

func (a *AcoustID) Enabled() bool { return a.enabled }

// Identify looks up the capture's chromaprint. Captures without a chromaprint
// are a miss, not an error.
func (a *AcoustID) Identify(ctx context.Context, input *Input) (*Envelope, error) {
	if input.Features == nil || len(input.Features.Chromaprint) == 0 {
		return nil, nil
	}

	params := url.Values{}
	params.Set("client", a.apiKey)
	params.Set("meta", "recordings+releasegroups+compress")
	params.Set("fingerprint", joinFingerprint(input.Features.Chromaprint))
	params.Set("duration", strconv.Itoa(int(input.Features.DurationSeconds)))

	resp, err := a.client.Get(ctx, a.baseURL+"?"+params.Encode())
	if err != nil {
		return nil, errors.New(err).
			Component("recognizer").
			Category(errors.CategoryNetwork).
			Context("source", SourceAcoustID).
			Build()
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, errors.Newf("acoustid lookup returned status %d", resp.StatusCode).
			Component("recognizer").
			Category(errors.CategoryHTTP).
			Build()
	}

	var parsed acoustIDResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.New(fmt.Errorf("error decoding acoustid response: %w", err)).
			Component("recognizer").
			Category(errors.CategoryProcessing).
			Build()
	}

	if parsed.Status != "ok" || len(parsed.Results) == 0 {
		return nil, nil
	}
	top := parsed.Results[0]
	if top.Score < a.minScore || len(top.Recordings) == 0 {
		a.log.Debug("acoustid result below floor", "score", top.Score)
		return nil, nil
	}
	rec := top.Recordings[0]

	info := TrackInfo{
		Title:         rec.Title,
		Duration:      time.Duration(rec.Duration * float64(time.Second)),
		MusicBrainzID: rec.ID,
	}
	if len(rec.Artists) > 0 {
		names := make([]string, len(rec.Artists))
		for i, artist := range rec.Artists {
			names[i] = artist.Name
		}
		info.Artist = strings.Join(names, ", ")
	}
	if len(rec.ReleaseGroups) > 0 {
		info.Album = rec.ReleaseGroups[0].Title
	}
	if len(rec.ISRCs) > 0 {
		info.ISRC = rec.ISRCs[0]
	}

	return &Envelope{
		TrackInfo:       info,
		Confidence:      top.Score,
		Source:          SourceAcoustID,
		DetectionMethod: SourceAcoustID,
	}, nil
}

// joinFingerprint serializes the raw fingerprint integers for the lookup
// query.
func joinFingerprint(fp []uint32) string {
	parts := make([]string, len(fp))
	for i, v := range fp {
		parts[i] = strconv.FormatUint(uint64(v), 10)
	}
	return strings.Join(parts, ",")
}
