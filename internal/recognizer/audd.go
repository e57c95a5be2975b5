package recognizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/LordThiouk/sodav-monitor-sub003/internal/conf"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/errors"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/features"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/httpclient"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/logging"
)

const (
	auddAPIURL = "https://api.audd.io/"

	// AudD responses without a usable score default to this confidence.
	auddDefaultConfidence = 0.8
)

// AudD uploads the captured audio window to the AudD recognition service,
// the last and most expensive rung of the chain.
type AudD struct {
	client   *httpclient.Client
	log      *slog.Logger
	apiToken string
	enabled  bool
	baseURL  string
}

type auddResponse struct {
	Status string `json:"status"`
	Result *struct {
		Title       string  `json:"title"`
		Artist      string  `json:"artist"`
		Album       string  `json:"album"`
		Label       string  `json:"label"`
		ReleaseDate string  `json:"release_date"`
		ISRC        string  `json:"isrc"`
		Score       float64 `json:"score"`
		MusicBrainz []struct {
			ID string `json:"id"`
		} `json:"musicbrainz"`
	} `json:"result"`
}

// NewAudD builds the AudD recognizer. A missing token leaves it disabled.
func NewAudD(settings *conf.Settings, client *httpclient.Client, log *slog.Logger) *AudD {
	if log == nil {
		log = logging.ForService("EXTERNAL_DETECTION")
	}
	return &AudD{
		client:   client,
		log:      log,
		apiToken: settings.Recognizer.AudDAPIKey,
		enabled:  settings.Recognizer.AudDEnabled && settings.Recognizer.AudDAPIKey != "",
		baseURL:  auddAPIURL,
	}
}

func (a *AudD) Name() string { return SourceAudD }

func (a *AudD) Enabled() bool { return a.enabled }

// Identify uploads the capture as WAV and parses AudD's verdict.
func (a *AudD) Identify(ctx context.Context, input *Input) (*Envelope, error) {
	if len(input.PCM) == 0 {
		return nil, nil
	}

	wavBytes, err := features.EncodeWAV(input.PCM, input.SampleRate)
	if err != nil {
		return nil, errors.New(err).
			Component("recognizer").
			Category(errors.CategoryAudio).
			Context("source", SourceAudD).
			Build()
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("api_token", a.apiToken); err != nil {
		return nil, fmt.Errorf("error writing form field: %w", err)
	}
	if err := form.WriteField("return", "spotify,musicbrainz,deezer,isrc"); err != nil {
		return nil, fmt.Errorf("error writing form field: %w", err)
	}
	part, err := form.CreateFormFile("file", "capture.wav")
	if err != nil {
		return nil, fmt.Errorf("error creating form file: %w", err)
	}
	if _, err := part.Write(wavBytes); err != nil {
		return nil, fmt.Errorf("error writing form file: %w", err)
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("error finalizing form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, &body)
	if err != nil {
		return nil, fmt.Errorf("error creating audd request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := a.client.Do(ctx, req)
	if err != nil {
		return nil, errors.New(err).
			Component("recognizer").
			Category(errors.CategoryNetwork).
			Context("source", SourceAudD).
			Build()
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, errors.Newf("audd returned status %d", resp.StatusCode).
			Component("recognizer").
			Category(errors.CategoryHTTP).
			Build()
	}

	var parsed auddResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.New(fmt.Errorf("error decoding audd response: %w", err)).
			Component("recognizer").
			Category(errors.CategoryProcessing).
			Build()
	}
	if parsed.Status != "success" || parsed.Result == nil {
		return nil, nil
	}
	res := parsed.Result

	info := TrackInfo{
		Title:       res.Title,
		Artist:      res.Artist,
		Album:       res.Album,
		Label:       res.Label,
		ReleaseDate: res.ReleaseDate,
		ISRC:        res.ISRC,
	}
	if len(res.MusicBrainz) > 0 {
		info.MusicBrainzID = res.MusicBrainz[0].ID
	}

	return &Envelope{
		TrackInfo:       info,
		Confidence:      auddConfidence(res.Score),
		Source:          SourceAudD,
		DetectionMethod: SourceAudD,
	}, nil
}

// auddConfidence normalizes AudD's score field: 1-100 scales down, other
// positive values pass through, absent scores fall back to the default.
func auddConfidence(score float64) float64 {
	switch {
	case score > 1 && score <= 100:
		return score / 100
	case score > 0 && score <= 1:
		return score
	default:
		return auddDefaultConfidence
	}
}
