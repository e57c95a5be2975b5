package recognizer

import (
	"context"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/LordThiouk/sodav-monitor-sub003/internal/conf"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/httpclient"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/logging"
)

const (
	negativeCacheTTL     = 5 * time.Minute
	negativeCacheCleanup = 10 * time.Minute
)

// Chain runs recognizers in order and returns the first acceptable envelope.
// Misses are cached briefly per content hash so repeated captures of the same
// unidentified audio do not hammer the external services.
type Chain struct {
	recognizers []Recognizer
	log         *slog.Logger
	timeout     time.Duration
	minAccept   float64
	enabled     bool
	misses      *cache.Cache
}

// NewChain builds the standard AcoustID, MusicBrainz, AudD chain.
func NewChain(settings *conf.Settings, client *httpclient.Client, log *slog.Logger) *Chain {
	if log == nil {
		log = logging.ForService("EXTERNAL_DETECTION")
	}
	return &Chain{
		recognizers: []Recognizer{
			NewAcoustID(settings, client, log),
			NewMusicBrainz(settings, client, log),
			NewAudD(settings, client, log),
		},
		log:       log,
		timeout:   settings.RecognizerTimeout(),
		minAccept: settings.Recognizer.MinConfidence,
		enabled:   settings.Recognizer.Enabled,
		misses:    cache.New(negativeCacheTTL, negativeCacheCleanup),
	}
}

// NewChainWith builds a chain over explicit recognizers, the seam tests and
// callers with custom sources use.
func NewChainWith(settings *conf.Settings, log *slog.Logger, recognizers ...Recognizer) *Chain {
	if log == nil {
		log = logging.ForService("EXTERNAL_DETECTION")
	}
	return &Chain{
		recognizers: recognizers,
		log:         log,
		timeout:     settings.RecognizerTimeout(),
		minAccept:   settings.Recognizer.MinConfidence,
		enabled:     settings.Recognizer.Enabled,
		misses:      cache.New(negativeCacheTTL, negativeCacheCleanup),
	}
}

// Identify tries each enabled recognizer in order, each behind its own
// timeout and error boundary. It returns the first envelope at or above the
// acceptance floor, or nil when every source misses.
func (c *Chain) Identify(ctx context.Context, input *Input) (*Envelope, error) {
	if !c.enabled {
		return nil, nil
	}

	cacheKey := ""
	if input.Features != nil && input.Features.ContentHash != "" {
		cacheKey = input.Features.ContentHash
		if _, found := c.misses.Get(cacheKey); found {
			c.log.Debug("skipping external lookup, recent miss", "content_hash", cacheKey)
			return nil, nil
		}
	}

	for _, rec := range c.recognizers {
		if !rec.Enabled() {
			continue
		}

		envelope, err := c.identifyOne(ctx, rec, input)
		if err != nil {
			c.log.Warn("recognizer failed", "source", rec.Name(), "error", err)
			continue
		}
		if envelope == nil {
			continue
		}
		if envelope.Confidence < c.minAccept {
			c.log.Info("No external match accepted",
				"source", rec.Name(),
				"confidence", envelope.Confidence,
				"floor", c.minAccept)
			continue
		}

		c.log.Info("external match",
			"source", rec.Name(),
			"title", envelope.TrackInfo.Title,
			"artist", envelope.TrackInfo.Artist,
			"confidence", envelope.Confidence)
		return envelope, nil
	}

	if cacheKey != "" {
		c.misses.SetDefault(cacheKey, true)
	}
	return nil, nil
}

func (c *Chain) identifyOne(ctx context.Context, rec Recognizer, input *Input) (*Envelope, error) {
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return rec.Identify(callCtx, input)
}
