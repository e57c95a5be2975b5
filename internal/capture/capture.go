// Package capture records a bounded sample of a station's audio stream and
// decides when natural content boundaries end the recording.
package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/smallnest/ringbuffer"

	"github.com/LordThiouk/sodav-monitor-sub003/internal/conf"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/errors"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/logging"
)

// TerminationReason records why a capture stopped.
type TerminationReason string

const (
	ReasonSilence        TerminationReason = "silence_detected"
	ReasonSpectralChange TerminationReason = "spectral_change_detected"
	ReasonMaxDuration    TerminationReason = "max_duration_reached"
	ReasonError          TerminationReason = "error"
)

const (
	bytesPerSample = 2 // s16le mono
	chunkSeconds   = 0.2
	windowSegments = 10 // rolling analysis window, one-second segments

	// captures shorter than this are treated as failures, not short samples
	minCaptureSeconds = 1.0

	stderrTailBytes = 4096
)

// Result is one finished capture.
type Result struct {
	ID               string // correlation id carried through the log trail
	PCM              []byte // s16le mono
	SampleRate       int
	CapturedDuration time.Duration
	Reason           TerminationReason
}

// Capturer records audio samples from stream URLs using an ffmpeg child
// process to demux and decode.
type Capturer struct {
	settings *conf.Settings
	log      *slog.Logger
}

// New returns a Capturer bound to the given settings.
func New(settings *conf.Settings, log *slog.Logger) *Capturer {
	if log == nil {
		log = logging.ForService("CAPTURE")
	}
	return &Capturer{settings: settings, log: log}
}

// Capture connects to streamURL and records PCM until silence, an abrupt
// content change, the configured ceiling, or a stream error ends it. Stream
// errors after at least one second of audio still yield a usable Result with
// ReasonError; anything shorter is a capture failure.
func (c *Capturer) Capture(ctx context.Context, streamURL string) (*Result, error) {
	captureID := uuid.NewString()
	sampleRate := c.settings.Features.SampleRate
	maxDuration := c.settings.CaptureMaxDuration()
	bytesPerSecond := sampleRate * bytesPerSample
	maxBytes := int(maxDuration.Seconds()) * bytesPerSecond

	ctx, cancel := context.WithTimeout(ctx, maxDuration+time.Duration(c.settings.Capture.ConnectTimeout)*time.Second)
	defer cancel()

	cmd, stdout, stderr, err := c.startFFmpeg(ctx, streamURL, sampleRate)
	if err != nil {
		return nil, err
	}
	defer func() {
		cancel()
		_ = cmd.Wait()
	}()

	// scratch holds everything recorded so far, bounded at the ceiling
	scratch := ringbuffer.New(maxBytes + bytesPerSecond)
	analyzer := NewAnalyzer(c.settings.Capture.SilenceThreshold, c.settings.Capture.MinSilenceSeconds,
		c.settings.Capture.SpectralChangeThreshold)

	chunk := make([]byte, int(float64(bytesPerSecond)*chunkSeconds))
	segment := make([]byte, 0, bytesPerSecond)
	start := time.Now()

	reason := ReasonMaxDuration
	var streamErr error

readLoop:
	for {
		n, readErr := io.ReadFull(stdout, chunk)
		if n > 0 {
			if _, werr := scratch.Write(chunk[:n]); werr != nil {
				break readLoop // buffer full, ceiling reached
			}
			segment = append(segment, chunk[:n]...)
			if len(segment) >= bytesPerSecond {
				if r, stop := analyzer.Push(segment[:bytesPerSecond]); stop {
					reason = r
					break readLoop
				}
				segment = segment[:0]
			}
		}
		if readErr != nil {
			if readErr != io.EOF && readErr != io.ErrUnexpectedEOF && ctx.Err() == nil {
				streamErr = readErr
			}
			reason = ReasonError
			break readLoop
		}
		if scratch.Length() >= maxBytes {
			reason = ReasonMaxDuration
			break readLoop
		}
	}

	// the buffer was filled by this goroutine; a read of exactly Length
	// bytes cannot fail, a short read would only truncate the capture
	pcm := make([]byte, scratch.Length())
	n, _ := scratch.Read(pcm)
	pcm = pcm[:n]
	captured := time.Duration(float64(len(pcm)) / float64(bytesPerSecond) * float64(time.Second))

	if float64(len(pcm)) < minCaptureSeconds*float64(bytesPerSecond) {
		cause := streamErr
		if cause == nil {
			cause = errors.ErrNoAudio
		}
		return nil, errors.New(cause).
			Component("capture").
			Category(errors.CategoryCapture).
			Context("capture_id", captureID).
			Context("stream_url", streamURL).
			Context("stderr", lastLine(stderr.Bytes())).
			Build()
	}

	c.log.Debug("capture finished",
		"capture_id", captureID,
		"stream_url", streamURL,
		"duration", captured.Round(time.Millisecond).String(),
		"reason", string(reason),
		"elapsed", time.Since(start).Round(time.Millisecond).String())

	return &Result{
		ID:               captureID,
		PCM:              pcm,
		SampleRate:       sampleRate,
		CapturedDuration: captured,
		Reason:           reason,
	}, nil
}

// startFFmpeg spawns ffmpeg decoding the stream to s16le mono PCM on stdout.
func (c *Capturer) startFFmpeg(ctx context.Context, streamURL string, sampleRate int) (*exec.Cmd, io.ReadCloser, *bytes.Buffer, error) {
	ffmpegPath := c.settings.Capture.FfmpegPath
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}

	args := []string{
		"-rw_timeout", strconv.Itoa(c.settings.Capture.ConnectTimeout * 1_000_000),
		"-i", streamURL,
		"-loglevel", "error",
		"-vn",
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", "1",
		"-hide_banner",
		"pipe:1",
	}

	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &boundedWriter{buf: &stderr, max: stderrTailBytes}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, errors.New(fmt.Errorf("error creating ffmpeg pipe: %w", err)).
			Component("capture").
			Category(errors.CategoryAudioSource).
			Build()
	}

	c.log.Debug("starting ffmpeg", "stream_url", streamURL, "sample_rate", sampleRate)
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, errors.New(fmt.Errorf("error starting ffmpeg: %w", err)).
			Component("capture").
			Category(errors.CategoryAudioSource).
			Context("ffmpeg_path", ffmpegPath).
			Build()
	}

	return cmd, stdout, &stderr, nil
}

// boundedWriter keeps only the first max bytes written to it.
type boundedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	if remain := w.max - w.buf.Len(); remain > 0 {
		if len(p) > remain {
			w.buf.Write(p[:remain])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

func lastLine(b []byte) string {
	b = bytes.TrimRight(b, "\r\n")
	if i := bytes.LastIndexByte(b, '\n'); i >= 0 {
		b = b[i+1:]
	}
	return string(b)
}
