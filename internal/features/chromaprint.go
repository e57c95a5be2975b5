// chromaprint.go: wrapper around the chromaprint fpcalc binary.
package features

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/LordThiouk/sodav-monitor-sub003/internal/errors"
)

type fpcalcOutput struct {
	Duration    float64  `json:"duration"`
	Fingerprint []uint32 `json:"fingerprint"`
}

// chromaprint writes the PCM to a temporary WAV file and runs fpcalc on it,
// returning the raw fingerprint integer sequence.
func (e *Extractor) chromaprint(ctx context.Context, pcm []byte, sampleRate int) ([]uint32, error) {
	wavBytes, err := EncodeWAV(pcm, sampleRate)
	if err != nil {
		return nil, errors.New(err).Component("features").Category(errors.CategoryAudio).Build()
	}

	tmp, err := os.CreateTemp("", "sodav-capture-*.wav")
	if err != nil {
		return nil, errors.New(err).Component("features").Category(errors.CategoryFileIO).Build()
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(wavBytes); err != nil {
		tmp.Close()
		return nil, errors.New(err).Component("features").Category(errors.CategoryFileIO).Build()
	}
	if err := tmp.Close(); err != nil {
		return nil, errors.New(err).Component("features").Category(errors.CategoryFileIO).Build()
	}

	cmd := exec.CommandContext(ctx, e.settings.Features.FpcalcPath, "-json", "-raw", tmp.Name())
	out, err := cmd.Output()
	if err != nil {
		if execErr, ok := err.(*exec.Error); ok && errors.Is(execErr.Err, exec.ErrNotFound) {
			return nil, errors.New(errors.ErrExtractorUnavailable).
				Component("features").
				Category(errors.CategoryConfiguration).
				Context("fpcalc_path", e.settings.Features.FpcalcPath).
				Build()
		}
		if os.IsNotExist(err) {
			return nil, errors.New(errors.ErrExtractorUnavailable).
				Component("features").
				Category(errors.CategoryConfiguration).
				Context("fpcalc_path", e.settings.Features.FpcalcPath).
				Build()
		}
		return nil, errors.New(fmt.Errorf("fpcalc failed: %w", err)).
			Component("features").
			Category(errors.CategoryProcessing).
			Build()
	}

	var parsed fpcalcOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, errors.New(fmt.Errorf("error parsing fpcalc output: %w", err)).
			Component("features").
			Category(errors.CategoryProcessing).
			Build()
	}
	if len(parsed.Fingerprint) == 0 {
		return nil, errors.Newf("fpcalc produced an empty fingerprint").
			Component("features").
			Category(errors.CategoryProcessing).
			Build()
	}
	return parsed.Fingerprint, nil
}
