// classify.go: music versus speech heuristic.
package features

import "math"

// formant band of voiced speech fundamentals
const (
	formantLoHz = 85.0
	formantHiHz = 255.0
)

// Classification is the music/speech verdict for a capture.
type Classification struct {
	IsMusic    bool
	Confidence float64
}

// classify decides music versus speech from the onset envelope and the
// spectral energy distribution. Speech shows strong energy in the 85-255 Hz
// fundamental band without periodic onsets; music shows regular onsets and
// energy spread across the spectrum.
func classify(frames [][]float64, sampleRate int) Classification {
	regularity := onsetRegularity(spectralFlux(frames))
	formantRatio := bandEnergyRatio(frames, sampleRate, formantLoHz, formantHiHz)

	score := clamp01(0.55*regularity + 0.45*(1-formantRatio))
	if score >= 0.5 {
		return Classification{IsMusic: true, Confidence: score}
	}
	return Classification{IsMusic: false, Confidence: 1 - score}
}

// onsetRegularity measures how periodic the peaks of an onset envelope are,
// as 1 minus the coefficient of variation of the inter-onset intervals,
// clamped to [0, 1]. Fewer than three detected onsets yield 0.
func onsetRegularity(flux []float64) float64 {
	if len(flux) < 4 {
		return 0
	}

	mean, std := meanStd(flux)
	threshold := mean + std

	var peaks []int
	for i := 1; i < len(flux)-1; i++ {
		if flux[i] > threshold && flux[i] >= flux[i-1] && flux[i] > flux[i+1] {
			peaks = append(peaks, i)
		}
	}
	if len(peaks) < 3 {
		return 0
	}

	intervals := make([]float64, len(peaks)-1)
	for i := 1; i < len(peaks); i++ {
		intervals[i-1] = float64(peaks[i] - peaks[i-1])
	}
	iMean, iStd := meanStd(intervals)
	if iMean == 0 {
		return 0
	}
	return clamp01(1 - iStd/iMean)
}

func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	for _, v := range values {
		std += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(std / float64(len(values)))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
