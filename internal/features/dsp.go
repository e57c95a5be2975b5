// dsp.go: spectral analysis primitives used by the feature extractor.
package features

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
)

const (
	windowSize = 1024
	hopSize    = 256

	numMelFilters = 26
	numMFCC       = 13
	numChroma     = 12
)

// hammingWindow returns a Hamming window of length n.
func hammingWindow(n int) []float64 {
	w := make([]float64, n)
	for i := 0; i < n; i++ {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// spectrogram computes the magnitude STFT of samples with a Hamming window.
// Each row holds windowSize/2 magnitude bins.
func spectrogram(samples []float64) [][]float64 {
	if len(samples) < windowSize {
		return nil
	}
	win := hammingWindow(windowSize)
	frame := make([]float64, windowSize)

	var frames [][]float64
	for start := 0; start+windowSize <= len(samples); start += hopSize {
		copy(frame, samples[start:start+windowSize])
		for i := range frame {
			frame[i] *= win[i]
		}
		spectrum := fft.FFTReal(frame)
		mag := make([]float64, windowSize/2)
		for i := range mag {
			mag[i] = cmplx.Abs(spectrum[i])
		}
		frames = append(frames, mag)
	}
	return frames
}

// binFrequency returns the center frequency of an FFT bin.
func binFrequency(bin, sampleRate int) float64 {
	return float64(bin) * float64(sampleRate) / float64(windowSize)
}

func hzToMel(hz float64) float64 {
	return 2595 * math.Log10(1+hz/700)
}

func melToHz(mel float64) float64 {
	return 700 * (math.Pow(10, mel/2595) - 1)
}

// melFilterbank builds numMelFilters triangular filters over the magnitude
// bins, spanning 0 Hz to Nyquist.
func melFilterbank(sampleRate int) [][]float64 {
	bins := windowSize / 2
	maxMel := hzToMel(float64(sampleRate) / 2)

	centers := make([]float64, numMelFilters+2)
	for i := range centers {
		centers[i] = melToHz(maxMel * float64(i) / float64(numMelFilters+1))
	}

	filters := make([][]float64, numMelFilters)
	for f := 0; f < numMelFilters; f++ {
		filters[f] = make([]float64, bins)
		lo, mid, hi := centers[f], centers[f+1], centers[f+2]
		for b := 0; b < bins; b++ {
			freq := binFrequency(b, sampleRate)
			switch {
			case freq <= lo || freq >= hi:
				// outside the triangle
			case freq <= mid:
				filters[f][b] = (freq - lo) / (mid - lo)
			default:
				filters[f][b] = (hi - freq) / (hi - mid)
			}
		}
	}
	return filters
}

// meanMFCC computes the mean of numMFCC cepstral coefficients across all
// frames: log mel-filterbank energies followed by a DCT-II.
func meanMFCC(frames [][]float64, sampleRate int) []float64 {
	mean := make([]float64, numMFCC)
	if len(frames) == 0 {
		return mean
	}
	filters := melFilterbank(sampleRate)
	logMel := make([]float64, numMelFilters)

	for _, mag := range frames {
		for f, filter := range filters {
			var e float64
			for b, w := range filter {
				if w > 0 {
					e += w * mag[b] * mag[b]
				}
			}
			logMel[f] = math.Log(e + 1e-10)
		}
		for c := 0; c < numMFCC; c++ {
			var sum float64
			for f := 0; f < numMelFilters; f++ {
				sum += logMel[f] * math.Cos(math.Pi*float64(c)*(float64(f)+0.5)/float64(numMelFilters))
			}
			mean[c] += sum
		}
	}
	for c := range mean {
		mean[c] /= float64(len(frames))
	}
	return mean
}

// meanChroma folds the spectrum into 12 pitch classes and averages over
// frames. The result is normalized so the classes sum to 1.
func meanChroma(frames [][]float64, sampleRate int) []float64 {
	chroma := make([]float64, numChroma)
	if len(frames) == 0 {
		return chroma
	}
	const refFreq = 440.0 // A4, pitch class 9

	for _, mag := range frames {
		for b := 1; b < len(mag); b++ {
			freq := binFrequency(b, sampleRate)
			if freq < 27.5 || freq > 4200 {
				continue
			}
			semitones := 12 * math.Log2(freq/refFreq)
			class := ((int(math.Round(semitones))+9)%12 + 12) % 12
			chroma[class] += mag[b] * mag[b]
		}
	}

	var total float64
	for _, v := range chroma {
		total += v
	}
	if total > 0 {
		for i := range chroma {
			chroma[i] /= total
		}
	}
	return chroma
}

// meanSpectralCentroid returns the average magnitude-weighted frequency in Hz.
func meanSpectralCentroid(frames [][]float64, sampleRate int) float64 {
	if len(frames) == 0 {
		return 0
	}
	var sum float64
	for _, mag := range frames {
		var num, den float64
		for b := range mag {
			num += binFrequency(b, sampleRate) * mag[b]
			den += mag[b]
		}
		if den > 0 {
			sum += num / den
		}
	}
	return sum / float64(len(frames))
}

// spectralFlux returns the per-frame positive spectral difference, the usual
// onset strength envelope.
func spectralFlux(frames [][]float64) []float64 {
	if len(frames) < 2 {
		return nil
	}
	flux := make([]float64, len(frames)-1)
	for i := 1; i < len(frames); i++ {
		var sum float64
		for b := range frames[i] {
			if d := frames[i][b] - frames[i-1][b]; d > 0 {
				sum += d
			}
		}
		flux[i-1] = sum
	}
	return flux
}

// bandEnergyRatio returns the share of total spectral energy between loHz and
// hiHz, averaged over frames.
func bandEnergyRatio(frames [][]float64, sampleRate int, loHz, hiHz float64) float64 {
	if len(frames) == 0 {
		return 0
	}
	var ratioSum float64
	var counted int
	for _, mag := range frames {
		var band, total float64
		for b := range mag {
			e := mag[b] * mag[b]
			total += e
			if f := binFrequency(b, sampleRate); f >= loHz && f <= hiHz {
				band += e
			}
		}
		if total > 0 {
			ratioSum += band / total
			counted++
		}
	}
	if counted == 0 {
		return 0
	}
	return ratioSum / float64(counted)
}
