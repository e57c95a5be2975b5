package capture

// Analyzer watches a rolling window of one-second PCM segments and decides
// when the captured content has naturally ended.
type Analyzer struct {
	silenceThreshold  float64
	minSilenceSeconds float64
	changeThreshold   float64

	window    [][]byte
	silentRun float64
}

// NewAnalyzer returns an Analyzer with the given thresholds. Both thresholds
// are relative to the 16-bit peak.
func NewAnalyzer(silenceThreshold, minSilenceSeconds, changeThreshold float64) *Analyzer {
	return &Analyzer{
		silenceThreshold:  silenceThreshold,
		minSilenceSeconds: minSilenceSeconds,
		changeThreshold:   changeThreshold,
	}
}

// Push feeds one one-second segment to the analyzer. It returns a termination
// reason and true when the capture should stop.
func (a *Analyzer) Push(segment []byte) (TerminationReason, bool) {
	var prev []byte
	if len(a.window) > 0 {
		prev = a.window[len(a.window)-1]
	}

	seg := make([]byte, len(segment))
	copy(seg, segment)
	a.window = append(a.window, seg)
	if len(a.window) > windowSegments {
		a.window = a.window[1:]
	}

	rms := RMS(seg)
	if rms < a.silenceThreshold {
		a.silentRun++
		if a.silentRun >= a.minSilenceSeconds {
			return ReasonSilence, true
		}
		return "", false
	}
	a.silentRun = 0

	if prev != nil && MeanAbsDiff(seg, prev) > a.changeThreshold {
		return ReasonSpectralChange, true
	}
	return "", false
}

// SilentSeconds reports the current run of consecutive silent segments.
func (a *Analyzer) SilentSeconds() float64 {
	return a.silentRun
}
