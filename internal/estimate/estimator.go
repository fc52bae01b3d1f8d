package estimate

import (
	"strings"

	"github.com/chattalabs/chatta-core/internal/config"
)

// Estimator predicts how long synthesized speech for a given text will run,
// using a per-voice speaking rate. The estimate is deterministic and
// monotonically non-decreasing in word count for a fixed voice; it seeds the
// adaptive playback buffer before the first audio chunk arrives.
type Estimator struct {
	defaultWPM float64
	voiceWPM   map[string]float64
}

func New(cfg config.EstimatorConfig) *Estimator {
	wpm := cfg.DefaultWordsPerMinute
	if wpm <= 0 {
		wpm = 160
	}
	return &Estimator{
		defaultWPM: wpm,
		voiceWPM:   cfg.VoiceWordsPerMinute,
	}
}

// EstimateDuration returns the expected speech duration in seconds.
// Empty or whitespace-only text estimates to 0.
func (e *Estimator) EstimateDuration(text, voice string) float64 {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return float64(words) / e.rateFor(voice) * 60.0
}

func (e *Estimator) rateFor(voice string) float64 {
	if rate, ok := e.voiceWPM[voice]; ok && rate > 0 {
		return rate
	}
	return e.defaultWPM
}
