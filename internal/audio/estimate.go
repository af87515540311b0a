// Package audio records narration, estimates how long a script takes to read
// and measures audio files.
package audio

import (
	"context"
	"math"
	"strings"

	"github.com/seriesme/seriesme-agent/internal/apperr"
)

const (
	// DefaultWPM is the speaking rate used when none is given.
	DefaultWPM = 150
	// ReadingWPM is the slower rate used for on-screen reading.
	ReadingWPM = 120
	// MinDuration is the shortest estimate ever returned, in seconds.
	MinDuration = 3.0
)

// EstimateDuration returns how many seconds text takes to say at wpm words
// per minute, never less than MinDuration. wpm <= 0 means DefaultWPM.
func EstimateDuration(text string, wpm float64) float64 {
	if wpm <= 0 {
		wpm = DefaultWPM
	}
	words := float64(len(strings.Fields(text)))
	return math.Max(MinDuration, words/wpm*60)
}

// DurationProber measures media files.
type DurationProber interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// Duration decodes the length of an audio file in seconds.
// A nil prober means no decoder is installed.
func Duration(ctx context.Context, p DurationProber, path string) (float64, error) {
	if p == nil {
		return 0, apperr.Media("audio.Duration", "No audio decoder available", nil)
	}
	d, err := p.Duration(ctx, path)
	if err != nil {
		return 0, apperr.Media("audio.Duration", "failed to get audio duration", err)
	}
	if math.IsNaN(d) || math.IsInf(d, 0) || d <= 0 {
		return 0, apperr.Media("audio.Duration", "audio has no usable duration", nil)
	}
	return d, nil
}
